package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"lexdesk.org/internal/auth"
	"lexdesk.org/internal/ids"
)

type auditStore struct{ db *sql.DB }

func (s *auditStore) Append(ctx context.Context, e *auth.AuditEntry) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	details := e.Details
	if details == nil {
		details = map[string]string{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_log (id, occurred_at, actor_id, action, target_type, target_id, details)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.OccurredAt.UTC(), nullIfEmpty(e.ActorID), e.Action,
		nullIfEmpty(e.TargetType), nullIfEmpty(e.TargetID), payload)
	return err
}

// List returns matching entries newest first. A zero limit returns every row.
func (s *auditStore) List(ctx context.Context, q auth.AuditQuery) ([]auth.AuditEntry, error) {
	var (
		conds []string
		args  []any
	)
	where := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.ActorID != "" {
		where("actor_id = $%d", q.ActorID)
	}
	if q.Action != "" {
		where("action = $%d", q.Action)
	}
	if q.TargetType != "" {
		where("target_type = $%d", q.TargetType)
	}
	if q.TargetID != "" {
		where("target_id = $%d", q.TargetID)
	}
	if !q.Before.IsZero() {
		where("occurred_at < $%d", q.Before.UTC())
	}

	query := `select id, occurred_at, coalesce(actor_id, ''), action,
		coalesce(target_type, ''), coalesce(target_id, ''), details
		from audit_log`
	if len(conds) > 0 {
		query += ` where ` + strings.Join(conds, ` and `)
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(` order by occurred_at desc, id desc limit nullif($%d, 0)`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []auth.AuditEntry{}
	for rows.Next() {
		var (
			e       auth.AuditEntry
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID, &payload); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details %s: %w", e.ID, err)
			}
		}
		e.OccurredAt = e.OccurredAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
