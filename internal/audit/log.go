// Package audit records privileged actions to the audit store and the structured log.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"lexdesk.org/internal/auth"
	"lexdesk.org/internal/ids"
	"lexdesk.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log line enriched with request and caller context.
func LogEvent(ctx context.Context, event string, fields map[string]string) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		zf = append(zf, zap.String("user_id", id.UserID))
	}
	if fields == nil {
		fields = map[string]string{}
	}
	zf = append(zf, zap.Any("fields", fields))
	obs.Logger().Info("audit", zf...)
	return nil
}

// Recorder persists audit entries and mirrors them to the log.
type Recorder struct {
	store auth.AuditStore
	now   func() time.Time
}

// NewRecorder returns a recorder over store. A nil store logs only.
func NewRecorder(store auth.AuditStore) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Record implements auth.AuditSink.
func (r *Recorder) Record(ctx context.Context, entry auth.AuditEntry) error {
	if strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit action is required")
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now().UTC()
	}
	fields := map[string]string{
		"audit_id":    entry.ID,
		"actor_id":    entry.ActorID,
		"target_type": entry.TargetType,
		"target_id":   entry.TargetID,
	}
	for k, v := range entry.Details {
		fields["detail."+k] = v
	}
	if err := LogEvent(ctx, entry.Action, fields); err != nil {
		return err
	}
	if r.store == nil {
		return nil
	}
	if err := r.store.Append(ctx, &entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// List returns entries matching q, newest first. The limit defaults to 50 and
// is capped at 500.
func (r *Recorder) List(ctx context.Context, q auth.AuditQuery) ([]auth.AuditEntry, error) {
	switch {
	case q.Limit <= 0:
		q.Limit = defaultListLimit
	case q.Limit > maxListLimit:
		q.Limit = maxListLimit
	}
	if r.store == nil {
		return []auth.AuditEntry{}, nil
	}
	entries, err := r.store.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	if entries == nil {
		entries = []auth.AuditEntry{}
	}
	return entries, nil
}
