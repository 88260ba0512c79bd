package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"lexdesk.org/internal/auth"
	"lexdesk.org/internal/ids"
)

type roleStore struct{ db *sql.DB }

const roleSelect = `
	select r.id, r.name, r.created_at, r.updated_at,
		string_agg(p.name, ',' order by p.name)
	from roles r
	left join role_permissions rp on rp.role_id = r.id
	left join permissions p on p.id = rp.permission_id `

const roleGroup = ` group by r.id, r.name, r.created_at, r.updated_at`

func scanRole(row scanner) (*auth.Role, error) {
	var (
		r     auth.Role
		names sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Name, &r.CreatedAt, &r.UpdatedAt, &names); err != nil {
		return nil, translate(err)
	}
	r.Permissions = []string{}
	if names.Valid && names.String != "" {
		r.Permissions = strings.Split(names.String, ",")
	}
	return &r, nil
}

// Create inserts the role and its grants atomically. role is only mutated after commit.
func (s *roleStore) Create(ctx context.Context, role *auth.Role) (err error) {
	id := role.ID
	if id == "" {
		id = ids.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var created, updated time.Time
	if err = tx.QueryRowContext(ctx, `
		insert into roles (id, name) values ($1, $2)
		returning created_at, updated_at
	`, id, role.Name).Scan(&created, &updated); err != nil {
		return translate(err)
	}
	granted, err := grant(ctx, tx, id, role.Permissions)
	if err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	role.ID, role.CreatedAt, role.UpdatedAt, role.Permissions = id, created, updated, granted
	return nil
}

func (s *roleStore) Find(ctx context.Context, id string) (*auth.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx, roleSelect+`where r.id = $1`+roleGroup, id))
}

func (s *roleStore) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx, roleSelect+`where r.name = $1`+roleGroup, name))
}

func (s *roleStore) List(ctx context.Context) ([]*auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, roleSelect+roleGroup+` order by r.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// Delete refuses while users still reference the role.
func (s *roleStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}

func (s *roleStore) SetPermissions(ctx context.Context, roleID string, names []string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists bool
	if err = tx.QueryRowContext(ctx, `select exists(select 1 from roles where id = $1)`, roleID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return auth.ErrNotFound
	}

	if _, err = tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}

	if _, err = grant(ctx, tx, roleID, names); err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `update roles set updated_at = now() where id = $1`, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

// grant inserts role_permissions rows for names, deduplicated and sorted. An unknown
// name is ErrInvalidInput.
func grant(ctx context.Context, tx *sql.Tx, roleID string, names []string) ([]string, error) {
	unique := make(map[string]struct{}, len(names))
	sorted := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := unique[name]; ok {
			continue
		}
		unique[name] = struct{}{}
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		var permID string
		if err := tx.QueryRowContext(ctx, `select id from permissions where name = $1`, name).Scan(&permID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: unknown permission %s", auth.ErrInvalidInput, name)
			}
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `insert into role_permissions (role_id, permission_id) values ($1, $2)`, roleID, permID); err != nil {
			return nil, err
		}
	}
	return sorted, nil
}
