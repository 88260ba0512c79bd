package pg

import (
	"context"
	"database/sql"

	"lexdesk.org/internal/auth"
	"lexdesk.org/internal/ids"
)

type permissionStore struct{ db *sql.DB }

func (s *permissionStore) Create(ctx context.Context, perm *auth.Permission) error {
	id := perm.ID
	if id == "" {
		id = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into permissions (id, name, description) values ($1, $2, $3)
		returning created_at
	`, id, perm.Name, nullIfEmpty(perm.Description)).Scan(&perm.CreatedAt)
	if err != nil {
		return translate(err)
	}
	perm.ID = id
	return nil
}

func (s *permissionStore) Find(ctx context.Context, id string) (*auth.Permission, error) {
	var p auth.Permission
	err := s.db.QueryRowContext(ctx, `
		select id, name, coalesce(description, ''), created_at
		from permissions where id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *permissionStore) Update(ctx context.Context, perm *auth.Permission) error {
	err := s.db.QueryRowContext(ctx, `
		update permissions set name = $2, description = $3
		where id = $1
		returning created_at
	`, perm.ID, perm.Name, nullIfEmpty(perm.Description)).Scan(&perm.CreatedAt)
	return translate(err)
}

// Delete relies on the role_permissions cascade to drop grants.
func (s *permissionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from permissions where id = $1`, id)
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}

// Ensure inserts catalog entries that do not exist yet; existing rows are left alone.
func (s *permissionStore) Ensure(ctx context.Context, perms []auth.Permission) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, p := range perms {
		if _, err = tx.ExecContext(ctx, `
			insert into permissions (id, name, description) values ($1, $2, $3)
			on conflict (name) do nothing
		`, ids.New(), p.Name, nullIfEmpty(p.Description)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *permissionStore) List(ctx context.Context) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, coalesce(description, ''), created_at
		from permissions
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *permissionStore) NamesForRole(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.name
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.name
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
