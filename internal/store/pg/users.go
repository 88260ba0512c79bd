package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lexdesk.org/internal/auth"
	"lexdesk.org/internal/ids"
)

type userStore struct{ db *sql.DB }

const userColumns = `
	u.id, u.name, u.email, coalesce(u.password_hash, ''), u.role_id, r.name,
	u.is_verified, u.token_generation, u.created_at, u.updated_at,
	coalesce(u.verification_token_hash, ''), u.verification_token_expiry,
	coalesce(u.reset_token_hash, ''), u.reset_token_expiry, u.password_changed_at`

const userFrom = ` from users u join roles r on r.id = u.role_id `

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*auth.User, error) {
	var (
		u                              auth.User
		verifyExp, resetExp, pwChanged sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.RoleID, &u.RoleName,
		&u.IsVerified, &u.TokenGeneration, &u.CreatedAt, &u.UpdatedAt,
		&u.VerificationTokenHash, &verifyExp,
		&u.ResetTokenHash, &resetExp, &pwChanged)
	if err != nil {
		return nil, translate(err)
	}
	u.VerificationTokenExpiry = timePtr(verifyExp)
	u.ResetTokenExpiry = timePtr(resetExp)
	u.PasswordChangedAt = timePtr(pwChanged)
	return &u, nil
}

func (s *userStore) Create(ctx context.Context, u *auth.User) error {
	id := u.ID
	if id == "" {
		id = ids.New()
	}
	var verifyExp sql.NullTime
	if u.VerificationTokenExpiry != nil {
		verifyExp = sql.NullTime{Time: *u.VerificationTokenExpiry, Valid: true}
	}
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, name, email, password_hash, role_id, is_verified,
			verification_token_hash, verification_token_expiry)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning created_at, updated_at
	`, id, u.Name, u.Email, nullIfEmpty(u.PasswordHash), u.RoleID, u.IsVerified,
		nullIfEmpty(u.VerificationTokenHash), verifyExp,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return fmt.Errorf("%w: role %s", auth.ErrNotFound, u.RoleID)
	}
	if err != nil {
		return translate(err)
	}
	u.ID = id
	return nil
}

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+userFrom+`where u.id = $1`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+userFrom+`where u.email = $1`, email))
}

func (s *userStore) FindByVerificationHash(ctx context.Context, hash string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+userFrom+`where u.verification_token_hash = $1`, hash))
}

func (s *userStore) FindByResetHash(ctx context.Context, hash string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+userFrom+`where u.reset_token_hash = $1`, hash))
}

func (s *userStore) SetVerificationToken(ctx context.Context, userID, hash string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users set verification_token_hash = $2, verification_token_expiry = $3, updated_at = now()
		where id = $1
	`, userID, hash, expiresAt.UTC())
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}

func (s *userStore) SetResetToken(ctx context.Context, userID, hash string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users set reset_token_hash = $2, reset_token_expiry = $3, updated_at = now()
		where id = $1
	`, userID, hash, expiresAt.UTC())
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}

func (s *userStore) ConsumeVerification(ctx context.Context, userID, hash string) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set is_verified = true, verification_token_hash = null, verification_token_expiry = null, updated_at = now()
		where id = $1 and verification_token_hash = $2
	`, userID, hash)
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}

// Password writes bump token_generation in the same statement so concurrent
// writers never lose an increment.

func (s *userStore) ConsumePasswordReset(ctx context.Context, userID, hash, passwordHash string) (int64, error) {
	var gen int64
	err := s.db.QueryRowContext(ctx, `
		update users
		set password_hash = $3, token_generation = token_generation + 1,
			reset_token_hash = null, reset_token_expiry = null,
			password_changed_at = now(), updated_at = now()
		where id = $1 and reset_token_hash = $2
		returning token_generation
	`, userID, hash, passwordHash).Scan(&gen)
	if err != nil {
		return 0, translate(err)
	}
	return gen, nil
}

func (s *userStore) SetPassword(ctx context.Context, userID, passwordHash string) (int64, error) {
	var gen int64
	err := s.db.QueryRowContext(ctx, `
		update users
		set password_hash = $2, token_generation = token_generation + 1,
			password_changed_at = now(), updated_at = now()
		where id = $1
		returning token_generation
	`, userID, passwordHash).Scan(&gen)
	if err != nil {
		return 0, translate(err)
	}
	return gen, nil
}

func (s *userStore) IncrementTokenGeneration(ctx context.Context, userID string) (int64, error) {
	var gen int64
	err := s.db.QueryRowContext(ctx, `
		update users set token_generation = token_generation + 1, updated_at = now()
		where id = $1
		returning token_generation
	`, userID).Scan(&gen)
	if err != nil {
		return 0, translate(err)
	}
	return gen, nil
}

// List pages users by creation order. A zero limit returns every row.
func (s *userStore) List(ctx context.Context, q auth.UserQuery) ([]*auth.User, error) {
	query := `select ` + userColumns + userFrom
	var args []any
	if q.RoleID != "" {
		args = append(args, q.RoleID)
		query += fmt.Sprintf(`where u.role_id = $%d `, len(args))
	}
	args = append(args, q.Limit, q.Offset)
	query += fmt.Sprintf(`order by u.created_at, u.id limit nullif($%d, 0) offset $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []*auth.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Update applies the non-nil patch fields. An unknown role_id is ErrNotFound.
func (s *userStore) Update(ctx context.Context, userID string, patch auth.UserPatch) (*auth.User, error) {
	res, err := s.db.ExecContext(ctx, `
		update users set
			name = coalesce($2, name),
			email = coalesce($3, email),
			role_id = coalesce($4, role_id),
			updated_at = now()
		where id = $1
	`, userID, optional(patch.Name), optional(patch.Email), optional(patch.RoleID))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return nil, fmt.Errorf("%w: role", auth.ErrNotFound)
		}
		return nil, translate(err)
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	return s.Find(ctx, userID)
}

func (s *userStore) Delete(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `delete from users where id = $1`, userID)
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}
