package auth

import (
	"context"
	"time"

	"lexdesk.org/internal/mail"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users() UserStore
	Roles() RoleStore
	Permissions() PermissionStore
}

// UserStore manages identity records. Every method that writes a password
// increments token_generation in the same statement.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByVerificationHash(ctx context.Context, tokenHash string) (*User, error)
	FindByResetHash(ctx context.Context, tokenHash string) (*User, error)
	SetVerificationToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	SetResetToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	// ConsumeVerification marks the user verified and clears the verification
	// fields only while tokenHash is still stored; otherwise ErrNotFound.
	ConsumeVerification(ctx context.Context, userID, tokenHash string) error
	// ConsumePasswordReset sets the password and clears the reset fields only
	// while tokenHash is still stored; returns the new token generation.
	ConsumePasswordReset(ctx context.Context, userID, tokenHash, passwordHash string) (int64, error)
	SetPassword(ctx context.Context, userID, passwordHash string) (int64, error)
	IncrementTokenGeneration(ctx context.Context, userID string) (int64, error)
	List(ctx context.Context, q UserQuery) ([]*User, error)
	// Update applies the non-nil fields of patch and returns the stored record.
	Update(ctx context.Context, userID string, patch UserPatch) (*User, error)
	Delete(ctx context.Context, userID string) error
}

// RoleStore manages roles and their permission sets.
type RoleStore interface {
	// Create inserts the role together with role.Permissions in one transaction.
	// role.ID is only set once the insert has committed.
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	Delete(ctx context.Context, id string) error
	SetPermissions(ctx context.Context, roleID string, names []string) error
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	Create(ctx context.Context, perm *Permission) error
	Ensure(ctx context.Context, perms []Permission) error
	Find(ctx context.Context, id string) (*Permission, error)
	List(ctx context.Context) ([]Permission, error)
	// Update rewrites name and description of perm.ID.
	Update(ctx context.Context, perm *Permission) error
	// Delete removes the permission and every role grant of it.
	Delete(ctx context.Context, id string) error
	NamesForRole(ctx context.Context, roleID string) ([]string, error)
}

// AuditStore appends immutable entries and reads them back newest first.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	List(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
}

// RefreshTokenStore records outstanding refresh tokens in an expiring store.
type RefreshTokenStore interface {
	Record(ctx context.Context, userID string, generation int64, rawToken string, ttl time.Duration) error
	Exists(ctx context.Context, userID string, generation int64, rawToken string) (bool, error)
	Revoke(ctx context.Context, userID string, generation int64, rawToken string) error
	// Consume deletes the record and reports whether it existed, atomically per key.
	Consume(ctx context.Context, userID string, generation int64, rawToken string) (bool, error)
	RevokeAll(ctx context.Context, userID string) (int, error)
}

// PermissionCache stores resolved permission sets for a bounded time.
type PermissionCache interface {
	Get(ctx context.Context, userID string) ([]string, bool, error)
	Set(ctx context.Context, userID string, perms []string) error
	Invalidate(ctx context.Context) error
}

// AuditSink receives audit records for privileged actions.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// Mailer dispatches outbound email.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}
