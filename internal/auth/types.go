package auth

import "time"

// User is the identity record owned by the user directory.
type User struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	PasswordHash    string    `json:"-"`
	RoleID          string    `json:"role_id"`
	RoleName        string    `json:"role,omitempty"`
	IsVerified      bool      `json:"is_verified"`
	TokenGeneration int64     `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// Single-use token fields. Only hashes are stored.
	VerificationTokenHash   string     `json:"-"`
	VerificationTokenExpiry *time.Time `json:"-"`
	ResetTokenHash          string     `json:"-"`
	ResetTokenExpiry        *time.Time `json:"-"`
	PasswordChangedAt       *time.Time `json:"-"`
}

// HasPassword reports whether the account can log in with a password.
func (u *User) HasPassword() bool { return u != nil && u.PasswordHash != "" }

// UserQuery pages through the user directory ordered by creation time.
type UserQuery struct {
	RoleID string
	Limit  int
	Offset int
}

// UserPatch carries an admin edit. Nil fields are left unchanged.
type UserPatch struct {
	Name   *string `json:"name,omitempty"`
	Email  *string `json:"email,omitempty"`
	RoleID *string `json:"roleId,omitempty"`
}

// AuditQuery filters the audit log. Zero values match everything.
type AuditQuery struct {
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Before     time.Time
	Limit      int
}

// Role groups permissions.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is a fine-grained capability named resource:action.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditEntry is an append-only record of a privileged action.
type AuditEntry struct {
	ID         string            `json:"id"`
	OccurredAt time.Time         `json:"occurred_at"`
	ActorID    string            `json:"actor_id"`
	Action     string            `json:"action"`
	TargetType string            `json:"target_type,omitempty"`
	TargetID   string            `json:"target_id,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// TokenPair is an access/refresh credential pair with expirations.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// Session is the result of a successful login.
type Session struct {
	User *User `json:"user"`
	TokenPair
}

// NewUser describes an account to be created.
type NewUser struct {
	Name     string
	Email    string
	Password string
	RoleID   string
	Verified bool
}
