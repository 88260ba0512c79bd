package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"lexdesk.org/internal/mail"
)

const (
	defaultStoreTimeout = 3 * time.Second
	defaultMailTimeout  = 10 * time.Second
)

// Audit actions emitted by Service.
const (
	ActionUserCreate       = "user.create"
	ActionUserUpdate       = "user.update"
	ActionUserDelete       = "user.delete"
	ActionPasswordAdminSet = "user.password.admin_set"
)

// Service is the session orchestrator: login, refresh rotation, logout and the
// password lifecycle.
type Service struct {
	store    Store
	codec    *TokenCodec
	refresh  RefreshTokenStore
	resolver *Resolver
	mailer   Mailer
	audit    AuditSink
	logger   *zap.Logger
	now      func() time.Time
	observe  func(event, outcome string)

	storeTimeout time.Duration
	mailTimeout  time.Duration
	frontendURL  string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithStoreTimeout bounds every operation's store round-trips.
func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d <= 0 {
			return errors.New("auth: store timeout must be positive")
		}
		s.storeTimeout = d
		return nil
	}
}

// WithResolver shares a resolver (and its cache) with the service.
func WithResolver(r *Resolver) ServiceOption {
	return func(s *Service) error {
		s.resolver = r
		return nil
	}
}

// WithMailer sets the outbound mail collaborator.
func WithMailer(m Mailer) ServiceOption {
	return func(s *Service) error {
		s.mailer = m
		return nil
	}
}

// WithAudit sets the audit sink for privileged actions.
func WithAudit(sink AuditSink) ServiceOption {
	return func(s *Service) error {
		s.audit = sink
		return nil
	}
}

// WithFrontendURL sets the base URL used in emailed links.
func WithFrontendURL(u string) ServiceOption {
	return func(s *Service) error {
		s.frontendURL = strings.TrimRight(strings.TrimSpace(u), "/")
		return nil
	}
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithEventObserver receives (event, outcome) pairs, e.g. for metrics.
func WithEventObserver(fn func(event, outcome string)) ServiceOption {
	return func(s *Service) error {
		s.observe = fn
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, codec *TokenCodec, refresh RefreshTokenStore, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if codec == nil {
		return nil, errors.New("auth: token codec is required")
	}
	if refresh == nil {
		return nil, errors.New("auth: refresh token store is required")
	}
	svc := &Service{
		store:        store,
		codec:        codec,
		refresh:      refresh,
		logger:       zap.NewNop(),
		now:          time.Now,
		observe:      func(string, string) {},
		storeTimeout: defaultStoreTimeout,
		mailTimeout:  defaultMailTimeout,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.resolver == nil {
		svc.resolver = NewResolver(store, WithResolverLogger(svc.logger))
	}
	return svc, nil
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// dummyHash equalizes login timing for unknown emails.
var dummyHash = sync.OnceValue(func() string {
	h, err := bcrypt.GenerateFromPassword([]byte("lexdesk-timing-equalizer"), PasswordCost)
	if err != nil {
		return ""
	}
	return string(h)
})

// Login authenticates email/password and opens a session. Unknown email and wrong
// password yield the same ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	email = normalizeEmail(email)
	if email == "" || password == "" {
		s.observe("login", "failure")
		return Session{}, ErrInvalidCredentials
	}
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return Session{}, fmt.Errorf("login: %w", err)
		}
		VerifyPassword(password, dummyHash())
		s.observe("login", "failure")
		return Session{}, ErrInvalidCredentials
	}
	if !user.HasPassword() {
		VerifyPassword(password, dummyHash())
		s.observe("login", "failure")
		return Session{}, ErrInvalidCredentials
	}
	if !VerifyPassword(password, user.PasswordHash) {
		s.observe("login", "failure")
		return Session{}, ErrInvalidCredentials
	}
	if !user.IsVerified {
		s.observe("login", "unverified")
		return Session{}, ErrEmailNotVerified
	}
	sess, err := s.startSession(ctx, user)
	if err != nil {
		return Session{}, err
	}
	s.observe("login", "success")
	s.logger.Info("login", zap.String("user_id", user.ID))
	return sess, nil
}

// VerifyEmail consumes a verification token, marks the account verified and logs the user in.
func (s *Service) VerifyEmail(ctx context.Context, rawToken string) (Session, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Session{}, ErrTokenInvalidOrExpired
	}
	hash := HashSingleUseToken(rawToken)
	user, err := s.store.Users().FindByVerificationHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.observe("verify_email", "failure")
			return Session{}, tokenRejected(err)
		}
		return Session{}, fmt.Errorf("verify email: %w", err)
	}
	if check := CheckSingleUseToken(rawToken, user.VerificationTokenHash, user.VerificationTokenExpiry, s.now()); check != TokenValid {
		s.observe("verify_email", "failure")
		return Session{}, tokenRejected(fmt.Errorf("verification token check: %d", check))
	}
	if err := s.store.Users().ConsumeVerification(ctx, user.ID, hash); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, tokenRejected(err)
		}
		return Session{}, fmt.Errorf("verify email: %w", err)
	}
	user.IsVerified = true
	user.VerificationTokenHash = ""
	user.VerificationTokenExpiry = nil

	sess, err := s.startSession(ctx, user)
	if err != nil {
		return Session{}, err
	}
	s.observe("verify_email", "success")
	return sess, nil
}

// RefreshAccessToken rotates a refresh token. The old token is consumed atomically so
// concurrent or repeated use of it fails.
func (s *Service) RefreshAccessToken(ctx context.Context, rawRefresh string) (TokenPair, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	claims, err := s.codec.VerifyRefresh(rawRefresh)
	if err != nil {
		s.observe("refresh", "failure")
		return TokenPair{}, tokenRejected(err)
	}
	user, err := s.store.Users().Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.observe("refresh", "failure")
			return TokenPair{}, tokenRejected(err)
		}
		return TokenPair{}, fmt.Errorf("refresh: %w", err)
	}
	if claims.Generation != user.TokenGeneration {
		if err := s.refresh.Revoke(ctx, user.ID, claims.Generation, rawRefresh); err != nil {
			s.logger.Warn("refresh_stale_revoke_failed", zap.String("user_id", user.ID), zap.Error(err))
		}
		s.observe("refresh", "stale_generation")
		return TokenPair{}, tokenRejected(fmt.Errorf("generation %d, current %d", claims.Generation, user.TokenGeneration))
	}
	ok, err := s.refresh.Consume(ctx, user.ID, claims.Generation, rawRefresh)
	if err != nil {
		return TokenPair{}, fmt.Errorf("refresh: %w", err)
	}
	if !ok {
		s.observe("refresh", "reused")
		s.logger.Warn("refresh_token_reused", zap.String("user_id", user.ID))
		return TokenPair{}, tokenRejected(errors.New("refresh token not outstanding"))
	}
	pair, err := s.issuePair(ctx, user.ID, claims.Generation)
	if err != nil {
		return TokenPair{}, err
	}
	s.observe("refresh", "success")
	return pair, nil
}

// Logout deletes the store record of rawRefresh. It never fails from the caller's view.
func (s *Service) Logout(ctx context.Context, rawRefresh string) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	claims, err := s.codec.VerifyRefresh(rawRefresh)
	if err != nil {
		s.logger.Debug("logout_token_undecodable", zap.Error(err))
		s.observe("logout", "noop")
		return
	}
	if err := s.refresh.Revoke(ctx, claims.Subject, claims.Generation, rawRefresh); err != nil {
		s.logger.Warn("logout_revoke_failed", zap.String("user_id", claims.Subject), zap.Error(err))
		s.observe("logout", "failure")
		return
	}
	s.observe("logout", "success")
}

// LogoutAllDevices bumps the user's token generation and cleans up their refresh
// records. Returns the new generation.
func (s *Service) LogoutAllDevices(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	gen, err := s.store.Users().IncrementTokenGeneration(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("logout all: %w", err)
	}
	s.revokeAll(ctx, userID)
	s.observe("logout_all", "success")
	return gen, nil
}

// ResendVerification issues a fresh verification link to an unverified account,
// replacing any outstanding one. Like ForgotPassword it reveals nothing about email.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	email = normalizeEmail(email)
	if email == "" {
		return nil
	}
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error("resend_verification_lookup_failed", zap.Error(err))
		}
		s.observe("resend_verification", "ignored")
		return nil
	}
	if user.IsVerified {
		s.observe("resend_verification", "ignored")
		return nil
	}
	tok, err := IssueSingleUseToken(s.now())
	if err != nil {
		s.logger.Error("resend_verification_token_failed", zap.Error(err))
		return nil
	}
	if err := s.store.Users().SetVerificationToken(ctx, user.ID, tok.Hash, tok.ExpiresAt); err != nil {
		s.logger.Error("resend_verification_store_failed", zap.String("user_id", user.ID), zap.Error(err))
		return nil
	}
	msg, err := mail.VerificationMessage(user.Email, user.Name, s.link("verify-email", tok.Raw), int(SingleUseTTL/time.Minute))
	s.send(ctx, msg, err)
	s.observe("resend_verification", "success")
	return nil
}

// ForgotPassword mails a reset link to verified accounts. The result is the same
// whether or not the email is known.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	email = normalizeEmail(email)
	if email == "" {
		return nil
	}
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error("forgot_password_lookup_failed", zap.Error(err))
		}
		s.observe("forgot_password", "ignored")
		return nil
	}
	if !user.IsVerified {
		s.observe("forgot_password", "ignored")
		return nil
	}
	tok, err := IssueSingleUseToken(s.now())
	if err != nil {
		s.logger.Error("forgot_password_token_failed", zap.Error(err))
		return nil
	}
	if err := s.store.Users().SetResetToken(ctx, user.ID, tok.Hash, tok.ExpiresAt); err != nil {
		s.logger.Error("forgot_password_store_failed", zap.String("user_id", user.ID), zap.Error(err))
		return nil
	}
	msg, err := mail.PasswordResetMessage(user.Email, user.Name, s.link("reset-password", tok.Raw), int(SingleUseTTL/time.Minute))
	s.send(ctx, msg, err)
	s.observe("forgot_password", "success")
	return nil
}

// ResetPassword consumes a reset token and sets a new password, which bumps the token generation.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	passwordHash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return ErrTokenInvalidOrExpired
	}
	hash := HashSingleUseToken(rawToken)
	user, err := s.store.Users().FindByResetHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.observe("reset_password", "failure")
			return tokenRejected(err)
		}
		return fmt.Errorf("reset password: %w", err)
	}
	if check := CheckSingleUseToken(rawToken, user.ResetTokenHash, user.ResetTokenExpiry, s.now()); check != TokenValid {
		s.observe("reset_password", "failure")
		return tokenRejected(fmt.Errorf("reset token check: %d", check))
	}
	if _, err := s.store.Users().ConsumePasswordReset(ctx, user.ID, hash, passwordHash); err != nil {
		if errors.Is(err, ErrNotFound) {
			return tokenRejected(err)
		}
		return fmt.Errorf("reset password: %w", err)
	}
	s.revokeAll(ctx, user.ID)
	msg, err := mail.PasswordChangedMessage(user.Email, user.Name, user.Name)
	s.send(ctx, msg, err)
	s.observe("reset_password", "success")
	return nil
}

// AdminSetPassword sets targetID's password on behalf of actorID, logging the target
// out everywhere and recording an audit entry.
func (s *Service) AdminSetPassword(ctx context.Context, targetID, newPassword, actorID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	targetID = strings.TrimSpace(targetID)
	actorID = strings.TrimSpace(actorID)
	if targetID == "" || actorID == "" {
		return fmt.Errorf("%w: target and actor are required", ErrInvalidInput)
	}
	passwordHash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	actor, err := s.store.Users().Find(ctx, actorID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &Error{Kind: KindForbidden, Key: ErrForbidden.Key, Err: err}
		}
		return fmt.Errorf("admin set password: %w", err)
	}
	target, err := s.store.Users().Find(ctx, targetID)
	if err != nil {
		return fmt.Errorf("admin set password: %w", err)
	}
	gen, err := s.store.Users().SetPassword(ctx, target.ID, passwordHash)
	if err != nil {
		return fmt.Errorf("admin set password: %w", err)
	}
	s.revokeAll(ctx, target.ID)
	s.record(ctx, AuditEntry{
		ActorID:    actor.ID,
		Action:     ActionPasswordAdminSet,
		TargetType: "user",
		TargetID:   target.ID,
		Details:    map[string]string{"actor_email": actor.Email, "token_generation": fmt.Sprint(gen)},
	})
	msg, err := mail.PasswordChangedMessage(target.Email, target.Name, actor.Name)
	s.send(ctx, msg, err)
	s.observe("admin_set_password", "success")
	return nil
}

// ChangePassword lets an authenticated user replace their own password.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	passwordHash, err := HashPassword(next)
	if err != nil {
		return err
	}
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	if !VerifyPassword(current, user.PasswordHash) {
		s.observe("change_password", "failure")
		return ErrInvalidCredentials
	}
	if _, err := s.store.Users().SetPassword(ctx, user.ID, passwordHash); err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	s.revokeAll(ctx, user.ID)
	msg, err := mail.PasswordChangedMessage(user.Email, user.Name, user.Name)
	s.send(ctx, msg, err)
	s.observe("change_password", "success")
	return nil
}

// Register creates an unverified client account and mails a verification link.
func (s *Service) Register(ctx context.Context, name, email, password string) (*User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if !validEmail(email) {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	passwordHash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	role, err := s.store.Roles().FindByName(ctx, RoleClient)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errors.New("register: client role is not provisioned")
		}
		return nil, fmt.Errorf("register: %w", err)
	}
	tok, err := IssueSingleUseToken(s.now())
	if err != nil {
		return nil, err
	}
	user := &User{
		Name:                    name,
		Email:                   email,
		PasswordHash:            passwordHash,
		RoleID:                  role.ID,
		RoleName:                role.Name,
		VerificationTokenHash:   tok.Hash,
		VerificationTokenExpiry: &tok.ExpiresAt,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	msg, err := mail.VerificationMessage(user.Email, user.Name, s.link("verify-email", tok.Raw), int(SingleUseTTL/time.Minute))
	s.send(ctx, msg, err)
	s.observe("register", "success")
	return user, nil
}

// CreateUser provisions a verified account with an explicit role on behalf of actorID.
func (s *Service) CreateUser(ctx context.Context, in NewUser, actorID string) (*User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	in.Name = strings.TrimSpace(in.Name)
	in.Email = normalizeEmail(in.Email)
	in.RoleID = strings.TrimSpace(in.RoleID)
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if !validEmail(in.Email) {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if in.RoleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	passwordHash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	role, err := s.store.Roles().Find(ctx, in.RoleID)
	if err != nil {
		return nil, fmt.Errorf("create user: role: %w", err)
	}
	user := &User{
		Name:         in.Name,
		Email:        in.Email,
		PasswordHash: passwordHash,
		RoleID:       role.ID,
		RoleName:     role.Name,
		IsVerified:   in.Verified,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	s.record(ctx, AuditEntry{
		ActorID:    actorID,
		Action:     ActionUserCreate,
		TargetType: "user",
		TargetID:   user.ID,
		Details:    map[string]string{"email": user.Email, "role": role.Name},
	})
	return user, nil
}

const (
	defaultUserPage = 50
	maxUserPage     = 200
)

// ListUsers pages the directory. The limit defaults to 50 and is capped at 200.
func (s *Service) ListUsers(ctx context.Context, q UserQuery) ([]*User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	switch {
	case q.Limit <= 0:
		q.Limit = defaultUserPage
	case q.Limit > maxUserPage:
		q.Limit = maxUserPage
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	q.RoleID = strings.TrimSpace(q.RoleID)
	return s.store.Users().List(ctx, q)
}

func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.Users().Find(ctx, userID)
}

// UpdateUser applies an admin edit. A role change takes effect on the next
// request because the permission cache is invalidated.
func (s *Service) UpdateUser(ctx context.Context, userID string, patch UserPatch, actorID string) (*User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	details := map[string]string{}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name must not be empty", ErrInvalidInput)
		}
		patch.Name = &name
		details["name"] = name
	}
	if patch.Email != nil {
		email := normalizeEmail(*patch.Email)
		if !validEmail(email) {
			return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
		}
		patch.Email = &email
		details["email"] = email
	}
	if patch.RoleID != nil {
		roleID := strings.TrimSpace(*patch.RoleID)
		if roleID == "" {
			return nil, fmt.Errorf("%w: role_id must not be empty", ErrInvalidInput)
		}
		patch.RoleID = &roleID
	}
	if patch.Name == nil && patch.Email == nil && patch.RoleID == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}

	before, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	user, err := s.store.Users().Update(ctx, userID, patch)
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	if user.RoleID != before.RoleID {
		if err := s.resolver.Invalidate(ctx); err != nil {
			s.logger.Error("permission_cache_invalidate_failed", zap.String("action", ActionUserUpdate), zap.Error(err))
		}
		details["role"] = user.RoleName
		details["previous_role"] = before.RoleName
	}
	s.record(ctx, AuditEntry{
		ActorID:    actorID,
		Action:     ActionUserUpdate,
		TargetType: "user",
		TargetID:   user.ID,
		Details:    details,
	})
	return user, nil
}

// DeleteUser removes an account and its refresh tokens. Actors cannot delete themselves.
func (s *Service) DeleteUser(ctx context.Context, userID, actorID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if userID == strings.TrimSpace(actorID) {
		return fmt.Errorf("%w: cannot delete your own account", ErrInvalidInput)
	}
	target, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if err := s.store.Users().Delete(ctx, target.ID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	s.revokeAll(ctx, target.ID)
	if err := s.resolver.Invalidate(ctx); err != nil {
		s.logger.Error("permission_cache_invalidate_failed", zap.String("action", ActionUserDelete), zap.Error(err))
	}
	s.record(ctx, AuditEntry{
		ActorID:    actorID,
		Action:     ActionUserDelete,
		TargetType: "user",
		TargetID:   target.ID,
		Details:    map[string]string{"email": target.Email, "role": target.RoleName},
	})
	s.observe("delete_user", "success")
	return nil
}

// BootstrapAdmin creates a verified admin account for email unless one already
// exists. The catalog must have been ensured first.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) (*User, bool, error) {
	lookupCtx, cancel := s.bound(ctx)
	existing, err := s.store.Users().FindByEmail(lookupCtx, normalizeEmail(email))
	if err == nil {
		cancel()
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		cancel()
		return nil, false, fmt.Errorf("bootstrap admin: %w", err)
	}
	role, err := s.store.Roles().FindByName(lookupCtx, RoleAdmin)
	cancel()
	if err != nil {
		return nil, false, fmt.Errorf("bootstrap admin: role: %w", err)
	}
	user, err := s.CreateUser(ctx, NewUser{
		Name:     "Administrator",
		Email:    email,
		Password: password,
		RoleID:   role.ID,
		Verified: true,
	}, "system")
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

// Authenticate verifies a bearer access token and loads the caller.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Identity, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	claims, err := s.codec.VerifyAccess(accessToken)
	if err != nil {
		return Identity{}, &Error{Kind: KindUnauthenticated, Key: ErrUnauthenticated.Key, Err: err}
	}
	user, err := s.store.Users().Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, &Error{Kind: KindUnauthenticated, Key: ErrUnauthenticated.Key, Err: err}
		}
		return Identity{}, fmt.Errorf("authenticate: %w", err)
	}
	return Identity{UserID: user.ID, Email: user.Email, Name: user.Name, RoleID: user.RoleID}, nil
}

// Profile returns the user record and resolved permissions for userID.
func (s *Service) Profile(ctx context.Context, userID string) (*User, PermissionSet, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	perms, err := s.resolver.ResolvePermissions(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return user, perms, nil
}

// UserPermissions resolves userID's permission set under the store timeout.
func (s *Service) UserPermissions(ctx context.Context, userID string) (PermissionSet, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.resolver.ResolvePermissions(ctx, userID)
}

// Authorize checks required permissions for userID under the store timeout.
func (s *Service) Authorize(ctx context.Context, userID string, required ...string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.resolver.Authorize(ctx, userID, required...)
}

func (s *Service) startSession(ctx context.Context, user *User) (Session, error) {
	pair, err := s.issuePair(ctx, user.ID, user.TokenGeneration)
	if err != nil {
		return Session{}, err
	}
	return Session{User: user, TokenPair: pair}, nil
}

func (s *Service) issuePair(ctx context.Context, userID string, generation int64) (TokenPair, error) {
	access, accessExp, err := s.codec.IssueAccessToken(userID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, refreshExp, err := s.codec.IssueRefreshToken(userID, generation)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue refresh token: %w", err)
	}
	if err := s.refresh.Record(ctx, userID, generation, refresh, s.codec.RefreshTTL()); err != nil {
		return TokenPair{}, fmt.Errorf("record refresh token: %w", err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// revokeAll is cleanup only; the generation bump already invalidated the tokens.
func (s *Service) revokeAll(ctx context.Context, userID string) {
	n, err := s.refresh.RevokeAll(ctx, userID)
	if err != nil {
		s.logger.Warn("refresh_revoke_all_failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	s.logger.Debug("refresh_revoke_all", zap.String("user_id", userID), zap.Int("deleted", n))
}

func (s *Service) record(ctx context.Context, entry AuditEntry) {
	if s.audit == nil {
		return
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = s.now().UTC()
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Error("audit_record_failed", zap.String("action", entry.Action), zap.Error(err))
	}
}

// send delivers msg outside the caller's deadline. Failures are logged, never returned.
func (s *Service) send(ctx context.Context, msg mail.Message, renderErr error) {
	if renderErr != nil {
		s.logger.Error("mail_render_failed", zap.Error(renderErr))
		return
	}
	if s.mailer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.mailTimeout)
	defer cancel()
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.logger.Error("mail_send_failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func (s *Service) link(path, token string) string {
	return s.frontendURL + "/" + path + "/" + token
}

func tokenRejected(cause error) error {
	return &Error{Kind: KindTokenInvalidOrExpired, Key: ErrTokenInvalidOrExpired.Key, Err: cause}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}
