package auth

import "errors"

// Kind classifies operational errors surfaced to API callers.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindInvalidCredentials
	KindEmailNotVerified
	KindTokenInvalidOrExpired
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindConflict
)

// Error is an operational error with a stable kind and a user-facing message key.
// Anything that is not an *Error is treated as unexpected by the HTTP layer.
type Error struct {
	Kind Kind
	Key  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Key + ": " + e.Err.Error()
	}
	return e.Key
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so wrapped sentinels compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidInput          = &Error{Kind: KindInvalidInput, Key: "errors.invalid_input"}
	ErrInvalidCredentials    = &Error{Kind: KindInvalidCredentials, Key: "auth.invalid_credentials"}
	ErrEmailNotVerified      = &Error{Kind: KindEmailNotVerified, Key: "auth.email_not_verified"}
	ErrTokenInvalidOrExpired = &Error{Kind: KindTokenInvalidOrExpired, Key: "auth.token_invalid_or_expired"}
	ErrUnauthenticated       = &Error{Kind: KindUnauthenticated, Key: "auth.authentication_required"}
	ErrForbidden             = &Error{Kind: KindForbidden, Key: "auth.forbidden"}
	ErrNotFound              = &Error{Kind: KindNotFound, Key: "errors.not_found"}
	ErrConflict              = &Error{Kind: KindConflict, Key: "errors.conflict"}
)

// KindOf reports the operational kind of err, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
