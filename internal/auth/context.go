package auth

import "context"

// Identity is the authenticated caller attached to a request.
type Identity struct {
	UserID string
	Email  string
	Name   string
	RoleID string
}

type identityContextKey struct{}

// ContextWithIdentity attaches the authenticated identity to the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the authenticated identity. ok is false for anonymous requests.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(Identity)
	if !ok || v.UserID == "" {
		return Identity{}, false
	}
	return v, true
}
