package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"lexdesk.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/register",
	"/v1/auth/verify-email",
	"/v1/auth/resend-verification",
	"/v1/auth/login",
	"/v1/auth/refresh-token",
	"/v1/auth/logout",
	"/v1/auth/forgot-password",
	"/v1/auth/reset-password",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.svc == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			a.writeServiceError(w, r, &auth.Error{Kind: auth.KindUnauthenticated, Key: auth.ErrUnauthenticated.Key, Err: err})
			return
		}
		id, err := a.svc.Authenticate(r.Context(), token)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), id)))
	})
}

// requirePermissions wraps h so the caller must hold every listed permission.
func (a *API) requirePermissions(h http.HandlerFunc, perms ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			a.writeServiceError(w, r, auth.ErrUnauthenticated)
			return
		}
		if err := a.svc.Authorize(r.Context(), id.UserID, perms...); err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		h(w, r)
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
