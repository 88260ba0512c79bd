package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"lexdesk.org/internal/audit"
	"lexdesk.org/internal/auth"
)

const errInternalKey = "errors.internal"

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func (a *API) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	a.writeServiceError(w, r, fmt.Errorf("%w: %v", auth.ErrInvalidInput, err))
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeServiceError is the one place operational errors become HTTP responses.
// Unexpected errors are logged and answered with a generic 500.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var opErr *auth.Error
	if !errors.As(err, &opErr) {
		a.logger.Error("request_failed",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, errInternalKey)
		return
	}
	code := statusForKind(opErr.Kind)
	if code == http.StatusInternalServerError {
		a.logger.Error("request_failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, r, code, errInternalKey)
		return
	}
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="lexdesk"`)
	}
	payload := map[string]any{"error": opErr.Key}
	if opErr.Kind == auth.KindInvalidInput && err.Error() != opErr.Key {
		payload["detail"] = err.Error()
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func statusForKind(k auth.Kind) int {
	switch k {
	case auth.KindInvalidInput:
		return http.StatusBadRequest
	case auth.KindInvalidCredentials, auth.KindTokenInvalidOrExpired, auth.KindUnauthenticated:
		return http.StatusUnauthorized
	case auth.KindEmailNotVerified, auth.KindForbidden:
		return http.StatusForbidden
	case auth.KindNotFound:
		return http.StatusNotFound
	case auth.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
