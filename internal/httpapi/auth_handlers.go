package httpapi

import (
	"net/http"

	"lexdesk.org/internal/auth"
)

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type profileResponse struct {
	User        *auth.User `json:"user"`
	Permissions []string   `json:"permissions"`
}

func (a *API) routeAuth() {
	a.mux.HandleFunc("POST /v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("POST /v1/auth/verify-email", a.handleVerifyEmail)
	a.mux.HandleFunc("POST /v1/auth/resend-verification", a.handleResendVerification)
	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/refresh-token", a.handleRefresh)
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("POST /v1/auth/forgot-password", a.handleForgotPassword)
	a.mux.HandleFunc("POST /v1/auth/reset-password", a.handleResetPassword)

	a.mux.HandleFunc("POST /v1/auth/logout-all", a.handleLogoutAll)
	a.mux.HandleFunc("POST /v1/auth/change-password", a.handleChangePassword)
	a.mux.HandleFunc("GET /v1/auth/me", a.handleMe)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	user, err := a.svc.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":    user,
		"message": "auth.verification_sent",
	})
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	session, err := a.svc.VerifyEmail(r.Context(), req.Token)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	session, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	pair, err := a.svc.RefreshAccessToken(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleLogout always answers 204; a bad token is not the caller's problem.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err == nil {
		a.svc.Logout(r.Context(), req.RefreshToken)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	if err := a.svc.ResendVerification(r.Context(), req.Email); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "auth.verification_sent"})
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	if err := a.svc.ForgotPassword(r.Context(), req.Email); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "auth.reset_link_sent"})
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	if err := a.svc.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		a.writeServiceError(w, r, auth.ErrUnauthenticated)
		return
	}
	if _, err := a.svc.LogoutAllDevices(r.Context(), id.UserID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		a.writeServiceError(w, r, auth.ErrUnauthenticated)
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	if err := a.svc.ChangePassword(r.Context(), id.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		a.writeServiceError(w, r, auth.ErrUnauthenticated)
		return
	}
	user, perms, err := a.svc.Profile(r.Context(), id.UserID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{User: user, Permissions: perms.Names()})
}
