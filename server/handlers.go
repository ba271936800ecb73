package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"keyauthority/auth"
	"keyauthority/store"
)

// LogoutFallback is where logout lands without a usable red parameter.
const LogoutFallback = "/app"

// sessionResponse is the caller's identity plus a fresh CSRF token for forms.
type sessionResponse struct {
	EntityID  uuid.UUID `json:"entity_id"`
	UID       string    `json:"uid"`
	Name      string    `json:"name"`
	Role      auth.Role `json:"role"`
	IsAdmin   bool      `json:"is_admin"`
	ExpiresAt int64     `json:"expires_at"`
	CSRFToken string    `json:"csrf_token"`
}

type keysResponse struct {
	Keys []store.PublicKey `json:"keys"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	start, err := a.Flow.StartLogin(r, r.URL.Query().Get("red"))
	if err != nil {
		a.Logger.Error("oauth_login_start_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login unavailable")
		return
	}
	for _, c := range start.Cookies {
		http.SetCookie(w, c)
	}
	http.Redirect(w, r, start.AuthURL, http.StatusTemporaryRedirect)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	res, err := a.Flow.CompleteLogin(r)
	for _, c := range res.Cookies {
		http.SetCookie(w, c)
	}
	if res.Redirect == "" {
		status := http.StatusInternalServerError
		var perr *auth.ProviderError
		switch {
		case errors.As(err, &perr):
			status = http.StatusBadGateway
		case errors.Is(err, store.ErrUnavailable):
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "login failed")
		return
	}
	http.Redirect(w, r, res.Redirect, http.StatusSeeOther)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	for _, c := range a.Flow.Logout(r) {
		http.SetCookie(w, c)
	}
	target := LogoutFallback
	if red, ok := auth.SafeRedirect(r.URL.Query().Get("red")); ok {
		target = red
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r)
	token, err := a.CSRF.IssueCookie(w, r)
	if err != nil {
		a.Logger.Error("csrf_issue_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := sessionResponse{
		EntityID:  sess.Claims.EntityID,
		UID:       sess.Claims.UID,
		Name:      sess.Claims.DisplayName(),
		Role:      sess.Claims.Role,
		IsAdmin:   sess.IsAdmin(),
		CSRFToken: token,
	}
	if sess.Claims.ExpiresAt != nil {
		resp.ExpiresAt = sess.Claims.ExpiresAt.Unix()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleListKeys(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r)
	v, err := sess.Visibility(r.Context())
	if err != nil {
		a.storageError(w, "resolve_permissions_failed", err)
		return
	}
	keys, err := a.Store.ListPublicKeys(r.Context(), v)
	if err != nil {
		a.storageError(w, "list_public_keys_failed", err)
		return
	}
	if keys == nil {
		keys = []store.PublicKey{}
	}
	writeJSON(w, http.StatusOK, keysResponse{Keys: keys})
}

func (a *App) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r)
	if !a.CSRF.VerifyRequest(r) {
		a.Logger.Warn("csrf_rejected", "uid", sess.Claims.UID, "path", r.URL.Path)
		writeError(w, http.StatusForbidden, "invalid csrf token")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key id")
		return
	}

	v, err := sess.Visibility(r.Context())
	if err != nil {
		a.storageError(w, "resolve_permissions_failed", err)
		return
	}
	if err := a.Store.DeletePublicKey(r.Context(), id, v); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "key not found")
			return
		}
		a.storageError(w, "delete_public_key_failed", err)
		return
	}
	a.Logger.Info("public_key_deleted", "uid", sess.Claims.UID, "key_id", id.String())
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.Ping(r.Context()); err != nil {
		a.Logger.Warn("health_check_failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireSession answers 401 unless the authenticator attached a session.
func requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.SessionFromContext(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func mustSession(r *http.Request) *auth.Session {
	sess, _ := auth.SessionFromContext(r.Context())
	return sess
}

func (a *App) storageError(w http.ResponseWriter, event string, err error) {
	if errors.Is(err, store.ErrUnavailable) {
		a.Logger.Warn(event, "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	a.Logger.Error(event, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
