package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"merlin-itsm/config"
	"merlin-itsm/core/auth"
	"merlin-itsm/core/store"
	"merlin-itsm/core/utils"
)

type AuthHandler struct {
	cfg      *config.AppConfig
	sessions *auth.SessionManager
	audits   store.AuditStore
	logger   *utils.Logger
}

func NewAuthHandler(cfg *config.AppConfig, sessions *auth.SessionManager, audits store.AuditStore, logger *utils.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, sessions: sessions, audits: audits, logger: logger}
}

const (
	sessionCookieName = "merlin_session"
	csrfCookieName    = "merlin_csrf"
)

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var cred auth.Credentials
	if err := json.NewDecoder(r.Body).Decode(&cred); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "malformed payload")
		return
	}
	username := strings.TrimSpace(cred.Username)
	sess, err := h.sessions.Login(r.Context(), username, cred.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrAccountDisabled) {
			_ = h.audits.Log(r.Context(), username, "auth.login_failed", "")
			writeErrorCode(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		h.logger.Errorf("login failed for %s: %v", username, err)
		writeErrorCode(w, http.StatusInternalServerError, "internal", "server error")
		return
	}
	h.setSessionCookies(w, r, sess)
	_ = h.audits.Log(r.Context(), sess.Username, "auth.login", "")
	writeJSON(w, http.StatusOK, map[string]any{
		"username": sess.Username,
		"roles":    sess.Roles,
		"csrf":     sess.CSRFToken,
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	if sess != nil {
		_ = h.sessions.Logout(r.Context(), sess.ID)
		_ = h.audits.Log(r.Context(), sess.Username, "auth.logout", "")
	}
	h.clearSessionCookies(w, r)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	if sess == nil {
		writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "no session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    sess.UserID,
		"username":   sess.Username,
		"roles":      sess.Roles,
		"expires_at": sess.ExpiresAt.Format(time.RFC3339),
	})
}

func (h *AuthHandler) setSessionCookies(w http.ResponseWriter, r *http.Request, sess *store.Session) {
	secure := r.TLS != nil
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    sess.CSRFToken,
		Path:     "/",
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	})
}

func (h *AuthHandler) clearSessionCookies(w http.ResponseWriter, r *http.Request) {
	secure := r.TLS != nil
	for _, name := range []string{sessionCookieName, csrfCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			HttpOnly: name == sessionCookieName,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   -1,
		})
	}
}
