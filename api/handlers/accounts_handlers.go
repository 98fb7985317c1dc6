package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"merlin-itsm/core/auth"
	"merlin-itsm/core/store"
	"merlin-itsm/core/utils"
)

const minPasswordLength = 8

type AccountsHandler struct {
	users    store.UsersStore
	sessions *auth.SessionManager
	audits   store.AuditStore
	logger   *utils.Logger
}

func NewAccountsHandler(users store.UsersStore, sessions *auth.SessionManager, audits store.AuditStore, logger *utils.Logger) *AccountsHandler {
	return &AccountsHandler{users: users, sessions: sessions, audits: audits, logger: logger}
}

func (h *AccountsHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users})
}

type createAccountPayload struct {
	Username string   `json:"username"`
	FullName string   `json:"full_name"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
}

func (h *AccountsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload createAccountPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "malformed payload")
		return
	}
	username := strings.ToLower(strings.TrimSpace(payload.Username))
	if username == "" {
		writeErrorCode(w, http.StatusBadRequest, "validation", "username required")
		return
	}
	if len(payload.Password) < minPasswordLength {
		writeErrorCode(w, http.StatusBadRequest, "validation", "password too short")
		return
	}
	existing, err := h.users.GetUserByUsername(r.Context(), username)
	if err != nil {
		writeError(w, err)
		return
	}
	if existing != nil {
		writeErrorCode(w, http.StatusConflict, "conflict", "username already taken")
		return
	}
	hash, err := auth.HashPassword(payload.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	u := &store.User{
		Username:     username,
		FullName:     payload.FullName,
		PasswordHash: hash,
		Roles:        payload.Roles,
		Active:       true,
	}
	if _, err := h.users.CreateUser(r.Context(), u); err != nil {
		writeError(w, err)
		return
	}
	if sess := currentSession(r); sess != nil {
		_ = h.audits.Log(r.Context(), sess.Username, "accounts.create", u.Username)
	}
	writeJSON(w, http.StatusCreated, u)
}

type updateAccountPayload struct {
	FullName string   `json:"full_name"`
	Roles    []string `json:"roles"`
}

func (h *AccountsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamInt64(r, "id")
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "invalid id")
		return
	}
	var payload updateAccountPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "malformed payload")
		return
	}
	u, err := h.users.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if u == nil {
		writeErrorCode(w, http.StatusNotFound, "not_found", "account not found")
		return
	}
	u.FullName = payload.FullName
	u.Roles = payload.Roles
	if err := h.users.UpdateUser(r.Context(), u); err != nil {
		writeError(w, err)
		return
	}
	// Role changes must not outlive the old sessions.
	if err := h.sessions.RevokeUser(r.Context(), id); err != nil {
		h.logger.Errorf("session revoke failed for user %d: %v", id, err)
	}
	if sess := currentSession(r); sess != nil {
		_ = h.audits.Log(r.Context(), sess.Username, "accounts.update", u.Username)
	}
	writeJSON(w, http.StatusOK, u)
}

type setPasswordPayload struct {
	Password string `json:"password"`
}

func (h *AccountsHandler) SetPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamInt64(r, "id")
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "invalid id")
		return
	}
	var payload setPasswordPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "malformed payload")
		return
	}
	if len(payload.Password) < minPasswordLength {
		writeErrorCode(w, http.StatusBadRequest, "validation", "password too short")
		return
	}
	hash, err := auth.HashPassword(payload.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.users.SetPasswordHash(r.Context(), id, hash); err != nil {
		writeError(w, err)
		return
	}
	if err := h.sessions.RevokeUser(r.Context(), id); err != nil {
		h.logger.Errorf("session revoke failed for user %d: %v", id, err)
	}
	if sess := currentSession(r); sess != nil {
		_ = h.audits.Log(r.Context(), sess.Username, "accounts.set_password", "")
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type setActivePayload struct {
	Active bool `json:"active"`
}

func (h *AccountsHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamInt64(r, "id")
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "invalid id")
		return
	}
	var payload setActivePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "malformed payload")
		return
	}
	if sess := currentSession(r); sess != nil && sess.UserID == id && !payload.Active {
		writeErrorCode(w, http.StatusConflict, "conflict", "cannot deactivate own account")
		return
	}
	if err := h.users.SetActive(r.Context(), id, payload.Active); err != nil {
		writeError(w, err)
		return
	}
	if !payload.Active {
		if err := h.sessions.RevokeUser(r.Context(), id); err != nil {
			h.logger.Errorf("session revoke failed for user %d: %v", id, err)
		}
	}
	if sess := currentSession(r); sess != nil {
		action := "accounts.activate"
		if !payload.Active {
			action = "accounts.deactivate"
		}
		_ = h.audits.Log(r.Context(), sess.Username, action, "")
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
