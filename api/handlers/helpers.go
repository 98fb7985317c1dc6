package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"merlin-itsm/core/approval"
	"merlin-itsm/core/auth"
	"merlin-itsm/core/compliance"
	"merlin-itsm/core/lifecycle"
	"merlin-itsm/core/requests"
	"merlin-itsm/core/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// writeError maps domain errors onto HTTP statuses: guard rejections are
// conflicts except authorization (403) and missing records (404);
// malformed input is 400; version races are 409.
func writeError(w http.ResponseWriter, err error) {
	var ve *requests.ValidationError
	if errors.As(err, &ve) {
		writeErrorCode(w, http.StatusBadRequest, "validation", ve.Error())
		return
	}
	var ise *compliance.InvalidSampleError
	if errors.As(err, &ise) {
		writeErrorCode(w, http.StatusBadRequest, "invalid_sample", ise.Error())
		return
	}
	var ooe *approval.OutOfOrderError
	if errors.As(err, &ooe) {
		writeErrorCode(w, http.StatusConflict, "approval_out_of_order", ooe.Error())
		return
	}
	switch lifecycle.KindOf(err) {
	case lifecycle.ErrUnauthorized:
		writeErrorCode(w, http.StatusForbidden, string(lifecycle.ErrUnauthorized), err.Error())
		return
	case lifecycle.ErrNotFound:
		writeErrorCode(w, http.StatusNotFound, string(lifecycle.ErrNotFound), err.Error())
		return
	case lifecycle.ErrIllegalTransition, lifecycle.ErrTerminalState, lifecycle.ErrHasDependents, lifecycle.ErrInvalidState:
		writeErrorCode(w, http.StatusConflict, string(lifecycle.KindOf(err)), err.Error())
		return
	}
	if errors.Is(err, store.ErrConflict) {
		writeErrorCode(w, http.StatusConflict, "conflict", "record changed concurrently")
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeErrorCode(w, http.StatusNotFound, "not_found", "record not found")
		return
	}
	writeErrorCode(w, http.StatusInternalServerError, "internal", "server error")
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func currentSession(r *http.Request) *store.Session {
	val := r.Context().Value(auth.SessionContextKey)
	if val == nil {
		return nil
	}
	sess, _ := val.(*store.Session)
	return sess
}

func currentActor(r *http.Request) (lifecycle.Actor, bool) {
	sess := currentSession(r)
	if sess == nil {
		return lifecycle.Actor{}, false
	}
	return lifecycle.Actor{ID: sess.UserID, Name: sess.Username, Roles: sess.Roles}, true
}
