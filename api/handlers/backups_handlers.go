package handlers

import (
	"net/http"

	"merlin-itsm/core/backups"
	"merlin-itsm/core/utils"
)

type BackupsHandler struct {
	svc    *backups.Service
	logger *utils.Logger
}

func NewBackupsHandler(svc *backups.Service, logger *utils.Logger) *BackupsHandler {
	return &BackupsHandler{svc: svc, logger: logger}
}

func (h *BackupsHandler) List(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.svc.ListSnapshots()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": snaps, "enabled": h.svc.Enabled()})
}

func (h *BackupsHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.svc.Enabled() {
		writeErrorCode(w, http.StatusConflict, "conflict", "snapshots disabled for this install")
		return
	}
	snap, err := h.svc.CreateSnapshot(r.Context())
	if err != nil {
		h.logger.Errorf("manual snapshot failed: %v", err)
		writeErrorCode(w, http.StatusInternalServerError, "internal", "snapshot failed")
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}
