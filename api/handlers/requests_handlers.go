package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"merlin-itsm/core/lifecycle"
	"merlin-itsm/core/requests"
	"merlin-itsm/core/store"
	"merlin-itsm/core/utils"
)

type RequestsHandler struct {
	svc    *requests.Service
	logger *utils.Logger
}

func NewRequestsHandler(svc *requests.Service, logger *utils.Logger) *RequestsHandler {
	return &RequestsHandler{svc: svc, logger: logger}
}

func (h *RequestsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EntityFilter{
		Kind:     lifecycle.Kind(strings.ToLower(strings.TrimSpace(q.Get("kind")))),
		State:    strings.ToLower(strings.TrimSpace(q.Get("state"))),
		Priority: strings.ToLower(strings.TrimSpace(q.Get("priority"))),
		Category: strings.ToLower(strings.TrimSpace(q.Get("category"))),
		Search:   q.Get("q"),
		Limit:    parseIntDefault(q.Get("limit"), 50),
		Offset:   parseIntDefault(q.Get("offset"), 0),
	}
	if raw := strings.TrimSpace(q.Get("state_in")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if clean := strings.ToLower(strings.TrimSpace(part)); clean != "" {
				filter.StateIn = append(filter.StateIn, clean)
			}
		}
	}
	if q.Get("mine") == "1" || strings.ToLower(q.Get("mine")) == "true" {
		if actor, ok := currentActor(r); ok {
			filter.RequestedBy = actor.ID
		}
	}
	items, err := h.svc.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *RequestsHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(r)
	if !ok {
		writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "no session")
		return
	}
	var in requests.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "malformed payload")
		return
	}
	e, err := h.svc.Create(r.Context(), in, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *RequestsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamInt64(r, "id")
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "invalid id")
		return
	}
	e, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type transitionPayload struct {
	Action string `json:"action"`
}

func (h *RequestsHandler) Transition(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(r)
	if !ok {
		writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "no session")
		return
	}
	id, okID := urlParamInt64(r, "id")
	if !okID {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "invalid id")
		return
	}
	var payload transitionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "malformed payload")
		return
	}
	action := lifecycle.Action(strings.ToLower(strings.TrimSpace(payload.Action)))
	if action == "" {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "action required")
		return
	}
	e, err := h.svc.Transition(r.Context(), id, action, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type approvePayload struct {
	Level string `json:"level"`
}

func (h *RequestsHandler) Approve(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(r)
	if !ok {
		writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "no session")
		return
	}
	id, okID := urlParamInt64(r, "id")
	if !okID {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "invalid id")
		return
	}
	var payload approvePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "malformed payload")
		return
	}
	e, step, err := h.svc.Approve(r.Context(), id, payload.Level, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity": e, "chain": step})
}

func (h *RequestsHandler) Reject(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(r)
	if !ok {
		writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "no session")
		return
	}
	id, okID := urlParamInt64(r, "id")
	if !okID {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "invalid id")
		return
	}
	e, err := h.svc.Reject(r.Context(), id, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *RequestsHandler) ApprovalStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamInt64(r, "id")
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "invalid id")
		return
	}
	step, err := h.svc.ApprovalStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (h *RequestsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(r)
	if !ok {
		writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "no session")
		return
	}
	id, okID := urlParamInt64(r, "id")
	if !okID {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "invalid id")
		return
	}
	if err := h.svc.Delete(r.Context(), id, actor); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *RequestsHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamInt64(r, "id")
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "invalid id")
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
	records, err := h.svc.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}

// Vocabulary renders a kind's states and legal transitions for clients
// that build action menus.
func (h *RequestsHandler) Vocabulary(w http.ResponseWriter, r *http.Request) {
	kind := lifecycle.Kind(strings.ToLower(strings.TrimSpace(urlParam(r, "kind"))))
	vocab, ok := h.svc.Vocabulary(kind)
	if !ok {
		writeErrorCode(w, http.StatusNotFound, "not_found", "unknown kind")
		return
	}
	type ruleDTO struct {
		From   lifecycle.State  `json:"from"`
		Action lifecycle.Action `json:"action"`
		To     lifecycle.State  `json:"to"`
		Roles  []string         `json:"roles"`
	}
	rules := make([]ruleDTO, 0, len(vocab.Rules))
	for _, rule := range vocab.Rules {
		rules = append(rules, ruleDTO{From: rule.From, Action: rule.Action, To: rule.To, Roles: rule.Roles})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":     vocab.Kind,
		"initial":  vocab.Initial,
		"terminal": vocab.Terminal,
		"states":   vocab.States(),
		"rules":    rules,
	})
}

type linkPayload struct {
	LinkedType string `json:"linked_type"`
	LinkedID   string `json:"linked_id"`
	Comment    string `json:"comment"`
}

func (h *RequestsHandler) AddLink(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(r)
	if !ok {
		writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "no session")
		return
	}
	id, okID := urlParamInt64(r, "id")
	if !okID {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "invalid id")
		return
	}
	var payload linkPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "malformed payload")
		return
	}
	if strings.TrimSpace(payload.LinkedType) == "" || strings.TrimSpace(payload.LinkedID) == "" {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "linked_type and linked_id required")
		return
	}
	link := &store.EntityLink{
		EntityID:   id,
		LinkedType: payload.LinkedType,
		LinkedID:   payload.LinkedID,
		Comment:    payload.Comment,
	}
	if _, err := h.svc.AddLink(r.Context(), link, actor); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

func (h *RequestsHandler) ListLinks(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamInt64(r, "id")
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "invalid id")
		return
	}
	links, err := h.svc.ListLinks(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": links})
}

func (h *RequestsHandler) DeleteLink(w http.ResponseWriter, r *http.Request) {
	linkID, ok := urlParamInt64(r, "link_id")
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "invalid link id")
		return
	}
	if err := h.svc.DeleteLink(r.Context(), linkID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
