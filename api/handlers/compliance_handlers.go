package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"merlin-itsm/config"
	"merlin-itsm/core/alerting"
	"merlin-itsm/core/compliance"
	"merlin-itsm/core/store"
	"merlin-itsm/core/utils"
)

type ComplianceHandler struct {
	store  store.ComplianceStore
	engine *alerting.Engine
	cfg    *config.AppConfig
	audits store.AuditStore
	logger *utils.Logger
}

func NewComplianceHandler(st store.ComplianceStore, engine *alerting.Engine, cfg *config.AppConfig,
	audits store.AuditStore, logger *utils.Logger) *ComplianceHandler {
	return &ComplianceHandler{store: st, engine: engine, cfg: cfg, audits: audits, logger: logger}
}

type targetPayload struct {
	Subject      string  `json:"subject"`
	Metric       string  `json:"metric"`
	Target       float64 `json:"target"`
	WarningBand  float64 `json:"warning_band"`
	CriticalBand float64 `json:"critical_band"`
	Polarity     string  `json:"polarity"`
}

func (p targetPayload) validate() (string, bool) {
	if strings.TrimSpace(p.Subject) == "" {
		return "subject required", false
	}
	if strings.TrimSpace(p.Metric) == "" {
		return "metric required", false
	}
	if p.Target <= 0 {
		return "target must be > 0", false
	}
	switch compliance.Polarity(strings.ToLower(strings.TrimSpace(p.Polarity))) {
	case compliance.HigherIsBetter, compliance.LowerIsBetter:
	default:
		return "polarity must be higher_is_better or lower_is_better", false
	}
	return "", true
}

func (h *ComplianceHandler) ListTargets(w http.ResponseWriter, r *http.Request) {
	onlyActive := r.URL.Query().Get("all") == ""
	targets, err := h.store.ListTargets(r.Context(), onlyActive)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": targets})
}

func (h *ComplianceHandler) CreateTarget(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	var payload targetPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "malformed payload")
		return
	}
	if msg, ok := payload.validate(); !ok {
		writeErrorCode(w, http.StatusBadRequest, "validation", msg)
		return
	}
	t := &store.ServiceTarget{
		Subject:      payload.Subject,
		Metric:       payload.Metric,
		Target:       payload.Target,
		WarningBand:  payload.WarningBand,
		CriticalBand: payload.CriticalBand,
		Polarity:     payload.Polarity,
	}
	if sess != nil {
		t.CreatedBy = sess.UserID
	}
	if _, err := h.store.CreateTarget(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	if sess != nil {
		_ = h.audits.Log(r.Context(), sess.Username, "compliance.target_create", t.Subject+"/"+t.Metric)
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *ComplianceHandler) UpdateTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamInt64(r, "id")
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "invalid id")
		return
	}
	var payload targetPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "malformed payload")
		return
	}
	if msg, ok := payload.validate(); !ok {
		writeErrorCode(w, http.StatusBadRequest, "validation", msg)
		return
	}
	existing, err := h.store.GetTarget(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if existing == nil {
		writeErrorCode(w, http.StatusNotFound, "not_found", "target not found")
		return
	}
	existing.Subject = payload.Subject
	existing.Metric = payload.Metric
	existing.Target = payload.Target
	existing.WarningBand = payload.WarningBand
	existing.CriticalBand = payload.CriticalBand
	existing.Polarity = payload.Polarity
	if err := h.store.UpdateTarget(r.Context(), existing); err != nil {
		writeError(w, err)
		return
	}
	if sess := currentSession(r); sess != nil {
		_ = h.audits.Log(r.Context(), sess.Username, "compliance.target_update", existing.Subject+"/"+existing.Metric)
	}
	writeJSON(w, http.StatusOK, existing)
}

func (h *ComplianceHandler) DeactivateTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamInt64(r, "id")
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "invalid id")
		return
	}
	if err := h.store.DeactivateTarget(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if sess := currentSession(r); sess != nil {
		_ = h.audits.Log(r.Context(), sess.Username, "compliance.target_deactivate", "")
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type measurementPayload struct {
	Actual     float64                    `json:"actual"`
	Forecast   []compliance.ForecastPoint `json:"forecast"`
	MeasuredAt *time.Time                 `json:"measured_at"`
}

func (h *ComplianceHandler) AddMeasurement(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamInt64(r, "id")
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "invalid id")
		return
	}
	target, err := h.store.GetTarget(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if target == nil {
		writeErrorCode(w, http.StatusNotFound, "not_found", "target not found")
		return
	}
	var payload measurementPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "malformed payload")
		return
	}
	m := &store.Measurement{
		TargetID: id,
		Actual:   payload.Actual,
		Forecast: payload.Forecast,
	}
	if payload.MeasuredAt != nil {
		m.MeasuredAt = *payload.MeasuredAt
	}
	if sess := currentSession(r); sess != nil {
		m.CreatedBy = sess.UserID
	}
	if _, err := h.store.AddMeasurement(r.Context(), m); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *ComplianceHandler) ListMeasurements(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamInt64(r, "id")
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "invalid id")
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
	items, err := h.store.ListMeasurements(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type statusItem struct {
	Subject    string                `json:"subject"`
	Metric     string                `json:"metric"`
	Actual     *float64              `json:"actual,omitempty"`
	Target     float64               `json:"target"`
	MeasuredAt *time.Time            `json:"measured_at,omitempty"`
	Stale      bool                  `json:"stale"`
	Evaluation compliance.Evaluation `json:"evaluation"`
}

// Status grades the latest sample of every active target on the fly.
// Invalid targets are reported as their own items instead of failing
// the whole listing.
func (h *ComplianceHandler) Status(w http.ResponseWriter, r *http.Request) {
	samples, err := h.store.LatestSamples(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	now := time.Now().UTC()
	items := make([]statusItem, 0, len(samples))
	for _, s := range samples {
		item := statusItem{
			Subject: s.Subject,
			Metric:  s.Metric,
			Actual:  s.Actual,
			Target:  s.Target,
		}
		if !s.MeasuredAt.IsZero() {
			t := s.MeasuredAt
			item.MeasuredAt = &t
			item.Stale = h.cfg.Compliance.StaleAfter > 0 && now.Sub(s.MeasuredAt) > h.cfg.Compliance.StaleAfter
		}
		ev, err := compliance.Evaluate(s)
		if err != nil {
			h.logger.Errorf("status evaluation failed for %s/%s: %v", s.Subject, s.Metric, err)
			item.Evaluation = compliance.Evaluation{Status: compliance.StatusUnmeasured}
		} else {
			item.Evaluation = ev
		}
		items = append(items, item)
	}
	lastScanAt, lastAlerts := h.engine.Status()
	resp := map[string]any{"items": items, "last_alerts": lastAlerts}
	if !lastScanAt.IsZero() {
		resp["last_scan_at"] = lastScanAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ComplianceHandler) ScanNow(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.engine.Scan(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if sess := currentSession(r); sess != nil {
		_ = h.audits.Log(r.Context(), sess.Username, "compliance.scan", "")
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (h *ComplianceHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
	items, err := h.store.ListAlerts(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
