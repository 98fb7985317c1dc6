package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"merlin-itsm/core/compliance"
)

type ServiceTarget struct {
	ID           int64     `json:"id"`
	Subject      string    `json:"subject"`
	Metric       string    `json:"metric"`
	Target       float64   `json:"target"`
	WarningBand  float64   `json:"warning_band,omitempty"`
	CriticalBand float64   `json:"critical_band,omitempty"`
	Polarity     string    `json:"polarity"`
	IsActive     bool      `json:"is_active"`
	CreatedBy    int64     `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Measurement struct {
	ID         int64                      `json:"id"`
	TargetID   int64                      `json:"target_id"`
	Actual     float64                    `json:"actual"`
	Forecast   []compliance.ForecastPoint `json:"forecast,omitempty"`
	MeasuredAt time.Time                  `json:"measured_at"`
	CreatedBy  int64                      `json:"created_by"`
	CreatedAt  time.Time                  `json:"created_at"`
}

type AlertDelivery struct {
	ID          int64      `json:"id"`
	AlertType   string     `json:"alert_type"`
	Priority    string     `json:"priority"`
	Subject     string     `json:"subject"`
	Metric      string     `json:"metric,omitempty"`
	Message     string     `json:"message"`
	Status      string     `json:"status"`
	ErrorText   string     `json:"error_text,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

type ComplianceStore interface {
	CreateTarget(ctx context.Context, t *ServiceTarget) (int64, error)
	UpdateTarget(ctx context.Context, t *ServiceTarget) error
	GetTarget(ctx context.Context, id int64) (*ServiceTarget, error)
	ListTargets(ctx context.Context, onlyActive bool) ([]ServiceTarget, error)
	DeactivateTarget(ctx context.Context, id int64) error

	AddMeasurement(ctx context.Context, m *Measurement) (int64, error)
	ListMeasurements(ctx context.Context, targetID int64, limit int) ([]Measurement, error)

	// LatestSamples joins every active target with its newest measurement.
	// Targets that were never measured come back with a nil Actual.
	LatestSamples(ctx context.Context) ([]compliance.Sample, error)

	RecordAlert(ctx context.Context, a *AlertDelivery) (int64, error)
	MarkAlertDelivered(ctx context.Context, id int64, errText string) error
	ListAlerts(ctx context.Context, limit int) ([]AlertDelivery, error)
}

type complianceStore struct {
	db *sql.DB
}

func NewComplianceStore(db *sql.DB) ComplianceStore {
	return &complianceStore{db: db}
}

func (s *complianceStore) CreateTarget(ctx context.Context, t *ServiceTarget) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO service_targets(subject, metric, target, warning_band, critical_band, polarity, is_active, created_by, created_at, updated_at)
		VALUES(?,?,?,?,?,?,1,?,?,?)`,
		strings.TrimSpace(t.Subject), strings.TrimSpace(t.Metric), t.Target, t.WarningBand, t.CriticalBand,
		strings.ToLower(strings.TrimSpace(t.Polarity)), t.CreatedBy, now, now)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	t.ID = id
	t.IsActive = true
	t.CreatedAt = now
	t.UpdatedAt = now
	return id, nil
}

func (s *complianceStore) UpdateTarget(ctx context.Context, t *ServiceTarget) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE service_targets SET subject=?, metric=?, target=?, warning_band=?, critical_band=?, polarity=?, updated_at=?
		WHERE id=?`,
		strings.TrimSpace(t.Subject), strings.TrimSpace(t.Metric), t.Target, t.WarningBand, t.CriticalBand,
		strings.ToLower(strings.TrimSpace(t.Polarity)), now, t.ID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	t.UpdatedAt = now
	return nil
}

func (s *complianceStore) GetTarget(ctx context.Context, id int64) (*ServiceTarget, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject, metric, target, warning_band, critical_band, polarity, is_active, created_by, created_at, updated_at
		FROM service_targets WHERE id=?`, id)
	var t ServiceTarget
	var active int
	if err := row.Scan(&t.ID, &t.Subject, &t.Metric, &t.Target, &t.WarningBand, &t.CriticalBand, &t.Polarity, &active, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.IsActive = active == 1
	return &t, nil
}

func (s *complianceStore) ListTargets(ctx context.Context, onlyActive bool) ([]ServiceTarget, error) {
	query := `
		SELECT id, subject, metric, target, warning_band, critical_band, polarity, is_active, created_by, created_at, updated_at
		FROM service_targets`
	if onlyActive {
		query += ` WHERE is_active=1`
	}
	query += ` ORDER BY subject ASC, metric ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ServiceTarget
	for rows.Next() {
		var t ServiceTarget
		var active int
		if err := rows.Scan(&t.ID, &t.Subject, &t.Metric, &t.Target, &t.WarningBand, &t.CriticalBand, &t.Polarity, &active, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.IsActive = active == 1
		res = append(res, t)
	}
	return res, rows.Err()
}

func (s *complianceStore) DeactivateTarget(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE service_targets SET is_active=0, updated_at=? WHERE id=? AND is_active=1`,
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddMeasurement stores the raw reading as reported. Evaluation happens
// at read time so a target change re-grades history for free.
func (s *complianceStore) AddMeasurement(ctx context.Context, m *Measurement) (int64, error) {
	now := time.Now().UTC()
	if m.MeasuredAt.IsZero() {
		m.MeasuredAt = now
	} else {
		m.MeasuredAt = m.MeasuredAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO measurements(target_id, actual, forecast_json, measured_at, created_by, created_at)
		VALUES(?,?,?,?,?,?)`,
		m.TargetID, m.Actual, forecastToJSON(m.Forecast), m.MeasuredAt, m.CreatedBy, now)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	m.ID = id
	m.CreatedAt = now
	return id, nil
}

func (s *complianceStore) ListMeasurements(ctx context.Context, targetID int64, limit int) ([]Measurement, error) {
	query := `
		SELECT id, target_id, actual, forecast_json, measured_at, created_by, created_at
		FROM measurements WHERE target_id=? ORDER BY measured_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Measurement
	for rows.Next() {
		var m Measurement
		var forecastRaw string
		if err := rows.Scan(&m.ID, &m.TargetID, &m.Actual, &forecastRaw, &m.MeasuredAt, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Forecast = parseForecast(forecastRaw)
		res = append(res, m)
	}
	return res, rows.Err()
}

func (s *complianceStore) LatestSamples(ctx context.Context) ([]compliance.Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.subject, t.metric, t.target, t.warning_band, t.critical_band, t.polarity,
		       m.actual, m.forecast_json, m.measured_at
		FROM service_targets t
		LEFT JOIN measurements m ON m.id = (
			SELECT id FROM measurements WHERE target_id = t.id
			ORDER BY measured_at DESC, id DESC LIMIT 1
		)
		WHERE t.is_active=1
		ORDER BY t.subject ASC, t.metric ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []compliance.Sample
	for rows.Next() {
		var sample compliance.Sample
		var polarity string
		var actual sql.NullFloat64
		var forecastRaw sql.NullString
		var measuredAt sql.NullTime
		if err := rows.Scan(&sample.Subject, &sample.Metric, &sample.Target, &sample.WarningBand, &sample.CriticalBand,
			&polarity, &actual, &forecastRaw, &measuredAt); err != nil {
			return nil, err
		}
		sample.Polarity = compliance.Polarity(polarity)
		if actual.Valid {
			v := actual.Float64
			sample.Actual = &v
		}
		if measuredAt.Valid {
			sample.MeasuredAt = measuredAt.Time.UTC()
		}
		if forecastRaw.Valid {
			sample.Forecast = parseForecast(forecastRaw.String)
		}
		res = append(res, sample)
	}
	return res, rows.Err()
}

func (s *complianceStore) RecordAlert(ctx context.Context, a *AlertDelivery) (int64, error) {
	now := time.Now().UTC()
	if strings.TrimSpace(a.Status) == "" {
		a.Status = "pending"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_deliveries(alert_type, priority, subject, metric, message, status, error_text, created_at, delivered_at)
		VALUES(?,?,?,?,?,?,?,?,NULL)`,
		a.AlertType, a.Priority, a.Subject, a.Metric, a.Message, a.Status, a.ErrorText, now)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	a.ID = id
	a.CreatedAt = now
	return id, nil
}

func (s *complianceStore) MarkAlertDelivered(ctx context.Context, id int64, errText string) error {
	now := time.Now().UTC()
	status := "sent"
	if strings.TrimSpace(errText) != "" {
		status = "failed"
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE alert_deliveries SET status=?, error_text=?, delivered_at=? WHERE id=?`,
		status, errText, now, id)
	return err
}

func (s *complianceStore) ListAlerts(ctx context.Context, limit int) ([]AlertDelivery, error) {
	query := `
		SELECT id, alert_type, priority, subject, metric, message, status, error_text, created_at, delivered_at
		FROM alert_deliveries ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AlertDelivery
	for rows.Next() {
		var a AlertDelivery
		var delivered sql.NullTime
		if err := rows.Scan(&a.ID, &a.AlertType, &a.Priority, &a.Subject, &a.Metric, &a.Message, &a.Status, &a.ErrorText, &a.CreatedAt, &delivered); err != nil {
			return nil, err
		}
		if delivered.Valid {
			t := delivered.Time.UTC()
			a.DeliveredAt = &t
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func forecastToJSON(points []compliance.ForecastPoint) string {
	if len(points) == 0 {
		return "[]"
	}
	b, err := json.Marshal(points)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func parseForecast(raw string) []compliance.ForecastPoint {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var points []compliance.ForecastPoint
	if err := json.Unmarshal([]byte(raw), &points); err != nil {
		return nil
	}
	return points
}
