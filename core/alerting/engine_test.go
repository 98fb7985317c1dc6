package alerting

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"merlin-itsm/config"
	"merlin-itsm/core/compliance"
	"merlin-itsm/core/store"
	"merlin-itsm/core/utils"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []compliance.Alert
	fail   bool
}

func (s *recordingSink) Send(_ context.Context, alert compliance.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("receiver down")
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

func setupEngine(t *testing.T, sink Sink) (*Engine, store.ComplianceStore) {
	t.Helper()
	cfg := &config.AppConfig{
		DBDriver: store.DriverSQLite,
		DBURL:    filepath.Join(t.TempDir(), "alerting.db"),
	}
	db, err := store.NewDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.ApplyMigrations(context.Background(), db, store.DriverSQLite, utils.NewLogger()))
	comp := store.NewComplianceStore(db)
	engine := NewEngine(comp, sink, "@every 15m", 30*24*time.Hour, utils.NewLogger())
	return engine, comp
}

func TestScanDispatchesBreach(t *testing.T) {
	sink := &recordingSink{}
	engine, comp := setupEngine(t, sink)
	ctx := context.Background()

	target := &store.ServiceTarget{Subject: "mail", Metric: "uptime_pct", Target: 99.5, Polarity: "higher_is_better", CreatedBy: 1}
	_, err := comp.CreateTarget(ctx, target)
	require.NoError(t, err)
	_, err = comp.AddMeasurement(ctx, &store.Measurement{TargetID: target.ID, Actual: 97.0, MeasuredAt: time.Now().UTC(), CreatedBy: 1})
	require.NoError(t, err)

	alerts, err := engine.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, compliance.AlertBreach, alerts[0].Type)
	require.Len(t, sink.alerts, 1)

	stored, err := comp.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, "sent", stored[0].Status)

	lastScan, lastAlerts := engine.Status()
	require.False(t, lastScan.IsZero())
	require.Equal(t, 1, lastAlerts)
}

func TestScanRecordsDeliveryFailure(t *testing.T) {
	sink := &recordingSink{fail: true}
	engine, comp := setupEngine(t, sink)
	ctx := context.Background()

	target := &store.ServiceTarget{Subject: "archive", Metric: "storage_pct", Target: 90, WarningBand: 75, CriticalBand: 85, Polarity: "lower_is_better", CreatedBy: 1}
	_, err := comp.CreateTarget(ctx, target)
	require.NoError(t, err)
	_, err = comp.AddMeasurement(ctx, &store.Measurement{TargetID: target.ID, Actual: 88, MeasuredAt: time.Now().UTC(), CreatedBy: 1})
	require.NoError(t, err)

	_, err = engine.Scan(ctx)
	require.NoError(t, err)

	stored, err := comp.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, "failed", stored[0].Status)
	require.Equal(t, "receiver down", stored[0].ErrorText)
}

func TestScanWithoutSinkStillRecords(t *testing.T) {
	engine, comp := setupEngine(t, nil)
	ctx := context.Background()

	target := &store.ServiceTarget{Subject: "vpn", Metric: "uptime_pct", Target: 99, Polarity: "higher_is_better", CreatedBy: 1}
	_, err := comp.CreateTarget(ctx, target)
	require.NoError(t, err)
	_, err = comp.AddMeasurement(ctx, &store.Measurement{TargetID: target.ID, Actual: 95, MeasuredAt: time.Now().UTC(), CreatedBy: 1})
	require.NoError(t, err)

	alerts, err := engine.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	stored, err := comp.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, "failed", stored[0].Status)
	require.Equal(t, "no sink configured", stored[0].ErrorText)
}

func TestScanSkipsInvalidTargets(t *testing.T) {
	sink := &recordingSink{}
	engine, comp := setupEngine(t, sink)
	ctx := context.Background()

	// Unknown polarity makes the sample invalid; the scan must still grade
	// the healthy target.
	bad := &store.ServiceTarget{Subject: "broken", Metric: "uptime_pct", Target: 99, Polarity: "sideways", CreatedBy: 1}
	_, err := comp.CreateTarget(ctx, bad)
	require.NoError(t, err)
	good := &store.ServiceTarget{Subject: "web", Metric: "uptime_pct", Target: 99, Polarity: "higher_is_better", CreatedBy: 1}
	_, err = comp.CreateTarget(ctx, good)
	require.NoError(t, err)
	_, err = comp.AddMeasurement(ctx, &store.Measurement{TargetID: good.ID, Actual: 90, MeasuredAt: time.Now().UTC(), CreatedBy: 1})
	require.NoError(t, err)

	alerts, err := engine.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "web", alerts[0].Subject)
}

func TestStaleTargetAlert(t *testing.T) {
	sink := &recordingSink{}
	engine, comp := setupEngine(t, sink)
	ctx := context.Background()

	target := &store.ServiceTarget{Subject: "dns", Metric: "uptime_pct", Target: 99, Polarity: "higher_is_better", CreatedBy: 1}
	_, err := comp.CreateTarget(ctx, target)
	require.NoError(t, err)
	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	_, err = comp.AddMeasurement(ctx, &store.Measurement{TargetID: target.ID, Actual: 99.9, MeasuredAt: old, CreatedBy: 1})
	require.NoError(t, err)

	alerts, err := engine.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, compliance.AlertStaleData, alerts[0].Type)
}
