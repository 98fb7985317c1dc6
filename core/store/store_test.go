package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"merlin-itsm/config"
	"merlin-itsm/core/lifecycle"
	"merlin-itsm/core/utils"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.AppConfig{
		DBDriver: DriverSQLite,
		DBURL:    filepath.Join(t.TempDir(), "test.db"),
	}
	db, err := NewDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, ApplyMigrations(context.Background(), db, DriverSQLite, utils.NewLogger()))
	return db
}

func newChange(title string) *lifecycle.Entity {
	return &lifecycle.Entity{
		Kind:        lifecycle.KindChange,
		Title:       title,
		State:       "requested",
		Priority:    lifecycle.PriorityMedium,
		Category:    "standard",
		RequestedBy: 1,
		CreatedBy:   1,
		UpdatedBy:   1,
		Version:     1,
	}
}

func TestEntityRegNumbers(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	entities := NewEntitiesStore(db)
	year := time.Now().UTC().Year()

	first := newChange("first")
	_, err := entities.CreateEntity(ctx, first, "{kind}-{year}-{seq:05}")
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("CHG-%d-00001", year), first.RegNo)

	second := newChange("second")
	_, err = entities.CreateEntity(ctx, second, "{kind}-{year}-{seq:05}")
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("CHG-%d-00002", year), second.RegNo)

	// Each kind counts independently.
	problem := newChange("a problem")
	problem.Kind = lifecycle.KindProblem
	problem.State = "identified"
	_, err = entities.CreateEntity(ctx, problem, "{kind}-{year}-{seq:05}")
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("PRB-%d-00001", year), problem.RegNo)

	got, err := entities.GetEntityByRegNo(ctx, first.RegNo)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, first.ID, got.ID)
}

func TestPersistEntityVersionConflict(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	entities := NewEntitiesStore(db)

	e := newChange("racy")
	_, err := entities.CreateEntity(ctx, e, "")
	require.NoError(t, err)

	stale := e.Clone()
	e.State = "pending_approval"
	require.NoError(t, entities.PersistEntity(ctx, e, 1))
	require.Equal(t, 2, e.Version)

	stale.State = "rejected"
	err = entities.PersistEntity(ctx, &stale, 1)
	require.ErrorIs(t, err, ErrConflict)

	got, err := entities.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.State("pending_approval"), got.State)
	require.Equal(t, 2, got.Version)
}

func TestEntityJSONColumnsRoundTrip(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	entities := NewEntitiesStore(db)

	now := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	e := newChange("json fields")
	e.Timestamps = map[string]time.Time{lifecycle.StampRequested: now}
	e.Approvals = []lifecycle.Approval{{Level: "supervisor", ApproverID: 9, DecidedAt: now}}
	due := now.Add(72 * time.Hour)
	e.DueBy = &due
	_, err := entities.CreateEntity(ctx, e, "")
	require.NoError(t, err)

	got, err := entities.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	require.True(t, got.Timestamps[lifecycle.StampRequested].Equal(now))
	require.Len(t, got.Approvals, 1)
	require.Equal(t, "supervisor", got.Approvals[0].Level)
	require.NotNil(t, got.DueBy)
	require.True(t, got.DueBy.Equal(due))
}

func TestSoftDeleteAndDependents(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	entities := NewEntitiesStore(db)

	parent := newChange("parent")
	_, err := entities.CreateEntity(ctx, parent, "")
	require.NoError(t, err)
	child := newChange("child")
	_, err = entities.CreateEntity(ctx, child, "")
	require.NoError(t, err)

	linkID, err := entities.AddEntityLink(ctx, &EntityLink{
		EntityID:   child.ID,
		LinkedType: "entity",
		LinkedID:   fmt.Sprintf("%d", parent.ID),
	})
	require.NoError(t, err)

	n, err := entities.CountDependents(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, entities.DeleteEntityLink(ctx, linkID))
	n, err = entities.CountDependents(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, entities.SoftDeleteEntity(ctx, parent.ID, 1))
	got, err := entities.GetEntity(ctx, parent.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DeletedAt)

	// Deleted rows stay out of default listings.
	list, err := entities.ListEntities(ctx, EntityFilter{Kind: lifecycle.KindChange})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, child.ID, list[0].ID)

	// A second delete of the same row is a conflict.
	require.ErrorIs(t, entities.SoftDeleteEntity(ctx, parent.ID, 1), ErrConflict)
}

func TestListEntitiesFilters(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	entities := NewEntitiesStore(db)

	a := newChange("upgrade database")
	a.Priority = lifecycle.PriorityHigh
	_, err := entities.CreateEntity(ctx, a, "")
	require.NoError(t, err)
	b := newChange("rotate certificates")
	b.State = "pending_approval"
	_, err = entities.CreateEntity(ctx, b, "")
	require.NoError(t, err)

	list, err := entities.ListEntities(ctx, EntityFilter{State: "pending_approval"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, b.ID, list[0].ID)

	list, err = entities.ListEntities(ctx, EntityFilter{StateIn: []string{"requested", "pending_approval"}})
	require.NoError(t, err)
	require.Len(t, list, 2)

	list, err = entities.ListEntities(ctx, EntityFilter{Search: "certificates"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, b.ID, list[0].ID)

	list, err = entities.ListEntities(ctx, EntityFilter{Priority: lifecycle.PriorityHigh})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, a.ID, list[0].ID)
}

func TestLatestSamples(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	comp := NewComplianceStore(db)

	uptime := &ServiceTarget{Subject: "mail", Metric: "uptime_pct", Target: 99.5, WarningBand: 99.8, Polarity: "higher_is_better", CreatedBy: 1}
	_, err := comp.CreateTarget(ctx, uptime)
	require.NoError(t, err)
	storage := &ServiceTarget{Subject: "archive", Metric: "storage_pct", Target: 90, WarningBand: 75, CriticalBand: 85, Polarity: "lower_is_better", CreatedBy: 1}
	_, err = comp.CreateTarget(ctx, storage)
	require.NoError(t, err)

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = comp.AddMeasurement(ctx, &Measurement{TargetID: uptime.ID, Actual: 98.0, MeasuredAt: old, CreatedBy: 1})
	require.NoError(t, err)
	recent := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err = comp.AddMeasurement(ctx, &Measurement{TargetID: uptime.ID, Actual: 99.9, MeasuredAt: recent, CreatedBy: 1})
	require.NoError(t, err)

	samples, err := comp.LatestSamples(ctx)
	require.NoError(t, err)
	require.Len(t, samples, 2)

	// Ordered by subject: archive first, unmeasured.
	require.Equal(t, "archive", samples[0].Subject)
	require.Nil(t, samples[0].Actual)
	require.Equal(t, "mail", samples[1].Subject)
	require.NotNil(t, samples[1].Actual)
	require.Equal(t, 99.9, *samples[1].Actual)
	require.True(t, samples[1].MeasuredAt.Equal(recent))

	// Deactivated targets drop out of the scan set.
	require.NoError(t, comp.DeactivateTarget(ctx, storage.ID))
	samples, err = comp.LatestSamples(ctx)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, "mail", samples[0].Subject)
}

func TestAlertDeliveryStatus(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	comp := NewComplianceStore(db)

	id, err := comp.RecordAlert(ctx, &AlertDelivery{AlertType: "breach", Priority: "critical", Subject: "mail", Metric: "uptime_pct", Message: "below target"})
	require.NoError(t, err)

	require.NoError(t, comp.MarkAlertDelivered(ctx, id, ""))
	alerts, err := comp.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "sent", alerts[0].Status)
	require.NotNil(t, alerts[0].DeliveredAt)

	id2, err := comp.RecordAlert(ctx, &AlertDelivery{AlertType: "at_risk", Priority: "medium", Subject: "archive", Message: "warning"})
	require.NoError(t, err)
	require.NoError(t, comp.MarkAlertDelivered(ctx, id2, "webhook status 500"))
	alerts, err = comp.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, "failed", alerts[0].Status)
	require.Equal(t, "webhook status 500", alerts[0].ErrorText)
}

func TestUsersRolesRoundTrip(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	users := NewUsersStore(db)

	u := &User{Username: "Alice", PasswordHash: "x", Roles: []string{"Admin", "operator", "admin"}, Active: true}
	_, err := users.CreateUser(ctx, u)
	require.NoError(t, err)

	got, err := users.GetUserByUsername(ctx, "ALICE")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "alice", got.Username)
	require.Equal(t, []string{"admin", "operator"}, got.Roles)
	require.True(t, got.Active)

	require.NoError(t, users.SetActive(ctx, got.ID, false))
	got, err = users.GetUser(ctx, got.ID)
	require.NoError(t, err)
	require.False(t, got.Active)

	n, err := users.CountUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSessionsLifecycle(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	sessions := NewSessionsStore(db)

	now := time.Now().UTC().Truncate(time.Second)
	sess := &Session{
		ID:         "sess-1",
		UserID:     5,
		Username:   "alice",
		Roles:      []string{"admin"},
		CSRFToken:  "csrf",
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(-time.Minute),
	}
	require.NoError(t, sessions.CreateSession(ctx, sess))

	got, err := sessions.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, int64(5), got.UserID)

	n, err := sessions.DeleteExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err = sessions.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Nil(t, got)
}
