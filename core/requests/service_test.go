package requests

import (
	"context"
	"database/sql"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"merlin-itsm/config"
	"merlin-itsm/core/approval"
	"merlin-itsm/core/lifecycle"
	"merlin-itsm/core/store"
	"merlin-itsm/core/utils"
)

func setupService(t *testing.T) (*Service, store.EntitiesStore, *sql.DB) {
	t.Helper()
	cfg := &config.AppConfig{
		DBDriver: store.DriverSQLite,
		DBURL:    filepath.Join(t.TempDir(), "requests.db"),
		Requests: config.RequestsConfig{RegNoFormat: "{kind}-{year}-{seq:05}"},
		Approvals: config.ApprovalsConfig{
			Policies: map[string][]string{
				"normal": {"supervisor", "change_manager"},
			},
			SLAHours: map[string]map[string]int{
				"normal": {"medium": 72},
			},
		},
	}
	logger := utils.NewLogger()
	db, err := store.NewDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.ApplyMigrations(context.Background(), db, store.DriverSQLite, logger))

	entities := store.NewEntitiesStore(db)
	audits := store.NewAuditStore(db)
	machine := lifecycle.NewMachine()
	resolver := approval.NewResolver(cfg.Approvals.Policies)
	sla := approval.NewSLATable(cfg.Approvals.SLAHours)
	svc := NewService(entities, audits, machine, resolver, sla, cfg, logger)
	return svc, entities, db
}

func manager() lifecycle.Actor {
	return lifecycle.Actor{ID: 2, Name: "cm", Roles: []string{"change_manager"}}
}

func operatorActor() lifecycle.Actor {
	return lifecycle.Actor{ID: 1, Name: "op", Roles: []string{"operator"}}
}

func TestCreateAssignsRegNoAndDueBy(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, CreateInput{
		Kind:     lifecycle.KindChange,
		Title:    "upgrade db",
		Category: "normal",
	}, operatorActor())
	require.NoError(t, err)
	require.Contains(t, e.RegNo, "CHG-")
	require.Equal(t, lifecycle.State("requested"), e.State)
	require.Equal(t, lifecycle.PriorityMedium, e.Priority)
	require.NotNil(t, e.DueBy)
	require.NotZero(t, e.Timestamps[lifecycle.StampRequested])

	_, err = svc.Create(ctx, CreateInput{Kind: "ticket", Title: "x"}, operatorActor())
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "kind", ve.Field)

	_, err = svc.Create(ctx, CreateInput{Kind: lifecycle.KindChange, Title: "  "}, operatorActor())
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "title", ve.Field)
}

func TestApprovalChainOrder(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, CreateInput{Kind: lifecycle.KindChange, Title: "chained", Category: "normal"}, operatorActor())
	require.NoError(t, err)

	// Second policy level before the first is rejected.
	_, _, err = svc.Approve(ctx, e.ID, "change_manager", manager())
	var ooe *approval.OutOfOrderError
	require.ErrorAs(t, err, &ooe)
	require.Equal(t, "supervisor", ooe.Expected)

	// First approval leaves the chain open and submits the entity.
	got, step, err := svc.Approve(ctx, e.ID, "supervisor", manager())
	require.NoError(t, err)
	require.False(t, step.IsComplete)
	require.Equal(t, "change_manager", step.NextLevel)
	require.Equal(t, lifecycle.State("pending_approval"), got.State)
	require.Len(t, got.Approvals, 1)

	// Completing the chain applies the approve transition.
	got, step, err = svc.Approve(ctx, e.ID, "change_manager", manager())
	require.NoError(t, err)
	require.True(t, step.IsComplete)
	require.Equal(t, lifecycle.State("approved"), got.State)
	require.NotNil(t, got.ApprovedBy)
	require.NotZero(t, got.Timestamps[lifecycle.StampApproved])

	status, err := svc.ApprovalStatus(ctx, e.ID)
	require.NoError(t, err)
	require.True(t, status.IsComplete)
	require.Equal(t, float64(1), status.Progress)
}

func TestApproveUnauthorized(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, CreateInput{Kind: lifecycle.KindChange, Title: "guarded", Category: "normal"}, operatorActor())
	require.NoError(t, err)

	viewer := lifecycle.Actor{ID: 3, Name: "viewer", Roles: []string{"viewer"}}
	_, _, err = svc.Approve(ctx, e.ID, "supervisor", viewer)
	require.Equal(t, lifecycle.ErrUnauthorized, lifecycle.KindOf(err))

	// Nothing was written by the failed attempt.
	got, err := svc.Get(ctx, e.ID)
	require.NoError(t, err)
	require.Empty(t, got.Approvals)
	require.Equal(t, lifecycle.State("requested"), got.State)
}

func TestTransitionAndHistory(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	// No approval chain for the empty category, so approve completes at once.
	e, err := svc.Create(ctx, CreateInput{Kind: lifecycle.KindChange, Title: "direct"}, operatorActor())
	require.NoError(t, err)

	got, _, err := svc.Approve(ctx, e.ID, "supervisor", manager())
	require.NoError(t, err)
	require.Equal(t, lifecycle.State("approved"), got.State)

	got, err = svc.Transition(ctx, e.ID, lifecycle.ActionStart, operatorActor())
	require.NoError(t, err)
	require.Equal(t, lifecycle.State("in_progress"), got.State)
	require.NotNil(t, got.ImplementedBy)

	got, err = svc.Transition(ctx, e.ID, lifecycle.ActionComplete, operatorActor())
	require.NoError(t, err)
	require.Equal(t, lifecycle.State("implemented"), got.State)

	// Terminal state rejects further actions.
	_, err = svc.Transition(ctx, e.ID, lifecycle.ActionCancel, operatorActor())
	require.Equal(t, lifecycle.ErrTerminalState, lifecycle.KindOf(err))

	history, err := svc.History(ctx, e.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	// Newest first.
	require.Equal(t, lifecycle.ActionComplete, history[0].Action)
}

func TestRejectFlow(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, CreateInput{Kind: lifecycle.KindProblem, Title: "bad disk"}, operatorActor())
	require.NoError(t, err)

	got, err := svc.Reject(ctx, e.ID, lifecycle.Actor{ID: 4, Name: "pm", Roles: []string{"problem_manager"}})
	require.NoError(t, err)
	require.Equal(t, lifecycle.State("rejected"), got.State)
}

func TestDeleteGuards(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	op := operatorActor()

	parent, err := svc.Create(ctx, CreateInput{Kind: lifecycle.KindChange, Title: "parent"}, op)
	require.NoError(t, err)
	child, err := svc.Create(ctx, CreateInput{Kind: lifecycle.KindChange, Title: "child"}, op)
	require.NoError(t, err)

	_, err = svc.AddLink(ctx, &store.EntityLink{
		EntityID:   child.ID,
		LinkedType: "entity",
		LinkedID:   formatID(parent.ID),
	}, op)
	require.NoError(t, err)

	err = svc.Delete(ctx, parent.ID, op)
	require.Equal(t, lifecycle.ErrHasDependents, lifecycle.KindOf(err))

	links, err := svc.ListLinks(ctx, child.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.NoError(t, svc.DeleteLink(ctx, links[0].ID))

	require.NoError(t, svc.Delete(ctx, parent.ID, op))
	_, err = svc.Get(ctx, parent.ID)
	require.Equal(t, lifecycle.ErrNotFound, lifecycle.KindOf(err))

	// An in-progress entity never deletes, even without dependents.
	busy, err := svc.Create(ctx, CreateInput{Kind: lifecycle.KindChange, Title: "busy"}, op)
	require.NoError(t, err)
	_, _, err = svc.Approve(ctx, busy.ID, "supervisor", manager())
	require.NoError(t, err)
	_, err = svc.Transition(ctx, busy.ID, lifecycle.ActionStart, op)
	require.NoError(t, err)
	err = svc.Delete(ctx, busy.ID, op)
	require.Equal(t, lifecycle.ErrInvalidState, lifecycle.KindOf(err))
}

func TestStaleWriteConflict(t *testing.T) {
	svc, entities, _ := setupService(t)
	ctx := context.Background()
	op := operatorActor()

	e, err := svc.Create(ctx, CreateInput{Kind: lifecycle.KindChange, Title: "racy"}, op)
	require.NoError(t, err)

	// A concurrent writer bumps the version underneath the service.
	shadow, err := entities.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	require.NoError(t, entities.PersistEntity(ctx, shadow, shadow.Version))

	stale := e.Clone()
	err = entities.PersistEntity(ctx, &stale, e.Version)
	require.ErrorIs(t, err, store.ErrConflict)
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
