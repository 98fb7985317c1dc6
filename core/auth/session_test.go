package auth

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"merlin-itsm/config"
	"merlin-itsm/core/store"
	"merlin-itsm/core/utils"
)

func setupSessions(t *testing.T) *SessionManager {
	t.Helper()
	cfg := &config.AppConfig{
		DBDriver:   store.DriverSQLite,
		DBURL:      filepath.Join(t.TempDir(), "auth.db"),
		SessionTTL: time.Hour,
	}
	logger := utils.NewLogger()
	db, err := store.NewDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.ApplyMigrations(context.Background(), db, store.DriverSQLite, logger))
	return NewSessionManager(store.NewUsersStore(db), store.NewSessionsStore(db), cfg, logger)
}

func TestLoginUnknownUserReturnsInvalidCredentials(t *testing.T) {
	m := setupSessions(t)
	_, err := m.Login(context.Background(), "nobody", "whatever")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUnknownUsersConcurrently(t *testing.T) {
	// Failed logins all verify against the shared dummy hash; parallel
	// attempts must not disturb it. Run with -race.
	m := setupSessions(t)
	require.NotEmpty(t, dummyHash)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Login(context.Background(), "ghost", "nope")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
}

func TestLoginAndResolveSession(t *testing.T) {
	m := setupSessions(t)
	ctx := context.Background()

	hash, err := HashPassword("s3cret-pass")
	require.NoError(t, err)
	now := utils.NowUTC()
	_, err = m.users.CreateUser(ctx, &store.User{
		Username: "alice", PasswordHash: hash, Roles: []string{"operator"},
		Active: true, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	sess, err := m.Login(ctx, "alice", "s3cret-pass")
	require.NoError(t, err)
	require.NotEmpty(t, sess.CSRFToken)

	got, err := m.Resolve(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "alice", got.Username)

	_, err = m.Login(ctx, "alice", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}
