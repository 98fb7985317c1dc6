package auth

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"

	"merlin-itsm/config"
	"merlin-itsm/core/store"
	"merlin-itsm/core/utils"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrSessionExpired     = errors.New("session expired")
)

type SessionManager struct {
	users    store.UsersStore
	sessions store.SessionsStore
	cfg      *config.AppConfig
	logger   *utils.Logger
}

func NewSessionManager(users store.UsersStore, sessions store.SessionsStore, cfg *config.AppConfig, logger *utils.Logger) *SessionManager {
	return &SessionManager{users: users, sessions: sessions, cfg: cfg, logger: logger}
}

// Login verifies the password and opens a session. The returned error is
// identical for unknown users and wrong passwords.
func (m *SessionManager) Login(ctx context.Context, username, password string) (*store.Session, error) {
	user, err := m.users.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		// Burn a hash anyway to keep timing uniform.
		_, _ = VerifyPassword(password, dummyHash)
		return nil, ErrInvalidCredentials
	}
	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}
	if !user.Active {
		return nil, ErrAccountDisabled
	}
	return m.Create(ctx, user)
}

func (m *SessionManager) Create(ctx context.Context, user *store.User) (*store.Session, error) {
	id := uuid.Must(uuid.NewV4()).String()
	csrf, err := utils.RandString(32)
	if err != nil {
		return nil, err
	}
	now := utils.NowUTC()
	sess := &store.Session{
		ID:         id,
		UserID:     user.ID,
		Username:   user.Username,
		Roles:      user.Roles,
		CSRFToken:  csrf,
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(m.cfg.EffectiveSessionTTL()),
	}
	if err := m.sessions.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Resolve loads a session and drops it when expired.
func (m *SessionManager) Resolve(ctx context.Context, sessID string) (*store.Session, error) {
	sess, err := m.sessions.GetSession(ctx, sessID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	now := utils.NowUTC()
	if !sess.ExpiresAt.After(now) {
		_ = m.sessions.DeleteSession(ctx, sessID)
		return nil, ErrSessionExpired
	}
	_ = m.sessions.TouchSession(ctx, sessID, now)
	sess.LastSeenAt = now
	return sess, nil
}

func (m *SessionManager) Logout(ctx context.Context, sessID string) error {
	return m.sessions.DeleteSession(ctx, sessID)
}

func (m *SessionManager) RevokeUser(ctx context.Context, userID int64) error {
	return m.sessions.DeleteUserSessions(ctx, userID)
}

// Sweep removes expired sessions; run periodically from the scheduler.
func (m *SessionManager) Sweep(ctx context.Context) {
	n, err := m.sessions.DeleteExpired(ctx, utils.NowUTC())
	if err != nil {
		m.logger.Errorf("session sweep failed: %v", err)
		return
	}
	if n > 0 {
		m.logger.Printf("session sweep removed %d expired sessions", n)
	}
}

// dummyHash is computed once at package init and only ever read after
// that, so concurrent failed logins share it without synchronization.
var dummyHash = func() string {
	h, err := HashPassword(uuid.Must(uuid.NewV4()).String())
	if err != nil {
		return ""
	}
	return h
}()
