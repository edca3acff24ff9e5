package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conductorhq/conductor/internal/store"
)

// ErrSessionBusy means another message pipeline holds the session's run lock.
var ErrSessionBusy = fmt.Errorf("session is busy")

// Persistence is the slice of the store the manager needs.
type Persistence interface {
	EnsureSession(ctx context.Context, userID, externalID, mode, persona string, scopes []string) (store.Session, error)
	GetSession(ctx context.Context, id string) (store.Session, error)
	UpdateSessionContext(ctx context.Context, id string, contextMap map[string]interface{}) error
}

// Locker acquires exclusive per-session run locks. Satisfied by
// *redis.Client; nil disables locking for single-node test setups.
type Locker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Manager resolves and guards conversational sessions.
type Manager struct {
	db      Persistence
	locks   Locker
	lockTTL time.Duration
	logger  *log.Logger
}

// New builds a session manager. locks may be nil.
func New(db Persistence, locks Locker) *Manager {
	return &Manager{
		db:      db,
		locks:   locks,
		lockTTL: 10 * time.Minute,
		logger:  log.New(log.Writer(), "[SESSION] ", log.LstdFlags),
	}
}

// Ensure resolves the session for (user, external id), creating it on first
// sight. Calling it twice with the same pair returns the same session row.
func (m *Manager) Ensure(ctx context.Context, userID, externalID, mode, persona string, scopes []string) (store.Session, error) {
	if externalID == "" {
		return store.Session{}, fmt.Errorf("external session id is required")
	}
	switch mode {
	case "":
		mode = store.SessionModeManual
	case store.SessionModeManual, store.SessionModeVoice:
	default:
		return store.Session{}, fmt.Errorf("unknown session mode %q", mode)
	}
	sess, err := m.db.EnsureSession(ctx, userID, externalID, mode, persona, scopes)
	if err != nil {
		return store.Session{}, fmt.Errorf("ensure session: %w", err)
	}
	return sess, nil
}

// Get loads one session by internal id.
func (m *Manager) Get(ctx context.Context, id string) (store.Session, error) {
	return m.db.GetSession(ctx, id)
}

// UpdateContext merges new values into the session's context map.
func (m *Manager) UpdateContext(ctx context.Context, id string, values map[string]interface{}) (store.Session, error) {
	sess, err := m.db.GetSession(ctx, id)
	if err != nil {
		return store.Session{}, fmt.Errorf("load session: %w", err)
	}
	merged := make(map[string]interface{}, len(sess.Context)+len(values))
	for k, v := range sess.Context {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}
	if err := m.db.UpdateSessionContext(ctx, id, merged); err != nil {
		return store.Session{}, fmt.Errorf("update session context: %w", err)
	}
	sess.Context = merged
	return sess, nil
}

// AcquireRun takes the session's run lock so only one message pipeline
// executes per session at a time. The returned release func is safe to call
// once the pipeline is done.
func (m *Manager) AcquireRun(ctx context.Context, sessionID string) (func(), error) {
	if m.locks == nil {
		return func() {}, nil
	}
	key := runLockKey(sessionID)
	ok, err := m.locks.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), m.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrSessionBusy
	}
	return func() {
		if _, err := m.locks.Del(context.Background(), key).Result(); err != nil {
			m.logger.Printf("release run lock %s: %v", key, err)
		}
	}, nil
}

func runLockKey(sessionID string) string {
	return "conductor:session:" + sessionID + ":run"
}
