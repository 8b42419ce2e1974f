package memory

import (
	"sync"
	"time"

	"ai-research-be/internal/pkg/logger"
	"ai-research-be/pkg/store"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

const moduleSession = "SESSION"

// SessionConfig bounds the lifetime and number of sessions held in memory
type SessionConfig struct {
	TTL           time.Duration
	Capacity      int
	MaxHistory    int // turns kept per session, rounded down to whole user/assistant pairs
	SweepInterval time.Duration // 0 disables the background janitor
}

// SessionRepository is the process-wide session store.
// Every mutating call holds mu, so get-or-create, append and eviction are atomic
// with respect to each other. Expiry is enforced lazily on every access; the
// go-cache janitor only reclaims memory early.
type SessionRepository struct {
	mu     sync.Mutex
	cache  *cache.Cache
	cfg    SessionConfig
	now    func() time.Time
	newID  func() string
	logger logger.ILogger
}

type SessionOption func(*SessionRepository)

// WithClock replaces the wall clock, used by tests to simulate time.
func WithClock(now func() time.Time) SessionOption {
	return func(r *SessionRepository) { r.now = now }
}

func WithIDGenerator(gen func() string) SessionOption {
	return func(r *SessionRepository) { r.newID = gen }
}

func WithLogger(l logger.ILogger) SessionOption {
	return func(r *SessionRepository) { r.logger = l }
}

func NewSessionRepository(cfg SessionConfig, opts ...SessionOption) *SessionRepository {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.MaxHistory > 0 {
		cfg.MaxHistory = max(cfg.MaxHistory&^1, 2)
	}
	r := &SessionRepository{
		cache:  cache.New(cache.NoExpiration, cfg.SweepInterval),
		cfg:    cfg,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logger.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the live session for id, or a brand new session (with a
// new identifier) when id is empty, unknown or expired.
func (r *SessionRepository) GetOrCreate(id string) (store.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.evictExpiredLocked(now)

	if id != "" {
		if s, ok := r.lookupLocked(id); ok {
			return s.Snapshot(), false
		}
	}

	for len(r.cache.Items()) >= r.cfg.Capacity {
		if !r.evictLeastRecentLocked() {
			break
		}
	}

	s := &store.Session{
		ID:         r.newID(),
		CreatedAt:  now,
		LastActive: now,
		History:    []store.Turn{},
	}
	r.cache.Set(s.ID, s, r.cfg.TTL)

	if id != "" {
		r.logger.Info(moduleSession, "Requested session unavailable, issued new one", map[string]interface{}{
			"requested_id": id,
			"session_id":   s.ID,
		})
	}
	return s.Snapshot(), true
}

// Get returns a snapshot of a live session without creating one.
func (r *SessionRepository) Get(id string) (store.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.lookupLocked(id)
	if !ok {
		return store.Session{}, false
	}
	return s.Snapshot(), true
}

// TouchAndAppend records a completed user/assistant exchange on the session.
// It fails with store.ErrSessionExpired if the session is gone.
func (r *SessionRepository) TouchAndAppend(id string, user, assistant store.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.lookupLocked(id)
	if !ok {
		return store.ErrSessionExpired
	}

	s.History = append(s.History, user, assistant)
	if limit := r.cfg.MaxHistory; limit > 0 && len(s.History) > limit {
		trimmed := make([]store.Turn, limit)
		copy(trimmed, s.History[len(s.History)-limit:])
		s.History = trimmed
	}
	s.LastActive = r.now()
	return nil
}

// EvictExpired drops every session older than the TTL and reports how many were removed.
func (r *SessionRepository) EvictExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictExpiredLocked(r.now())
}

// Len reports the number of sessions currently held.
func (r *SessionRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache.Items())
}

func (r *SessionRepository) lookupLocked(id string) (*store.Session, bool) {
	x, found := r.cache.Get(id)
	if !found {
		return nil, false
	}
	s := x.(*store.Session)
	if s.Expired(r.now(), r.cfg.TTL) {
		r.cache.Delete(id)
		return nil, false
	}
	return s, true
}

func (r *SessionRepository) evictExpiredLocked(now time.Time) int {
	r.cache.DeleteExpired()
	evicted := 0
	for id, item := range r.cache.Items() {
		if item.Object.(*store.Session).Expired(now, r.cfg.TTL) {
			r.cache.Delete(id)
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Debug(moduleSession, "Evicted expired sessions", map[string]interface{}{"count": evicted})
	}
	return evicted
}

func (r *SessionRepository) evictLeastRecentLocked() bool {
	var (
		oldestID string
		oldest   time.Time
	)
	for id, item := range r.cache.Items() {
		s := item.Object.(*store.Session)
		if oldestID == "" || s.LastActive.Before(oldest) {
			oldestID, oldest = id, s.LastActive
		}
	}
	if oldestID == "" {
		return false
	}
	r.cache.Delete(oldestID)
	r.logger.Info(moduleSession, "Session store at capacity, evicted least recently active session", map[string]interface{}{
		"session_id": oldestID,
	})
	return true
}
