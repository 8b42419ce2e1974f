package memory

import (
	"fmt"
	"testing"
	"time"

	"ai-research-be/pkg/store"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRepo(cfg SessionConfig) (*SessionRepository, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	seq := 0
	repo := NewSessionRepository(cfg,
		WithClock(clock.Now),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("s-%d", seq)
		}),
	)
	return repo, clock
}

func turns(q, a string, at time.Time) (store.Turn, store.Turn) {
	return store.Turn{Role: store.RoleUser, Text: q, CreatedAt: at},
		store.Turn{Role: store.RoleAssistant, Text: a, CreatedAt: at}
}

func TestSessionRepository_GetOrCreate(t *testing.T) {
	repo, _ := newTestRepo(SessionConfig{})
	existing, _ := repo.GetOrCreate("")

	tests := []struct {
		name        string
		id          string
		wantCreated bool
		wantSameID  bool
	}{
		{name: "empty id creates a session", id: "", wantCreated: true},
		{name: "known id returns the same session", id: existing.ID, wantCreated: false, wantSameID: true},
		{name: "unknown id gets a fresh identifier", id: "does-not-exist", wantCreated: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, created := repo.GetOrCreate(tt.id)
			assert.Equal(t, tt.wantCreated, created)
			if tt.wantSameID {
				assert.Equal(t, tt.id, s.ID)
			} else {
				assert.NotEqual(t, tt.id, s.ID)
				assert.NotEmpty(t, s.ID)
			}
		})
	}
}

func TestSessionRepository_ExpiresFromCreation(t *testing.T) {
	repo, clock := newTestRepo(SessionConfig{TTL: 24 * time.Hour})

	s, created := repo.GetOrCreate("")
	require.True(t, created)

	// activity does not extend the lifetime
	clock.Advance(23 * time.Hour)
	u, a := turns("q", "a", clock.Now())
	require.NoError(t, repo.TouchAndAppend(s.ID, u, a))

	clock.Advance(time.Hour + time.Second)
	_, ok := repo.Get(s.ID)
	assert.False(t, ok, "session older than the TTL must not be returned")

	next, created := repo.GetOrCreate(s.ID)
	assert.True(t, created)
	assert.NotEqual(t, s.ID, next.ID)
	assert.Empty(t, next.History)
}

func TestSessionRepository_TouchAndAppendAfterExpiry(t *testing.T) {
	repo, clock := newTestRepo(SessionConfig{TTL: time.Hour})
	s, _ := repo.GetOrCreate("")

	clock.Advance(2 * time.Hour)
	u, a := turns("q", "a", clock.Now())
	err := repo.TouchAndAppend(s.ID, u, a)
	assert.ErrorIs(t, err, store.ErrSessionExpired)
}

func TestSessionRepository_CapacityEvictsLeastRecentlyActive(t *testing.T) {
	repo, clock := newTestRepo(SessionConfig{Capacity: 2})

	a, _ := repo.GetOrCreate("")
	clock.Advance(time.Minute)
	b, _ := repo.GetOrCreate("")
	clock.Advance(time.Minute)

	// a becomes the most recently active one
	u, r := turns("q", "a", clock.Now())
	require.NoError(t, repo.TouchAndAppend(a.ID, u, r))
	clock.Advance(time.Minute)

	c, created := repo.GetOrCreate("")
	require.True(t, created)

	assert.Equal(t, 2, repo.Len())
	_, ok := repo.Get(b.ID)
	assert.False(t, ok, "least recently active session should be evicted")
	_, ok = repo.Get(a.ID)
	assert.True(t, ok)
	_, ok = repo.Get(c.ID)
	assert.True(t, ok)
}

func TestSessionRepository_HistoryIsTrimmed(t *testing.T) {
	tests := []struct {
		name       string
		maxHistory int
		wantLen    int
		wantFirst  string
	}{
		{name: "even limit", maxHistory: 4, wantLen: 4, wantFirst: "q2"},
		{name: "odd limit keeps whole pairs", maxHistory: 5, wantLen: 4, wantFirst: "q2"},
		{name: "limit of one keeps the last pair", maxHistory: 1, wantLen: 2, wantFirst: "q3"},
		{name: "unlimited", maxHistory: 0, wantLen: 6, wantFirst: "q1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, clock := newTestRepo(SessionConfig{MaxHistory: tt.maxHistory})
			s, _ := repo.GetOrCreate("")

			for i := 1; i <= 3; i++ {
				u, a := turns(fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i), clock.Now())
				require.NoError(t, repo.TouchAndAppend(s.ID, u, a))
			}

			got, ok := repo.Get(s.ID)
			require.True(t, ok)
			require.Len(t, got.History, tt.wantLen)
			assert.Equal(t, store.RoleUser, got.History[0].Role)
			assert.Equal(t, tt.wantFirst, got.History[0].Text)
			assert.Equal(t, "a3", got.History[len(got.History)-1].Text)
		})
	}
}

func TestSessionRepository_SnapshotIsIsolated(t *testing.T) {
	repo, clock := newTestRepo(SessionConfig{})
	s, _ := repo.GetOrCreate("")
	u, a := turns("q", "a", clock.Now())
	require.NoError(t, repo.TouchAndAppend(s.ID, u, a))

	snap, _ := repo.Get(s.ID)
	snap.History[0].Text = "mutated"

	again, _ := repo.Get(s.ID)
	assert.Equal(t, "q", again.History[0].Text)
	assert.Empty(t, s.History, "earlier snapshot must not see later appends")
}

func TestSessionRepository_EvictExpired(t *testing.T) {
	repo, clock := newTestRepo(SessionConfig{TTL: time.Hour})
	repo.GetOrCreate("")
	repo.GetOrCreate("")
	clock.Advance(30 * time.Minute)
	repo.GetOrCreate("")
	clock.Advance(31 * time.Minute)

	assert.Equal(t, 2, repo.EvictExpired())
	assert.Equal(t, 1, repo.Len())
}

// op codes for the property below
const (
	opCreate = iota
	opTouch
	opAdvance
)

func TestSessionRepositoryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	const (
		capacity = 5
		ttl      = 10 * time.Minute
	)

	properties.Property("never holds more than capacity or returns an expired session", prop.ForAll(
		func(ops []int) bool {
			repo, clock := newTestRepo(SessionConfig{TTL: ttl, Capacity: capacity})
			var ids []string

			for i, op := range ops {
				switch op % 3 {
				case opCreate:
					s, _ := repo.GetOrCreate("")
					ids = append(ids, s.ID)
				case opTouch:
					if len(ids) == 0 {
						continue
					}
					id := ids[i%len(ids)]
					u, a := turns("q", "a", clock.Now())
					_ = repo.TouchAndAppend(id, u, a)
				case opAdvance:
					clock.Advance(time.Duration(op%7+1) * time.Minute)
				}
				clock.Advance(time.Second)

				if repo.Len() > capacity {
					return false
				}
				for _, id := range ids {
					if s, ok := repo.Get(id); ok && s.Expired(clock.Now(), ttl) {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
