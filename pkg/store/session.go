package store

import (
	"errors"
	"time"
)

// ErrSessionExpired is returned when a session vanished (expired or evicted)
// between the time it was read and the time it was written.
var ErrSessionExpired = errors.New("session expired")

// Role identifies who produced a Turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single entry of a session's conversation history
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Session represents the conversational state held for one client
type Session struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	History    []Turn    `json:"history"`
}

// Expired reports whether the session outlived ttl at the given instant.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CreatedAt) > ttl
}

// Snapshot returns a copy whose history can be read without holding the store lock.
func (s *Session) Snapshot() Session {
	cp := *s
	cp.History = make([]Turn, len(s.History))
	copy(cp.History, s.History)
	return cp
}
