// Package session owns per-user conversational state: history, mode and
// activity timestamps.
//
// Sessions live in memory only. A session exists while its dialogue is
// unresolved and is removed on handoff, explicit reset or inactivity.
package session

import (
	"sync"
	"time"
)

// Mode selects which oracle instruction is used and how a reply is read.
type Mode string

const (
	// ModeChat gathers requirements.
	ModeChat Mode = "chat"
	// ModeAwaitingConfirmation waits for the user to say go.
	ModeAwaitingConfirmation Mode = "awaiting_confirmation"
	// ModeCode collects the final structured parameters.
	ModeCode Mode = "code"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single history record.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session is a snapshot of one user's dialogue state.
type Session struct {
	UserID     string    `json:"user_id"`
	History    []Turn    `json:"history"`
	Mode       Mode      `json:"mode"`
	LastActive time.Time `json:"last_active"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Session) clone() Session {
	out := *s
	out.History = make([]Turn, len(s.History))
	copy(out.History, s.History)
	return out
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store holds sessions keyed by user ID.
//
// Field access is guarded by mu. Callers that read a session, decide, and
// write back must hold the user's lock from Lock for the whole sequence.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	locks    *keyedMutex
	now      func() time.Time
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lock acquires the per-user lock and returns its release function.
func (s *Store) Lock(userID string) (unlock func()) {
	return s.locks.Lock(userID)
}

// GetOrCreate returns the user's session, creating an empty chat-mode one
// if none exists.
func (s *Store) GetOrCreate(userID string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		now := s.now().UTC()
		sess = &Session{
			UserID:     userID,
			History:    []Turn{},
			Mode:       ModeChat,
			LastActive: now,
			CreatedAt:  now,
		}
		s.sessions[userID] = sess
	}
	return sess.clone()
}

// Get returns a snapshot of the user's session.
func (s *Store) Get(userID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// AppendTurn appends to the user's history and refreshes LastActive. It is
// a no-op returning false when the user has no session.
func (s *Store) AppendTurn(userID, text, role string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return false
	}
	now := s.now().UTC()
	sess.History = append(sess.History, Turn{Role: role, Text: text, At: now})
	sess.LastActive = now
	return true
}

// SetMode changes the user's mode and refreshes LastActive.
func (s *Store) SetMode(userID string, mode Mode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return false
	}
	sess.Mode = mode
	sess.LastActive = s.now().UTC()
	return true
}

// Touch refreshes LastActive without other changes.
func (s *Store) Touch(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return false
	}
	sess.LastActive = s.now().UTC()
	return true
}

// Reset removes the user's session. It reports whether one existed.
func (s *Store) Reset(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[userID]
	delete(s.sessions, userID)
	return ok
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep removes every session idle for longer than maxIdle and returns the
// evicted user IDs. Candidates are collected first, then each is re-checked
// under its user lock so a session in the middle of a turn is never removed.
func (s *Store) Sweep(maxIdle time.Duration) []string {
	s.mu.RLock()
	var candidates []string
	now := s.now()
	for id, sess := range s.sessions {
		if now.Sub(sess.LastActive) > maxIdle {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()

	var evicted []string
	for _, id := range candidates {
		if s.evictIfIdle(id, maxIdle) {
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (s *Store) evictIfIdle(userID string, maxIdle time.Duration) bool {
	unlock := s.Lock(userID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok || s.now().Sub(sess.LastActive) <= maxIdle {
		return false
	}
	delete(s.sessions, userID)
	return true
}
