package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kcaldas/tokenopt/pkg/provider"
	"github.com/kcaldas/tokenopt/pkg/request"
)

// RateLimit is the last plain rate limit a session ran into.
type RateLimit struct {
	Provider string
	Message  string
	At       time.Time
}

// Turn records one completed Execute call.
type Turn struct {
	Task     string
	Provider string
	Model    string
	Usage    provider.Usage
	Attempts int
	Path     []Transition
	Duration time.Duration
}

// Session is one conversation. Its fields change only while the owning
// Orchestrator holds the session's turn; the accessors return copies.
type Session struct {
	ID string

	queue turnQueue

	mu        sync.RWMutex
	state     State
	history   []request.Message
	retries   int
	balance   provider.Balance
	rateLimit *RateLimit
	turns     []Turn
	aborted   bool
}

func newSession() *Session {
	return &Session{ID: uuid.NewString(), state: Primary}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// History returns a copy of the conversation so far.
func (s *Session) History() []request.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]request.Message(nil), s.history...)
}

// Retries counts every provider retry the session has made.
func (s *Session) Retries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retries
}

func (s *Session) Balance() provider.Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance
}

func (s *Session) RateLimit() *RateLimit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rateLimit == nil {
		return nil
	}
	rl := *s.rateLimit
	return &rl
}

func (s *Session) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Turn(nil), s.turns...)
}

// Aborted reports whether the last call was cancelled mid-flight.
func (s *Session) Aborted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aborted
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) update(fn func(s *Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}
