package provider

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultMaxSessions bounds a registry created without an explicit size.
const DefaultMaxSessions = 1024

// Sessions holds conversation history for backends that are stateless on
// the wire, keyed by the session token handed back to callers. Once full,
// starting a session evicts the least recently used one.
type Sessions struct {
	mu       sync.Mutex
	maxTurns int
	history  *lru.Cache
}

// NewSessions creates a registry keeping at most maxTurns messages per
// session (zero keeps everything) and at most maxSessions sessions (zero
// means DefaultMaxSessions).
func NewSessions(maxTurns, maxSessions int) *Sessions {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	c, err := lru.New(maxSessions)
	if err != nil {
		panic(fmt.Sprintf("provider: session cache: %v", err))
	}
	return &Sessions{maxTurns: maxTurns, history: c}
}

// Start opens a session and returns its token.
func (s *Sessions) Start() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := "sess_" + uuid.NewString()
	s.history.Add(tok, []Message(nil))
	return tok
}

// History returns a copy of the messages recorded for token.
func (s *Sessions) History(token string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.history.Get(token)
	if !ok {
		return nil, fmt.Errorf("token %q: %w", token, ErrSessionNotFound)
	}
	return append([]Message(nil), v.([]Message)...), nil
}

// Append records messages on an open session.
func (s *Sessions) Append(token string, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.history.Get(token)
	if !ok {
		return fmt.Errorf("token %q: %w", token, ErrSessionNotFound)
	}
	h := append(v.([]Message), msgs...)
	if s.maxTurns > 0 && len(h) > s.maxTurns {
		h = append([]Message(nil), h[len(h)-s.maxTurns:]...)
	}
	s.history.Add(token, h)
	return nil
}

// End forgets a session.
func (s *Sessions) End(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Remove(token)
}

// Len reports how many sessions are held.
func (s *Sessions) Len() int {
	return s.history.Len()
}
