// Package mock provides a scripted brain provider for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/GoCodeAlone/steward/provider"
)

const defaultResponse = "Task acknowledged. Working on it."

// Provider implements provider.Provider for testing. It returns scripted
// responses, issues session tokens, and records every request.
type Provider struct {
	mu        sync.Mutex
	responses []string
	idx       int
	requests  []provider.Request
	sessions  *provider.Sessions

	// Err, when set, fails every fresh query.
	Err error
}

// New creates a Provider that cycles through the given responses.
func New(responses ...string) *Provider {
	return &Provider{responses: responses, sessions: provider.NewSessions(0, 0)}
}

// Name returns the provider identifier.
func (m *Provider) Name() string { return "mock" }

// Query returns the next scripted response. A resume token the provider
// never issued (or has expired) fails with provider.ErrSessionNotFound.
func (m *Provider) Query(_ context.Context, req provider.Request) (<-chan provider.Event, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	token := req.ResumeToken
	if token != "" {
		if _, err := m.sessions.History(token); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("mock resume: %w", err)
		}
	} else {
		if m.Err != nil {
			err := m.Err
			m.mu.Unlock()
			return nil, err
		}
		token = m.sessions.Start()
	}
	resp := defaultResponse
	if len(m.responses) > 0 {
		resp = m.responses[m.idx%len(m.responses)]
		m.idx++
	}
	_ = m.sessions.Append(token,
		provider.Message{Role: provider.RoleUser, Content: req.Prompt},
		provider.Message{Role: provider.RoleAssistant, Content: resp})
	m.mu.Unlock()

	ch := make(chan provider.Event, 3)
	ch <- provider.Event{Type: provider.EventText, Text: resp}
	ch <- provider.Event{Type: provider.EventSession, SessionToken: token}
	ch <- provider.Event{Type: provider.EventDone}
	close(ch)
	return ch, nil
}

// Expire invalidates a session token so the next resume with it fails.
func (m *Provider) Expire(token string) {
	m.sessions.End(token)
}

// Calls returns how many queries were made.
func (m *Provider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request received.
func (m *Provider) Requests() []provider.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]provider.Request(nil), m.requests...)
}
