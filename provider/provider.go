// Package provider defines the brain backend interface used to execute tasks.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Role identifies the sender of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is one query to the brain. A non-empty ResumeToken continues a
// prior backend session instead of starting a new one.
type Request struct {
	Prompt      string `json:"prompt"`
	System      string `json:"system,omitempty"`
	ResumeToken string `json:"resume_token,omitempty"`
}

// EventType discriminates stream events.
type EventType string

const (
	EventText    EventType = "text"
	EventSession EventType = "session"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// Event is emitted while a query runs.
type Event struct {
	Type         EventType `json:"type"`
	Text         string    `json:"text,omitempty"`
	SessionToken string    `json:"session_token,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Provider is a brain backend.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "mock").
	Name() string

	// Query starts a request. Events are delivered on the returned channel,
	// which is closed when the response is complete or an error occurs.
	Query(ctx context.Context, req Request) (<-chan Event, error)
}

// ErrSessionNotFound is returned when a resume token is unknown or expired.
var ErrSessionNotFound = errors.New("session not found")

// Result is a fully drained query.
type Result struct {
	Text         string
	SessionToken string
}

// Drain reads ch until it closes and assembles the response.
func Drain(ctx context.Context, ch <-chan Event) (Result, error) {
	var res Result
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				res.Text = b.String()
				return res, nil
			}
			switch ev.Type {
			case EventText:
				b.WriteString(ev.Text)
			case EventSession:
				res.SessionToken = ev.SessionToken
			case EventError:
				return res, fmt.Errorf("provider: %s", ev.Error)
			case EventDone:
				res.Text = b.String()
				return res, nil
			}
		}
	}
}

// Ask runs req and drains the result.
func Ask(ctx context.Context, p Provider, req Request) (Result, error) {
	ch, err := p.Query(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return Drain(ctx, ch)
}
