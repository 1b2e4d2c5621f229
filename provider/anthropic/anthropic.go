// Package anthropic provides a brain provider backed by the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/GoCodeAlone/steward/provider"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
	defaultHistory   = 40
)

// Config holds configuration for the Anthropic provider.
type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	// MaxHistory caps the messages replayed when a session is resumed.
	MaxHistory int
	// MaxSessions caps the sessions held in memory; the least recently
	// used is forgotten first.
	MaxSessions int
	// Options are passed through to the SDK client.
	Options []option.RequestOption
}

// Provider is an Anthropic Claude brain. The Messages API is stateless, so
// session continuity is kept by replaying the session's history.
type Provider struct {
	client    anthropic.Client
	model     string
	maxTokens int
	sessions  *provider.Sessions
}

// New creates an Anthropic provider.
func New(cfg Config) *Provider {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultHistory
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, cfg.Options...)
	return &Provider{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		sessions:  provider.NewSessions(cfg.MaxHistory, cfg.MaxSessions),
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "anthropic" }

// Query sends the prompt, replaying the session history when resuming.
func (p *Provider) Query(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	token := req.ResumeToken
	var history []provider.Message
	if token != "" {
		h, err := p.sessions.History(token)
		if err != nil {
			return nil, fmt.Errorf("anthropic: resume: %w", err)
		}
		history = h
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		Messages:  buildMessages(history, req.Prompt),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages: %w", err)
	}

	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.Join(parts, "")

	if token == "" {
		token = p.sessions.Start()
	}
	_ = p.sessions.Append(token,
		provider.Message{Role: provider.RoleUser, Content: req.Prompt},
		provider.Message{Role: provider.RoleAssistant, Content: text})

	ch := make(chan provider.Event, 3)
	ch <- provider.Event{Type: provider.EventText, Text: text}
	ch <- provider.Event{Type: provider.EventSession, SessionToken: token}
	ch <- provider.Event{Type: provider.EventDone}
	close(ch)
	return ch, nil
}

// buildMessages converts history plus the new prompt into API messages. The
// API requires the first message to come from the user.
func buildMessages(history []provider.Message, prompt string) []anthropic.MessageParam {
	for len(history) > 0 && history[0].Role != provider.RoleUser {
		history = history[1:]
	}
	msgs := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case provider.RoleUser:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case provider.RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
}
