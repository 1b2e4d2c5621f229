// Package channel sends outbound messages on configured delivery channels.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Kind names a sender implementation.
type Kind string

const (
	KindWebhook Kind = "webhook"
	KindFile    Kind = "file"
	KindLog     Kind = "log"
	KindRedis   Kind = "redis"
)

// Valid reports whether k names a known sender.
func (k Kind) Valid() bool {
	switch k {
	case KindWebhook, KindFile, KindLog, KindRedis:
		return true
	}
	return false
}

// Format is the text style a channel renders.
type Format string

const (
	FormatPlain    Format = "plain"
	FormatMarkdown Format = "markdown"
)

// Config describes one outbound channel.
type Config struct {
	ID        string `mapstructure:"id" yaml:"id" json:"id"`
	Kind      Kind   `mapstructure:"kind" yaml:"kind" json:"kind"`
	Owner     string `mapstructure:"owner" yaml:"owner,omitempty" json:"owner,omitempty"`
	URL       string `mapstructure:"url" yaml:"url,omitempty" json:"url,omitempty"`
	Path      string `mapstructure:"path" yaml:"path,omitempty" json:"path,omitempty"`
	Addr      string `mapstructure:"addr" yaml:"addr,omitempty" json:"addr,omitempty"`
	Topic     string `mapstructure:"topic" yaml:"topic,omitempty" json:"topic,omitempty"`
	Format    Format `mapstructure:"format" yaml:"format,omitempty" json:"format,omitempty"`
	MaxLength int    `mapstructure:"max_length" yaml:"max_length,omitempty" json:"max_length,omitempty"`
}

// DisplayName is a human-readable form of the channel id, e.g. "team-chat"
// becomes "Team Chat".
func (c Config) DisplayName() string {
	words := strings.FieldsFunc(c.ID, func(r rune) bool { return r == '-' || r == '_' || r == '.' })
	return cases.Title(language.English).String(strings.Join(words, " "))
}

// Sender delivers a message to a recipient on one channel.
type Sender interface {
	Send(ctx context.Context, recipient, message string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, recipient, message string) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, recipient, message string) error {
	return f(ctx, recipient, message)
}

var (
	// ErrUnknownChannel is returned when no channel is registered under an id.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrNoRecipient is returned when neither the action nor the channel names a recipient.
	ErrNoRecipient = errors.New("no recipient configured")
)

type entry struct {
	cfg    Config
	sender Sender
}

// Registry maps channel ids to their configuration and sender.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]entry)}
}

// Register adds or replaces a channel.
func (r *Registry) Register(cfg Config, s Sender) {
	if cfg.Format == "" {
		cfg.Format = FormatPlain
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[cfg.ID] = entry{cfg: cfg, sender: s}
}

// Config returns the configuration of a channel.
func (r *Registry) Config(id string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.channels[id]
	return e.cfg, ok
}

// List returns every channel configuration sorted by id.
func (r *Registry) List() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Config, 0, len(r.channels))
	for _, e := range r.channels {
		out = append(out, e.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByKind returns the channels of one kind sorted by id.
func (r *Registry) ByKind(kind Kind) []Config {
	var out []Config
	for _, c := range r.List() {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Resolve returns the concrete recipient for a send: the explicit one when
// given, otherwise the channel's owner.
func (r *Registry) Resolve(id, recipient string) (string, error) {
	cfg, ok := r.Config(id)
	if !ok {
		return "", fmt.Errorf("channel %q: %w", id, ErrUnknownChannel)
	}
	if recipient != "" {
		return recipient, nil
	}
	if cfg.Owner == "" {
		return "", fmt.Errorf("channel %q: %w", id, ErrNoRecipient)
	}
	return cfg.Owner, nil
}

// Send delivers message on channel id and returns the recipient it went to.
func (r *Registry) Send(ctx context.Context, id, recipient, message string) (string, error) {
	to, err := r.Resolve(id, recipient)
	if err != nil {
		return "", err
	}
	r.mu.RLock()
	e := r.channels[id]
	r.mu.RUnlock()
	if e.sender == nil {
		return "", fmt.Errorf("channel %q has no sender: %w", id, ErrUnknownChannel)
	}
	if err := e.sender.Send(ctx, to, message); err != nil {
		return to, fmt.Errorf("send on %s: %w", id, err)
	}
	return to, nil
}

// Close releases any sender that holds a connection.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, e := range r.channels {
		if c, ok := e.sender.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
