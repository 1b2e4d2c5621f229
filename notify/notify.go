// Package notify raises task outcomes to the user.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Importance ranks a notification.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
)

func (i Importance) rank() int {
	switch i {
	case ImportanceHigh:
		return 2
	case ImportanceNormal:
		return 1
	}
	return 0
}

// AtLeast reports whether i is as important as threshold.
func (i Importance) AtLeast(threshold Importance) bool { return i.rank() >= threshold.rank() }

// Notification is one message for the user.
type Notification struct {
	Message    string     `json:"message"`
	Importance Importance `json:"importance"`
	TaskID     string     `json:"task_id,omitempty"`
}

// Sink receives notifications.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// LogSink writes notifications to a logger.
type LogSink struct {
	Logger *slog.Logger
}

// Notify logs n; high importance is logged at warn level.
func (s LogSink) Notify(ctx context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if n.Importance == ImportanceHigh {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "notification", "task_id", n.TaskID, "importance", n.Importance, "message", n.Message)
	return nil
}

// WebhookSink posts notifications at or above a minimum importance.
type WebhookSink struct {
	url    string
	min    Importance
	client *http.Client
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string, threshold Importance) *WebhookSink {
	if threshold == "" {
		threshold = ImportanceLow
	}
	return &WebhookSink{url: url, min: threshold, client: &http.Client{Timeout: 10 * time.Second}}
}

// Notify posts n as JSON unless it is below the threshold.
func (s *WebhookSink) Notify(ctx context.Context, n Notification) error {
	if !n.Importance.AtLeast(s.min) {
		return nil
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans a notification out to every sink.
type Multi []Sink

// Notify calls every sink and joins their errors.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
