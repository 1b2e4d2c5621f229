package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Message is the JSON body posted, appended or published for a send.
type Message struct {
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

func newMessage(recipient, text string) Message {
	return Message{Recipient: recipient, Text: text, SentAt: time.Now().UTC()}
}

// WebhookSender posts messages as JSON to a URL.
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender creates a sender posting to url.
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{url: url, client: &http.Client{Timeout: 30 * time.Second}}
}

// Send posts the message and expects a 2xx response.
func (s *WebhookSender) Send(ctx context.Context, recipient, message string) error {
	body, err := json.Marshal(newMessage(recipient, message))
	if err != nil {
		return fmt.Errorf("marshaling webhook message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// FileSender appends messages as JSON lines to a file.
type FileSender struct {
	mu   sync.Mutex
	path string
}

// NewFileSender creates a sender appending to path.
func NewFileSender(path string) *FileSender {
	return &FileSender{path: path}
}

// Send appends one line.
func (s *FileSender) Send(_ context.Context, recipient, message string) error {
	line, err := json.Marshal(newMessage(recipient, message))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// LogSender writes messages to the process log.
type LogSender struct {
	id     string
	logger *slog.Logger
}

// NewLogSender creates a sender logging under channel id.
func NewLogSender(id string, logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{id: id, logger: logger}
}

// Send logs the message at info level.
func (s *LogSender) Send(_ context.Context, recipient, message string) error {
	s.logger.Info("channel message", "channel", s.id, "recipient", recipient, "text", message)
	return nil
}

// RedisSender publishes messages on a Redis pub/sub topic.
type RedisSender struct {
	client *redis.Client
	topic  string
}

// NewRedisSender creates a sender publishing to topic on the server at addr.
func NewRedisSender(addr, topic string) *RedisSender {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	return &RedisSender{client: rdb, topic: topic}
}

// Send publishes the JSON-encoded message.
func (s *RedisSender) Send(ctx context.Context, recipient, message string) error {
	data, err := json.Marshal(newMessage(recipient, message))
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", s.topic, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisSender) Close() error {
	return s.client.Close()
}
