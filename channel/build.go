package channel

import (
	"fmt"
	"log/slog"
)

// Build constructs the sender for cfg.
func Build(cfg Config, logger *slog.Logger) (Sender, error) {
	switch cfg.Kind {
	case KindWebhook:
		if cfg.URL == "" {
			return nil, fmt.Errorf("channel %q: webhook url is required", cfg.ID)
		}
		return NewWebhookSender(cfg.URL), nil
	case KindFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("channel %q: file path is required", cfg.ID)
		}
		return NewFileSender(cfg.Path), nil
	case KindLog:
		return NewLogSender(cfg.ID, logger), nil
	case KindRedis:
		if cfg.Addr == "" {
			return nil, fmt.Errorf("channel %q: redis addr is required", cfg.ID)
		}
		topic := cfg.Topic
		if topic == "" {
			topic = "steward:" + cfg.ID
		}
		return NewRedisSender(cfg.Addr, topic), nil
	default:
		return nil, fmt.Errorf("channel %q: unknown kind %q", cfg.ID, cfg.Kind)
	}
}

// NewRegistryFromConfig builds a Registry holding a sender for every config.
func NewRegistryFromConfig(cfgs []Config, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	for _, c := range cfgs {
		s, err := Build(c, logger)
		if err != nil {
			_ = reg.Close()
			return nil, err
		}
		reg.Register(c, s)
	}
	return reg, nil
}
