// Package config defines the steward daemon configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/steward/channel"
	"github.com/GoCodeAlone/steward/notify"
)

// EnvPrefix prefixes environment overrides, e.g. STEWARD_SERVER_ADDR.
const EnvPrefix = "STEWARD"

// Config is the top-level steward configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server" yaml:"server" json:"server"`
	Auth      AuthConfig       `mapstructure:"auth" yaml:"auth" json:"auth"`
	DataDir   string           `mapstructure:"data_dir" yaml:"data_dir" json:"data_dir"`
	Log       LogConfig        `mapstructure:"log" yaml:"log" json:"log"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler" yaml:"scheduler" json:"scheduler"`
	Brain     BrainConfig      `mapstructure:"brain" yaml:"brain" json:"brain"`
	Channels  []channel.Config `mapstructure:"channels" yaml:"channels" json:"channels"`
	Notify    NotifyConfig     `mapstructure:"notify" yaml:"notify" json:"notify"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr" json:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret" yaml:"jwt_secret" json:"-"`
	AdminUser string        `mapstructure:"admin_user" yaml:"admin_user" json:"admin_user"`
	AdminPass string        `mapstructure:"admin_pass" yaml:"admin_pass" json:"-"` // bcrypt hash
	TokenTTL  time.Duration `mapstructure:"token_ttl" yaml:"token_ttl" json:"token_ttl"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`    // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format" json:"format"` // text or json
}

// SchedulerConfig controls the polling loop.
type SchedulerConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
	ReconcileOnStart bool          `mapstructure:"reconcile_on_start" yaml:"reconcile_on_start" json:"reconcile_on_start"`
}

// BrainConfig selects and tunes the reasoning backend.
type BrainConfig struct {
	Provider     string `mapstructure:"provider" yaml:"provider" json:"provider"` // "mock" or "anthropic"
	Model        string `mapstructure:"model" yaml:"model,omitempty" json:"model,omitempty"`
	APIKey       string `mapstructure:"api_key" yaml:"api_key,omitempty" json:"-"`
	BaseURL      string `mapstructure:"base_url" yaml:"base_url,omitempty" json:"base_url,omitempty"`
	MaxTokens    int    `mapstructure:"max_tokens" yaml:"max_tokens" json:"max_tokens"`
	SystemPrompt string `mapstructure:"system_prompt" yaml:"system_prompt" json:"system_prompt"`
	HistoryTurns int    `mapstructure:"history_turns" yaml:"history_turns" json:"history_turns"`
	MaxSessions  int    `mapstructure:"max_sessions" yaml:"max_sessions" json:"max_sessions"`
}

// NotifyConfig controls where task outcomes are raised.
type NotifyConfig struct {
	WebhookURL    string            `mapstructure:"webhook_url" yaml:"webhook_url,omitempty" json:"webhook_url,omitempty"`
	MinImportance notify.Importance `mapstructure:"min_importance" yaml:"min_importance" json:"min_importance"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
			TokenTTL:  24 * time.Hour,
		},
		DataDir: "./data",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Scheduler: SchedulerConfig{
			PollInterval:     30 * time.Second,
			ReconcileOnStart: true,
		},
		Brain: BrainConfig{
			Provider:     "mock",
			MaxTokens:    4096,
			SystemPrompt: "You are a personal assistant carrying out tasks on behalf of your owner. Be accurate and concise.",
			HistoryTurns: 10,
			MaxSessions:  1024,
		},
		Channels: []channel.Config{
			{ID: "console", Kind: channel.KindLog, Owner: "owner", Format: channel.FormatPlain},
		},
		Notify: NotifyConfig{
			MinImportance: notify.ImportanceNormal,
		},
	}
}

// Load reads the YAML config at path (if any) over the defaults, then
// applies STEWARD_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.admin_user", d.Auth.AdminUser)
	v.SetDefault("auth.admin_pass", d.Auth.AdminPass)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("scheduler.poll_interval", d.Scheduler.PollInterval)
	v.SetDefault("scheduler.reconcile_on_start", d.Scheduler.ReconcileOnStart)
	v.SetDefault("brain.provider", d.Brain.Provider)
	v.SetDefault("brain.model", d.Brain.Model)
	v.SetDefault("brain.api_key", d.Brain.APIKey)
	v.SetDefault("brain.base_url", d.Brain.BaseURL)
	v.SetDefault("brain.max_tokens", d.Brain.MaxTokens)
	v.SetDefault("brain.system_prompt", d.Brain.SystemPrompt)
	v.SetDefault("brain.history_turns", d.Brain.HistoryTurns)
	v.SetDefault("brain.max_sessions", d.Brain.MaxSessions)
	v.SetDefault("notify.webhook_url", d.Notify.WebhookURL)
	v.SetDefault("notify.min_importance", string(d.Notify.MinImportance))

	channels := make([]map[string]any, 0, len(d.Channels))
	for _, c := range d.Channels {
		channels = append(channels, map[string]any{
			"id": c.ID, "kind": string(c.Kind), "owner": c.Owner, "format": string(c.Format),
		})
	}
	v.SetDefault("channels", channels)
}

// Validate checks the config for mistakes that would only surface at runtime.
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("scheduler.poll_interval must be positive"))
	}
	switch c.Brain.Provider {
	case "mock", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("brain.provider %q is not one of mock, anthropic", c.Brain.Provider))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}
	switch c.Notify.MinImportance {
	case notify.ImportanceLow, notify.ImportanceNormal, notify.ImportanceHigh:
	default:
		errs = append(errs, fmt.Errorf("notify.min_importance %q is not one of low, normal, high", c.Notify.MinImportance))
	}
	seen := make(map[string]bool)
	for i, ch := range c.Channels {
		if ch.ID == "" {
			errs = append(errs, fmt.Errorf("channels[%d]: id is required", i))
			continue
		}
		if seen[ch.ID] {
			errs = append(errs, fmt.Errorf("channels[%d]: duplicate id %q", i, ch.ID))
		}
		seen[ch.ID] = true
		if !ch.Kind.Valid() {
			errs = append(errs, fmt.Errorf("channels[%d] %q: unknown kind %q", i, ch.ID, ch.Kind))
		}
		switch ch.Format {
		case "", channel.FormatPlain, channel.FormatMarkdown:
		default:
			errs = append(errs, fmt.Errorf("channels[%d] %q: unknown format %q", i, ch.ID, ch.Format))
		}
	}
	return errors.Join(errs...)
}

// DBPath is the SQLite database location.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "steward.db") }

// LogDir holds per-task execution logs.
func (c *Config) LogDir() string { return filepath.Join(c.DataDir, "logs") }

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Mask is shown in place of secret values by Masked.
const Mask = "********"

// Masked returns a copy safe to print: credentials are replaced by Mask,
// and URLs keep only their scheme and host.
func (c *Config) Masked() *Config {
	out := *c
	out.Auth.JWTSecret = maskValue(c.Auth.JWTSecret)
	out.Auth.AdminPass = maskValue(c.Auth.AdminPass)
	out.Brain.APIKey = maskValue(c.Brain.APIKey)
	out.Notify.WebhookURL = maskURL(c.Notify.WebhookURL)
	out.Channels = make([]channel.Config, len(c.Channels))
	for i, ch := range c.Channels {
		ch.URL = maskURL(ch.URL)
		out.Channels[i] = ch
	}
	return &out
}

func maskValue(v string) string {
	if v == "" {
		return ""
	}
	return Mask
}

func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Mask
	}
	return u.Scheme + "://" + u.Host + "/" + Mask
}
