// Package config loads the relay's process configuration: defaults first,
// then an optional YAML file, then environment variables.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/whisper/relay/internal/broadcast"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/relay"
)

// Config is the full process configuration of relayd.
type Config struct {
	ListenAddr   string `yaml:"listen_addr" env:"RELAY_LISTEN_ADDR"`
	SharedSecret string `yaml:"shared_secret" env:"RELAY_SHARED_SECRET"`

	GraceWindow  time.Duration `yaml:"grace_window" env:"RELAY_GRACE_WINDOW"`
	UserOnline   time.Duration `yaml:"user_online" env:"RELAY_USER_ONLINE"`
	AgentOnline  time.Duration `yaml:"agent_online" env:"RELAY_AGENT_ONLINE"`
	TypingWindow time.Duration `yaml:"typing_window" env:"RELAY_TYPING_WINDOW"`
	Keepalive    time.Duration `yaml:"keepalive" env:"RELAY_KEEPALIVE"`
	Retention    time.Duration `yaml:"retention" env:"RELAY_RETENTION"`

	SubscriberBuffer   int `yaml:"subscriber_buffer" env:"RELAY_SUBSCRIBER_BUFFER"`
	SubscriberMaxDrops int `yaml:"subscriber_max_drops" env:"RELAY_SUBSCRIBER_MAX_DROPS"`
	MaxConnections     int `yaml:"max_connections" env:"RELAY_MAX_CONNECTIONS"`

	AllowedOrigins   []string `yaml:"allowed_origins" env:"RELAY_ALLOWED_ORIGINS" envSeparator:","`
	InlineModeration bool     `yaml:"inline_moderation" env:"RELAY_INLINE_MODERATION"`

	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	NATSURL   string `yaml:"nats_url" env:"NATS_URL"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
}

// Default returns the configuration used when nothing is overridden. The
// shared secret has no default.
func Default() Config {
	rc := relay.DefaultConfig()
	return Config{
		ListenAddr:         ":8080",
		GraceWindow:        rc.GraceWindow,
		UserOnline:         rc.Presence.UserThreshold,
		AgentOnline:        rc.Presence.AgentThreshold,
		TypingWindow:       rc.TypingWindow,
		Keepalive:          rc.Broadcast.Keepalive,
		SubscriberBuffer:   rc.Broadcast.Buffer,
		SubscriberMaxDrops: rc.Broadcast.MaxDrops,
		MaxConnections:     10000,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg, err := load(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadWorker loads the configuration for processes that only consume the
// event mirror. Relay policy settings are not validated.
func LoadWorker(path string) (Config, error) {
	cfg, err := load(path)
	if err != nil {
		return Config{}, err
	}
	if err := validateLogFormat(cfg.LogFormat); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "config: read file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "config: parse %s", path)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: parse env")
	}

	cfg.AllowedOrigins = trimAll(cfg.AllowedOrigins)
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c Config) Validate() error {
	if c.SharedSecret == "" {
		return errors.New("config: RELAY_SHARED_SECRET is required")
	}
	if c.ListenAddr == "" {
		return errors.New("config: listen address is empty")
	}
	for name, d := range map[string]time.Duration{
		"grace_window":  c.GraceWindow,
		"user_online":   c.UserOnline,
		"agent_online":  c.AgentOnline,
		"typing_window": c.TypingWindow,
		"keepalive":     c.Keepalive,
	} {
		if d <= 0 {
			return errors.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	if c.Retention < 0 {
		return errors.Errorf("config: retention must not be negative, got %s", c.Retention)
	}
	if c.SubscriberBuffer <= 0 || c.SubscriberMaxDrops <= 0 {
		return errors.New("config: subscriber buffer and max drops must be positive")
	}
	return validateLogFormat(c.LogFormat)
}

func validateLogFormat(format string) error {
	switch format {
	case "json", "console":
		return nil
	default:
		return errors.Errorf("config: unknown log format %q", format)
	}
}

// Relay returns the relay service configuration.
func (c Config) Relay() relay.Config {
	return relay.Config{
		Secret:       c.SharedSecret,
		GraceWindow:  c.GraceWindow,
		TypingWindow: c.TypingWindow,
		Retention:    c.Retention,
		Presence: presence.Config{
			UserThreshold:  c.UserOnline,
			AgentThreshold: c.AgentOnline,
		},
		Broadcast: broadcast.Config{
			Buffer:    c.SubscriberBuffer,
			MaxDrops:  c.SubscriberMaxDrops,
			Keepalive: c.Keepalive,
		},
	}
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
