package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/canopy-network/chainfeed/pkg/channel"
	"github.com/canopy-network/chainfeed/pkg/feed"
	"github.com/canopy-network/chainfeed/pkg/utils"
	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration shared by every feedwatch command.
// Values come from an optional YAML file and are then overridden by the
// environment.
type Config struct {
	APIURL          string        `yaml:"api_url"`
	WSURL           string        `yaml:"ws_url"`
	PageSize        int           `yaml:"page_size"`
	BackfillPages   int           `yaml:"backfill_pages"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
	Capacity        int           `yaml:"capacity"`
	RefreshSchedule string        `yaml:"refresh_schedule"`
	Addr            string        `yaml:"addr"`
	SessionBackend  string        `yaml:"session_backend"`
	Profile         string        `yaml:"profile"`
	RedisEnabled    bool          `yaml:"redis_enabled"`

	// Token bootstraps the session. Never read from the file.
	Token string `yaml:"-"`
	// ControlToken guards the relay's refresh and send actions. Plain text
	// or a bcrypt hash.
	ControlToken string `yaml:"-"`
}

const (
	SessionMemory = "memory"
	SessionRedis  = "redis"
)

// Default returns the local development defaults.
func Default() Config {
	return Config{
		APIURL:          "http://localhost:8080/api/v1",
		WSURL:           "ws://localhost:8080/ws",
		PageSize:        20,
		BackfillPages:   3,
		ReconnectDelay:  channel.DefaultReconnectDelay,
		Capacity:        feed.DefaultCapacity,
		RefreshSchedule: "@every 1m",
		Addr:            ":3002",
		SessionBackend:  SessionMemory,
		Profile:         "default",
	}
}

// Load reads path (if non-empty and present) and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.APIURL = utils.Env("FEED_API_URL", cfg.APIURL)
	cfg.WSURL = utils.Env("FEED_WS_URL", cfg.WSURL)
	cfg.PageSize = utils.EnvInt("FEED_PAGE_SIZE", cfg.PageSize)
	cfg.BackfillPages = utils.EnvInt("FEED_BACKFILL_PAGES", cfg.BackfillPages)
	cfg.ReconnectDelay = utils.EnvDuration("FEED_RECONNECT_DELAY", cfg.ReconnectDelay)
	cfg.Capacity = utils.EnvInt("FEED_CAPACITY", cfg.Capacity)
	if v, ok := os.LookupEnv("FEED_REFRESH_SCHEDULE"); ok {
		cfg.RefreshSchedule = v
	}
	cfg.Addr = utils.Env("ADDR", cfg.Addr)
	cfg.SessionBackend = utils.Env("SESSION_BACKEND", cfg.SessionBackend)
	cfg.Profile = utils.Env("FEED_PROFILE", cfg.Profile)
	cfg.RedisEnabled = utils.EnvBool("REDIS_ENABLED", cfg.RedisEnabled)
	cfg.Token = utils.Env("FEED_TOKEN", "")
	cfg.ControlToken = utils.Env("RELAY_CONTROL_TOKEN", "")

	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail deep inside a component.
func (c Config) Validate() error {
	if _, err := channel.ParseEndpoint(c.WSURL); err != nil {
		return fmt.Errorf("ws_url: %w", err)
	}
	if c.APIURL == "" {
		return errors.New("api_url is required")
	}
	if c.PageSize < 1 || c.PageSize > 100 {
		return fmt.Errorf("page_size must be between 1 and 100, got %d", c.PageSize)
	}
	if c.BackfillPages < 1 {
		return fmt.Errorf("backfill_pages must be positive, got %d", c.BackfillPages)
	}
	switch c.SessionBackend {
	case SessionMemory:
	case SessionRedis:
		if !c.RedisEnabled {
			return errors.New("session_backend redis requires REDIS_ENABLED=true")
		}
	default:
		return fmt.Errorf("unknown session_backend %q", c.SessionBackend)
	}
	return nil
}
