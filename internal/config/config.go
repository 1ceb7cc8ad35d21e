// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Store drivers.
const (
	StoreDriverSQLite = "sqlite"
	StoreDriverMemory = "memory"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	StoreDriver string
	LogLevel    string
	Chat        ChatConfig
	API         APIConfig
	SSE         SSEConfig
}

// ChatConfig controls the assistant chat connection.
type ChatConfig struct {
	BaseURL              string // e.g. wss://assistant.example.org/ws; the user id is appended
	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int
	ConnectThrottle      time.Duration
	DialTimeout          time.Duration
	ThinkingMinDelay     time.Duration
	ThinkingMaxDelay     time.Duration
}

// APIConfig controls the competition API client.
type APIConfig struct {
	BaseURL string
	Timeout time.Duration
}

// SSEConfig controls the chat snapshot stream.
type SSEConfig struct {
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
}

// fileConfig mirrors Config in the optional TOML file. Durations are Go duration strings.
type fileConfig struct {
	Port        string `toml:"port"`
	FrontendURL string `toml:"frontend_url"`
	DBPath      string `toml:"db_path"`
	StoreDriver string `toml:"store_driver"`
	LogLevel    string `toml:"log_level"`
	Chat        struct {
		BaseURL              string `toml:"base_url"`
		ReconnectBaseDelay   string `toml:"reconnect_base_delay"`
		ReconnectMaxAttempts int    `toml:"reconnect_max_attempts"`
		ConnectThrottle      string `toml:"connect_throttle"`
		DialTimeout          string `toml:"dial_timeout"`
		ThinkingMinDelay     string `toml:"thinking_min_delay"`
		ThinkingMaxDelay     string `toml:"thinking_max_delay"`
	} `toml:"chat"`
	API struct {
		BaseURL string `toml:"base_url"`
		Timeout string `toml:"timeout"`
	} `toml:"api"`
	SSE struct {
		KeepaliveInterval string `toml:"keepalive_interval"`
		RetryDelay        string `toml:"retry_delay"`
	} `toml:"sse"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:        "8080",
		DBPath:      "./data/assistant.db",
		StoreDriver: StoreDriverSQLite,
		LogLevel:    "info",
		Chat: ChatConfig{
			BaseURL:              "ws://localhost:8000/ws",
			ReconnectBaseDelay:   2 * time.Second,
			ReconnectMaxAttempts: 5,
			ConnectThrottle:      2 * time.Second,
			DialTimeout:          10 * time.Second,
			ThinkingMinDelay:     500 * time.Millisecond,
			ThinkingMaxDelay:     1500 * time.Millisecond,
		},
		API: APIConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 15 * time.Second,
		},
		SSE: SSEConfig{
			KeepaliveInterval: 10 * time.Second,
			RetryDelay:        5 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, the optional TOML file named
// by CONFIG_FILE, and environment variables, in increasing precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	var f fileConfig
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return err
	}

	setString(&c.Port, f.Port)
	setString(&c.FrontendURL, f.FrontendURL)
	setString(&c.DBPath, f.DBPath)
	setString(&c.StoreDriver, f.StoreDriver)
	setString(&c.LogLevel, f.LogLevel)
	setString(&c.Chat.BaseURL, f.Chat.BaseURL)
	setString(&c.API.BaseURL, f.API.BaseURL)
	if f.Chat.ReconnectMaxAttempts != 0 {
		c.Chat.ReconnectMaxAttempts = f.Chat.ReconnectMaxAttempts
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"chat.reconnect_base_delay", f.Chat.ReconnectBaseDelay, &c.Chat.ReconnectBaseDelay},
		{"chat.connect_throttle", f.Chat.ConnectThrottle, &c.Chat.ConnectThrottle},
		{"chat.dial_timeout", f.Chat.DialTimeout, &c.Chat.DialTimeout},
		{"chat.thinking_min_delay", f.Chat.ThinkingMinDelay, &c.Chat.ThinkingMinDelay},
		{"chat.thinking_max_delay", f.Chat.ThinkingMaxDelay, &c.Chat.ThinkingMaxDelay},
		{"api.timeout", f.API.Timeout, &c.API.Timeout},
		{"sse.keepalive_interval", f.SSE.KeepaliveInterval, &c.SSE.KeepaliveInterval},
		{"sse.retry_delay", f.SSE.RetryDelay, &c.SSE.RetryDelay},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.StoreDriver = strings.ToLower(getEnv("STORE_DRIVER", c.StoreDriver))
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.Chat.BaseURL = getEnv("CHAT_BASE_URL", c.Chat.BaseURL)
	c.Chat.ReconnectBaseDelay = getEnvDuration("CHAT_RECONNECT_BASE_DELAY", c.Chat.ReconnectBaseDelay)
	c.Chat.ReconnectMaxAttempts = getEnvInt("CHAT_RECONNECT_MAX_ATTEMPTS", c.Chat.ReconnectMaxAttempts)
	c.Chat.ConnectThrottle = getEnvDuration("CHAT_CONNECT_THROTTLE", c.Chat.ConnectThrottle)
	c.Chat.DialTimeout = getEnvDuration("CHAT_DIAL_TIMEOUT", c.Chat.DialTimeout)
	c.Chat.ThinkingMinDelay = getEnvDuration("THINKING_MIN_DELAY", c.Chat.ThinkingMinDelay)
	c.Chat.ThinkingMaxDelay = getEnvDuration("THINKING_MAX_DELAY", c.Chat.ThinkingMaxDelay)

	c.API.BaseURL = getEnv("API_BASE_URL", c.API.BaseURL)
	c.API.Timeout = getEnvDuration("API_TIMEOUT", c.API.Timeout)

	c.SSE.KeepaliveInterval = getEnvDuration("SSE_KEEPALIVE_INTERVAL", c.SSE.KeepaliveInterval)
	c.SSE.RetryDelay = getEnvDuration("SSE_RETRY_DELAY", c.SSE.RetryDelay)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.StoreDriver {
	case StoreDriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverSQLite, StoreDriverMemory, c.StoreDriver)
	}
	if err := validateURL("CHAT_BASE_URL", c.Chat.BaseURL, "ws", "wss"); err != nil {
		return err
	}
	if err := validateURL("API_BASE_URL", c.API.BaseURL, "http", "https"); err != nil {
		return err
	}
	if c.Chat.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_BASE_DELAY must be > 0")
	}
	if c.Chat.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_MAX_ATTEMPTS must be > 0")
	}
	if c.Chat.ConnectThrottle < 0 {
		return fmt.Errorf("CHAT_CONNECT_THROTTLE cannot be negative")
	}
	if c.Chat.ThinkingMinDelay < 0 || c.Chat.ThinkingMaxDelay < c.Chat.ThinkingMinDelay {
		return fmt.Errorf("THINKING_MIN_DELAY must be >= 0 and <= THINKING_MAX_DELAY")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func validateURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", key, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v, got %q", key, schemes, u.Scheme)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
