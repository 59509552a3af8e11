// Package config loads server configuration from a TOML file, an optional
// .env file and CHATD_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
	"github.com/ZentaChain/zentalk-chat/pkg/storage"
)

var ErrInvalidConfig = errors.New("invalid config")

// Storage drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Duration is a time.Duration written as "30s" in TOML
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type ServerConfig struct {
	Addr               string   `toml:"addr"`
	MaxPayloadBytes    int      `toml:"max_payload_bytes"`
	CompatibleVersions []uint8  `toml:"compatible_versions"`
	IdleTimeout        Duration `toml:"idle_timeout"`  // 0 disables
	WriteTimeout       Duration `toml:"write_timeout"` // 0 disables
}

type LimitsConfig struct {
	MaxMessageLength int `toml:"max_message_length"`
	MaxNameLength    int `toml:"max_name_length"`
}

type StorageConfig struct {
	Driver        string   `toml:"driver"`
	SQLitePath    string   `toml:"sqlite_path"`
	RedisURL      string   `toml:"redis_url"`
	ReadRetention Duration `toml:"read_retention"` // sqlite only; 0 keeps read messages forever
}

type AdminConfig struct {
	Enabled            bool    `toml:"enabled"`
	Addr               string  `toml:"addr"`
	RateLimitPerSecond float64 `toml:"rate_limit_per_second"`
	RateLimitBurst     int     `toml:"rate_limit_burst"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the complete server configuration
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Limits  LimitsConfig  `toml:"limits"`
	Storage StorageConfig `toml:"storage"`
	Admin   AdminConfig   `toml:"admin"`
	Log     LogConfig     `toml:"log"`
}

// Default returns a configuration that runs a local in-memory server
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:               ":9000",
			MaxPayloadBytes:    protocol.DefaultMaxPayload,
			CompatibleVersions: []uint8{protocol.Version},
			IdleTimeout:        Duration{5 * time.Minute},
			WriteTimeout:       Duration{10 * time.Second},
		},
		Limits: LimitsConfig{
			MaxMessageLength: 4096,
			MaxNameLength:    storage.MaxNameLength,
		},
		Storage: StorageConfig{
			Driver:        DriverMemory,
			SQLitePath:    "chat.db",
			ReadRetention: Duration{30 * 24 * time.Hour},
		},
		Admin: AdminConfig{
			Enabled:            true,
			Addr:               "127.0.0.1:9080",
			RateLimitPerSecond: 20,
			RateLimitBurst:     40,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration. An empty path skips the TOML file.
// The result is not validated; callers apply their own overrides first.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	// .env is optional
	_ = godotenv.Load()

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("CHATD_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CHATD_MAX_PAYLOAD_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: CHATD_MAX_PAYLOAD_BYTES: %v", ErrInvalidConfig, err)
		}
		cfg.Server.MaxPayloadBytes = n
	}
	if v := os.Getenv("CHATD_IDLE_TIMEOUT"); v != "" {
		if err := cfg.Server.IdleTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%w: CHATD_IDLE_TIMEOUT: %v", ErrInvalidConfig, err)
		}
	}
	if v := os.Getenv("CHATD_MAX_MESSAGE_LENGTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: CHATD_MAX_MESSAGE_LENGTH: %v", ErrInvalidConfig, err)
		}
		cfg.Limits.MaxMessageLength = n
	}
	if v := os.Getenv("CHATD_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("CHATD_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("CHATD_REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("CHATD_ADMIN_ADDR"); v != "" {
		cfg.Admin.Addr = v
	}
	if v := os.Getenv("CHATD_ADMIN_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: CHATD_ADMIN_ENABLED: %v", ErrInvalidConfig, err)
		}
		cfg.Admin.Enabled = b
	}
	return nil
}

// Validate checks ranges and required fields
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalidConfig)
	}
	if c.Server.MaxPayloadBytes <= 0 || c.Server.MaxPayloadBytes > protocol.MaxPayloadLimit {
		return fmt.Errorf("%w: server.max_payload_bytes must be in (0, %d]", ErrInvalidConfig, protocol.MaxPayloadLimit)
	}
	if len(c.Server.CompatibleVersions) == 0 {
		return fmt.Errorf("%w: server.compatible_versions must not be empty", ErrInvalidConfig)
	}
	if c.Server.IdleTimeout.Duration < 0 || c.Server.WriteTimeout.Duration < 0 || c.Storage.ReadRetention.Duration < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	if c.Limits.MaxMessageLength <= 0 {
		return fmt.Errorf("%w: limits.max_message_length must be positive", ErrInvalidConfig)
	}
	if c.Limits.MaxNameLength <= 0 || c.Limits.MaxNameLength > storage.MaxNameLength {
		return fmt.Errorf("%w: limits.max_name_length must be in (0, %d]", ErrInvalidConfig, storage.MaxNameLength)
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("%w: storage.sqlite_path is required for sqlite", ErrInvalidConfig)
		}
	case DriverRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("%w: storage.redis_url is required for redis", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, c.Storage.Driver)
	}

	if c.Admin.Enabled {
		if c.Admin.Addr == "" {
			return fmt.Errorf("%w: admin.addr is required when admin is enabled", ErrInvalidConfig)
		}
		if c.Admin.RateLimitPerSecond <= 0 || c.Admin.RateLimitBurst <= 0 {
			return fmt.Errorf("%w: admin rate limit must be positive", ErrInvalidConfig)
		}
	}
	return nil
}
