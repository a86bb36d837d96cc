// Package config loads service configuration. Sources in order of
// precedence: environment variables (COLLAB_ prefix), a YAML config file,
// built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Session  SessionConfig  `mapstructure:"session"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	NodeID          string        `mapstructure:"node_id"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type AuthConfig struct {
	// JWTSecret signs/verifies HMAC bearer tokens. When empty and
	// AllowAnonymous is set, any non-empty token is accepted (dev mode).
	JWTSecret      string `mapstructure:"jwt_secret"`
	AllowAnonymous bool   `mapstructure:"allow_anonymous"`
}

type DatabaseConfig struct {
	// DSN is the Postgres connection string. Empty selects the in-memory
	// store (dev mode; nothing survives a restart).
	DSN string `mapstructure:"dsn"`
}

type EngineConfig struct {
	LogFloor         int           `mapstructure:"log_floor"`
	InboxSize        int           `mapstructure:"inbox_size"`
	AutosaveInterval time.Duration `mapstructure:"autosave_interval"`
	DrainGrace       time.Duration `mapstructure:"drain_grace"`
	WriteQueueSize   int           `mapstructure:"write_queue_size"`
}

type SessionConfig struct {
	OutboundQueueSize int           `mapstructure:"outbound_queue_size"`
	ReconnectGrace    time.Duration `mapstructure:"reconnect_grace"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from the optional file at path plus COLLAB_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Every key needs a default so AutomaticEnv can surface env-only values
	// through Unmarshal.
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.node_id", "")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.allow_anonymous", false)
	v.SetDefault("database.dsn", "")
	v.SetDefault("engine.log_floor", 1024)
	v.SetDefault("engine.inbox_size", 256)
	v.SetDefault("engine.autosave_interval", 30*time.Second)
	v.SetDefault("engine.drain_grace", 30*time.Second)
	v.SetDefault("engine.write_queue_size", 256)
	v.SetDefault("session.outbound_queue_size", 1024)
	v.SetDefault("session.reconnect_grace", 60*time.Second)
	v.SetDefault("session.idle_timeout", 120*time.Second)
	v.SetDefault("session.heartbeat_interval", 30*time.Second)
	v.SetDefault("session.max_message_size", int64(512*1024))
	v.SetDefault("logging.level", "info")

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Auth.JWTSecret == "" && !cfg.Auth.AllowAnonymous {
		return nil, errors.New("auth.jwt_secret is required unless auth.allow_anonymous is set")
	}
	return &cfg, nil
}
