// Package config provides Viper-based configuration loading for the coop server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	// Host is the bind address for the listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the listener.
	Port int `mapstructure:"port"`
	// Version is the server version string reported in handshake responses.
	Version string `mapstructure:"version"`
	// ShutdownGrace is how long in-flight connections get to drain on shutdown.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GatewayConfig holds per-connection transport settings.
type GatewayConfig struct {
	// WriteTimeout is the per-message write deadline for outbound frames.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxMessageBytes caps the size of a single inbound envelope.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
}

// LivenessConfig holds liveness sweep settings.
type LivenessConfig struct {
	// SweepInterval is the period of the shared probe ticker. A connection
	// that misses two consecutive probes is terminated.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	// MaxPlayersLimit is the ceiling on the maxPlayers a session may request.
	MaxPlayersLimit int `mapstructure:"max_players_limit"`
	// BcryptCost is the cost factor for hashing session passwords.
	BcryptCost int `mapstructure:"bcrypt_cost"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// CatalogConfig holds world catalogue settings.
type CatalogConfig struct {
	// WorldsFile is the path to the worlds YAML catalogue; empty disables it.
	WorldsFile string `mapstructure:"worlds_file"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Liveness LivenessConfig `mapstructure:"liveness"`
	Session  SessionConfig  `mapstructure:"session"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateGateway(c.Gateway); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLiveness(c.Liveness); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateSession(c.Session); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.Version == "" {
		errs = append(errs, "server.version must not be empty")
	}
	if s.ShutdownGrace < 0 {
		errs = append(errs, "server.shutdown_grace must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGateway(g GatewayConfig) error {
	var errs []string
	if g.WriteTimeout <= 0 {
		errs = append(errs, "gateway.write_timeout must be positive")
	}
	if g.MaxMessageBytes < 1 {
		errs = append(errs, fmt.Sprintf("gateway.max_message_bytes must be >= 1, got %d", g.MaxMessageBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLiveness(l LivenessConfig) error {
	if l.SweepInterval <= 0 {
		return fmt.Errorf("liveness.sweep_interval must be positive, got %s", l.SweepInterval)
	}
	return nil
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.MaxPlayersLimit < 1 {
		errs = append(errs, fmt.Sprintf("session.max_players_limit must be >= 1, got %d", s.MaxPlayersLimit))
	}
	if s.BcryptCost < 4 || s.BcryptCost > 31 {
		errs = append(errs, fmt.Sprintf("session.bcrypt_cost must be 4-31, got %d", s.BcryptCost))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with COOP_ prefix
	v.SetEnvPrefix("COOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.version", "coop-server/1.0.0")
	v.SetDefault("server.shutdown_grace", "10s")

	v.SetDefault("gateway.write_timeout", "10s")
	v.SetDefault("gateway.max_message_bytes", 65536)

	v.SetDefault("liveness.sweep_interval", "30s")

	v.SetDefault("session.max_players_limit", 16)
	v.SetDefault("session.bcrypt_cost", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("catalog.worlds_file", "")
}
