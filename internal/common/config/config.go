// Package config provides configuration management for the LabScan admin.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the admin process.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the listener configuration. The WebSocket and UDP
// pairing ports default to the well-known values agents expect.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	ControlPort  int    `mapstructure:"controlPort"`  // HTTP control surface
	WSPort       int    `mapstructure:"wsPort"`       // agent sessions
	UDPPort      int    `mapstructure:"udpPort"`      // pairing broadcast
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the sqlite persistence configuration. An empty path
// disables persistence; the in-memory store remains authoritative either way.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.controlPort", 8085)
	v.SetDefault("server.wsPort", 8148)
	v.SetDefault("server.udpPort", 8870)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Empty path means in-memory only
	v.SetDefault("database.path", "")

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "labscan-admin")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix LABSCAN_ with underscore
// naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("LABSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// camelCase config keys need explicit bindings for SNAKE_CASE env vars
	_ = v.BindEnv("server.controlPort", "LABSCAN_SERVER_CONTROL_PORT")
	_ = v.BindEnv("server.wsPort", "LABSCAN_SERVER_WS_PORT")
	_ = v.BindEnv("server.udpPort", "LABSCAN_SERVER_UDP_PORT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/labscan/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	for name, port := range map[string]int{
		"server.controlPort": cfg.Server.ControlPort,
		"server.wsPort":      cfg.Server.WSPort,
		"server.udpPort":     cfg.Server.UDPPort,
	} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Sprintf("%s must be between 1 and 65535", name))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
