// Package config handles configuration loading and management for Parley.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is absent from the config file.
const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 8080
	DefaultQuestionTimeout = 300 * time.Second
	DefaultArchiveAfter    = 24 * time.Hour
	DefaultSweepInterval   = 10 * time.Minute
)

// Duration wraps time.Duration with YAML unmarshaling from strings
// like "24h" or "300s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the listen address (default: 127.0.0.1).
	Host string `yaml:"host"`
	// Port is the listen port (default: 8080).
	Port int `yaml:"port"`
	// MaxConnectionsPerIP limits concurrent WebSocket connections per
	// client IP. Zero means the default of 8.
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`
}

// AgentConfig holds settings for the agent subprocess.
type AgentConfig struct {
	// Command is the shell command that starts the agent process.
	Command string `yaml:"command"`
	// Name is a human-readable agent name reported by get_server_info.
	Name string `yaml:"name"`
}

// SessionsConfig holds session storage settings.
type SessionsConfig struct {
	// Dir is the base directory for session storage. Empty selects
	// the per-user default under the OS data directory.
	Dir string `yaml:"dir"`
	// ArchiveAfter is the inactivity threshold after which named
	// sessions are archived (default: 24h).
	ArchiveAfter Duration `yaml:"archive_after"`
	// SweepInterval is how often the archive sweeper runs (default: 10m).
	SweepInterval Duration `yaml:"sweep_interval"`
}

// QuestionsConfig holds settings for user-facing questions.
type QuestionsConfig struct {
	// Timeout is how long a question waits for an answer before it is
	// reported to the agent as unanswered (default: 300s).
	Timeout Duration `yaml:"timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	JSON       bool   `yaml:"json"`
}

// Config represents the complete Parley configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Agent     AgentConfig     `yaml:"agent"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Questions QuestionsConfig `yaml:"questions"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Sessions: SessionsConfig{
			ArchiveAfter:  Duration(DefaultArchiveAfter),
			SweepInterval: Duration(DefaultSweepInterval),
		},
		Questions: QuestionsConfig{
			Timeout: Duration(DefaultQuestionTimeout),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultConfigPath returns the configuration file path.
// The PARLEYRC environment variable overrides the default location.
func DefaultConfigPath() string {
	if envPath := os.Getenv("PARLEYRC"); envPath != "" {
		return envPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".parleyrc"
	}
	return filepath.Join(home, ".config", "parley", "parley.yaml")
}

// DefaultSessionsDir returns the default base directory for session storage.
func DefaultSessionsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "parley-sessions"
	}
	return filepath.Join(home, ".local", "share", "parley", "sessions")
}

// Load reads the configuration file at path, applies defaults for absent
// fields and environment overrides (PARLEY_HOST, PARLEY_PORT). A missing
// file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	normalize(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

// normalize re-applies defaults for fields the file set to zero values.
func normalize(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Questions.Timeout <= 0 {
		cfg.Questions.Timeout = Duration(DefaultQuestionTimeout)
	}
	if cfg.Sessions.ArchiveAfter <= 0 {
		cfg.Sessions.ArchiveAfter = Duration(DefaultArchiveAfter)
	}
	if cfg.Sessions.SweepInterval <= 0 {
		cfg.Sessions.SweepInterval = Duration(DefaultSweepInterval)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// applyEnvOverrides applies PARLEY_* environment overrides.
func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("PARLEY_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if portStr := os.Getenv("PARLEY_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if command := os.Getenv("PARLEY_AGENT_COMMAND"); command != "" {
		cfg.Agent.Command = command
	}
}

// Save writes the configuration to the given path, creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
