// Package config loads mindloop configuration and sets up logging.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// Mind backend
	ServerURL string `yaml:"server_url"`
	AgentID   string `yaml:"agent_id"`

	// Polling
	PollInterval        time.Duration `yaml:"-"`
	CompilePollInterval time.Duration `yaml:"-"`

	// Logging
	LogFile  string     `yaml:"log_file"`
	LogLevel slog.Level `yaml:"-"`

	// Raw yaml spellings of the typed fields above.
	LogLevelName       string `yaml:"log_level"`
	PollIntervalRaw    string `yaml:"poll_interval"`
	CompileIntervalRaw string `yaml:"compile_poll_interval"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ServerURL:           "http://localhost:8686",
		PollInterval:        3 * time.Second,
		CompilePollInterval: 3 * time.Second,
		LogFile:             "/tmp/mindloop.log",
		LogLevel:            slog.LevelInfo,
	}
}

// Load reads configuration in ascending precedence: built-in defaults, the
// config file (~/.mindloop.yaml unless MINDLOOP_CONFIG points elsewhere),
// then MINDLOOP_* environment variables.
func Load() (Config, error) {
	cfg := Defaults()

	path := os.Getenv("MINDLOOP_CONFIG")
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".mindloop.yaml")
		}
	}
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	}
	if cfg.LogLevelName != "" {
		cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
	}
	if cfg.PollIntervalRaw != "" {
		if d, err := time.ParseDuration(cfg.PollIntervalRaw); err == nil {
			cfg.PollInterval = d
		}
	}
	if cfg.CompileIntervalRaw != "" {
		if d, err := time.ParseDuration(cfg.CompileIntervalRaw); err == nil {
			cfg.CompilePollInterval = d
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ServerURL = getEnv("MINDLOOP_SERVER_URL", cfg.ServerURL)
	cfg.AgentID = getEnv("MINDLOOP_AGENT_ID", cfg.AgentID)
	cfg.LogFile = getEnv("MINDLOOP_LOG_FILE", cfg.LogFile)
	if lvl := os.Getenv("MINDLOOP_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = parseLogLevel(lvl)
	}
	if iv := os.Getenv("MINDLOOP_POLL_INTERVAL"); iv != "" {
		if d, err := time.ParseDuration(iv); err == nil {
			cfg.PollInterval = d
		}
	}
	if iv := os.Getenv("MINDLOOP_COMPILE_POLL_INTERVAL"); iv != "" {
		if d, err := time.ParseDuration(iv); err == nil {
			cfg.CompilePollInterval = d
		}
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
