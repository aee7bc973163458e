// Package config loads proxyweg configuration from JSON files and
// PROXYWEG_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/codefionn/proxyweg/proxyweg-lib/logger"
)

// EventsConfig selects the observability recorder backend.
type EventsConfig struct {
	Enabled     bool   `json:"enabled"`
	Backend     string `json:"backend"` // sqlite, postgres, memory or dummy
	SQLitePath  string `json:"sqlite-path"`
	PostgresDSN string `json:"postgres-dsn"`
}

// Config represents the main configuration structure for the agent.
type Config struct {
	// Proxy is the endpoint URI: http(s)://, socks4(a)://, socks5(h)://
	// or pac+{http,https,file,ftp,data}://. Empty means direct.
	Proxy string `json:"proxy"`

	// TimeoutSeconds bounds each connect attempt. Zero disables the
	// timeout.
	TimeoutSeconds int `json:"timeout-seconds"`

	// KeepAlive controls the default Proxy-Connection header on
	// CONNECT requests.
	KeepAlive bool `json:"keep-alive"`

	// FallbackDirect appends DIRECT to PAC chains lacking one.
	FallbackDirect bool `json:"fallback-direct"`

	// ALPN protocols offered on TLS proxy legs.
	ALPN []string `json:"alpn"`

	// Headers are extra static headers sent with CONNECT requests.
	Headers map[string]string `json:"headers"`

	// Bypass lists hosts and domains that always connect directly.
	Bypass []string `json:"bypass"`

	Events EventsConfig `json:"events"`
}

// LoadConfig loads configuration from the specified file path. Defaults
// are applied first, then environment variables, then the file.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		TimeoutSeconds: 30,
		KeepAlive:      true,
		FallbackDirect: false,
	}

	loadConfigFromEnv(cfg)

	if configPath != "" {
		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			if err := loadJSONConfig(configPath, cfg); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadConfigFromEnv applies PROXYWEG_* environment overrides.
func loadConfigFromEnv(cfg *Config) {
	if v := os.Getenv("PROXYWEG_PROXY"); v != "" {
		cfg.Proxy = v
	}
	if v := os.Getenv("PROXYWEG_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimeoutSeconds = n
		} else {
			logger.Warn("Ignoring invalid PROXYWEG_TIMEOUT_SECONDS: %s", v)
		}
	}
	if v := os.Getenv("PROXYWEG_KEEP_ALIVE"); v != "" {
		cfg.KeepAlive = parseBool(v, cfg.KeepAlive)
	}
	if v := os.Getenv("PROXYWEG_FALLBACK_DIRECT"); v != "" {
		cfg.FallbackDirect = parseBool(v, cfg.FallbackDirect)
	}
	if v := os.Getenv("PROXYWEG_BYPASS"); v != "" {
		cfg.Bypass = splitList(v)
	}
	if v := os.Getenv("PROXYWEG_ALPN"); v != "" {
		cfg.ALPN = splitList(v)
	}
	if v := os.Getenv("PROXYWEG_EVENTS_BACKEND"); v != "" {
		cfg.Events.Enabled = true
		cfg.Events.Backend = v
	}
	if v := os.Getenv("PROXYWEG_EVENTS_SQLITE_PATH"); v != "" {
		cfg.Events.SQLitePath = v
	}
	if v := os.Getenv("PROXYWEG_EVENTS_POSTGRES_DSN"); v != "" {
		cfg.Events.PostgresDSN = v
	}
}

func parseBool(v string, fallback bool) bool {
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn("Ignoring invalid boolean value: %s", v)
		return fallback
	}
	return parsed
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// validate rejects configurations that cannot work.
func (c *Config) validate() error {
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout-seconds must not be negative, got %d", c.TimeoutSeconds)
	}
	if c.Events.Enabled {
		switch c.Events.Backend {
		case "", "sqlite", "postgres", "memory", "dummy":
		default:
			return fmt.Errorf("unsupported events backend: %s", c.Events.Backend)
		}
		if c.Events.Backend == "postgres" && c.Events.PostgresDSN == "" {
			return fmt.Errorf("postgres-dsn is required for the postgres events backend")
		}
	}
	return nil
}
