package events

import "fmt"

// Config selects and configures an event recorder backend.
type Config struct {
	Enabled     bool
	Backend     string // "sqlite", "postgres", "memory" or "dummy"
	SQLitePath  string
	PostgresDSN string
}

// NewRecorder creates an event recorder based on the provided
// configuration. A disabled config yields a dummy recorder.
func NewRecorder(cfg Config) (Recorder, error) {
	if !cfg.Enabled {
		return NewDummyRecorder(), nil
	}

	switch cfg.Backend {
	case "sqlite", "":
		path := cfg.SQLitePath
		if path == "" {
			path = "proxyweg_events.db"
		}
		return NewSQLiteRecorder(path)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for postgres backend")
		}
		return NewPostgresRecorder(cfg.PostgresDSN)
	case "memory":
		return NewMemoryRecorder(), nil
	case "dummy":
		return NewDummyRecorder(), nil
	default:
		return nil, fmt.Errorf("unsupported events backend: %s", cfg.Backend)
	}
}
