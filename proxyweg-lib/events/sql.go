package events

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/codefionn/proxyweg/proxyweg-lib/logger"
)

// SQLRecorder persists events into a relational database. Both the
// sqlite3 and postgres drivers are supported; the schema is created on
// first use.
type SQLRecorder struct {
	db     *sql.DB
	driver string
}

const sqlEventsSchema = `
CREATE TABLE IF NOT EXISTS proxy_events (
	id %s,
	kind TEXT NOT NULL,
	directive TEXT NOT NULL,
	target TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_proxy_events_kind ON proxy_events (kind);
CREATE INDEX IF NOT EXISTS idx_proxy_events_occurred_at ON proxy_events (occurred_at);
`

// NewSQLiteRecorder creates a SQLite-backed event recorder
func NewSQLiteRecorder(dbPath string) (*SQLRecorder, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	r := &SQLRecorder{db: db, driver: "sqlite3"}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized sqlite event recorder at %s", dbPath)
	return r, nil
}

// NewPostgresRecorder creates a PostgreSQL-backed event recorder
func NewPostgresRecorder(dsn string) (*SQLRecorder, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	r := &SQLRecorder{db: db, driver: "postgres"}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized postgres event recorder")
	return r, nil
}

// initSchema creates the events table if it does not exist
func (r *SQLRecorder) initSchema() error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if r.driver == "postgres" {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}

	for _, stmt := range strings.Split(fmt.Sprintf(sqlEventsSchema, idColumn), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// rebind converts ?-style placeholders to the driver's dialect
func (r *SQLRecorder) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (r *SQLRecorder) insert(ctx context.Context, kind, directive, target, detail string) error {
	_, err := r.db.ExecContext(ctx,
		r.rebind(`INSERT INTO proxy_events (kind, directive, target, detail, occurred_at)
		 VALUES (?, ?, ?, ?, ?)`),
		kind, directive, target, detail, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", kind, err)
	}
	return nil
}

func (r *SQLRecorder) TunnelEstablished(ctx context.Context, proxyAddr, target string, statusCode int) error {
	return r.insert(ctx, KindTunnelEstablished, proxyAddr, target, fmt.Sprintf("%d", statusCode))
}

func (r *SQLRecorder) ProxySelected(ctx context.Context, directive, target string) error {
	return r.insert(ctx, KindProxySelected, directive, target, "")
}

func (r *SQLRecorder) ProxyFailed(ctx context.Context, directive, target string, failure error) error {
	detail := ""
	if failure != nil {
		detail = failure.Error()
	}
	return r.insert(ctx, KindProxyFailed, directive, target, detail)
}

func (r *SQLRecorder) ResolverReloaded(ctx context.Context, source, contentHash string) error {
	return r.insert(ctx, KindResolverReloaded, source, "", contentHash)
}

// CountByKind returns the number of stored events of the given kind.
func (r *SQLRecorder) CountByKind(ctx context.Context, kind string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT COUNT(*) FROM proxy_events WHERE kind = ?`), kind).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func (r *SQLRecorder) Close() error {
	return r.db.Close()
}
