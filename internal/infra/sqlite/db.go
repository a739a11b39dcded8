// Package sqlite provides SQLite-based persistent storage for trialflow.
// Uses WAL mode for concurrent reads and crash-safe writes.
//
// Every write goes through WithTx. Transactions start IMMEDIATE, so a
// writer holds the database write lock from BEGIN to COMMIT; LockNetwork
// additionally bumps the network's lock_version so the row a transaction
// allocates against is named explicitly and any concurrent writer against
// the same network waits or retries.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	driver "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/trialflow/trialflow/internal/domain"
	"github.com/trialflow/trialflow/internal/infra/metrics"
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db    *sql.DB
	retry RetryConfig
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	return OpenWithRetry(dir, DefaultRetryConfig())
}

// OpenWithRetry is Open with an explicit lock-contention retry policy.
func OpenWithRetry(dir string, retry RetryConfig) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db, retry: retry}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS participants (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_id          TEXT NOT NULL UNIQUE,
			elt_id             INTEGER NOT NULL DEFAULT -1,
			page_uuid          TEXT NOT NULL DEFAULT '',
			complete           BOOLEAN NOT NULL DEFAULT 0,
			failed             BOOLEAN NOT NULL DEFAULT 0,
			failed_reason      TEXT NOT NULL DEFAULT '',
			performance_reward REAL NOT NULL DEFAULT 0,
			base_payment       REAL NOT NULL DEFAULT 0,
			last_response_id   INTEGER NOT NULL DEFAULT 0,
			state              TEXT NOT NULL DEFAULT '{}',
			created_at         INTEGER NOT NULL,
			updated_at         INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS networks (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			trial_maker_id       TEXT NOT NULL,
			participant_group    TEXT NOT NULL DEFAULT '',
			block                TEXT NOT NULL DEFAULT '',
			target_num_trials    INTEGER,
			target_num_nodes     INTEGER NOT NULL DEFAULT 0,
			full                 BOOLEAN NOT NULL DEFAULT 0,
			failed               BOOLEAN NOT NULL DEFAULT 0,
			failed_reason        TEXT NOT NULL DEFAULT '',
			chain_type           TEXT NOT NULL DEFAULT '',
			participant_id       INTEGER,
			awaiting_async       BOOLEAN NOT NULL DEFAULT 0,
			num_completed_trials INTEGER NOT NULL DEFAULT 0,
			lock_version         INTEGER NOT NULL DEFAULT 0,
			created_at           INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_networks_maker ON networks(trial_maker_id, participant_group, block)`,

		`CREATE TABLE IF NOT EXISTS nodes (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			network_id           INTEGER NOT NULL REFERENCES networks(id),
			trial_maker_id       TEXT NOT NULL,
			participant_group    TEXT NOT NULL DEFAULT '',
			block                TEXT NOT NULL DEFAULT '',
			key                  TEXT NOT NULL DEFAULT '',
			definition           TEXT NOT NULL DEFAULT '{}',
			seed                 TEXT NOT NULL DEFAULT '{}',
			degree               INTEGER NOT NULL DEFAULT 0,
			parent_id            INTEGER,
			target_num_trials    INTEGER,
			num_completed_trials INTEGER NOT NULL DEFAULT 0,
			failed               BOOLEAN NOT NULL DEFAULT 0,
			failed_reason        TEXT NOT NULL DEFAULT '',
			awaiting_async       BOOLEAN NOT NULL DEFAULT 0,
			earliest_async_start INTEGER,
			created_at           INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_network ON nodes(network_id, degree)`,

		`CREATE TABLE IF NOT EXISTS trials (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			participant_id       INTEGER NOT NULL REFERENCES participants(id),
			node_id              INTEGER NOT NULL REFERENCES nodes(id),
			network_id           INTEGER NOT NULL REFERENCES networks(id),
			trial_maker_id       TEXT NOT NULL,
			block                TEXT NOT NULL DEFAULT '',
			definition           TEXT NOT NULL DEFAULT '{}',
			answer               TEXT,
			complete             BOOLEAN NOT NULL DEFAULT 0,
			finalized            BOOLEAN NOT NULL DEFAULT 0,
			failed               BOOLEAN NOT NULL DEFAULT 0,
			failed_reason        TEXT NOT NULL DEFAULT '',
			awaiting_async       BOOLEAN NOT NULL DEFAULT 0,
			earliest_async_start INTEGER,
			is_repeat_trial      BOOLEAN NOT NULL DEFAULT 0,
			repeat_of            INTEGER,
			score                REAL,
			performance_reward   REAL NOT NULL DEFAULT 0,
			analysis             TEXT NOT NULL DEFAULT '{}',
			response_id          INTEGER,
			created_at           INTEGER NOT NULL,
			completed_at         INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trials_node ON trials(node_id, complete, failed)`,
		`CREATE INDEX IF NOT EXISTS idx_trials_network ON trials(network_id, failed, is_repeat_trial)`,
		`CREATE INDEX IF NOT EXISTS idx_trials_participant ON trials(participant_id, trial_maker_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trials_open ON trials(trial_maker_id, complete, failed, created_at)`,

		`CREATE TABLE IF NOT EXISTS async_processes (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			key           TEXT NOT NULL UNIQUE,
			label         TEXT NOT NULL,
			owner_kind    TEXT NOT NULL,
			owner_id      INTEGER NOT NULL,
			network_id    INTEGER NOT NULL DEFAULT 0,
			pending       BOOLEAN NOT NULL DEFAULT 1,
			finished      BOOLEAN NOT NULL DEFAULT 0,
			failed        BOOLEAN NOT NULL DEFAULT 0,
			failed_reason TEXT NOT NULL DEFAULT '',
			result        TEXT NOT NULL DEFAULT '{}',
			started_at    INTEGER NOT NULL,
			finished_at   INTEGER,
			timeout_ms    INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processes_owner ON async_processes(owner_kind, owner_id, pending)`,

		`CREATE TABLE IF NOT EXISTS responses (
			id                    INTEGER PRIMARY KEY AUTOINCREMENT,
			participant_id        INTEGER NOT NULL REFERENCES participants(id),
			page_uuid             TEXT NOT NULL,
			label                 TEXT NOT NULL,
			page_type             TEXT NOT NULL,
			answer                TEXT,
			metadata              TEXT NOT NULL DEFAULT '{}',
			successful_validation BOOLEAN NOT NULL,
			created_at            INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_responses_participant ON responses(participant_id)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Transactions ───────────────────────────────────────────────────────────

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx carries the repository methods. Inside WithTx it is a real
// transaction; inside View it reads straight from the pool.
//
// Never call back into the DB while holding a Tx: the pool has a single
// connection and the call would wait for it forever.
type Tx struct {
	q querier
}

// WithTx runs fn in a write transaction, retrying the whole transaction
// with exponential backoff when SQLite reports the database busy. fn may
// therefore run more than once and must not leak state between attempts.
func (d *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return d.withRetry(ctx, func() error {
		sqlTx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		if err := fn(&Tx{q: sqlTx}); err != nil {
			_ = sqlTx.Rollback()
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// View runs fn against the pool without a transaction.
func (d *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	return fn(&Tx{q: d.db})
}

// LockNetwork claims the network row for the rest of the transaction.
func (t *Tx) LockNetwork(ctx context.Context, id int64) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE networks SET lock_version = lock_version + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("lock network %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lock network %d: %w", id, domain.ErrNetworkNotFound)
	}
	return nil
}

// ─── Retry ──────────────────────────────────────────────────────────────────

// RetryConfig controls retries of transactions that hit lock contention.
type RetryConfig struct {
	MaxRetries int           // Attempts after the first before giving up
	BaseDelay  time.Duration // Initial backoff delay (doubles each retry)
	MaxDelay   time.Duration // Cap on backoff delay
}

// DefaultRetryConfig returns production retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 8,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   1 * time.Second,
	}
}

// BackoffDelay returns the delay before retry attempt n (0-based).
func (c RetryConfig) BackoffDelay(attempt int) time.Duration {
	delay := c.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > c.MaxDelay {
			return c.MaxDelay
		}
	}
	return delay
}

func (d *DB) withRetry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if attempt >= d.retry.MaxRetries {
			return fmt.Errorf("%w: %v", domain.ErrLockContention, err)
		}
		metrics.AllocationRetries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.retry.BackoffDelay(attempt)):
		}
	}
}

// isBusy reports whether err is SQLite lock contention.
func isBusy(err error) bool {
	var se *driver.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return strings.Contains(err.Error(), "database is locked")
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func unixMilli(t time.Time) int64 { return t.UnixMilli() }

func fromMilli(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullableMilli(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMilli(n.Int64)
	return &t
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullID(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func idPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func nullRaw(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func encodeJSON(v any) (string, error) {
	b, err := gojson.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(s string) (map[string]any, error) {
	if s == "" || s == "null" {
		return map[string]any{}, nil
	}
	m := map[string]any{}
	if err := gojson.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
