// Package database provides the durable store connection and schema.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Schema for the leaderboard store: the current-view mirror and the
// append-only history. The UNIQUE(entity_id, updated_at) constraint makes
// history writes idempotent, which the stream's at-least-once delivery
// relies on.
const schema = `
CREATE TABLE IF NOT EXISTS leaderboard (
    entity_id       TEXT PRIMARY KEY,
    score           TEXT NOT NULL,
    ordering_key    REAL NOT NULL,
    ranking         INTEGER NOT NULL,
    rate_of_return  TEXT NOT NULL,
    risk_metric_a   TEXT NOT NULL,
    risk_metric_b   TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS leaderboard_history (
    history_id      TEXT PRIMARY KEY,
    entity_id       TEXT NOT NULL,
    score           TEXT NOT NULL,
    ranking         INTEGER NOT NULL,
    rate_of_return  TEXT NOT NULL,
    risk_metric_a   TEXT NOT NULL,
    risk_metric_b   TEXT NOT NULL,
    updated_at      TEXT NOT NULL,
    UNIQUE(entity_id, updated_at)
);

CREATE INDEX IF NOT EXISTS idx_history_entity ON leaderboard_history(entity_id);
CREATE INDEX IF NOT EXISTS idx_leaderboard_ordering ON leaderboard(ordering_key DESC);
`

// DB wraps the store connection with production-grade configuration.
type DB struct {
	conn *sql.DB
	path string
}

// Config holds store configuration.
type Config struct {
	Path string
}

// New opens the durable store, applies PRAGMAs and the schema, and verifies
// the connection.
func New(cfg Config) (*DB, error) {
	// file: URIs (in-memory databases in tests) skip filesystem preparation.
	if !strings.HasPrefix(cfg.Path, "file:") {
		absPath, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve store path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		cfg.Path = absPath
	}

	conn, err := sql.Open("sqlite", connectionString(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// The store I/O bulkhead is the real concurrency bound; the pool just
	// needs enough headroom for queries alongside the stream consumer.
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	db := &DB{conn: conn, path: cfg.Path}
	if err := db.migrate(); err != nil {
		return nil, err
	}
	return db, nil
}

// connectionString builds the SQLite connection string. WAL journaling with
// NORMAL sync balances durability against write throughput; the history
// table is append-only so incremental vacuum is enough.
func connectionString(path string) string {
	return path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=auto_vacuum(INCREMENTAL)" +
		"&_pragma=temp_store(MEMORY)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=wal_autocheckpoint(1000)" +
		"&_pragma=cache_size(-64000)"
}

// migrate applies the embedded schema inside a transaction.
func (db *DB) migrate() error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	if _, err := tx.Exec(schema); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}

// Close closes the store connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the store file path.
func (db *DB) Path() string {
	return db.path
}

// QuickCheck pings the store. Used by the store heartbeat.
func (db *DB) QuickCheck(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// HealthCheck pings the store and runs an integrity check.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("store ping failed: %w", err)
	}

	var result string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// WALCheckpoint forces a WAL checkpoint. TRUNCATE resets the WAL file to
// its minimal size and is the right mode for maintenance windows.
func (db *DB) WALCheckpoint(mode string) error {
	if mode == "" {
		mode = "TRUNCATE"
	}
	if _, err := db.conn.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)); err != nil {
		return fmt.Errorf("WAL checkpoint failed: %w", err)
	}
	return nil
}

// WithTransaction executes fn within a transaction, handling commit,
// rollback and panic recovery.
func WithTransaction(db *sql.DB, fn func(*sql.Tx) error) (err error) {
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				err = fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rollbackErr)
			}
		} else {
			if commitErr := tx.Commit(); commitErr != nil {
				err = fmt.Errorf("failed to commit transaction: %w", commitErr)
			}
		}
	}()

	err = fn(tx)
	return err
}
