// Package sqlite implements the store driver on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/aviary-ai/aviary/store"
)

type DB struct {
	db *sql.DB
}

// NewDB opens (and if needed initializes) the SQLite database at dsn.
//
// Connection settings:
// - busy_timeout guards against transient lock contention.
// - WAL journal mode prevents reader/writer lock conflicts.
// - A single pooled connection is optimal for SQLite with WAL.
//
// When using the `modernc.org/sqlite` driver, each pragma must be prefixed
// with `_pragma=`.
func NewDB(dsn string) (store.Driver, error) {
	if dsn == "" {
		return nil, errors.New("dsn required")
	}

	sqliteDB, err := sql.Open("sqlite", dsn+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", dsn)
	}
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	driver := &DB{db: sqliteDB}
	if err := driver.migrate(context.Background()); err != nil {
		_ = sqliteDB.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}
	return driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS transcript (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key TEXT NOT NULL,
	role TEXT NOT NULL,
	author TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	trace_id TEXT NOT NULL DEFAULT '',
	created_ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcript_session ON transcript (session_key, created_ts);

CREATE TABLE IF NOT EXISTS llm_call (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 1,
	error_code TEXT NOT NULL DEFAULT '',
	created_ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_llm_call_created ON llm_call (created_ts);
`

func (d *DB) migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, schema)
	return err
}
