package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DatabaseFile is the fixed name of the local database inside a data dir.
const DatabaseFile = "offline.db"

// schemaVersion is the only version ever created; there is no upgrade path.
const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS actions (
	id          TEXT PRIMARY KEY,
	timestamp   INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	data        BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_timestamp ON actions(timestamp);
CREATE INDEX IF NOT EXISTS idx_actions_retry_count ON actions(retry_count);

CREATE TABLE IF NOT EXISTS cache (
	cache_key TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	expires   INTEGER NOT NULL,
	data      BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_timestamp ON cache(timestamp);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache(expires);

CREATE TABLE IF NOT EXISTS preferences (
	user_id TEXT PRIMARY KEY,
	data    BLOB NOT NULL
);`

// sqliteTable maps a collection onto its table. Every select yields the
// same five columns so rows scan straight into a Record.
type sqliteTable struct {
	name    string
	key     string
	columns string
	order   string
	upsert  string
	args    func(*Record) []any
}

var sqliteTables = map[Collection]sqliteTable{
	CollectionActions: {
		name:    "actions",
		key:     "id",
		columns: "id, data, timestamp, 0, retry_count",
		order:   "timestamp, rowid",
		upsert: `INSERT INTO actions (id, timestamp, retry_count, data) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET timestamp = excluded.timestamp,
				retry_count = excluded.retry_count, data = excluded.data`,
		args: func(r *Record) []any { return []any{r.Key, r.Timestamp, r.RetryCount, blob(r.Data)} },
	},
	CollectionCache: {
		name:    "cache",
		key:     "cache_key",
		columns: "cache_key, data, timestamp, expires, 0",
		order:   "expires, rowid",
		upsert: `INSERT INTO cache (cache_key, timestamp, expires, data) VALUES (?, ?, ?, ?)
			ON CONFLICT(cache_key) DO UPDATE SET timestamp = excluded.timestamp,
				expires = excluded.expires, data = excluded.data`,
		args: func(r *Record) []any { return []any{r.Key, r.Timestamp, r.Expires, blob(r.Data)} },
	},
	CollectionPreferences: {
		name:    "preferences",
		key:     "user_id",
		columns: "user_id, data, 0, 0, 0",
		order:   "user_id",
		upsert: `INSERT INTO preferences (user_id, data) VALUES (?, ?)
			ON CONFLICT(user_id) DO UPDATE SET data = excluded.data`,
		args: func(r *Record) []any { return []any{r.Key, blob(r.Data)} },
	},
}

// SQLiteDriver persists the three collections in a local SQLite database
// using modernc.org/sqlite (pure Go, no CGO).
type SQLiteDriver struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteDriver returns a driver for the database file at path. An empty
// path means the host has nowhere to persist, and Open reports
// ErrStorageUnavailable.
func NewSQLiteDriver(path string) *SQLiteDriver {
	return &SQLiteDriver{path: path}
}

// NewSQLiteDriverInDir returns a driver for DatabaseFile inside dataDir.
func NewSQLiteDriverInDir(dataDir string) *SQLiteDriver {
	if dataDir == "" {
		return NewSQLiteDriver("")
	}
	return NewSQLiteDriver(filepath.Join(dataDir, DatabaseFile))
}

// Open opens the database and creates the schema if it does not exist yet.
// Calling Open again on an open driver does nothing.
func (d *SQLiteDriver) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		return nil
	}
	if d.path == "" {
		return ErrStorageUnavailable
	}
	if d.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(d.path), 0o700); err != nil {
			return fmt.Errorf("%w: create data directory: %v", ErrStorageUnavailable, err)
		}
	}

	db, err := sql.Open("sqlite", d.path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return err
	}

	d.db = db
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("unsupported schema version %d", version)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if version == 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	}
	return tx.Commit()
}

func (d *SQLiteDriver) conn(c Collection) (*sql.DB, sqliteTable, error) {
	d.mu.Lock()
	db := d.db
	d.mu.Unlock()
	if db == nil {
		return nil, sqliteTable{}, fmt.Errorf("sqlite driver not open")
	}
	t, ok := sqliteTables[c]
	if !ok && c != "" {
		return nil, sqliteTable{}, fmt.Errorf("unknown collection %q", c)
	}
	return db, t, nil
}

// blob keeps nil payloads out of the NOT NULL data columns.
func blob(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	if err := row.Scan(&rec.Key, &rec.Data, &rec.Timestamp, &rec.Expires, &rec.RetryCount); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (d *SQLiteDriver) Get(ctx context.Context, c Collection, key string) (*Record, error) {
	db, t, err := d.conn(c)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", t.columns, t.name, t.key)
	rec, err := scanRecord(db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", t.name, err)
	}
	return rec, nil
}

func (d *SQLiteDriver) Put(ctx context.Context, c Collection, rec *Record) error {
	db, t, err := d.conn(c)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, t.upsert, t.args(rec)...); err != nil {
		return fmt.Errorf("failed to write %s: %w", t.name, err)
	}
	return nil
}

func (d *SQLiteDriver) Delete(ctx context.Context, c Collection, key string) error {
	db, t, err := d.conn(c)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", t.name, t.key)
	if _, err := db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", t.name, err)
	}
	return nil
}

func (d *SQLiteDriver) GetAll(ctx context.Context, c Collection) ([]*Record, error) {
	db, t, err := d.conn(c)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", t.columns, t.name, t.order)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", t.name, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (d *SQLiteDriver) Clear(ctx context.Context, c Collection) error {
	db, t, err := d.conn(c)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM "+t.name); err != nil {
		return fmt.Errorf("failed to clear %s: %w", t.name, err)
	}
	return nil
}

// Usage reports the bytes held by live rows, counted the same way as the
// memory driver (key plus payload). Pages freed by deletes sit on SQLite's
// freelist and are not counted. Available is left for the Store's quota to
// fill in.
func (d *SQLiteDriver) Usage(ctx context.Context) (StorageUsage, error) {
	db, _, err := d.conn("")
	if err != nil {
		return StorageUsage{}, err
	}
	var used int64
	for _, t := range sqliteTables {
		var n int64
		q := "SELECT COALESCE(SUM(length(CAST(" + t.key + " AS BLOB)) + length(data)), 0) FROM " + t.name
		if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return StorageUsage{}, fmt.Errorf("failed to measure %s: %w", t.name, err)
		}
		used += n
	}
	return StorageUsage{Used: used}, nil
}

func (d *SQLiteDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}
