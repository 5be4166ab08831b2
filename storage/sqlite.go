package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const createKVSQL = `
CREATE TABLE IF NOT EXISTS kv (
	area  TEXT NOT NULL,
	key   TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (area, key)
);
`

// SQLite is a database holding every storage area in one kv table.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(createKVSQL); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Area returns the backend for one storage area.
func (s *SQLite) Area(name string) *SQLiteArea {
	return &SQLiteArea{db: s.db, area: name}
}

// SQLiteArea is one storage area inside a SQLite database.
type SQLiteArea struct {
	db   *sql.DB
	area string
}

// Get implements Backend.
func (a *SQLiteArea) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(keys)+1)
	args = append(args, a.area)
	for _, k := range keys {
		args = append(args, k)
	}
	q := "SELECT key, value FROM kv WHERE area = ? AND key IN (?" + strings.Repeat(",?", len(keys)-1) + ")"

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", a.area, err)
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Set implements Backend. All values are written in one transaction.
func (a *SQLiteArea) Set(ctx context.Context, values map[string][]byte) error {
	return a.inTx(ctx, func(tx *sql.Tx) error {
		for k, v := range values {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO kv (area, key, value) VALUES (?, ?, ?)
				 ON CONFLICT(area, key) DO UPDATE SET value = excluded.value`,
				a.area, k, v)
			if err != nil {
				return fmt.Errorf("upsert %s/%s: %w", a.area, k, err)
			}
		}
		return nil
	})
}

// Remove implements Backend.
func (a *SQLiteArea) Remove(ctx context.Context, keys ...string) error {
	return a.inTx(ctx, func(tx *sql.Tx) error {
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx, "DELETE FROM kv WHERE area = ? AND key = ?", a.area, k); err != nil {
				return fmt.Errorf("delete %s/%s: %w", a.area, k, err)
			}
		}
		return nil
	})
}

func (a *SQLiteArea) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck // fn error takes precedence
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
