package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the device-local persistent store: one SQLite database holding the
// key, record, replay-queue, ledger and meta partitions.
type DB struct {
	*sql.DB
	path string
}

func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("localdb: create dir: %w", err)
		}
	}
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("localdb: open: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("localdb: %s: %w", pragma, err)
		}
	}
	if _, err := sqlDB.Exec(SchemaSQL); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("localdb: apply schema: %w", err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

func (d *DB) Path() string { return d.path }

// GetFlag reads a value from the meta partition.
func (d *DB) GetFlag(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := d.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetFlag upserts a value in the meta partition.
func (d *DB) SetFlag(ctx context.Context, key, value string) error {
	_, err := d.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
