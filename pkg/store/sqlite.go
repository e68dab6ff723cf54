package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists tables in a single SQLite database.
// Keys are unique per table; the UNIQUE constraint enforces append-only.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv (
		tbl   TEXT NOT NULL,
		key   TEXT NOT NULL,
		value BLOB NOT NULL,
		seq   INTEGER PRIMARY KEY AUTOINCREMENT,
		UNIQUE (tbl, key)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, table, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (tbl, key, value) VALUES (?, ?, ?)`, table, key, value)
	if err != nil {
		// UNIQUE violation means an overwrite attempt on an append-only table.
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("store: put %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, table string, filter Filter) ([][]byte, error) {
	query := `SELECT value FROM kv WHERE tbl = ? AND key LIKE ? ORDER BY key ASC`
	args := []any{table, filter.KeyPrefix + "%"}
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var out [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrTableNotFound
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces constraint failures in the error text;
	// it does not export a typed constraint error.
	return errors.Is(err, ErrDuplicateKey) ||
		strings.Contains(err.Error(), "constraint failed")
}
