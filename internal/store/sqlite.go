package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	bucket  TEXT NOT NULL,
	key     TEXT NOT NULL,
	version INTEGER NOT NULL,
	value   BLOB NOT NULL,
	PRIMARY KEY (bucket, key)
);`

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite store: create dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// single writer connection keeps CAS updates serialised
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, bucket, key string) (Record, error) {
	var r Record
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, version FROM kv WHERE bucket = ? AND key = ?`, bucket, key,
	).Scan(&r.Key, &r.Value, &r.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, notFound(bucket, key)
	}
	if err != nil {
		return Record{}, fmt.Errorf("sqlite get %s/%s: %w", bucket, key, err)
	}
	return r, nil
}

func (s *SQLite) Put(ctx context.Context, bucket, key string, value []byte, expectedVersion int64) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO kv (bucket, key, version, value) VALUES (?, ?, 1, ?) ON CONFLICT (bucket, key) DO NOTHING`,
			bucket, key, value)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE kv SET value = ?, version = version + 1 WHERE bucket = ? AND key = ? AND version = ?`,
			value, bucket, key, expectedVersion)
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite put %s/%s: %w", bucket, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite put %s/%s: %w", bucket, key, err)
	}
	if n == 0 {
		current := int64(0)
		if r, gerr := s.Get(ctx, bucket, key); gerr == nil {
			current = r.Version
		}
		return 0, conflict(bucket, key, expectedVersion, current)
	}
	return expectedVersion + 1, nil
}

func (s *SQLite) List(ctx context.Context, bucket, prefix string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, version FROM kv WHERE bucket = ? AND substr(key, 1, ?) = ? ORDER BY key`,
		bucket, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("sqlite list %s: %w", bucket, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Value, &r.Version); err != nil {
			return nil, fmt.Errorf("sqlite list %s: %w", bucket, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
