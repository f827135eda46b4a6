// Package sqlite implements storage.WALStore on top of ncruces/go-sqlite3,
// a pure-Go SQLite driver, so heliad ships without a cgo dependency.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/heliacore/internal/storage"
)

// Store is a durable, file-backed WAL store.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or reopens the WAL store at path, applying any pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer WAL file, matches SQLite's own write serialization

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	for _, m := range migrationsList {
		if err := m.Func(s.db); err != nil {
			return fmt.Errorf("sqlite: migration %q: %w", m.Name, err)
		}
	}
	return nil
}

func (s *Store) Append(ctx context.Context, r storage.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wal_entries (lsn, op, table_name, payload, origin_at) VALUES (?, ?, ?, ?, ?)`,
		r.LSN, r.Op, r.Table, r.Payload, r.OriginAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: append lsn=%d: %w", r.LSN, err)
	}
	return nil
}

func (s *Store) RangeRead(ctx context.Context, fromLSN uint64, limit int) ([]storage.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT lsn, op, table_name, payload, origin_at FROM wal_entries WHERE lsn >= ? ORDER BY lsn ASC LIMIT ?`,
		fromLSN, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: range_read from=%d: %w", fromLSN, err)
	}
	defer rows.Close()

	var out []storage.Record
	for rows.Next() {
		var r storage.Record
		if err := rows.Scan(&r.LSN, &r.Op, &r.Table, &r.Payload, &r.OriginAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Truncate(ctx context.Context, upTo uint64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM wal_entries WHERE lsn < ?`, upTo)
	if err != nil {
		return fmt.Errorf("sqlite: truncate upto=%d: %w", upTo, err)
	}
	return nil
}

func (s *Store) LastLSN(ctx context.Context) (uint64, error) {
	var lsn sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(lsn) FROM wal_entries`).Scan(&lsn)
	if err != nil {
		return 0, fmt.Errorf("sqlite: last_lsn: %w", err)
	}
	if !lsn.Valid {
		return 0, nil
	}
	return uint64(lsn.Int64), nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Path() string { return s.path }

// UnderlyingDB exposes the raw *sql.DB, matching storage.UnderlyingDB.
func (s *Store) UnderlyingDB() *sql.DB { return s.db }

var _ storage.WALStore = (*Store)(nil)
