// Package store manages the engine-owned SQLite index database.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

//go:embed schema_fts.sql
var ftsSchemaSQL string

const schemaVersion = "1"

// Store wraps the index database.
type Store struct {
	db            *sql.DB
	path          string
	fts5Available bool // whether the fts5 module is compiled in
}

// Open opens (creating if needed) the index database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}

	dsn := (&url.URL{
		Scheme:   "file",
		OmitHost: true,
		Path:     path,
		RawQuery: "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on",
	}).String()
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.applySchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for read-side query layers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the index database path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) applySchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// FTS5 is optional: without the sqlite_fts5 build tag the module is
	// missing and search degrades to substring matching.
	if _, err := s.db.Exec(ftsSchemaSQL); err != nil {
		if !isSQLiteError(err, "no such module: fts5") {
			return fmt.Errorf("apply fts schema: %w", err)
		}
		s.fts5Available = false
	} else {
		s.fts5Available = true
	}

	if _, err := s.db.Exec(
		`INSERT INTO index_meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO NOTHING`, schemaVersion,
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// FTS5Available reports whether the full-text index exists in this
// build.
func (s *Store) FTS5Available() bool {
	return s.fts5Available
}

// isSQLiteError reports whether err is a sqlite3 error whose message
// contains substr.
func isSQLiteError(err error, substr string) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return strings.Contains(sqliteErr.Error(), substr)
	}
	var sqliteErrPtr *sqlite3.Error
	if errors.As(err, &sqliteErrPtr) && sqliteErrPtr != nil {
		return strings.Contains(sqliteErrPtr.Error(), substr)
	}
	return false
}

// withTx runs fn in a transaction, committing on success and rolling
// back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// maxInsertParams caps parameters per statement, under SQLite's 999
// default limit.
const maxInsertParams = 900

// insertInChunks executes a multi-value INSERT in chunks. base is the
// statement up to and excluding VALUES; each row in rows must have
// valuesPerRow elements.
func insertInChunks(tx *sql.Tx, base string, valuesPerRow int, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	rowsPerChunk := maxInsertParams / valuesPerRow

	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?,", valuesPerRow), ",") + ")"

	for i := 0; i < len(rows); i += rowsPerChunk {
		end := i + rowsPerChunk
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[i:end]

		placeholders := make([]string, len(chunk))
		args := make([]interface{}, 0, len(chunk)*valuesPerRow)
		for j, row := range chunk {
			placeholders[j] = rowPlaceholder
			args = append(args, row...)
		}

		stmt := base + " VALUES " + strings.Join(placeholders, ",")
		if _, err := tx.Exec(stmt, args...); err != nil {
			return fmt.Errorf("bulk insert: %w", err)
		}
	}
	return nil
}

// queryInChunks runs query (which must contain a single %s for the IN
// placeholder list) over ids in chunks, invoking scan for each row.
func (s *Store) queryInChunks(ctx context.Context, query string, ids []int64, scan func(rows *sql.Rows) error) error {
	if len(ids) == 0 {
		return nil
	}

	const chunkSize = 500
	for i := 0; i < len(ids); i += chunkSize {
		end := i + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		placeholders := make([]string, len(chunk))
		args := make([]interface{}, len(chunk))
		for j, id := range chunk {
			placeholders[j] = "?"
			args[j] = id
		}

		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(query, strings.Join(placeholders, ",")), args...)
		if err != nil {
			return fmt.Errorf("chunked query: %w", err)
		}
		for rows.Next() {
			if err := scan(rows); err != nil {
				rows.Close()
				return err
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}
	return nil
}

// GetMeta returns the value for an index_meta key, or "" if unset.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM index_meta WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta %q: %w", key, err)
	}
	return value, nil
}

// SetMeta sets an index_meta key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO index_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}
	return nil
}
