// Package chatdb reads an externally-owned iMessage-style chat database.
//
// The database belongs to the messaging application, not to this engine.
// It is opened strictly read-only and never written. Handles are meant to
// be short-lived: open, query, close.
package chatdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Source is a read-only handle to a chat database.
type Source struct {
	db   *sql.DB
	path string
}

// Open opens the chat database at path read-only and verifies it has the
// expected schema.
func Open(path string) (*Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("chat db not accessible: %w", err)
	}

	// Use file: URI to safely handle paths containing '?' or other
	// special characters. No journal-mode pragma: switching journal
	// modes writes the database header, which a read-only handle to a
	// database we do not own must never do.
	dsn := (&url.URL{
		Scheme:   "file",
		OmitHost: true,
		Path:     path,
		RawQuery: "mode=ro&_busy_timeout=5000",
	}).String()
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open chat db: %w", err)
	}

	if err := verifyChatDB(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Source{db: db, path: path}, nil
}

// Path returns the filesystem path the source was opened from.
func (s *Source) Path() string {
	return s.path
}

// Close releases the database handle.
func (s *Source) Close() error {
	return s.db.Close()
}

// verifyChatDB checks that the database contains the tables a chat.db
// is expected to have.
func verifyChatDB(db *sql.DB) error {
	required := []string{"message", "chat", "handle", "chat_message_join", "chat_handle_join"}
	for _, table := range required {
		var name string
		err := db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		if err == sql.ErrNoRows {
			return fmt.Errorf("not a chat database: missing table %q", table)
		}
		if err != nil {
			return fmt.Errorf("verify chat db: %w", err)
		}
	}
	return nil
}

// fingerprintSampleSize is the number of earliest messages hashed into the
// source fingerprint. In an append-only store this prefix never changes,
// so the fingerprint is stable under new messages but differs between
// distinct database copies.
const fingerprintSampleSize = 64

// Fingerprint returns a content identity for the source database along
// with the highest ROWID the sample covers. Callers that persist the
// fingerprint must persist the boundary too and verify later sources
// with FingerprintThrough, so that a small database growing past its
// current size does not look like a different database. An empty
// database has the fixed fingerprint "empty" and boundary 0.
func (s *Source) Fingerprint(ctx context.Context) (string, int64, error) {
	return s.fingerprint(ctx, 0)
}

// FingerprintThrough re-hashes the sample a previous Fingerprint call
// covered: the earliest messages with ROWID at or below boundary. On an
// unchanged or merely appended-to database the result matches the
// recorded fingerprint exactly. A zero boundary denotes the empty
// sample.
func (s *Source) FingerprintThrough(ctx context.Context, boundary int64) (string, error) {
	if boundary <= 0 {
		return "empty", nil
	}
	fp, _, err := s.fingerprint(ctx, boundary)
	return fp, err
}

func (s *Source) fingerprint(ctx context.Context, boundary int64) (string, int64, error) {
	q := `
		SELECT ROWID, COALESCE(guid, ''), COALESCE(date, 0)
		FROM message
		ORDER BY ROWID ASC
		LIMIT ?`
	args := []interface{}{fingerprintSampleSize}
	if boundary > 0 {
		q = `
		SELECT ROWID, COALESCE(guid, ''), COALESCE(date, 0)
		FROM message
		WHERE ROWID <= ?
		ORDER BY ROWID ASC
		LIMIT ?`
		args = []interface{}{boundary, fingerprintSampleSize}
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return "", 0, fmt.Errorf("fingerprint query: %w", err)
	}
	defer rows.Close()

	h := sha256.New()
	count := 0
	var earliest, last int64
	for rows.Next() {
		var rowID, date int64
		var guid string
		if err := rows.Scan(&rowID, &guid, &date); err != nil {
			return "", 0, fmt.Errorf("scan fingerprint row: %w", err)
		}
		if count == 0 {
			earliest = date
		}
		last = rowID
		fmt.Fprintf(h, "%d:%s\n", rowID, guid)
		count++
	}
	if err := rows.Err(); err != nil {
		return "", 0, err
	}
	if count == 0 {
		return "empty", 0, nil
	}
	fmt.Fprintf(h, "first:%d\n", earliest)
	return hex.EncodeToString(h.Sum(nil)), last, nil
}

// appleEpoch is the reference date chat.db timestamps count from.
var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// appleTime converts a raw chat.db date value to a time.Time. Modern
// databases store nanoseconds since 2001-01-01, older ones seconds.
// The two ranges do not overlap for any realistic date.
func appleTime(raw int64) time.Time {
	if raw == 0 {
		return time.Time{}
	}
	if raw > 1e12 {
		return appleEpoch.Add(time.Duration(raw))
	}
	return appleEpoch.Add(time.Duration(raw) * time.Second)
}

// AppleTime exposes the timestamp conversion for fixtures and callers
// that work with raw date values.
func AppleTime(raw int64) time.Time {
	return appleTime(raw)
}
