package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

const (
	fingerprintKey         = "source_fingerprint"
	fingerprintBoundaryKey = "source_fingerprint_boundary"
)

// IndexEntry is one indexed source message.
type IndexEntry struct {
	MessageRowID int64
	ChatRowID    int64
	Sender       string
	SentAt       time.Time
	IsFromMe     bool
	Body         string
}

// SourceFingerprint returns the recorded source fingerprint and the
// ROWID boundary its sample covers, or "" and 0 if the index has never
// been built.
func (s *Store) SourceFingerprint(ctx context.Context) (string, int64, error) {
	fp, err := s.GetMeta(ctx, fingerprintKey)
	if err != nil || fp == "" {
		return "", 0, err
	}
	raw, err := s.GetMeta(ctx, fingerprintBoundaryKey)
	if err != nil {
		return "", 0, err
	}
	boundary, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("parse fingerprint boundary %q: %w", raw, err)
	}
	return fp, boundary, nil
}

// SetSourceFingerprint records the source fingerprint and its sample
// boundary.
func (s *Store) SetSourceFingerprint(ctx context.Context, fp string, boundary int64) error {
	if err := s.SetMeta(ctx, fingerprintKey, fp); err != nil {
		return err
	}
	return s.SetMeta(ctx, fingerprintBoundaryKey, strconv.FormatInt(boundary, 10))
}

// IndexedRowIDs returns every indexed source ROWID, ascending.
func (s *Store) IndexedRowIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_rowid FROM message_index ORDER BY message_rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("fetch indexed rowids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan indexed rowid: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BulkInsertIndexEntries inserts index rows and their full-text rows in
// one transaction. Callers pass only rowids not yet indexed; entries
// with empty bodies get an index row but no full-text row.
func (s *Store) BulkInsertIndexEntries(ctx context.Context, entries []IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}

	indexRows := make([][]interface{}, 0, len(entries))
	var ftsRows [][]interface{}
	for _, e := range entries {
		fromMe := 0
		if e.IsFromMe {
			fromMe = 1
		}
		indexRows = append(indexRows, []interface{}{
			e.MessageRowID, e.ChatRowID, e.Sender, e.SentAt.UnixNano(), fromMe, e.Body,
		})
		if e.Body != "" {
			ftsRows = append(ftsRows, []interface{}{e.MessageRowID, e.Body})
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertInChunks(tx,
			`INSERT INTO message_index (message_rowid, chat_rowid, sender, sent_at, is_from_me, body)`,
			6, indexRows,
		); err != nil {
			return err
		}
		if !s.fts5Available {
			return nil
		}
		return insertInChunks(tx,
			`INSERT INTO message_fts (rowid, body)`,
			2, ftsRows,
		)
	})
}

// ResetIndex drops all index rows and the recorded fingerprint. The link
// cache survives a reset; its entries key on URLs, not on the source.
func (s *Store) ResetIndex(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if s.fts5Available {
			if _, err := tx.Exec(`INSERT INTO message_fts (message_fts) VALUES ('delete-all')`); err != nil {
				return fmt.Errorf("reset fts: %w", err)
			}
		}
		if _, err := tx.Exec(`DELETE FROM message_index`); err != nil {
			return fmt.Errorf("reset index: %w", err)
		}
		if _, err := tx.Exec(
			`DELETE FROM index_meta WHERE key IN (?, ?)`, fingerprintKey, fingerprintBoundaryKey,
		); err != nil {
			return fmt.Errorf("reset fingerprint: %w", err)
		}
		return nil
	})
}

// IndexStats summarizes the index contents.
type IndexStats struct {
	Messages    int64
	Chats       int64
	EmptyBodies int64
	CachedLinks int64
}

// Stats returns index summary counts.
func (s *Store) Stats(ctx context.Context) (*IndexStats, error) {
	var st IndexStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(DISTINCT chat_rowid),
			SUM(CASE WHEN body = '' THEN 1 ELSE 0 END)
		FROM message_index
	`).Scan(&st.Messages, &st.Chats, &nullInt64{&st.EmptyBodies})
	if err != nil {
		return nil, fmt.Errorf("index stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM link_cache`).Scan(&st.CachedLinks); err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	return &st, nil
}

// nullInt64 scans a possibly-NULL integer (SUM over zero rows) into an
// int64, treating NULL as zero.
type nullInt64 struct{ v *int64 }

func (n *nullInt64) Scan(src interface{}) error {
	var ns sql.NullInt64
	if err := ns.Scan(src); err != nil {
		return err
	}
	*n.v = ns.Int64
	return nil
}
