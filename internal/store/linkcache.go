package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CachedLink is a link-metadata cache entry. Resolved is false for
// negative entries (lookup failed or returned nothing); those still
// carry an UpdatedAt so staleness applies to them too.
type CachedLink struct {
	URL        string
	TrackID    string
	Title      string
	Artist     string
	DurationMS int64
	Resolved   bool
	UpdatedAt  time.Time
}

// GetCachedLink returns the cache entry for url, or nil on a miss.
// Staleness is the caller's policy; entries are returned regardless of
// age.
func (s *Store) GetCachedLink(ctx context.Context, url string) (*CachedLink, error) {
	var (
		l        CachedLink
		resolved int64
		updated  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT url, track_id, title, artist, duration_ms, resolved, updated_at
		FROM link_cache
		WHERE url = ?
	`, url).Scan(&l.URL, &l.TrackID, &l.Title, &l.Artist, &l.DurationMS, &resolved, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached link: %w", err)
	}
	l.Resolved = resolved != 0
	l.UpdatedAt = time.Unix(0, updated)
	return &l, nil
}

// PutCachedLink upserts a cache entry. Concurrent writers race benignly;
// the last write wins whole-row.
func (s *Store) PutCachedLink(ctx context.Context, l *CachedLink) error {
	resolved := 0
	if l.Resolved {
		resolved = 1
	}
	updated := l.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO link_cache (url, track_id, title, artist, duration_ms, resolved, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			track_id = excluded.track_id,
			title = excluded.title,
			artist = excluded.artist,
			duration_ms = excluded.duration_ms,
			resolved = excluded.resolved,
			updated_at = excluded.updated_at
	`, l.URL, l.TrackID, l.Title, l.Artist, l.DurationMS, resolved, updated.UnixNano())
	if err != nil {
		return fmt.Errorf("put cached link: %w", err)
	}
	return nil
}
