// Package indexer builds and incrementally refreshes the message index
// from a read-only source chat database.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatrack/chatrack/internal/chatdb"
	"github.com/chatrack/chatrack/internal/store"
)

// Progress receives sync progress callbacks.
type Progress interface {
	OnStart(total int)
	OnProgress(done, total int)
	OnComplete(result *SyncResult)
}

// NullProgress discards all progress callbacks.
type NullProgress struct{}

func (NullProgress) OnStart(int)            {}
func (NullProgress) OnProgress(int, int)    {}
func (NullProgress) OnComplete(*SyncResult) {}

// SyncResult summarizes one sync run.
type SyncResult struct {
	EntriesAdded int
	EntriesEmpty int
	Fingerprint  string
	Rebuilt      bool
	Duration     time.Duration
}

// Indexer syncs the index store against a source database. Sync runs are
// serialized per Indexer; readers of the store are unaffected.
type Indexer struct {
	store  *store.Store
	logger *slog.Logger

	mu sync.Mutex
}

// New creates an Indexer over the given store.
func New(s *store.Store) *Indexer {
	return &Indexer{store: s, logger: slog.Default()}
}

// WithLogger sets the logger and returns the indexer.
func (ix *Indexer) WithLogger(l *slog.Logger) *Indexer {
	if l != nil {
		ix.logger = l
	}
	return ix
}

// fetchBatchSize is how many delta messages are fetched and inserted per
// round trip.
const fetchBatchSize = 500

// Sync brings the index up to date with the source. A fingerprint
// mismatch means the source is a different database than the one the
// index was built from; the index is then reset and rebuilt in full,
// never patched. Sync is idempotent: a second run against an unchanged
// source adds nothing.
func (ix *Indexer) Sync(ctx context.Context, source *chatdb.Source, progress Progress) (*SyncResult, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if progress == nil {
		progress = NullProgress{}
	}

	start := time.Now()
	result := &SyncResult{}

	fp, boundary, err := source.Fingerprint(ctx)
	if err != nil {
		return nil, fmt.Errorf("source fingerprint: %w", err)
	}
	result.Fingerprint = fp

	recorded, recordedBoundary, err := ix.store.SourceFingerprint(ctx)
	if err != nil {
		return nil, err
	}
	if recorded != "" {
		// Re-hash the same sample the recorded fingerprint covered. An
		// appended-to database matches; a different copy does not.
		check, err := source.FingerprintThrough(ctx, recordedBoundary)
		if err != nil {
			return nil, fmt.Errorf("source fingerprint: %w", err)
		}
		if check != recorded {
			ix.logger.Warn("source fingerprint changed, rebuilding index",
				"recorded", recorded, "source", check)
			if err := ix.store.ResetIndex(ctx); err != nil {
				return nil, fmt.Errorf("reset index: %w", err)
			}
			result.Rebuilt = true
		}
	}

	sourceIDs, err := source.MessageRowIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("source rowids: %w", err)
	}
	indexedIDs, err := ix.store.IndexedRowIDs(ctx)
	if err != nil {
		return nil, err
	}

	// Delta is computed as a set difference from one indexed-id scan,
	// not by probing the store per source row.
	indexed := make(map[int64]struct{}, len(indexedIDs))
	for _, id := range indexedIDs {
		indexed[id] = struct{}{}
	}
	var delta []int64
	for _, id := range sourceIDs {
		if _, ok := indexed[id]; !ok {
			delta = append(delta, id)
		}
	}

	progress.OnStart(len(delta))
	ix.logger.Info("index sync starting",
		"source_messages", len(sourceIDs), "indexed", len(indexedIDs), "delta", len(delta))

	done := 0
	for i := 0; i < len(delta); i += fetchBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := i + fetchBatchSize
		if end > len(delta) {
			end = len(delta)
		}
		batch := delta[i:end]

		messages, err := source.MessagesByRowID(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("fetch delta messages: %w", err)
		}

		entries := make([]store.IndexEntry, 0, len(messages))
		for i := range messages {
			m := &messages[i]
			body := chatdb.DecodeBody(m)
			if body == "" {
				// Still indexed so the row is not re-fetched on the
				// next sync; it just has no full-text presence.
				result.EntriesEmpty++
				ix.logger.Debug("message decoded empty", "rowid", m.RowID, "guid", m.GUID)
			}
			entries = append(entries, store.IndexEntry{
				MessageRowID: m.RowID,
				ChatRowID:    m.ChatRowID,
				Sender:       m.Sender,
				SentAt:       m.SentAt,
				IsFromMe:     m.IsFromMe,
				Body:         body,
			})
		}

		if err := ix.store.BulkInsertIndexEntries(ctx, entries); err != nil {
			return nil, fmt.Errorf("insert index entries: %w", err)
		}
		result.EntriesAdded += len(entries)
		done += len(batch)
		progress.OnProgress(done, len(delta))
	}

	if err := ix.store.SetSourceFingerprint(ctx, fp, boundary); err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	progress.OnComplete(result)
	ix.logger.Info("index sync complete",
		"added", result.EntriesAdded, "empty", result.EntriesEmpty,
		"rebuilt", result.Rebuilt, "duration", result.Duration)
	return result, nil
}
