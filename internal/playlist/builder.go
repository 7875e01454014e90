package playlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatrack/chatrack/internal/linkex"
	"github.com/chatrack/chatrack/internal/query"
	"github.com/chatrack/chatrack/internal/spotify"
	"github.com/chatrack/chatrack/internal/store"
)

// MessageSource supplies the messages a build works from. Satisfied by
// *query.Engine.
type MessageSource interface {
	MessagesInRange(ctx context.Context, chatIDs []int64, start, end time.Time) ([]query.Message, error)
}

// Builder runs playlist builds.
type Builder struct {
	source      MessageSource
	store       *store.Store
	service     Service
	logger      *slog.Logger
	cacheTTL    time.Duration
	concurrency int
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = l
	}
}

// WithCacheTTL sets the link metadata freshness window. Entries older
// than this are treated as cache misses.
func WithCacheTTL(ttl time.Duration) BuilderOption {
	return func(b *Builder) {
		b.cacheTTL = ttl
	}
}

// WithConcurrency bounds parallel metadata lookups.
func WithConcurrency(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// NewBuilder creates a Builder.
func NewBuilder(source MessageSource, s *store.Store, service Service, opts ...BuilderOption) *Builder {
	b := &Builder{
		source:      source,
		store:       s,
		service:     service,
		logger:      slog.Default(),
		cacheTTL:    30 * 24 * time.Hour,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// extractBatchSize is how many messages are scanned per extracting
// progress event.
const extractBatchSize = 200

// Build runs a build and returns its event stream. The channel closes
// after the terminal event: either StageDone with a Result, or an event
// with Err set for the two run-fatal failures (message acquisition,
// remote auth). Everything else degrades to per-track errors in the
// Result.
func (b *Builder) Build(ctx context.Context, req Request) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		b.run(ctx, req, &emitter{ch: events})
	}()
	return events
}

// emitter serializes event sends and keeps percent monotone. Sends
// block: consumers own draining the stream until it closes, and a
// cancelled run finishes within one batch, so the stream stays bounded.
type emitter struct {
	ch chan<- Event

	mu          sync.Mutex
	lastPercent int
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ev.Percent < e.lastPercent {
		ev.Percent = e.lastPercent
	}
	e.lastPercent = ev.Percent
	// Sent under the lock: clamping and delivery must agree on order, or
	// two concurrent emitters could hand the consumer a decreasing
	// percentage.
	e.ch <- ev
}

// candidate is one unique track candidate working through the pipeline.
type candidate struct {
	url     string
	trackID string
	title   string
	artist  string
	status  TrackStatus // empty until decided
	errMsg  string
}

func (b *Builder) run(ctx context.Context, req Request, em *emitter) {
	if len(req.ChatIDs) == 0 {
		em.emit(Event{Stage: StageQuerying, Err: errors.New("no chats selected")})
		return
	}
	if (req.PlaylistID == "") == (req.NewName == "") {
		em.emit(Event{Stage: StageQuerying, Err: errors.New("exactly one of an existing playlist or a new playlist name is required")})
		return
	}

	em.emit(Event{Stage: StageQuerying, Percent: 2, Message: "querying messages"})
	messages, err := b.source.MessagesInRange(ctx, req.ChatIDs, req.Start, req.End)
	if err != nil {
		// Without the message set there is nothing to build from.
		em.emit(Event{Stage: StageQuerying, Err: fmt.Errorf("query messages: %w", err)})
		return
	}
	em.emit(Event{Stage: StageQuerying, Percent: 10, Message: fmt.Sprintf("%d messages", len(messages)), Total: len(messages)})

	candidates, result := b.extract(messages, em)

	if fatal := b.resolveMetadata(ctx, candidates, em); fatal != nil {
		em.emit(Event{Stage: StageProcessing, Err: fatal})
		return
	}

	playlistID := req.PlaylistID
	var existing map[string]struct{}
	if playlistID != "" {
		existing, err = b.existingTracks(ctx, playlistID)
	} else {
		var p *spotify.Playlist
		p, err = b.service.CreatePlaylist(ctx, req.NewName, req.Description)
		if err == nil {
			playlistID = p.ID
			result.PlaylistName = p.Name
			existing = make(map[string]struct{})
		}
	}
	if err != nil {
		var authErr *spotify.AuthError
		if errors.As(err, &authErr) {
			em.emit(Event{Stage: StageAdding, Err: err})
			return
		}
		// Not fatal by contract: the run completes with every pending
		// candidate recorded as an error.
		b.logger.Warn("playlist unavailable, failing all candidates", "error", err)
		for i := range candidates {
			if candidates[i].status == "" {
				candidates[i].status = StatusError
				candidates[i].errMsg = fmt.Sprintf("playlist unavailable: %v", err)
			}
		}
		b.finish(playlistID, candidates, result, em)
		return
	}
	result.PlaylistID = playlistID

	// One fully paginated fetch of the existing set serves both
	// duplicate detection and apply.
	var pending []int // candidate indexes to add, first-seen order
	for i := range candidates {
		if candidates[i].status != "" {
			continue
		}
		if _, dup := existing[candidates[i].trackID]; dup {
			candidates[i].status = StatusDuplicate
			continue
		}
		pending = append(pending, i)
	}

	if fatal := b.apply(ctx, playlistID, candidates, pending, em); fatal != nil {
		em.emit(Event{Stage: StageAdding, Err: fatal})
		return
	}

	b.finish(playlistID, candidates, result, em)
}

// extract scans messages for links, deduplicates track candidates in
// first-seen order and buckets everything else.
func (b *Builder) extract(messages []query.Message, em *emitter) ([]candidate, *ApplyResult) {
	result := &ApplyResult{}
	var candidates []candidate
	seen := make(map[string]struct{})

	for start := 0; start < len(messages) || start == 0; start += extractBatchSize {
		end := start + extractBatchSize
		if end > len(messages) {
			end = len(messages)
		}
		for _, m := range messages[start:end] {
			for _, l := range m.Links {
				switch l.Kind {
				case linkex.KindTrack:
					id := linkex.TrackID(l.URL)
					key := id
					if key == "" {
						key = l.URL
					}
					if _, ok := seen[key]; ok {
						continue
					}
					seen[key] = struct{}{}
					c := candidate{url: l.URL, trackID: id}
					if id == "" {
						c.status = StatusError
						c.errMsg = "unparseable track link"
					}
					candidates = append(candidates, c)
				case linkex.KindNonTrack:
					result.NonTrack = append(result.NonTrack, SkippedLink{URL: l.URL, Display: l.Display})
				case linkex.KindOtherService:
					result.OtherService = append(result.OtherService, SkippedLink{URL: l.URL, Display: l.Display, Service: l.OtherService})
				}
			}
		}
		percent := 30
		if len(messages) > 0 {
			percent = 10 + 20*end/len(messages)
		}
		em.emit(Event{
			Stage: StageExtracting, Percent: percent,
			Message: "extracting links", Current: end, Total: len(messages),
		})
		if len(messages) == 0 {
			break
		}
	}

	result.Candidates = len(candidates)
	return candidates, result
}

// resolveMetadata fills title/artist for each candidate, cache first,
// remote on miss or staleness. Only an auth failure is returned; any
// other lookup failure marks that candidate and the run continues.
func (b *Builder) resolveMetadata(ctx context.Context, candidates []candidate, em *emitter) error {
	total := 0
	for i := range candidates {
		if candidates[i].status == "" {
			total++
		}
	}
	em.emit(Event{Stage: StageProcessing, Percent: 30, Message: "resolving track metadata", Total: total})
	if total == 0 {
		return nil
	}

	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i := range candidates {
		if candidates[i].status != "" {
			continue
		}
		c := &candidates[i]
		g.Go(func() error {
			err := b.resolveOne(gctx, c)

			mu.Lock()
			done++
			percent := 30 + 30*done/total
			mu.Unlock()
			em.emit(Event{
				Stage: StageProcessing, Percent: percent,
				Message: "resolving track metadata", Current: done, Total: total,
			})
			return err
		})
	}
	return g.Wait()
}

func (b *Builder) resolveOne(ctx context.Context, c *candidate) error {
	cached, err := b.store.GetCachedLink(ctx, c.url)
	if err != nil {
		b.logger.Warn("link cache read failed", "url", c.url, "error", err)
	}
	if cached != nil && time.Since(cached.UpdatedAt) < b.cacheTTL {
		if cached.Resolved {
			c.title = cached.Title
			c.artist = cached.Artist
			return nil
		}
		c.status = StatusError
		c.errMsg = "track not available"
		return nil
	}

	track, err := b.service.GetTrack(ctx, c.trackID)
	if err != nil {
		var authErr *spotify.AuthError
		if errors.As(err, &authErr) {
			return err
		}
		c.status = StatusError
		c.errMsg = err.Error()
		var nf *spotify.NotFoundError
		if errors.As(err, &nf) {
			// Negative entry so the next run does not re-fetch.
			b.putCache(ctx, c, false)
		}
		return nil
	}

	c.title = track.Name
	c.artist = track.ArtistNames()
	b.putCache(ctx, c, true)
	return nil
}

func (b *Builder) putCache(ctx context.Context, c *candidate, resolved bool) {
	err := b.store.PutCachedLink(ctx, &store.CachedLink{
		URL:       c.url,
		TrackID:   c.trackID,
		Title:     c.title,
		Artist:    c.artist,
		Resolved:  resolved,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		b.logger.Warn("link cache write failed", "url", c.url, "error", err)
	}
}

// existingTracks fetches the playlist's current tracks, fully
// paginated, as a set.
func (b *Builder) existingTracks(ctx context.Context, playlistID string) (map[string]struct{}, error) {
	ids, err := b.service.PlaylistTracks(ctx, playlistID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// apply adds the pending candidates in batches. Cancellation stops
// before the next batch; the in-flight batch completes. A failed batch
// marks its tracks and later batches still run.
func (b *Builder) apply(ctx context.Context, playlistID string, candidates []candidate, pending []int, em *emitter) error {
	totalBatches := (len(pending) + spotify.MaxAddBatch - 1) / spotify.MaxAddBatch
	em.emit(Event{Stage: StageAdding, Percent: 60, Message: "adding tracks", Total: totalBatches})

	for batch := 0; batch*spotify.MaxAddBatch < len(pending); batch++ {
		start := batch * spotify.MaxAddBatch
		end := start + spotify.MaxAddBatch
		if end > len(pending) {
			end = len(pending)
		}
		idxs := pending[start:end]

		if err := ctx.Err(); err != nil {
			for _, i := range idxs {
				candidates[i].status = StatusError
				candidates[i].errMsg = "build cancelled"
			}
			for _, i := range pending[end:] {
				candidates[i].status = StatusError
				candidates[i].errMsg = "build cancelled"
			}
			return nil
		}

		ids := make([]string, len(idxs))
		for j, i := range idxs {
			ids[j] = candidates[i].trackID
		}

		if err := b.service.AddTracks(ctx, playlistID, ids); err != nil {
			var authErr *spotify.AuthError
			if errors.As(err, &authErr) {
				return err
			}
			b.logger.Warn("add batch failed", "batch", batch+1, "error", err)
			for _, i := range idxs {
				candidates[i].status = StatusError
				candidates[i].errMsg = err.Error()
			}
		} else {
			for _, i := range idxs {
				candidates[i].status = StatusAdded
			}
		}

		em.emit(Event{
			Stage: StageAdding, Percent: 60 + 35*(batch+1)/totalBatches,
			Message: "adding tracks", Current: batch + 1, Total: totalBatches,
		})
	}
	return nil
}

// finish totals the candidates into the terminal result and emits the
// done event.
func (b *Builder) finish(playlistID string, candidates []candidate, result *ApplyResult, em *emitter) {
	result.PlaylistID = playlistID
	result.Tracks = make([]TrackResult, 0, len(candidates))
	for _, c := range candidates {
		tr := TrackResult{
			URL: c.url, TrackID: c.trackID,
			Title: c.title, Artist: c.artist,
			Status: c.status, Error: c.errMsg,
		}
		switch c.status {
		case StatusAdded:
			result.Added++
		case StatusDuplicate:
			result.Duplicates++
		default:
			tr.Status = StatusError
			result.Errors++
		}
		result.Tracks = append(result.Tracks, tr)
	}

	switch {
	case result.Errors == 0:
		result.Status = "success"
	case result.Added > 0 || result.Duplicates > 0:
		result.Status = "partial"
	default:
		result.Status = "error"
	}

	em.emit(Event{Stage: StageDone, Percent: 100, Message: "done", Result: result})
}
