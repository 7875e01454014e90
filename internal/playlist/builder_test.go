package playlist

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chatrack/chatrack/internal/linkex"
	"github.com/chatrack/chatrack/internal/query"
	"github.com/chatrack/chatrack/internal/spotify"
	"github.com/chatrack/chatrack/internal/store"
)

type fakeSource struct {
	messages []query.Message
	err      error
}

func (f *fakeSource) MessagesInRange(context.Context, []int64, time.Time, time.Time) ([]query.Message, error) {
	return f.messages, f.err
}

type fakeService struct {
	mu       sync.Mutex
	existing []string
	tracks   map[string]*spotify.Track
	getErr   map[string]error
	addErr   map[int]error // batch number (1-based) to error
	onAdd    func(batch int)

	getCalls int
	added    [][]string
	created  []string
}

func (f *fakeService) PlaylistTracks(context.Context, string) ([]string, error) {
	return f.existing, nil
}

func (f *fakeService) GetTrack(_ context.Context, id string) (*spotify.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if err, ok := f.getErr[id]; ok {
		return nil, err
	}
	if t, ok := f.tracks[id]; ok {
		return t, nil
	}
	return &spotify.Track{ID: id, Name: "Track " + id, Artists: []spotify.Artist{{Name: "Artist"}}}, nil
}

func (f *fakeService) AddTracks(_ context.Context, _ string, ids []string) error {
	f.mu.Lock()
	f.added = append(f.added, ids)
	batch := len(f.added)
	onAdd := f.onAdd
	err := f.addErr[batch]
	f.mu.Unlock()

	if onAdd != nil {
		onAdd(batch)
	}
	return err
}

func (f *fakeService) CreatePlaylist(_ context.Context, name, _ string) (*spotify.Playlist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	return &spotify.Playlist{ID: "pl-created", Name: name}, nil
}

func msg(rowid int64, at time.Time, body string) query.Message {
	return query.Message{RowID: rowid, SentAt: at, Body: body, Links: linkex.Extract(body)}
}

func trackURL(id string) string {
	return "https://open.spotify.com/track/" + id
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var all []Event
	for ev := range events {
		all = append(all, ev)
	}
	if len(all) == 0 {
		t.Fatal("no events emitted")
	}
	return all
}

// terminal returns the last event and fails if it is not StageDone with
// a result.
func terminal(t *testing.T, events []Event) *ApplyResult {
	t.Helper()
	last := events[len(events)-1]
	if last.Err != nil {
		t.Fatalf("terminal event carries error: %v", last.Err)
	}
	if last.Stage != StageDone || last.Result == nil {
		t.Fatalf("terminal event = %+v, want StageDone with result", last)
	}
	return last.Result
}

func checkConservation(t *testing.T, r *ApplyResult) {
	t.Helper()
	if r.Added+r.Duplicates+r.Errors != r.Candidates {
		t.Errorf("count conservation violated: %d + %d + %d != %d",
			r.Added, r.Duplicates, r.Errors, r.Candidates)
	}
}

func checkEventStream(t *testing.T, events []Event) {
	t.Helper()
	order := map[Stage]int{
		StageQuerying: 0, StageExtracting: 1, StageProcessing: 2,
		StageAdding: 3, StageDone: 4,
	}
	lastStage := -1
	lastPercent := -1
	for _, ev := range events {
		if order[ev.Stage] < lastStage {
			t.Errorf("stage went backwards: %v", ev.Stage)
		}
		lastStage = order[ev.Stage]
		if ev.Percent < lastPercent {
			t.Errorf("percent decreased: %d after %d", ev.Percent, lastPercent)
		}
		lastPercent = ev.Percent
	}
	if events[len(events)-1].Percent != 100 {
		t.Errorf("final percent = %d, want 100", events[len(events)-1].Percent)
	}
}

func TestBuildHappyPath(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{messages: []query.Message{
		msg(1, base, "first "+trackURL("aaa")),
		msg(2, base.Add(time.Minute), "again "+trackURL("aaa")+" and "+trackURL("bbb")),
		msg(3, base.Add(2*time.Minute), "album https://open.spotify.com/album/xx and https://youtu.be/vid"),
		msg(4, base.Add(3*time.Minute), "old one "+trackURL("ccc")),
	}}
	service := &fakeService{existing: []string{"ccc"}}
	b := NewBuilder(source, newTestStore(t), service)

	events := drain(t, b.Build(context.Background(), Request{
		ChatIDs: []int64{1}, Start: base, End: base.Add(time.Hour), PlaylistID: "pl1",
	}))
	checkEventStream(t, events)
	result := terminal(t, events)
	checkConservation(t, result)

	if result.Candidates != 3 || result.Added != 2 || result.Duplicates != 1 || result.Errors != 0 {
		t.Errorf("result = %+v", result)
	}
	if result.Status != "success" {
		t.Errorf("status = %q", result.Status)
	}
	if len(result.NonTrack) != 1 || len(result.OtherService) != 1 {
		t.Errorf("skipped buckets = %v / %v", result.NonTrack, result.OtherService)
	}

	// First-seen order, duplicates never re-added.
	if len(service.added) != 1 {
		t.Fatalf("added batches = %v", service.added)
	}
	batch := service.added[0]
	if len(batch) != 2 || batch[0] != "aaa" || batch[1] != "bbb" {
		t.Errorf("added = %v, want [aaa bbb]", batch)
	}

	for _, tr := range result.Tracks {
		if tr.TrackID == "ccc" && tr.Status != StatusDuplicate {
			t.Errorf("pre-existing track = %+v, want duplicate", tr)
		}
	}
}

func TestBuildUsesFreshCache(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.PutCachedLink(ctx, &store.CachedLink{
		URL: trackURL("aaa"), TrackID: "aaa",
		Title: "Cached Song", Artist: "Cached Artist",
		Resolved: true, UpdatedAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{messages: []query.Message{msg(1, base, trackURL("aaa"))}}
	service := &fakeService{}
	b := NewBuilder(source, s, service)

	result := terminal(t, drain(t, b.Build(ctx, Request{
		ChatIDs: []int64{1}, Start: base, End: base.Add(time.Hour), PlaylistID: "pl1",
	})))

	if service.getCalls != 0 {
		t.Errorf("remote lookups = %d, want 0 with a fresh cache", service.getCalls)
	}
	if result.Tracks[0].Title != "Cached Song" {
		t.Errorf("track = %+v", result.Tracks[0])
	}
}

func TestBuildStaleCacheRefreshed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.PutCachedLink(ctx, &store.CachedLink{
		URL: trackURL("aaa"), TrackID: "aaa",
		Title: "Stale Title", Resolved: true,
		UpdatedAt: time.Now().Add(-40 * 24 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{messages: []query.Message{msg(1, base, trackURL("aaa"))}}
	service := &fakeService{tracks: map[string]*spotify.Track{
		"aaa": {ID: "aaa", Name: "Fresh Title", Artists: []spotify.Artist{{Name: "A"}}},
	}}
	b := NewBuilder(source, s, service)

	result := terminal(t, drain(t, b.Build(ctx, Request{
		ChatIDs: []int64{1}, Start: base, End: base.Add(time.Hour), PlaylistID: "pl1",
	})))

	if service.getCalls != 1 {
		t.Errorf("remote lookups = %d, want 1 for a stale entry", service.getCalls)
	}
	if result.Tracks[0].Title != "Fresh Title" {
		t.Errorf("track = %+v", result.Tracks[0])
	}

	cached, err := s.GetCachedLink(ctx, trackURL("aaa"))
	if err != nil {
		t.Fatal(err)
	}
	if cached.Title != "Fresh Title" {
		t.Errorf("cache not refreshed: %+v", cached)
	}
}

func TestBuildMetadataErrorContinues(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{messages: []query.Message{
		msg(1, base, trackURL("good")+" "+trackURL("gone")),
	}}
	service := &fakeService{getErr: map[string]error{
		"gone": &spotify.NotFoundError{Path: "/tracks/gone"},
	}}
	s := newTestStore(t)
	b := NewBuilder(source, s, service)

	result := terminal(t, drain(t, b.Build(context.Background(), Request{
		ChatIDs: []int64{1}, Start: base, End: base.Add(time.Hour), PlaylistID: "pl1",
	})))
	checkConservation(t, result)

	if result.Added != 1 || result.Errors != 1 {
		t.Errorf("result = %+v", result)
	}
	if result.Status != "partial" {
		t.Errorf("status = %q", result.Status)
	}

	// A not-found is cached negatively so the next run skips the fetch.
	cached, err := s.GetCachedLink(context.Background(), trackURL("gone"))
	if err != nil {
		t.Fatal(err)
	}
	if cached == nil || cached.Resolved {
		t.Errorf("negative cache entry = %+v", cached)
	}
}

func TestBuildAuthFailureIsFatal(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{messages: []query.Message{msg(1, base, trackURL("aaa"))}}
	service := &fakeService{getErr: map[string]error{
		"aaa": &spotify.AuthError{Status: 401, Body: "expired"},
	}}
	b := NewBuilder(source, newTestStore(t), service)

	events := drain(t, b.Build(context.Background(), Request{
		ChatIDs: []int64{1}, Start: base, End: base.Add(time.Hour), PlaylistID: "pl1",
	}))
	last := events[len(events)-1]
	if last.Err == nil {
		t.Fatalf("terminal event = %+v, want auth error", last)
	}
	var authErr *spotify.AuthError
	if !errors.As(last.Err, &authErr) {
		t.Errorf("terminal error = %v, want *AuthError", last.Err)
	}
	if len(service.added) != 0 {
		t.Errorf("tracks were added after auth failure: %v", service.added)
	}
}

func TestBuildBatchesAndPartialFailure(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var messages []query.Message
	for i := 0; i < 250; i++ {
		messages = append(messages, msg(int64(i+1), base.Add(time.Duration(i)*time.Second),
			trackURL(fmt.Sprintf("t%03d", i))))
	}
	source := &fakeSource{messages: messages}
	service := &fakeService{addErr: map[int]error{2: &spotify.APIError{Status: 502, Body: "bad gateway"}}}
	b := NewBuilder(source, newTestStore(t), service, WithConcurrency(8))

	events := drain(t, b.Build(context.Background(), Request{
		ChatIDs: []int64{1}, Start: base, End: base.Add(time.Hour), PlaylistID: "pl1",
	}))
	checkEventStream(t, events)
	result := terminal(t, events)
	checkConservation(t, result)

	if len(service.added) != 3 {
		t.Fatalf("batches = %d, want 3", len(service.added))
	}
	if len(service.added[0]) != 100 || len(service.added[1]) != 100 || len(service.added[2]) != 50 {
		t.Errorf("batch sizes = %d/%d/%d",
			len(service.added[0]), len(service.added[1]), len(service.added[2]))
	}
	// The failed middle batch becomes per-track errors; the last batch
	// still ran.
	if result.Added != 150 || result.Errors != 100 {
		t.Errorf("result = added %d errors %d", result.Added, result.Errors)
	}
	if result.Status != "partial" {
		t.Errorf("status = %q", result.Status)
	}

	// First batch is the chronologically earliest hundred.
	if service.added[0][0] != "t000" || service.added[0][99] != "t099" {
		t.Errorf("first batch bounds = %s..%s", service.added[0][0], service.added[0][99])
	}
}

func TestBuildCancelledBetweenBatches(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var messages []query.Message
	for i := 0; i < 150; i++ {
		messages = append(messages, msg(int64(i+1), base.Add(time.Duration(i)*time.Second),
			trackURL(fmt.Sprintf("t%03d", i))))
	}
	ctx, cancel := context.WithCancel(context.Background())
	source := &fakeSource{messages: messages}
	service := &fakeService{}
	service.onAdd = func(batch int) {
		if batch == 1 {
			cancel()
		}
	}
	b := NewBuilder(source, newTestStore(t), service, WithConcurrency(8))

	events := drain(t, b.Build(ctx, Request{
		ChatIDs: []int64{1}, Start: base, End: base.Add(time.Hour), PlaylistID: "pl1",
	}))
	result := terminal(t, events)
	checkConservation(t, result)

	// The in-flight batch completed; the next one never started.
	if len(service.added) != 1 {
		t.Fatalf("batches after cancel = %d, want 1", len(service.added))
	}
	if result.Added != 100 || result.Errors != 50 {
		t.Errorf("result = added %d errors %d", result.Added, result.Errors)
	}
}

func TestBuildCreatesPlaylist(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{messages: []query.Message{msg(1, base, trackURL("aaa"))}}
	service := &fakeService{}
	b := NewBuilder(source, newTestStore(t), service)

	result := terminal(t, drain(t, b.Build(context.Background(), Request{
		ChatIDs: []int64{1}, Start: base, End: base.Add(time.Hour),
		NewName: "Road Trip Mix",
	})))

	if len(service.created) != 1 || service.created[0] != "Road Trip Mix" {
		t.Errorf("created = %v", service.created)
	}
	if result.PlaylistID != "pl-created" || result.Added != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestBuildRequestValidation(t *testing.T) {
	b := NewBuilder(&fakeSource{}, newTestStore(t), &fakeService{})

	tests := []Request{
		{},                                     // no chats
		{ChatIDs: []int64{1}},                  // no playlist target
		{ChatIDs: []int64{1}, PlaylistID: "p", NewName: "n"}, // both targets
	}
	for _, req := range tests {
		events := drain(t, b.Build(context.Background(), req))
		if events[len(events)-1].Err == nil {
			t.Errorf("request %+v accepted", req)
		}
	}
}

// Concurrent metadata workers share one emitter; the delivered stream
// must never show a decreasing percentage even under contention.
func TestEmitterConcurrentPercentMonotone(t *testing.T) {
	ch := make(chan Event, 256)
	em := &emitter{ch: ch}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for p := 0; p <= 100; p += 4 {
				pct := p + w%3
				if pct > 100 {
					pct = 100
				}
				em.emit(Event{Stage: StageProcessing, Percent: pct})
			}
		}(w)
	}
	wg.Wait()
	close(ch)

	last := -1
	for ev := range ch {
		if ev.Percent < last {
			t.Fatalf("percent decreased: %d after %d", ev.Percent, last)
		}
		last = ev.Percent
	}
}

func TestBuildQueryFailureIsFatal(t *testing.T) {
	b := NewBuilder(&fakeSource{err: errors.New("source unavailable")},
		newTestStore(t), &fakeService{})

	events := drain(t, b.Build(context.Background(), Request{
		ChatIDs: []int64{1}, PlaylistID: "pl1",
	}))
	last := events[len(events)-1]
	if last.Err == nil || last.Stage != StageQuerying {
		t.Errorf("terminal event = %+v, want querying-stage error", last)
	}
}
