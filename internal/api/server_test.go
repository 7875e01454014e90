package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chatrack/chatrack/internal/config"
	"github.com/chatrack/chatrack/internal/playlist"
	"github.com/chatrack/chatrack/internal/query"
	"github.com/chatrack/chatrack/internal/scheduler"
	"github.com/chatrack/chatrack/internal/store"
)

type fakeEngine struct {
	chats    []query.ChatSummary
	detail   *query.ChatDetail
	lastSort query.ChatSort
}

func (f *fakeEngine) ListChats(_ context.Context, sortBy query.ChatSort) ([]query.ChatSummary, error) {
	switch sortBy {
	case query.SortByLastMessage, query.SortByMessageCount, query.SortByName:
	default:
		return nil, fmt.Errorf("invalid sort field %q", string(sortBy))
	}
	f.lastSort = sortBy
	return f.chats, nil
}

func (f *fakeEngine) SearchChats(_ context.Context, term string) ([]query.ChatSummary, error) {
	var out []query.ChatSummary
	for _, c := range f.chats {
		if strings.Contains(strings.ToLower(c.Name), strings.ToLower(term)) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeEngine) ChatDetail(_ context.Context, chatRowID int64, _ int) (*query.ChatDetail, error) {
	if f.detail == nil || f.detail.Summary.ChatRowID != chatRowID {
		return nil, fmt.Errorf("chat %d not found", chatRowID)
	}
	return f.detail, nil
}

type fakeStats struct{ stats store.IndexStats }

func (f *fakeStats) Stats(context.Context) (*store.IndexStats, error) {
	return &f.stats, nil
}

type fakeSched struct {
	err       error
	triggered int
}

func (f *fakeSched) TriggerSync() error {
	if f.err != nil {
		return f.err
	}
	f.triggered++
	return nil
}

func (f *fakeSched) Status() scheduler.Status {
	return scheduler.Status{Schedule: "@hourly"}
}

type fakeBuilder struct{ events []playlist.Event }

func (f *fakeBuilder) Build(ctx context.Context, req playlist.Request) <-chan playlist.Event {
	ch := make(chan playlist.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func newTestServer(t *testing.T, opts ...func(*Server)) (*httptest.Server, *fakeEngine, *fakeSched) {
	t.Helper()

	engine := &fakeEngine{
		chats: []query.ChatSummary{
			{ChatRowID: 1, Name: "Road Trip", MessageCount: 12},
			{ChatRowID: 2, Name: "Family", MessageCount: 4},
		},
		detail: &query.ChatDetail{
			Summary: query.ChatSummary{ChatRowID: 1, Name: "Road Trip"},
		},
	}
	sched := &fakeSched{}

	cfg := &config.Config{
		Server: config.ServerConfig{APIKey: "secret", BindAddr: "127.0.0.1", APIPort: 0},
	}
	srv := NewServer(cfg, engine, &fakeStats{stats: store.IndexStats{Messages: 42}}, sched, nil, nil)
	for _, opt := range opts {
		opt(srv)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, engine, sched
}

func get(t *testing.T, ts *httptest.Server, path, apiKey string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthUnauthenticated(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := get(t, ts, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d, want 200", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts, _, _ := newTestServer(t)

	if resp := get(t, ts, "/api/v1/chats", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key = %d, want 401", resp.StatusCode)
	}
	if resp := get(t, ts, "/api/v1/chats", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key = %d, want 401", resp.StatusCode)
	}
	if resp := get(t, ts, "/api/v1/chats", "secret"); resp.StatusCode != http.StatusOK {
		t.Errorf("right key = %d, want 200", resp.StatusCode)
	}

	// Bearer form works too.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/chats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bearer key = %d, want 200", resp.StatusCode)
	}
}

func TestListChats(t *testing.T) {
	ts, engine, _ := newTestServer(t)

	resp := get(t, ts, "/api/v1/chats?sort=message_count", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Chats []query.ChatSummary `json:"chats"`
		Count int                 `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 2 || len(body.Chats) != 2 {
		t.Errorf("count = %d, chats = %d", body.Count, len(body.Chats))
	}
	if engine.lastSort != query.SortByMessageCount {
		t.Errorf("sort passed through = %q", engine.lastSort)
	}
}

func TestListChatsInvalidSort(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := get(t, ts, "/api/v1/chats?sort=rowid%3B+DROP+TABLE", "secret")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid sort = %d, want 400", resp.StatusCode)
	}
}

func TestChatDetail(t *testing.T) {
	ts, _, _ := newTestServer(t)

	if resp := get(t, ts, "/api/v1/chats/1", "secret"); resp.StatusCode != http.StatusOK {
		t.Errorf("existing chat = %d, want 200", resp.StatusCode)
	}
	if resp := get(t, ts, "/api/v1/chats/99", "secret"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing chat = %d, want 404", resp.StatusCode)
	}
	if resp := get(t, ts, "/api/v1/chats/abc", "secret"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id = %d, want 400", resp.StatusCode)
	}
	if resp := get(t, ts, "/api/v1/chats/1?recent=-5", "secret"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative recent = %d, want 400", resp.StatusCode)
	}
}

func TestSearch(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := get(t, ts, "/api/v1/search?q=road", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 {
		t.Errorf("count = %d, want 1", body.Count)
	}

	if resp := get(t, ts, "/api/v1/search?q=++", "secret"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank query = %d, want 400", resp.StatusCode)
	}
}

func TestStats(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := get(t, ts, "/api/v1/stats", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Index store.IndexStats `json:"index"`
		Sync  scheduler.Status `json:"sync"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Index.Messages != 42 {
		t.Errorf("messages = %d, want 42", body.Index.Messages)
	}
	if body.Sync.Schedule != "@hourly" {
		t.Errorf("schedule = %q", body.Sync.Schedule)
	}
}

func TestSyncTrigger(t *testing.T) {
	ts, _, sched := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/index/sync", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if sched.triggered != 1 {
		t.Errorf("triggered = %d, want 1", sched.triggered)
	}

	sched.err = scheduler.ErrSyncRunning
	resp2, err := ts.Client().Do(req.Clone(context.Background()))
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Errorf("running status = %d, want 409", resp2.StatusCode)
	}
}

func TestBuildStreamsEvents(t *testing.T) {
	events := []playlist.Event{
		{Stage: playlist.StageQuerying, Percent: 2},
		{Stage: playlist.StageAdding, Percent: 80, Current: 1, Total: 2},
		{Stage: playlist.StageDone, Percent: 100, Result: &playlist.ApplyResult{
			PlaylistID: "pl1", Candidates: 2, Added: 2, Status: "success",
		}},
	}
	ts, _, _ := newTestServer(t, func(s *Server) {
		s.builder = &fakeBuilder{events: events}
	})

	body := `{"chat_ids":[1],"start":"2024-01-01T00:00:00Z","end":"2024-02-01T00:00:00Z","playlist_id":"pl1"}`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/playlist/build", strings.NewReader(body))
	req.Header.Set("X-API-Key", "secret")
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	var got []buildEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev buildEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		got = append(got, ev)
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}

	if len(got) != len(events) {
		t.Fatalf("got %d events, want %d", len(got), len(events))
	}
	last := got[len(got)-1]
	if last.Stage != playlist.StageDone || last.Result == nil || last.Result.Added != 2 {
		t.Errorf("terminal event = %+v", last)
	}
}

func TestBuildWithoutService(t *testing.T) {
	ts, _, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/playlist/build", strings.NewReader(`{}`))
	req.Header.Set("X-API-Key", "secret")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	engine := &fakeEngine{}
	cfg := &config.Config{
		Server: config.ServerConfig{
			APIKey:      "secret",
			CORSOrigins: []string{"http://localhost:3000"},
		},
	}
	srv := NewServer(cfg, engine, &fakeStats{}, &fakeSched{}, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/chats", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if o := resp.Header.Get("Access-Control-Allow-Origin"); o != "http://localhost:3000" {
		t.Errorf("allow origin = %q", o)
	}
}

func TestRateLimiterAllows(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst denied")
	}
	if rl.Allow("a") {
		t.Error("burst exceeded but allowed")
	}
	// Separate keys get separate budgets.
	if !rl.Allow("b") {
		t.Error("fresh key denied")
	}
	time.Sleep(1100 * time.Millisecond)
	if !rl.Allow("a") {
		t.Error("token not refilled")
	}
}
