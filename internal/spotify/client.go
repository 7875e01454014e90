// Package spotify implements the Web API client used to look up tracks
// and apply playlist changes.
package spotify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultBaseURL = "https://api.spotify.com/v1"
	maxRetries     = 6
	maxBackoff     = 60 * time.Second

	// MaxAddBatch is the API's limit on tracks per add request.
	MaxAddBatch = 100

	// pageLimit is the API's maximum page size for playlist tracks.
	pageLimit = 100
)

// Client talks to the Web API. Token acquisition and refresh are the
// TokenSource's business; the client only consumes it.
type Client struct {
	httpClient  *http.Client
	rateLimiter *RateLimiter
	logger      *slog.Logger
	baseURL     string
	market      string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimiter sets a custom rate limiter.
func WithRateLimiter(rl *RateLimiter) ClientOption {
	return func(c *Client) {
		c.rateLimiter = rl
	}
}

// WithMarket sets the market used for track lookups.
func WithMarket(market string) ClientOption {
	return func(c *Client) {
		c.market = market
	}
}

// WithBaseURL overrides the API base URL. Used by tests.
func WithBaseURL(base string) ClientOption {
	return func(c *Client) {
		c.baseURL = base
	}
}

// NewClient creates a Web API client over the given token source.
func NewClient(tokenSource oauth2.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: oauth2.NewClient(context.Background(), tokenSource),
		logger:     slog.Default(),
		baseURL:    defaultBaseURL,
		market:     "US",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rateLimiter == nil {
		c.rateLimiter = NewRateLimiter(DefaultQPS)
	}
	return c
}

// request makes one API call with rate limiting and retry. path must
// start with "/"; bodyBytes may be nil.
func (c *Client) request(ctx context.Context, method, path string, bodyBytes []byte) ([]byte, error) {
	if err := c.rateLimiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	reqURL := c.baseURL + path

	var lastErr error
	var lastRetryAfter time.Duration
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt, lastRetryAfter)
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff, "path", path)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			lastRetryAfter = retryAfter
			c.logger.Debug("rate limited, throttling", "path", path, "retry_after", retryAfter)
			c.rateLimiter.Throttle(retryAfter)
			lastErr = &RateLimitedError{RetryAfter: retryAfter}
			continue

		case http.StatusUnauthorized:
			// The oauth2 client already tried to refresh; give up.
			return nil, &AuthError{Status: resp.StatusCode, Body: string(respBody)}

		case http.StatusNotFound:
			return nil, &NotFoundError{Path: path}

		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			lastErr = &APIError{Status: resp.StatusCode, Body: string(respBody)}
			continue

		default:
			return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries+1, lastErr)
}

// calculateBackoff returns exponential backoff with full jitter, never
// shorter than a server-provided Retry-After.
func calculateBackoff(attempt int, retryAfter time.Duration) time.Duration {
	base := time.Duration(1<<uint(attempt-1)) * time.Second
	if base > maxBackoff {
		base = maxBackoff
	}
	backoff := time.Duration(rand.Int63n(int64(base) + 1))
	if backoff < retryAfter {
		backoff = retryAfter
	}
	return backoff
}

// parseRetryAfter reads a Retry-After header value in seconds.
func parseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 30 * time.Second
}

// get unmarshals a GET response into out.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	body, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Me returns the authenticated user. Used as an auth preflight: an
// AuthError here means the whole run cannot proceed.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.get(ctx, "/me", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetTrack returns metadata for one track.
func (c *Client) GetTrack(ctx context.Context, id string) (*Track, error) {
	var t Track
	path := "/tracks/" + url.PathEscape(id) + "?market=" + url.QueryEscape(c.market)
	if err := c.get(ctx, path, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PlaylistTracks returns the ids of every track in a playlist,
// following pagination to the end.
func (c *Client) PlaylistTracks(ctx context.Context, playlistID string) ([]string, error) {
	path := "/playlists/" + url.PathEscape(playlistID) +
		"/tracks?fields=items(track(id)),next&limit=" + strconv.Itoa(pageLimit)

	var ids []string
	for path != "" {
		var page playlistTracksPage
		if err := c.get(ctx, path, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if item.Track.ID != "" {
				ids = append(ids, item.Track.ID)
			}
		}
		next, err := nextPath(page.Next)
		if err != nil {
			return nil, err
		}
		path = next
	}
	return ids, nil
}

// nextPath reduces a pagination "next" URL to a path relative to the
// API base, so test servers and the real API both work.
func nextPath(next string) (string, error) {
	if next == "" {
		return "", nil
	}
	u, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("parse next page url: %w", err)
	}
	return u.RequestURI(), nil
}

// AddTracks appends tracks to a playlist. len(trackIDs) must not exceed
// MaxAddBatch; batching is the caller's job.
func (c *Client) AddTracks(ctx context.Context, playlistID string, trackIDs []string) error {
	if len(trackIDs) == 0 {
		return nil
	}
	if len(trackIDs) > MaxAddBatch {
		return fmt.Errorf("add batch of %d exceeds limit %d", len(trackIDs), MaxAddBatch)
	}

	uris := make([]string, len(trackIDs))
	for i, id := range trackIDs {
		uris[i] = "spotify:track:" + id
	}
	body, err := json.Marshal(map[string]interface{}{"uris": uris})
	if err != nil {
		return fmt.Errorf("encode add request: %w", err)
	}

	_, err = c.request(ctx, http.MethodPost, "/playlists/"+url.PathEscape(playlistID)+"/tracks", body)
	return err
}

// CreatePlaylist creates a private playlist owned by the authenticated
// user.
func (c *Client) CreatePlaylist(ctx context.Context, name, description string) (*Playlist, error) {
	me, err := c.Me(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]interface{}{
		"name":        name,
		"description": description,
		"public":      false,
	})
	if err != nil {
		return nil, fmt.Errorf("encode create request: %w", err)
	}

	respBody, err := c.request(ctx, http.MethodPost, "/users/"+url.PathEscape(me.ID)+"/playlists", body)
	if err != nil {
		return nil, err
	}
	var p Playlist
	if err := json.Unmarshal(respBody, &p); err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}
	return &p, nil
}
