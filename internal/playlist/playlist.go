// Package playlist assembles deduplicated playlists from chat messages
// and applies them to the remote service in batches, reporting progress
// as a typed event stream.
package playlist

import (
	"context"
	"time"

	"github.com/chatrack/chatrack/internal/spotify"
)

// Stage identifies a build phase. Stages always advance in declaration
// order; a build never moves backwards.
type Stage string

const (
	StageQuerying   Stage = "querying"
	StageExtracting Stage = "extracting"
	StageProcessing Stage = "processing"
	StageAdding     Stage = "adding"
	StageDone       Stage = "done"
)

// Event is one progress update. Err is set only on a run-fatal failure
// and terminates the stream; Result is set only on the final StageDone
// event. Percent never decreases across a stream.
type Event struct {
	Stage   Stage        `json:"stage"`
	Percent int          `json:"percent"`
	Message string       `json:"message,omitempty"`
	Current int          `json:"current,omitempty"`
	Total   int          `json:"total,omitempty"`
	Err     error        `json:"-"`
	Result  *ApplyResult `json:"result,omitempty"`
}

// TrackStatus is the terminal disposition of one track candidate.
type TrackStatus string

const (
	StatusAdded     TrackStatus = "added"
	StatusDuplicate TrackStatus = "duplicate"
	StatusError     TrackStatus = "error"
)

// TrackResult is the outcome for one unique track candidate.
type TrackResult struct {
	URL     string      `json:"url"`
	TrackID string      `json:"track_id"`
	Title   string      `json:"title,omitempty"`
	Artist  string      `json:"artist,omitempty"`
	Status  TrackStatus `json:"status"`
	Error   string      `json:"error,omitempty"`
}

// SkippedLink is a link that never became a track candidate.
type SkippedLink struct {
	URL     string `json:"url"`
	Display string `json:"display"`
	Service string `json:"service,omitempty"`
}

// ApplyResult is the terminal summary of a build. Added + Duplicates +
// Errors always equals Candidates.
type ApplyResult struct {
	PlaylistID   string        `json:"playlist_id"`
	PlaylistName string        `json:"playlist_name,omitempty"`
	Candidates   int           `json:"candidates"`
	Added        int           `json:"added"`
	Duplicates   int           `json:"duplicates"`
	Errors       int           `json:"errors"`
	Tracks       []TrackResult `json:"tracks"`
	NonTrack     []SkippedLink `json:"non_track,omitempty"`
	OtherService []SkippedLink `json:"other_service,omitempty"`
	Status       string        `json:"status"` // success, partial or error
}

// Request describes one build. Exactly one of PlaylistID (apply to an
// existing playlist) or NewName (create one) must be set.
type Request struct {
	ChatIDs     []int64
	Start       time.Time
	End         time.Time
	PlaylistID  string
	NewName     string
	Description string
}

// Service is the remote playlist surface the builder needs. Satisfied
// by *spotify.Client.
type Service interface {
	PlaylistTracks(ctx context.Context, playlistID string) ([]string, error)
	AddTracks(ctx context.Context, playlistID string, trackIDs []string) error
	GetTrack(ctx context.Context, id string) (*spotify.Track, error)
	CreatePlaylist(ctx context.Context, name, description string) (*spotify.Playlist, error)
}
