package spotify

import "strings"

// User is the authenticated user's profile.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Artist is a track artist.
type Artist struct {
	Name string `json:"name"`
}

// Track is track metadata.
type Track struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	DurationMS int64    `json:"duration_ms"`
	Artists    []Artist `json:"artists"`
}

// ArtistNames returns the artists joined for display.
func (t *Track) ArtistNames() string {
	names := make([]string, len(t.Artists))
	for i, a := range t.Artists {
		names[i] = a.Name
	}
	return strings.Join(names, ", ")
}

// Playlist is playlist metadata.
type Playlist struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SnapshotID string `json:"snapshot_id"`
}

// playlistTracksPage is one page of a playlist's track listing.
type playlistTracksPage struct {
	Items []struct {
		Track struct {
			ID string `json:"id"`
		} `json:"track"`
	} `json:"items"`
	Next string `json:"next"`
}
