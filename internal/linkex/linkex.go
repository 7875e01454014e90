// Package linkex extracts and classifies music links in message text.
//
// The package is pure: no I/O, no network. Classification answers one
// question per link: is this a playable track on the target service, a
// non-track resource there, a link to some other music service, or just
// a link.
package linkex

import (
	"net/url"
	"regexp"
	"strings"
)

// Kind classifies an extracted link.
type Kind int

const (
	// KindOther is a link that is not recognizably music-related.
	KindOther Kind = iota
	// KindTrack is a playable track on the target service.
	KindTrack
	// KindNonTrack is a non-track resource on the target service
	// (album, playlist, artist, radio, episode, show).
	KindNonTrack
	// KindOtherService is a link to a known other music service.
	KindOtherService
)

func (k Kind) String() string {
	switch k {
	case KindTrack:
		return "track"
	case KindNonTrack:
		return "non-track"
	case KindOtherService:
		return "other-service"
	default:
		return "other"
	}
}

// Link is one extracted URL with its classification.
type Link struct {
	URL          string
	Kind         Kind
	OtherService string // service slug for KindOtherService links
	Display      string // short label: resource type, service slug or host
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// trailingJunk is punctuation that belongs to the surrounding sentence
// or markup, not to the URL.
const trailingJunk = ".,;:!?)]}>*_~'\"`"

// Extract returns every URL in text, in occurrence order, classified.
// Duplicates are preserved; deduplication is a later concern.
func Extract(text string) []Link {
	if text == "" {
		return nil
	}
	matches := urlPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	links := make([]Link, 0, len(matches))
	for _, raw := range matches {
		cleaned := trimTrailing(raw)
		if cleaned == "" {
			continue
		}
		links = append(links, classify(cleaned))
	}
	return links
}

// trimTrailing strips sentence punctuation and unbalanced closers from
// the end of a matched URL. A ')' is kept while the URL still contains
// an unmatched '(' (Wikipedia-style paths).
func trimTrailing(s string) string {
	for len(s) > 0 {
		last := s[len(s)-1]
		if !strings.ContainsRune(trailingJunk, rune(last)) {
			break
		}
		if last == ')' && strings.Count(s, "(") >= strings.Count(s, ")") {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

// nonTrackResources are target-service path roots that name resources a
// playlist cannot contain directly.
var nonTrackResources = map[string]bool{
	"album":    true,
	"playlist": true,
	"artist":   true,
	"station":  true,
	"episode":  true,
	"show":     true,
	"user":     true,
}

// otherServices maps hostnames to service slugs.
var otherServices = map[string]string{
	"youtube.com":       "youtube",
	"www.youtube.com":   "youtube",
	"youtu.be":          "youtube",
	"music.youtube.com": "youtube-music",
	"music.apple.com":   "apple-music",
	"itunes.apple.com":  "apple-music",
	"soundcloud.com":    "soundcloud",
	"on.soundcloud.com": "soundcloud",
	"tidal.com":         "tidal",
	"listen.tidal.com":  "tidal",
	"www.deezer.com":    "deezer",
	"deezer.com":        "deezer",
	"deezer.page.link":  "deezer",
}

func classify(raw string) Link {
	link := Link{URL: raw, Kind: KindOther}

	u, err := url.Parse(raw)
	if err != nil {
		link.Display = "link"
		return link
	}
	host := strings.ToLower(u.Hostname())
	link.Display = host

	if host == "open.spotify.com" || host == "play.spotify.com" {
		resource, _ := splitResource(u.Path)
		switch {
		case resource == "track":
			link.Kind = KindTrack
			link.Display = "track"
		case nonTrackResources[resource]:
			link.Kind = KindNonTrack
			link.Display = resource
		}
		return link
	}

	if svc, ok := otherServices[host]; ok {
		link.Kind = KindOtherService
		link.OtherService = svc
		link.Display = svc
		return link
	}
	if strings.HasSuffix(host, ".bandcamp.com") {
		link.Kind = KindOtherService
		link.OtherService = "bandcamp"
		link.Display = "bandcamp"
	}
	return link
}

// splitResource returns the resource type and id from a service path,
// skipping locale segments like /intl-de/.
func splitResource(path string) (resource, id string) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) > 0 && strings.HasPrefix(segs[0], "intl-") {
		segs = segs[1:]
	}
	if len(segs) == 0 {
		return "", ""
	}
	resource = strings.ToLower(segs[0])
	if len(segs) > 1 {
		id = segs[1]
	}
	return resource, id
}

// TrackID returns the normalized track id for a track link, dropping
// query parameters and locale path segments. Returns "" for anything
// that is not a track link.
func TrackID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host != "open.spotify.com" && host != "play.spotify.com" {
		return ""
	}
	resource, id := splitResource(u.Path)
	if resource != "track" || id == "" {
		return ""
	}
	return id
}
