package chatdb

import (
	"bytes"
	"encoding/binary"
	"strings"
	"unicode/utf8"

	"howett.net/plist"

	"github.com/chatrack/chatrack/internal/textutil"
)

// DecodeBody extracts plain text from a message row. Preference order:
// the text column, the attributedBody typedstream, the payload_data
// property list of app messages. Returns "" when nothing decodes; a
// decode failure is never an error.
func DecodeBody(m *Message) string {
	if m.Text.Valid && strings.TrimSpace(m.Text.String) != "" {
		return textutil.EnsureUTF8(m.Text.String)
	}
	if s := decodeTypedStream(m.AttributedBody); s != "" {
		return textutil.EnsureUTF8(s)
	}
	return decodePayload(m.PayloadData)
}

// decodeTypedStream pulls the NSString payload out of an attributedBody
// typedstream blob. The format is not keyed archiving; the string lives
// right after the class name, a short class-reference suffix and a '+'
// type marker, prefixed with its byte length.
func decodeTypedStream(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	pos := -1
	for _, marker := range [][]byte{[]byte("NSString"), []byte("NSMutableString")} {
		if i := bytes.Index(data, marker); i >= 0 {
			if pos == -1 || i+len(marker) < pos {
				pos = i + len(marker)
			}
		}
	}
	if pos < 0 {
		return ""
	}

	// The class-reference suffix is a handful of bytes; the '+' marker
	// introduces the string data.
	limit := pos + 8
	if limit > len(data) {
		limit = len(data)
	}
	plus := bytes.IndexByte(data[pos:limit], '+')
	if plus < 0 {
		return ""
	}
	pos += plus + 1

	n, pos, ok := readStreamLength(data, pos)
	if !ok || pos+n > len(data) {
		return ""
	}
	raw := data[pos : pos+n]

	if utf8.Valid(raw) {
		return strings.TrimSpace(string(raw))
	}
	return strings.TrimSpace(textutil.DecodeUTF16(raw))
}

// readStreamLength reads a typedstream length: one byte below 0x80 is
// the length itself, 0x81 prefixes a little-endian uint16, 0x82 a
// little-endian uint32.
func readStreamLength(data []byte, pos int) (int, int, bool) {
	if pos >= len(data) {
		return 0, 0, false
	}
	b := data[pos]
	pos++
	switch {
	case b < 0x80:
		return int(b), pos, true
	case b == 0x81:
		if pos+2 > len(data) {
			return 0, 0, false
		}
		return int(binary.LittleEndian.Uint16(data[pos:])), pos + 2, true
	case b == 0x82:
		if pos+4 > len(data) {
			return 0, 0, false
		}
		return int(binary.LittleEndian.Uint32(data[pos:])), pos + 4, true
	}
	return 0, 0, false
}

// decodePayload extracts the shared URL (and a best-effort title) from an
// app-message payload_data property list. App messages carry a keyed
// archive whose $objects array holds the interesting strings.
func decodePayload(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	var doc map[string]interface{}
	if _, err := plist.Unmarshal(data, &doc); err != nil {
		return ""
	}

	objects, _ := doc["$objects"].([]interface{})
	var linkURL, title string
	for _, o := range objects {
		s, ok := o.(string)
		if !ok {
			continue
		}
		if linkURL == "" && (strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")) {
			linkURL = s
			continue
		}
		if isLikelyTitle(s) && len(s) > len(title) {
			title = s
		}
	}
	if linkURL == "" {
		return ""
	}
	if title == "" {
		return linkURL
	}
	return linkURL + "\n" + title
}

// isLikelyTitle filters keyed-archive strings down to human text. Class
// names, archive keys and bundle identifiers never contain spaces.
func isLikelyTitle(s string) bool {
	return strings.Contains(s, " ") &&
		!strings.Contains(s, "://") &&
		!strings.HasPrefix(s, "$") &&
		utf8.ValidString(s)
}
