// Package types provides shared type definitions used across the audarad daemon.
package types

import "strings"

// Track is a streamable song in the playback queue.
type Track struct {
	Title          string `json:"title"`
	Artist         string `json:"artist"`
	ArtworkURL     string `json:"artworkUrl,omitempty"`
	StreamURL      string `json:"streamUrl,omitempty"`
	DurationMillis int64  `json:"durationMillis,omitempty"`
}

// TrackKey identifies a track in the queue domain. There is no server-assigned id.
type TrackKey struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
}

// String returns "title - artist"
func (k TrackKey) String() string {
	return k.Title + " - " + k.Artist
}

// Key returns the (title, artist) identity of the track
func (t Track) Key() TrackKey {
	return TrackKey{Title: t.Title, Artist: t.Artist}
}

// Resolved reports whether the track has a stream URL that can be handed to the audio engine.
func (t Track) Resolved() bool {
	return strings.TrimSpace(t.StreamURL) != ""
}

// LoopMode represents the repeat behavior
type LoopMode int

const (
	LoopNone LoopMode = iota
	LoopAll
	LoopOne
)

// String returns the string representation of the loop mode
func (l LoopMode) String() string {
	switch l {
	case LoopOne:
		return "one"
	case LoopAll:
		return "all"
	default:
		return "none"
	}
}

// Next returns the mode that follows l in the none -> all -> one cycle
func (l LoopMode) Next() LoopMode {
	switch l {
	case LoopNone:
		return LoopAll
	case LoopAll:
		return LoopOne
	default:
		return LoopNone
	}
}

// ParseLoopMode parses a string into a LoopMode
func ParseLoopMode(s string) LoopMode {
	switch s {
	case "one":
		return LoopOne
	case "all":
		return LoopAll
	default:
		return LoopNone
	}
}

// MarshalText implements encoding.TextMarshaler
func (l LoopMode) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (l *LoopMode) UnmarshalText(b []byte) error {
	*l = ParseLoopMode(string(b))
	return nil
}
