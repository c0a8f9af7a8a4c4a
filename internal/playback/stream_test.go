package playback

import (
	"errors"
	"testing"
)

func TestNormalizeDurationMillis(t *testing.T) {
	tests := []struct {
		raw  float64
		want int64
	}{
		{0, DefaultDurationMillis},
		{-3, DefaultDurationMillis},
		{215, 215000},
		{0.5, 500},
		{999, 999000},
		{1000, 1000},
		{215000, 215000},
	}
	for _, tt := range tests {
		if got := NormalizeDurationMillis(tt.raw); got != tt.want {
			t.Errorf("NormalizeDurationMillis(%v) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestResolveStreamURL(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		server string
		want   string
	}{
		{"placeholder", "URLPATH/stream/1.mp3", "ws://music.example:8080/ws", "http://music.example:8080/stream/1.mp3"},
		{"placeholder with scheme", "https://URLPATH/s.mp3", "wss://music.example", "https://music.example/s.mp3"},
		{"absolute", "http://cdn.example/a.mp3", "ws://music.example", "http://cdn.example/a.mp3"},
		{"bare host", "cdn.example/a.mp3", "ws://music.example", "http://cdn.example/a.mp3"},
		{"empty", "  ", "ws://music.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveStreamURL(tt.raw, tt.server); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyLoadError(t *testing.T) {
	tests := []struct {
		err          error
		kind         LoadErrorKind
		needsResolve bool
	}{
		{errors.New("HTTP error 403 Forbidden"), LoadForbidden, true},
		{errors.New("Server returned 404 Not Found"), LoadNotFound, true},
		{errors.New("HTTP error 410 Gone"), LoadGone, true},
		{errors.New("HTTP error 503 Service Unavailable"), LoadServerError, false},
		{errors.New("connection refused"), LoadFailed, false},
	}
	for _, tt := range tests {
		lerr := &LoadError{Kind: classifyLoadError(tt.err), Err: tt.err}
		if lerr.Kind != tt.kind {
			t.Errorf("%v: got %s, want %s", tt.err, lerr.Kind, tt.kind)
		}
		if lerr.NeedsResolve() != tt.needsResolve {
			t.Errorf("%v: NeedsResolve = %v", tt.err, lerr.NeedsResolve())
		}
		if !errors.Is(lerr, tt.err) {
			t.Errorf("LoadError should unwrap to its cause")
		}
	}
}
