package playback

import (
	"math"
	"strings"

	"github.com/audara/audarad/internal/session"
)

// DefaultDurationMillis is assumed when the server reports no duration.
const DefaultDurationMillis = 180000

// URLPlaceholder is replaced with the server host in resolved stream URLs.
const URLPlaceholder = "URLPATH"

// NormalizeDurationMillis converts a server-reported duration to milliseconds.
// Values below 1000 are taken as seconds. This misreads clips shorter than
// one second reported in milliseconds; keep all unit guessing here.
func NormalizeDurationMillis(raw float64) int64 {
	switch {
	case raw <= 0 || math.IsNaN(raw) || math.IsInf(raw, 0):
		return DefaultDurationMillis
	case raw < 1000:
		return int64(math.Round(raw * 1000))
	default:
		return int64(math.Round(raw))
	}
}

// ResolveStreamURL substitutes the server host for the placeholder in raw
// and makes sure the result has a scheme.
func ResolveStreamURL(raw, serverURL string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if strings.Contains(u, URLPlaceholder) {
		u = strings.ReplaceAll(u, URLPlaceholder, session.HostOf(serverURL))
	}
	if !strings.Contains(u, "://") {
		u = "http://" + strings.TrimPrefix(u, "//")
	}
	return u
}
