package playback

import (
	"errors"
	"fmt"
	"strings"

	"github.com/audara/audarad/internal/types"
)

var (
	ErrIndexOutOfRange   = errors.New("index out of range")
	ErrLoadInFlight      = errors.New("a load is already in flight")
	ErrSeekOutOfRange    = errors.New("seek position out of range")
	ErrInvalidVolume     = errors.New("volume must be between 0.0 and 1.0")
	ErrResolutionTimeout = errors.New("stream resolution timed out")
	ErrUnresolved        = errors.New("track has no stream url")
	ErrSuperseded        = errors.New("load superseded")
	ErrClosed            = errors.New("playback engine closed")
)

// LoadErrorKind classifies why the audio engine could not load a stream
type LoadErrorKind int

const (
	LoadFailed LoadErrorKind = iota
	LoadForbidden
	LoadNotFound
	LoadGone
	LoadServerError
)

// String returns the string representation of the kind
func (k LoadErrorKind) String() string {
	switch k {
	case LoadForbidden:
		return "forbidden"
	case LoadNotFound:
		return "not-found"
	case LoadGone:
		return "gone"
	case LoadServerError:
		return "server-error"
	default:
		return "failed"
	}
}

// LoadError is returned when a resolved stream URL cannot be loaded.
type LoadError struct {
	Track types.Track
	Kind  LoadErrorKind
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s (%s): %v", e.Track.Key(), e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// NeedsResolve reports whether the stream URL has probably expired and the
// track should be resolved again through the session before retrying.
func (e *LoadError) NeedsResolve() bool {
	switch e.Kind {
	case LoadForbidden, LoadNotFound, LoadGone:
		return true
	default:
		return false
	}
}

// classifyLoadError inspects engine error text for HTTP status codes
func classifyLoadError(err error) LoadErrorKind {
	if err == nil {
		return LoadFailed
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "403"):
		return LoadForbidden
	case strings.Contains(msg, "404"):
		return LoadNotFound
	case strings.Contains(msg, "410"):
		return LoadGone
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"),
		strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		return LoadServerError
	default:
		return LoadFailed
	}
}

// ResolutionError is a stream-song request the server answered with an error.
type ResolutionError struct {
	Key    types.TrackKey
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %s", e.Key, e.Reason)
}
