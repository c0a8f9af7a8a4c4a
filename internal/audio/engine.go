// Package audio handles stream decoding and playback using FFmpeg and Oto.
package audio

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("audio")

// ErrUnloaded is returned by Sound methods after Unload.
var ErrUnloaded = errors.New("sound is unloaded")

// LoadOptions control how a sound is prepared
type LoadOptions struct {
	// StartPlaying begins playback as soon as the sound is loaded
	StartPlaying bool
	// Loop restarts the sound from the beginning when it finishes
	Loop bool
}

// Status is a point-in-time view of a sound
type Status struct {
	IsLoaded       bool  `json:"isLoaded"`
	IsPlaying      bool  `json:"isPlaying"`
	PositionMillis int64 `json:"positionMillis"`
	DurationMillis int64 `json:"durationMillis"`
	// DidJustFinish is set on the single status update emitted when the
	// sound reaches its end without looping.
	DidJustFinish bool `json:"didJustFinish"`
}

// StatusFunc receives status updates from a sound
type StatusFunc func(Status)

// Sound is one loaded stream
type Sound interface {
	Play() error
	Pause() error
	Stop() error
	SetPosition(ms int64) error
	SetVolume(v float64) error
	Status() Status
	// OnStatus replaces the status subscriber. Updates arrive periodically
	// while loaded and immediately on state changes.
	OnStatus(fn StatusFunc)
	Unload() error
}

// Looper is implemented by sounds whose loop flag can change after load.
type Looper interface {
	SetLooping(loop bool)
}

// Engine loads sounds. Implementations play at most one sound at a time.
type Engine interface {
	Load(ctx context.Context, uri string, opts LoadOptions) (Sound, error)
	Close() error
}
