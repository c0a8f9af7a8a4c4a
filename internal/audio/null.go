package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

// NullEngine plays nothing but keeps time like a real engine. It backs
// test mode and hosts without an audio device.
type NullEngine struct {
	// DefaultDuration is used for every sound; zero means one that never ends.
	DefaultDuration time.Duration

	mu     sync.Mutex
	active *nullSound
}

// NewNullEngine creates a silent engine
func NewNullEngine(defaultDuration time.Duration) *NullEngine {
	return &NullEngine{DefaultDuration: defaultDuration}
}

// Load returns a silent sound. Empty URIs are rejected.
func (e *NullEngine) Load(ctx context.Context, uri string, opts LoadOptions) (Sound, error) {
	if uri == "" {
		return nil, errors.New("load: empty uri")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	prev := e.active
	e.active = nil
	e.mu.Unlock()
	if prev != nil {
		prev.Unload()
	}

	s := &nullSound{
		engine:   e,
		duration: e.DefaultDuration.Milliseconds(),
		loop:     opts.Loop,
		loaded:   true,
		clock:    newPlayClock(),
		stopTick: make(chan struct{}),
	}
	e.mu.Lock()
	e.active = s
	e.mu.Unlock()

	go s.tickLoop()
	if opts.StartPlaying {
		s.Play()
	}
	return s, nil
}

// Close unloads the active sound
func (e *NullEngine) Close() error {
	e.mu.Lock()
	active := e.active
	e.active = nil
	e.mu.Unlock()
	if active != nil {
		active.Unload()
	}
	return nil
}

type nullSound struct {
	engine   *NullEngine
	duration int64
	loop     bool

	mu       sync.Mutex
	loaded   bool
	playing  bool
	clock    playClock
	timer    *time.Timer
	gen      uint64
	onStatus StatusFunc
	stopTick chan struct{}
}

// armLocked schedules the end-of-track event for the current run
func (s *nullSound) armLocked() {
	s.disarmLocked()
	if s.duration <= 0 {
		return
	}
	remaining := s.duration - s.clock.Position()
	if remaining < 0 {
		remaining = 0
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(time.Duration(remaining)*time.Millisecond, func() { s.finish(gen) })
}

func (s *nullSound) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *nullSound) finish(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || !s.loaded || !s.playing {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if s.loop {
		s.clock.Set(0)
		s.armLocked()
		s.mu.Unlock()
		return
	}
	s.playing = false
	s.clock.Pause()
	s.clock.Set(s.duration)
	st := s.statusLocked()
	st.DidJustFinish = true
	s.mu.Unlock()
	s.emit(st)
}

func (s *nullSound) Play() error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrUnloaded
	}
	if s.playing {
		s.mu.Unlock()
		return nil
	}
	if s.duration > 0 && s.clock.Position() >= s.duration {
		s.clock.Set(0)
	}
	s.clock.Start()
	s.playing = true
	s.armLocked()
	st := s.statusLocked()
	s.mu.Unlock()
	s.emit(st)
	return nil
}

func (s *nullSound) Pause() error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrUnloaded
	}
	if !s.playing {
		s.mu.Unlock()
		return nil
	}
	s.clock.Pause()
	s.playing = false
	s.disarmLocked()
	st := s.statusLocked()
	s.mu.Unlock()
	s.emit(st)
	return nil
}

func (s *nullSound) Stop() error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrUnloaded
	}
	s.clock.Pause()
	s.clock.Set(0)
	s.playing = false
	s.disarmLocked()
	st := s.statusLocked()
	s.mu.Unlock()
	s.emit(st)
	return nil
}

func (s *nullSound) SetPosition(ms int64) error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrUnloaded
	}
	s.clock.Set(clampPosition(ms, s.duration))
	if s.playing {
		s.armLocked()
	}
	st := s.statusLocked()
	s.mu.Unlock()
	s.emit(st)
	return nil
}

func (s *nullSound) SetVolume(v float64) error {
	if v < 0 || v > 1 {
		return errors.New("volume must be between 0.0 and 1.0")
	}
	return nil
}

func (s *nullSound) SetLooping(loop bool) {
	s.mu.Lock()
	s.loop = loop
	s.mu.Unlock()
}

func (s *nullSound) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *nullSound) statusLocked() Status {
	return Status{
		IsLoaded:       s.loaded,
		IsPlaying:      s.playing,
		PositionMillis: clampPosition(s.clock.Position(), s.duration),
		DurationMillis: s.duration,
	}
}

func (s *nullSound) OnStatus(fn StatusFunc) {
	s.mu.Lock()
	s.onStatus = fn
	s.mu.Unlock()
}

func (s *nullSound) Unload() error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return nil
	}
	s.loaded = false
	s.playing = false
	s.onStatus = nil
	s.disarmLocked()
	close(s.stopTick)
	s.mu.Unlock()

	s.engine.mu.Lock()
	if s.engine.active == s {
		s.engine.active = nil
	}
	s.engine.mu.Unlock()
	return nil
}

func (s *nullSound) emit(st Status) {
	s.mu.Lock()
	fn := s.onStatus
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (s *nullSound) tickLoop() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopTick:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.loaded {
				s.mu.Unlock()
				return
			}
			st := s.statusLocked()
			s.mu.Unlock()
			s.emit(st)
		}
	}
}
