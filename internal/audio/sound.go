package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	statusInterval = 250 * time.Millisecond
	stopTimeout    = 2 * time.Second
)

// FFmpegEngine decodes stream URLs with FFmpeg and plays them through a
// shared Oto output. Loading a sound unloads the previous one.
type FFmpegEngine struct {
	decoder *FFmpegDecoder
	output  *OtoOutput

	mu     sync.Mutex
	active *ffmpegSound
}

// NewFFmpegEngine creates the engine and opens the audio device
func NewFFmpegEngine(sampleRate int) (*FFmpegEngine, error) {
	decoder, err := NewFFmpegDecoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	output, err := NewOtoOutput(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio output: %w", err)
	}
	return &FFmpegEngine{decoder: decoder, output: output}, nil
}

// Load probes uri and prepares it for playback.
func (e *FFmpegEngine) Load(ctx context.Context, uri string, opts LoadOptions) (Sound, error) {
	duration, err := e.decoder.Probe(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", uri, err)
	}

	e.mu.Lock()
	prev := e.active
	e.active = nil
	e.mu.Unlock()
	if prev != nil {
		log.Debug("unloading previous sound before load")
		prev.Unload()
	}

	s := &ffmpegSound{
		engine:   e,
		uri:      uri,
		duration: duration.Milliseconds(),
		loop:     opts.Loop,
		loaded:   true,
		clock:    newPlayClock(),
		stopTick: make(chan struct{}),
	}

	e.mu.Lock()
	e.active = s
	e.mu.Unlock()

	go s.tickLoop()
	log.Infof("loaded %s (%dms)", uri, s.duration)

	if opts.StartPlaying {
		if err := s.Play(); err != nil {
			s.Unload()
			return nil, err
		}
	}
	return s, nil
}

func (e *FFmpegEngine) release(s *ffmpegSound) {
	e.mu.Lock()
	if e.active == s {
		e.active = nil
	}
	e.mu.Unlock()
}

// Close unloads the active sound and closes the audio device
func (e *FFmpegEngine) Close() error {
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()
	if active != nil {
		active.Unload()
	}

	var errs []error
	if err := e.decoder.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.output.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type ffmpegSound struct {
	engine   *FFmpegEngine
	uri      string
	duration int64
	loop     bool

	mu       sync.Mutex
	loaded   bool
	playing  bool
	clock    playClock
	cancel   context.CancelFunc // non-nil while a decode is running
	done     chan struct{}
	gen      uint64
	onStatus StatusFunc
	stopTick chan struct{}
}

func (s *ffmpegSound) Play() error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrUnloaded
	}
	if s.playing {
		s.mu.Unlock()
		return nil
	}
	if s.cancel == nil {
		start := s.clock.Position()
		if s.duration > 0 && start >= s.duration {
			start = 0
			s.clock.Set(0)
		}
		s.startDecodeLocked(start)
	}
	s.engine.output.Resume()
	s.clock.Start()
	s.playing = true
	st := s.statusLocked()
	s.mu.Unlock()

	s.emit(st)
	return nil
}

func (s *ffmpegSound) Pause() error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrUnloaded
	}
	if !s.playing {
		s.mu.Unlock()
		return nil
	}
	s.engine.output.Pause()
	s.clock.Pause()
	s.playing = false
	st := s.statusLocked()
	s.mu.Unlock()

	s.emit(st)
	return nil
}

func (s *ffmpegSound) Stop() error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrUnloaded
	}
	done := s.stopDecodeLocked()
	s.clock.Pause()
	s.clock.Set(0)
	s.playing = false
	st := s.statusLocked()
	s.mu.Unlock()

	s.drain(done)
	s.emit(st)
	return nil
}

func (s *ffmpegSound) SetPosition(ms int64) error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrUnloaded
	}
	ms = clampPosition(ms, s.duration)
	done := s.stopDecodeLocked()
	s.clock.Set(ms)
	s.mu.Unlock()

	s.drain(done)

	s.mu.Lock()
	if s.loaded && s.playing && s.cancel == nil {
		s.startDecodeLocked(ms)
	}
	st := s.statusLocked()
	s.mu.Unlock()

	s.emit(st)
	return nil
}

func (s *ffmpegSound) SetVolume(v float64) error {
	if v < 0 || v > 1 {
		return errors.New("volume must be between 0.0 and 1.0")
	}
	s.engine.output.SetVolume(v)
	return nil
}

func (s *ffmpegSound) SetLooping(loop bool) {
	s.mu.Lock()
	s.loop = loop
	s.mu.Unlock()
}

func (s *ffmpegSound) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *ffmpegSound) statusLocked() Status {
	return Status{
		IsLoaded:       s.loaded,
		IsPlaying:      s.playing,
		PositionMillis: clampPosition(s.clock.Position(), s.duration),
		DurationMillis: s.duration,
	}
}

func (s *ffmpegSound) OnStatus(fn StatusFunc) {
	s.mu.Lock()
	s.onStatus = fn
	s.mu.Unlock()
}

func (s *ffmpegSound) Unload() error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return nil
	}
	s.loaded = false
	s.playing = false
	s.onStatus = nil
	done := s.stopDecodeLocked()
	close(s.stopTick)
	s.mu.Unlock()

	s.drain(done)
	s.engine.release(s)
	log.Debugf("unloaded %s", s.uri)
	return nil
}

func (s *ffmpegSound) emit(st Status) {
	s.mu.Lock()
	fn := s.onStatus
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (s *ffmpegSound) tickLoop() {
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

// startDecodeLocked begins decoding from startMs. Caller must hold s.mu.
func (s *ffmpegSound) startDecodeLocked(startMs int64) {
	ctx, cancel := context.WithCancel(context.Background())
	s.gen++
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.decode(ctx, s.gen, startMs, s.done)
}

// stopDecodeLocked cancels the running decode and returns its done channel.
// Caller must hold s.mu and call drain after unlocking.
func (s *ffmpegSound) stopDecodeLocked() chan struct{} {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.cancel = nil
	s.gen++
	return s.done
}

// drain clears the output so a writer blocked on a full buffer can exit,
// waits for the decoder, then clears anything it wrote on the way out.
func (s *ffmpegSound) drain(done chan struct{}) {
	if done == nil {
		return
	}
	out := s.engine.output
	out.Stop()
	waitDone(done, stopTimeout)
	out.Stop()
}

func (s *ffmpegSound) decode(ctx context.Context, gen uint64, startMs int64, done chan struct{}) {
	defer close(done)

	err := s.engine.decoder.DecodeFrom(ctx, s.uri, s.engine.output, startMs)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Warnf("decode error for %s: %v", s.uri, err)
	}

	// Let the buffered tail reach the device
	for s.engine.output.Buffered() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}

	s.mu.Lock()
	if s.gen != gen || !s.loaded {
		s.mu.Unlock()
		return
	}
	s.cancel = nil

	if s.loop && err == nil {
		s.clock.Set(0)
		s.startDecodeLocked(0)
		s.mu.Unlock()
		log.Debugf("looping %s", s.uri)
		return
	}

	s.playing = false
	s.clock.Pause()
	if s.duration > 0 {
		s.clock.Set(s.duration)
	}
	st := s.statusLocked()
	st.DidJustFinish = true
	s.mu.Unlock()

	log.Infof("finished %s", s.uri)
	s.emit(st)
}
