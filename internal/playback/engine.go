// Package playback drives the audio engine from the queue: loading tracks,
// reacting to end-of-track events and resolving stream URLs on demand.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/audara/audarad/internal/audio"
	"github.com/audara/audarad/internal/queue"
	"github.com/audara/audarad/internal/types"
)

var log = logging.Logger("playback")

const mailboxSize = 64

// Options configure an Engine
type Options struct {
	// ResolveTimeout bounds a single stream-song round trip
	ResolveTimeout time.Duration
	// LoadTimeout bounds a single audio engine load
	LoadTimeout time.Duration
	// Volume is applied to every loaded sound
	Volume float64
}

// DefaultOptions returns the default engine options
func DefaultOptions() Options {
	return Options{
		ResolveTimeout: 30 * time.Second,
		LoadTimeout:    30 * time.Second,
		Volume:         1.0,
	}
}

// State is a snapshot of the player
type State struct {
	Queue          []types.Track    `json:"queue"`
	CurrentIndex   int              `json:"currentIndex"`
	Current        *types.Track     `json:"current,omitempty"`
	IsPlaying      bool             `json:"isPlaying"`
	IsLoading      bool             `json:"isLoading"`
	PositionMillis int64            `json:"positionMillis"`
	DurationMillis int64            `json:"durationMillis"`
	Progress       float64          `json:"progress"`
	Loop           types.LoopMode   `json:"loop"`
	Volume         float64          `json:"volume"`
	Resolving      []types.TrackKey `json:"resolving"`
}

// Engine owns the active sound and the queue cursor. All mutations run on a
// single goroutine; public methods post to it and wait for the result.
type Engine struct {
	audio    audio.Engine
	queue    *queue.Manager
	resolver *resolver
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc

	mailbox   chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// owned by the run goroutine
	sound      audio.Sound
	gen        uint64
	loading    bool
	loadCancel context.CancelFunc
	playing    bool
	position   int64
	duration   int64
	volume     float64

	snapMu sync.RWMutex
	snap   State

	subMu  sync.Mutex
	subs   map[int]chan State
	nextID int
}

// NewEngine creates an engine and starts its run loop. The queue manager is
// owned by the engine from here on; callers only read it.
func NewEngine(engine audio.Engine, sender Sender, q *queue.Manager, opts Options) *Engine {
	defaults := DefaultOptions()
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = defaults.ResolveTimeout
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = defaults.LoadTimeout
	}
	if opts.Volume < 0 || opts.Volume > 1 {
		opts.Volume = defaults.Volume
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		audio:   engine,
		queue:   q,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		mailbox: make(chan func(), mailboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		volume:  opts.Volume,
		subs:    make(map[int]chan State),
	}
	e.resolver = newResolver(sender, opts.ResolveTimeout, func() { e.post(e.publish) })
	e.resolver.start()
	e.publish()

	go e.run()
	return e
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case fn := <-e.mailbox:
			fn()
		case <-e.quit:
			e.teardown()
			e.playing = false
			e.publish()
			return
		}
	}
}

// Close stops playback and the run loop
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.resolver.stop()
		e.cancel()
		close(e.quit)
	})
	<-e.done

	e.subMu.Lock()
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
	e.subMu.Unlock()
	return nil
}

// do runs fn on the run goroutine and returns its error
func (e *Engine) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case e.mailbox <- func() { res <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
}

// post queues fn without waiting. It drops fn if the engine is closed.
func (e *Engine) post(fn func()) {
	select {
	case e.mailbox <- fn:
	case <-e.done:
	}
}

// tryPost queues fn unless the mailbox is full
func (e *Engine) tryPost(fn func()) {
	select {
	case e.mailbox <- fn:
	default:
	}
}

// await waits for a load started by the run goroutine
func (e *Engine) await(ctx context.Context, result <-chan error) error {
	if result == nil {
		return nil
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
}

// Enqueue adds a track to the queue, resolving its stream URL first when it
// has none. Playback starts automatically when the queue was empty and idle.
// Cancelling ctx stops the wait but not the resolution.
func (e *Engine) Enqueue(ctx context.Context, track types.Track) error {
	var needsResolve bool
	err := e.do(ctx, func() error {
		var err error
		needsResolve, err = e.enqueue(track)
		return err
	})
	if err != nil || !needsResolve {
		return err
	}

	// The resolution outlives ctx: a track whose caller gave up is still
	// enqueued once the server answers, as long as the engine is open.
	result := make(chan error, 1)
	go func() {
		resolved, err := e.resolver.Resolve(e.ctx, track)
		if err != nil {
			log.Warnf("not enqueuing %s: %v", track.Key(), err)
			result <- err
			return
		}
		result <- e.do(e.ctx, func() error {
			_, err := e.enqueue(resolved)
			return err
		})
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		log.Debugf("caller stopped waiting for %s; it is enqueued once resolved", track.Key())
		return ctx.Err()
	}
}

func (e *Engine) enqueue(track types.Track) (bool, error) {
	if pos := e.queue.IndexOf(track.Key()); pos >= 0 {
		existing, _ := e.queue.At(pos)
		if track.Resolved() {
			existing = track
		}
		if _, changed := e.queue.Enqueue(existing); changed {
			e.publish()
		}
		return false, nil
	}
	if !track.Resolved() {
		return true, nil
	}

	wasEmpty := e.queue.Len() == 0
	idx, _ := e.queue.Enqueue(track)
	log.Infof("enqueued %s at %d", track.Key(), idx)
	if wasEmpty && e.sound == nil && !e.loading {
		if _, err := e.startLoad(idx); err != nil {
			log.Warnf("autoplay failed: %v", err)
		}
	}
	e.publish()
	return false, nil
}

// Reresolve requests a fresh stream URL for the track at index and stores it.
func (e *Engine) Reresolve(ctx context.Context, index int) error {
	track, ok := e.queue.At(index)
	if !ok {
		return ErrIndexOutOfRange
	}
	stale := track
	stale.StreamURL = ""
	resolved, err := e.resolver.Resolve(ctx, stale)
	if err != nil {
		return err
	}
	return e.do(ctx, func() error {
		if !e.queue.Update(resolved) {
			return ErrIndexOutOfRange
		}
		e.publish()
		return nil
	})
}

// PlayAt loads and plays the track at index and waits for the load.
func (e *Engine) PlayAt(ctx context.Context, index int) error {
	var result <-chan error
	err := e.do(ctx, func() error {
		if index < 0 || index >= e.queue.Len() {
			log.Warnf("playAt: index %d out of range (queue length %d)", index, e.queue.Len())
			return ErrIndexOutOfRange
		}
		var err error
		result, err = e.startLoad(index)
		return err
	})
	if err != nil {
		return err
	}
	return e.await(ctx, result)
}

// PlayNext advances to the next track. At the end of the queue without
// loop-all it does nothing.
func (e *Engine) PlayNext(ctx context.Context) error {
	return e.step(ctx, "next", e.queue.NextIndex)
}

// PlayPrevious moves to the previous track. At the start of the queue
// without loop-all it does nothing.
func (e *Engine) PlayPrevious(ctx context.Context) error {
	return e.step(ctx, "previous", e.queue.PrevIndex)
}

func (e *Engine) step(ctx context.Context, name string, pick func() int) error {
	var result <-chan error
	err := e.do(ctx, func() error {
		if e.loading {
			log.Debugf("%s ignored: load in flight", name)
			return ErrLoadInFlight
		}
		idx := pick()
		if idx < 0 {
			log.Infof("%s: no track", name)
			return nil
		}
		var err error
		result, err = e.startLoad(idx)
		return err
	})
	if err != nil {
		return err
	}
	return e.await(ctx, result)
}

// Pause pauses the active sound. Pausing when nothing is playing is a no-op.
func (e *Engine) Pause(ctx context.Context) error {
	return e.do(ctx, func() error {
		if e.sound == nil {
			log.Debug("pause: nothing loaded")
			return nil
		}
		st := e.sound.Status()
		if !st.IsLoaded {
			log.Warn("pause: sound is not loaded")
			return nil
		}
		if !st.IsPlaying {
			e.playing = false
			return nil
		}
		if err := e.sound.Pause(); err != nil {
			log.Warnf("pause failed: %v", err)
			return nil
		}
		e.playing = false
		e.position = st.PositionMillis
		e.publish()
		return nil
	})
}

// Resume continues the active sound, reloading the current track if the
// audio engine dropped it.
func (e *Engine) Resume(ctx context.Context) error {
	var result <-chan error
	err := e.do(ctx, func() error {
		if e.sound == nil {
			log.Debug("resume: nothing loaded")
			return nil
		}
		st := e.sound.Status()
		if !st.IsLoaded {
			idx := e.queue.Index()
			if idx < 0 {
				log.Warn("resume: sound unloaded and no current track")
				return nil
			}
			log.Warnf("resume: sound unloaded, reloading track %d", idx)
			var err error
			result, err = e.startLoad(idx)
			return err
		}
		if st.IsPlaying {
			e.playing = true
			return nil
		}
		if err := e.sound.Play(); err != nil {
			log.Warnf("resume failed: %v", err)
			return nil
		}
		e.playing = true
		e.publish()
		return nil
	})
	if err != nil {
		return err
	}
	return e.await(ctx, result)
}

// Seek moves the playhead. Positions outside the track are rejected.
func (e *Engine) Seek(ctx context.Context, positionMillis int64) error {
	return e.do(ctx, func() error {
		if e.sound == nil {
			log.Debug("seek: nothing loaded")
			return nil
		}
		if positionMillis < 0 || (e.duration > 0 && positionMillis > e.duration) {
			log.Warnf("seek to %dms rejected (duration %dms)", positionMillis, e.duration)
			return ErrSeekOutOfRange
		}
		if err := e.sound.SetPosition(positionMillis); err != nil {
			log.Warnf("seek failed: %v", err)
			return nil
		}
		e.position = positionMillis
		e.publish()
		return nil
	})
}

// SetVolume sets the volume for the active sound and later loads.
func (e *Engine) SetVolume(ctx context.Context, v float64) error {
	if v < 0 || v > 1 {
		return ErrInvalidVolume
	}
	return e.do(ctx, func() error {
		e.volume = v
		if e.sound != nil {
			if err := e.sound.SetVolume(v); err != nil {
				log.Warnf("set volume failed: %v", err)
			}
		}
		e.publish()
		return nil
	})
}

// ToggleLoop cycles none, all, one and returns the new mode.
func (e *Engine) ToggleLoop(ctx context.Context) (types.LoopMode, error) {
	var mode types.LoopMode
	err := e.do(ctx, func() error {
		mode = e.queue.GetLoop().Next()
		e.queue.SetLoop(mode)
		if l, ok := e.sound.(audio.Looper); ok {
			l.SetLooping(mode == types.LoopOne)
		}
		log.Infof("loop mode %s", mode)
		e.publish()
		return nil
	})
	return mode, err
}

// Restore replaces the queue with a persisted snapshot without playing it.
func (e *Engine) Restore(ctx context.Context, state queue.PersistentState) error {
	if state.Volume < 0 || state.Volume > 1 {
		state.Volume = e.opts.Volume
	}
	return e.do(ctx, func() error {
		e.teardown()
		e.gen++
		e.playing = false
		e.position = 0
		e.duration = 0
		e.queue.Replace(state.Items, state.Index)
		e.queue.SetLoop(state.Loop)
		e.volume = state.Volume
		if cur, ok := e.queue.Current(); ok {
			e.duration = cur.DurationMillis
		}
		log.Infof("restored %d tracks (cursor %d, loop %s)", e.queue.Len(), e.queue.Index(), state.Loop)
		e.publish()
		return nil
	})
}

// Clear stops playback and empties the queue
func (e *Engine) Clear(ctx context.Context) error {
	return e.do(ctx, func() error {
		e.reset()
		log.Info("queue cleared")
		return nil
	})
}

// State returns the latest snapshot
func (e *Engine) State() State {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap
}

// IsResolving reports whether a stream request for key is in flight
func (e *Engine) IsResolving(key types.TrackKey) bool {
	return e.resolver.IsResolving(key)
}

// Subscribe returns a channel of state snapshots. Slow subscribers only see
// the latest snapshot. The returned func unsubscribes.
func (e *Engine) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	ch <- e.State()

	e.subMu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	e.subMu.Unlock()

	return ch, func() {
		e.subMu.Lock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
		e.subMu.Unlock()
	}
}

// startLoad tears down the active sound and loads the track at index in the
// background. The returned channel receives the load result.
func (e *Engine) startLoad(index int) (<-chan error, error) {
	if e.loading {
		log.Debugf("load of %d dropped: load in flight", index)
		return nil, ErrLoadInFlight
	}
	track, ok := e.queue.At(index)
	if !ok {
		return nil, ErrIndexOutOfRange
	}
	if !track.Resolved() {
		return nil, ErrUnresolved
	}

	e.teardown()
	e.gen++
	gen := e.gen
	e.loading = true
	e.playing = false
	e.position = 0
	e.duration = track.DurationMillis

	ctx, cancel := context.WithTimeout(e.ctx, e.opts.LoadTimeout)
	e.loadCancel = cancel
	volume := e.volume
	loop := e.queue.GetLoop() == types.LoopOne
	result := make(chan error, 1)

	log.Infof("loading %s", track.Key())
	e.publish()

	go func() {
		defer cancel()
		snd, err := e.audio.Load(ctx, track.StreamURL, audio.LoadOptions{Loop: loop})
		if err == nil {
			if verr := snd.SetVolume(volume); verr != nil {
				log.Warnf("set volume on load: %v", verr)
			}
			err = snd.Play()
			if err != nil {
				snd.Unload()
				snd = nil
			}
		}
		e.post(func() { e.loaded(gen, track, snd, err, result) })
	}()
	return result, nil
}

// loaded runs on the run goroutine once a background load returns
func (e *Engine) loaded(gen uint64, track types.Track, snd audio.Sound, err error, result chan<- error) {
	if gen != e.gen {
		if snd != nil {
			snd.Unload()
		}
		result <- ErrSuperseded
		return
	}
	e.loading = false
	e.loadCancel = nil

	if err != nil {
		lerr := &LoadError{Track: track, Kind: classifyLoadError(err), Err: err}
		log.Errorf("%v", lerr)
		e.playing = false
		e.publish()
		result <- lerr
		return
	}

	idx := e.queue.IndexOf(track.Key())
	if idx < 0 {
		log.Infof("%s left the queue while loading", track.Key())
		snd.Unload()
		e.publish()
		result <- ErrSuperseded
		return
	}

	e.sound = snd
	e.queue.SetIndex(idx)
	e.playing = true
	e.position = 0
	if e.duration <= 0 {
		e.duration = snd.Status().DurationMillis
	}
	snd.OnStatus(func(st audio.Status) {
		fn := func() { e.onStatus(gen, st) }
		if st.DidJustFinish {
			go e.post(fn)
			return
		}
		e.tryPost(fn)
	})
	log.Infof("playing %s", track.Key())
	e.publish()
	result <- nil
}

func (e *Engine) onStatus(gen uint64, st audio.Status) {
	if gen != e.gen || e.sound == nil {
		return
	}
	e.playing = st.IsPlaying
	e.position = st.PositionMillis
	if e.duration <= 0 && st.DurationMillis > 0 {
		e.duration = st.DurationMillis
	}
	if st.DidJustFinish {
		e.finished()
	}
	e.publish()
}

// finished applies the advance policy after the active sound ends
func (e *Engine) finished() {
	if e.loading {
		log.Debug("finish ignored: load in flight")
		return
	}
	if e.sound.Status().IsPlaying {
		log.Debug("finish ignored: engine still playing")
		return
	}

	idx := e.queue.Index()
	n := e.queue.Len()
	loop := e.queue.GetLoop()

	var next int
	switch {
	case loop == types.LoopOne && idx >= 0:
		next = idx
	case idx+1 < n:
		next = idx + 1
	case loop == types.LoopAll && n > 0:
		next = 0
	default:
		log.Info("end of queue")
		e.reset()
		return
	}
	if _, err := e.startLoad(next); err != nil {
		log.Warnf("advance to %d failed: %v", next, err)
	}
}

// reset stops everything and empties the queue
func (e *Engine) reset() {
	e.teardown()
	e.gen++
	e.queue.Clear()
	e.playing = false
	e.position = 0
	e.duration = 0
	e.publish()
}

// teardown cancels any load in flight and releases the active sound
func (e *Engine) teardown() {
	if e.loadCancel != nil {
		e.loadCancel()
		e.loadCancel = nil
	}
	e.loading = false
	if e.sound == nil {
		return
	}
	snd := e.sound
	e.sound = nil
	snd.OnStatus(nil)
	if err := snd.Stop(); err != nil && !errors.Is(err, audio.ErrUnloaded) {
		log.Debugf("stop: %v", err)
	}
	if err := snd.Unload(); err != nil {
		log.Debugf("unload: %v", err)
	}
}

// publish checks invariants and fans the snapshot out to subscribers
func (e *Engine) publish() {
	e.checkInvariants()

	items := e.queue.GetItems()
	idx := e.queue.Index()
	st := State{
		Queue:          items,
		CurrentIndex:   idx,
		IsPlaying:      e.playing,
		IsLoading:      e.loading,
		PositionMillis: e.position,
		DurationMillis: e.duration,
		Loop:           e.queue.GetLoop(),
		Volume:         e.volume,
		Resolving:      e.resolver.Pending(),
	}
	if idx >= 0 && idx < len(items) {
		cur := items[idx]
		st.Current = &cur
	}
	if e.duration > 0 {
		st.Progress = float64(e.position) / float64(e.duration)
		if st.Progress > 1 {
			st.Progress = 1
		}
	}

	e.snapMu.Lock()
	e.snap = st
	e.snapMu.Unlock()

	e.subMu.Lock()
	for _, ch := range e.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
	e.subMu.Unlock()
}

func (e *Engine) checkInvariants() {
	n := e.queue.Len()
	idx := e.queue.Index()
	if n == 0 && idx != -1 {
		log.Errorf("invariant: empty queue with cursor %d, resetting", idx)
		e.queue.SetIndex(-1)
		idx = -1
	}
	if idx < -1 || idx >= n {
		log.Errorf("invariant: cursor %d outside queue of %d", idx, n)
	}
	if e.playing && (n == 0 || idx < 0) {
		log.Warnf("invariant: playing with no current track (queue %d, cursor %d)", n, idx)
	}
}
