package playback

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/audara/audarad/internal/audio"
	"github.com/audara/audarad/internal/protocol"
	"github.com/audara/audarad/internal/queue"
	"github.com/audara/audarad/internal/session"
	"github.com/audara/audarad/internal/types"
)

type fakeSound struct {
	mu       sync.Mutex
	uri      string
	loaded   bool
	playing  bool
	loop     bool
	position int64
	duration int64
	volume   float64
	plays    int
	pauses   int
	seeks    int
	onStatus audio.StatusFunc
}

func (s *fakeSound) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return audio.ErrUnloaded
	}
	s.plays++
	s.playing = true
	return nil
}

func (s *fakeSound) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return audio.ErrUnloaded
	}
	s.pauses++
	s.playing = false
	return nil
}

func (s *fakeSound) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return audio.ErrUnloaded
	}
	s.playing = false
	s.position = 0
	return nil
}

func (s *fakeSound) SetPosition(ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeks++
	s.position = ms
	return nil
}

func (s *fakeSound) SetVolume(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = v
	return nil
}

func (s *fakeSound) SetLooping(loop bool) {
	s.mu.Lock()
	s.loop = loop
	s.mu.Unlock()
}

func (s *fakeSound) Status() audio.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.Status{
		IsLoaded:       s.loaded,
		IsPlaying:      s.playing,
		PositionMillis: s.position,
		DurationMillis: s.duration,
	}
}

func (s *fakeSound) OnStatus(fn audio.StatusFunc) {
	s.mu.Lock()
	s.onStatus = fn
	s.mu.Unlock()
}

func (s *fakeSound) Unload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	s.playing = false
	return nil
}

// finish reports the end of the track. With stillPlaying the engine keeps
// reporting playback, as after a spurious event.
func (s *fakeSound) finish(stillPlaying bool) {
	s.mu.Lock()
	s.playing = stillPlaying
	s.position = s.duration
	fn := s.onStatus
	st := audio.Status{
		IsLoaded:       s.loaded,
		IsPlaying:      false,
		PositionMillis: s.duration,
		DurationMillis: s.duration,
		DidJustFinish:  true,
	}
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (s *fakeSound) counts() (plays, pauses, seeks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plays, s.pauses, s.seeks
}

type fakeAudio struct {
	mu     sync.Mutex
	loads  []string
	sounds []*fakeSound
	fail   map[string]error
	gate   chan struct{}
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{fail: make(map[string]error)}
}

func (f *fakeAudio) Load(ctx context.Context, uri string, opts audio.LoadOptions) (audio.Sound, error) {
	f.mu.Lock()
	f.loads = append(f.loads, uri)
	gate := f.gate
	err := f.fail[uri]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := &fakeSound{uri: uri, loaded: true, duration: 200000, loop: opts.Loop, volume: 1}
	f.mu.Lock()
	f.sounds = append(f.sounds, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeAudio) Close() error { return nil }

func (f *fakeAudio) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loads)
}

func (f *fakeAudio) lastLoad() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.loads) == 0 {
		return ""
	}
	return f.loads[len(f.loads)-1]
}

func (f *fakeAudio) lastSound() *fakeSound {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sounds) == 0 {
		return nil
	}
	return f.sounds[len(f.sounds)-1]
}

type fakeSender struct {
	mu        sync.Mutex
	url       string
	listeners map[session.ListenerID]func(protocol.Message)
	nextID    session.ListenerID
	sent      chan protocol.StreamSongRequest
	sendErr   error
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		url:       "ws://music.example:8080/ws",
		listeners: make(map[session.ListenerID]func(protocol.Message)),
		sent:      make(chan protocol.StreamSongRequest, 16),
	}
}

func (f *fakeSender) SendEncryptedMessage(v interface{}) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if req, ok := v.(protocol.StreamSongRequest); ok {
		f.sent <- req
	}
	return nil
}

func (f *fakeSender) AddMessageListener(action protocol.Action, fn func(protocol.Message)) session.ListenerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.listeners[f.nextID] = fn
	return f.nextID
}

func (f *fakeSender) RemoveMessageListener(action protocol.Action, id session.ListenerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners, id)
}

func (f *fakeSender) URL() string {
	return f.url
}

func (f *fakeSender) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *fakeSender) deliver(t *testing.T, payload map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	f.mu.Lock()
	fns := make([]func(protocol.Message), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (f *fakeSender) nextRequest(t *testing.T) protocol.StreamSongRequest {
	t.Helper()
	select {
	case req := <-f.sent:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no stream-song request sent")
		return protocol.StreamSongRequest{}
	}
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeAudio, *fakeSender) {
	t.Helper()
	fa := newFakeAudio()
	fs := newFakeSender()
	e := NewEngine(fa, fs, queue.NewManager(), opts)
	t.Cleanup(func() { e.Close() })
	return e, fa, fs
}

func track(title string) types.Track {
	return types.Track{
		Title:          title,
		Artist:         "Artist",
		StreamURL:      "http://music.example/" + title + ".mp3",
		DurationMillis: 200000,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startABC enqueues A, B and C and waits until A is playing.
func startABC(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	for _, title := range []string{"A", "B", "C"} {
		if err := e.Enqueue(ctx, track(title)); err != nil {
			t.Fatalf("Enqueue %s failed: %v", title, err)
		}
	}
	waitFor(t, "A playing", func() bool {
		st := e.State()
		return st.CurrentIndex == 0 && st.IsPlaying && !st.IsLoading
	})
}
