package playback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/audara/audarad/internal/queue"
	"github.com/audara/audarad/internal/types"
)

func TestPlayAtOutOfRange(t *testing.T) {
	e, fa, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	for _, idx := range []int{-1, 0, 5} {
		if err := e.PlayAt(ctx, idx); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("PlayAt(%d): expected ErrIndexOutOfRange, got %v", idx, err)
		}
	}
	if fa.loadCount() != 0 {
		t.Errorf("audio engine must not be called, got %d loads", fa.loadCount())
	}
	if st := e.State(); st.CurrentIndex != -1 {
		t.Errorf("expected cursor -1, got %d", st.CurrentIndex)
	}
}

func TestEnqueueAutoplaysFirstTrack(t *testing.T) {
	e, fa, _ := newTestEngine(t, Options{})
	startABC(t, e)

	if fa.loadCount() != 1 {
		t.Fatalf("expected only A to load, got %d loads", fa.loadCount())
	}
	st := e.State()
	if len(st.Queue) != 3 {
		t.Fatalf("expected 3 queued, got %d", len(st.Queue))
	}
	if st.Current == nil || st.Current.Title != "A" {
		t.Errorf("expected A current, got %+v", st.Current)
	}
}

func TestEnqueueMovesExistingTrack(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{})
	startABC(t, e)
	ctx := context.Background()

	// already last: no change
	if err := e.Enqueue(ctx, track("C")); err != nil {
		t.Fatal(err)
	}
	if err := e.Enqueue(ctx, track("A")); err != nil {
		t.Fatal(err)
	}

	st := e.State()
	var titles []string
	for _, tr := range st.Queue {
		titles = append(titles, tr.Title)
	}
	if len(titles) != 3 || titles[0] != "B" || titles[1] != "C" || titles[2] != "A" {
		t.Errorf("unexpected order %v", titles)
	}
	if st.CurrentIndex != 2 {
		t.Errorf("cursor should follow A to 2, got %d", st.CurrentIndex)
	}
}

func TestFinishAdvances(t *testing.T) {
	e, fa, _ := newTestEngine(t, Options{})
	startABC(t, e)

	fa.lastSound().finish(false)
	waitFor(t, "B playing", func() bool {
		st := e.State()
		return st.CurrentIndex == 1 && st.IsPlaying && !st.IsLoading
	})
	if got := fa.lastLoad(); got != track("B").StreamURL {
		t.Errorf("expected B to load, got %s", got)
	}
}

func TestFinishLoopOneReplays(t *testing.T) {
	e, fa, _ := newTestEngine(t, Options{})
	startABC(t, e)
	ctx := context.Background()

	for _, want := range []types.LoopMode{types.LoopAll, types.LoopOne} {
		mode, err := e.ToggleLoop(ctx)
		if err != nil || mode != want {
			t.Fatalf("ToggleLoop: got %s, %v; want %s", mode, err, want)
		}
	}
	first := fa.lastSound()
	first.mu.Lock()
	looping := first.loop
	first.mu.Unlock()
	if !looping {
		t.Error("loop-one should reach the active sound")
	}

	first.finish(false)
	waitFor(t, "A reloaded", func() bool { return fa.loadCount() == 2 && !e.State().IsLoading })

	if got := fa.lastLoad(); got != track("A").StreamURL {
		t.Errorf("expected A to reload, got %s", got)
	}
	if st := e.State(); st.CurrentIndex != 0 {
		t.Errorf("expected cursor 0, got %d", st.CurrentIndex)
	}
}

func TestFinishLoopAllWraps(t *testing.T) {
	e, fa, _ := newTestEngine(t, Options{})
	startABC(t, e)
	ctx := context.Background()

	if mode, _ := e.ToggleLoop(ctx); mode != types.LoopAll {
		t.Fatalf("expected loop all, got %s", mode)
	}
	if err := e.PlayAt(ctx, 2); err != nil {
		t.Fatalf("PlayAt(2) failed: %v", err)
	}

	fa.lastSound().finish(false)
	waitFor(t, "wrap to A", func() bool {
		st := e.State()
		return st.CurrentIndex == 0 && fa.loadCount() == 3 && !st.IsLoading
	})
}

func TestFinishAtEndClears(t *testing.T) {
	e, fa, _ := newTestEngine(t, Options{})
	startABC(t, e)

	if err := e.PlayAt(context.Background(), 2); err != nil {
		t.Fatalf("PlayAt(2) failed: %v", err)
	}
	last := fa.lastSound()
	last.finish(false)

	waitFor(t, "queue cleared", func() bool {
		st := e.State()
		return len(st.Queue) == 0 && st.CurrentIndex == -1
	})
	st := e.State()
	if st.IsPlaying || st.PositionMillis != 0 || st.DurationMillis != 0 || st.Progress != 0 {
		t.Errorf("expected zeroed state, got %+v", st)
	}
	if last.Status().IsLoaded {
		t.Error("finished sound should be unloaded")
	}
}

func TestFinishIgnoredWhileStillPlaying(t *testing.T) {
	e, fa, _ := newTestEngine(t, Options{})
	startABC(t, e)

	fa.lastSound().finish(true)
	time.Sleep(100 * time.Millisecond)

	if fa.loadCount() != 1 {
		t.Errorf("spurious finish must not advance, got %d loads", fa.loadCount())
	}
	if st := e.State(); st.CurrentIndex != 0 {
		t.Errorf("expected cursor 0, got %d", st.CurrentIndex)
	}
}

func TestPauseTwice(t *testing.T) {
	e, fa, _ := newTestEngine(t, Options{})
	startABC(t, e)
	ctx := context.Background()

	if err := e.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	snd := fa.lastSound()
	if _, pauses, _ := snd.counts(); pauses != 1 {
		t.Errorf("expected 1 engine pause, got %d", pauses)
	}
	if e.State().IsPlaying {
		t.Error("expected paused state")
	}

	if err := e.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if plays, _, _ := snd.counts(); plays != 2 {
		t.Errorf("expected play on load and on resume, got %d", plays)
	}
	if !e.State().IsPlaying {
		t.Error("expected playing after resume")
	}
}

func TestPauseWithNothingLoaded(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	if err := e.Pause(ctx); err != nil {
		t.Errorf("Pause: %v", err)
	}
	if err := e.Resume(ctx); err != nil {
		t.Errorf("Resume: %v", err)
	}
	if err := e.Seek(ctx, 1000); err != nil {
		t.Errorf("Seek: %v", err)
	}
}

func TestResumeReloadsUnloadedSound(t *testing.T) {
	e, fa, _ := newTestEngine(t, Options{})
	startABC(t, e)

	fa.lastSound().Unload()
	if err := e.Resume(context.Background()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if fa.loadCount() != 2 || fa.lastLoad() != track("A").StreamURL {
		t.Errorf("expected A to reload, loads=%d last=%s", fa.loadCount(), fa.lastLoad())
	}
}

func TestPlayAtWhileLoading(t *testing.T) {
	e, fa, _ := newTestEngine(t, Options{})
	gate := make(chan struct{})
	fa.gate = gate
	ctx := context.Background()

	if err := e.Enqueue(ctx, track("A")); err != nil {
		t.Fatal(err)
	}
	if err := e.Enqueue(ctx, track("B")); err != nil {
		t.Fatal(err)
	}
	if !e.State().IsLoading {
		t.Fatal("expected A to be loading")
	}

	if err := e.PlayAt(ctx, 1); !errors.Is(err, ErrLoadInFlight) {
		t.Errorf("expected ErrLoadInFlight, got %v", err)
	}
	if err := e.PlayNext(ctx); !errors.Is(err, ErrLoadInFlight) {
		t.Errorf("expected ErrLoadInFlight from PlayNext, got %v", err)
	}

	fa.mu.Lock()
	fa.gate = nil
	fa.mu.Unlock()
	close(gate)

	waitFor(t, "A playing", func() bool {
		st := e.State()
		return st.CurrentIndex == 0 && st.IsPlaying && !st.IsLoading
	})
	if fa.loadCount() != 1 {
		t.Errorf("dropped requests must not load, got %d loads", fa.loadCount())
	}
}

func TestSeek(t *testing.T) {
	e, fa, _ := newTestEngine(t, Options{})
	startABC(t, e)
	ctx := context.Background()

	for _, pos := range []int64{-1, 200001} {
		if err := e.Seek(ctx, pos); !errors.Is(err, ErrSeekOutOfRange) {
			t.Errorf("Seek(%d): expected ErrSeekOutOfRange, got %v", pos, err)
		}
	}
	if err := e.Seek(ctx, 90000); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	if _, _, seeks := fa.lastSound().counts(); seeks != 1 {
		t.Errorf("expected 1 engine seek, got %d", seeks)
	}
	if st := e.State(); st.PositionMillis != 90000 || st.Progress != 0.45 {
		t.Errorf("unexpected position %d progress %f", st.PositionMillis, st.Progress)
	}
}

func TestVolumeAppliesToLaterLoads(t *testing.T) {
	e, fa, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	if err := e.SetVolume(ctx, 1.5); !errors.Is(err, ErrInvalidVolume) {
		t.Errorf("expected ErrInvalidVolume, got %v", err)
	}
	if err := e.SetVolume(ctx, 0.3); err != nil {
		t.Fatal(err)
	}
	startABC(t, e)

	snd := fa.lastSound()
	snd.mu.Lock()
	v := snd.volume
	snd.mu.Unlock()
	if v != 0.3 {
		t.Errorf("expected volume 0.3 on load, got %f", v)
	}
	if e.State().Volume != 0.3 {
		t.Errorf("expected state volume 0.3, got %f", e.State().Volume)
	}
}

func TestLoadErrorClassified(t *testing.T) {
	e, fa, _ := newTestEngine(t, Options{})
	a := track("A")
	fa.fail[a.StreamURL] = errors.New("server returned 403 Forbidden")
	ctx := context.Background()

	if err := e.Enqueue(ctx, a); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "autoplay attempt", func() bool { return !e.State().IsLoading })

	err := e.PlayAt(ctx, 0)
	var lerr *LoadError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *LoadError, got %v", err)
	}
	if lerr.Kind != LoadForbidden || !lerr.NeedsResolve() {
		t.Errorf("expected forbidden needing resolve, got %s", lerr.Kind)
	}
	st := e.State()
	if st.IsPlaying || st.IsLoading {
		t.Errorf("failed load should leave player idle, got %+v", st)
	}
}

func TestClear(t *testing.T) {
	e, fa, _ := newTestEngine(t, Options{})
	startABC(t, e)

	if err := e.Clear(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := e.State()
	if len(st.Queue) != 0 || st.CurrentIndex != -1 || st.IsPlaying || st.Current != nil {
		t.Errorf("unexpected state after clear: %+v", st)
	}
	if fa.lastSound().Status().IsLoaded {
		t.Error("clear should unload the active sound")
	}
}

func TestNextPrevious(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{})
	startABC(t, e)
	ctx := context.Background()

	if err := e.PlayPrevious(ctx); err != nil {
		t.Fatal(err)
	}
	if st := e.State(); st.CurrentIndex != 0 {
		t.Errorf("previous at start should stay at 0, got %d", st.CurrentIndex)
	}
	if err := e.PlayNext(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.PlayNext(ctx); err != nil {
		t.Fatal(err)
	}
	if st := e.State(); st.CurrentIndex != 2 {
		t.Errorf("expected cursor 2, got %d", st.CurrentIndex)
	}
	if err := e.PlayNext(ctx); err != nil {
		t.Fatal(err)
	}
	if st := e.State(); st.CurrentIndex != 2 {
		t.Errorf("next at end should stay at 2, got %d", st.CurrentIndex)
	}
	if err := e.PlayPrevious(ctx); err != nil {
		t.Fatal(err)
	}
	if st := e.State(); st.CurrentIndex != 1 {
		t.Errorf("expected cursor 1, got %d", st.CurrentIndex)
	}
}

func TestSubscribe(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{})
	ch, cancel := e.Subscribe()
	defer cancel()

	first := <-ch
	if len(first.Queue) != 0 {
		t.Fatalf("expected empty initial snapshot, got %d", len(first.Queue))
	}
	if err := e.Enqueue(context.Background(), track("A")); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-ch:
			if len(st.Queue) == 1 {
				return
			}
		case <-deadline:
			t.Fatal("no snapshot with the enqueued track")
		}
	}
}

func TestRestoreDoesNotPlay(t *testing.T) {
	e, fa, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	err := e.Restore(ctx, queue.PersistentState{
		Items:  []types.Track{track("A"), track("B")},
		Index:  1,
		Loop:   types.LoopAll,
		Volume: 0.6,
	})
	if err != nil {
		t.Fatal(err)
	}
	st := e.State()
	if len(st.Queue) != 2 || st.CurrentIndex != 1 || st.Loop != types.LoopAll || st.Volume != 0.6 {
		t.Errorf("unexpected restored state %+v", st)
	}
	if st.IsPlaying || fa.loadCount() != 0 {
		t.Error("restore must not start playback")
	}

	if err := e.PlayAt(ctx, st.CurrentIndex); err != nil {
		t.Fatalf("PlayAt after restore: %v", err)
	}
	if fa.lastLoad() != track("B").StreamURL {
		t.Errorf("expected B to load, got %s", fa.lastLoad())
	}
}
