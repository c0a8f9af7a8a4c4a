package playback

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audara/audarad/internal/protocol"
	"github.com/audara/audarad/internal/session"
	"github.com/audara/audarad/internal/types"
)

// Sender is the part of the session channel playback needs.
type Sender interface {
	SendEncryptedMessage(v interface{}) error
	AddMessageListener(action protocol.Action, fn func(protocol.Message)) session.ListenerID
	RemoveMessageListener(action protocol.Action, id session.ListenerID)
	URL() string
}

type pendingResolve struct {
	id     string
	track  types.Track
	timer  *time.Timer
	done   chan struct{}
	result types.Track
	err    error
}

// resolver turns unresolved tracks into playable ones through stream-song
// requests. Responses are matched by request id, falling back to
// (title, artist) for servers that do not echo it.
type resolver struct {
	sender   Sender
	timeout  time.Duration
	onChange func()

	mu         sync.Mutex
	byID       map[string]*pendingResolve
	byKey      map[types.TrackKey]*pendingResolve
	listenerID session.ListenerID
	started    bool
}

func newResolver(sender Sender, timeout time.Duration, onChange func()) *resolver {
	return &resolver{
		sender:   sender,
		timeout:  timeout,
		onChange: onChange,
		byID:     make(map[string]*pendingResolve),
		byKey:    make(map[types.TrackKey]*pendingResolve),
	}
}

// start registers the single stream-song listener.
func (r *resolver) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.listenerID = r.sender.AddMessageListener(protocol.ActionStreamSong, r.handle)
	r.started = true
}

// stop removes the listener and fails everything still pending.
func (r *resolver) stop() {
	r.mu.Lock()
	if r.started {
		r.sender.RemoveMessageListener(protocol.ActionStreamSong, r.listenerID)
		r.started = false
	}
	pending := make([]*pendingResolve, 0, len(r.byID))
	for _, p := range r.byID {
		pending = append(pending, p)
	}
	r.mu.Unlock()

	for _, p := range pending {
		r.complete(p, types.Track{}, ErrClosed)
	}
}

// Resolve requests a stream URL for track and waits for the answer. A second
// call for a track already in flight waits on the same request.
func (r *resolver) Resolve(ctx context.Context, track types.Track) (types.Track, error) {
	key := track.Key()

	r.mu.Lock()
	p, inFlight := r.byKey[key]
	if !inFlight {
		p = &pendingResolve{
			id:    uuid.NewString(),
			track: track,
			done:  make(chan struct{}),
		}
		r.byID[p.id] = p
		r.byKey[key] = p
		p.timer = time.AfterFunc(r.timeout, func() {
			log.Warnf("stream resolution for %s timed out after %s", key, r.timeout)
			r.complete(p, types.Track{}, ErrResolutionTimeout)
		})
	}
	r.mu.Unlock()

	if !inFlight {
		r.notify()
		req := protocol.StreamSongRequest{
			Action:    protocol.ActionStreamSong.String(),
			RequestID: p.id,
			Title:     track.Title,
			Artist:    track.Artist,
			Image:     track.ArtworkURL,
		}
		log.Debugf("requesting stream for %s (request %s)", key, p.id)
		if err := r.sender.SendEncryptedMessage(req); err != nil {
			r.complete(p, types.Track{}, fmt.Errorf("request stream for %s: %w", key, err))
		}
	}

	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return types.Track{}, ctx.Err()
	}
}

func (r *resolver) handle(msg protocol.Message) {
	var resp protocol.StreamSongResponse
	if err := msg.Decode(&resp); err != nil {
		log.Warnf("malformed stream-song response: %v", err)
		return
	}

	r.mu.Lock()
	var p *pendingResolve
	if resp.RequestID != "" {
		p = r.byID[resp.RequestID]
	}
	if p == nil {
		p = r.byKey[types.TrackKey{Title: resp.Title, Artist: resp.Artist}]
	}
	r.mu.Unlock()

	if p == nil {
		log.Debugf("no pending resolution for stream-song response %q by %q", resp.Title, resp.Artist)
		return
	}

	key := p.track.Key()
	if !resp.Success || resp.Error != "" {
		reason := resp.Error
		if reason == "" {
			reason = "server rejected request"
		}
		r.complete(p, types.Track{}, &ResolutionError{Key: key, Reason: reason})
		return
	}

	streamURL := ResolveStreamURL(resp.URL, r.sender.URL())
	if streamURL == "" {
		r.complete(p, types.Track{}, &ResolutionError{Key: key, Reason: "empty stream url"})
		return
	}

	resolved := p.track
	resolved.StreamURL = streamURL
	if resp.Image != "" {
		resolved.ArtworkURL = resp.Image
	}
	if resp.Duration > 0 || resolved.DurationMillis <= 0 {
		resolved.DurationMillis = NormalizeDurationMillis(resp.Duration)
	}
	r.complete(p, resolved, nil)
}

// complete settles p exactly once.
func (r *resolver) complete(p *pendingResolve, result types.Track, err error) {
	r.mu.Lock()
	if _, ok := r.byID[p.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, p.id)
	if key := p.track.Key(); r.byKey[key] == p {
		delete(r.byKey, key)
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.result = result
	p.err = err
	close(p.done)
	r.mu.Unlock()

	r.notify()
}

// Pending returns the tracks currently being resolved
func (r *resolver) Pending() []types.TrackKey {
	r.mu.Lock()
	keys := make([]types.TrackKey, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Artist != keys[j].Artist {
			return keys[i].Artist < keys[j].Artist
		}
		return keys[i].Title < keys[j].Title
	})
	return keys
}

// IsResolving reports whether a request for key is in flight
func (r *resolver) IsResolving(key types.TrackKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byKey[key]
	return ok
}

func (r *resolver) notify() {
	if r.onChange != nil {
		r.onChange()
	}
}
