package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hajimehoshi/oto/v2"
)

const (
	defaultSampleRate = 44100
	defaultChannels   = 2
	bytesPerSample    = 2 // s16le

	// Audio queued ahead of the device. Small, so the play clock stays
	// close to what is audible.
	maxQueued = 100 * time.Millisecond
)

// pcmQueue is a bounded FIFO of PCM chunks. Writers block while it is full.
type pcmQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	size   int
	limit  int
	closed bool
}

func newPCMQueue(limit int) *pcmQueue {
	q := &pcmQueue{limit: limit}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push copies data onto the tail, waiting for room
func (q *pcmQueue) push(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size >= q.limit && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return io.ErrClosedPipe
	}
	chunk := append([]byte(nil), data...)
	q.chunks = append(q.chunks, chunk)
	q.size += len(chunk)
	return nil
}

// pop moves queued bytes into p and returns how many it moved
func (q *pcmQueue) pop(p []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for n < len(p) && len(q.chunks) > 0 {
		head := q.chunks[0]
		c := copy(p[n:], head)
		n += c
		if c == len(head) {
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
		} else {
			q.chunks[0] = head[c:]
		}
	}
	q.size -= n
	if n > 0 {
		q.cond.Broadcast()
	}
	return n
}

func (q *pcmQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// reset drops everything queued and wakes blocked writers
func (q *pcmQueue) reset() {
	q.mu.Lock()
	q.chunks = nil
	q.size = 0
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *pcmQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.chunks = nil
	q.size = 0
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *pcmQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// scalePCM multiplies each s16le sample in data by gain
func scalePCM(data []byte, gain float64) {
	if gain >= 1 {
		return
	}
	for i := 0; i+1 < len(data); i += bytesPerSample {
		s := int16(binary.LittleEndian.Uint16(data[i:]))
		binary.LittleEndian.PutUint16(data[i:], uint16(int16(float64(s)*gain)))
	}
}

// OtoOutput feeds decoded PCM to an oto player. An empty queue plays silence.
type OtoOutput struct {
	player   oto.Player
	rate     int
	channels int
	queue    *pcmQueue

	mu     sync.Mutex
	gain   float64
	paused bool
}

// NewOtoOutput opens the default audio device
func NewOtoOutput(sampleRate int) (*OtoOutput, error) {
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	ctx, ready, err := oto.NewContext(sampleRate, defaultChannels, bytesPerSample)
	if err != nil {
		return nil, fmt.Errorf("open audio device: %w", err)
	}
	<-ready

	o := newOutput(sampleRate, defaultChannels)
	o.player = ctx.NewPlayer(o)
	return o, nil
}

func newOutput(rate, channels int) *OtoOutput {
	o := &OtoOutput{rate: rate, channels: channels, gain: 1}
	o.queue = newPCMQueue(o.bytesFor(maxQueued))
	return o
}

func (o *OtoOutput) bytesPerSecond() int {
	return o.rate * o.channels * bytesPerSample
}

// bytesFor converts d to a whole number of frames
func (o *OtoOutput) bytesFor(d time.Duration) int {
	n := int(int64(o.bytesPerSecond()) * int64(d) / int64(time.Second))
	return n - n%(o.channels*bytesPerSample)
}

// Read is called by the oto player and never blocks
func (o *OtoOutput) Read(p []byte) (int, error) {
	if o.queue.isClosed() {
		return 0, io.EOF
	}
	n := o.queue.pop(p)
	clear(p[n:])

	o.mu.Lock()
	gain := o.gain
	o.mu.Unlock()
	scalePCM(p[:n], gain)
	return len(p), nil
}

// Write queues PCM, blocking while the queue is full so decoding runs at
// playback speed. It starts the player unless paused.
func (o *OtoOutput) Write(data []byte) (int, error) {
	if err := o.queue.push(data); err != nil {
		return 0, err
	}
	o.mu.Lock()
	if o.player != nil && !o.paused && !o.player.IsPlaying() {
		o.player.Play()
	}
	o.mu.Unlock()
	return len(data), nil
}

// Buffered returns how much audio is queued but not yet played
func (o *OtoOutput) Buffered() time.Duration {
	bps := o.bytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(o.queue.len()) * time.Second / time.Duration(bps)
}

func (o *OtoOutput) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	o.mu.Lock()
	o.gain = v
	o.mu.Unlock()
}

func (o *OtoOutput) Volume() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gain
}

func (o *OtoOutput) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = true
	if o.player != nil && o.player.IsPlaying() {
		o.player.Pause()
	}
}

func (o *OtoOutput) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = false
	if o.player != nil && !o.player.IsPlaying() {
		o.player.Play()
	}
}

// Stop drops queued audio and halts the player until the next Write
func (o *OtoOutput) Stop() {
	o.queue.reset()
	o.mu.Lock()
	o.paused = false
	if o.player != nil {
		o.player.Pause()
	}
	o.mu.Unlock()
}

// Close releases the player. Later writes fail.
func (o *OtoOutput) Close() error {
	o.queue.close()
	if o.player != nil {
		return o.player.Close()
	}
	return nil
}

func (o *OtoOutput) SampleRate() int { return o.rate }

func (o *OtoOutput) Channels() int { return o.channels }

var _ Output = (*OtoOutput)(nil)
