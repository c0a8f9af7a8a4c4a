package audio

import "time"

// playClock tracks the playback position across pauses and seeks.
type playClock struct {
	now       func() time.Time
	base      int64 // ms accumulated before the current run
	startedAt time.Time
	running   bool
}

func newPlayClock() playClock {
	return playClock{now: time.Now}
}

func (c *playClock) Start() {
	if c.running {
		return
	}
	c.startedAt = c.now()
	c.running = true
}

func (c *playClock) Pause() {
	if !c.running {
		return
	}
	c.base += c.now().Sub(c.startedAt).Milliseconds()
	c.running = false
}

func (c *playClock) Set(ms int64) {
	c.base = ms
	if c.running {
		c.startedAt = c.now()
	}
}

func (c *playClock) Position() int64 {
	if c.running {
		return c.base + c.now().Sub(c.startedAt).Milliseconds()
	}
	return c.base
}

// clampPosition limits ms to [0, duration] when the duration is known
func clampPosition(ms, duration int64) int64 {
	if ms < 0 {
		return 0
	}
	if duration > 0 && ms > duration {
		return duration
	}
	return ms
}

func waitDone(done <-chan struct{}, timeout time.Duration) {
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warnf("decoder did not stop within %v", timeout)
	}
}
