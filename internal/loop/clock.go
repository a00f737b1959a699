package loop

import "time"

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop cancels the callback. Returns false if it already ran or was stopped.
	Stop() bool
}

// Clock tells time and schedules callbacks onto the owning loop.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// NewClock returns a wall clock whose callbacks run on the given poster.
func NewClock(p Poster) Clock {
	return &wallClock{poster: p}
}

type wallClock struct {
	poster Poster
}

func (c *wallClock) Now() time.Time { return time.Now() }

func (c *wallClock) AfterFunc(d time.Duration, fn func()) Timer {
	t := &wallTimer{}
	t.timer = time.AfterFunc(d, func() {
		c.poster.Post(func() {
			// Stop may have run on the loop after the timer goroutine queued us.
			if t.stopped || t.fired {
				return
			}
			t.fired = true
			fn()
		})
	})
	return t
}

// wallTimer fields are only touched on the loop goroutine.
type wallTimer struct {
	timer   *time.Timer
	stopped bool
	fired   bool
}

func (t *wallTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.timer.Stop()
	return true
}
