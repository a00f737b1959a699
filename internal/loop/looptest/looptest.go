// Package looptest provides deterministic stand-ins for the event loop and
// its clock.
package looptest

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/gochat/internal/loop"
)

// Clock is a manual clock. Callbacks run synchronously inside Advance, on
// the goroutine that calls it, which plays the role of the loop in tests.
type Clock struct {
	now    time.Time
	seq    int
	timers []*timer
}

type timer struct {
	clock   *Clock
	at      time.Time
	delay   time.Duration
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

// NewClock returns a clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time { return c.now }

func (c *Clock) AfterFunc(d time.Duration, fn func()) loop.Timer {
	c.seq++
	t := &timer{clock: c, at: c.now.Add(d), delay: d, seq: c.seq, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *timer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward by d, firing every timer that comes due in
// deadline order. Timers scheduled by callbacks fire too if they fall due.
func (c *Clock) Advance(d time.Duration) {
	end := c.now.Add(d)
	for {
		next := c.nextDue(end)
		if next == nil {
			break
		}
		c.now = next.at
		next.fired = true
		next.fn()
	}
	c.now = end
}

func (c *Clock) nextDue(end time.Time) *timer {
	var live []*timer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	c.timers = live
	sort.Slice(live, func(i, j int) bool {
		if live[i].at.Equal(live[j].at) {
			return live[i].seq < live[j].seq
		}
		return live[i].at.Before(live[j].at)
	})
	if len(live) == 0 || live[0].at.After(end) {
		return nil
	}
	return live[0]
}

// Pending returns the delays of timers that have neither fired nor been
// stopped, in scheduling order.
func (c *Clock) Pending() []time.Duration {
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

// Queue is a loop.Poster that holds tasks until the test runs them.
type Queue struct {
	mu     sync.Mutex
	tasks  []func()
	notify chan struct{}
}

// NewQueue creates an empty task queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Drain runs every queued task, including ones queued while draining.
func (q *Queue) Drain() int {
	n := 0
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return n
		}
		fn := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		fn()
		n++
	}
}

// RunUntil runs tasks as they arrive until cond holds or the timeout passes.
func (q *Queue) RunUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		q.Drain()
		if cond() {
			return
		}
		select {
		case <-q.notify:
		case <-deadline:
			t.Fatal("timeout waiting for loop condition")
			return
		}
	}
}
