// Package loop provides the single event loop that owns all chat session
// state, plus the clock abstraction used to schedule work back onto it.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned when work is offered to a loop that is no longer running.
var ErrStopped = errors.New("event loop stopped")

// Poster accepts closures to run on the loop goroutine.
type Poster interface {
	Post(fn func()) bool
}

// Loop runs posted closures one at a time, in order, on a single goroutine.
type Loop struct {
	tasks    chan func()
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a loop with the given task buffer size.
func New(buf int) *Loop {
	if buf <= 0 {
		buf = 256
	}
	return &Loop{
		tasks: make(chan func(), buf),
		done:  make(chan struct{}),
	}
}

// Post queues fn for execution. Returns false if the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

const (
	callPending int32 = iota
	callRunning
	callAbandoned
)

// Call runs fn on the loop and waits for it to return. When ctx ends or the
// loop stops before fn starts, fn is skipped for good and the error is
// returned. Once fn has started, Call waits for it to finish and returns nil.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	var state atomic.Int32
	finished := make(chan struct{})
	if !l.Post(func() {
		if !state.CompareAndSwap(callPending, callRunning) {
			return
		}
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	var err error
	select {
	case <-finished:
		return nil
	case <-l.done:
		err = ErrStopped
	case <-ctx.Done():
		err = ctx.Err()
	}
	if state.CompareAndSwap(callPending, callAbandoned) {
		return err
	}
	<-finished
	return nil
}

// Run executes tasks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.done:
			return
		}
	}
}

// Stop terminates the loop. Tasks still queued are discarded.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Done is closed once the loop stops.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
