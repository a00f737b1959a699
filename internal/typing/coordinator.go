// Package typing debounces local typing signals and expires remote typing
// indicators.
package typing

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/gochat/internal/bus"
	"github.com/matheus3301/gochat/internal/conversation"
	"github.com/matheus3301/gochat/internal/frame"
	"github.com/matheus3301/gochat/internal/loop"
)

const (
	DefaultDebounce     = time.Second
	DefaultKeepalive    = 3 * time.Second
	DefaultRemoteExpiry = 5 * time.Second
)

// Sender delivers outbound frames; conn.Manager satisfies it.
type Sender interface {
	Send(f frame.Frame) error
}

type Options struct {
	Debounce     time.Duration
	Keepalive    time.Duration
	RemoteExpiry time.Duration
}

type localState struct {
	lastStart time.Time
	stop      loop.Timer
}

// Coordinator is used on the event loop only.
type Coordinator struct {
	opts   Options
	clock  loop.Clock
	sender Sender
	bus    *bus.Bus
	log    *zap.Logger
	self   string

	local   map[string]*localState
	remote  map[string]time.Time
	sweep   loop.Timer
	sweepAt time.Time
	subs    bus.Registry[[]string]
}

func NewCoordinator(opts Options, clk loop.Clock, s Sender, b *bus.Bus, log *zap.Logger) *Coordinator {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = DefaultKeepalive
	}
	if opts.RemoteExpiry <= 0 {
		opts.RemoteExpiry = DefaultRemoteExpiry
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		opts:   opts,
		clock:  clk,
		sender: s,
		bus:    b,
		log:    log.Named("typing"),
		local:  make(map[string]*localState),
		remote: make(map[string]time.Time),
	}
}

// SetSelf sets our own id; remote frames from it are ignored.
func (c *Coordinator) SetSelf(id string) { c.self = id }

// OnChange registers h; it receives the sorted set of typing users.
func (c *Coordinator) OnChange(h func(users []string)) (cancel func()) {
	return c.subs.Add(h)
}

// NoteLocalActivity records a keystroke in conversation key. A start frame
// goes out on the first keystroke and again every keepalive interval while
// typing continues; a stop frame follows once input has been quiet for the
// debounce interval.
func (c *Coordinator) NoteLocalActivity(key string) {
	st, ok := c.local[key]
	if !ok {
		st = &localState{}
		c.local[key] = st
	}
	now := c.clock.Now()
	if !ok || now.Sub(st.lastStart) >= c.opts.Keepalive {
		c.send(key, true)
		st.lastStart = now
	}
	if st.stop != nil {
		st.stop.Stop()
	}
	st.stop = c.clock.AfterFunc(c.opts.Debounce, func() {
		if c.local[key] != st {
			return
		}
		delete(c.local, key)
		c.send(key, false)
	})
}

func (c *Coordinator) send(key string, typing bool) {
	f := frame.Typing{Sender: c.self, IsTyping: typing}
	if key == conversation.GeneralKey {
		f.Conversation = key
	} else {
		f.Recipient = key
	}
	if err := c.sender.Send(f); err != nil {
		c.log.Debug("typing frame not sent", zap.Error(err), zap.String("conversation", key))
	}
}

// NoteRemote sets or clears userID's typing indicator.
func (c *Coordinator) NoteRemote(userID string, isTyping bool) {
	if userID == "" || userID == c.self {
		return
	}
	_, existed := c.remote[userID]
	if !isTyping {
		if existed {
			delete(c.remote, userID)
			c.arm()
			c.changed()
		}
		return
	}
	c.remote[userID] = c.clock.Now().Add(c.opts.RemoteExpiry)
	c.arm()
	if !existed {
		c.changed()
	}
}

// IsTyping reports whether userID has an unexpired indicator.
func (c *Coordinator) IsTyping(userID string) bool {
	c.expire()
	_, ok := c.remote[userID]
	return ok
}

// Typing returns the users currently typing, sorted.
func (c *Coordinator) Typing() []string {
	c.expire()
	return c.typingUsers()
}

// ClearRemote drops every remote indicator.
func (c *Coordinator) ClearRemote() {
	c.stopSweep()
	if len(c.remote) == 0 {
		return
	}
	c.remote = make(map[string]time.Time)
	c.changed()
}

// Reset cancels every timer and forgets all state. No frames are sent.
func (c *Coordinator) Reset() {
	for key, st := range c.local {
		if st.stop != nil {
			st.stop.Stop()
		}
		delete(c.local, key)
	}
	c.ClearRemote()
}

func (c *Coordinator) expire() {
	now := c.clock.Now()
	removed := false
	for u, exp := range c.remote {
		if !now.Before(exp) {
			delete(c.remote, u)
			removed = true
		}
	}
	if removed {
		c.arm()
		c.changed()
	}
}

// arm keeps a single sweep timer pointed at the earliest expiry.
func (c *Coordinator) arm() {
	var earliest time.Time
	for _, exp := range c.remote {
		if earliest.IsZero() || exp.Before(earliest) {
			earliest = exp
		}
	}
	if earliest.IsZero() {
		c.stopSweep()
		return
	}
	if c.sweep != nil && c.sweepAt.Equal(earliest) {
		return
	}
	c.stopSweep()
	c.sweepAt = earliest
	c.sweep = c.clock.AfterFunc(earliest.Sub(c.clock.Now()), func() {
		c.sweep = nil
		c.sweepAt = time.Time{}
		c.expire()
		c.arm()
	})
}

func (c *Coordinator) stopSweep() {
	if c.sweep != nil {
		c.sweep.Stop()
		c.sweep = nil
		c.sweepAt = time.Time{}
	}
}

func (c *Coordinator) typingUsers() []string {
	out := make([]string, 0, len(c.remote))
	for u := range c.remote {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) changed() {
	users := c.typingUsers()
	c.subs.Emit(users)
	c.bus.Publish(bus.Event{Kind: bus.KindTypingChanged, Timestamp: c.clock.Now(), Payload: users})
}
