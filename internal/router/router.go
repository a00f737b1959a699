// Package router dispatches decoded inbound frames to the component that
// owns the state they change.
package router

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/gochat/internal/bus"
	"github.com/matheus3301/gochat/internal/frame"
	"github.com/matheus3301/gochat/internal/metrics"
)

// Conversations receives chat and file frames.
type Conversations interface {
	ReconcileOrAppend(remote frame.Chat)
}

// Presence receives presence snapshots and deltas.
type Presence interface {
	Replace(users []string)
	Apply(delta frame.PresenceDelta)
}

// Typing receives remote typing frames.
type Typing interface {
	NoteRemote(userID string, isTyping bool)
}

// Notices receives server notices for display.
type Notices interface {
	Notice(n frame.System)
}

// Ponger answers heartbeats on the live connection.
type Ponger interface {
	Pong()
}

// Targets groups the dispatch targets. All are required.
type Targets struct {
	Conversations Conversations
	Presence      Presence
	Typing        Typing
	Notices       Notices
	Heartbeat     Ponger
}

// Router is used on the event loop only.
type Router struct {
	t       Targets
	metrics *metrics.Metrics
	log     *zap.Logger
	warn    *rate.Limiter
	dropped int
}

// New creates a router. Decode warnings are limited to one per second with
// a burst of five; the rest are counted and reported with the next warning.
func New(t Targets, m *metrics.Metrics, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		t:       t,
		metrics: m,
		log:     log.Named("router"),
		warn:    rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// HandleRaw decodes one socket payload, which may hold several frames, and
// dispatches each one. Bad frames are logged and skipped.
func (r *Router) HandleRaw(payload []byte) {
	frames, errs := frame.DecodeBatch(payload)
	for _, err := range errs {
		r.decodeFailed(err)
	}
	for _, f := range frames {
		r.Dispatch(f)
	}
}

// Dispatch routes one frame.
func (r *Router) Dispatch(f frame.Frame) {
	r.metrics.FrameReceived(string(f.Type()))
	switch v := f.(type) {
	case frame.Chat:
		r.t.Conversations.ReconcileOrAppend(v)
	case frame.PresenceSnapshot:
		r.t.Presence.Replace(v.Users)
	case frame.PresenceDelta:
		r.t.Presence.Apply(v)
	case frame.Typing:
		r.t.Typing.NoteRemote(v.Sender, v.IsTyping)
	case frame.System:
		r.t.Notices.Notice(v)
	case frame.Ping:
		r.t.Heartbeat.Pong()
	case frame.Pong, frame.HistoryRequest:
	default:
		r.log.Warn("unhandled frame", zap.String("type", string(f.Type())))
	}
}

func (r *Router) decodeFailed(err error) {
	reason := metrics.DropMalformed
	if errors.Is(err, frame.ErrUnknownType) {
		reason = metrics.DropUnknown
	}
	r.metrics.FrameDropped(reason)
	if !r.warn.Allow() {
		r.dropped++
		return
	}
	r.log.Warn("discarding inbound frame", zap.Error(err), zap.Int("suppressed", r.dropped))
	r.dropped = 0
}

// BusNotices publishes server notices on the process bus.
type BusNotices struct {
	Bus *bus.Bus
	Now func() time.Time
}

func (n BusNotices) Notice(s frame.System) {
	kind := bus.KindNoticeSystem
	if s.Level == frame.LevelError {
		kind = bus.KindNoticeError
	}
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	n.Bus.Publish(bus.Event{Kind: kind, Timestamp: now(), Payload: bus.Notice{Text: s.Content}})
}
