// Package chat assembles the real-time components into one explicitly owned
// session value.
package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/gochat/internal/bus"
	"github.com/matheus3301/gochat/internal/conn"
	"github.com/matheus3301/gochat/internal/conversation"
	"github.com/matheus3301/gochat/internal/frame"
	"github.com/matheus3301/gochat/internal/loop"
	"github.com/matheus3301/gochat/internal/metrics"
	"github.com/matheus3301/gochat/internal/presence"
	"github.com/matheus3301/gochat/internal/router"
	"github.com/matheus3301/gochat/internal/status"
	"github.com/matheus3301/gochat/internal/typing"
)

// ErrNoUploader is returned by SendFile when the session has no upload
// collaborator.
var ErrNoUploader = errors.New("file uploads not configured")

// Uploader stores a file with the REST collaborator and returns the
// attachment reference to put in the frame.
type Uploader interface {
	Upload(ctx context.Context, path, username string) (frame.Attachment, error)
}

// Config collects per-component options.
type Config struct {
	Conn         conn.Options
	Conversation conversation.Options
	Typing       typing.Options
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	State     status.State `json:"state"`
	Attempt   int          `json:"attempt"`
	LastError string       `json:"lastError,omitempty"`
	Identity  string       `json:"identity,omitempty"`
	Online    []string     `json:"online"`
	Typing    []string     `json:"typing"`
}

// Session owns one event loop and every component that runs on it. Its
// exported methods may be called from any goroutine.
type Session struct {
	loop     *loop.Loop
	clock    loop.Clock
	conn     *conn.Manager
	router   *router.Router
	store    *conversation.Store
	presence *presence.Tracker
	typing   *typing.Coordinator
	uploader Uploader
	metrics  *metrics.Metrics
	log      *zap.Logger

	identity string
	cancels  []func()
}

// New builds a session. uploader may be nil, in which case SendFile fails.
func New(cfg Config, d conn.Dialer, uploader Uploader, b *bus.Bus, m *metrics.Metrics, log *zap.Logger) *Session {
	l := loop.New(256)
	return newSession(cfg, l, loop.NewClock(l), d, uploader, b, m, log)
}

func newSession(cfg Config, l *loop.Loop, clk loop.Clock, d conn.Dialer, uploader Uploader, b *bus.Bus, m *metrics.Metrics, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		loop:     l,
		clock:    clk,
		uploader: uploader,
		metrics:  m,
		log:      log.Named("chat"),
	}
	s.conn = conn.NewManager(cfg.Conn, d, l, clk, b, m, log)
	s.store = conversation.NewStore(cfg.Conversation, clk, b, m, log)
	s.presence = presence.NewTracker(clk, b)
	s.typing = typing.NewCoordinator(cfg.Typing, clk, s.conn, b, log)
	s.router = router.New(router.Targets{
		Conversations: s.store,
		Presence:      s.presence,
		Typing:        s.typing,
		Notices:       router.BusNotices{Bus: b, Now: clk.Now},
		Heartbeat:     s.conn,
	}, m, log)

	s.cancels = append(s.cancels,
		s.conn.OnFrame(s.router.HandleRaw),
		s.conn.OnStateChange(s.onConnEvent),
	)
	return s
}

// Start runs the event loop until ctx is cancelled or Close is called.
func (s *Session) Start(ctx context.Context) {
	go s.loop.Run(ctx)
}

// Close logs out and stops the loop.
func (s *Session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.loop.Call(ctx, func() {
		s.teardown()
		for _, c := range s.cancels {
			c()
		}
		s.cancels = nil
	}); err != nil && !errors.Is(err, loop.ErrStopped) {
		s.log.Warn("close", zap.Error(err))
	}
	s.loop.Stop()
}

func (s *Session) onConnEvent(e conn.Event) {
	if e.To == status.Open && e.Reconnected {
		s.store.SweepStale(s.clock.Now())
	}
	if e.From == status.Open && e.To != status.Open {
		s.presence.Clear()
		s.typing.ClearRemote()
	}
	if e.To == status.Closed {
		s.typing.Reset()
	}
}

// Login connects with cred and makes its identity the session's own.
func (s *Session) Login(ctx context.Context, cred conn.Credential) error {
	id, err := cred.Identity()
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return s.call(ctx, func() error {
		if s.identity != "" && s.identity != id {
			if st := s.conn.State(); st.Active() {
				return fmt.Errorf("logged in as %s: %w", s.identity, conn.ErrAlreadyActive)
			}
			s.teardown()
		}
		if err := s.conn.Connect(cred); err != nil {
			return err
		}
		s.identity = id
		s.store.SetSelf(id)
		s.typing.SetSelf(id)
		s.log.Info("login", zap.String("identity", id))
		return nil
	})
}

// Reconnect retries with the last credential after a Closed state.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.identity == "" {
			return errors.New("reconnect: not logged in")
		}
		return s.conn.Connect(s.conn.Credential())
	})
}

// Disconnect closes the connection but keeps conversation state.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.call(ctx, func() error {
		s.conn.Disconnect()
		return nil
	})
}

// Logout disconnects, cancels every timer and forgets all state.
func (s *Session) Logout(ctx context.Context) error {
	return s.call(ctx, func() error {
		s.teardown()
		return nil
	})
}

func (s *Session) teardown() {
	s.conn.Disconnect()
	s.store.Reset()
	s.presence.Clear()
	s.typing.Reset()
	s.identity = ""
	s.store.SetSelf("")
	s.typing.SetSelf("")
}

// SendText sends a text message to conversation key. Nothing is recorded
// when the connection is not Open.
func (s *Session) SendText(ctx context.Context, key, text string) (conversation.Message, error) {
	var msg conversation.Message
	err := s.call(ctx, func() error {
		var err error
		msg, err = s.sendDraft(conversation.Draft{ConversationKey: key, Content: text})
		return err
	})
	return msg, err
}

// SendFile uploads path and shares it in conversation key. Oversize files
// are rejected before any network call.
func (s *Session) SendFile(ctx context.Context, key, path string) (conversation.Message, error) {
	info, err := os.Stat(path)
	if err != nil {
		return conversation.Message{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return conversation.Message{}, fmt.Errorf("%s is a directory: %w", path, conversation.ErrInvalidDraft)
	}
	if err := s.store.CheckAttachmentSize(info.Size()); err != nil {
		return conversation.Message{}, err
	}
	if s.uploader == nil {
		return conversation.Message{}, ErrNoUploader
	}

	var identity string
	if err := s.call(ctx, func() error {
		if s.conn.State() != status.Open {
			return conn.ErrNotConnected
		}
		identity = s.identity
		return nil
	}); err != nil {
		return conversation.Message{}, err
	}

	att, err := s.uploader.Upload(ctx, path, identity)
	if err != nil {
		return conversation.Message{}, fmt.Errorf("upload: %w", err)
	}

	var msg conversation.Message
	err = s.call(ctx, func() error {
		var err error
		msg, err = s.sendDraft(conversation.Draft{ConversationKey: key, Attachments: []frame.Attachment{att}})
		return err
	})
	return msg, err
}

// Resend retries a Failed message as a new entry.
func (s *Session) Resend(ctx context.Context, localID string) (conversation.Message, error) {
	var msg conversation.Message
	err := s.call(ctx, func() error {
		if s.conn.State() != status.Open {
			return conn.ErrNotConnected
		}
		m, err := s.store.Resend(localID)
		if err != nil {
			return err
		}
		msg, err = s.transmit(m)
		return err
	})
	return msg, err
}

func (s *Session) sendDraft(d conversation.Draft) (conversation.Message, error) {
	if s.conn.State() != status.Open {
		return conversation.Message{}, conn.ErrNotConnected
	}
	m, err := s.store.AppendOptimistic(d)
	if err != nil {
		return conversation.Message{}, err
	}
	return s.transmit(m)
}

// transmit sends the frame for a Pending message, failing it right away if
// the frame cannot be queued. Only a queued frame counts as sent.
func (s *Session) transmit(m conversation.Message) (conversation.Message, error) {
	if err := s.conn.Send(conversation.Outbound(m)); err != nil {
		s.log.Warn("send failed", zap.Error(err), zap.String("local_id", m.LocalID))
		_ = s.store.MarkFailed(m.LocalID)
		failed, _ := s.store.Get(m.LocalID)
		return failed, err
	}
	s.metrics.Message(metrics.OutcomeSent)
	return m, nil
}

// NoteTyping reports local keystrokes in conversation key.
func (s *Session) NoteTyping(ctx context.Context, key string) error {
	return s.call(ctx, func() error {
		if s.conn.State() != status.Open {
			return conn.ErrNotConnected
		}
		s.typing.NoteLocalActivity(key)
		return nil
	})
}

// RequestHistory asks the server to replay up to limit messages of key.
func (s *Session) RequestHistory(ctx context.Context, key string, limit int) error {
	if limit < 0 {
		return fmt.Errorf("negative history limit: %w", conversation.ErrInvalidDraft)
	}
	return s.call(ctx, func() error {
		return s.conn.Send(frame.HistoryRequest{Conversation: key, Limit: limit})
	})
}

// Snapshot returns the connection, presence and typing state.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.call(ctx, func() error {
		snap = Snapshot{
			State:    s.conn.State(),
			Attempt:  s.conn.Attempt(),
			Identity: s.identity,
			Online:   s.presence.Online(),
			Typing:   s.typing.Typing(),
		}
		if err := s.conn.LastError(); err != nil {
			snap.LastError = err.Error()
		}
		return nil
	})
	return snap, err
}

// Messages returns a copy of one conversation.
func (s *Session) Messages(ctx context.Context, key string) ([]conversation.Message, error) {
	var out []conversation.Message
	err := s.call(ctx, func() error {
		out = s.store.Messages(key)
		return nil
	})
	return out, err
}

// Conversations lists conversations, most recent first.
func (s *Session) Conversations(ctx context.Context) ([]conversation.Summary, error) {
	var out []conversation.Summary
	err := s.call(ctx, func() error {
		out = s.store.Conversations()
		return nil
	})
	return out, err
}

func (s *Session) call(ctx context.Context, fn func() error) error {
	var result error
	if err := s.loop.Call(ctx, func() { result = fn() }); err != nil {
		return err
	}
	return result
}
