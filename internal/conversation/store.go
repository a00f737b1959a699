// Package conversation holds the visible message list of every conversation
// and reconciles optimistic local sends against server echoes.
package conversation

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/gochat/internal/bus"
	"github.com/matheus3301/gochat/internal/frame"
	"github.com/matheus3301/gochat/internal/loop"
	"github.com/matheus3301/gochat/internal/metrics"
)

var (
	ErrOversizeAttachment = errors.New("attachment exceeds size limit")
	ErrUnknownMessage     = errors.New("unknown message")
	ErrNotFailed          = errors.New("message has not failed")
	ErrInvalidDraft       = errors.New("invalid draft")
)

// GeneralKey is the broadcast room.
const GeneralKey = "general"

const (
	DefaultSendTimeout        = 10 * time.Second
	DefaultMaxAttachmentBytes = 10 << 20
)

// DeliveryState only moves forward: Pending to Sent or Failed.
type DeliveryState string

const (
	Pending DeliveryState = "pending"
	Sent    DeliveryState = "sent"
	Failed  DeliveryState = "failed"
)

// Message is one entry of a conversation.
type Message struct {
	LocalID         string
	ServerID        string
	CorrelationID   string
	SenderID        string
	ConversationKey string
	Kind            frame.Type
	Content         string
	Attachments     []frame.Attachment
	SentAt          time.Time
	State           DeliveryState
	Outgoing        bool
}

func (m Message) clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]frame.Attachment(nil), m.Attachments...)
	}
	return m
}

// Draft is a message the user wants to send.
type Draft struct {
	ConversationKey string
	Content         string
	Attachments     []frame.Attachment
}

type UpdateKind string

const (
	Appended   UpdateKind = "appended"
	Reconciled UpdateKind = "reconciled"
	MarkedFail UpdateKind = "failed"
)

// Update is published for every change to a conversation.
type Update struct {
	Kind    UpdateKind
	Message Message
}

var busKinds = map[UpdateKind]string{
	Appended:   bus.KindConversationAppended,
	Reconciled: bus.KindConversationReconcile,
	MarkedFail: bus.KindConversationFailed,
}

// Summary describes one conversation.
type Summary struct {
	Key           string
	Count         int
	LastMessageAt time.Time
	LastPreview   string
}

type Options struct {
	SendTimeout        time.Duration
	MaxAttachmentBytes int64
}

// Store is the only mutator of message state. It is used on the event loop
// only.
type Store struct {
	opts    Options
	clock   loop.Clock
	bus     *bus.Bus
	metrics *metrics.Metrics
	log     *zap.Logger
	newID   func() string

	self     string
	convs    map[string][]*Message
	keys     []string
	byLocal  map[string]*Message
	byCorr   map[string]*Message
	byServer map[string]*Message
	timers   map[string]loop.Timer
	subs     bus.Registry[Update]
}

// NewStore creates an empty store.
func NewStore(opts Options, clk loop.Clock, b *bus.Bus, m *metrics.Metrics, log *zap.Logger) *Store {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.MaxAttachmentBytes <= 0 {
		opts.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		opts:    opts,
		clock:   clk,
		bus:     b,
		metrics: m,
		log:     log.Named("conversation"),
		newID:   uuid.NewString,
	}
	s.init()
	return s
}

func (s *Store) init() {
	s.convs = make(map[string][]*Message)
	s.keys = nil
	s.byLocal = make(map[string]*Message)
	s.byCorr = make(map[string]*Message)
	s.byServer = make(map[string]*Message)
	s.timers = make(map[string]loop.Timer)
}

// SetSelf sets the identity used to recognise echoes of our own messages.
func (s *Store) SetSelf(id string) { s.self = id }

// OnUpdate registers h for every change.
func (s *Store) OnUpdate(h func(Update)) (cancel func()) {
	return s.subs.Add(h)
}

// CheckAttachmentSize rejects files over the configured limit.
func (s *Store) CheckAttachmentSize(n int64) error {
	if n > s.opts.MaxAttachmentBytes {
		return fmt.Errorf("%d bytes, limit %d: %w", n, s.opts.MaxAttachmentBytes, ErrOversizeAttachment)
	}
	return nil
}

func (s *Store) validate(d Draft) error {
	if d.ConversationKey == "" {
		return fmt.Errorf("%w: missing conversation", ErrInvalidDraft)
	}
	if d.Content == "" && len(d.Attachments) == 0 {
		return fmt.Errorf("%w: needs content or attachments", ErrInvalidDraft)
	}
	for _, a := range d.Attachments {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDraft, err)
		}
		if err := s.CheckAttachmentSize(a.FileSize); err != nil {
			return fmt.Errorf("attachment %s: %w", a.FileName, err)
		}
	}
	return nil
}

// AppendOptimistic inserts a Pending message at the tail of its
// conversation and starts its send timeout. The returned message carries
// the correlation id to embed in the outbound frame.
func (s *Store) AppendOptimistic(d Draft) (Message, error) {
	if err := s.validate(d); err != nil {
		return Message{}, err
	}
	kind := frame.TypeMessage
	if len(d.Attachments) > 0 && d.Content == "" {
		kind = frame.TypeFile
	}
	m := &Message{
		LocalID:         s.newID(),
		CorrelationID:   s.newID(),
		SenderID:        s.self,
		ConversationKey: d.ConversationKey,
		Kind:            kind,
		Content:         d.Content,
		Attachments:     append([]frame.Attachment(nil), d.Attachments...),
		SentAt:          s.clock.Now(),
		State:           Pending,
		Outgoing:        true,
	}
	s.insert(m)
	s.byCorr[m.CorrelationID] = m

	id := m.LocalID
	s.timers[id] = s.clock.AfterFunc(s.opts.SendTimeout, func() {
		delete(s.timers, id)
		s.log.Warn("send timed out", zap.String("local_id", id))
		_ = s.MarkFailed(id)
	})
	s.publish(Appended, m)
	return m.clone(), nil
}

// Outbound builds the wire frame for an optimistic message.
func Outbound(m Message) frame.Chat {
	c := frame.Chat{
		Kind:          m.Kind,
		Sender:        m.SenderID,
		Content:       m.Content,
		Attachments:   m.Attachments,
		CorrelationID: m.CorrelationID,
		SentAt:        m.SentAt,
	}
	if m.ConversationKey == GeneralKey {
		c.Conversation = GeneralKey
	} else {
		c.Recipient = m.ConversationKey
	}
	return c
}

// KeyFor derives the conversation a remote chat frame belongs to. Decoded
// chat frames always carry a sender. Our own echo with no recipient was a
// broadcast and belongs to the general room.
func KeyFor(c frame.Chat, self string) string {
	switch {
	case c.Conversation != "":
		return c.Conversation
	case self != "" && c.Sender == self:
		if c.Recipient == "" {
			return GeneralKey
		}
		return c.Recipient
	default:
		return c.Sender
	}
}

// ReconcileOrAppend applies an inbound chat frame. An echo of one of our
// Pending messages replaces it in place; anything unmatched is appended in
// arrival order.
func (s *Store) ReconcileOrAppend(remote frame.Chat) {
	if remote.CorrelationID != "" {
		if m, ok := s.byCorr[remote.CorrelationID]; ok {
			s.reconcile(m, remote)
			return
		}
	}
	if remote.ID != "" {
		if _, ok := s.byServer[remote.ID]; ok {
			s.log.Debug("duplicate frame ignored", zap.String("server_id", remote.ID))
			return
		}
	}

	m := &Message{
		LocalID:         s.newID(),
		ServerID:        remote.ID,
		CorrelationID:   remote.CorrelationID,
		SenderID:        remote.Sender,
		ConversationKey: KeyFor(remote, s.self),
		Kind:            remote.Type(),
		Content:         remote.Content,
		Attachments:     append([]frame.Attachment(nil), remote.Attachments...),
		SentAt:          remote.SentAt,
		State:           Sent,
		Outgoing:        remote.Sender == s.self && s.self != "",
	}
	if m.SentAt.IsZero() {
		m.SentAt = s.clock.Now()
	}
	s.insert(m)
	if m.CorrelationID != "" {
		s.byCorr[m.CorrelationID] = m
	}
	s.metrics.Message(metrics.OutcomeReceived)
	s.publish(Appended, m)
}

func (s *Store) reconcile(m *Message, remote frame.Chat) {
	switch m.State {
	case Pending:
		s.stopTimer(m.LocalID)
		m.ServerID = remote.ID
		if m.ServerID == "" {
			m.ServerID = remote.CorrelationID
		}
		if len(remote.Attachments) > 0 {
			m.Attachments = append([]frame.Attachment(nil), remote.Attachments...)
		}
		m.State = Sent
		s.byServer[m.ServerID] = m
		s.metrics.Message(metrics.OutcomeReconciled)
		s.publish(Reconciled, m)
	case Failed:
		s.log.Info("late echo for failed message dropped",
			zap.String("local_id", m.LocalID),
			zap.String("correlation_id", m.CorrelationID),
			zap.String("conversation", m.ConversationKey),
		)
		s.metrics.FrameDropped(metrics.DropLateEcho)
	default:
		s.log.Debug("duplicate echo ignored", zap.String("correlation_id", m.CorrelationID))
	}
}

// MarkFailed moves a Pending message to Failed. Messages in any other state
// are left alone.
func (s *Store) MarkFailed(localID string) error {
	m, ok := s.byLocal[localID]
	if !ok {
		return fmt.Errorf("%s: %w", localID, ErrUnknownMessage)
	}
	if m.State != Pending {
		return nil
	}
	s.stopTimer(localID)
	m.State = Failed
	s.metrics.Message(metrics.OutcomeFailed)
	s.publish(MarkedFail, m)
	return nil
}

// Resend appends a new Pending copy of a Failed message with fresh ids. The
// failed entry stays as it is.
func (s *Store) Resend(localID string) (Message, error) {
	m, ok := s.byLocal[localID]
	if !ok {
		return Message{}, fmt.Errorf("%s: %w", localID, ErrUnknownMessage)
	}
	if m.State != Failed {
		return Message{}, fmt.Errorf("%s is %s: %w", localID, m.State, ErrNotFailed)
	}
	return s.AppendOptimistic(Draft{
		ConversationKey: m.ConversationKey,
		Content:         m.Content,
		Attachments:     m.Attachments,
	})
}

// SweepStale fails every Pending message older than the send timeout and
// returns how many it failed. Send timeouts normally fail these first; the
// sweep catches a timeout whose callback is still queued behind the
// reconnect.
func (s *Store) SweepStale(now time.Time) int {
	var stale []string
	for _, key := range s.keys {
		for _, m := range s.convs[key] {
			if m.State == Pending && now.Sub(m.SentAt) >= s.opts.SendTimeout {
				stale = append(stale, m.LocalID)
			}
		}
	}
	for _, id := range stale {
		_ = s.MarkFailed(id)
	}
	if len(stale) > 0 {
		s.log.Info("swept stale sends", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Get returns a copy of one message.
func (s *Store) Get(localID string) (Message, bool) {
	m, ok := s.byLocal[localID]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// Messages returns a copy of a conversation in insertion order.
func (s *Store) Messages(key string) []Message {
	list := s.convs[key]
	out := make([]Message, 0, len(list))
	for _, m := range list {
		out = append(out, m.clone())
	}
	return out
}

// Conversations lists every conversation, most recent first.
func (s *Store) Conversations() []Summary {
	out := make([]Summary, 0, len(s.keys))
	for _, key := range s.keys {
		list := s.convs[key]
		last := list[len(list)-1]
		out = append(out, Summary{
			Key:           key,
			Count:         len(list),
			LastMessageAt: last.SentAt,
			LastPreview:   Preview(*last),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// Preview is a short single-line rendering of a message.
func Preview(m Message) string {
	if m.Content == "" && len(m.Attachments) > 0 {
		return "[file] " + m.Attachments[0].FileName
	}
	const limit = 100
	if r := []rune(m.Content); len(r) > limit {
		return string(r[:limit])
	}
	return m.Content
}

// Reset cancels every timer and forgets all conversations.
func (s *Store) Reset() {
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.init()
}

func (s *Store) insert(m *Message) {
	if _, ok := s.convs[m.ConversationKey]; !ok {
		s.keys = append(s.keys, m.ConversationKey)
	}
	s.convs[m.ConversationKey] = append(s.convs[m.ConversationKey], m)
	s.byLocal[m.LocalID] = m
	if m.ServerID != "" {
		s.byServer[m.ServerID] = m
	}
}

func (s *Store) stopTimer(localID string) {
	if t, ok := s.timers[localID]; ok {
		t.Stop()
		delete(s.timers, localID)
	}
}

func (s *Store) publish(kind UpdateKind, m *Message) {
	u := Update{Kind: kind, Message: m.clone()}
	s.subs.Emit(u)
	s.bus.Publish(bus.Event{Kind: busKinds[kind], Timestamp: s.clock.Now(), Payload: u})
}
