// Package archive persists conversation updates to the profile's SQLite
// database so history survives a daemon restart.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/gochat/internal/bus"
	"github.com/matheus3301/gochat/internal/conversation"
	"github.com/matheus3301/gochat/internal/frame"
	"github.com/matheus3301/gochat/internal/store"
)

// KindArchived is published after an update has been written.
const KindArchived = "archive.written"

// Engine subscribes to "conversation." events on the bus and writes each
// one to the store. Writes are idempotent, so a replayed update is harmless.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a new archive engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger.Named("archive"),
	}
}

// Start subscribes to conversation events. The subscription is in place
// when Start returns.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("conversation.", 1024)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the current write to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	u, ok := evt.Payload.(conversation.Update)
	if !ok {
		return
	}
	if err := e.Write(u.Message); err != nil {
		e.logger.Error("failed to archive message", zap.Error(err), zap.String("local_id", u.Message.LocalID))
		return
	}
	e.bus.Publish(bus.Event{
		Kind:      KindArchived,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation": u.Message.ConversationKey,
			"local_id":     u.Message.LocalID,
			"state":        string(u.Message.State),
		},
	})
}

// Write stores one message and bumps its conversation summary.
func (e *Engine) Write(m conversation.Message) error {
	atts, err := json.Marshal(nonNil(m.Attachments))
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	if err := e.db.UpsertConversation(&store.Conversation{
		Key:                m.ConversationKey,
		LastMessageAt:      m.SentAt.UnixMilli(),
		LastMessagePreview: conversation.Preview(m),
	}); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if err := e.db.UpsertMessage(&store.Message{
		LocalID:         m.LocalID,
		ServerID:        m.ServerID,
		CorrelationID:   m.CorrelationID,
		ConversationKey: m.ConversationKey,
		Sender:          m.SenderID,
		Kind:            string(m.Kind),
		Body:            m.Content,
		Attachments:     string(atts),
		State:           string(m.State),
		Outgoing:        m.Outgoing,
		SentAt:          m.SentAt.UnixMilli(),
	}); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// History reads archived messages of a conversation, oldest first. beforeMs
// of zero means now.
func History(db *store.DB, key string, beforeMs int64, limit int) ([]conversation.Message, error) {
	rows, err := db.ListMessages(key, beforeMs, limit)
	if err != nil {
		return nil, err
	}
	out := make([]conversation.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		var atts []frame.Attachment
		if err := json.Unmarshal([]byte(r.Attachments), &atts); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", r.LocalID, err)
		}
		if len(atts) == 0 {
			atts = nil
		}
		out = append(out, conversation.Message{
			LocalID:         r.LocalID,
			ServerID:        r.ServerID,
			CorrelationID:   r.CorrelationID,
			SenderID:        r.Sender,
			ConversationKey: r.ConversationKey,
			Kind:            frame.Type(r.Kind),
			Content:         r.Body,
			Attachments:     atts,
			SentAt:          time.UnixMilli(r.SentAt).UTC(),
			State:           conversation.DeliveryState(r.State),
			Outgoing:        r.Outgoing,
		})
	}
	return out, nil
}

func nonNil(a []frame.Attachment) []frame.Attachment {
	if a == nil {
		return []frame.Attachment{}
	}
	return a
}
