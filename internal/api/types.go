package api

import (
	"time"

	"github.com/matheus3301/gochat/internal/conversation"
	"github.com/matheus3301/gochat/internal/frame"
	"github.com/matheus3301/gochat/internal/store"
)

// Message is the wire view of one conversation entry.
type Message struct {
	LocalID       string             `json:"localId"`
	ServerID      string             `json:"serverId,omitempty"`
	CorrelationID string             `json:"correlationId,omitempty"`
	Sender        string             `json:"sender"`
	Conversation  string             `json:"conversation"`
	Kind          string             `json:"kind"`
	Content       string             `json:"content,omitempty"`
	Attachments   []frame.Attachment `json:"attachments,omitempty"`
	SentAt        time.Time          `json:"sentAt"`
	State         string             `json:"state"`
	Outgoing      bool               `json:"outgoing"`
}

// Conversation is the wire view of a conversation summary.
type Conversation struct {
	Key           string    `json:"key"`
	Count         int       `json:"count,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	LastPreview   string    `json:"lastPreview"`
}

// ConnectRequest is the body of POST /v1/connect. An empty body reconnects
// with the last credential, or the configured one.
type ConnectRequest struct {
	Username string `json:"username,omitempty"`
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

type SendRequest struct {
	Content string `json:"content"`
}

type FileRequest struct {
	Path string `json:"path"`
}

type HistoryRequest struct {
	Limit int `json:"limit"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func messageView(m conversation.Message) Message {
	return Message{
		LocalID:       m.LocalID,
		ServerID:      m.ServerID,
		CorrelationID: m.CorrelationID,
		Sender:        m.SenderID,
		Conversation:  m.ConversationKey,
		Kind:          string(m.Kind),
		Content:       m.Content,
		Attachments:   m.Attachments,
		SentAt:        m.SentAt,
		State:         string(m.State),
		Outgoing:      m.Outgoing,
	}
}

func messageViews(in []conversation.Message) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		out = append(out, messageView(m))
	}
	return out
}

func summaryView(s conversation.Summary) Conversation {
	return Conversation{Key: s.Key, Count: s.Count, LastMessageAt: s.LastMessageAt, LastPreview: s.LastPreview}
}

func archivedView(c store.Conversation) Conversation {
	return Conversation{Key: c.Key, LastMessageAt: time.UnixMilli(c.LastMessageAt).UTC(), LastPreview: c.LastMessagePreview}
}
