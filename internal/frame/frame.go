// Package frame defines the frames exchanged over the chat socket and their
// JSON wire encoding.
package frame

import "time"

// Type is a frame tag.
type Type string

const (
	TypeMessage          Type = "message"
	TypeFile             Type = "file"
	TypeSystem           Type = "system"
	TypeTyping           Type = "typing"
	TypePresenceSnapshot Type = "presenceSnapshot"
	TypePresenceDelta    Type = "presenceDelta"
	TypePing             Type = "ping"
	TypePong             Type = "pong"
	TypeHistoryRequest   Type = "historyRequest"
)

// Wire-only tags sent by the server.
const (
	wireUserList   = "user_list"
	wireError      = "error"
	wireGetHistory = "get_history"
	userStatus     = "userStatus"
)

// System notice levels.
const (
	LevelInfo  = "info"
	LevelError = "error"
)

// Frame is one decoded unit of socket traffic. The set of implementations is
// closed; switch on the concrete type.
type Frame interface {
	Type() Type
	isFrame()
}

// Attachment references a file already uploaded to the server.
type Attachment struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	FileType string `json:"fileType,omitempty"`
	FilePath string `json:"filePath,omitempty"`
}

// Chat carries a text message (Kind TypeMessage) or a file share (TypeFile).
type Chat struct {
	Kind          Type
	ID            string
	Sender        string
	Recipient     string
	Conversation  string
	Content       string
	Attachments   []Attachment
	CorrelationID string
	SentAt        time.Time
}

// System is a server notice.
type System struct {
	Level   string
	Content string
	SentAt  time.Time
}

// PresenceSnapshot is the full set of online users.
type PresenceSnapshot struct {
	Users []string
}

// PresenceDelta reports one user joining or leaving, or both.
type PresenceDelta struct {
	Joined string
	Left   string
}

// Typing reports that Sender started or stopped typing.
type Typing struct {
	Sender       string
	Recipient    string
	Conversation string
	IsTyping     bool
}

type Ping struct{}

type Pong struct{}

// HistoryRequest asks the server to replay recent messages.
type HistoryRequest struct {
	Conversation string
	Limit        int
}

func (c Chat) Type() Type {
	if c.Kind == TypeFile {
		return TypeFile
	}
	return TypeMessage
}
func (System) Type() Type           { return TypeSystem }
func (PresenceSnapshot) Type() Type { return TypePresenceSnapshot }
func (PresenceDelta) Type() Type    { return TypePresenceDelta }
func (Typing) Type() Type           { return TypeTyping }
func (Ping) Type() Type             { return TypePing }
func (Pong) Type() Type             { return TypePong }
func (HistoryRequest) Type() Type   { return TypeHistoryRequest }

func (Chat) isFrame()             {}
func (System) isFrame()           {}
func (PresenceSnapshot) isFrame() {}
func (PresenceDelta) isFrame()    {}
func (Typing) isFrame()           {}
func (Ping) isFrame()             {}
func (Pong) isFrame()             {}
func (HistoryRequest) isFrame()   {}
