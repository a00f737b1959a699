package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrMalformed reports a frame that is not valid JSON or lacks a
	// required field.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownType reports a frame whose tag is not recognised.
	ErrUnknownType = errors.New("unknown frame type")
)

// DecodeError describes why one inbound payload was rejected.
type DecodeError struct {
	Type   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %q frame: %s: %v", e.Type, e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func malformed(typ, reason string) error {
	return &DecodeError{Type: typ, Reason: reason, Err: ErrMalformed}
}

type wire struct {
	Type          string          `json:"type"`
	ID            string          `json:"id,omitempty"`
	Sender        string          `json:"sender,omitempty"`
	Recipient     string          `json:"recipient,omitempty"`
	Conversation  string          `json:"conversation,omitempty"`
	Content       string          `json:"content,omitempty"`
	Attachments   []Attachment    `json:"attachments,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	SentAt        *time.Time      `json:"sentAt,omitempty"`
	SentAtSnake   *time.Time      `json:"sent_at,omitempty"`
	Users         []string        `json:"users,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Joined        string          `json:"joined,omitempty"`
	Left          string          `json:"left,omitempty"`
	IsTyping      *bool           `json:"isTyping,omitempty"`
	Limit         int             `json:"limit,omitempty"`
	Level         string          `json:"level,omitempty"`
}

func (w *wire) sentAt() time.Time {
	switch {
	case w.SentAt != nil:
		return *w.SentAt
	case w.SentAtSnake != nil:
		return *w.SentAtSnake
	}
	return time.Time{}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Encode serializes f to its JSON wire form.
func Encode(f Frame) ([]byte, error) {
	var w wire
	switch v := f.(type) {
	case Chat:
		w = wire{
			Type:          string(v.Type()),
			ID:            v.ID,
			Sender:        v.Sender,
			Recipient:     v.Recipient,
			Conversation:  v.Conversation,
			Content:       v.Content,
			Attachments:   v.Attachments,
			CorrelationID: v.CorrelationID,
			SentAt:        timePtr(v.SentAt),
		}
	case System:
		w = wire{Type: string(TypeSystem), Content: v.Content, Level: v.Level, SentAt: timePtr(v.SentAt)}
	case PresenceSnapshot:
		w = wire{Type: string(TypePresenceSnapshot), Users: v.Users}
		if w.Users == nil {
			w.Users = []string{}
		}
	case PresenceDelta:
		w = wire{Type: string(TypePresenceDelta), Joined: v.Joined, Left: v.Left}
	case Typing:
		typing := v.IsTyping
		w = wire{
			Type:         string(TypeTyping),
			Sender:       v.Sender,
			Recipient:    v.Recipient,
			Conversation: v.Conversation,
			IsTyping:     &typing,
		}
	case Ping:
		w = wire{Type: string(TypePing)}
	case Pong:
		w = wire{Type: string(TypePong)}
	case HistoryRequest:
		w = wire{Type: wireGetHistory, Conversation: v.Conversation, Limit: v.Limit}
	case nil:
		return nil, errors.New("encode frame: nil frame")
	default:
		return nil, fmt.Errorf("encode frame: unsupported type %T", f)
	}
	return json.Marshal(w)
}

// Decode parses one JSON frame and validates its shape.
func Decode(data []byte) (Frame, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	switch w.Type {
	case string(TypeMessage), string(TypeFile):
		return decodeChat(&w)
	case string(TypeSystem):
		if w.Content == userStatus && len(w.Data) > 0 {
			var users []string
			if err := json.Unmarshal(w.Data, &users); err != nil {
				return nil, malformed(w.Type, "userStatus data is not a user list")
			}
			return snapshot(users), nil
		}
		level := w.Level
		if level == "" {
			level = LevelInfo
		}
		return System{Level: level, Content: w.Content, SentAt: w.sentAt()}, nil
	case wireError:
		return System{Level: LevelError, Content: w.Content, SentAt: w.sentAt()}, nil
	case string(TypePresenceSnapshot), wireUserList:
		if w.Users == nil && len(w.Data) == 0 {
			return nil, malformed(w.Type, "missing users")
		}
		users := w.Users
		if users == nil {
			if err := json.Unmarshal(w.Data, &users); err != nil {
				return nil, malformed(w.Type, "data is not a user list")
			}
		}
		return snapshot(users), nil
	case string(TypePresenceDelta):
		if w.Joined == "" && w.Left == "" {
			return nil, malformed(w.Type, "needs joined or left")
		}
		return PresenceDelta{Joined: w.Joined, Left: w.Left}, nil
	case string(TypeTyping):
		if w.Sender == "" {
			return nil, malformed(w.Type, "missing sender")
		}
		typing, err := typingFlag(w)
		if err != nil {
			return nil, err
		}
		return Typing{
			Sender:       w.Sender,
			Recipient:    w.Recipient,
			Conversation: w.Conversation,
			IsTyping:     typing,
		}, nil
	case string(TypePing):
		return Ping{}, nil
	case string(TypePong):
		return Pong{}, nil
	case string(TypeHistoryRequest), wireGetHistory:
		if w.Limit < 0 {
			return nil, malformed(w.Type, "negative limit")
		}
		return HistoryRequest{Conversation: w.Conversation, Limit: w.Limit}, nil
	case "":
		return nil, malformed("", "missing type")
	default:
		return nil, &DecodeError{Type: w.Type, Reason: "unrecognised tag", Err: ErrUnknownType}
	}
}

func decodeChat(w *wire) (Frame, error) {
	if w.Sender == "" {
		return nil, malformed(w.Type, "missing sender")
	}
	switch Type(w.Type) {
	case TypeMessage:
		if w.Content == "" && len(w.Attachments) == 0 {
			return nil, malformed(w.Type, "needs content or attachments")
		}
	case TypeFile:
		if len(w.Attachments) == 0 {
			return nil, malformed(w.Type, "needs at least one attachment")
		}
	}
	for _, a := range w.Attachments {
		if err := a.Validate(); err != nil {
			return nil, malformed(w.Type, err.Error())
		}
	}
	return Chat{
		Kind:          Type(w.Type),
		ID:            w.ID,
		Sender:        w.Sender,
		Recipient:     w.Recipient,
		Conversation:  w.Conversation,
		Content:       w.Content,
		Attachments:   w.Attachments,
		CorrelationID: w.CorrelationID,
		SentAt:        w.sentAt(),
	}, nil
}

func snapshot(users []string) PresenceSnapshot {
	if users == nil {
		users = []string{}
	}
	return PresenceSnapshot{Users: users}
}

// Validate checks the fields every attachment must carry.
func (a Attachment) Validate() error {
	if a.FileName == "" {
		return errors.New("attachment missing file name")
	}
	if a.FileSize < 0 {
		return errors.New("attachment has negative size")
	}
	return nil
}

// DecodeBatch decodes a websocket payload holding one or more frames
// separated by newlines. Blank lines are skipped. Frames that decode are
// returned in order along with one error per line that did not.
func DecodeBatch(data []byte) ([]Frame, []error) {
	var (
		frames []Frame
		errs   []error
	)
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		f, err := Decode(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		frames = append(frames, f)
	}
	return frames, errs
}

// typingFlag reads isTyping, falling back to a "true" or "false" content
// string. A frame carrying neither means the sender started typing.
func typingFlag(w wire) (bool, error) {
	if w.IsTyping != nil {
		return *w.IsTyping, nil
	}
	if w.Content == "" {
		return true, nil
	}
	v, err := strconv.ParseBool(w.Content)
	if err != nil {
		return false, malformed(w.Type, "content is not a typing flag")
	}
	return v, nil
}
