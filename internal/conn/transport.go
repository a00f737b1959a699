package conn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNormalClosure is returned by Socket.ReadMessage when the peer closed
// the connection with close code 1000.
var ErrNormalClosure = errors.New("peer closed connection normally")

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// Socket is one open connection. ReadMessage is called from a single
// goroutine and WriteMessage from another; Close may be called from any.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteWait        = 10 * time.Second
	defaultReadWait         = 60 * time.Second
	defaultReadLimit        = 512 * 1024
)

// WSDialer dials websocket connections with gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	ReadWait         time.Duration
	ReadLimit        int64
}

// NewWSDialer returns a dialer with the default timeouts and read limit.
func NewWSDialer() *WSDialer {
	return &WSDialer{
		HandshakeTimeout: defaultHandshakeTimeout,
		WriteWait:        defaultWriteWait,
		ReadWait:         defaultReadWait,
		ReadLimit:        defaultReadLimit,
	}
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	c, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", redact(url), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", redact(url), err)
	}

	s := &wsSocket{c: c, writeWait: d.WriteWait, readWait: d.ReadWait}
	c.SetReadLimit(d.ReadLimit)
	_ = c.SetReadDeadline(time.Now().Add(d.ReadWait))
	c.SetPingHandler(func(appData string) error {
		_ = c.SetReadDeadline(time.Now().Add(s.readWait))
		err := c.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(s.readWait))
	})
	return s, nil
}

type wsSocket struct {
	c         *websocket.Conn
	writeWait time.Duration
	readWait  time.Duration
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.c.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil, fmt.Errorf("%w: %v", ErrNormalClosure, err)
		}
		return nil, err
	}
	_ = s.c.SetReadDeadline(time.Now().Add(s.readWait))
	return data, nil
}

func (s *wsSocket) WriteMessage(data []byte) error {
	_ = s.c.SetWriteDeadline(time.Now().Add(s.writeWait))
	return s.c.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame and closes the underlying connection.
func (s *wsSocket) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.c.Close()
}

// redact drops the query string so tokens do not end up in logs.
func redact(raw string) string {
	base, _, _ := strings.Cut(raw, "?")
	return base
}
