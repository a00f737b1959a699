package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/matheus3301/gochat/internal/api"
	"github.com/matheus3301/gochat/internal/conn"
	"github.com/matheus3301/gochat/internal/ctlclient"
	"github.com/matheus3301/gochat/internal/lock"
	"github.com/matheus3301/gochat/internal/profile"
	"github.com/matheus3301/gochat/internal/status"
)

type echoSocket struct {
	reads     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newEchoSocket() *echoSocket {
	return &echoSocket{reads: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *echoSocket) ReadMessage() ([]byte, error) {
	select {
	case b := <-s.reads:
		return b, nil
	case <-s.closed:
		return nil, errors.New("closed")
	}
}

// WriteMessage echoes chat frames back, the way the server confirms them.
func (s *echoSocket) WriteMessage(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err == nil && m["type"] == "message" {
		m["id"] = "srv-" + m["correlationId"].(string)
		m["sender"] = "alice"
		echo, _ := json.Marshal(m)
		s.reads <- echo
	}
	return nil
}

func (s *echoSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type echoDialer struct{}

func (echoDialer) Dial(context.Context, string) (conn.Socket, error) {
	return newEchoSocket(), nil
}

// shortHome keeps socket paths under the 104-char Unix socket limit on macOS.
func shortHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "gochat-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(profile.EnvHome, dir)
	for _, k := range []string{"GOCHAT_SERVER_URL", "GOCHAT_API_URL", "GOCHAT_USERNAME", "GOCHAT_TOKEN", "GOCHAT_PROFILE"} {
		t.Setenv(k, "")
	}
	return dir
}

func waitState(t *testing.T, c *ctlclient.Client, want status.State) *api.StatusResponse {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st, err := c.Status(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if st.State == want {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", want)
	return nil
}

func TestDaemonLifecycle(t *testing.T) {
	shortHome(t)
	app := fxtest.New(t, Module(Params{ProfileName: "test", Dialer: echoDialer{}}))
	app.RequireStart()
	defer app.RequireStop()

	c := ctlclient.New(profile.SocketPath("test"))
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	st := waitState(t, c, status.Idle)
	if st.Profile != "test" {
		t.Errorf("profile = %q, want test", st.Profile)
	}

	info, err := os.Stat(profile.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket permission = %o, want 0600", perm)
	}

	if _, err := c.Send(ctx, "bob", "hi"); err == nil {
		t.Fatal("Send() while Idle should fail")
	} else {
		var e *ctlclient.Error
		if !errors.As(err, &e) || e.Code != http.StatusConflict {
			t.Errorf("Send() error = %v, want 409", err)
		}
	}

	if _, err := c.Connect(ctx, api.ConnectRequest{Username: "alice"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, c, status.Open)

	msg, err := c.Send(ctx, "bob", "hi")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	var archived []api.Message
	for time.Now().Before(deadline) {
		archived, err = c.Messages(ctx, "bob", true, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(archived) == 1 && archived[0].State == "sent" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(archived) != 1 || archived[0].LocalID != msg.LocalID || archived[0].State != "sent" {
		t.Fatalf("archived = %+v, want the sent message", archived)
	}

	if _, err := c.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, status.Closed)
}

func TestSecondDaemonRefused(t *testing.T) {
	shortHome(t)
	lk, err := lock.Acquire(profile.Dir("busy"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	app := fxtest.New(t, Module(Params{ProfileName: "busy", Dialer: echoDialer{}}))
	err = app.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "profile lock held") {
		t.Fatalf("Start() error = %v, want the lock to be held", err)
	}
}

func TestNewServerUsesSocketOverride(t *testing.T) {
	dir := shortHome(t)
	socketPath := filepath.Join(dir, "d.sock")

	srv, err := NewServer(Params{ProfileName: "x", SocketPath: socketPath}, nil, http.NotFoundHandler(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if srv.SocketPath() != socketPath {
		t.Errorf("SocketPath() = %q", srv.SocketPath())
	}
	if _, err := os.Stat(socketPath); err != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, err)
	}
	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket left behind: %v", err)
	}
}
