package ctlclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/matheus3301/gochat/internal/api"
)

func TestStatusOverUnixSocket(t *testing.T) {
	// Short path for the 104-char socket limit on macOS.
	dir, err := os.MkdirTemp("/tmp", "gochat-ctl-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(dir) }()
	sock := filepath.Join(dir, "d.sock")

	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/status" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"profile": "test", "state": "OPEN", "identity": "alice"})
	})}
	go func() { _ = srv.Serve(ln) }()
	defer func() { _ = srv.Close() }()

	c := New(sock)
	defer func() { _ = c.Close() }()
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Profile != "test" || st.State != "OPEN" || st.Identity != "alice" {
		t.Errorf("status = %+v", st)
	}
}

func TestErrorReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "not connected"})
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, srv.Client())
	_, err := c.Send(context.Background(), "bob", "hi")
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("Send() error = %v, want *Error", err)
	}
	if e.Code != http.StatusConflict || e.Message != "not connected" {
		t.Errorf("error = %+v", e)
	}
}

func TestRequests(t *testing.T) {
	type seen struct {
		method, path, query string
		body                map[string]any
	}
	var got []seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := seen{method: r.Method, path: r.URL.EscapedPath(), query: r.URL.RawQuery}
		_ = json.NewDecoder(r.Body).Decode(&s.body)
		got = append(got, s)
		switch r.URL.Path {
		case "/v1/conversations/bob/typing":
			w.WriteHeader(http.StatusNoContent)
		case "/v1/conversations/bob/messages":
			if r.Method == http.MethodGet {
				_ = json.NewEncoder(w).Encode([]api.Message{{LocalID: "l1"}})
				return
			}
			fallthrough
		default:
			_ = json.NewEncoder(w).Encode(api.Message{LocalID: "l2"})
		}
	}))
	defer srv.Close()
	c := NewHTTP(srv.URL, srv.Client())
	ctx := context.Background()

	if _, err := c.Send(ctx, "bob", "hi"); err != nil {
		t.Fatal(err)
	}
	if err := c.Typing(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	msgs, err := c.Messages(ctx, "bob", true, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].LocalID != "l1" {
		t.Errorf("messages = %+v", msgs)
	}
	if err := c.History(ctx, "general", 20); err != nil {
		t.Fatal(err)
	}

	if len(got) != 4 {
		t.Fatalf("requests = %+v", got)
	}
	if got[0].method != http.MethodPost || got[0].body["content"] != "hi" {
		t.Errorf("send request = %+v", got[0])
	}
	if got[2].query != "limit=5&source=archive" {
		t.Errorf("messages query = %q", got[2].query)
	}
	if got[3].path != "/v1/conversations/general/history" || got[3].body["limit"] != float64(20) {
		t.Errorf("history request = %+v", got[3])
	}
}
