package conn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/gochat/internal/bus"
	"github.com/matheus3301/gochat/internal/frame"
	"github.com/matheus3301/gochat/internal/loop/looptest"
	"github.com/matheus3301/gochat/internal/metrics"
	"github.com/matheus3301/gochat/internal/status"
)

type readResult struct {
	data []byte
	err  error
}

type fakeSocket struct {
	reads     chan readResult
	closed    chan struct{}
	closeOnce sync.Once
	block     chan struct{}

	mu      sync.Mutex
	written [][]byte
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{reads: make(chan readResult, 8), closed: make(chan struct{})}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case r := <-s.reads:
		return r.data, r.err
	case <-s.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.written = append(s.written, data)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func (s *fakeSocket) fail(err error) { s.reads <- readResult{err: err} }

type dialResult struct {
	sock Socket
	err  error
}

type fakeDialer struct {
	results chan dialResult
	mu      sync.Mutex
	urls    []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Socket, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.mu.Unlock()
	r := <-d.results
	return r.sock, r.err
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) succeed() *fakeSocket {
	s := newFakeSocket()
	d.results <- dialResult{sock: s}
	return s
}

func (d *fakeDialer) refuse() {
	d.results <- dialResult{err: errors.New("connection refused")}
}

type harness struct {
	q      *looptest.Queue
	clk    *looptest.Clock
	d      *fakeDialer
	m      *Manager
	mx     *metrics.Metrics
	events []Event
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.URL == "" {
		opts.URL = "ws://chat.test/ws"
	}
	h := &harness{q: looptest.NewQueue(), clk: looptest.NewClock(), d: newFakeDialer(), mx: metrics.New()}
	h.m = NewManager(opts, h.d, h.q, h.clk, bus.New(), h.mx, nil)
	h.m.OnStateChange(func(e Event) { h.events = append(h.events, e) })
	return h
}

func (h *harness) scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.mx.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func (h *harness) waitState(t *testing.T, want status.State) {
	t.Helper()
	h.q.RunUntil(t, time.Second, func() bool { return h.m.State() == want })
}

func (h *harness) waitAttempt(t *testing.T, want int) {
	t.Helper()
	h.q.RunUntil(t, time.Second, func() bool {
		return h.m.State() == status.Reconnecting && h.m.Attempt() == want
	})
}

func (h *harness) lastDelay() time.Duration {
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].To == status.Reconnecting {
			return h.events[i].Delay
		}
	}
	return 0
}

func (h *harness) connect(t *testing.T) *fakeSocket {
	t.Helper()
	sock := h.d.succeed()
	if err := h.m.Connect(Credential{Username: "alice"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	h.waitState(t, status.Open)
	return sock
}

func TestConnectOpens(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	if h.d.urls[0] != "ws://chat.test/ws?username=alice" {
		t.Errorf("dialed %q", h.d.urls[0])
	}
	if len(h.events) != 2 || h.events[0].To != status.Connecting || h.events[1].To != status.Open {
		t.Fatalf("events = %+v, want Connecting then Open", h.events)
	}
	if h.events[1].Reconnected {
		t.Error("first open should not be marked as a reconnect")
	}
}

func TestConnectWhileActive(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	if err := h.m.Connect(Credential{Username: "alice"}); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("Connect() error = %v, want ErrAlreadyActive", err)
	}
}

func TestBackoffScheduleExhaustsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, Options{BaseDelay: 3 * time.Second, MaxAttempts: 5})
	sock := h.connect(t)

	sock.fail(errors.New("connection reset"))
	h.waitAttempt(t, 1)

	var delays []time.Duration
	delays = append(delays, h.lastDelay())
	for attempt := 2; attempt <= 5; attempt++ {
		if pending := h.clk.Pending(); len(pending) != 1 {
			t.Fatalf("pending timers = %v, want exactly one", pending)
		}
		h.d.refuse()
		h.clk.Advance(delays[len(delays)-1])
		h.waitAttempt(t, attempt)
		delays = append(delays, h.lastDelay())
	}

	h.d.refuse()
	h.clk.Advance(delays[len(delays)-1])
	h.waitState(t, status.Closed)

	want := []time.Duration{3 * time.Second, 6 * time.Second, 9 * time.Second, 12 * time.Second, 15 * time.Second}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
	}
	if pending := h.clk.Pending(); len(pending) != 0 {
		t.Errorf("pending timers after exhaustion = %v, want none", pending)
	}
	if h.d.dials() != 6 {
		t.Errorf("dials = %d, want 6 (initial plus five retries)", h.d.dials())
	}
	if h.m.LastError() == nil {
		t.Error("LastError() should hold the final dial failure")
	}
}

func TestAttemptResetsAfterSuccessfulOpen(t *testing.T) {
	h := newHarness(t, Options{BaseDelay: 3 * time.Second, MaxAttempts: 5})
	sock := h.connect(t)

	sock.fail(errors.New("reset 1"))
	h.waitAttempt(t, 1)
	h.d.refuse()
	h.clk.Advance(3 * time.Second)
	h.waitAttempt(t, 2)
	h.d.refuse()
	h.clk.Advance(6 * time.Second)
	h.waitAttempt(t, 3)

	sock = h.d.succeed()
	h.clk.Advance(9 * time.Second)
	h.waitState(t, status.Open)

	if h.m.Attempt() != 0 {
		t.Fatalf("Attempt() = %d after open, want 0", h.m.Attempt())
	}
	if last := h.events[len(h.events)-1]; !last.Reconnected {
		t.Error("open after reconnect should be marked Reconnected")
	}

	sock.fail(errors.New("reset 2"))
	h.waitAttempt(t, 1)
	if d := h.lastDelay(); d != 3*time.Second {
		t.Errorf("delay after reset = %v, want 3s", d)
	}
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	h := newHarness(t, Options{})
	sock := h.connect(t)

	sock.fail(errors.New("reset"))
	h.waitAttempt(t, 1)
	h.m.Disconnect()

	if h.m.State() != status.Closed {
		t.Fatalf("state = %s, want CLOSED", h.m.State())
	}
	if pending := h.clk.Pending(); len(pending) != 0 {
		t.Errorf("pending timers after disconnect = %v", pending)
	}
	h.clk.Advance(time.Minute)
	h.q.Drain()
	if h.d.dials() != 1 {
		t.Errorf("dials = %d, want 1", h.d.dials())
	}
}

func TestDisconnectClosesSocket(t *testing.T) {
	h := newHarness(t, Options{})
	sock := h.connect(t)

	h.m.Disconnect()
	if !sock.isClosed() {
		t.Error("socket not closed on disconnect")
	}
	h.q.Drain()
	if h.m.State() != status.Closed {
		t.Errorf("state = %s, want CLOSED", h.m.State())
	}
	if err := h.m.Send(frame.Ping{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestNormalClosureDoesNotRetry(t *testing.T) {
	h := newHarness(t, Options{})
	sock := h.connect(t)

	sock.fail(ErrNormalClosure)
	h.waitState(t, status.Closed)
	if pending := h.clk.Pending(); len(pending) != 0 {
		t.Errorf("pending timers = %v, want none", pending)
	}
}

func TestReconnectFromClosed(t *testing.T) {
	h := newHarness(t, Options{})
	sock := h.connect(t)
	sock.fail(ErrNormalClosure)
	h.waitState(t, status.Closed)

	h.connect(t)
	if h.m.Attempt() != 0 {
		t.Errorf("Attempt() = %d, want 0", h.m.Attempt())
	}
}

func TestStaleDialResultIsDiscarded(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.m.Connect(Credential{Username: "alice"}); err != nil {
		t.Fatal(err)
	}
	h.m.Disconnect()

	late := h.d.succeed()
	h.q.RunUntil(t, time.Second, late.isClosed)
	if h.m.State() != status.Closed {
		t.Errorf("state = %s, want CLOSED", h.m.State())
	}
	if body := h.scrape(t); strings.Contains(body, "gochat_frames_dropped_total") {
		t.Errorf("stale dial counted as a dropped frame:\n%s", body)
	}
}

func TestSendWritesToSocket(t *testing.T) {
	h := newHarness(t, Options{})
	sock := h.connect(t)

	if err := h.m.Send(frame.Pong{}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	deadline := time.After(time.Second)
	for sock.writes() == 0 {
		select {
		case <-deadline:
			t.Fatal("frame never written")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if string(sock.written[0]) != `{"type":"pong"}` {
		t.Errorf("written = %s", sock.written[0])
	}
}

func TestSendBufferFull(t *testing.T) {
	h := newHarness(t, Options{SendBuffer: 1})
	sock := newFakeSocket()
	sock.block = make(chan struct{})
	defer close(sock.block)
	h.d.results <- dialResult{sock: sock}
	if err := h.m.Connect(Credential{Username: "alice"}); err != nil {
		t.Fatal(err)
	}
	h.waitState(t, status.Open)

	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = h.m.Send(frame.Ping{})
	}
	if !errors.Is(err, ErrSendBufferFull) {
		t.Errorf("Send() error = %v, want ErrSendBufferFull", err)
	}
}

func TestFramesReachSubscribers(t *testing.T) {
	h := newHarness(t, Options{})
	var got []string
	cancel := h.m.OnFrame(func(b []byte) { got = append(got, string(b)) })
	sock := h.connect(t)

	sock.reads <- readResult{data: []byte(`{"type":"ping"}`)}
	h.q.RunUntil(t, time.Second, func() bool { return len(got) == 1 })

	cancel()
	sock.reads <- readResult{data: []byte(`{"type":"ping"}`)}
	sock.fail(ErrNormalClosure)
	h.waitState(t, status.Closed)
	if len(got) != 1 {
		t.Errorf("got %d frames after cancel, want 1", len(got))
	}
}

func TestBusReceivesFatalNotice(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("notice.fatal", 4)
	defer unsub()

	q, clk, d := looptest.NewQueue(), looptest.NewClock(), newFakeDialer()
	m := NewManager(Options{URL: "ws://chat.test/ws", MaxAttempts: 1}, d, q, clk, b, nil, nil)
	d.refuse()
	if err := m.Connect(Credential{Username: "alice"}); err != nil {
		t.Fatal(err)
	}
	q.RunUntil(t, time.Second, func() bool { return m.State() == status.Reconnecting })
	d.refuse()
	clk.Advance(DefaultBaseDelay)
	q.RunUntil(t, time.Second, func() bool { return m.State() == status.Closed })

	select {
	case evt := <-ch:
		if n, ok := evt.Payload.(bus.Notice); !ok || n.Text == "" {
			t.Errorf("payload = %#v, want Notice", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no fatal notice published")
	}
}
