// Package conn owns the chat socket and its connect, backoff and reconnect
// state machine.
package conn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/gochat/internal/bus"
	"github.com/matheus3301/gochat/internal/frame"
	"github.com/matheus3301/gochat/internal/loop"
	"github.com/matheus3301/gochat/internal/metrics"
	"github.com/matheus3301/gochat/internal/status"
)

var (
	// ErrNotConnected is returned by Send when the connection is not Open.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyActive is returned by Connect when a connection exists or
	// is being pursued.
	ErrAlreadyActive = errors.New("connection already active")
	// ErrSendBufferFull is returned by Send when the write goroutine has
	// fallen behind.
	ErrSendBufferFull = errors.New("send buffer full")
)

const (
	DefaultBaseDelay   = 3 * time.Second
	DefaultMaxAttempts = 5
	DefaultSendBuffer  = 256
)

// Options configures a Manager.
type Options struct {
	URL         string
	BaseDelay   time.Duration
	MaxAttempts int
	SendBuffer  int
}

func (o *Options) setDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
}

// Event describes one state transition.
type Event struct {
	From    status.State
	To      status.State
	Attempt int
	// Delay is the wait before the next attempt when To is Reconnecting.
	Delay time.Duration
	Err   error
	// Reconnected is set on the Open that ends a reconnect cycle.
	Reconnected bool
}

type socketHandle struct {
	gen  uint64
	sock Socket
	out  chan []byte
	stop chan struct{}
}

// Manager owns at most one socket and one pending reconnect timer. All of
// its methods must be called on the event loop.
type Manager struct {
	opts    Options
	dialer  Dialer
	poster  loop.Poster
	clock   loop.Clock
	bus     *bus.Bus
	metrics *metrics.Metrics
	log     *zap.Logger

	machine     *status.Machine
	cred        Credential
	attempt     int
	lastErr     error
	gen         uint64
	sock        *socketHandle
	timer       loop.Timer
	cancelDial  context.CancelFunc
	reconnected bool

	stateSubs bus.Registry[Event]
	frameSubs bus.Registry[[]byte]
}

// NewManager creates a Manager in the Idle state. Dial results and socket
// events are delivered through p; timers come from clk.
func NewManager(opts Options, d Dialer, p loop.Poster, clk loop.Clock, b *bus.Bus, m *metrics.Metrics, log *zap.Logger) *Manager {
	opts.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		opts:    opts,
		dialer:  d,
		poster:  p,
		clock:   clk,
		bus:     b,
		metrics: m,
		log:     log.Named("conn"),
		machine: status.NewMachine(),
	}
}

// OnStateChange registers h for every transition.
func (m *Manager) OnStateChange(h func(Event)) (cancel func()) {
	return m.stateSubs.Add(h)
}

// OnFrame registers h for every raw inbound payload.
func (m *Manager) OnFrame(h func([]byte)) (cancel func()) {
	return m.frameSubs.Add(h)
}

func (m *Manager) State() status.State { return m.machine.Current() }
func (m *Manager) Attempt() int        { return m.attempt }
func (m *Manager) LastError() error    { return m.lastErr }
func (m *Manager) Credential() Credential {
	return m.cred
}

// Connect starts a connection from Idle or Closed. The attempt counter is
// reset.
func (m *Manager) Connect(cred Credential) error {
	if st := m.State(); st != status.Idle && st != status.Closed {
		return fmt.Errorf("connect from %s: %w", st, ErrAlreadyActive)
	}
	if _, err := cred.Endpoint(m.opts.URL); err != nil {
		return err
	}
	m.cred = cred
	m.attempt = 0
	m.lastErr = nil
	m.reconnected = false
	m.dial()
	return nil
}

// Disconnect tears down the socket, cancels any pending dial or reconnect
// timer and moves to Closed. No further reconnection happens until the next
// Connect.
func (m *Manager) Disconnect() {
	m.stopTimer()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.gen++
	m.detach()
	m.reconnected = false
	if m.State() != status.Closed {
		m.setState(status.Closed, Event{})
	}
}

// Send encodes f and hands it to the write goroutine without blocking.
func (m *Manager) Send(f frame.Frame) error {
	if m.State() != status.Open || m.sock == nil {
		return ErrNotConnected
	}
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}
	select {
	case m.sock.out <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Pong answers a heartbeat ping on the current socket.
func (m *Manager) Pong() {
	if err := m.Send(frame.Pong{}); err != nil {
		m.log.Debug("pong not sent", zap.Error(err))
	}
}

func (m *Manager) dial() {
	m.gen++
	gen := m.gen
	m.setState(status.Connecting, Event{})

	endpoint, err := m.cred.Endpoint(m.opts.URL)
	if err != nil {
		m.dialFailed(err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	go func() {
		sock, err := m.dialer.Dial(ctx, endpoint)
		if !m.poster.Post(func() { m.dialed(gen, sock, err) }) && sock != nil {
			_ = sock.Close()
		}
	}()
}

func (m *Manager) dialed(gen uint64, sock Socket, err error) {
	if gen != m.gen || m.State() != status.Connecting {
		if sock != nil {
			_ = sock.Close()
		}
		m.log.Debug("stale dial result discarded", zap.Uint64("generation", gen))
		return
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if err != nil {
		m.dialFailed(err)
		return
	}

	h := &socketHandle{
		gen:  gen,
		sock: sock,
		out:  make(chan []byte, m.opts.SendBuffer),
		stop: make(chan struct{}),
	}
	m.sock = h
	go m.readPump(h)
	go m.writePump(h)

	reconnected := m.reconnected
	m.attempt = 0
	m.lastErr = nil
	m.reconnected = false
	m.setState(status.Open, Event{Reconnected: reconnected})
}

func (m *Manager) dialFailed(err error) {
	m.log.Warn("dial failed", zap.Error(err), zap.Int("attempt", m.attempt))
	m.lastErr = err
	m.retry(err)
}

// retry schedules the next attempt, or gives up once the budget is spent.
func (m *Manager) retry(cause error) {
	if m.attempt >= m.opts.MaxAttempts {
		m.reconnected = false
		m.setState(status.Closed, Event{Err: cause})
		m.notify(bus.KindNoticeFatal, "Failed to reconnect after multiple attempts.")
		return
	}
	m.attempt++
	delay := m.opts.BaseDelay * time.Duration(m.attempt)
	m.stopTimer()
	m.setState(status.Reconnecting, Event{Delay: delay, Err: cause})
	m.metrics.ReconnectScheduled()
	m.notify(bus.KindNoticeTransient, fmt.Sprintf("Connection lost. Reconnecting in %d seconds...", int(delay/time.Second)))

	m.timer = m.clock.AfterFunc(delay, func() {
		m.timer = nil
		if m.State() != status.Reconnecting {
			return
		}
		m.reconnected = true
		m.dial()
	})
}

func (m *Manager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) received(gen uint64, data []byte) {
	if m.sock == nil || gen != m.sock.gen {
		m.metrics.FrameDropped(metrics.DropStale)
		return
	}
	m.frameSubs.Emit(data)
}

func (m *Manager) closed(gen uint64, err error) {
	if m.sock == nil || gen != m.sock.gen || m.State() != status.Open {
		return
	}
	m.detach()
	if errors.Is(err, ErrNormalClosure) {
		m.log.Info("peer closed connection")
		m.lastErr = nil
		m.setState(status.Closed, Event{})
		return
	}
	m.log.Warn("connection lost", zap.Error(err))
	m.lastErr = err
	m.retry(err)
}

func (m *Manager) detach() {
	if m.sock == nil {
		return
	}
	close(m.sock.stop)
	_ = m.sock.sock.Close()
	m.sock = nil
}

func (m *Manager) readPump(h *socketHandle) {
	for {
		data, err := h.sock.ReadMessage()
		if err != nil {
			m.poster.Post(func() { m.closed(h.gen, err) })
			return
		}
		if !m.poster.Post(func() { m.received(h.gen, data) }) {
			_ = h.sock.Close()
			return
		}
	}
}

func (m *Manager) writePump(h *socketHandle) {
	for {
		select {
		case data := <-h.out:
			if err := h.sock.WriteMessage(data); err != nil {
				m.poster.Post(func() { m.closed(h.gen, err) })
				return
			}
		case <-h.stop:
			return
		}
	}
}

func (m *Manager) setState(to status.State, evt Event) {
	from, err := m.machine.Transition(to)
	if err != nil {
		m.log.Error("state transition rejected", zap.Error(err))
		return
	}
	evt.From = from
	evt.To = to
	evt.Attempt = m.attempt
	m.metrics.ConnState(to)
	m.log.Info("connection state changed",
		zap.String("state", string(to)),
		zap.String("from", string(from)),
		zap.Int("attempt", m.attempt),
		zap.Duration("delay", evt.Delay),
	)
	m.stateSubs.Emit(evt)
	m.bus.Publish(bus.Event{Kind: bus.KindConnStateChanged, Timestamp: m.clock.Now(), Payload: evt})
}

func (m *Manager) notify(kind, text string) {
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: m.clock.Now(), Payload: bus.Notice{Text: text}})
}
