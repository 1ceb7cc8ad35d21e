// Package realtime owns the shared connection to the assistant chat backend.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/orienteer-assist/internal/clock"
	"github.com/ashureev/orienteer-assist/internal/events"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// Defaults for the reconnect state machine.
const (
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxAttempts = 5
	DefaultThrottle    = 2 * time.Second
	DefaultDialTimeout = 10 * time.Second
)

// ErrNotConnected is returned by Send when no connection is open.
var ErrNotConnected = errors.New("realtime: not connected")

// Status is the connection lifecycle state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventType distinguishes the two kinds of Event.
type EventType string

const (
	// EventConnection reports a connected/disconnected transition.
	EventConnection EventType = "connection"
	// EventMessage carries one raw inbound frame.
	EventMessage EventType = "message"
)

// Event is delivered to every subscriber.
type Event struct {
	Type      EventType
	Connected bool
	Data      []byte
}

// Options configures a Manager.
type Options struct {
	// BaseURL is the chat endpoint prefix; the user id is appended as the last path segment.
	BaseURL     string
	UserID      string
	Dialer      Dialer
	Clock       clock.Clock
	BaseDelay   time.Duration
	MaxAttempts int
	Throttle    time.Duration
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Manager maintains a single connection to the chat backend, reconnecting with
// exponential backoff and fanning inbound events out to subscribers.
type Manager struct {
	url         string
	dialer      Dialer
	clock       clock.Clock
	baseDelay   time.Duration
	maxAttempts int
	dialTimeout time.Duration
	log         *slog.Logger
	limiter     *rate.Limiter
	bus         *events.Bus[Event]

	// spawn runs a dial attempt; tests replace it to dial inline.
	spawn func(func())

	ctx  context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	status  Status
	attempt int
	conn    Conn
	gen     uint64
	retry   clock.Timer
	closed  bool
}

// NewManager creates a disconnected manager. Call EnsureConnected to open the connection.
func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	switch {
	case opts.Throttle == 0:
		opts.Throttle = DefaultThrottle
	case opts.Throttle < 0:
		// Negative disables the throttle window.
		opts.Throttle = 0
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		url:         strings.TrimRight(opts.BaseURL, "/") + "/" + url.PathEscape(opts.UserID),
		dialer:      opts.Dialer,
		clock:       opts.Clock,
		baseDelay:   opts.BaseDelay,
		maxAttempts: opts.MaxAttempts,
		dialTimeout: opts.DialTimeout,
		log:         opts.Logger.With("component", "realtime"),
		limiter:     rate.NewLimiter(rate.Every(opts.Throttle), 1),
		bus:         events.NewBus[Event](),
		spawn:       func(f func()) { go f() },
		ctx:         ctx,
		stop:        stop,
	}
}

// URL returns the endpoint the manager dials.
func (m *Manager) URL() string { return m.url }

// Status returns the current connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connected reports whether the connection is open.
func (m *Manager) Connected() bool {
	return m.Status() == StatusConnected
}

// Attempt returns the number of consecutive failures since the last successful open.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Subscribe registers fn for every connection and message event.
func (m *Manager) Subscribe(fn func(Event)) *events.Subscription {
	return m.bus.Subscribe(fn)
}

// EnsureConnected starts opening the connection unless one is open or opening,
// or an attempt was started within the throttle window.
func (m *Manager) EnsureConnected() {
	m.connect()
}

// connect starts a dial when allowed. When only the throttle prevents it,
// it returns how long until the window reopens.
func (m *Manager) connect() time.Duration {
	m.mu.Lock()
	if m.closed || m.status != StatusDisconnected {
		m.mu.Unlock()
		return 0
	}
	now := m.clock.Now()
	if !m.limiter.AllowN(now, 1) {
		wait := m.throttleWait(now)
		m.mu.Unlock()
		m.log.Debug("Connection attempt throttled", "wait", wait)
		return wait
	}
	m.status = StatusConnecting
	m.gen++
	gen := m.gen
	attempt := m.attempt
	m.mu.Unlock()

	m.log.Info("Connecting to chat backend", "url", m.url, "attempt", attempt)
	m.spawn(func() { m.dial(gen) })
	return 0
}

// throttleWait returns the time until the limiter grants the next attempt,
// rounded up to a whole millisecond.
func (m *Manager) throttleWait(now time.Time) time.Duration {
	missing := 1 - m.limiter.TokensAt(now)
	if missing <= 0 {
		return time.Millisecond
	}
	secs := missing / float64(m.limiter.Limit())
	return time.Duration(math.Ceil(secs*1000)) * time.Millisecond
}

// retryConnect is the backoff timer callback. A retry that lands inside the
// throttle window is deferred until the window reopens instead of dropped.
func (m *Manager) retryConnect() {
	wait := m.connect()
	if wait <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.status != StatusDisconnected {
		return
	}
	m.retry = m.clock.AfterFunc(wait, m.retryConnect)
}

// Foreground is called when the host application becomes visible again.
func (m *Manager) Foreground() {
	if m.Connected() {
		return
	}
	m.log.Info("Application foregrounded while disconnected, reconnecting")
	m.EnsureConnected()
}

// Send transmits text over the open connection.
func (m *Manager) Send(ctx context.Context, text string) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.status == StatusConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	if err := conn.Write(ctx, []byte(text)); err != nil {
		m.log.Warn("Chat send failed", "error", err)
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close tears the manager down. No further connections are attempted.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	conn := m.conn
	m.conn = nil
	m.status = StatusDisconnected
	m.mu.Unlock()

	m.stop()
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Debug("Failed to close chat connection", "error", err)
		}
	}
	m.log.Info("Chat connection manager closed")
}

func (m *Manager) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(m.ctx, m.dialTimeout)
	conn, err := m.dialer.Dial(ctx, m.url)
	cancel()

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.status = StatusDisconnected
		m.mu.Unlock()

		m.log.Warn("Chat connection failed", "error", err)
		m.bus.Publish(Event{Type: EventConnection, Connected: false})
		m.scheduleReconnect()
		return
	}
	m.conn = conn
	m.status = StatusConnected
	m.attempt = 0
	m.mu.Unlock()

	m.log.Info("Chat connection established")
	m.bus.Publish(Event{Type: EventConnection, Connected: true})
	go m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.Read(m.ctx)
		if err != nil {
			m.handleClose(gen, conn, err)
			return
		}
		m.bus.Publish(Event{Type: EventMessage, Data: data})
	}
}

func (m *Manager) handleClose(gen uint64, conn Conn, err error) {
	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.status = StatusDisconnected
	m.mu.Unlock()

	if websocket.CloseStatus(err) != -1 {
		m.log.Info("Chat connection closed by server", "status", websocket.CloseStatus(err))
	} else {
		m.log.Warn("Chat connection lost", "error", err)
	}
	if closeErr := conn.Close(); closeErr != nil {
		m.log.Debug("Failed to close dropped connection", "error", closeErr)
	}

	m.bus.Publish(Event{Type: EventConnection, Connected: false})
	m.scheduleReconnect()
}

// scheduleReconnect arms the next automatic attempt after baseDelay * 2^attempt.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if m.attempt >= m.maxAttempts {
		m.log.Warn("Giving up automatic reconnection", "attempts", m.attempt)
		return
	}

	delay := m.baseDelay * time.Duration(1<<m.attempt)
	m.attempt++
	if m.retry != nil {
		m.retry.Stop()
	}
	m.retry = m.clock.AfterFunc(delay, m.retryConnect)
	m.log.Info("Reconnect scheduled", "attempt", m.attempt, "delay", delay)
}
