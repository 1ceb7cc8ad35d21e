package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/orienteer-assist/internal/clock"
	"github.com/stretchr/testify/require"
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	in        chan []byte
	dropped   chan struct{}
	closed    chan struct{}
	dropOnce  sync.Once
	closeOnce sync.Once

	mu      sync.Mutex
	written []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 16),
		dropped: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.dropped:
		return nil, io.EOF
	case <-c.closed:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(s string) { c.in <- []byte(s) }

func (c *fakeConn) drop() { c.dropOnce.Do(func() { close(c.dropped) }) }

func (c *fakeConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

// fakeDialer returns scripted results in order; once the script runs out it refuses.
type fakeDialer struct {
	mu     sync.Mutex
	script []any
	urls   []string
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.script) == 0 {
		return nil, errRefused
	}
	next := d.script[0]
	d.script = d.script[1:]
	switch v := next.(type) {
	case *fakeConn:
		return v, nil
	case error:
		return nil, v
	}
	return nil, errRefused
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func newTestManager(t *testing.T, dialer *fakeDialer, clk *clock.Fake, maxAttempts int) *Manager {
	t.Helper()
	m := NewManager(Options{
		BaseURL:     "ws://chat.example/ws/",
		UserID:      "user_abc123",
		Dialer:      dialer,
		Clock:       clk,
		MaxAttempts: maxAttempts,
	})
	m.spawn = func(f func()) { f() }
	t.Cleanup(m.Close)
	return m
}

func TestManager_ConnectsToUserURL(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []any{conn}}
	clk := clock.NewFake(time.Unix(1000, 0))
	m := newTestManager(t, dialer, clk, 0)

	var log eventLog
	m.Subscribe(log.record)

	m.EnsureConnected()

	require.Equal(t, StatusConnected, m.Status())
	require.True(t, m.Connected())
	require.Equal(t, 0, m.Attempt())
	require.Equal(t, []string{"ws://chat.example/ws/user_abc123"}, dialer.urls)
	require.Equal(t, []Event{{Type: EventConnection, Connected: true}}, log.snapshot())

	// Already connected: no second dial.
	clk.Advance(time.Minute)
	m.EnsureConnected()
	require.Equal(t, 1, dialer.dials())
}

func TestManager_ThrottlesAttempts(t *testing.T) {
	dialer := &fakeDialer{script: []any{errRefused}}
	clk := clock.NewFake(time.Unix(1000, 0))
	m := newTestManager(t, dialer, clk, 0)

	m.EnsureConnected()
	require.Equal(t, StatusDisconnected, m.Status())

	clk.Advance(time.Second)
	m.EnsureConnected()
	require.Equal(t, 1, dialer.dials(), "attempt inside the throttle window must be ignored")
}

func TestManager_BackoffLadder(t *testing.T) {
	dialer := &fakeDialer{}
	clk := clock.NewFake(time.Unix(1000, 0))
	m := newTestManager(t, dialer, clk, 0)

	var log eventLog
	m.Subscribe(log.record)

	m.EnsureConnected()
	clk.Advance(time.Hour)

	require.Equal(t, []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
	}, clk.Scheduled())
	require.Equal(t, 6, dialer.dials(), "initial attempt plus five retries")
	require.Equal(t, 0, clk.Pending(), "sixth failure schedules nothing")
	require.Equal(t, DefaultMaxAttempts, m.Attempt())

	for _, ev := range log.snapshot() {
		require.Equal(t, Event{Type: EventConnection, Connected: false}, ev)
	}
	require.Len(t, log.snapshot(), 6)
}

func TestManager_RetryInsideThrottleWindowIsDeferred(t *testing.T) {
	dialer := &fakeDialer{}
	clk := clock.NewFake(time.Unix(1000, 0))
	m := NewManager(Options{
		BaseURL:   "ws://chat.example/ws",
		UserID:    "user_abc123",
		Dialer:    dialer,
		Clock:     clk,
		BaseDelay: 500 * time.Millisecond,
	})
	m.spawn = func(f func()) { f() }
	t.Cleanup(m.Close)

	m.EnsureConnected()

	// The 500ms retry falls inside the 2s window and must wait for it.
	clk.Advance(500 * time.Millisecond)
	require.Equal(t, 1, dialer.dials())
	require.Equal(t, 1, clk.Pending(), "throttled retry is rescheduled, not dropped")

	clk.Advance(1500 * time.Millisecond)
	require.Equal(t, 2, dialer.dials())

	clk.Advance(time.Minute)
	require.Equal(t, 6, dialer.dials(), "initial attempt plus five retries")
	require.Equal(t, DefaultMaxAttempts, m.Attempt())
	require.Equal(t, 0, clk.Pending())
}

func TestManager_SuccessResetsAttempt(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []any{errRefused, errRefused, conn}}
	clk := clock.NewFake(time.Unix(1000, 0))
	m := newTestManager(t, dialer, clk, 0)

	m.EnsureConnected()
	clk.Advance(2 * time.Second)
	require.Equal(t, 2, m.Attempt())
	clk.Advance(4 * time.Second)
	require.True(t, m.Connected())
	require.Equal(t, 0, m.Attempt())

	conn.drop()
	require.Eventually(t, func() bool { return len(clk.Scheduled()) == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 2*time.Second, clk.Scheduled()[2])
	require.Equal(t, StatusDisconnected, m.Status())
}

func TestManager_FansOutMessagesInOrder(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []any{conn}}
	clk := clock.NewFake(time.Unix(1000, 0))
	m := newTestManager(t, dialer, clk, 0)

	var first, second eventLog
	m.Subscribe(first.record)
	m.Subscribe(second.record)
	m.EnsureConnected()

	conn.push(`[1]`)
	conn.push(`[1,2]`)

	for _, l := range []*eventLog{&first, &second} {
		require.Eventually(t, func() bool { return len(l.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
		got := l.snapshot()
		require.Equal(t, EventConnection, got[0].Type)
		require.Equal(t, Event{Type: EventMessage, Data: []byte(`[1]`)}, got[1])
		require.Equal(t, Event{Type: EventMessage, Data: []byte(`[1,2]`)}, got[2])
	}
}

func TestManager_UnsubscribedHandlerGetsNothing(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []any{conn}}
	m := newTestManager(t, dialer, clock.NewFake(time.Unix(1000, 0)), 0)

	var log eventLog
	sub := m.Subscribe(log.record)
	sub.Close()

	m.EnsureConnected()
	require.Empty(t, log.snapshot())
}

func TestManager_Send(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []any{conn}}
	m := newTestManager(t, dialer, clock.NewFake(time.Unix(1000, 0)), 0)
	ctx := context.Background()

	require.ErrorIs(t, m.Send(ctx, "too early"), ErrNotConnected)

	m.EnsureConnected()
	require.NoError(t, m.Send(ctx, "Hej"))
	require.Equal(t, []string{"Hej"}, conn.sent())
}

func TestManager_ForegroundRestartsAfterGivingUp(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []any{errRefused, errRefused, conn}}
	clk := clock.NewFake(time.Unix(1000, 0))
	m := newTestManager(t, dialer, clk, 1)

	m.EnsureConnected()
	clk.Advance(time.Hour)
	require.Equal(t, 2, dialer.dials())
	require.Equal(t, 1, m.Attempt())
	require.Equal(t, 0, clk.Pending())

	m.Foreground()
	require.True(t, m.Connected())
	require.Equal(t, 3, dialer.dials())

	m.Foreground()
	require.Equal(t, 3, dialer.dials(), "foreground while connected is a no-op")
}

func TestManager_CloseCancelsPendingRetry(t *testing.T) {
	dialer := &fakeDialer{}
	clk := clock.NewFake(time.Unix(1000, 0))
	m := newTestManager(t, dialer, clk, 0)

	m.EnsureConnected()
	require.Equal(t, 1, clk.Pending())

	m.Close()
	require.Equal(t, 0, clk.Pending())

	clk.Advance(time.Hour)
	m.EnsureConnected()
	require.Equal(t, 1, dialer.dials())
}

func TestManager_CloseDoesNotReconnect(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []any{conn}}
	clk := clock.NewFake(time.Unix(1000, 0))
	m := newTestManager(t, dialer, clk, 0)

	m.EnsureConnected()
	m.Close()

	require.Equal(t, StatusDisconnected, m.Status())
	require.Empty(t, clk.Scheduled())
}

func TestStatus_String(t *testing.T) {
	require.Equal(t, "disconnected", StatusDisconnected.String())
	require.Equal(t, "connecting", StatusConnecting.String())
	require.Equal(t, "connected", StatusConnected.String())
}
