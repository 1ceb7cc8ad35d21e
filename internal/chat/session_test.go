package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/orienteer-assist/internal/clock"
	"github.com/ashureev/orienteer-assist/internal/domain"
	"github.com/ashureev/orienteer-assist/internal/events"
	"github.com/ashureev/orienteer-assist/internal/realtime"
	"github.com/ashureev/orienteer-assist/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeConnection struct {
	bus *events.Bus[realtime.Event]

	mu        sync.Mutex
	connected bool
	sent      []string
	ensures   int
	sendErr   error
}

func newFakeConnection(connected bool) *fakeConnection {
	return &fakeConnection{bus: events.NewBus[realtime.Event](), connected: connected}
}

func (c *fakeConnection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConnection) EnsureConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensures++
}

func (c *fakeConnection) Send(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeConnection) Subscribe(fn func(realtime.Event)) *events.Subscription {
	return c.bus.Subscribe(fn)
}

func (c *fakeConnection) push(payload string) {
	c.bus.Publish(realtime.Event{Type: realtime.EventMessage, Data: []byte(payload)})
}

func (c *fakeConnection) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
	c.bus.Publish(realtime.Event{Type: realtime.EventConnection, Connected: v})
}

type sessionFixture struct {
	session *Session
	conn    *fakeConnection
	kv      *store.MemoryStore
	clock   *clock.Fake
}

func newFixture(t *testing.T, connected bool, kv *store.MemoryStore) *sessionFixture {
	t.Helper()
	if kv == nil {
		kv = store.NewMemory()
	}
	conn := newFakeConnection(connected)
	clk := clock.NewFake(time.Unix(1000, 0))

	s, err := NewSession(context.Background(), Options{
		Conn:          conn,
		Store:         kv,
		Clock:         clk,
		ThinkingDelay: func() time.Duration { return time.Second },
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return &sessionFixture{session: s, conn: conn, kv: kv, clock: clk}
}

func TestSession_OptimisticSendWhileDisconnected(t *testing.T) {
	f := newFixture(t, false, nil)

	require.NoError(t, f.session.SendMessage(context.Background(), "Hej"))

	snap := f.session.Snapshot()
	require.Equal(t, []domain.ChatMessage{user("Hej")}, snap.Messages)
	require.True(t, snap.WaitingForResponse)
	require.True(t, snap.Thinking)
	require.Empty(t, f.conn.sent)
	require.Equal(t, 1, f.conn.ensures)
}

func TestSession_SendWhileConnected(t *testing.T) {
	f := newFixture(t, true, nil)

	require.NoError(t, f.session.SendMessage(context.Background(), "  Var är tävlingen?  "))

	require.Equal(t, []string{"Var är tävlingen?"}, f.conn.sent)
	require.Equal(t, 0, f.conn.ensures)
	require.Equal(t, user("Var är tävlingen?"), f.session.Snapshot().Messages[0])
}

func TestSession_SendFailureKeepsOptimisticEntry(t *testing.T) {
	f := newFixture(t, true, nil)
	f.conn.sendErr = errors.New("broken pipe")

	require.NoError(t, f.session.SendMessage(context.Background(), "Hej"))
	require.Equal(t, []domain.ChatMessage{user("Hej")}, f.session.Snapshot().Messages)
}

func TestSession_RejectsBlankMessage(t *testing.T) {
	f := newFixture(t, true, nil)

	require.ErrorIs(t, f.session.SendMessage(context.Background(), "   "), ErrEmptyMessage)
	require.Empty(t, f.session.Snapshot().Messages)
	require.False(t, f.session.Snapshot().WaitingForResponse)
}

func TestSession_ThinkingClearsBeforeWaiting(t *testing.T) {
	f := newFixture(t, true, nil)
	require.NoError(t, f.session.SendMessage(context.Background(), "Hej"))

	f.clock.Advance(999 * time.Millisecond)
	require.True(t, f.session.Snapshot().Thinking)

	f.clock.Advance(time.Millisecond)
	snap := f.session.Snapshot()
	require.False(t, snap.Thinking)
	require.True(t, snap.WaitingForResponse)
}

func TestSession_OverlappingSendsRestartThinking(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()

	require.NoError(t, f.session.SendMessage(ctx, "first"))
	f.clock.Advance(800 * time.Millisecond)
	require.NoError(t, f.session.SendMessage(ctx, "second"))

	f.clock.Advance(300 * time.Millisecond)
	require.True(t, f.session.Snapshot().Thinking, "earlier timer must not clear the newer send")

	f.clock.Advance(700 * time.Millisecond)
	require.False(t, f.session.Snapshot().Thinking)
	require.Equal(t, []domain.ChatMessage{user("first"), user("second")}, f.session.Snapshot().Messages)
}

func TestSession_ServerReplyResolvesExchange(t *testing.T) {
	f := newFixture(t, true, nil)
	require.NoError(t, f.session.SendMessage(context.Background(), "Hej"))

	f.conn.push(`[
		{"role":"user","content":"Hej","date":"2024-05-01T10:00:00Z"},
		{"role":"assistant","content":"Hej! Hur kan jag hjälpa?","date":"2024-05-01T10:00:01Z"}
	]`)

	snap := f.session.Snapshot()
	require.Equal(t, []domain.ChatMessage{user("Hej"), bot("Hej! Hur kan jag hjälpa?")}, snap.Messages)
	require.False(t, snap.WaitingForResponse)
	require.False(t, snap.Thinking)
	require.Equal(t, 0, f.clock.Pending(), "thinking timer is cancelled on reply")

	stored, ok, err := f.kv.Get(context.Background(), store.KeyChatMessages)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `[{"content":"Hej","isBot":false},{"content":"Hej! Hur kan jag hjälpa?","isBot":true}]`, stored)
}

func TestSession_InfoBannerNotStored(t *testing.T) {
	f := newFixture(t, true, nil)

	f.conn.push(`[
		{"role":"user","content":"Hej","date":""},
		{"role":"info","content":"Nya tävlingar i Göteborg","date":""},
		{"role":"assistant","content":"Hej!","date":""}
	]`)

	snap := f.session.Snapshot()
	require.Equal(t, []domain.ChatMessage{user("Hej"), bot("Hej!")}, snap.Messages)
	require.Equal(t, "Nya tävlingar i Göteborg", snap.Info)
}

func TestSession_MalformedPayloadClearsIndicators(t *testing.T) {
	f := newFixture(t, true, nil)
	require.NoError(t, f.session.SendMessage(context.Background(), "Hej"))

	f.conn.push(`{oops`)

	snap := f.session.Snapshot()
	require.Equal(t, []domain.ChatMessage{user("Hej")}, snap.Messages)
	require.False(t, snap.WaitingForResponse)
	require.False(t, snap.Thinking)
}

func TestSession_ServerWipeResetsTranscript(t *testing.T) {
	f := newFixture(t, true, nil)
	f.conn.push(`[{"role":"user","content":"Hej"},{"role":"assistant","content":"Hej!"}]`)
	require.Len(t, f.session.Snapshot().Messages, 2)

	f.conn.push(`[]`)

	require.Empty(t, f.session.Snapshot().Messages)
	stored, _, _ := f.kv.Get(context.Background(), store.KeyChatMessages)
	require.JSONEq(t, `[]`, stored)
}

func TestSession_StaleShorterSnapshotKeepsLocal(t *testing.T) {
	f := newFixture(t, true, nil)
	f.conn.push(`[{"role":"user","content":"A"},{"role":"assistant","content":"B"}]`)
	require.NoError(t, f.session.SendMessage(context.Background(), "C"))

	f.conn.push(`[{"role":"user","content":"A"},{"role":"assistant","content":"B"}]`)

	require.Equal(t, []domain.ChatMessage{user("A"), bot("B"), user("C")}, f.session.Snapshot().Messages)
}

func TestSession_LoadsPersistedTranscript(t *testing.T) {
	kv := store.NewMemory()
	require.NoError(t, kv.Set(context.Background(), store.KeyChatMessages, `[{"content":"Hej","isBot":false}]`))

	f := newFixture(t, false, kv)
	require.Equal(t, []domain.ChatMessage{user("Hej")}, f.session.Snapshot().Messages)
}

func TestSession_DiscardsCorruptTranscript(t *testing.T) {
	kv := store.NewMemory()
	require.NoError(t, kv.Set(context.Background(), store.KeyChatMessages, `{{{`))

	f := newFixture(t, false, kv)
	require.Empty(t, f.session.Snapshot().Messages)
}

func TestSession_ConnectionEventsUpdateSnapshot(t *testing.T) {
	f := newFixture(t, false, nil)

	var mu sync.Mutex
	var seen []bool
	f.session.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.Connected)
	})

	f.conn.setConnected(true)
	f.conn.setConnected(false)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{true, false}, seen)
}

func TestSession_Clear(t *testing.T) {
	f := newFixture(t, true, nil)
	f.conn.push(`[{"role":"user","content":"Hej"}]`)

	require.NoError(t, f.session.Clear(context.Background()))

	require.Empty(t, f.session.Snapshot().Messages)
	_, ok, _ := f.kv.Get(context.Background(), store.KeyChatMessages)
	require.False(t, ok)
}

func TestSession_CloseStopsListening(t *testing.T) {
	f := newFixture(t, true, nil)
	f.session.Close()

	f.conn.push(`[{"role":"user","content":"late"}]`)
	require.Empty(t, f.session.Snapshot().Messages)
}

func TestSession_TwoSessionsShareOneConnection(t *testing.T) {
	conn := newFakeConnection(true)
	ctx := context.Background()

	var sessions []*Session
	for i := 0; i < 2; i++ {
		s, err := NewSession(ctx, Options{
			Conn:          conn,
			Store:         store.NewMemory(),
			Clock:         clock.NewFake(time.Unix(0, 0)),
			ThinkingDelay: func() time.Duration { return 0 },
		})
		require.NoError(t, err)
		defer s.Close()
		sessions = append(sessions, s)
	}

	conn.push(`[{"role":"user","content":"Hej"}]`)

	for _, s := range sessions {
		require.Equal(t, []domain.ChatMessage{user("Hej")}, s.Snapshot().Messages)
	}
}

func TestRandomDelay_Bounds(t *testing.T) {
	d := RandomDelay(DefaultThinkingMin, DefaultThinkingMax)
	for i := 0; i < 200; i++ {
		got := d()
		require.GreaterOrEqual(t, got, DefaultThinkingMin)
		require.LessOrEqual(t, got, DefaultThinkingMax)
	}
	require.Equal(t, time.Second, RandomDelay(time.Second, time.Second)())
}

func TestNewSession_RequiresDependencies(t *testing.T) {
	_, err := NewSession(context.Background(), Options{Store: store.NewMemory()})
	require.Error(t, err)

	_, err = NewSession(context.Background(), Options{Conn: newFakeConnection(false)})
	require.Error(t, err)
}
