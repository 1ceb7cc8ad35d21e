// Package chat implements the assistant chat session: the locally persisted
// transcript, optimistic sends, server snapshot reconciliation and the
// waiting/thinking indicators shown while a reply is pending.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/orienteer-assist/internal/clock"
	"github.com/ashureev/orienteer-assist/internal/domain"
	"github.com/ashureev/orienteer-assist/internal/events"
	"github.com/ashureev/orienteer-assist/internal/realtime"
	"github.com/ashureev/orienteer-assist/internal/store"
)

// Default bounds of the cosmetic thinking delay.
const (
	DefaultThinkingMin = 500 * time.Millisecond
	DefaultThinkingMax = 1500 * time.Millisecond
)

const persistTimeout = 5 * time.Second

// ErrEmptyMessage is returned by SendMessage for blank input.
var ErrEmptyMessage = errors.New("chat: message is empty")

// Connection is the part of realtime.Manager a session depends on.
type Connection interface {
	Connected() bool
	EnsureConnected()
	Send(ctx context.Context, text string) error
	Subscribe(fn func(realtime.Event)) *events.Subscription
}

var _ Connection = (*realtime.Manager)(nil)

// DelayFunc picks the duration of the thinking indicator for one send.
type DelayFunc func() time.Duration

// RandomDelay returns a DelayFunc uniformly distributed in [lo, hi].
func RandomDelay(lo, hi time.Duration) DelayFunc {
	return func() time.Duration {
		if hi <= lo {
			return lo
		}
		return lo + rand.N(hi-lo+1)
	}
}

// Snapshot is a copy of the session state handed to observers.
type Snapshot struct {
	Messages           []domain.ChatMessage `json:"messages"`
	Info               string               `json:"info,omitempty"`
	WaitingForResponse bool                 `json:"waitingForResponse"`
	Thinking           bool                 `json:"thinking"`
	Connected          bool                 `json:"connected"`
}

// Options configures a Session.
type Options struct {
	Conn          Connection
	Store         store.KV
	Clock         clock.Clock
	ThinkingDelay DelayFunc
	Logger        *slog.Logger
}

// Session owns one transcript and its pending-reply indicators.
type Session struct {
	conn  Connection
	kv    store.KV
	clock clock.Clock
	delay DelayFunc
	log   *slog.Logger
	bus   *events.Bus[Snapshot]
	sub   *events.Subscription

	mu         sync.Mutex
	messages   []domain.ChatMessage
	info       string
	waiting    bool
	thinking   bool
	connected  bool
	thinkTimer clock.Timer
	thinkSeq   uint64
}

// NewSession loads the persisted transcript and subscribes to conn.
// A persisted value that cannot be decoded is discarded.
func NewSession(ctx context.Context, opts Options) (*Session, error) {
	if opts.Conn == nil {
		return nil, errors.New("chat: connection is required")
	}
	if opts.Store == nil {
		return nil, errors.New("chat: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.ThinkingDelay == nil {
		opts.ThinkingDelay = RandomDelay(DefaultThinkingMin, DefaultThinkingMax)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Session{
		conn:  opts.Conn,
		kv:    opts.Store,
		clock: opts.Clock,
		delay: opts.ThinkingDelay,
		log:   opts.Logger.With("component", "chat"),
		bus:   events.NewBus[Snapshot](),
	}

	raw, ok, err := s.kv.Get(ctx, store.KeyChatMessages)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.messages); err != nil {
			s.log.Warn("Discarding unreadable transcript", "error", err)
			s.messages = nil
		}
	}

	s.connected = s.conn.Connected()
	s.sub = s.conn.Subscribe(s.handleEvent)
	return s, nil
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every state change.
func (s *Session) Subscribe(fn func(Snapshot)) *events.Subscription {
	return s.bus.Subscribe(fn)
}

// SendMessage appends text to the transcript immediately and forwards it to
// the backend. When disconnected the text is not sent; a reconnect is started
// instead and the entry stays local until the next server snapshot.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	s.messages = append(s.messages, domain.ChatMessage{Content: text, IsBot: false})
	s.persistLocked()
	s.waiting = true
	s.thinking = true
	s.startThinkingLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.bus.Publish(snap)

	if !s.conn.Connected() {
		s.log.Info("Chat disconnected, message kept locally", "message_length", len(text))
		s.conn.EnsureConnected()
		return nil
	}
	if err := s.conn.Send(ctx, text); err != nil {
		s.log.Warn("Failed to send chat message", "error", err)
	}
	return nil
}

// Clear empties the transcript and removes it from the store.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.messages = nil
	s.info = ""
	err := s.kv.Remove(ctx, store.KeyChatMessages)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.bus.Publish(snap)
	if err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}
	return nil
}

// Close detaches the session from its connection.
func (s *Session) Close() {
	s.sub.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.thinkTimer != nil {
		s.thinkTimer.Stop()
		s.thinkTimer = nil
	}
}

func (s *Session) handleEvent(ev realtime.Event) {
	switch ev.Type {
	case realtime.EventConnection:
		s.mu.Lock()
		s.connected = ev.Connected
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.bus.Publish(snap)
	case realtime.EventMessage:
		s.applyPayload(ev.Data)
	}
}

func (s *Session) applyPayload(data []byte) {
	server, info, parseErr := ParsePayload(data)

	s.mu.Lock()
	s.waiting = false
	s.thinking = false
	s.stopThinkingLocked()

	if parseErr != nil {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.log.Warn("Ignoring malformed chat payload", "error", parseErr, "payload_length", len(data))
		s.bus.Publish(snap)
		return
	}

	s.info = info
	result, outcome := Reconcile(server, s.messages)
	if outcome != OutcomeKeep {
		s.messages = result
		s.persistLocked()
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Debug("Transcript reconciled",
		"outcome", outcome.String(),
		"server_len", len(server),
		"local_len", len(snap.Messages))
	s.bus.Publish(snap)
}

// startThinkingLocked arms the thinking timer; a newer send supersedes an older timer.
func (s *Session) startThinkingLocked() {
	s.stopThinkingLocked()
	s.thinkSeq++
	seq := s.thinkSeq
	s.thinkTimer = s.clock.AfterFunc(s.delay(), func() { s.finishThinking(seq) })
}

func (s *Session) stopThinkingLocked() {
	if s.thinkTimer != nil {
		s.thinkTimer.Stop()
		s.thinkTimer = nil
	}
}

func (s *Session) finishThinking(seq uint64) {
	s.mu.Lock()
	if seq != s.thinkSeq || !s.thinking {
		s.mu.Unlock()
		return
	}
	s.thinking = false
	s.thinkTimer = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.bus.Publish(snap)
}

func (s *Session) persistLocked() {
	messages := s.messages
	if messages == nil {
		messages = []domain.ChatMessage{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		s.log.Error("Failed to encode transcript", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.kv.Set(ctx, store.KeyChatMessages, string(data)); err != nil {
		s.log.Warn("Failed to persist transcript", "error", err)
	}
}

func (s *Session) snapshotLocked() Snapshot {
	messages := make([]domain.ChatMessage, len(s.messages))
	copy(messages, s.messages)
	return Snapshot{
		Messages:           messages,
		Info:               s.info,
		WaitingForResponse: s.waiting,
		Thinking:           s.thinking,
		Connected:          s.connected,
	}
}
