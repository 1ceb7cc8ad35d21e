// Package store provides the key-value persistence port and its implementations.
package store

import (
	"context"
)

// Well-known keys.
const (
	// KeyChatMessages holds the JSON-encoded assistant transcript.
	KeyChatMessages = "assistant_chat_messages"
	// KeyChatUserID holds the anonymous chat user id.
	KeyChatUserID = "chat_user_id"
)

// KV is a durable string key-value store.
type KV interface {
	// Get returns the value stored under key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}

// Repository is a KV with lifecycle management.
type Repository interface {
	KV

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing store.
	Close() error
}
