// Package identity provides the persisted anonymous chat identity.
package identity

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ashureev/orienteer-assist/internal/store"
	"github.com/google/uuid"
)

// UserIDPrefix starts every generated chat user id.
const UserIDPrefix = "user_"

var userIDPattern = regexp.MustCompile(`^user_[A-Za-z0-9]+$`)

func generateUserID() string {
	return UserIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsValidUserID reports whether id has the shape of a generated chat user id.
func IsValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// UserID returns the persisted chat user id, generating and storing one on first use.
// A stored value that is not a valid id is replaced.
func UserID(ctx context.Context, kv store.KV) (string, error) {
	id, ok, err := kv.Get(ctx, store.KeyChatUserID)
	if err != nil {
		return "", fmt.Errorf("load user id: %w", err)
	}
	if ok && IsValidUserID(id) {
		return id, nil
	}

	id = generateUserID()
	if err := kv.Set(ctx, store.KeyChatUserID, id); err != nil {
		return "", fmt.Errorf("persist user id: %w", err)
	}
	return id, nil
}
