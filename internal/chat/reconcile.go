package chat

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/orienteer-assist/internal/domain"
)

// Outcome is the action Reconcile took.
type Outcome int

const (
	// OutcomeKeep leaves the local transcript as it is.
	OutcomeKeep Outcome = iota
	// OutcomeAdopt replaces the local transcript with a longer server transcript.
	OutcomeAdopt
	// OutcomeReset replaces the local transcript because the server diverged or was wiped.
	OutcomeReset
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdopt:
		return "adopt"
	case OutcomeReset:
		return "reset"
	default:
		return "keep"
	}
}

// ParsePayload decodes one transcript push. The first info record becomes the
// banner text; every other record maps to a ChatMessage in array order.
func ParsePayload(data []byte) ([]domain.ChatMessage, string, error) {
	var records []domain.TranscriptRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, "", fmt.Errorf("decode transcript: %w", err)
	}

	messages := make([]domain.ChatMessage, 0, len(records))
	info := ""
	seenInfo := false
	for _, r := range records {
		if r.Role == domain.RoleInfo {
			if !seenInfo {
				info = r.Content
				seenInfo = true
			}
			continue
		}
		messages = append(messages, domain.ChatMessage{
			Content: r.Content,
			IsBot:   r.Role == domain.RoleAssistant,
		})
	}
	return messages, info, nil
}

func contains(list []domain.ChatMessage, m domain.ChatMessage) bool {
	for _, v := range list {
		if v.Same(m) {
			return true
		}
	}
	return false
}

// ShouldResetMessages decides whether a server transcript diverges from the
// local one badly enough to replace it outright. Messages carry no ids, so
// content and author stand in for identity.
func ShouldResetMessages(server, local []domain.ChatMessage) bool {
	if len(server) == 0 {
		return len(local) > 0
	}
	if len(local) == 0 {
		return false
	}

	last := server[len(server)-1]
	if len(server) < len(local) {
		// Truncated history is fine as long as local still knows the newest entry.
		return !contains(local, last)
	}
	if contains(local, last) {
		return false
	}

	checked := min(3, len(server))
	unmatched := 0
	for _, m := range server[len(server)-checked:] {
		if !contains(local, m) {
			unmatched++
		}
	}
	return unmatched >= min(2, checked)
}

// Reconcile merges a server transcript into the local one.
func Reconcile(server, local []domain.ChatMessage) ([]domain.ChatMessage, Outcome) {
	if ShouldResetMessages(server, local) {
		return server, OutcomeReset
	}
	if len(server) > len(local) {
		return server, OutcomeAdopt
	}
	return local, OutcomeKeep
}
