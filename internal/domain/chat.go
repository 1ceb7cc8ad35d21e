// Package domain contains core domain types for the orienteering assistant.
package domain

// ChatMessage is one entry of the assistant transcript.
// Two messages are considered the same entry when both Content and IsBot match;
// the chat backend assigns no message ids.
type ChatMessage struct {
	Content string `json:"content"`
	IsBot   bool   `json:"isBot"`
}

// Same reports whether m and other are the same entry for reconciliation purposes.
func (m ChatMessage) Same(other ChatMessage) bool {
	return m.Content == other.Content && m.IsBot == other.IsBot
}

// Role is the author tag used by the chat backend.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleInfo marks a transient banner that is not part of the transcript.
	RoleInfo Role = "info"
)

// TranscriptRecord is one element of the JSON array pushed by the chat backend.
type TranscriptRecord struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Date    string `json:"date"`
}
