package models

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Compaction is the structured payload of a system message that replaces a
// span of older messages with a summary.
type Compaction struct {
	Type     string `json:"type"` // always "compaction"
	Summary  string `json:"summary"`
	Replaces int    `json:"replaces"`
}

// Message is one exchange turn within a session. Messages are append-only
// from the client's perspective and ordered by creation time.
type Message struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"sessionId"`
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	Compaction *Compaction `json:"compaction,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// IsExchange reports whether the message counts as a conversation turn.
// System messages (compaction markers) do not.
func (m Message) IsExchange() bool {
	return m.Role == RoleUser || m.Role == RoleAssistant
}

// ExchangeCount returns the number of user/assistant turns in msgs.
// A session needs at least two before extraction may be requested.
func ExchangeCount(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.IsExchange() {
			n++
		}
	}
	return n
}
