package history

import (
	"time"
)

// Role tags who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SessionKey identifies one conversation. It is derived from the transport identity
// and stays stable for the lifetime of the process.
type SessionKey string

// NewSessionKey builds the canonical "<channel>:<sender>" key.
func NewSessionKey(channel, sender string) SessionKey {
	if channel == "" {
		return SessionKey(sender)
	}
	return SessionKey(channel + ":" + sender)
}

func (k SessionKey) String() string { return string(k) }

// Turn is one role-tagged message of a conversation.
type Turn struct {
	ID        string    `json:"id" yaml:"id,omitempty"`
	Role      Role      `json:"role" yaml:"role"`
	Text      string    `json:"text" yaml:"text"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp,omitempty"`
}

func UserTurn(text string, ts time.Time) Turn {
	return Turn{Role: RoleUser, Text: text, Timestamp: ts}
}

func AssistantTurn(text string, ts time.Time) Turn {
	return Turn{Role: RoleAssistant, Text: text, Timestamp: ts}
}
