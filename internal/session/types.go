// Package session manages conversation threads over the sessions table,
// compressing long message bodies into KV sidecar entries.
package session

import (
	"fmt"
	"time"
)

// Message is one entry of a thread's message list, stored inside the
// session row's metadata. A compressed message carries a REM LOOKUP
// placeholder as content; the original text lives at EntityKey in KV.
type Message struct {
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Compressed     bool      `json:"_compressed,omitempty"`
	EntityKey      string    `json:"_entity_key,omitempty"`
	OriginalLength int       `json:"_original_length,omitempty"`
}

// Thread is the in-memory view of one session row plus its messages.
type Thread struct {
	SessionID   string
	TenantID    string
	ThreadID    string
	UserID      string
	Name        string
	Agent       string
	SessionType string
	Query       string
	Messages    []Message
	UpdatedAt   time.Time
}

// SidecarKey is the KV key holding a compressed message's original text.
// The "session-" prefix sits outside any tenant prefix; it is reserved for
// system use.
func SidecarKey(sessionID string, index int) string {
	return fmt.Sprintf("session-%s-msg-%d", sessionID, index)
}
