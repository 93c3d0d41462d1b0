package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func normalizeRole(raw string) Role {
	if strings.TrimSpace(raw) == string(RoleUser) {
		return RoleUser
	}
	return RoleAssistant
}

// Message is one transcript entry, owned exclusively by its thread.
type Message struct {
	ID        string
	Role      Role
	Content   []Part
	CreatedAt time.Time
}

// Thread is one conversation session.
//
// Messages is nil until the history has been loaded from the remote store; a
// loaded thread with no history holds an empty, non-nil slice.
type Thread struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  []Message
}

// Default titles given to freshly created threads. A thread still carrying one
// of these (possibly with a uniqueness suffix) is treated as a placeholder for
// cleanup purposes.
const (
	DefaultTitle   = "New Chat"
	DefaultTitleDE = "Neuer Chat"
)

// IsDefaultTitle reports whether title is one of the reserved placeholder
// titles, including suffixed variants like "New Chat 2".
func IsDefaultTitle(title string) bool {
	title = strings.TrimSpace(title)
	return strings.HasPrefix(title, DefaultTitle) || strings.HasPrefix(title, DefaultTitleDE)
}

// NewThreadID generates a fresh client-side thread id.
func NewThreadID() string {
	return "th_" + uuid.NewString()
}

// NewMessageID generates a fresh client-side message id.
func NewMessageID() string {
	return "msg_" + uuid.NewString()
}
