package models

import (
	"strconv"
	"strings"
	"time"
)

// Thread ids are hierarchical. A delegate's id appends ".N" to its parent's id
// (for example "s1.2.1" is the first delegate of "s1.2"). Shadow threads use a
// ".sN" suffix so they never collide with delegate allocation.

// ParentThreadID returns the parent of a hierarchical thread id, or "" when
// the id has no parent (a session root). Shadow suffixes also resolve to the
// thread they summarize.
func ParentThreadID(id string) string {
	idx := strings.LastIndex(id, ".")
	if idx < 0 {
		return ""
	}
	suffix := id[idx+1:]
	if isDelegateSuffix(suffix) || isShadowSuffix(suffix) {
		return id[:idx]
	}
	return ""
}

// ChildThreadID returns the delegate thread id for the nth child of parent.
func ChildThreadID(parent string, n int) string {
	return parent + "." + strconv.Itoa(n)
}

// ShadowThreadID returns the nth shadow thread id for a thread.
func ShadowThreadID(parent string, n int) string {
	return parent + ".s" + strconv.Itoa(n)
}

// IsShadowThreadID reports whether id names a shadow thread.
func IsShadowThreadID(id string) bool {
	idx := strings.LastIndex(id, ".")
	return idx >= 0 && isShadowSuffix(id[idx+1:])
}

// DelegateSuffix returns the integer suffix of a delegate id and true, or
// zero and false when id is not a delegate of parent.
func DelegateSuffix(parent, id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, parent+".")
	if !ok || !isDelegateSuffix(rest) {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ShadowSuffix returns the integer suffix of a shadow id and true, or zero
// and false when id is not a shadow of parent.
func ShadowSuffix(parent, id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, parent+".s")
	if !ok || !isDelegateSuffix(rest) {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

func isDelegateSuffix(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isShadowSuffix(s string) bool {
	return len(s) > 1 && s[0] == 's' && isDelegateSuffix(s[1:])
}

// ThreadMetadata carries display and routing hints for a thread.
type ThreadMetadata struct {
	DisplayName        string `json:"display_name,omitempty"`
	ProviderInstanceID string `json:"provider_instance_id,omitempty"`
	ModelID            string `json:"model_id,omitempty"`
	IsSession          bool   `json:"is_session,omitempty"`
	IsAgent            bool   `json:"is_agent,omitempty"`
}

// Thread groups a linear sequence of events.
type Thread struct {
	ThreadID  string         `json:"thread_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  ThreadMetadata `json:"metadata"`
	IsShadow  bool           `json:"is_shadow,omitempty"`
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

// SessionConfiguration is the persisted configuration of a session.
type SessionConfiguration struct {
	// ProviderInstanceID names the configured provider instance.
	ProviderInstanceID string `json:"provider_instance_id"`

	// ModelID is the model used by the session's agents. Must be present in
	// the catalog for the instance's catalog provider.
	ModelID string `json:"model_id"`

	// SystemPrompt overrides the default system prompt when set.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// MaxDelegateDepth bounds delegation recursion. Zero means the default.
	MaxDelegateDepth int `json:"max_delegate_depth,omitempty"`

	// ParallelTools executes a turn's tool calls concurrently when true.
	// Default is sequential execution in emission order.
	ParallelTools bool `json:"parallel_tools,omitempty"`
}

// Session is the top-level container owning a coordinator agent (thread id
// equal to the session id) and any delegate agents.
type Session struct {
	ID            string               `json:"id"`
	ProjectID     string               `json:"project_id,omitempty"`
	Name          string               `json:"name"`
	Configuration SessionConfiguration `json:"configuration"`
	Status        SessionStatus        `json:"status"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Project groups sessions by working directory.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
