package store

import (
	"errors"
	"fmt"
	"time"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

var (
	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a conflicting entity already exists.
	ErrAlreadyExists = errors.New("already exists")
)

// Session represents one conversation
type Session struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Message represents a single conversation turn entry
type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
}

// MemoryFact is a remembered fact, scoped to one session or one user
type MemoryFact struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Content     string    `json:"content"`
	Importance  float64   `json:"importance"`
	AccessCount int       `json:"access_count"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	AccessedAt  time.Time `json:"accessed_at"`
}

// ToolInvocationRecord is a write-once audit record of one tool execution
type ToolInvocationRecord struct {
	ID         string                 `json:"id"`
	SessionID  string                 `json:"session_id"`
	MessageID  string                 `json:"message_id,omitempty"`
	ToolName   string                 `json:"tool_name"`
	Parameters map[string]interface{} `json:"parameters"`
	Result     interface{}            `json:"result,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Scope selects whose facts an operation touches. Exactly one of
// SessionID or UserID is set.
type Scope struct {
	SessionID string
	UserID    string
}

// SessionScope scopes to a single session
func SessionScope(sessionID string) Scope {
	return Scope{SessionID: sessionID}
}

// UserScope scopes to all sessions of a user
func UserScope(userID string) Scope {
	return Scope{UserID: userID}
}

func (s Scope) validate() error {
	if (s.SessionID == "") == (s.UserID == "") {
		return fmt.Errorf("scope requires exactly one of session id or user id")
	}
	return nil
}

// RetentionPolicy configures the memory retention sweep
type RetentionPolicy struct {
	Enabled            bool    `json:"enabled" mapstructure:"enabled"`
	MaxMemoriesPerUser int     `json:"max_memories_per_user" mapstructure:"max_memories_per_user"`
	MaxAgeDays         int     `json:"max_age_days" mapstructure:"max_age_days"`
	MinImportance      float64 `json:"min_importance" mapstructure:"min_importance"`
	CleanupOnStartup   bool    `json:"cleanup_on_startup" mapstructure:"cleanup_on_startup"`
}

// DefaultRetentionPolicy returns the retention defaults
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		Enabled:            true,
		MaxMemoriesPerUser: 200,
		MaxAgeDays:         90,
		MinImportance:      0.3,
		CleanupOnStartup:   true,
	}
}

// SweepResult reports how many facts one sweep deleted
type SweepResult struct {
	AgedOut int `json:"aged_out"`
	Evicted int `json:"evicted"`
}

// Total returns the number of facts deleted by the sweep
func (r SweepResult) Total() int {
	return r.AgedOut + r.Evicted
}
