// Package sessionlog persists conversations as append-only JSON Lines logs.
// Each record names its parent, so a log holds a tree of turns whose
// root-to-leaf paths are the conversations a turn loop can resume.
package sessionlog

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a record.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Stop markers end a turn without a model answer.
const (
	StopCancelled     = "cancelled"
	StopTurnLimit     = "turn_limit"
	StopProviderError = "provider_error"
)

// Record is one line of a session log.
type Record struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   Content   `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Usage     *Usage    `json:"usage,omitempty"`
	GitBranch string    `json:"git_branch,omitempty"`
}

// Content holds whichever payload the role carries.
type Content struct {
	Text       string      `json:"text,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	// Stop is set on assistant marker records that end a turn early.
	Stop   string `json:"stop,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the normalised outcome of one tool call.
type ToolResult struct {
	CallID  string          `json:"call_id"`
	Tool    string          `json:"tool"`
	Kind    string          `json:"kind"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Display string          `json:"display,omitempty"`
}

// Usage is the token accounting for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// IsMarker reports whether r is a stop marker rather than conversation content.
func (r Record) IsMarker() bool {
	return r.Content.Stop != ""
}

// Session describes a log. It is written once when the session is created.
type Session struct {
	ID          string     `json:"id"`
	WorkingDir  string     `json:"working_dir"`
	Fingerprint string     `json:"fingerprint"`
	CreatedAt   time.Time  `json:"created_at"`
	ForkedFrom  *ForkPoint `json:"forked_from,omitempty"`

	// TurnCount is the number of user records, derived on load.
	TurnCount int `json:"-"`
}

// ForkPoint records where a forked session branched off.
type ForkPoint struct {
	SessionID string `json:"session_id"`
	RecordID  string `json:"record_id"`
}
