package pipeline

import (
	"encoding/json"
	"time"
)

// Stage names a step of the pipeline.
type Stage string

const (
	StageDiscovery  Stage = "discovery"
	StageValidate   Stage = "validate"
	StagePermission Stage = "permission"
	StageConfirm    Stage = "confirm"
	StageExecute    Stage = "execute"
	StageFormat     Stage = "format"
)

// Kind classifies how a call ended. Every kind except KindOK is a tool-level
// failure reported back to the model rather than an error of the turn.
type Kind string

const (
	KindOK               Kind = "ok"
	KindToolNotFound     Kind = "tool_not_found"
	KindInvalidArguments Kind = "invalid_arguments"
	KindPermissionDenied Kind = "permission_denied"
	KindUserRejected     Kind = "user_rejected"
	KindToolError        Kind = "tool_error"
	KindCancelled        Kind = "cancelled"
)

// Call is a tool invocation requested by the model. Arguments are raw and
// unvalidated.
type Call struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Result is the normalised outcome of running a Call through the pipeline.
type Result struct {
	CallID  string          `json:"call_id"`
	Tool    string          `json:"tool"`
	Kind    Kind            `json:"kind"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Display string          `json:"display,omitempty"`
	// Stage is where the pipeline stopped.
	Stage    Stage         `json:"stage"`
	Duration time.Duration `json:"-"`
}

// ModelContent renders the result as the text the model sees in the tool
// result message.
func (r Result) ModelContent() string {
	if !r.Success {
		if r.Error != "" {
			return r.Error
		}
		return string(r.Kind)
	}
	var s string
	if err := json.Unmarshal(r.Data, &s); err == nil {
		return s
	}
	return string(r.Data)
}

func failure(call Call, kind Kind, stage Stage, msg string) Result {
	return Result{
		CallID: call.ID,
		Tool:   call.Name,
		Kind:   kind,
		Stage:  stage,
		Error:  msg,
	}
}
