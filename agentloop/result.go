package agentloop

import (
	"errors"
	"fmt"

	"github.com/martinemde/codeloop/sessionlog"
)

// SafetyLimit caps model calls per turn regardless of configuration.
const SafetyLimit = 100

// Status is how a turn ended.
type Status string

const (
	StatusCompleted     Status = "completed"
	StatusTurnLimit     Status = "turn_limit"
	StatusCancelled     Status = "cancelled"
	StatusProviderError Status = "provider_error"
)

// ErrorKind classifies a turn that aborted.
type ErrorKind string

const (
	KindProviderError     ErrorKind = "ProviderError"
	KindTurnLimitExceeded ErrorKind = "TurnLimitExceeded"
	KindStoreCorruption   ErrorKind = "StoreCorruption"
	KindCancelled         ErrorKind = "Cancelled"
)

var (
	// ErrTurnLimitExceeded is wrapped by the error of a turn that hit its
	// iteration ceiling.
	ErrTurnLimitExceeded = errors.New("turn limit exceeded")
	// ErrSessionBusy is returned when a turn is already running on the
	// session.
	ErrSessionBusy = errors.New("session busy")
)

// TurnError reports why RunTurn aborted.
type TurnError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *TurnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *TurnError) Unwrap() error { return e.Err }

// TurnResult is the outcome of RunTurn.
type TurnResult struct {
	Status Status
	// Message is the final assistant text when Status is completed.
	Message string
	// Iterations counts model calls made during the turn.
	Iterations int
	// Head is the id of the last record appended, the parent of the next turn.
	Head  string
	Usage sessionlog.Usage
}
