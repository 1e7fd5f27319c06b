package pipeline

import (
	"context"

	"github.com/martinemde/codeloop/permission"
	"github.com/martinemde/codeloop/tools"
)

// ConfirmRequest describes an invocation awaiting the user's decision.
type ConfirmRequest struct {
	SessionID string
	CallID    string
	Tool      string
	Args      tools.Args
	Signature permission.Signature
	Risk      tools.Risk
	Reason    string
}

// Confirmer asks the user whether an invocation may run. It returns true to
// accept. A Confirmer may block until the user answers; it should return
// promptly once ctx is done.
type Confirmer func(ctx context.Context, req ConfirmRequest) (bool, error)

// AcceptAll is a Confirmer that approves every request.
func AcceptAll(context.Context, ConfirmRequest) (bool, error) { return true, nil }

// RejectAll is a Confirmer that refuses every request.
func RejectAll(context.Context, ConfirmRequest) (bool, error) { return false, nil }
