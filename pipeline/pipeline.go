// Package pipeline runs a single tool call through discovery, argument
// validation, the permission gate, optional user confirmation, execution and
// output formatting. Every stage can short-circuit with a typed Result; the
// pipeline never returns an error for tool-level failures.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/martinemde/codeloop/events"
	"github.com/martinemde/codeloop/permission"
	"github.com/martinemde/codeloop/tools"
)

// Policy is the per-turn input to the permission and confirmation stages.
type Policy struct {
	SessionID string
	Mode      permission.Mode
	Rules     permission.RuleSet
	// WorkingDir resolves relative path arguments before rules match them.
	WorkingDir string
	// Confirm is consulted when the verdict is ask. A nil Confirm rejects.
	Confirm Confirmer
	// CharLimits and LineLimits override the default output truncation per
	// tool name.
	CharLimits map[string]int
	LineLimits map[string]int
}

// Pipeline executes tool calls against a closed registry.
type Pipeline struct {
	registry   *tools.Registry
	emitter    *events.Emitter
	logger     *slog.Logger
	charLimits map[string]int
	lineLimits map[string]int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEmitter sends stage and result events to e.
func WithEmitter(e *events.Emitter) Option {
	return func(p *Pipeline) { p.emitter = e }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithOutputLimits sets per-tool truncation limits used when a Policy does
// not carry its own.
func WithOutputLimits(charLimits, lineLimits map[string]int) Option {
	return func(p *Pipeline) {
		p.charLimits = charLimits
		p.lineLimits = lineLimits
	}
}

// New creates a Pipeline over registry.
func New(registry *tools.Registry, opts ...Option) *Pipeline {
	p := &Pipeline{registry: registry}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Registry returns the registry calls are resolved against.
func (p *Pipeline) Registry() *tools.Registry { return p.registry }

// Execute runs call through every stage and returns its normalised result.
func (p *Pipeline) Execute(ctx context.Context, call Call, policy Policy) Result {
	start := time.Now()
	res := p.run(ctx, call, policy)
	res.Duration = time.Since(start)

	p.emitter.Emit(events.Event{
		Kind:      events.KindToolResult,
		SessionID: policy.SessionID,
		Stage:     string(res.Stage),
		Tool:      call.Name,
		CallID:    call.ID,
		Data: map[string]any{
			"kind":        string(res.Kind),
			"success":     res.Success,
			"error":       res.Error,
			"duration_ms": res.Duration.Milliseconds(),
		},
	})
	return res
}

func (p *Pipeline) run(ctx context.Context, call Call, policy Policy) Result {
	log := p.logger.With("tool", call.Name, "call_id", call.ID)

	// Discovery.
	if res, stop := p.enter(ctx, call, policy, StageDiscovery); stop {
		return res
	}
	tool, ok := p.registry.Get(call.Name)
	if !ok {
		log.Debug("tool not found")
		return failure(call, KindToolNotFound, StageDiscovery, fmt.Sprintf("Unknown tool: %s", call.Name))
	}

	// Validate.
	if res, stop := p.enter(ctx, call, policy, StageValidate); stop {
		return res
	}
	args, err := p.registry.Validate(call.Name, call.Arguments)
	if err != nil {
		log.Debug("invalid arguments", "error", err)
		return failure(call, KindInvalidArguments, StageValidate, err.Error())
	}

	// Permission.
	if res, stop := p.enter(ctx, call, policy, StagePermission); stop {
		return res
	}
	sig := permission.SignatureFor(tool, args, policy.WorkingDir)
	decision := permission.Decide(sig, policy.Mode, policy.Rules)
	log.Debug("permission decided", "signature", sig.String(), "verdict", decision.Verdict, "reason", decision.Reason)

	switch decision.Verdict {
	case permission.Deny:
		log.Info("tool call denied", "signature", sig.String(), "reason", decision.Reason)
		return failure(call, KindPermissionDenied, StagePermission,
			fmt.Sprintf("Permission denied for %s: %s", sig, decision.Reason))

	case permission.Ask:
		if res, stop := p.enter(ctx, call, policy, StageConfirm); stop {
			return res
		}
		accepted := p.confirm(ctx, log, policy, ConfirmRequest{
			SessionID: policy.SessionID,
			CallID:    call.ID,
			Tool:      call.Name,
			Args:      args,
			Signature: sig,
			Risk:      tool.Risk,
			Reason:    decision.Reason,
		})
		if !accepted {
			if ctx.Err() != nil {
				return failure(call, KindCancelled, StageConfirm, "Cancelled while waiting for confirmation")
			}
			log.Info("tool call rejected by user", "signature", sig.String())
			return failure(call, KindUserRejected, StageConfirm, fmt.Sprintf("The user rejected %s", sig))
		}
	}

	// Execute.
	if res, stop := p.enter(ctx, call, policy, StageExecute); stop {
		return res
	}
	raw, err := invoke(ctx, log, tool, args)
	if err != nil {
		if ctx.Err() != nil {
			return failure(call, KindCancelled, StageExecute, fmt.Sprintf("Cancelled during execution: %v", err))
		}
		log.Warn("tool execution failed", "error", err)
		return failure(call, KindToolError, StageExecute, fmt.Sprintf("Tool error (%s): %v", call.Name, err))
	}

	// Format. The executor has returned, so its side effects happened and
	// the outcome is recorded even when ctx was cancelled meanwhile.
	p.stage(call, policy, StageFormat)
	charLimits, lineLimits := policy.CharLimits, policy.LineLimits
	if charLimits == nil {
		charLimits = p.charLimits
	}
	if lineLimits == nil {
		lineLimits = p.lineLimits
	}
	data, display, err := format(call.Name, raw, charLimits, lineLimits)
	if err != nil {
		log.Warn("tool output could not be formatted", "error", err)
		return failure(call, KindToolError, StageFormat, fmt.Sprintf("Tool error (%s): %v", call.Name, err))
	}
	return Result{
		CallID:  call.ID,
		Tool:    call.Name,
		Kind:    KindOK,
		Success: true,
		Data:    data,
		Display: display,
		Stage:   StageFormat,
	}
}

// enter emits the stage event and reports whether the call must stop because
// ctx is done.
func (p *Pipeline) enter(ctx context.Context, call Call, policy Policy, stage Stage) (Result, bool) {
	if err := ctx.Err(); err != nil {
		return failure(call, KindCancelled, stage, fmt.Sprintf("Cancelled before %s: %v", stage, err)), true
	}
	p.stage(call, policy, stage)
	return Result{}, false
}

func (p *Pipeline) stage(call Call, policy Policy, stage Stage) {
	p.emitter.Emit(events.Event{
		Kind:      events.KindStage,
		SessionID: policy.SessionID,
		Stage:     string(stage),
		Tool:      call.Name,
		CallID:    call.ID,
	})
}

func (p *Pipeline) confirm(ctx context.Context, log *slog.Logger, policy Policy, req ConfirmRequest) bool {
	if policy.Confirm == nil {
		log.Debug("no confirmer configured; rejecting")
		return false
	}
	ok, err := policy.Confirm(ctx, req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn("confirmation failed; rejecting", "error", err)
		}
		return false
	}
	return ok
}

// invoke calls the tool executor, converting a panic into an error.
func invoke(ctx context.Context, log *slog.Logger, tool *tools.Tool, args tools.Args) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("tool panicked", "panic", r, "stack", string(debug.Stack()))
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return tool.Run(ctx, args)
}
