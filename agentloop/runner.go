package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/martinemde/codeloop/config"
	"github.com/martinemde/codeloop/events"
	"github.com/martinemde/codeloop/pipeline"
	"github.com/martinemde/codeloop/sessionlog"
	"github.com/martinemde/codeloop/tools"
	"github.com/martinemde/codeloop/unifiedllm"
)

// ChatClient is the provider surface the turn loop needs. *unifiedllm.Client
// satisfies it.
type ChatClient interface {
	Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
	Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error)
}

// Runner drives turns: it alternates model calls and tool execution until
// the model answers without tool calls, persisting every step to the store.
type Runner struct {
	client   ChatClient
	store    sessionlog.Store
	pipeline *pipeline.Pipeline
	emitter  *events.Emitter
	logger   *slog.Logger
	confirm  pipeline.Confirmer
	env      tools.Environment
	branch   func(ctx context.Context) string
	docs     func(ctx context.Context, provider string) string

	mu   sync.Mutex
	busy map[string]struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithEmitter sets the event emitter. The pipeline keeps its own.
func WithEmitter(e *events.Emitter) Option {
	return func(r *Runner) { r.emitter = e }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithConfirmer sets the callback consulted when a tool call needs approval.
// Without one, such calls are rejected.
func WithConfirmer(c pipeline.Confirmer) Option {
	return func(r *Runner) { r.confirm = c }
}

// WithEnvironment sets the environment described in the system prompt. It
// also enables git branch and project instruction discovery in its working
// directory.
func WithEnvironment(env tools.Environment) Option {
	return func(r *Runner) { r.env = env }
}

// WithGitBranch overrides how the current branch is determined.
func WithGitBranch(fn func(ctx context.Context) string) Option {
	return func(r *Runner) { r.branch = fn }
}

// WithProjectDocs overrides how project instruction files are found.
func WithProjectDocs(fn func(ctx context.Context, provider string) string) Option {
	return func(r *Runner) { r.docs = fn }
}

// NewRunner creates a Runner over the given client, store and pipeline.
func NewRunner(client ChatClient, store sessionlog.Store, pipe *pipeline.Pipeline, opts ...Option) *Runner {
	r := &Runner{
		client:   client,
		store:    store,
		pipeline: pipe,
		logger:   slog.Default(),
		busy:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.env != nil {
		dir := r.env.WorkingDirectory()
		if r.branch == nil {
			r.branch = func(ctx context.Context) string { return GitBranch(ctx, dir) }
		}
		if r.docs == nil {
			r.docs = func(ctx context.Context, provider string) string {
				return DiscoverProjectDocs(ctx, dir, provider)
			}
		}
	}
	return r
}

// TurnOption adjusts a single RunTurn call.
type TurnOption func(*turnOptions)

type turnOptions struct {
	resumeFrom string
}

// ResumeFrom continues the conversation from recordID instead of the last
// record, starting a new branch of the session tree.
func ResumeFrom(recordID string) TurnOption {
	return func(o *turnOptions) { o.resumeFrom = recordID }
}

func (r *Runner) acquire(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.busy[sessionID]; ok {
		return false
	}
	r.busy[sessionID] = struct{}{}
	return true
}

func (r *Runner) release(sessionID string) {
	r.mu.Lock()
	delete(r.busy, sessionID)
	r.mu.Unlock()
}

// RunTurn appends input to the session and runs the model/tool loop until the
// model answers without tool calls, the iteration ceiling is reached, the
// provider fails or ctx is cancelled. Every outcome other than completion
// ends with a stop marker in the log and a non-nil error alongside the
// result.
func (r *Runner) RunTurn(ctx context.Context, sessionID, input string, snap config.Snapshot, opts ...TurnOption) (*TurnResult, error) {
	if !r.acquire(sessionID) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionBusy)
	}
	defer r.release(sessionID)

	var o turnOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := ctx.Err(); err != nil {
		return &TurnResult{Status: StatusCancelled}, &TurnError{Kind: KindCancelled, Reason: "turn cancelled before start", Err: err}
	}

	records, err := r.store.Load(ctx, sessionID)
	if err != nil {
		return nil, storeError("load session", err)
	}
	chain, err := sessionlog.Chain(records, o.resumeFrom)
	if err != nil {
		return nil, storeError("resolve head", err)
	}

	t := &turn{
		runner:    r,
		sessionID: sessionID,
		snap:      snap,
		persist:   context.WithoutCancel(ctx),
		chain:     chain,
		log:       r.logger.With("session_id", sessionID),
	}
	if len(chain) > 0 {
		t.result.Head = chain[len(chain)-1].ID
	}
	return t.run(ctx, input)
}

// turn is the state of one RunTurn call.
type turn struct {
	runner    *Runner
	sessionID string
	snap      config.Snapshot
	// persist is used for appends so cancelled turns still record how they
	// ended.
	persist context.Context
	chain   []sessionlog.Record
	result  TurnResult
	branch  string
	system  string
	tools   []unifiedllm.ToolDefinition
	usage   unifiedllm.Usage
	log     *slog.Logger
}

func (t *turn) run(ctx context.Context, input string) (*TurnResult, error) {
	r := t.runner
	if r.branch != nil {
		t.branch = r.branch(ctx)
	}
	t.system = t.systemPrompt(ctx)
	t.tools = t.toolDefinitions()

	t.emit(events.KindTurnStart, map[string]any{"input": input})
	if err := t.closeInterrupted(); err != nil {
		return t.finish(err)
	}
	if err := t.append(sessionlog.Record{
		Role:      sessionlog.RoleUser,
		Content:   sessionlog.Content{Text: input},
		GitBranch: t.branch,
	}); err != nil {
		return t.finish(err)
	}
	t.emit(events.KindUserInput, map[string]any{"content": input})

	limit := iterationLimit(t.snap.MaxTurns)
	policy := pipeline.Policy{
		SessionID:  t.sessionID,
		Mode:       t.snap.Mode,
		Rules:      t.snap.RuleSet(),
		Confirm:    r.confirm,
		CharLimits: t.snap.CharLimits,
		LineLimits: t.snap.LineLimits,
	}
	if r.env != nil {
		policy.WorkingDir = r.env.WorkingDirectory()
	}
	var steering string

	for {
		if t.result.Iterations >= limit {
			t.log.Warn("turn limit reached", "limit", limit)
			reason := fmt.Sprintf("reached the limit of %d model calls", limit)
			if err := t.append(markerRecord(sessionlog.StopTurnLimit, reason)); err != nil {
				return t.finish(err)
			}
			t.result.Status = StatusTurnLimit
			return t.finish(&TurnError{Kind: KindTurnLimitExceeded, Reason: reason, Err: ErrTurnLimitExceeded})
		}
		if err := ctx.Err(); err != nil {
			return t.cancelled(err)
		}

		req := t.request(steering)
		steering = ""
		t.emit(events.KindModelRequest, map[string]any{
			"iteration": t.result.Iterations + 1,
			"messages":  len(req.Messages),
		})
		resp, err := t.call(ctx, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return t.cancelled(ctxErr)
			}
			return t.providerFailed(err)
		}
		t.result.Iterations++

		rec := assistantRecord(resp, t.branch)
		if err := t.append(rec); err != nil {
			return t.finish(err)
		}
		t.usage = t.usage.Add(withTotal(resp.Usage))
		t.result.Usage = *usageOf(t.usage)
		t.emit(events.KindModelResponse, map[string]any{
			"text":          resp.Text(),
			"tool_calls":    len(rec.Content.ToolCalls),
			"finish_reason": resp.FinishReason.Reason,
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		})

		calls := rec.Content.ToolCalls
		if len(calls) == 0 {
			t.result.Status = StatusCompleted
			t.result.Message = resp.Text()
			return t.finish(nil)
		}

		// Once ctx is done every remaining call short-circuits to a
		// cancelled result, so each call still gets a record.
		for _, call := range calls {
			res := r.pipeline.Execute(ctx, pipeline.Call{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
			}, policy)
			if err := t.append(toolRecord(res)); err != nil {
				return t.finish(err)
			}
		}
		if err := ctx.Err(); err != nil {
			return t.cancelled(err)
		}

		if t.snap.LoopWindow > 0 && DetectLoop(t.chain, t.snap.LoopWindow) {
			steering = fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.", t.snap.LoopWindow)
			t.log.Warn("tool call loop detected", "window", t.snap.LoopWindow)
			t.emit(events.KindLoopDetected, map[string]any{"message": steering})
		}
	}
}

func (t *turn) call(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	if !t.snap.Stream {
		return t.runner.client.Complete(ctx, req)
	}
	ch, err := t.runner.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return unifiedllm.Collect(ctx, ch, func(ev unifiedllm.StreamEvent) {
		if ev.Type == unifiedllm.TextDelta && ev.Delta != "" {
			t.emit(events.KindAssistantTextDelta, map[string]any{"delta": ev.Delta})
		}
	})
}

func (t *turn) request(steering string) unifiedllm.Request {
	messages := make([]unifiedllm.Message, 0, len(t.chain)+2)
	messages = append(messages, unifiedllm.SystemMessage(t.system))
	messages = append(messages, historyToMessages(t.chain)...)
	if steering != "" {
		messages = append(messages, unifiedllm.UserMessage(steering))
	}

	req := unifiedllm.Request{
		Model:       t.snap.Model,
		Provider:    t.snap.Provider,
		Messages:    messages,
		Tools:       t.tools,
		Temperature: t.snap.Temperature,
	}
	if len(t.tools) > 0 {
		req.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
	}
	if t.snap.MaxTokens > 0 {
		n := t.snap.MaxTokens
		req.MaxTokens = &n
	}
	return req
}

// toolDefinitions lists the registry's tools minus those removed by
// deny_tools.
func (t *turn) toolDefinitions() []unifiedllm.ToolDefinition {
	registered := t.runner.pipeline.Registry().Tools()
	defs := make([]unifiedllm.ToolDefinition, 0, len(registered))
	for i := range registered {
		tool := &registered[i]
		if t.snap.Denied(tool.Name) {
			continue
		}
		defs = append(defs, unifiedllm.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters(),
		})
	}
	return defs
}

func (t *turn) systemPrompt(ctx context.Context) string {
	in := PromptInput{
		Provider:     t.snap.Provider,
		Model:        t.snap.Model,
		Env:          t.runner.env,
		GitBranch:    t.branch,
		Instructions: t.snap.Instructions,
	}
	if t.runner.docs != nil {
		in.ProjectDocs = t.runner.docs(ctx, t.snap.Provider)
	}
	return BuildSystemPrompt(in)
}

// closeInterrupted records a cancelled result for every tool call the head
// left unanswered, which happens when a process dies mid-batch.
func (t *turn) closeInterrupted() error {
	missing := unansweredCalls(t.chain)
	if len(missing) == 0 {
		return nil
	}
	t.log.Warn("recording interrupted tool calls", "count", len(missing))
	for _, tc := range missing {
		if err := t.append(interruptedRecord(tc)); err != nil {
			return err
		}
	}
	return nil
}

// append persists rec as a child of the current head.
func (t *turn) append(rec sessionlog.Record) error {
	rec.ParentID = t.result.Head
	saved, err := t.runner.store.Append(t.persist, t.sessionID, rec)
	if err != nil {
		return storeError("append record", err)
	}
	t.chain = append(t.chain, saved)
	t.result.Head = saved.ID
	return nil
}

func (t *turn) cancelled(cause error) (*TurnResult, error) {
	t.log.Info("turn cancelled", "cause", cause)
	if err := t.append(markerRecord(sessionlog.StopCancelled, cause.Error())); err != nil {
		return t.finish(err)
	}
	t.result.Status = StatusCancelled
	return t.finish(&TurnError{Kind: KindCancelled, Reason: "turn cancelled", Err: cause})
}

func (t *turn) providerFailed(cause error) (*TurnResult, error) {
	t.log.Error("provider call failed", "error", cause)
	if err := t.append(markerRecord(sessionlog.StopProviderError, cause.Error())); err != nil {
		return t.finish(err)
	}
	t.result.Status = StatusProviderError
	return t.finish(&TurnError{Kind: KindProviderError, Reason: cause.Error(), Err: cause})
}

// finish emits the turn_end event and returns the result with err.
func (t *turn) finish(err error) (*TurnResult, error) {
	data := map[string]any{
		"status":     string(t.result.Status),
		"iterations": t.result.Iterations,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	t.emit(events.KindTurnEnd, data)
	res := t.result
	return &res, err
}

func (t *turn) emit(kind events.Kind, data map[string]any) {
	t.runner.emitter.Emit(events.Event{Kind: kind, SessionID: t.sessionID, Data: data})
}

func storeError(op string, err error) error {
	if errors.Is(err, sessionlog.ErrCorrupt) {
		return &TurnError{Kind: KindStoreCorruption, Reason: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func iterationLimit(maxTurns int) int {
	if maxTurns <= 0 || maxTurns > SafetyLimit {
		return SafetyLimit
	}
	return maxTurns
}
