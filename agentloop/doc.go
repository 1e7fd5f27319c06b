// Package agentloop runs the turn loop of a coding agent. A turn starts with
// one user input and alternates model calls with tool execution until the
// model answers without requesting tools.
//
// Every step is appended to a sessionlog.Store before the next model call, so
// the log never runs behind the engine and any record can serve as the head
// of a resumed conversation.
//
// # Architecture
//
//   - Runner: owns the chat client, the session store and the tool pipeline,
//     and serialises turns per session.
//   - pipeline.Pipeline: runs each requested tool call through validation,
//     the permission gate, confirmation and execution.
//   - events.Emitter: progress events for terminals and metrics.
//
// # Quick Start
//
//	reg, _ := tools.NewRegistry(tools.Builtins(env, tools.DefaultBuiltinOptions())...)
//	runner := agentloop.NewRunner(unifiedllm.NewClientFromEnv(), store, pipeline.New(reg),
//	    agentloop.WithEnvironment(env),
//	    agentloop.WithConfirmer(confirm),
//	)
//	res, err := runner.RunTurn(ctx, sess.ID, "Create a hello.py file", snapshot)
//	if errors.Is(err, agentloop.ErrTurnLimitExceeded) {
//	    ...
//	}
//
// # Outcomes
//
// A completed turn returns its final text. Hitting the iteration ceiling, a
// provider failure or cancellation appends a stop marker record and returns a
// *TurnError next to the partial TurnResult.
package agentloop
