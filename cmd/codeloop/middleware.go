package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/martinemde/codeloop/unifiedllm"
)

// logCompletions logs each blocking provider call with its latency and token
// usage.
func logCompletions(logger *slog.Logger) unifiedllm.Middleware {
	return func(ctx context.Context, req unifiedllm.Request, next func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error)) (*unifiedllm.Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		log := logger.With("provider", req.Provider, "model", req.Model, "duration", time.Since(start))
		if err != nil {
			log.Warn("provider call failed", "error", err)
			return nil, err
		}
		log.Debug("provider call completed",
			"finish_reason", resp.FinishReason.Reason,
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens)
		return resp, nil
	}
}

// logStreams logs how long a streaming call took to establish. Errors after
// the first event arrive on the channel and are reported by the runner.
func logStreams(logger *slog.Logger) unifiedllm.StreamMiddleware {
	return func(ctx context.Context, req unifiedllm.Request, next func(context.Context, unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error)) (<-chan unifiedllm.StreamEvent, error) {
		start := time.Now()
		ch, err := next(ctx, req)
		log := logger.With("provider", req.Provider, "model", req.Model, "duration", time.Since(start))
		if err != nil {
			log.Warn("provider stream failed", "error", err)
			return nil, err
		}
		log.Debug("provider stream established")
		return ch, nil
	}
}
