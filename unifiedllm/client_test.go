package unifiedllm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// mockAdapter is a test double for ProviderAdapter.
type mockAdapter struct {
	name     string
	response *Response
	err      error
	events   []StreamEvent
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan StreamEvent, len(m.events))
	for _, e := range m.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func newMockAdapter(name, text string) *mockAdapter {
	return &mockAdapter{
		name: name,
		response: &Response{
			ID:       "test_resp",
			Model:    "test-model",
			Provider: name,
			Message: Message{
				Role:    RoleAssistant,
				Content: []ContentPart{TextPart(text)},
			},
			FinishReason: FinishReason{Reason: "stop"},
			Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		},
	}
}

func TestClientComplete(t *testing.T) {
	mock := newMockAdapter("test-provider", "Hello!")
	client := NewClient(
		WithProvider("test-provider", mock),
		WithDefaultProvider("test-provider"),
	)

	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", resp.Text())
	}
	if resp.Provider != "test-provider" {
		t.Errorf("expected provider %q, got %q", "test-provider", resp.Provider)
	}
}

func TestClientProviderRouting(t *testing.T) {
	openai := newMockAdapter("openai", "OpenAI response")
	anthropic := newMockAdapter("anthropic", "Anthropic response")

	client := NewClient(
		WithProvider("openai", openai),
		WithProvider("anthropic", anthropic),
		WithDefaultProvider("openai"),
	)

	// Explicit provider.
	resp, err := client.Complete(context.Background(), Request{
		Model:    "claude-opus-4-1",
		Messages: []Message{UserMessage("Hi")},
		Provider: "anthropic",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Anthropic response" {
		t.Errorf("expected Anthropic response, got %q", resp.Text())
	}

	// Default provider.
	resp, err = client.Complete(context.Background(), Request{
		Model:    "gpt-4.1",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "OpenAI response" {
		t.Errorf("expected OpenAI response, got %q", resp.Text())
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err == nil {
		t.Fatal("expected error for no provider")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

func TestClientMiddleware(t *testing.T) {
	mock := newMockAdapter("test", "response")
	called := false

	mw := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		called = true
		return next(ctx, req)
	}

	client := NewClient(
		WithProvider("test", mock),
		WithMiddleware(mw),
	)

	_, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("middleware was not called")
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	mock := newMockAdapter("test", "response")
	var order []int

	mw1 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 1)
		resp, err := next(ctx, req)
		order = append(order, -1)
		return resp, err
	}
	mw2 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 2)
		resp, err := next(ctx, req)
		order = append(order, -2)
		return resp, err
	}

	client := NewClient(
		WithProvider("test", mock),
		WithMiddleware(mw1, mw2),
	)

	_, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Onion pattern: first registered runs first for request, reverse for response.
	expected := []int{1, 2, -2, -1}
	if len(order) != len(expected) {
		t.Fatalf("expected %d middleware calls, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %d, got %d", i, v, order[i])
		}
	}
}

func TestClientStream(t *testing.T) {
	mock := &mockAdapter{
		name: "test",
		events: []StreamEvent{
			{Type: StreamStart},
			{Type: TextDelta, Delta: "Hello"},
			{Type: TextDelta, Delta: " world"},
			{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}},
		},
	}

	client := NewClient(WithProvider("test", mock))
	ch, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var events []StreamEvent
	for event := range ch {
		events = append(events, event)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[0].Type != StreamStart {
		t.Errorf("expected StreamStart, got %q", events[0].Type)
	}
	if events[1].Delta != "Hello" {
		t.Errorf("expected delta %q, got %q", "Hello", events[1].Delta)
	}
}

func TestClientRegisterProvider(t *testing.T) {
	client := NewClient()
	mock := newMockAdapter("dynamic", "dynamic response")
	client.RegisterProvider("dynamic", mock)

	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "dynamic response" {
		t.Errorf("expected %q, got %q", "dynamic response", resp.Text())
	}
	if got := client.Providers(); len(got) != 1 || got[0] != "dynamic" {
		t.Errorf("expected [dynamic], got %v", got)
	}
}

func TestClientAutoSingleProviderDefault(t *testing.T) {
	mock := newMockAdapter("only", "only response")
	client := NewClient(WithProvider("only", mock))

	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "only response" {
		t.Errorf("expected %q, got %q", "only response", resp.Text())
	}
}

// flakyAdapter fails the first n calls with err.
type flakyAdapter struct {
	mockAdapter
	failures int32
	calls    atomic.Int32
}

func (f *flakyAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, f.err
	}
	return f.response, nil
}

func (f *flakyAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, f.err
	}
	ch := make(chan StreamEvent)
	close(ch)
	return ch, nil
}

func fastRetry(max int) RetryPolicy {
	return RetryPolicy{MaxRetries: max, BaseDelay: 0.001, MaxDelay: 0.01, BackoffMultiplier: 2}
}

func TestClientRetriesTransientFailures(t *testing.T) {
	flaky := &flakyAdapter{
		mockAdapter: *newMockAdapter("test", "recovered"),
		failures:    2,
	}
	flaky.err = &ServerError{ProviderError: ProviderError{SDKError: SDKError{Message: "overloaded"}, Retryable: true}}

	client := NewClient(WithProvider("test", flaky), WithRetryPolicy(fastRetry(2)))
	resp, err := client.Complete(context.Background(), Request{Messages: []Message{UserMessage("Hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "recovered" {
		t.Errorf("expected %q, got %q", "recovered", resp.Text())
	}
	if got := flaky.calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestClientGivesUpAfterRetryBudget(t *testing.T) {
	flaky := &flakyAdapter{
		mockAdapter: *newMockAdapter("test", "never"),
		failures:    10,
	}
	flaky.err = &RateLimitError{ProviderError: ProviderError{SDKError: SDKError{Message: "slow down"}, Retryable: true}}

	client := NewClient(WithProvider("test", flaky), WithRetryPolicy(fastRetry(2)))
	_, err := client.Stream(context.Background(), Request{Messages: []Message{UserMessage("Hi")}})
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %T %v", err, err)
	}
	if got := flaky.calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestClientDoesNotRetryAuthErrors(t *testing.T) {
	flaky := &flakyAdapter{
		mockAdapter: *newMockAdapter("test", "never"),
		failures:    10,
	}
	flaky.err = &AuthenticationError{ProviderError: ProviderError{SDKError: SDKError{Message: "bad key"}}}

	client := NewClient(WithProvider("test", flaky), WithRetryPolicy(fastRetry(5)))
	_, err := client.Complete(context.Background(), Request{Messages: []Message{UserMessage("Hi")}})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := flaky.calls.Load(); got != 1 {
		t.Errorf("expected a single attempt, got %d", got)
	}
}

func TestResolveProviderFromCatalog(t *testing.T) {
	client := NewClient(
		WithProvider("openai", newMockAdapter("openai", "from openai")),
		WithProvider("anthropic", newMockAdapter("anthropic", "from anthropic")),
		WithDefaultProvider("openai"),
	)
	resp, err := client.Complete(context.Background(), Request{
		Model:    "sonnet",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "from anthropic" {
		t.Errorf("expected the catalog provider to win, got %q", resp.Text())
	}
}

func TestStreamAccumulator(t *testing.T) {
	acc := NewStreamAccumulator()

	events := []StreamEvent{
		{Type: StreamStart},
		{Type: ReasoningDelta, Delta: "thinking"},
		{Type: TextDelta, Delta: "Hello "},
		{Type: TextDelta, Delta: "world"},
		{Type: ToolCallStart, ToolCall: &ToolCall{ID: "c1", Name: "file.read"}},
		{Type: ToolCallDelta, Delta: `{"path":`},
		{Type: ToolCallEnd, ToolCall: &ToolCall{ID: "c1", Name: "file.read", Arguments: json.RawMessage(`{"path":"a.go"}`)}},
		{Type: StreamFinish, Usage: &Usage{InputTokens: 5, OutputTokens: 10, TotalTokens: 15}},
	}

	for _, e := range events {
		acc.Process(e)
	}

	resp := acc.Response()
	if resp.Text() != "Hello world" {
		t.Errorf("expected accumulated text %q, got %q", "Hello world", resp.Text())
	}
	if resp.Reasoning() != "thinking" {
		t.Errorf("expected reasoning %q, got %q", "thinking", resp.Reasoning())
	}
	calls := resp.ToolCallsFromResponse()
	if len(calls) != 1 || calls[0].Name != "file.read" || string(calls[0].Arguments) != `{"path":"a.go"}` {
		t.Errorf("unexpected tool calls: %+v", calls)
	}
	if resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("expected finish reason %q, got %q", "tool_calls", resp.FinishReason.Reason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected total_tokens 15, got %d", resp.Usage.TotalTokens)
	}
}

func TestCollect(t *testing.T) {
	t.Run("drains to a response", func(t *testing.T) {
		ch := make(chan StreamEvent, 3)
		ch <- StreamEvent{Type: TextDelta, Delta: "a"}
		ch <- StreamEvent{Type: TextDelta, Delta: "b"}
		ch <- StreamEvent{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}}
		close(ch)

		var seen int
		resp, err := Collect(context.Background(), ch, func(StreamEvent) { seen++ })
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Text() != "ab" || seen != 3 {
			t.Errorf("got text %q after %d events", resp.Text(), seen)
		}
	})

	t.Run("stops on stream error", func(t *testing.T) {
		boom := &NetworkError{SDKError: SDKError{Message: "reset"}}
		ch := make(chan StreamEvent, 2)
		ch <- StreamEvent{Type: TextDelta, Delta: "partial"}
		ch <- StreamEvent{Type: StreamError, Error: boom}
		close(ch)

		_, err := Collect(context.Background(), ch, nil)
		if !errors.Is(err, boom) {
			t.Errorf("expected the stream error, got %v", err)
		}
	})

	t.Run("honours cancellation", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := Collect(ctx, make(chan StreamEvent), nil)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})
}

func TestToolNameEncoding(t *testing.T) {
	for _, name := range []string{"file.read", "shell.run", "search.grep", "plain"} {
		wire := WireToolName(name)
		for _, r := range wire {
			if r == '.' {
				t.Fatalf("wire name %q still contains a dot", wire)
			}
		}
		if got := EngineToolName(wire); got != name {
			t.Errorf("round trip of %q gave %q", name, got)
		}
	}
}

func TestRegisterFromEnvLogsAdapterErrors(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient(WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	c.registerFromEnv("groq", func() (ProviderAdapter, error) {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "gollm: no model configured for provider groq"}}
	})
	c.registerFromEnv("mock", func() (ProviderAdapter, error) {
		return &mockAdapter{name: "mock"}, nil
	})

	if got := c.Providers(); len(got) != 1 || got[0] != "mock" {
		t.Errorf("Providers() = %v, want [mock]", got)
	}
	logged := buf.String()
	if !strings.Contains(logged, "skipping provider") || !strings.Contains(logged, "provider=groq") || !strings.Contains(logged, "no model configured") {
		t.Errorf("log = %q", logged)
	}
}
