package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestAnthropic(t *testing.T, url string) *AnthropicAdapter {
	t.Helper()
	a, err := NewAnthropicAdapter(WithAPIKey("test-key"), WithBaseURL(url), WithModel("claude-test"))
	if err != nil {
		t.Fatalf("NewAnthropicAdapter: %v", err)
	}
	return a
}

// writeSSE writes events as a server-sent event stream.
func writeSSE(t *testing.T, w http.ResponseWriter, events [][2]string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, ev := range events {
		if ev[0] != "" {
			io.WriteString(w, "event: "+ev[0]+"\n")
		}
		io.WriteString(w, "data: "+ev[1]+"\n\n")
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func sameJSON(t *testing.T, want string, got json.RawMessage) {
	t.Helper()
	var w, g any
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatalf("bad expected JSON %q: %v", want, err)
	}
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("got invalid JSON %q: %v", got, err)
	}
	wb, _ := json.Marshal(w)
	gb, _ := json.Marshal(g)
	if string(wb) != string(gb) {
		t.Errorf("JSON mismatch: want %s, got %s", wb, gb)
	}
}

func conversationWithToolResults() []Message {
	return []Message{
		SystemMessage("be brief"),
		UserMessage("read both files"),
		{Role: RoleAssistant, Content: []ContentPart{
			TextPart("Reading."),
			ToolCallPart("c1", "file.read", json.RawMessage(`{"path":"a.go"}`)),
			ToolCallPart("c2", "file.read", json.RawMessage(`{"path":"b.go"}`)),
		}},
		ToolResultMessage("c1", "file.read", "package a", false),
		ToolResultMessage("c2", "file.read", "no such file", true),
		UserMessage("thanks"),
	}
}

var readToolDef = ToolDefinition{
	Name:        "file.read",
	Description: "Read a file.",
	Parameters: map[string]any{
		"type":       "object",
		"properties": map[string]any{"path": map[string]any{"type": "string"}},
		"required":   []string{"path"},
	},
}

func TestAnthropicCompleteNormalisesRequestAndResponse(t *testing.T) {
	var body struct {
		Model    string `json:"model"`
		System   []struct{ Text string } `json:"system"`
		Messages []struct {
			Role    string           `json:"role"`
			Content []map[string]any `json:"content"`
		} `json:"messages"`
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [
				{"type": "text", "text": "Reading again."},
				{"type": "tool_use", "id": "toolu_1", "name": "search__glob", "input": {"pattern": "*.go"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 30, "output_tokens": 7, "cache_read_input_tokens": 5}
		}`)
	}))
	defer srv.Close()

	resp, err := newTestAnthropic(t, srv.URL).Complete(context.Background(), Request{
		Messages:   conversationWithToolResults(),
		Tools:      []ToolDefinition{readToolDef},
		ToolChoice: &ToolChoice{Mode: "auto"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if body.Model != "claude-test" {
		t.Errorf("model = %q", body.Model)
	}
	if len(body.System) != 1 || body.System[0].Text != "be brief" {
		t.Errorf("system = %+v", body.System)
	}
	if len(body.Tools) != 1 || body.Tools[0].Name != "file__read" {
		t.Errorf("tools = %+v", body.Tools)
	}
	// Tool results and the following user text fold into one user turn.
	roles := make([]string, len(body.Messages))
	for i, m := range body.Messages {
		roles[i] = m.Role
	}
	if strings.Join(roles, ",") != "user,assistant,user" {
		t.Fatalf("roles = %v", roles)
	}
	asst := body.Messages[1].Content
	if len(asst) != 3 || asst[1]["type"] != "tool_use" || asst[1]["name"] != "file__read" || asst[1]["id"] != "c1" {
		t.Errorf("assistant content = %v", asst)
	}
	last := body.Messages[2].Content
	if len(last) != 3 {
		t.Fatalf("folded user content = %v", last)
	}
	if last[0]["type"] != "tool_result" || last[0]["tool_use_id"] != "c1" {
		t.Errorf("first block = %v", last[0])
	}
	if last[1]["tool_use_id"] != "c2" || last[1]["is_error"] != true {
		t.Errorf("second block = %v", last[1])
	}
	if last[2]["type"] != "text" || last[2]["text"] != "thanks" {
		t.Errorf("third block = %v", last[2])
	}

	if resp.ID != "msg_1" || resp.Provider != "anthropic" {
		t.Errorf("id/provider = %q/%q", resp.ID, resp.Provider)
	}
	if resp.Text() != "Reading again." {
		t.Errorf("text = %q", resp.Text())
	}
	calls := resp.ToolCallsFromResponse()
	if len(calls) != 1 || calls[0].Name != "search.glob" || calls[0].ID != "toolu_1" {
		t.Fatalf("calls = %+v", calls)
	}
	sameJSON(t, `{"pattern":"*.go"}`, calls[0].Arguments)
	if resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("finish = %+v", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 37 || resp.Usage.CacheReadTokens == nil || *resp.Usage.CacheReadTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAnthropicRejectsInvalidToolArguments(t *testing.T) {
	a := newTestAnthropic(t, "http://127.0.0.1:1")
	_, err := a.Complete(context.Background(), Request{Messages: []Message{
		UserMessage("hi"),
		{Role: RoleAssistant, Content: []ContentPart{ToolCallPart("c1", "file.read", json.RawMessage(`{"path":`))}},
	}})
	var invalid *InvalidToolCallError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidToolCallError, got %T: %v", err, err)
	}
}

func TestAnthropicStreamAccumulatesToolInput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(t, w, [][2]string{
			{"message_start", `{"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","model":"claude-test","content":[],"usage":{"input_tokens":12,"output_tokens":1}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me "}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"look."}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"file__read","input":{}}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"a.go\"}"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":1}`},
			{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`},
			{"message_stop", `{"type":"message_stop"}`},
		})
	}))
	defer srv.Close()

	ch, err := newTestAnthropic(t, srv.URL).Stream(context.Background(), Request{Messages: []Message{UserMessage("read a.go")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var kinds []StreamEventType
	var ended []ToolCall
	resp, err := Collect(context.Background(), ch, func(ev StreamEvent) {
		kinds = append(kinds, ev.Type)
		if ev.Type == ToolCallEnd {
			ended = append(ended, *ev.ToolCall)
		}
	})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if kinds[0] != StreamStart || kinds[len(kinds)-1] != StreamFinish {
		t.Errorf("event order = %v", kinds)
	}
	if len(ended) != 1 || ended[0].Name != "file.read" || ended[0].ID != "toolu_9" {
		t.Fatalf("tool call end events = %+v", ended)
	}
	sameJSON(t, `{"path":"a.go"}`, ended[0].Arguments)

	if resp.Text() != "Let me look." {
		t.Errorf("text = %q", resp.Text())
	}
	if calls := resp.ToolCallsFromResponse(); len(calls) != 1 || calls[0].Name != "file.read" {
		t.Errorf("response calls = %+v", calls)
	}
	if resp.ID != "msg_2" || resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("id/finish = %q/%+v", resp.ID, resp.FinishReason)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 9 || resp.Usage.TotalTokens != 21 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAnthropicStreamWithoutStopIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(t, w, [][2]string{
			{"message_start", `{"type":"message_start","message":{"id":"msg_3","type":"message","role":"assistant","content":[],"usage":{"input_tokens":1}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`},
		})
	}))
	defer srv.Close()

	ch, err := newTestAnthropic(t, srv.URL).Stream(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if _, err := Collect(context.Background(), ch, nil); err == nil {
		t.Fatal("expected an error for a truncated stream")
	}
}

func anthropicError(status int, errType, message string, header map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for k, v := range header {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		body, _ := json.Marshal(map[string]any{
			"type":  "error",
			"error": map[string]string{"type": errType, "message": message},
		})
		w.Write(body)
	}
}

func TestAnthropicErrorTranslation(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		retryable bool
		check     func(error) bool
	}{
		{
			name:    "invalid request",
			handler: anthropicError(400, "invalid_request_error", "tool_use ids were found without tool_result blocks", nil),
			check:   func(err error) bool { var e *InvalidRequestError; return errors.As(err, &e) },
		},
		{
			name:    "prompt too long",
			handler: anthropicError(400, "invalid_request_error", "prompt is too long: 210000 tokens", nil),
			check:   func(err error) bool { var e *ContextLengthError; return errors.As(err, &e) },
		},
		{
			name:    "bad key",
			handler: anthropicError(401, "authentication_error", "invalid x-api-key", nil),
			check:   func(err error) bool { var e *AuthenticationError; return errors.As(err, &e) },
		},
		{
			name:      "rate limited",
			handler:   anthropicError(429, "rate_limit_error", "slow down", map[string]string{"Retry-After": "2"}),
			retryable: true,
			check: func(err error) bool {
				var e *RateLimitError
				return errors.As(err, &e) && e.RetryAfter != nil && *e.RetryAfter == 2
			},
		},
		{
			name:      "overloaded",
			handler:   anthropicError(529, "overloaded_error", "Overloaded", nil),
			retryable: true,
			check:     func(err error) bool { var e *ServerError; return errors.As(err, &e) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			a := newTestAnthropic(t, srv.URL)
			req := Request{Messages: []Message{UserMessage("hi")}}

			_, err := a.Complete(context.Background(), req)
			if err == nil || !tt.check(err) {
				t.Fatalf("Complete error = %T %v", err, err)
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("Complete retryable = %v, want %v", IsRetryable(err), tt.retryable)
			}

			// Stream establishment reports the same error before any channel
			// exists.
			ch, err := a.Stream(context.Background(), req)
			if ch != nil || err == nil || !tt.check(err) {
				t.Fatalf("Stream = %v, %T %v", ch, err, err)
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("Stream retryable = %v, want %v", IsRetryable(err), tt.retryable)
			}
		})
	}
}

func TestAnthropicUnreachableIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestAnthropic(t, url).Complete(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %T: %v", err, err)
	}
	if !IsRetryable(err) {
		t.Error("network errors should be retryable")
	}
}

func TestClientRetriesAnthropicStreamEstablishment(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			anthropicError(529, "overloaded_error", "Overloaded", nil)(w, r)
			return
		}
		writeSSE(t, w, [][2]string{
			{"message_start", `{"type":"message_start","message":{"id":"msg_4","type":"message","role":"assistant","content":[],"usage":{"input_tokens":3}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"recovered"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`},
			{"message_stop", `{"type":"message_stop"}`},
		})
	}))
	defer srv.Close()

	c := NewClient(
		WithProvider("anthropic", newTestAnthropic(t, srv.URL)),
		WithDefaultProvider("anthropic"),
		WithRetryPolicy(fastRetry(2)),
	)
	ch, err := c.Stream(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	resp, err := Collect(context.Background(), ch, nil)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if resp.Text() != "recovered" {
		t.Errorf("text = %q", resp.Text())
	}
	if hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2", hits.Load())
	}
}
