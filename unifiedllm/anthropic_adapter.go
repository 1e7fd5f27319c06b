package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// AnthropicAdapter talks to the Anthropic Messages API through the official
// SDK. Retries are left to Client, so the SDK's own retry loop is disabled.
type AnthropicAdapter struct {
	client anthropic.Client
	cfg    *adapterConfig
}

// NewAnthropicAdapter creates an adapter. The API key is required.
func NewAnthropicAdapter(opts ...AdapterOption) (*AnthropicAdapter, error) {
	cfg := newAdapterConfig(opts)
	if cfg.apiKey == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "anthropic: API key is required"}}
	}
	cfg.model = cfg.defaultModel("anthropic", "claude-sonnet-4-5")

	options := []option.RequestOption{
		option.WithAPIKey(cfg.apiKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(cfg.baseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.baseURL))
	}
	return &AnthropicAdapter{client: anthropic.NewClient(options...), cfg: cfg}, nil
}

// Name returns the provider identifier.
func (a *AnthropicAdapter) Name() string { return "anthropic" }

// Complete sends a blocking Messages request.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := a.params(req)
	if err != nil {
		return nil, err
	}
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.fromMessage(msg), nil
}

// Stream opens a streaming Messages request. The first event is read before
// returning so that connection and HTTP failures surface as an error here
// rather than on the channel.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params, err := a.params(req)
	if err != nil {
		return nil, err
	}
	stream := a.client.Messages.NewStreaming(ctx, params)
	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err == nil {
			err = &StreamErrorType{SDKError: SDKError{Message: "anthropic: stream ended before any event"}}
		}
		return nil, a.translateError(err)
	}

	ch := make(chan StreamEvent, 64)
	go a.pump(ctx, stream, a.cfg.requestModel(req), ch)
	return ch, nil
}

type anthropicBlock struct {
	kind  string
	call  *ToolCall
	input strings.Builder
}

func (a *AnthropicAdapter) pump(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], model string, ch chan<- StreamEvent) {
	defer close(ch)
	defer stream.Close()

	send := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	acc := NewStreamAccumulator()
	emit := func(ev StreamEvent) bool {
		acc.Process(ev)
		return send(ev)
	}

	var (
		id     string
		usage  Usage
		finish = FinishReason{Reason: "stop"}
		blocks = map[int64]*anthropicBlock{}
	)

	if !send(StreamEvent{Type: StreamStart}) {
		return
	}
	for first := true; first || stream.Next(); first = false {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			id = start.Message.ID
			if start.Message.Model != "" {
				model = string(start.Message.Model)
			}
			usage.InputTokens = int(start.Message.Usage.InputTokens)
			usage = withCacheUsage(usage, start.Message.Usage.CacheReadInputTokens, start.Message.Usage.CacheCreationInputTokens)

		case "content_block_start":
			start := event.AsContentBlockStart()
			block := &anthropicBlock{kind: start.ContentBlock.Type}
			if block.kind == "tool_use" {
				toolUse := start.ContentBlock.AsToolUse()
				block.call = &ToolCall{ID: toolUse.ID, Name: EngineToolName(toolUse.Name)}
				if !emit(StreamEvent{Type: ToolCallStart, ToolCall: &ToolCall{ID: block.call.ID, Name: block.call.Name}}) {
					return
				}
			}
			blocks[start.Index] = block

		case "content_block_delta":
			d := event.AsContentBlockDelta()
			delta := d.Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" && !emit(StreamEvent{Type: TextDelta, Delta: delta.Text}) {
					return
				}
			case "thinking_delta":
				if delta.Thinking != "" && !emit(StreamEvent{Type: ReasoningDelta, Delta: delta.Thinking}) {
					return
				}
			case "input_json_delta":
				if block := blocks[d.Index]; block != nil && block.call != nil {
					block.input.WriteString(delta.PartialJSON)
					if !emit(StreamEvent{Type: ToolCallDelta, Delta: delta.PartialJSON}) {
						return
					}
				}
			}

		case "content_block_stop":
			stop := event.AsContentBlockStop()
			block := blocks[stop.Index]
			delete(blocks, stop.Index)
			if block == nil || block.call == nil {
				continue
			}
			call := *block.call
			call.Arguments = json.RawMessage(block.input.String())
			if len(call.Arguments) == 0 {
				call.Arguments = json.RawMessage("{}")
			}
			if !emit(StreamEvent{Type: ToolCallEnd, ToolCall: &call}) {
				return
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			if md.Delta.StopReason != "" {
				finish = anthropicFinish(string(md.Delta.StopReason))
			}

		case "message_stop":
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			acc.Process(StreamEvent{Type: StreamFinish, FinishReason: &finish, Usage: &usage})
			resp := acc.Response()
			resp.ID, resp.Model, resp.Provider = id, model, a.Name()
			send(StreamEvent{Type: StreamFinish, FinishReason: &finish, Usage: &usage, Response: resp})
			return

		case "error":
			send(StreamEvent{Type: StreamError, Error: &StreamErrorType{SDKError: SDKError{Message: "anthropic: stream error event"}}})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(StreamEvent{Type: StreamError, Error: a.translateError(err)})
		return
	}
	send(StreamEvent{Type: StreamError, Error: &StreamErrorType{SDKError: SDKError{Message: "anthropic: stream ended without message_stop"}}})
}

func (a *AnthropicAdapter) params(req Request) (anthropic.MessageNewParams, error) {
	system, messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.requestModel(req)),
		MaxTokens: int64(a.cfg.requestMaxTokens(req)),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	params.Temperature = anthropic.Float(a.cfg.requestTemperature(req))
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	if len(req.Tools) > 0 && (req.ToolChoice == nil || req.ToolChoice.Mode != "none") {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
		if req.ToolChoice != nil {
			switch req.ToolChoice.Mode {
			case "required":
				params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
			case "named":
				params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: WireToolName(req.ToolChoice.ToolName)}}
			}
		}
	}
	return params, nil
}

// toAnthropicMessages splits out the system prompt and folds consecutive
// messages of the same wire role into one, since the API requires strict
// user/assistant alternation. Tool results travel as user content.
func toAnthropicMessages(msgs []Message) (string, []anthropic.MessageParam, error) {
	var system []string
	var result []anthropic.MessageParam

	for _, msg := range msgs {
		if msg.Role == RoleSystem {
			system = append(system, msg.TextContent())
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				if part.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(part.Text))
				}
			case ContentThinking:
				if part.Thinking != nil && part.Thinking.Signature != "" {
					blocks = append(blocks, anthropic.NewThinkingBlock(part.Thinking.Signature, part.Thinking.Text))
				}
			case ContentToolCall:
				args := part.ToolCall.Arguments
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				if !json.Valid(args) {
					return "", nil, &InvalidToolCallError{SDKError: SDKError{
						Message: fmt.Sprintf("tool call %s has invalid arguments", part.ToolCall.ID),
					}}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(part.ToolCall.ID, args, WireToolName(part.ToolCall.Name)))
			case ContentToolResult:
				r := part.ToolResult
				blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if msg.Role == RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, blocks...)
			continue
		}
		if role == anthropic.MessageParamRoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		} else {
			result = append(result, anthropic.NewUserMessage(blocks...))
		}
	}
	return strings.Join(system, "\n\n"), result, nil
}

func toAnthropicTools(defs []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		raw, err := json.Marshal(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %s schema: %w", def.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: tool %s schema: %w", def.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, WireToolName(def.Name))
		if tool.OfTool == nil {
			return nil, fmt.Errorf("anthropic: tool %s: missing tool definition", def.Name)
		}
		tool.OfTool.Description = anthropic.String(def.Description)
		tools = append(tools, tool)
	}
	return tools, nil
}

func (a *AnthropicAdapter) fromMessage(msg *anthropic.Message) *Response {
	var content []ContentPart
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content = append(content, TextPart(block.Text))
		case "thinking":
			content = append(content, ThinkingPart(block.Thinking, block.Signature))
		case "tool_use":
			args := json.RawMessage(block.Input)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			content = append(content, ToolCallPart(block.ID, EngineToolName(block.Name), args))
		}
	}

	usage := Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	usage = withCacheUsage(usage, msg.Usage.CacheReadInputTokens, msg.Usage.CacheCreationInputTokens)

	return &Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Provider:     a.Name(),
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: anthropicFinish(string(msg.StopReason)),
		Usage:        usage,
	}
}

func withCacheUsage(u Usage, read, write int64) Usage {
	if read > 0 {
		v := int(read)
		u.CacheReadTokens = &v
	}
	if write > 0 {
		v := int(write)
		u.CacheWriteTokens = &v
	}
	return u
}

func anthropicFinish(raw string) FinishReason {
	switch raw {
	case "end_turn", "stop_sequence":
		return FinishReason{Reason: "stop", Raw: raw}
	case "max_tokens":
		return FinishReason{Reason: "length", Raw: raw}
	case "tool_use":
		return FinishReason{Reason: "tool_calls", Raw: raw}
	case "refusal":
		return FinishReason{Reason: "content_filter", Raw: raw}
	default:
		return FinishReason{Reason: "other", Raw: raw}
	}
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *AnthropicAdapter) translateError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		var sdkErr interface{ retryable() bool }
		if errors.As(err, &sdkErr) {
			return err
		}
		return transportError(a.Name(), err)
	}

	var payload anthropicErrorPayload
	var raw map[string]any
	if body := apiErr.RawJSON(); body != "" {
		_ = json.Unmarshal([]byte(body), &payload)
		_ = json.Unmarshal([]byte(body), &raw)
	}
	message := payload.Error.Message
	if message == "" {
		message = apiErr.Error()
	}
	return providerHTTPError(a.Name(), apiErr.StatusCode, message, payload.Error.Type, retryAfter(apiErr.Response), raw)
}

// retryAfter reads a Retry-After header given in seconds.
func retryAfter(resp *http.Response) *float64 {
	if resp == nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(resp.Header.Get("Retry-After")), 64)
	if err != nil || v < 0 {
		return nil
	}
	return &v
}
