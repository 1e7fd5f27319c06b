package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIAdapter talks to the Chat Completions API through go-openai. It also
// serves OpenAI-compatible endpoints when given a base URL.
type OpenAIAdapter struct {
	client *openai.Client
	cfg    *adapterConfig
	name   string
}

// NewOpenAIAdapter creates an adapter. The API key is required.
func NewOpenAIAdapter(opts ...AdapterOption) (*OpenAIAdapter, error) {
	cfg := newAdapterConfig(opts)
	if cfg.apiKey == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "openai: API key is required"}}
	}
	cfg.model = cfg.defaultModel("openai", "gpt-4.1")

	clientCfg := openai.DefaultConfig(cfg.apiKey)
	if strings.TrimSpace(cfg.baseURL) != "" {
		clientCfg.BaseURL = cfg.baseURL
	}
	return &OpenAIAdapter{client: openai.NewClientWithConfig(clientCfg), cfg: cfg, name: "openai"}, nil
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string { return a.name }

// Complete sends a blocking chat completion request.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	chatReq, err := a.request(req)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, a.translateError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{
			SDKError:  SDKError{Message: "openai: response has no choices"},
			Provider:  a.name,
			Retryable: true,
		}
	}

	choice := resp.Choices[0]
	var content []ContentPart
	if choice.Message.Content != "" {
		content = append(content, TextPart(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		content = append(content, ToolCallPart(tc.ID, EngineToolName(tc.Function.Name), rawArguments(tc.Function.Arguments)))
	}

	return &Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Provider:     a.name,
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: openAIFinish(string(choice.FinishReason)),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

// Stream opens a streaming chat completion. go-openai performs the HTTP
// round trip before returning, so establishment errors surface here.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	chatReq, err := a.request(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := a.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, a.translateError(err)
	}

	ch := make(chan StreamEvent, 64)
	go a.pump(ctx, stream, ch)
	return ch, nil
}

func (a *OpenAIAdapter) pump(ctx context.Context, stream *openai.ChatCompletionStream, ch chan<- StreamEvent) {
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
		id, model string
		usage     Usage
		finish    *FinishReason
		calls     = map[int]*ToolCall{}
		args      = map[int]*strings.Builder{}
	)

	if !send(StreamEvent{Type: StreamStart}) {
		return
	}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			send(StreamEvent{Type: StreamError, Error: a.translateError(err)})
			return
		}
		if id == "" {
			id, model = chunk.ID, chunk.Model
		}
		if chunk.Usage != nil {
			usage = Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" && !emit(StreamEvent{Type: TextDelta, Delta: choice.Delta.Content}) {
			return
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call, ok := calls[index]
			if !ok {
				call = &ToolCall{}
				calls[index] = call
				args[index] = &strings.Builder{}
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = EngineToolName(tc.Function.Name)
				if !emit(StreamEvent{Type: ToolCallStart, ToolCall: &ToolCall{ID: call.ID, Name: call.Name}}) {
					return
				}
			}
			if tc.Function.Arguments != "" {
				args[index].WriteString(tc.Function.Arguments)
				if !emit(StreamEvent{Type: ToolCallDelta, Delta: tc.Function.Arguments}) {
					return
				}
			}
		}
		if choice.FinishReason != "" {
			fr := openAIFinish(string(choice.FinishReason))
			finish = &fr
		}
	}

	indexes := make([]int, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		call := *calls[i]
		if call.ID == "" || call.Name == "" {
			continue
		}
		call.Arguments = rawArguments(args[i].String())
		if !emit(StreamEvent{Type: ToolCallEnd, ToolCall: &call}) {
			return
		}
	}

	acc.Process(StreamEvent{Type: StreamFinish, FinishReason: finish, Usage: &usage})
	resp := acc.Response()
	resp.ID, resp.Model, resp.Provider = id, model, a.name
	send(StreamEvent{Type: StreamFinish, FinishReason: &resp.FinishReason, Usage: &usage, Response: resp})
}

func (a *OpenAIAdapter) request(req Request) (openai.ChatCompletionRequest, error) {
	messages, err := toOpenAIMessages(req.Messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	chatReq := openai.ChatCompletionRequest{
		Model:       a.cfg.requestModel(req),
		Messages:    messages,
		MaxTokens:   a.cfg.requestMaxTokens(req),
		Temperature: float32(a.cfg.requestTemperature(req)),
		Stop:        req.StopSequences,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = make([]openai.Tool, 0, len(req.Tools))
		for _, def := range req.Tools {
			chatReq.Tools = append(chatReq.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        WireToolName(def.Name),
					Description: def.Description,
					Parameters:  def.Parameters,
				},
			})
		}
		if req.ToolChoice != nil {
			switch req.ToolChoice.Mode {
			case "auto", "none", "required":
				chatReq.ToolChoice = req.ToolChoice.Mode
			case "named":
				chatReq.ToolChoice = openai.ToolChoice{
					Type:     openai.ToolTypeFunction,
					Function: openai.ToolFunction{Name: WireToolName(req.ToolChoice.ToolName)},
				}
			}
		}
	}
	return chatReq, nil
}

func toOpenAIMessages(msgs []Message) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleSystem:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.TextContent()})
		case RoleUser:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.TextContent()})
		case RoleAssistant:
			out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.TextContent()}
			for _, tc := range msg.ToolCalls() {
				if len(tc.Arguments) > 0 && !json.Valid(tc.Arguments) {
					return nil, &InvalidToolCallError{SDKError: SDKError{Message: "tool call " + tc.ID + " has invalid arguments"}}
				}
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      WireToolName(tc.Name),
						Arguments: string(rawArguments(string(tc.Arguments))),
					},
				})
			}
			result = append(result, out)
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    part.ToolResult.Content,
					ToolCallID: part.ToolResult.ToolCallID,
				})
			}
		}
	}
	return result, nil
}

func rawArguments(s string) json.RawMessage {
	if strings.TrimSpace(s) == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

func openAIFinish(raw string) FinishReason {
	switch raw {
	case "stop":
		return FinishReason{Reason: "stop", Raw: raw}
	case "length":
		return FinishReason{Reason: "length", Raw: raw}
	case "tool_calls", "function_call":
		return FinishReason{Reason: "tool_calls", Raw: raw}
	case "content_filter":
		return FinishReason{Reason: "content_filter", Raw: raw}
	default:
		return FinishReason{Reason: "other", Raw: raw}
	}
}

func (a *OpenAIAdapter) translateError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.Type
		if s, ok := apiErr.Code.(string); ok && s != "" {
			code = s
		}
		return providerHTTPError(a.name, apiErr.HTTPStatusCode, apiErr.Message, code, nil, nil)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.Error()
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return providerHTTPError(a.name, reqErr.HTTPStatusCode, msg, "", nil, nil)
	}
	return transportError(a.name, err)
}
