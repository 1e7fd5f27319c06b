// Package unifiedllm is the chat provider layer of codeloop. It presents one
// request/response model over several LLM backends so the turn loop never
// sees provider wire formats.
//
// # Layers
//
//   - Adapters: ProviderAdapter implementations. AnthropicAdapter and
//     OpenAIAdapter use the official SDKs; GollmAdapter covers the remaining
//     providers gollm (github.com/teilomillet/gollm) knows.
//   - Utilities: error classification, Retry with exponential backoff, and
//     the tool-name codec (WireToolName / EngineToolName).
//   - Client: provider routing, middleware and retries.
//
// # Usage
//
//	client := unifiedllm.NewClientFromEnv()
//	ch, err := client.Stream(ctx, unifiedllm.Request{
//	    Model:    "sonnet",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	if err != nil {
//	    return err
//	}
//	resp, err := unifiedllm.Collect(ctx, ch, nil)
//
// # Errors
//
// Adapters return the typed errors in errors.go. IsRetryable decides whether
// Client retries: rate limits, 5xx responses and network failures are
// retried; authentication, invalid requests and cancellation are not. Only
// stream establishment is retried. A failure after the first event arrives
// as a StreamError event.
//
// # Model Catalog
//
//	info := unifiedllm.GetModelInfo("sonnet")
//	models := unifiedllm.ListModels("anthropic")
//	latest := unifiedllm.GetLatestModel("openai", "reasoning")
package unifiedllm
