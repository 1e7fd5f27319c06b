package unifiedllm

import "github.com/teilomillet/gollm"

// AdapterOption configures a provider adapter.
type AdapterOption func(*adapterConfig)

type adapterConfig struct {
	apiKey      string
	model       string
	baseURL     string
	maxTokens   int
	temperature float64
	gollmOpts   []gollm.ConfigOption
}

func newAdapterConfig(opts []AdapterOption) *adapterConfig {
	cfg := &adapterConfig{
		maxTokens:   8192,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithAPIKey sets the API key for the adapter.
func WithAPIKey(key string) AdapterOption {
	return func(c *adapterConfig) {
		c.apiKey = key
	}
}

// WithModel sets the default model for the adapter.
func WithModel(model string) AdapterOption {
	return func(c *adapterConfig) {
		c.model = model
	}
}

// WithBaseURL points the adapter at a different API endpoint.
func WithBaseURL(url string) AdapterOption {
	return func(c *adapterConfig) {
		c.baseURL = url
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) AdapterOption {
	return func(c *adapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) AdapterOption {
	return func(c *adapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options. Only the gollm
// adapter reads them.
func WithGollmOptions(opts ...gollm.ConfigOption) AdapterOption {
	return func(c *adapterConfig) {
		c.gollmOpts = append(c.gollmOpts, opts...)
	}
}

// defaultModel picks the configured model, then the newest catalog entry for
// the provider, then fallback.
func (c *adapterConfig) defaultModel(provider, fallback string) string {
	if c.model != "" {
		return c.model
	}
	if info := GetLatestModel(provider, ""); info != nil {
		return info.ID
	}
	return fallback
}

func (c *adapterConfig) requestModel(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.model
}

func (c *adapterConfig) requestMaxTokens(req Request) int {
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		return *req.MaxTokens
	}
	return c.maxTokens
}

func (c *adapterConfig) requestTemperature(req Request) float64 {
	if req.Temperature != nil {
		return *req.Temperature
	}
	return c.temperature
}
