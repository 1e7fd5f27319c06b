package unifiedllm

import "strings"

// Provider APIs restrict tool names to [A-Za-z0-9_-]. Engine tool names use
// dots as namespace separators, so they travel as double underscores.
const wireSeparator = "__"

// WireToolName encodes an engine tool name for a provider API.
func WireToolName(name string) string {
	return strings.ReplaceAll(name, ".", wireSeparator)
}

// EngineToolName decodes a tool name received from a provider API.
func EngineToolName(name string) string {
	return strings.ReplaceAll(name, wireSeparator, ".")
}
