// Package tools defines the contract every callable capability implements and
// the closed registry the execution pipeline resolves tool calls against.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Risk classifies what a tool can do to the workspace.
type Risk string

const (
	RiskRead  Risk = "read"
	RiskWrite Risk = "write"
	RiskExec  Risk = "exec"
)

// Mutating reports whether a tool of this risk can change state outside the
// conversation.
func (r Risk) Mutating() bool {
	return r == RiskWrite || r == RiskExec
}

// Valid reports whether r is one of the known risk classes.
func (r Risk) Valid() bool {
	switch r {
	case RiskRead, RiskWrite, RiskExec:
		return true
	}
	return false
}

// SalientKind says how the permission evaluator reads a salient argument.
type SalientKind string

const (
	// SalientText values are matched as given.
	SalientText SalientKind = ""
	// SalientPath values are resolved against the working directory and
	// cleaned before matching.
	SalientPath SalientKind = "path"
	// SalientCommand values are shell command lines, matched per simple
	// command.
	SalientCommand SalientKind = "command"
)

// Args holds validated tool arguments, keyed by parameter name. Values have the
// shapes produced by encoding/json (float64 numbers, []any, map[string]any).
type Args map[string]any

// String extracts a string argument.
func (a Args) String(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int extracts an integer argument.
func (a Args) Int(key string) (int, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// Bool extracts a boolean argument.
func (a Args) Bool(key string) (bool, bool) {
	v, ok := a[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Decode copies the arguments into a typed struct through their JSON form.
func (a Args) Decode(v any) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Executor runs a tool with validated arguments. The returned value is either a
// string, an Output, or any JSON-encodable value.
type Executor func(ctx context.Context, args Args) (any, error)

// Output is an executor result that carries a rendering hint for the caller.
type Output struct {
	Data    any
	Display string
}

// Tool is the declared interface of a callable capability.
type Tool struct {
	Name        string
	Description string
	// Schema is a JSON Schema object describing the tool parameters.
	Schema json.RawMessage
	Risk   Risk
	// SalientArg names the argument that identifies what a call touches
	// (a path, a command). Permission rules match against its value.
	SalientArg  string
	SalientKind SalientKind
	Run         Executor
}

// Salient returns the string form of the tool's salient argument, or "" when
// the tool declares none or the call omits it.
func (t *Tool) Salient(args Args) string {
	if t.SalientArg == "" {
		return ""
	}
	v, ok := args[t.SalientArg]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprint(s)
	}
}

// Parameters returns the schema decoded into a map, the form provider SDKs
// expect for function declarations.
func (t *Tool) Parameters() map[string]any {
	var params map[string]any
	if err := json.Unmarshal(t.Schema, &params); err != nil || params == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return params
}
