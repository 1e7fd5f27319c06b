package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	schemagen "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ArgumentError reports why a call's arguments do not satisfy the tool schema.
// Problems holds one "location: message" line per failing constraint.
type ArgumentError struct {
	Tool     string
	Problems []string
}

func (e *ArgumentError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "invalid arguments for %s:", e.Tool)
	for _, p := range e.Problems {
		sb.WriteString("\n- ")
		sb.WriteString(p)
	}
	return sb.String()
}

type compiledSchema struct {
	tool     string
	schema   *jsonschema.Schema
	document map[string]any
}

func compileSchema(tool string, raw json.RawMessage) (*compiledSchema, error) {
	var document map[string]any
	if err := json.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("schema is not a JSON object: %w", err)
	}
	schema, err := jsonschema.CompileString("tools/"+tool+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &compiledSchema{tool: tool, schema: schema, document: document}, nil
}

// validate decodes raw arguments, fills declared defaults for omitted
// properties, and checks the result against the schema.
func (c *compiledSchema) validate(raw []byte) (Args, error) {
	args := Args{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		var decoded any
		if err := json.Unmarshal(trimmed, &decoded); err != nil {
			return nil, &ArgumentError{Tool: c.tool, Problems: []string{"/: arguments are not valid JSON: " + err.Error()}}
		}
		obj, ok := decoded.(map[string]any)
		if !ok {
			return nil, &ArgumentError{Tool: c.tool, Problems: []string{fmt.Sprintf("/: expected an object, got %s", jsonType(decoded))}}
		}
		args = obj
	}

	applyDefaults(c.document, args)

	if err := c.schema.Validate(map[string]any(args)); err != nil {
		return nil, &ArgumentError{Tool: c.tool, Problems: describe(err)}
	}
	return args, nil
}

// applyDefaults sets schema defaults for properties missing from value,
// descending into nested objects that are present.
func applyDefaults(schema map[string]any, value map[string]any) {
	props, _ := schema["properties"].(map[string]any)
	for name, p := range props {
		prop, ok := p.(map[string]any)
		if !ok {
			continue
		}
		current, present := value[name]
		if !present {
			if def, ok := prop["default"]; ok {
				value[name] = deepCopy(def)
			}
			continue
		}
		if nested, ok := current.(map[string]any); ok {
			applyDefaults(prop, nested)
		}
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

// describe flattens a validation error tree into its leaf failures.
func describe(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	collectLeaves(ve, &out)
	if len(out) == 0 {
		out = append(out, ve.Error())
	}
	return out
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, loc+": "+ve.Message)
		return
	}
	for _, cause := range ve.Causes {
		collectLeaves(cause, out)
	}
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	default:
		return "object"
	}
}

// SchemaFor reflects a JSON Schema from an argument struct. Fields without
// omitempty are required; descriptions and defaults come from jsonschema tags.
func SchemaFor(v any) json.RawMessage {
	r := &schemagen.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(v)
	s.Version = ""
	raw, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("reflect schema for %T: %v", v, err))
	}
	return raw
}
