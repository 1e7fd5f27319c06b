package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/martinemde/codeloop/tools"
)

// TruncationMode specifies how oversized output is cut.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// DefaultCharLimits caps the characters of string output sent back to the
// model, per tool.
var DefaultCharLimits = map[string]int{
	"file.read":   50000,
	"shell.run":   30000,
	"search.grep": 20000,
	"search.glob": 20000,
	"file.edit":   10000,
	"file.write":  1000,
}

// DefaultTruncationModes picks which end of the output survives.
var DefaultTruncationModes = map[string]TruncationMode{
	"file.read":   TruncateHeadTail,
	"shell.run":   TruncateHeadTail,
	"search.grep": TruncateTail,
	"search.glob": TruncateTail,
	"file.edit":   TruncateTail,
	"file.write":  TruncateTail,
}

// DefaultLineLimits are applied after character truncation.
var DefaultLineLimits = map[string]int{
	"shell.run":   256,
	"search.grep": 200,
	"search.glob": 500,
}

const fallbackCharLimit = 30000

// TruncateOutput applies character-based truncation to output.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}

	removed := len(output) - maxChars
	if mode == TruncateTail {
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed.]\n\n", removed) +
			output[len(output)-maxChars:]
	}

	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
			"If you need to see specific parts, re-run the tool with more targeted parameters.]\n\n", removed) +
		output[len(output)-half:]
}

// TruncateLines keeps the first and last lines of output, maxLines in total.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// truncate runs both truncation passes for a tool. Explicit limits override
// the defaults; a limit of zero in the override map falls back to the default.
func truncate(output, tool string, charLimits, lineLimits map[string]int) string {
	maxChars := charLimits[tool]
	if maxChars == 0 {
		maxChars = DefaultCharLimits[tool]
	}
	if maxChars == 0 {
		maxChars = fallbackCharLimit
	}
	mode, ok := DefaultTruncationModes[tool]
	if !ok {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, maxChars, mode)

	maxLines := lineLimits[tool]
	if maxLines == 0 {
		maxLines = DefaultLineLimits[tool]
	}
	return TruncateLines(result, maxLines)
}

// format normalises an executor's raw return value into result data and a
// display hint.
func format(tool string, raw any, charLimits, lineLimits map[string]int) (json.RawMessage, string, error) {
	display := "text"
	if out, ok := raw.(tools.Output); ok {
		raw = out.Data
		if out.Display != "" {
			display = out.Display
		}
	}
	if out, ok := raw.(*tools.Output); ok && out != nil {
		raw = out.Data
		if out.Display != "" {
			display = out.Display
		}
	}

	switch v := raw.(type) {
	case nil:
		return json.RawMessage(`""`), display, nil
	case string:
		data, err := json.Marshal(truncate(v, tool, charLimits, lineLimits))
		return data, display, err
	case []byte:
		data, err := json.Marshal(truncate(string(v), tool, charLimits, lineLimits))
		return data, display, err
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, "", fmt.Errorf("tool returned invalid JSON")
		}
		return v, "json", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("encode tool output: %w", err)
		}
		if display == "text" {
			display = "json"
		}
		return data, display, nil
	}
}
