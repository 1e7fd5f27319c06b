package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/martinemde/codeloop/sessionlog"
)

// callSignature identifies a tool call by name and a hash of its arguments.
func callSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentSignatures returns the signatures of the last count tool calls in
// chain, oldest first.
func recentSignatures(chain []sessionlog.Record, count int) []string {
	var sigs []string
	for i := len(chain) - 1; i >= 0 && len(sigs) < count; i-- {
		rec := chain[i]
		if rec.Role != sessionlog.RoleAssistant {
			continue
		}
		calls := rec.Content.ToolCalls
		for j := len(calls) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, callSignature(calls[j].Name, calls[j].Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last window tool calls of chain repeat a
// pattern of length 1, 2 or 3.
func DetectLoop(chain []sessionlog.Record, window int) bool {
	if window <= 1 {
		return false
	}
	sigs := recentSignatures(chain, window)
	if len(sigs) < window {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if window%patternLen != 0 || patternLen == window {
			continue
		}
		if repeats(sigs, patternLen) {
			return true
		}
	}
	return false
}

func repeats(sigs []string, patternLen int) bool {
	for i := patternLen; i < len(sigs); i++ {
		if sigs[i] != sigs[i%patternLen] {
			return false
		}
	}
	return true
}
