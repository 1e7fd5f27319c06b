package agentloop

import (
	"encoding/json"
	"slices"

	"github.com/martinemde/codeloop/pipeline"
	"github.com/martinemde/codeloop/sessionlog"
	"github.com/martinemde/codeloop/unifiedllm"
)

// interruptedResult is what the model sees for a tool call whose turn ended
// before its result was recorded.
const interruptedResult = "Tool call interrupted before it returned a result."

// historyToMessages converts a root-to-leaf record chain into the messages
// sent to the model. Stop markers are skipped. A tool call left without a
// result gets an interrupted error result, since providers reject a
// conversation that leaves a call unanswered.
func historyToMessages(chain []sessionlog.Record) []unifiedllm.Message {
	messages := make([]unifiedllm.Message, 0, len(chain))
	var pending []sessionlog.ToolCall
	flush := func() {
		for _, tc := range pending {
			messages = append(messages, unifiedllm.ToolResultMessage(tc.ID, tc.Name, interruptedResult, true))
		}
		pending = nil
	}

	for _, rec := range chain {
		if rec.IsMarker() {
			continue
		}
		switch rec.Role {
		case sessionlog.RoleUser:
			flush()
			messages = append(messages, unifiedllm.UserMessage(rec.Content.Text))

		case sessionlog.RoleAssistant:
			flush()
			msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
			if rec.Content.Text != "" {
				msg.Content = append(msg.Content, unifiedllm.TextPart(rec.Content.Text))
			}
			for _, tc := range rec.Content.ToolCalls {
				msg.Content = append(msg.Content, unifiedllm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
			}
			if len(msg.Content) == 0 {
				continue
			}
			messages = append(messages, msg)
			pending = append(pending, rec.Content.ToolCalls...)

		case sessionlog.RoleTool:
			tr := rec.Content.ToolResult
			if tr == nil {
				continue
			}
			pending = slices.DeleteFunc(pending, func(tc sessionlog.ToolCall) bool { return tc.ID == tr.CallID })
			messages = append(messages,
				unifiedllm.ToolResultMessage(tr.CallID, tr.Tool, toolResultContent(tr), !tr.Success))
		}
	}
	flush()
	return messages
}

// unansweredCalls returns the calls of the last assistant record in chain
// that no later tool record answers. A user record after it means none.
func unansweredCalls(chain []sessionlog.Record) []sessionlog.ToolCall {
	answered := make(map[string]bool)
	for i := len(chain) - 1; i >= 0; i-- {
		rec := chain[i]
		switch {
		case rec.IsMarker():
		case rec.Role == sessionlog.RoleTool:
			if tr := rec.Content.ToolResult; tr != nil {
				answered[tr.CallID] = true
			}
		case rec.Role == sessionlog.RoleAssistant:
			var missing []sessionlog.ToolCall
			for _, tc := range rec.Content.ToolCalls {
				if !answered[tc.ID] {
					missing = append(missing, tc)
				}
			}
			return missing
		default:
			return nil
		}
	}
	return nil
}

func interruptedRecord(tc sessionlog.ToolCall) sessionlog.Record {
	return toolRecord(pipeline.Result{
		CallID: tc.ID,
		Tool:   tc.Name,
		Kind:   pipeline.KindCancelled,
		Error:  interruptedResult,
		Stage:  pipeline.StageExecute,
	})
}

// toolResultContent is the text the model sees for a stored tool result.
func toolResultContent(tr *sessionlog.ToolResult) string {
	if !tr.Success {
		if tr.Error != "" {
			return tr.Error
		}
		return tr.Kind
	}
	var s string
	if err := json.Unmarshal(tr.Data, &s); err == nil {
		return s
	}
	return string(tr.Data)
}

func toolRecord(res pipeline.Result) sessionlog.Record {
	return sessionlog.Record{
		Role: sessionlog.RoleTool,
		Content: sessionlog.Content{ToolResult: &sessionlog.ToolResult{
			CallID:  res.CallID,
			Tool:    res.Tool,
			Kind:    string(res.Kind),
			Success: res.Success,
			Data:    res.Data,
			Error:   res.Error,
			Display: res.Display,
		}},
	}
}

func assistantRecord(resp *unifiedllm.Response, branch string) sessionlog.Record {
	rec := sessionlog.Record{
		Role:      sessionlog.RoleAssistant,
		Content:   sessionlog.Content{Text: resp.Text()},
		Usage:     usageOf(resp.Usage),
		GitBranch: branch,
	}
	for _, tc := range resp.ToolCallsFromResponse() {
		rec.Content.ToolCalls = append(rec.Content.ToolCalls, sessionlog.ToolCall{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		})
	}
	return rec
}

func markerRecord(stop, reason string) sessionlog.Record {
	return sessionlog.Record{
		Role:    sessionlog.RoleAssistant,
		Content: sessionlog.Content{Stop: stop, Reason: reason},
	}
}

func usageOf(u unifiedllm.Usage) *sessionlog.Usage {
	u = withTotal(u)
	return &sessionlog.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens, TotalTokens: u.TotalTokens}
}

// withTotal fills TotalTokens for providers that report only the parts.
func withTotal(u unifiedllm.Usage) unifiedllm.Usage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}
