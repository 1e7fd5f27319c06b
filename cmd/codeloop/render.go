package main

import (
	"fmt"
	"io"

	"github.com/martinemde/codeloop/agentloop"
	"github.com/martinemde/codeloop/events"
)

// renderer prints engine events: streamed text to out, tool activity to info.
type renderer struct {
	out      io.Writer
	info     io.Writer
	streamed bool
}

// consume prints events until ch is closed, then closes the returned channel.
func (r *renderer) consume(ch <-chan events.Event) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			r.render(ev)
		}
	}()
	return done
}

func (r *renderer) render(ev events.Event) {
	switch ev.Kind {
	case events.KindAssistantTextDelta:
		if delta, ok := ev.Data["delta"].(string); ok {
			r.streamed = true
			fmt.Fprint(r.out, delta)
		}
	case events.KindModelResponse:
		if r.streamed {
			fmt.Fprintln(r.out)
		}
	case events.KindToolResult:
		kind, _ := ev.Data["kind"].(string)
		line := fmt.Sprintf("● %s %s", ev.Tool, kind)
		if ms, ok := ev.Data["duration_ms"].(int64); ok {
			line += fmt.Sprintf(" (%dms)", ms)
		}
		if msg, _ := ev.Data["error"].(string); msg != "" && kind != "ok" {
			line += ": " + msg
		}
		fmt.Fprintln(r.info, line)
	case events.KindLoopDetected:
		if msg, ok := ev.Data["message"].(string); ok {
			fmt.Fprintln(r.info, "! "+msg)
		}
	}
}

// finish prints the final reply when streaming did not show all of it. Text
// deltas are dropped when the event buffer fills, so a streamed reply is
// printed again in full after any drop.
func (r *renderer) finish(res *agentloop.TurnResult, dropped int64) {
	if res.Status != agentloop.StatusCompleted {
		return
	}
	switch {
	case !r.streamed:
	case dropped > 0:
		fmt.Fprintf(r.info, "(%d events dropped; full reply follows)\n", dropped)
	default:
		return
	}
	fmt.Fprintln(r.out, res.Message)
}
