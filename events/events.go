// Package events carries progress notifications from the turn loop and the
// execution pipeline to whoever is watching: a terminal renderer, a metrics
// consumer, a test. Emission never blocks and never affects correctness.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies the type of event.
type Kind string

const (
	KindTurnStart          Kind = "turn_start"
	KindTurnEnd            Kind = "turn_end"
	KindUserInput          Kind = "user_input"
	KindModelRequest       Kind = "model_request"
	KindModelResponse      Kind = "model_response"
	KindAssistantTextDelta Kind = "assistant_text_delta"
	KindStage              Kind = "stage"
	KindToolResult         Kind = "tool_result"
	KindLoopDetected       Kind = "loop_detected"
	KindWarning            Kind = "warning"
	KindError              Kind = "error"
)

// Event is a typed notification. Stage, Tool and CallID are set for pipeline
// events only.
type Event struct {
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Emitter delivers events to a host application via a buffered channel.
// A nil *Emitter is valid and discards everything.
type Emitter struct {
	ch        chan Event
	closed    bool
	dropped   atomic.Int64
	observers []func(Event)
	mu        sync.Mutex
}

// NewEmitter creates an Emitter with the given channel capacity.
func NewEmitter(bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Emitter{ch: make(chan Event, bufferSize)}
}

// Observe registers fn to be called synchronously for every event emitted
// before Close, including events the channel drops. fn must not block or
// call Emit.
func (e *Emitter) Observe(fn func(Event)) {
	if e == nil || fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

// Emit sends ev without blocking. Events emitted after Close, or while the
// buffer is full, are dropped.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
	}
	observers := e.observers
	e.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}

// Events returns the read side of the channel.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Dropped reports how many events were discarded because the buffer was full.
func (e *Emitter) Dropped() int64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}

// Close closes the channel. Safe to call multiple times.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
