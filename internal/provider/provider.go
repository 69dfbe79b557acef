// Package provider holds helpers shared by the backend adapters.
package provider

import (
	"context"
	"strings"

	"github.com/polyrelay/polyrelay/internal/domain"
)

// MatchModel reports whether model matches any pattern. A pattern matches on
// string equality, or by prefix when it ends with a trailing '*'
// (e.g. "gpt-5*").
func MatchModel(model string, patterns []string) bool {
	for _, p := range patterns {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(model, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if p == model {
			return true
		}
	}
	return false
}

// Emitter serializes a backend's raw deltas into the canonical event
// sequence, opening and closing content blocks as the delta kind changes so
// every consumer sees a well-formed block lifecycle.
type Emitter struct {
	ctx       context.Context
	ch        chan<- domain.StreamEvent
	open      bool
	current   domain.BlockKind
	sawTool   bool
	abandoned bool
}

// NewEmitter wraps ch. The caller owns closing the channel. Sends stop once
// ctx ends so a reader goroutine never blocks on a consumer that has gone
// away.
func NewEmitter(ctx context.Context, ch chan<- domain.StreamEvent) *Emitter {
	return &Emitter{ctx: ctx, ch: ch}
}

// Abandoned reports whether the consumer stopped listening. Readers should
// stop decoding once this turns true.
func (e *Emitter) Abandoned() bool {
	if e.abandoned {
		return true
	}
	if e.ctx.Err() != nil {
		e.abandoned = true
	}
	return e.abandoned
}

func (e *Emitter) send(ev domain.StreamEvent) {
	if e.abandoned {
		return
	}
	select {
	case e.ch <- ev:
	case <-e.ctx.Done():
		e.abandoned = true
	}
}

// Start emits message_start.
func (e *Emitter) Start(id, model string) {
	e.send(domain.StreamEvent{Kind: domain.EventMessageStart, ID: id, Model: model})
}

// Text emits a plain content delta, transitioning blocks as needed.
func (e *Emitter) Text(delta string) {
	if delta == "" {
		return
	}
	e.ensure(domain.BlockText)
	e.send(domain.StreamEvent{Kind: domain.EventBlockDelta, Block: domain.BlockText, Delta: delta})
}

// Reasoning emits a reasoning/thinking delta with an optional signature.
func (e *Emitter) Reasoning(delta, signature string) {
	if delta == "" && signature == "" {
		return
	}
	e.ensure(domain.BlockReasoning)
	e.send(domain.StreamEvent{Kind: domain.EventBlockDelta, Block: domain.BlockReasoning, Delta: delta, Signature: signature})
}

// ToolCall emits a complete tool invocation as its own block.
func (e *Emitter) ToolCall(tc domain.ToolCall) {
	e.closeOpen()
	e.sawTool = true
	e.send(domain.StreamEvent{Kind: domain.EventBlockStart, Block: domain.BlockToolCall, ToolCall: &tc})
	e.send(domain.StreamEvent{Kind: domain.EventBlockDelta, Block: domain.BlockToolCall, Delta: tc.Arguments, ToolCall: &tc})
	e.send(domain.StreamEvent{Kind: domain.EventBlockStop, Block: domain.BlockToolCall})
}

// Finish closes any open block and emits message_delta then message_stop.
// An empty finishReason defaults to tool_calls when a tool block was
// emitted, else stop.
func (e *Emitter) Finish(finishReason string, usage *domain.Usage) {
	e.closeOpen()
	if finishReason == "" {
		finishReason = "stop"
		if e.sawTool {
			finishReason = "tool_calls"
		}
	}
	e.send(domain.StreamEvent{Kind: domain.EventMessageDelta, FinishReason: finishReason, Usage: usage})
	e.send(domain.StreamEvent{Kind: domain.EventMessageStop})
}

// Usage emits a standalone usage event mid-stream.
func (e *Emitter) Usage(u domain.Usage) {
	e.send(domain.StreamEvent{Kind: domain.EventUsage, Usage: &u})
}

// Error closes any open block and emits a terminal error event.
func (e *Emitter) Error(err error) {
	e.closeOpen()
	e.send(domain.StreamEvent{Err: err})
}

// SawToolCall reports whether any tool block was emitted.
func (e *Emitter) SawToolCall() bool { return e.sawTool }

func (e *Emitter) ensure(kind domain.BlockKind) {
	if e.open && e.current == kind {
		return
	}
	e.closeOpen()
	e.send(domain.StreamEvent{Kind: domain.EventBlockStart, Block: kind})
	e.open = true
	e.current = kind
}

func (e *Emitter) closeOpen() {
	if !e.open {
		return
	}
	e.send(domain.StreamEvent{Kind: domain.EventBlockStop, Block: e.current})
	e.open = false
}
