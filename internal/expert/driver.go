// Package expert implements the streaming conversation driver that
// interleaves chat completions with tool execution under bounded rounds.
package expert

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"chorus/internal/broker"
	"chorus/internal/llm"
)

// Chunk types emitted by the driver.
const (
	ChunkContent    = "content"
	ChunkToolStream = "tool_stream"
	ChunkError      = "error"
)

// Chunk is one upstream streaming unit.
type Chunk struct {
	Type       string
	Data       string
	ToolName   string
	ToolCallID string
}

// JSON renders the chunk in the upstream wire shape.
func (c Chunk) JSON() string {
	var payload any
	switch c.Type {
	case ChunkToolStream:
		payload = map[string]string{
			"type":         ChunkToolStream,
			"tool_name":    c.ToolName,
			"tool_call_id": c.ToolCallID,
			"content":      c.Data,
		}
	default:
		payload = map[string]string{"type": c.Type, "data": c.Data}
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

// ToolBroker is the slice of the tool broker the driver needs.
type ToolBroker interface {
	Tools() []llm.ToolSchema
	Execute(ctx context.Context, calls []llm.ToolCall) <-chan broker.Event
}

// Limits bound a conversation turn.
type Limits struct {
	MaxRounds              int
	SummaryInterval        int
	SummaryLengthThreshold int
}

// Hooks receive driver side effects; any field may be nil.
type Hooks struct {
	OnConversationStart func(conversationID string)
	OnConversationEnd   func(conversationID string)
	OnToolCalls         func(calls []llm.ToolCall)
	OnToolResult        func(msg llm.Message)
	OnStopped           func(reason string)
}

// Driver owns one request's transcript and drives the
// chat-completion / tool-execution loop. One Driver serves one request.
type Driver struct {
	llmc           llm.Streamer
	tools          ToolBroker
	summarizer     *Summarizer
	limits         Limits
	request        llm.Request
	conversationID string
	hooks          Hooks

	messages []llm.Message

	aborted atomic.Bool
	cancel  atomic.Value // context.CancelFunc of the active stream
}

// NewDriver builds a driver over the initial transcript. The request carries
// the model parameters; its message and tool fields are filled per call.
func NewDriver(llmc llm.Streamer, tools ToolBroker, summarizer *Summarizer,
	initial []llm.Message, request llm.Request, limits Limits, conversationID string, hooks Hooks) *Driver {
	msgs := make([]llm.Message, len(initial))
	copy(msgs, initial)
	return &Driver{
		llmc:           llmc,
		tools:          tools,
		summarizer:     summarizer,
		limits:         limits,
		request:        request,
		conversationID: conversationID,
		hooks:          hooks,
		messages:       msgs,
	}
}

// Messages returns a copy of the transcript.
func (d *Driver) Messages() []llm.Message {
	out := make([]llm.Message, len(d.messages))
	copy(out, d.messages)
	return out
}

// Abort stops the turn: the loop exits at the next chunk boundary and the
// active chat-completion stream is cancelled. Idempotent. In-flight tool
// streams are not force-killed; their chunks are simply no longer forwarded.
func (d *Driver) Abort() {
	if d.aborted.Swap(true) {
		return
	}
	if cancel, ok := d.cancel.Load().(context.CancelFunc); ok && cancel != nil {
		cancel()
	}
	log.Info().Str("conversation_id", d.conversationID).Msg("conversation_aborted")
}

// Run drives the turn and streams chunks until it completes, errors out,
// is aborted or hits the round bound. The channel is closed at end of turn.
func (d *Driver) Run(ctx context.Context) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		d.run(ctx, out)
		if d.hooks.OnConversationEnd != nil {
			d.hooks.OnConversationEnd(d.conversationID)
		}
	}()
	return out
}

func (d *Driver) run(ctx context.Context, out chan<- Chunk) {
	if d.hooks.OnConversationStart != nil {
		d.hooks.OnConversationStart(d.conversationID)
	}

	round := 0
	for {
		if d.stopRequested(ctx) {
			return
		}
		if round >= d.limits.MaxRounds {
			log.Warn().Int("max_rounds", d.limits.MaxRounds).
				Str("conversation_id", d.conversationID).Msg("round_bound_reached")
			return
		}

		// A round is one chat completion plus the execution of whatever
		// tool calls it produced. A transcript already ending in pending
		// tool calls goes straight to the execution half.
		if !d.lastHasPendingToolCalls() {
			if err := d.chatPhase(ctx, out); err != nil {
				if d.stopRequested(ctx) {
					return
				}
				d.send(ctx, out, Chunk{Type: ChunkError, Data: err.Error()})
				return
			}
			if d.stopRequested(ctx) {
				return
			}
			if !d.lastHasPendingToolCalls() {
				return // no tool calls: the turn is complete
			}
		}

		stopped := d.toolPhase(ctx, out)
		if stopped || d.stopRequested(ctx) {
			return
		}

		if round+1 >= d.limits.SummaryInterval || d.transcriptBytes() >= d.limits.SummaryLengthThreshold {
			if replacement := d.summarizer.Summarize(ctx, d.messages, d.conversationID, func(c Chunk) {
				d.send(ctx, out, c)
			}); replacement != nil {
				d.messages = replacement
				round = 0
				continue
			}
		}
		round++
	}
}

func (d *Driver) stopRequested(ctx context.Context) bool {
	return d.aborted.Load() || ctx.Err() != nil
}

func (d *Driver) lastHasPendingToolCalls() bool {
	if len(d.messages) == 0 {
		return false
	}
	return d.messages[len(d.messages)-1].HasPendingToolCalls()
}

// transcriptBytes approximates the transcript size by content and argument
// lengths.
func (d *Driver) transcriptBytes() int {
	total := 0
	for _, m := range d.messages {
		total += len(m.Content)
		for _, tc := range m.ToolCalls {
			total += len(tc.Arguments)
		}
	}
	return total
}

// chatPhase issues one streaming completion, forwards content deltas and
// appends the resulting assistant message.
func (d *Driver) chatPhase(ctx context.Context, out chan<- Chunk) error {
	streamCtx, cancel := context.WithCancel(ctx)
	d.cancel.Store(cancel)
	defer cancel()

	req := d.request
	req.Messages = d.messages
	req.Tools = d.tools.Tools()

	msg, err := d.llmc.ChatStream(streamCtx, req, func(delta string) {
		if !d.aborted.Load() {
			d.send(streamCtx, out, Chunk{Type: ChunkContent, Data: delta})
		}
	})
	if err != nil {
		return fmt.Errorf("chat completion: %w", err)
	}
	if msg.Content != "" || len(msg.ToolCalls) > 0 {
		d.messages = append(d.messages, msg)
	}
	return nil
}

// toolPhase executes the last assistant message's tool calls, forwarding
// non-final events as tool_stream chunks and appending one tool message per
// final event. Returns true when the stop sentinel ends the turn.
func (d *Driver) toolPhase(ctx context.Context, out chan<- Chunk) bool {
	calls := d.messages[len(d.messages)-1].ToolCalls

	for _, call := range calls {
		if call.Name == "stop_conversation" {
			log.Info().Str("conversation_id", d.conversationID).Msg("stop_conversation_requested")
			if d.hooks.OnStopped != nil {
				d.hooks.OnStopped("stop requested by model")
			}
			return true
		}
	}

	for _, call := range calls {
		d.send(ctx, out, Chunk{Type: ChunkContent, Data: toolCallMarkdown(call)})
	}
	if d.hooks.OnToolCalls != nil {
		d.hooks.OnToolCalls(calls)
	}

	var results []llm.Message
	for event := range d.tools.Execute(ctx, calls) {
		if event.Final {
			msg := llm.Message{
				Role:       "tool",
				ToolCallID: event.ToolCallID,
				Name:       event.ToolName,
				Content:    event.Content,
			}
			results = append(results, msg)
			if d.hooks.OnToolResult != nil {
				d.hooks.OnToolResult(msg)
			}
			continue
		}
		if !d.aborted.Load() {
			d.send(ctx, out, Chunk{
				Type:       ChunkToolStream,
				ToolName:   event.ToolName,
				ToolCallID: event.ToolCallID,
				Data:       event.Content,
			})
		}
	}

	d.messages = append(d.messages, results...)

	for _, res := range results {
		d.send(ctx, out, Chunk{Type: ChunkContent,
			Data: fmt.Sprintf("\n**Tool finished**: `%s` (%d characters)\n", res.Name, len(res.Content))})
	}
	if len(results) > 0 {
		d.send(ctx, out, Chunk{Type: ChunkContent,
			Data: fmt.Sprintf("\n**All tools finished** (%d total)\n\n---\n", len(results))})
	}
	return false
}

func (d *Driver) send(ctx context.Context, out chan<- Chunk, c Chunk) {
	select {
	case out <- c:
	case <-ctx.Done():
	}
}

// toolCallMarkdown frames one tool invocation for human readers.
func toolCallMarkdown(call llm.ToolCall) string {
	var args strings.Builder
	var parsed map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &parsed); err == nil {
		for k, v := range parsed {
			fmt.Fprintf(&args, "  - **%s**: %v\n", k, v)
		}
	} else {
		fmt.Fprintf(&args, "  - %s\n", call.Arguments)
	}
	return fmt.Sprintf("\n**Invoking tool**: `%s`\n\n**Arguments**:\n%s", call.Name, args.String())
}
