package expert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/internal/broker"
	"chorus/internal/llm"
)

/* ── fakes ── */

type scriptedTurn struct {
	deltas []string
	msg    llm.Message
	err    error
}

// fakeStreamer pops one scripted turn per ChatStream call and records every
// request it sees.
type fakeStreamer struct {
	mu       sync.Mutex
	turns    []scriptedTurn
	requests []llm.Request
}

func (f *fakeStreamer) ChatStream(ctx context.Context, req llm.Request, onDelta func(string)) (llm.Message, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	if len(f.turns) == 0 {
		f.mu.Unlock()
		return llm.Message{Role: "assistant"}, nil
	}
	turn := f.turns[0]
	f.turns = f.turns[1:]
	f.mu.Unlock()

	if turn.err != nil {
		return llm.Message{}, turn.err
	}
	for _, d := range turn.deltas {
		if onDelta != nil {
			onDelta(d)
		}
	}
	return turn.msg, nil
}

func (f *fakeStreamer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// fakeBroker streams scripted chunks per tool name, mirroring the real
// broker's event contract.
type fakeBroker struct {
	chunks map[string][]string
}

func (f *fakeBroker) Tools() []llm.ToolSchema { return nil }

func (f *fakeBroker) Execute(ctx context.Context, calls []llm.ToolCall) <-chan broker.Event {
	out := make(chan broker.Event)
	go func() {
		defer close(out)
		for _, call := range calls {
			var accumulated string
			for _, chunk := range f.chunks[call.Name] {
				accumulated += chunk
				out <- broker.Event{ToolCallID: call.ID, ToolName: call.Name, Content: chunk}
			}
			out <- broker.Event{ToolCallID: call.ID, ToolName: call.Name, Content: accumulated, Final: true}
		}
	}()
	return out
}

func assistant(content string, calls ...llm.ToolCall) llm.Message {
	return llm.Message{Role: "assistant", Content: content, ToolCalls: calls}
}

func baseMessages() []llm.Message {
	return []llm.Message{
		{Role: "system", Content: "you are helpful"},
		{Role: "user", Content: "what is 2+2"},
	}
}

func newTestDriver(streamer llm.Streamer, tools ToolBroker, limits Limits) *Driver {
	summarizer := NewSummarizer(streamer, "test-model", 0.3, 1000, "", "")
	return NewDriver(streamer, tools, summarizer, baseMessages(),
		llm.Request{Model: "test-model"}, limits, "conv-test", Hooks{})
}

func runChunks(t *testing.T, d *Driver) []Chunk {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var chunks []Chunk
	for c := range d.Run(ctx) {
		chunks = append(chunks, c)
	}
	return chunks
}

func contentOf(chunks []Chunk) string {
	var s string
	for _, c := range chunks {
		if c.Type == ChunkContent {
			s += c.Data
		}
	}
	return s
}

func toolStreamsOf(chunks []Chunk) []Chunk {
	var out []Chunk
	for _, c := range chunks {
		if c.Type == ChunkToolStream {
			out = append(out, c)
		}
	}
	return out
}

func defaultLimits() Limits {
	return Limits{MaxRounds: 25, SummaryInterval: 5, SummaryLengthThreshold: 30000}
}

/* ── scenarios ── */

func TestSingleRoundNoTools(t *testing.T) {
	streamer := &fakeStreamer{turns: []scriptedTurn{
		{deltas: []string{"4"}, msg: assistant("4")},
	}}
	d := newTestDriver(streamer, &fakeBroker{}, defaultLimits())

	chunks := runChunks(t, d)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkContent, chunks[0].Type)
	assert.Equal(t, "4", chunks[0].Data)
	assert.Len(t, d.Messages(), 3)
	assert.Equal(t, 1, streamer.calls())
}

func TestTwoToolCallsThenAnswer(t *testing.T) {
	streamer := &fakeStreamer{turns: []scriptedTurn{
		{msg: assistant("",
			llm.ToolCall{ID: "a", Name: "P_foo", Arguments: "{}"},
			llm.ToolCall{ID: "b", Name: "P_bar", Arguments: "{}"})},
		{deltas: []string{"done"}, msg: assistant("done")},
	}}
	tools := &fakeBroker{chunks: map[string][]string{
		"P_foo": {"x", "y"},
		"P_bar": {"1"},
	}}
	d := newTestDriver(streamer, tools, defaultLimits())

	chunks := runChunks(t, d)

	streams := toolStreamsOf(chunks)
	require.Len(t, streams, 3)
	assert.Equal(t, "a", streams[0].ToolCallID)
	assert.Equal(t, "x", streams[0].Data)
	assert.Equal(t, "y", streams[1].Data)
	assert.Equal(t, "b", streams[2].ToolCallID)
	assert.Equal(t, "1", streams[2].Data)
	assert.Contains(t, contentOf(chunks), "done")

	msgs := d.Messages()
	require.Len(t, msgs, 6)
	assert.True(t, msgs[2].HasPendingToolCalls())
	assert.Equal(t, "tool", msgs[3].Role)
	assert.Equal(t, "a", msgs[3].ToolCallID)
	assert.Equal(t, "xy", msgs[3].Content)
	assert.Equal(t, "tool", msgs[4].Role)
	assert.Equal(t, "b", msgs[4].ToolCallID)
	assert.Equal(t, "1", msgs[4].Content)
	assert.Equal(t, "done", msgs[5].Content)
}

func TestToolResultOrderingMatchesCallOrder(t *testing.T) {
	streamer := &fakeStreamer{turns: []scriptedTurn{
		{msg: assistant("",
			llm.ToolCall{ID: "c1", Name: "P_one", Arguments: "{}"},
			llm.ToolCall{ID: "c2", Name: "P_two", Arguments: "{}"},
			llm.ToolCall{ID: "c3", Name: "P_three", Arguments: "{}"})},
		{msg: assistant("ok")},
	}}
	tools := &fakeBroker{chunks: map[string][]string{
		"P_one": {"1"}, "P_two": {"2"}, "P_three": {"3"},
	}}
	d := newTestDriver(streamer, tools, defaultLimits())
	runChunks(t, d)

	msgs := d.Messages()
	var toolMsgs []llm.Message
	for _, m := range msgs {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	require.Len(t, toolMsgs, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"},
		[]string{toolMsgs[0].ToolCallID, toolMsgs[1].ToolCallID, toolMsgs[2].ToolCallID})
}

func TestSummaryAtInterval(t *testing.T) {
	call := func(id string) llm.ToolCall {
		return llm.ToolCall{ID: id, Name: "P_tool", Arguments: "{}"}
	}
	streamer := &fakeStreamer{turns: []scriptedTurn{
		{msg: assistant("", call("r1"))},           // round 1 chat
		{msg: assistant("", call("r2"))},           // round 2 chat
		{msg: assistant("condensed progress")},     // summarizer sub-call
		{deltas: []string{"done"}, msg: assistant("done")}, // post-summary chat
	}}
	tools := &fakeBroker{chunks: map[string][]string{"P_tool": {"out"}}}
	d := newTestDriver(streamer, tools, Limits{MaxRounds: 10, SummaryInterval: 2, SummaryLengthThreshold: 30000})

	runChunks(t, d)

	require.Equal(t, 4, streamer.calls())
	// The post-summary completion must see the replaced transcript:
	// [system, first user, assistant(summary)].
	final := streamer.requests[3]
	require.Len(t, final.Messages, 3)
	assert.Equal(t, "system", final.Messages[0].Role)
	assert.Equal(t, "user", final.Messages[1].Role)
	assert.Equal(t, "assistant", final.Messages[2].Role)
	assert.Contains(t, final.Messages[2].Content, "condensed progress")
	// Strictly smaller than the pre-summary transcript (system, user,
	// assistant+tool per round).
	assert.Less(t, len(final.Messages), 6)
}

func TestSummaryTriggeredByTranscriptSize(t *testing.T) {
	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'x'
	}
	streamer := &fakeStreamer{turns: []scriptedTurn{
		{msg: assistant("", llm.ToolCall{ID: "a", Name: "P_big", Arguments: "{}"})},
		{msg: assistant("short summary")}, // summarizer sub-call
		{msg: assistant("done")},
	}}
	tools := &fakeBroker{chunks: map[string][]string{"P_big": {string(big)}}}
	d := newTestDriver(streamer, tools, Limits{MaxRounds: 10, SummaryInterval: 100, SummaryLengthThreshold: 1024})

	runChunks(t, d)
	require.Equal(t, 3, streamer.calls())
	final := streamer.requests[2]
	assert.Contains(t, final.Messages[len(final.Messages)-1].Content, "short summary")
}

func TestSummaryFailureKeepsTranscript(t *testing.T) {
	streamer := &fakeStreamer{turns: []scriptedTurn{
		{msg: assistant("", llm.ToolCall{ID: "a", Name: "P_t", Arguments: "{}"})},
		{err: errors.New("summarizer unavailable")}, // summarizer sub-call fails
		{msg: assistant("done")},
	}}
	tools := &fakeBroker{chunks: map[string][]string{"P_t": {"out"}}}
	d := newTestDriver(streamer, tools, Limits{MaxRounds: 10, SummaryInterval: 1, SummaryLengthThreshold: 30000})

	chunks := runChunks(t, d)
	// The turn still completes; no error chunk is surfaced for summary failures.
	for _, c := range chunks {
		assert.NotEqual(t, ChunkError, c.Type)
	}
	msgs := d.Messages()
	// Original transcript retained: system, user, assistant(tool), tool, assistant.
	require.Len(t, msgs, 5)
	assert.Equal(t, "done", msgs[4].Content)
}

func TestStopSentinelEndsTurnWithoutExecution(t *testing.T) {
	streamer := &fakeStreamer{turns: []scriptedTurn{
		{msg: assistant("", llm.ToolCall{ID: "s", Name: "stop_conversation", Arguments: "{}"})},
	}}
	stopped := false
	d := NewDriver(streamer, &fakeBroker{}, NewSummarizer(streamer, "m", 0.3, 100, "", ""),
		baseMessages(), llm.Request{Model: "m"}, defaultLimits(), "conv",
		Hooks{OnStopped: func(string) { stopped = true }})

	chunks := runChunks(t, d)
	assert.True(t, stopped)
	assert.Empty(t, toolStreamsOf(chunks))

	msgs := d.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "assistant", msgs[2].Role)
	for _, m := range msgs {
		assert.NotEqual(t, "tool", m.Role)
	}
}

func TestRoundBound(t *testing.T) {
	// The model asks for a tool every round; the driver must stop after
	// MaxRounds chat completions.
	turns := make([]scriptedTurn, 0, 20)
	for i := 0; i < 20; i++ {
		turns = append(turns, scriptedTurn{msg: assistant("", llm.ToolCall{ID: "x", Name: "P_t", Arguments: "{}"})})
	}
	streamer := &fakeStreamer{turns: turns}
	tools := &fakeBroker{chunks: map[string][]string{"P_t": {"out"}}}
	d := newTestDriver(streamer, tools, Limits{MaxRounds: 3, SummaryInterval: 100, SummaryLengthThreshold: 1 << 30})

	runChunks(t, d)
	assert.Equal(t, 3, streamer.calls())
}

func TestLLMErrorSurfacesAsErrorChunk(t *testing.T) {
	streamer := &fakeStreamer{turns: []scriptedTurn{
		{err: errors.New("socket reset")},
	}}
	d := newTestDriver(streamer, &fakeBroker{}, defaultLimits())

	chunks := runChunks(t, d)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkError, chunks[0].Type)
	assert.Contains(t, chunks[0].Data, "socket reset")
}

func TestToolErrorContinuesLoop(t *testing.T) {
	streamer := &fakeStreamer{turns: []scriptedTurn{
		{msg: assistant("", llm.ToolCall{ID: "a", Name: "P_fail", Arguments: "{}"})},
		{deltas: []string{"recovered"}, msg: assistant("recovered")},
	}}
	// An erroring broker still emits a final event with IsError; model this
	// with the real broker contract.
	tools := &errorBroker{}
	d := newTestDriver(streamer, tools, defaultLimits())

	chunks := runChunks(t, d)
	assert.Contains(t, contentOf(chunks), "recovered")

	msgs := d.Messages()
	var toolMsg *llm.Message
	for i := range msgs {
		if msgs[i].Role == "tool" {
			toolMsg = &msgs[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Contains(t, toolMsg.Content, "error")
}

type errorBroker struct{}

func (e *errorBroker) Tools() []llm.ToolSchema { return nil }
func (e *errorBroker) Execute(ctx context.Context, calls []llm.ToolCall) <-chan broker.Event {
	out := make(chan broker.Event)
	go func() {
		defer close(out)
		for _, call := range calls {
			out <- broker.Event{ToolCallID: call.ID, ToolName: call.Name,
				Content: `{"error":"tool exploded"}`, Final: true, IsError: true}
		}
	}()
	return out
}

func TestAbortIsIdempotent(t *testing.T) {
	blocker := make(chan struct{})
	streamer := &blockingStreamer{release: blocker}
	d := newTestDriver(streamer, &fakeBroker{}, defaultLimits())

	ctx := context.Background()
	out := d.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	d.Abort()
	d.Abort() // second abort must be a no-op
	close(blocker)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("driver did not stop after abort")
		}
	}
}

// blockingStreamer blocks until released, then reports cancellation.
type blockingStreamer struct {
	release chan struct{}
}

func (b *blockingStreamer) ChatStream(ctx context.Context, req llm.Request, onDelta func(string)) (llm.Message, error) {
	select {
	case <-ctx.Done():
		return llm.Message{}, ctx.Err()
	case <-b.release:
	}
	select {
	case <-ctx.Done():
		return llm.Message{}, ctx.Err()
	default:
		return llm.Message{Role: "assistant", Content: "late"}, nil
	}
}

func TestChunkJSONShapes(t *testing.T) {
	assert.JSONEq(t, `{"type":"content","data":"hi"}`, Chunk{Type: ChunkContent, Data: "hi"}.JSON())
	assert.JSONEq(t,
		`{"type":"tool_stream","tool_name":"P_t","tool_call_id":"a","content":"x"}`,
		Chunk{Type: ChunkToolStream, ToolName: "P_t", ToolCallID: "a", Data: "x"}.JSON())
	assert.JSONEq(t, `{"type":"error","data":"boom"}`, Chunk{Type: ChunkError, Data: "boom"}.JSON())
}
