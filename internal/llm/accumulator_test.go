package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulatorReassemblesByIndex(t *testing.T) {
	var acc Accumulator
	acc.Add(0, "call_a", "files_search", "")
	acc.Add(1, "call_b", "files_read", `{"path"`)
	acc.Add(0, "", "", `{"query":`)
	acc.Add(0, "", "", `"foo"}`)
	acc.Add(1, "", "", `:"a.go"}`)

	calls := acc.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "call_a", calls[0].ID)
	assert.Equal(t, "files_search", calls[0].Name)
	assert.Equal(t, `{"query":"foo"}`, calls[0].Arguments)
	assert.Equal(t, `{"path":"a.go"}`, calls[1].Arguments)
}

func TestAccumulatorDoesNotOverwriteIDOrName(t *testing.T) {
	var acc Accumulator
	acc.Add(0, "call_a", "first", "")
	acc.Add(0, "call_z", "second", "")

	calls := acc.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_a", calls[0].ID)
	assert.Equal(t, "first", calls[0].Name)
}

func TestAccumulatorDropsCallsWithoutID(t *testing.T) {
	var acc Accumulator
	acc.Add(0, "", "ghost", `{}`)
	acc.Add(1, "call_b", "real", `{}`)

	calls := acc.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_b", calls[0].ID)
}

func TestAccumulatorIgnoresNegativeIndex(t *testing.T) {
	var acc Accumulator
	acc.Add(-1, "call_a", "x", "{}")
	assert.Empty(t, acc.Calls())
}

func TestHasPendingToolCalls(t *testing.T) {
	assert.False(t, Message{Role: "assistant", Content: "hi"}.HasPendingToolCalls())
	assert.False(t, Message{Role: "user", ToolCalls: []ToolCall{{ID: "a"}}}.HasPendingToolCalls())
	assert.True(t, Message{Role: "assistant", ToolCalls: []ToolCall{{ID: "a"}}}.HasPendingToolCalls())
}
