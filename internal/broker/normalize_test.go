package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeArgs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]any
	}{
		{"object", `{"path":"a.go"}`, map[string]any{"path": "a.go"}},
		{"empty string", "", map[string]any{}},
		{"invalid json", `{"path":`, map[string]any{}},
		{"non-object json", `[1,2]`, map[string]any{}},
		{"scalar json", `42`, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeArgs(tt.in))
		})
	}
}

func TestChunkToString(t *testing.T) {
	assert.Equal(t, "x", chunkToString("x"))
	assert.Equal(t, "ab", chunkToString([]any{"a", "b"}))
	assert.Equal(t, "ab", chunkToString([]string{"a", "b"}))
	assert.Equal(t, `{"k":"v"}`, chunkToString(map[string]any{"k": "v"}))
	assert.Equal(t, "", chunkToString(nil))
	assert.Equal(t, `["a",1]`, chunkToString([]any{"a", float64(1)}))
	assert.Equal(t, "42", chunkToString(float64(42)))
}
