package fieldmap

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDoc(t *testing.T, raw string) any {
	t.Helper()
	var doc any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func TestGet(t *testing.T) {
	doc := mustDoc(t, `{
		"choices": [
			{"delta": {"content": "hi"}, "index": 0},
			{"delta": {"content": "second"}, "index": 1}
		],
		"usage": {"total_tokens": 12},
		"empty": null
	}`)

	tests := []struct {
		name string
		path string
		want any
		ok   bool
	}{
		{"nested object", "usage.total_tokens", float64(12), true},
		{"array index", "choices.0.delta.content", "hi", true},
		{"second element", "choices.1.delta.content", "second", true},
		{"wildcard first match", "choices.*.delta.content", "hi", true},
		{"missing key", "usage.prompt_tokens", nil, false},
		{"index out of range", "choices.5.delta", nil, false},
		{"index into object", "usage.0", nil, false},
		{"null value", "empty", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Get(doc, tt.path)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestGetTyped(t *testing.T) {
	doc := mustDoc(t, `{
		"s": "text",
		"n": 7,
		"f": 7.9,
		"ns": "42",
		"arr": [1, 2, 3]
	}`)

	s, ok := GetString(doc, "s")
	require.True(t, ok)
	assert.Equal(t, "text", s)

	_, ok = GetString(doc, "n")
	assert.False(t, ok)

	n, ok := GetInt(doc, "n")
	require.True(t, ok)
	assert.Equal(t, int64(7), n)

	n, ok = GetInt(doc, "f")
	require.True(t, ok)
	assert.Equal(t, int64(7), n)

	_, ok = GetInt(doc, "ns")
	assert.False(t, ok)

	l, ok := GetLen(doc, "arr")
	require.True(t, ok)
	assert.Equal(t, 3, l)

	_, ok = GetLen(doc, "s")
	assert.False(t, ok)
}

func TestSet(t *testing.T) {
	t.Run("existing path", func(t *testing.T) {
		doc := mustDoc(t, `{"messages": [{"role": "user", "content": ""}]}`).(map[string]any)
		require.NoError(t, Set(doc, "messages.0.content", "hello"))
		got, _ := GetString(doc, "messages.0.content")
		assert.Equal(t, "hello", got)
	})

	t.Run("creates intermediate containers", func(t *testing.T) {
		doc := map[string]any{}
		require.NoError(t, Set(doc, "a.b.c", 1))
		got, ok := GetInt(doc, "a.b.c")
		require.True(t, ok)
		assert.Equal(t, int64(1), got)
	})

	t.Run("index out of range fails", func(t *testing.T) {
		doc := mustDoc(t, `{"messages": []}`).(map[string]any)
		assert.Error(t, Set(doc, "messages.2.content", "x"))
	})
}

func TestForAPITypeDefaults(t *testing.T) {
	tests := []struct {
		name    string
		apiType string
		stream  bool
		content string
	}{
		{"openai non-stream", APIOpenAIChat, false, "choices.0.message.content"},
		{"openai stream", APIOpenAIChat, true, "choices.0.delta.content"},
		{"claude non-stream", APIClaudeChat, false, "content.0.text"},
		{"claude stream", APIClaudeChat, true, "delta.text"},
		{"embeddings", APIEmbeddings, false, "data.0.embedding"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ForAPIType(tt.apiType, tt.stream, Mapping{})
			assert.Equal(t, tt.content, m.Content)
			assert.Equal(t, "data: ", m.StreamPrefix)
			assert.Equal(t, "[DONE]", m.StopFlag)
			assert.Equal(t, FormatSSE, m.DataFormat)
		})
	}
}

func TestForAPITypeUserOverrides(t *testing.T) {
	m := ForAPIType(APIOpenAIChat, true, Mapping{
		Content:    "output.text",
		StopFlag:   "<<END>>",
		DataFormat: FormatNDJSON,
	})
	assert.Equal(t, "output.text", m.Content)
	assert.Equal(t, "<<END>>", m.StopFlag)
	assert.Equal(t, FormatNDJSON, m.DataFormat)
	// Untouched defaults survive the overlay.
	assert.Equal(t, "usage.prompt_tokens", m.PromptTokens)
}
