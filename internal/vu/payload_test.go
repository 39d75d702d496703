package vu

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/lmeterx/internal/dataset"
	"github.com/blueberrycongee/lmeterx/internal/fieldmap"
	"github.com/blueberrycongee/lmeterx/internal/store"
)

func buildBody(t *testing.T, task *store.Task, entry *dataset.Entry) map[string]any {
	t.Helper()
	mapping := fieldmap.ForAPIType(task.APIType, task.StreamMode, fieldmap.Mapping{})
	b, err := newPayloadBuilder(task, mapping)
	require.NoError(t, err)

	raw, err := b.build(entry)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

func TestPayloadDefaultTemplate(t *testing.T) {
	task := &store.Task{
		Kind:       store.KindLLM,
		APIType:    fieldmap.APIOpenAIChat,
		Model:      "gpt-4o",
		StreamMode: true,
	}
	doc := buildBody(t, task, &dataset.Entry{Prompts: []string{"hello there"}})

	assert.Equal(t, "gpt-4o", doc["model"])
	assert.Equal(t, true, doc["stream"])
	content, ok := fieldmap.GetString(doc, "messages.0.content")
	require.True(t, ok)
	assert.Equal(t, "hello there", content)
}

func TestPayloadMultimodal(t *testing.T) {
	task := &store.Task{
		Kind:     store.KindLLM,
		APIType:  fieldmap.APIOpenAIChat,
		Model:    "gpt-4o",
		ChatType: chatTypeMultimodal,
	}
	entry := &dataset.Entry{
		Prompts: []string{"describe this"},
		Image:   &dataset.Image{URL: "https://example.com/cat.jpg"},
	}
	doc := buildBody(t, task, entry)

	// The prompt lands inside the text part; the part array survives.
	text, ok := fieldmap.GetString(doc, "messages.0.content.0.text")
	require.True(t, ok)
	assert.Equal(t, "describe this", text)

	img, ok := fieldmap.GetString(doc, "messages.0.content.1.image_url.url")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/cat.jpg", img)
}

func TestPayloadUserTemplate(t *testing.T) {
	task := &store.Task{
		Kind:           store.KindLLM,
		APIType:        fieldmap.APIOpenAIChat,
		Model:          "gpt-4o",
		RequestPayload: `{"model":"gpt-4o","temperature":0.2,"messages":[{"role":"user","content":""}]}`,
	}
	doc := buildBody(t, task, &dataset.Entry{Prompts: []string{"custom prompt"}})

	assert.Equal(t, 0.2, doc["temperature"])
	content, _ := fieldmap.GetString(doc, "messages.0.content")
	assert.Equal(t, "custom prompt", content)
}

func TestPayloadBuildsAreIndependent(t *testing.T) {
	task := &store.Task{
		Kind:    store.KindLLM,
		APIType: fieldmap.APIOpenAIChat,
		Model:   "gpt-4o",
	}
	mapping := fieldmap.ForAPIType(task.APIType, false, fieldmap.Mapping{})
	b, err := newPayloadBuilder(task, mapping)
	require.NoError(t, err)

	first, err := b.build(&dataset.Entry{Prompts: []string{"one"}})
	require.NoError(t, err)
	_, err = b.build(&dataset.Entry{Prompts: []string{"two"}})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(first, &doc))
	content, _ := fieldmap.GetString(doc, "messages.0.content")
	assert.Equal(t, "one", content, "later builds must not mutate earlier payloads")
}

func TestPayloadInvalidTemplate(t *testing.T) {
	task := &store.Task{
		Kind:           store.KindLLM,
		APIType:        fieldmap.APIOpenAIChat,
		RequestPayload: `{not json`,
	}
	mapping := fieldmap.ForAPIType(task.APIType, false, fieldmap.Mapping{})
	_, err := newPayloadBuilder(task, mapping)
	assert.Error(t, err)
}
