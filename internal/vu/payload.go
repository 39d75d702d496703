package vu

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/lmeterx/internal/dataset"
	"github.com/blueberrycongee/lmeterx/internal/fieldmap"
	"github.com/blueberrycongee/lmeterx/internal/store"
)

// payloadBuilder materializes one request body per dataset entry. The
// template is parsed once per task and deep-copied per request.
type payloadBuilder struct {
	template map[string]any
	mapping  fieldmap.Mapping
	stream   bool
}

func newPayloadBuilder(task *store.Task, mapping fieldmap.Mapping) (*payloadBuilder, error) {
	b := &payloadBuilder{mapping: mapping, stream: task.StreamMode}

	raw := task.RequestPayload
	if raw == "" {
		raw = defaultTemplate(task)
	}
	if err := json.Unmarshal([]byte(raw), &b.template); err != nil {
		return nil, fmt.Errorf("parse request payload template: %w", err)
	}
	return b, nil
}

// defaultTemplate builds the OpenAI-compatible chat body used when the
// console supplied no template. Multimodal tasks get a two-part content
// array so the image path has somewhere to land.
func defaultTemplate(task *store.Task) string {
	var content any = ""
	if task.ChatType == chatTypeMultimodal {
		content = []any{
			map[string]any{"type": "text", "text": ""},
			map[string]any{"type": "image_url", "image_url": map[string]any{"url": ""}},
		}
	}
	doc := map[string]any{
		"model": task.Model,
		"messages": []any{
			map[string]any{"role": "user", "content": content},
		},
		"stream": task.StreamMode,
	}
	out, _ := json.Marshal(doc)
	return string(out)
}

const (
	chatTypeText       = 0
	chatTypeMultimodal = 1
)

// build produces the request body for one entry.
func (b *payloadBuilder) build(entry *dataset.Entry) ([]byte, error) {
	doc := deepCopy(b.template).(map[string]any)

	if err := fieldmap.Set(doc, b.mapping.Prompt, promptValue(doc, b.mapping.Prompt, entry.Prompt())); err != nil {
		return nil, fmt.Errorf("insert prompt: %w", err)
	}
	if entry.Image != nil && b.mapping.Image != "" {
		v := entry.Image.URL
		if v == "" {
			v = entry.Image.Base64
		}
		if err := fieldmap.Set(doc, b.mapping.Image, v); err != nil {
			return nil, fmt.Errorf("insert image: %w", err)
		}
	}
	return json.Marshal(doc)
}

// promptValue preserves multimodal content arrays: when the template has a
// part list at the prompt path's parent, the prompt goes into the text part
// instead of replacing the array.
func promptValue(doc map[string]any, path string, prompt string) any {
	if existing, ok := fieldmap.Get(doc, path); ok {
		if parts, ok := existing.([]any); ok {
			for _, p := range parts {
				if m, ok := p.(map[string]any); ok && m["type"] == "text" {
					m["text"] = prompt
					return parts
				}
			}
			return parts
		}
	}
	return prompt
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
