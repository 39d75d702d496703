// Package fieldmap implements the dot-path field mapping used to insert
// prompts into request payloads and extract content and usage from
// responses. Paths are dot-separated, array indices are integers, and `*`
// matches any array element (first match wins).
package fieldmap

import (
	"fmt"
	"strconv"
	"strings"
)

// API types understood by the engine.
const (
	APIOpenAIChat = "openai-chat"
	APIClaudeChat = "claude-chat"
	APIEmbeddings = "embeddings"
	APICustomChat = "custom-chat"
)

// Stream framing formats.
const (
	FormatSSE    = "sse"
	FormatNDJSON = "ndjson"
	FormatRaw    = "raw"
)

// Mapping holds the resolved field paths and stream framing options for one
// task. Zero-value string fields mean "not mapped".
type Mapping struct {
	Prompt           string `json:"prompt"`
	Image            string `json:"image"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
	PromptTokens     string `json:"prompt_tokens"`
	CompletionTokens string `json:"completion_tokens"`
	TotalTokens      string `json:"total_tokens"`

	StreamPrefix string `json:"stream_prefix"`
	StopFlag     string `json:"stop_flag"`
	DataFormat   string `json:"data_format"`
	EndPrefix    string `json:"end_prefix"`
	EndField     string `json:"end_field"`
}

// ForAPIType returns the mapping for an API type with user overrides
// applied. The stream flag selects delta paths for openai-chat.
func ForAPIType(apiType string, stream bool, user Mapping) Mapping {
	var m Mapping
	switch apiType {
	case APIClaudeChat:
		m = Mapping{
			Prompt:           "messages.0.content",
			Content:          "content.0.text",
			PromptTokens:     "usage.input_tokens",
			CompletionTokens: "usage.output_tokens",
		}
		if stream {
			m.Content = "delta.text"
		}
	case APIEmbeddings:
		m = Mapping{
			Prompt:       "input",
			Content:      "data.0.embedding",
			PromptTokens: "usage.prompt_tokens",
			TotalTokens:  "usage.total_tokens",
		}
	case APICustomChat:
		// Custom APIs use only the user-provided mapping.
	default: // openai-chat
		m = Mapping{
			Prompt:           "messages.0.content",
			Image:            "messages.0.content.1.image_url.url",
			Content:          "choices.0.message.content",
			ReasoningContent: "choices.0.message.reasoning_content",
			PromptTokens:     "usage.prompt_tokens",
			CompletionTokens: "usage.completion_tokens",
			TotalTokens:      "usage.total_tokens",
		}
		if stream {
			m.Content = "choices.0.delta.content"
			m.ReasoningContent = "choices.0.delta.reasoning_content"
		}
	}

	overlay(&m.Prompt, user.Prompt)
	overlay(&m.Image, user.Image)
	overlay(&m.Content, user.Content)
	overlay(&m.ReasoningContent, user.ReasoningContent)
	overlay(&m.PromptTokens, user.PromptTokens)
	overlay(&m.CompletionTokens, user.CompletionTokens)
	overlay(&m.TotalTokens, user.TotalTokens)
	overlay(&m.StreamPrefix, user.StreamPrefix)
	overlay(&m.StopFlag, user.StopFlag)
	overlay(&m.DataFormat, user.DataFormat)
	overlay(&m.EndPrefix, user.EndPrefix)
	overlay(&m.EndField, user.EndField)

	if m.StreamPrefix == "" {
		m.StreamPrefix = "data: "
	}
	if m.StopFlag == "" {
		m.StopFlag = "[DONE]"
	}
	if m.DataFormat == "" {
		m.DataFormat = FormatSSE
	}
	return m
}

func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Get resolves a dot path against a decoded JSON document. Extraction is a
// pure function of (doc, path). The second return reports whether the path
// resolved to a value.
func Get(doc any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	return get(doc, strings.Split(path, "."))
}

func get(node any, segs []string) (any, bool) {
	if len(segs) == 0 {
		return node, true
	}
	seg, rest := segs[0], segs[1:]

	switch v := node.(type) {
	case map[string]any:
		child, ok := v[seg]
		if !ok {
			return nil, false
		}
		return get(child, rest)
	case []any:
		if seg == "*" {
			for _, child := range v {
				if out, ok := get(child, rest); ok {
					return out, true
				}
			}
			return nil, false
		}
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, false
		}
		return get(v[idx], rest)
	default:
		return nil, false
	}
}

// GetString resolves a path to a string value.
func GetString(doc any, path string) (string, bool) {
	v, ok := Get(doc, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetInt resolves a path to an integer. JSON numbers decode as float64.
func GetInt(doc any, path string) (int64, bool) {
	v, ok := Get(doc, path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// GetLen resolves a path to the length of an array value. Used for the
// embeddings surrogate completion size.
func GetLen(doc any, path string) (int, bool) {
	v, ok := Get(doc, path)
	if !ok {
		return 0, false
	}
	arr, ok := v.([]any)
	if !ok {
		return 0, false
	}
	return len(arr), true
}

// Set writes value at path inside doc, creating intermediate objects as
// needed. Array segments index into existing slices and may extend them by
// one position; `*` is not valid in write paths.
func Set(doc map[string]any, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	segs := strings.Split(path, ".")
	node := any(doc)
	for i, seg := range segs {
		last := i == len(segs)-1

		switch v := node.(type) {
		case map[string]any:
			if last {
				v[seg] = value
				return nil
			}
			child, ok := v[seg]
			if !ok || child == nil {
				child = nextContainer(segs[i+1])
				v[seg] = child
			}
			node = child
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 {
				return fmt.Errorf("invalid array index %q in path %q", seg, path)
			}
			if idx >= len(v) {
				return fmt.Errorf("array index %d out of range in path %q", idx, path)
			}
			if last {
				v[idx] = value
				return nil
			}
			if v[idx] == nil {
				v[idx] = nextContainer(segs[i+1])
			}
			node = v[idx]
		default:
			return fmt.Errorf("cannot descend into %T at %q in path %q", node, seg, path)
		}
	}
	return nil
}

func nextContainer(seg string) any {
	if _, err := strconv.Atoi(seg); err == nil {
		// A numeric next segment needs a slice large enough to hold it.
		n, _ := strconv.Atoi(seg)
		return make([]any, n+1)
	}
	return map[string]any{}
}
