// Package parser decodes target responses for every supported API type:
// OpenAI-compatible chat, Claude-compatible chat, embeddings, and
// user-mapped custom JSON, in both streaming and non-streaming modes.
package parser

import (
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/lmeterx/internal/fieldmap"
	"github.com/blueberrycongee/lmeterx/internal/tokenizer"
	"github.com/blueberrycongee/lmeterx/pkg/failure"
)

// MaxOutputLength caps the accumulated stream content. Excess bytes are
// discarded; token accounting keeps running on the discarded text length.
const MaxOutputLength = 100000

// Result is the outcome of parsing one response.
type Result struct {
	Content   string
	Reasoning string

	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	// Estimated reports that token counts came from the local tokenizer
	// because the server emitted no usage object.
	Estimated bool

	// TTFT is the time to the first non-empty content or reasoning delta.
	// Zero for non-streaming responses.
	TTFT time.Duration
}

// Parser decodes responses for one task. It is immutable and shared by all
// virtual users of a shard.
type Parser struct {
	apiType string
	stream  bool
	mapping fieldmap.Mapping
	model   string
	log     *slog.Logger
}

// New creates a parser for the given API type and field mapping.
func New(apiType string, stream bool, mapping fieldmap.Mapping, model string, log *slog.Logger) *Parser {
	if log == nil {
		log = slog.Default()
	}
	return &Parser{apiType: apiType, stream: stream, mapping: mapping, model: model, log: log}
}

// ParseBody decodes a complete non-streaming response body. prompt is used
// for token estimation when the server omits usage.
func (p *Parser) ParseBody(body []byte, prompt string) (*Result, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, failure.NewParse("response body is not valid JSON: " + err.Error())
	}

	res := &Result{}

	if p.apiType == fieldmap.APIEmbeddings {
		n, ok := fieldmap.GetLen(doc, p.mapping.Content)
		if !ok {
			return nil, failure.NewParse("embedding not found at " + p.mapping.Content)
		}
		// Embedding dimension stands in for completion size.
		res.CompletionTokens = int64(n)
		p.readUsage(doc, res)
		if res.TotalTokens == 0 {
			res.TotalTokens = res.PromptTokens + res.CompletionTokens
		}
		return res, nil
	}

	content, ok := fieldmap.GetString(doc, p.mapping.Content)
	if !ok {
		return nil, failure.NewParse("content not found at " + p.mapping.Content)
	}
	res.Content = content
	if p.mapping.ReasoningContent != "" {
		res.Reasoning, _ = fieldmap.GetString(doc, p.mapping.ReasoningContent)
	}

	if !p.readUsage(doc, res) {
		p.estimate(prompt, res)
	}
	return res, nil
}

// readUsage fills token counts from the mapped usage paths. It reports
// whether any usage value was present.
func (p *Parser) readUsage(doc any, res *Result) bool {
	found := false
	if n, ok := fieldmap.GetInt(doc, p.mapping.PromptTokens); ok {
		res.PromptTokens = n
		found = true
	}
	if n, ok := fieldmap.GetInt(doc, p.mapping.CompletionTokens); ok {
		res.CompletionTokens = n
		found = true
	}
	if n, ok := fieldmap.GetInt(doc, p.mapping.TotalTokens); ok {
		res.TotalTokens = n
		found = true
	} else if found {
		// Claude-style usage carries input/output only.
		res.TotalTokens = res.PromptTokens + res.CompletionTokens
	}
	return found
}

func (p *Parser) estimate(prompt string, res *Result) {
	pt, ct := tokenizer.EstimateUsage(p.model, prompt, res.Content, res.Reasoning)
	res.PromptTokens = int64(pt)
	res.CompletionTokens = int64(ct)
	res.TotalTokens = res.PromptTokens + res.CompletionTokens
	res.Estimated = true
}
