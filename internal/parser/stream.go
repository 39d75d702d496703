package parser

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/lmeterx/internal/fieldmap"
	"github.com/blueberrycongee/lmeterx/pkg/failure"
)

// Terminal and error markers honored in addition to the configured
// stop_flag. Matches what common inference servers emit.
var (
	endMarkers   = []string{"[DONE]", "[END]", "DONE", "END"}
	errorMarkers = []string{"[ERROR]", "ERROR"}
)

const streamBufferSize = 256 * 1024

// ParseStream consumes a streaming response body. start anchors TTFT;
// prompt feeds token estimation when the server omits usage. Cancellation
// is observed at every chunk boundary.
//
// A partial Result is returned alongside STREAM_TRUNCATED so an observed
// TTFT survives the failure.
func (p *Parser) ParseStream(ctx context.Context, body io.Reader, start time.Time, prompt string) (*Result, error) {
	res := &Result{}
	var content, reasoning strings.Builder
	var sawUsage, sawEnd, overflow bool

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), streamBufferSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			p.finishStream(res, &content, &reasoning, sawUsage, prompt)
			return res, failure.NewCancelled("cancelled mid-stream")
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		payload, terminal, errMarker := p.frameLine(line)
		if errMarker {
			p.finishStream(res, &content, &reasoning, sawUsage, prompt)
			return res, failure.NewParse("server signalled stream error")
		}
		if terminal {
			sawEnd = true
			break
		}
		if payload == nil {
			continue
		}

		if p.mapping.DataFormat == fieldmap.FormatRaw {
			// Raw framing: every line is content text.
			if res.TTFT == 0 && len(payload) > 0 {
				res.TTFT = time.Since(start)
			}
			appendCapped(&content, string(payload), &overflow)
			continue
		}

		var doc any
		if err := json.Unmarshal(payload, &doc); err != nil {
			// Malformed chunks are skipped, not fatal.
			p.log.Debug("skipping malformed stream chunk", "error", err)
			continue
		}

		if p.mapping.EndField != "" {
			if v, ok := fieldmap.Get(doc, p.mapping.EndField); ok && truthy(v) {
				sawEnd = true
				p.readUsageChunk(doc, res, &sawUsage)
				break
			}
		}

		delta, _ := fieldmap.GetString(doc, p.mapping.Content)
		reasonDelta := ""
		if p.mapping.ReasoningContent != "" {
			reasonDelta, _ = fieldmap.GetString(doc, p.mapping.ReasoningContent)
		}

		if res.TTFT == 0 && (delta != "" || reasonDelta != "") {
			res.TTFT = time.Since(start)
		}
		appendCapped(&content, delta, &overflow)
		appendCapped(&reasoning, reasonDelta, &overflow)

		p.readUsageChunk(doc, res, &sawUsage)
	}

	if err := scanner.Err(); err != nil {
		p.finishStream(res, &content, &reasoning, sawUsage, prompt)
		return res, classifyReadError(err)
	}

	p.finishStream(res, &content, &reasoning, sawUsage, prompt)

	// SSE streams must end with a terminal marker; NDJSON and raw streams
	// terminate on clean EOF.
	if !sawEnd && p.mapping.DataFormat == fieldmap.FormatSSE && p.mapping.EndPrefix == "" && p.mapping.EndField == "" {
		return res, failure.NewStreamTruncated("stream ended without terminal marker")
	}
	return res, nil
}

// frameLine applies the configured stream framing to one line, returning
// the JSON payload (nil when the line carries none), whether the line is a
// terminal marker, and whether it is an error marker.
func (p *Parser) frameLine(line []byte) (payload []byte, terminal, errMarker bool) {
	s := line
	switch p.mapping.DataFormat {
	case fieldmap.FormatNDJSON, fieldmap.FormatRaw:
		// No prefix framing.
	default: // sse
		if bytes.HasPrefix(s, []byte("event:")) {
			return nil, false, false
		}
		if !bytes.HasPrefix(s, []byte(p.mapping.StreamPrefix)) {
			// Tolerate servers that omit the prefix on some lines.
			if isMarker(string(bytes.TrimSpace(s)), endMarkers) || string(s) == p.mapping.StopFlag {
				return nil, true, false
			}
			return nil, false, false
		}
		s = bytes.TrimSpace(bytes.TrimPrefix(s, []byte(p.mapping.StreamPrefix)))
	}

	if p.mapping.EndPrefix != "" && bytes.HasPrefix(s, []byte(p.mapping.EndPrefix)) {
		return nil, true, false
	}

	v := string(s)
	if v == p.mapping.StopFlag || isMarker(v, endMarkers) {
		return nil, true, false
	}
	if isMarker(v, errorMarkers) {
		return nil, false, true
	}
	return s, false, false
}

func (p *Parser) readUsageChunk(doc any, res *Result, sawUsage *bool) {
	// Usage commonly arrives only on the final chunk.
	found := false
	if n, ok := fieldmap.GetInt(doc, p.mapping.PromptTokens); ok && n > 0 {
		res.PromptTokens = n
		found = true
	}
	if n, ok := fieldmap.GetInt(doc, p.mapping.CompletionTokens); ok && n > 0 {
		res.CompletionTokens = n
		found = true
	}
	if n, ok := fieldmap.GetInt(doc, p.mapping.TotalTokens); ok && n > 0 {
		res.TotalTokens = n
		found = true
	}
	if found {
		*sawUsage = true
	}
}

func (p *Parser) finishStream(res *Result, content, reasoning *strings.Builder, sawUsage bool, prompt string) {
	res.Content = content.String()
	res.Reasoning = reasoning.String()
	if sawUsage {
		if res.TotalTokens == 0 {
			res.TotalTokens = res.PromptTokens + res.CompletionTokens
		}
		return
	}
	p.estimate(prompt, res)
}

// classifyReadError separates deadline expiry from a connection dropped
// mid-stream. STREAM_TRUNCATED is reserved for premature close without a
// terminal marker.
func classifyReadError(err error) error {
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return failure.NewTimeout("stream read timed out: " + err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return failure.NewCancelled("cancelled mid-stream: " + err.Error())
	}
	return failure.NewStreamTruncated("stream read failed: " + err.Error())
}

func appendCapped(b *strings.Builder, s string, overflow *bool) {
	if s == "" || *overflow {
		return
	}
	if b.Len()+len(s) > MaxOutputLength {
		n := MaxOutputLength - b.Len()
		// Never cut in the middle of a rune.
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
		*overflow = true
	}
	b.WriteString(s)
}

func isMarker(v string, markers []string) bool {
	for _, m := range markers {
		if v == m {
			return true
		}
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	case nil:
		return false
	default:
		return true
	}
}
