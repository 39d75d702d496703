package parser

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/lmeterx/internal/fieldmap"
	"github.com/blueberrycongee/lmeterx/pkg/failure"
)

func openAIStreamParser(t *testing.T) *Parser {
	t.Helper()
	m := fieldmap.ForAPIType(fieldmap.APIOpenAIChat, true, fieldmap.Mapping{})
	return New(fieldmap.APIOpenAIChat, true, m, "gpt-4o", nil)
}

func TestParseStreamSSE(t *testing.T) {
	p := openAIStreamParser(t)

	var b strings.Builder
	for i := 0; i < 5; i++ {
		b.WriteString(`data: {"choices":[{"delta":{"content":"x"}}]}` + "\n\n")
	}
	b.WriteString(`data: {"choices":[],"usage":{"prompt_tokens":8,"completion_tokens":5,"total_tokens":13}}` + "\n\n")
	b.WriteString("data: [DONE]\n\n")

	res, err := p.ParseStream(context.Background(), strings.NewReader(b.String()), time.Now(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "xxxxx", res.Content)
	assert.Greater(t, res.TTFT, time.Duration(0))
	assert.Equal(t, int64(8), res.PromptTokens)
	assert.Equal(t, int64(5), res.CompletionTokens)
	assert.Equal(t, int64(13), res.TotalTokens)
	assert.False(t, res.Estimated)
}

func TestParseStreamEstimatesWithoutUsage(t *testing.T) {
	p := openAIStreamParser(t)

	stream := `data: {"choices":[{"delta":{"content":"hello "}}]}` + "\n" +
		`data: {"choices":[{"delta":{"content":"world"}}]}` + "\n" +
		"data: [DONE]\n"

	res, err := p.ParseStream(context.Background(), strings.NewReader(stream), time.Now(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Content)
	assert.True(t, res.Estimated)
	assert.Greater(t, res.CompletionTokens, int64(0))
}

func TestParseStreamTruncated(t *testing.T) {
	p := openAIStreamParser(t)

	// Clean EOF with no terminal marker.
	stream := `data: {"choices":[{"delta":{"content":"par"}}]}` + "\n" +
		`data: {"choices":[{"delta":{"content":"tial"}}]}` + "\n"

	res, err := p.ParseStream(context.Background(), strings.NewReader(stream), time.Now(), "hi")
	require.Error(t, err)
	assert.Equal(t, failure.KindStreamTruncated, failure.KindOf(err))
	// The partial result survives so TTFT and content are not lost.
	require.NotNil(t, res)
	assert.Equal(t, "partial", res.Content)
	assert.Greater(t, res.TTFT, time.Duration(0))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "read tcp 127.0.0.1:0: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return false }

// failingReader yields its data once, then the configured error.
type failingReader struct {
	data []byte
	err  error
	sent bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, r.data), nil
	}
	return 0, r.err
}

func TestParseStreamTimeoutMidStream(t *testing.T) {
	p := openAIStreamParser(t)

	// A deadline firing mid-stream is a timeout, not a truncation.
	body := &failingReader{
		data: []byte(`data: {"choices":[{"delta":{"content":"par"}}]}` + "\n"),
		err:  timeoutErr{},
	}
	res, err := p.ParseStream(context.Background(), body, time.Now(), "hi")
	require.Error(t, err)
	assert.Equal(t, failure.KindTimeout, failure.KindOf(err))
	require.NotNil(t, res)
	assert.Equal(t, "par", res.Content)
	assert.Greater(t, res.TTFT, time.Duration(0))
}

func TestParseStreamDroppedConnectionIsTruncated(t *testing.T) {
	p := openAIStreamParser(t)

	body := &failingReader{
		data: []byte(`data: {"choices":[{"delta":{"content":"par"}}]}` + "\n"),
		err:  errors.New("connection reset by peer"),
	}
	_, err := p.ParseStream(context.Background(), body, time.Now(), "hi")
	require.Error(t, err)
	assert.Equal(t, failure.KindStreamTruncated, failure.KindOf(err))
}

func TestParseStreamErrorMarker(t *testing.T) {
	p := openAIStreamParser(t)

	stream := `data: {"choices":[{"delta":{"content":"ok"}}]}` + "\n" +
		"data: [ERROR]\n"

	_, err := p.ParseStream(context.Background(), strings.NewReader(stream), time.Now(), "hi")
	require.Error(t, err)
	assert.Equal(t, failure.KindParse, failure.KindOf(err))
}

func TestParseStreamAlternateEndMarkers(t *testing.T) {
	p := openAIStreamParser(t)

	for _, marker := range []string{"[DONE]", "[END]", "DONE", "END"} {
		t.Run(marker, func(t *testing.T) {
			stream := `data: {"choices":[{"delta":{"content":"a"}}]}` + "\n" +
				"data: " + marker + "\n"
			res, err := p.ParseStream(context.Background(), strings.NewReader(stream), time.Now(), "hi")
			require.NoError(t, err)
			assert.Equal(t, "a", res.Content)
		})
	}
}

func TestParseStreamSkipsEventLinesAndMalformedChunks(t *testing.T) {
	p := openAIStreamParser(t)

	stream := "event: message\n" +
		"data: {broken json\n" +
		`data: {"choices":[{"delta":{"content":"fine"}}]}` + "\n" +
		"data: [DONE]\n"

	res, err := p.ParseStream(context.Background(), strings.NewReader(stream), time.Now(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "fine", res.Content)
}

func TestParseStreamClaude(t *testing.T) {
	m := fieldmap.ForAPIType(fieldmap.APIClaudeChat, true, fieldmap.Mapping{})
	p := New(fieldmap.APIClaudeChat, true, m, "claude-3", nil)

	stream := `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hel"}}` + "\n" +
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}` + "\n" +
		`data: {"type":"message_delta","usage":{"input_tokens":3,"output_tokens":2}}` + "\n" +
		"data: [DONE]\n"

	res, err := p.ParseStream(context.Background(), strings.NewReader(stream), time.Now(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, int64(3), res.PromptTokens)
	assert.Equal(t, int64(2), res.CompletionTokens)
	assert.Equal(t, int64(5), res.TotalTokens)
}

func TestParseStreamNDJSON(t *testing.T) {
	user := fieldmap.Mapping{
		Content:    "text",
		DataFormat: fieldmap.FormatNDJSON,
	}
	m := fieldmap.ForAPIType(fieldmap.APICustomChat, true, user)
	p := New(fieldmap.APICustomChat, true, m, "custom", nil)

	// NDJSON terminates on clean EOF, no marker required.
	stream := `{"text":"one "}` + "\n" + `{"text":"two"}` + "\n"

	res, err := p.ParseStream(context.Background(), strings.NewReader(stream), time.Now(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "one two", res.Content)
}

func TestParseStreamEndField(t *testing.T) {
	user := fieldmap.Mapping{
		Content:    "text",
		EndField:   "done",
		DataFormat: fieldmap.FormatNDJSON,
	}
	m := fieldmap.ForAPIType(fieldmap.APICustomChat, true, user)
	p := New(fieldmap.APICustomChat, true, m, "custom", nil)

	stream := `{"text":"body","done":false}` + "\n" + `{"done":true}` + "\n" +
		`{"text":"after end, ignored"}` + "\n"

	res, err := p.ParseStream(context.Background(), strings.NewReader(stream), time.Now(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "body", res.Content)
}

func TestParseStreamCancelled(t *testing.T) {
	p := openAIStreamParser(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stream := `data: {"choices":[{"delta":{"content":"x"}}]}` + "\n" + "data: [DONE]\n"
	res, err := p.ParseStream(ctx, strings.NewReader(stream), time.Now(), "hi")
	require.Error(t, err)
	assert.Equal(t, failure.KindCancelled, failure.KindOf(err))
	require.NotNil(t, res)
}

func TestParseStreamOutputCap(t *testing.T) {
	p := openAIStreamParser(t)

	chunk := strings.Repeat("y", 40000)
	var b strings.Builder
	for i := 0; i < 4; i++ {
		b.WriteString(`data: {"choices":[{"delta":{"content":"` + chunk + `"}}]}` + "\n")
	}
	b.WriteString("data: [DONE]\n")

	res, err := p.ParseStream(context.Background(), strings.NewReader(b.String()), time.Now(), "hi")
	require.NoError(t, err)
	assert.Equal(t, MaxOutputLength, len(res.Content))
}

func TestAppendCappedKeepsRuneBoundary(t *testing.T) {
	var b strings.Builder
	b.WriteString(strings.Repeat("a", MaxOutputLength-3))
	overflow := false

	appendCapped(&b, "ééé", &overflow)
	assert.True(t, overflow)
	assert.True(t, utf8.ValidString(b.String()))
	// One full two-byte rune fits; the cut backs off rather than splitting
	// the second one.
	assert.Equal(t, MaxOutputLength-1, b.Len())
}
