package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountTextTokens(t *testing.T) {
	assert.Zero(t, CountTextTokens("gpt-4o", ""))

	n := CountTextTokens("gpt-4o", "hello world, this is a test sentence")
	assert.Greater(t, n, 0)
	assert.Less(t, n, 40)

	// Unknown models fall back to a usable encoding rather than zero.
	assert.Greater(t, CountTextTokens("some/custom-model-v9", "hello world"), 0)
}

func TestEstimateUsage(t *testing.T) {
	p, c := EstimateUsage("gpt-4o", "what is two plus two", "four", "")
	assert.Greater(t, p, 0)
	assert.Greater(t, c, 0)

	// Reasoning text counts toward completion.
	_, withReasoning := EstimateUsage("gpt-4o", "q", "four", "let me think about this carefully")
	assert.Greater(t, withReasoning, c)
}

func TestNormalizeModelName(t *testing.T) {
	assert.Equal(t, "gpt-4o", normalizeModelName("openai/gpt-4o"))
	assert.Equal(t, "gpt-4o", normalizeModelName("gpt-4o"))
	assert.Equal(t, "", normalizeModelName(""))
}
