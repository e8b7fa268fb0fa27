package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenCounterKnownModel(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", counter.Model())
}

func TestNewTokenCounterUnknownModelFallsBack(t *testing.T) {
	counter, err := NewTokenCounter("gemini-2.5-flash")
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash", counter.Model())
	assert.Greater(t, counter.Count("Hello, world!"), 0)
}

func TestTokenCounterCount(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	require.NoError(t, err)

	assert.Equal(t, 0, counter.Count(""))

	count := counter.Count("This is a longer sentence with more words to count tokens accurately.")
	assert.GreaterOrEqual(t, count, 12)
	assert.LessOrEqual(t, count, 18)
}

func TestTokenCounterCaching(t *testing.T) {
	first, err := NewTokenCounter("gemini-2.5-flash")
	require.NoError(t, err)
	second, err := NewTokenCounter("gemini-2.5-flash")
	require.NoError(t, err)

	text := "Test caching"
	assert.Equal(t, first.Count(text), second.Count(text))
}

func TestEstimateTokens(t *testing.T) {
	n := EstimateTokens("gemini-2.5-flash", "You are a helpful triage agent.")
	assert.Greater(t, n, 0)
	assert.Equal(t, 0, EstimateTokens("gemini-2.5-flash", ""))
}
