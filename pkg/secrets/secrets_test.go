package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFromEnv(t *testing.T) {
	t.Setenv("RAG_API_KEY", "env-value")

	r := NewResolver(t.TempDir())

	v, ok := r.Resolve("RAG_API_KEY")
	assert.True(t, ok)
	assert.Equal(t, "env-value", v)

	// Lower-case refs match the upper-cased env var.
	v, ok = r.Resolve("rag_api_key")
	assert.True(t, ok)
	assert.Equal(t, "env-value", v)
}

func TestResolveFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gemini_api_key"), []byte("file-value\n"), 0o600))

	r := NewResolver(dir)

	v, ok := r.Resolve("gemini_api_key")
	assert.True(t, ok)
	assert.Equal(t, "file-value", v)
}

func TestResolveMissing(t *testing.T) {
	r := NewResolver(t.TempDir())

	_, ok := r.Resolve("nope")
	assert.False(t, ok)

	_, ok = r.Resolve("")
	assert.False(t, ok)
}
