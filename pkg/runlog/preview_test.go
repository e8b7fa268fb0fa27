package runlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcenturion/arion-agents/pkg/graph"
)

func intPtr(v int) *int { return &v }

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10))
	assert.Equal(t, "hello", Truncate("hello", 5))
	assert.Equal(t, "hell…", Truncate("hello!", 5))
	// Zero disables truncation.
	assert.Equal(t, "hello world", Truncate("hello world", 0))
	// Multi-byte text is cut on rune boundaries.
	assert.Equal(t, "héll…", Truncate("héllo!", 5))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "plain", Stringify("plain"))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]interface{}{"a": 1}))
	assert.Equal(t, "", Stringify(nil))
}

func TestResolvePathSegments(t *testing.T) {
	payload := map[string]interface{}{
		"result": map[string]interface{}{
			"items": []interface{}{
				map[string]interface{}{"name": "first"},
				map[string]interface{}{"name": "second"},
			},
			"meta.data": "dotted",
		},
	}

	v, ok := resolvePath(payload, "result.items[1].name")
	require.True(t, ok)
	assert.Equal(t, "second", v)

	v, ok = resolvePath(payload, `result["meta.data"]`)
	require.True(t, ok)
	assert.Equal(t, "dotted", v)

	_, ok = resolvePath(payload, "result.items[9].name")
	assert.False(t, ok)
}

func TestResolvePathSkipsSyntheticRoot(t *testing.T) {
	payload := map[string]interface{}{"status": "ok"}

	// "response.status" resolves even though the payload has no "response" root.
	v, ok := resolvePath(payload, "response.status")
	require.True(t, ok)
	assert.Equal(t, "ok", v)
}

func TestBuildPreviewsWithoutPolicyTruncatesWholePayload(t *testing.T) {
	request := map[string]interface{}{"message": "hi"}
	response := map[string]interface{}{"echo": map[string]interface{}{"message": "hi"}}

	reqPreview, reqExcerpt, respPreview, respExcerpt := BuildPreviews(nil, "echo", request, response)
	assert.Equal(t, `{"message":"hi"}`, reqPreview)
	assert.Nil(t, reqExcerpt)
	assert.Equal(t, `{"echo":{"message":"hi"}}`, respPreview)
	assert.Nil(t, respExcerpt)
}

func TestBuildPreviewsAppliesFieldRules(t *testing.T) {
	policy := &graph.ExecutionLogPolicy{
		Defaults: graph.LogDefaults{RequestMaxChars: intPtr(120), ResponseMaxChars: intPtr(200)},
		Tools: map[string]graph.LogToolRule{
			"search": {
				Response: []graph.LogFieldRule{
					{Path: "results[0].title", Label: "top"},
					{Path: "total", MaxChars: intPtr(4)},
				},
			},
		},
	}

	response := map[string]interface{}{
		"results": []interface{}{map[string]interface{}{"title": "Solar panels"}},
		"total":   "123456",
	}

	_, _, respPreview, respExcerpt := BuildPreviews(policy, "search", map[string]interface{}{"q": "x"}, response)
	assert.Equal(t, "top=Solar panels; total=123…", respPreview)
	assert.Equal(t, map[string]string{"top": "Solar panels", "total": "123…"}, respExcerpt)
}

func TestBuildPreviewsFallsBackWhenNoFieldResolves(t *testing.T) {
	policy := &graph.ExecutionLogPolicy{
		Tools: map[string]graph.LogToolRule{
			"search": {Response: []graph.LogFieldRule{{Path: "missing.path"}}},
		},
	}

	_, _, respPreview, respExcerpt := BuildPreviews(policy, "search", nil, map[string]interface{}{"status": "ok"})
	assert.Equal(t, `{"status":"ok"}`, respPreview)
	assert.Nil(t, respExcerpt)
}

func TestBuildPreviewsHonoursPerToolLimits(t *testing.T) {
	policy := &graph.ExecutionLogPolicy{
		Tools: map[string]graph.LogToolRule{
			"echo": {RequestMaxChars: intPtr(8)},
		},
	}

	reqPreview, _, _, _ := BuildPreviews(policy, "echo", map[string]interface{}{"message": "something long"}, nil)
	assert.Equal(t, `{"messa…`, reqPreview)
}
