package tool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcenturion/arion-agents/pkg/graph"
)

func TestEchoReturnsInputs(t *testing.T) {
	p, err := NewEcho(Config{})
	require.NoError(t, err)

	out := p.Run(context.Background(), Input{
		Params: map[string]interface{}{"message": "hi"},
		System: map[string]interface{}{"customer_id": "X"},
	})

	require.True(t, out.OK)
	result, ok := out.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"message": "hi"}, result["echo"])
	assert.Equal(t, map[string]interface{}{"customer_id": "X"}, result["system"])
	assert.Equal(t, map[string]interface{}{}, result["metadata"])
}

func TestRegistryResolvesAndCaches(t *testing.T) {
	reg := NewDefaultRegistry(nil)
	tl := &graph.CompiledTool{Key: "echo", ProviderType: ProviderEcho}

	first, err := reg.Resolve(tl)
	require.NoError(t, err)
	second, err := reg.Resolve(tl)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestRegistryUnknownProvider(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Resolve(&graph.CompiledTool{Key: "x", ProviderType: "nope:nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider")
}

func TestHTTPCallerBindsParams(t *testing.T) {
	var gotPath, gotQuery, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("q")
		gotHeader = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"answer":42,"noise":true}}`))
	}))
	defer srv.Close()

	p, err := NewHTTP(Config{
		Key:    "lookup",
		Secret: "sekrit",
		Metadata: map[string]interface{}{
			"http": map[string]interface{}{
				"base_url":       srv.URL,
				"path":           "/items/{id}",
				"method":         "GET",
				"api_key_header": "X-Api-Key",
				"path_params": map[string]interface{}{
					"id": map[string]interface{}{"source": "agent"},
				},
				"query": map[string]interface{}{
					"q": map[string]interface{}{"source": "system", "name": "region"},
				},
				"unwrap": "data",
				"keys":   []interface{}{"answer"},
			},
		},
	})
	require.NoError(t, err)

	out := p.Run(context.Background(), Input{
		Params: map[string]interface{}{"id": "widget-9"},
		System: map[string]interface{}{"region": "emea"},
	})

	require.True(t, out.OK, out.Error)
	assert.Equal(t, "/items/widget-9", gotPath)
	assert.Equal(t, "emea", gotQuery)
	assert.Equal(t, "sekrit", gotHeader)
	assert.Equal(t, map[string]interface{}{"answer": float64(42)}, out.Result)
}

func TestHTTPCallerNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"detail":"upstream down"}`))
	}))
	defer srv.Close()

	p, err := NewHTTP(Config{
		Key:      "flaky",
		Metadata: map[string]interface{}{"http": map[string]interface{}{"url": srv.URL}},
	})
	require.NoError(t, err)

	out := p.Run(context.Background(), Input{})
	require.False(t, out.OK)
	assert.Equal(t, "http_status_502", out.Error)
	result := out.Result.(map[string]interface{})
	assert.Equal(t, http.StatusBadGateway, result["status"])
}

func TestRAGForwardsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"hits":[{"text":"doc"}]}`))
	}))
	defer srv.Close()

	p, err := NewRAG(Config{
		Key: "search",
		Metadata: map[string]interface{}{
			"service": map[string]interface{}{"base_url": srv.URL},
		},
	})
	require.NoError(t, err)

	out := p.Run(context.Background(), Input{
		Params: map[string]interface{}{"query": "how do epochs work", "top_k": 3},
	})
	require.True(t, out.OK, out.Error)
	result := out.Result.(map[string]interface{})
	assert.Contains(t, result, "hits")
}

func TestRAGRequiresQuery(t *testing.T) {
	p, err := NewRAG(Config{
		Key:      "search",
		Metadata: map[string]interface{}{"service": map[string]interface{}{"base_url": "http://localhost:1"}},
	})
	require.NoError(t, err)

	out := p.Run(context.Background(), Input{Params: map[string]interface{}{}})
	require.False(t, out.OK)
	assert.Contains(t, out.Error, "query")
}
