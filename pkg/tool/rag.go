package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ProviderRAG is the provider type of the hybrid retrieval tool. It
// forwards queries to an external search service over HTTP; there is no
// embedded vector store.
const ProviderRAG = "rag:hybrid"

// ragService describes the external search service in metadata.service.
type ragService struct {
	BaseURL        string                 `json:"base_url"`
	SearchPath     string                 `json:"search_path,omitempty"`
	TimeoutSec     float64                `json:"timeout_sec,omitempty"`
	Headers        map[string]string      `json:"headers,omitempty"`
	APIKeyHeader   string                 `json:"api_key_header,omitempty"`
	DefaultPayload map[string]interface{} `json:"default_payload,omitempty"`
}

// RAG proxies {query, top_k?, filter?} requests to the search service,
// merged over the service's default payload.
type RAG struct {
	service ragService
	secret  string
	client  *http.Client
}

// NewRAG builds the RAG provider from metadata.service.
func NewRAG(cfg Config) (Provider, error) {
	raw, ok := cfg.Metadata["service"]
	if !ok {
		return nil, fmt.Errorf("tool %q: metadata.service is required for %s", cfg.Key, ProviderRAG)
	}
	var svc ragService
	if err := reencode(raw, &svc); err != nil {
		return nil, fmt.Errorf("tool %q: invalid metadata.service: %w", cfg.Key, err)
	}
	if svc.BaseURL == "" {
		return nil, fmt.Errorf("tool %q: metadata.service.base_url is required", cfg.Key)
	}
	if svc.SearchPath == "" {
		svc.SearchPath = "/search"
	}
	timeout := 30 * time.Second
	if svc.TimeoutSec > 0 {
		timeout = time.Duration(svc.TimeoutSec * float64(time.Second))
	}
	return &RAG{
		service: svc,
		secret:  cfg.Secret,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Run forwards the query to the search service.
func (r *RAG) Run(ctx context.Context, in Input) Output {
	query, _ := in.Params["query"].(string)
	if strings.TrimSpace(query) == "" {
		return Errorf("query parameter is required")
	}

	body := make(map[string]interface{}, len(r.service.DefaultPayload)+3)
	for k, v := range r.service.DefaultPayload {
		body[k] = v
	}
	body["query"] = query
	if topK, ok := in.Params["top_k"]; ok {
		body["top_k"] = topK
	}
	if filter, ok := in.Params["filter"]; ok {
		if _, isMap := filter.(map[string]interface{}); !isMap {
			return Errorf("filter must be an object")
		}
		body["filter"] = filter
	}
	if len(in.System) > 0 {
		if _, exists := body["system_params"]; !exists {
			body["system_params"] = in.System
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return Errorf("failed to encode search request: %v", err)
	}

	target := strings.TrimRight(r.service.BaseURL, "/") + "/" + strings.TrimLeft(r.service.SearchPath, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return Errorf("invalid search request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range r.service.Headers {
		req.Header.Set(k, v)
	}
	if r.service.APIKeyHeader != "" && r.secret != "" {
		req.Header.Set(r.service.APIKeyHeader, r.secret)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Errorf("rag service error: %v", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Errorf("rag service read error: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Errorf("rag service returned status %d", resp.StatusCode)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Errorf("rag service returned a non-object response")
	}
	return Output{OK: true, Result: decoded}
}
