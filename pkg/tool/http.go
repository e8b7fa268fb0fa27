package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ProviderHTTP is the provider type of the declarative HTTP caller.
const ProviderHTTP = "http:request"

// httpBinding maps one request parameter to its value source.
type httpBinding struct {
	Source string      `json:"source,omitempty"`
	Name   string      `json:"name,omitempty"`
	Value  interface{} `json:"value,omitempty"`
}

// httpSpec is the declarative request description carried in
// metadata.http of a compiled tool.
type httpSpec struct {
	URL          string                 `json:"url,omitempty"`
	BaseURL      string                 `json:"base_url,omitempty"`
	Path         string                 `json:"path,omitempty"`
	Method       string                 `json:"method,omitempty"`
	TimeoutSec   float64                `json:"timeout_sec,omitempty"`
	Headers      map[string]string      `json:"headers,omitempty"`
	Query        map[string]httpBinding `json:"query,omitempty"`
	Body         map[string]httpBinding `json:"body,omitempty"`
	PathParams   map[string]httpBinding `json:"path_params,omitempty"`
	APIKeyHeader string                 `json:"api_key_header,omitempty"`
	Unwrap       string                 `json:"unwrap,omitempty"`
	Keys         []string               `json:"keys,omitempty"`
}

// HTTPCaller performs a single HTTP request described by the tool's
// metadata, binding query, body, and path parameters from the agent's
// params, the run's system params, constants, or the tool secret.
type HTTPCaller struct {
	spec   httpSpec
	secret string
	client *http.Client
}

// NewHTTP builds an HTTP provider from metadata.http.
func NewHTTP(cfg Config) (Provider, error) {
	raw, ok := cfg.Metadata["http"]
	if !ok {
		return nil, fmt.Errorf("tool %q: metadata.http is required for %s", cfg.Key, ProviderHTTP)
	}
	var spec httpSpec
	if err := reencode(raw, &spec); err != nil {
		return nil, fmt.Errorf("tool %q: invalid metadata.http: %w", cfg.Key, err)
	}
	if spec.URL == "" && spec.BaseURL == "" {
		return nil, fmt.Errorf("tool %q: metadata.http needs url or base_url", cfg.Key)
	}
	timeout := 30 * time.Second
	if spec.TimeoutSec > 0 {
		timeout = time.Duration(spec.TimeoutSec * float64(time.Second))
	}
	return &HTTPCaller{
		spec:   spec,
		secret: cfg.Secret,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func reencode(from, to interface{}) error {
	data, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, to)
}

func (h *HTTPCaller) bind(b httpBinding, key string, in Input) (interface{}, bool) {
	name := b.Name
	if name == "" {
		name = key
	}
	switch b.Source {
	case "system":
		v, ok := in.System[name]
		return v, ok
	case "const":
		return b.Value, b.Value != nil
	case "secret":
		return h.secret, h.secret != ""
	default: // agent
		v, ok := in.Params[name]
		return v, ok
	}
}

// Run executes the declarative request.
func (h *HTTPCaller) Run(ctx context.Context, in Input) Output {
	target := h.spec.URL
	if target == "" {
		target = strings.TrimRight(h.spec.BaseURL, "/") + "/" + strings.TrimLeft(h.spec.Path, "/")
	}
	for key, b := range h.spec.PathParams {
		v, ok := h.bind(b, key, in)
		if !ok {
			return Errorf("missing path param %q", key)
		}
		target = strings.ReplaceAll(target, "{"+key+"}", url.PathEscape(fmt.Sprintf("%v", v)))
	}

	method := strings.ToUpper(h.spec.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(h.spec.Body) > 0 {
		doc := make(map[string]interface{}, len(h.spec.Body))
		for key, b := range h.spec.Body {
			if v, ok := h.bind(b, key, in); ok {
				doc[key] = v
			}
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return Errorf("failed to encode request body: %v", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Errorf("invalid request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range h.spec.Headers {
		req.Header.Set(k, v)
	}
	if h.spec.APIKeyHeader != "" && h.secret != "" {
		req.Header.Set(h.spec.APIKeyHeader, h.secret)
	}

	if len(h.spec.Query) > 0 {
		q := req.URL.Query()
		for key, b := range h.spec.Query {
			if v, ok := h.bind(b, key, in); ok {
				q.Set(key, fmt.Sprintf("%v", v))
			}
		}
		req.URL.RawQuery = q.Encode()
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Errorf("http request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Errorf("failed to read response: %v", err)
	}

	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		decoded = string(data)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Output{
			OK:    false,
			Error: fmt.Sprintf("http_status_%d", resp.StatusCode),
			Result: map[string]interface{}{
				"status": resp.StatusCode,
				"body":   decoded,
			},
		}
	}

	return Output{OK: true, Result: shapeResponse(decoded, h.spec.Unwrap, h.spec.Keys)}
}

// shapeResponse applies the optional unwrap path and key projection.
func shapeResponse(v interface{}, unwrap string, keys []string) interface{} {
	if unwrap != "" {
		current := v
		for _, seg := range strings.Split(unwrap, ".") {
			m, ok := current.(map[string]interface{})
			if !ok {
				return v
			}
			next, found := m[seg]
			if !found {
				return v
			}
			current = next
		}
		v = current
	}
	if len(keys) > 0 {
		if m, ok := v.(map[string]interface{}); ok {
			projected := make(map[string]interface{}, len(keys))
			for _, k := range keys {
				if val, found := m[k]; found {
					projected[k] = val
				}
			}
			return projected
		}
	}
	return v
}
