package runlog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/qcenturion/arion-agents/pkg/graph"
)

// Truncate shortens s to at most limit characters, appending an ellipsis
// when cut. A limit of zero or less disables truncation. Counts runes so
// multi-byte text is never split mid-character.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	cutoff := limit - 1
	if cutoff < 0 {
		cutoff = 0
	}
	return string(runes[:cutoff]) + "…"
}

// Stringify renders a value for preview text: strings pass through, JSON
// values are compact-encoded, everything else falls back to fmt.
func Stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", v)
	}
}

// parsePath splits a field path into string and integer tokens. Supports
// dotted segments, [idx] for list indexing, and ["key"] for keys that
// contain dots.
func parsePath(path string) ([]interface{}, error) {
	var tokens []interface{}
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for i := 0; i < len(path); {
		switch path[i] {
		case '.':
			flush()
			i++
		case '[':
			flush()
			end := strings.IndexByte(path[i:], ']')
			if end == -1 {
				return nil, fmt.Errorf("invalid path segment (missing ]): %q", path)
			}
			segment := strings.TrimSpace(path[i+1 : i+end])
			if len(segment) >= 2 && (segment[0] == '"' || segment[0] == '\'') && segment[len(segment)-1] == segment[0] {
				tokens = append(tokens, segment[1:len(segment)-1])
			} else if idx, err := strconv.Atoi(segment); err == nil {
				tokens = append(tokens, idx)
			} else {
				tokens = append(tokens, segment)
			}
			i += end + 1
		default:
			current.WriteByte(path[i])
			i++
		}
	}
	flush()
	return tokens, nil
}

func traverse(payload interface{}, tokens []interface{}) (interface{}, bool) {
	current := payload
	for _, token := range tokens {
		next, ok := step(current, token)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func step(current interface{}, token interface{}) (interface{}, bool) {
	if idx, isInt := token.(int); isInt {
		list, ok := current.([]interface{})
		if !ok {
			return nil, false
		}
		if idx < 0 {
			idx += len(list)
		}
		if idx < 0 || idx >= len(list) {
			return nil, false
		}
		return list[idx], true
	}
	key := token.(string)
	if m, ok := current.(map[string]interface{}); ok {
		v, found := m[key]
		return v, found
	}
	if m, ok := current.(map[string]string); ok {
		v, found := m[key]
		return v, found
	}
	return nil, false
}

// resolvePath extracts the value at path from payload. Paths prefixed with
// a synthetic root such as "result." or "response." are retried without
// the prefix so policies survive payload reshaping.
func resolvePath(payload interface{}, path string) (interface{}, bool) {
	tokens, err := parsePath(path)
	if err != nil || len(tokens) == 0 {
		return nil, false
	}
	if v, ok := traverse(payload, tokens); ok {
		return v, true
	}
	if _, isString := tokens[0].(string); isString && len(tokens) > 1 {
		return traverse(payload, tokens[1:])
	}
	return nil, false
}

func collectPairs(payload interface{}, fields []graph.LogFieldRule, defaultLimit int) (string, map[string]string) {
	var parts []string
	excerpt := make(map[string]string)
	for _, rule := range fields {
		value, ok := resolvePath(payload, rule.Path)
		if !ok {
			continue
		}
		limit := defaultLimit
		if rule.MaxChars != nil {
			limit = *rule.MaxChars
		}
		text := Truncate(Stringify(value), limit)
		label := rule.Label
		if label == "" {
			label = rule.Path
		}
		parts = append(parts, label+"="+text)
		excerpt[label] = text
	}
	if len(parts) == 0 {
		return "", nil
	}
	return strings.Join(parts, "; "), excerpt
}

// BuildPreviews renders the request and response previews for a tool call
// according to the snapshot's execution log policy. With no per-tool field
// rules, previews are the whole payload truncated at the effective limits.
func BuildPreviews(policy *graph.ExecutionLogPolicy, toolKey string, requestPayload, responsePayload interface{}) (requestPreview string, requestExcerpt map[string]string, responsePreview string, responseExcerpt map[string]string) {
	requestLimit := policy.RequestLimit(toolKey)
	responseLimit := policy.ResponseLimit(toolKey)

	rule := policy.ToolRule(toolKey)
	if rule != nil && len(rule.Request) > 0 {
		requestPreview, requestExcerpt = collectPairs(requestPayload, rule.Request, requestLimit)
	}
	if requestPreview == "" {
		requestPreview = Truncate(Stringify(requestPayload), requestLimit)
		requestExcerpt = nil
	}

	if rule != nil && len(rule.Response) > 0 {
		responsePreview, responseExcerpt = collectPairs(responsePayload, rule.Response, responseLimit)
	}
	if responsePreview == "" {
		responsePreview = Truncate(Stringify(responsePayload), responseLimit)
		responseExcerpt = nil
	}

	return requestPreview, requestExcerpt, responsePreview, responseExcerpt
}
