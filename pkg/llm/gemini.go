package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini decide client.
type GeminiConfig struct {
	// APIKey is the Google AI API key. Required.
	APIKey string

	// Model is the default model, used when a run names none.
	Model string

	// StrictSchema attaches the decision envelope as a response schema in
	// addition to JSON mode.
	StrictSchema bool
}

// Gemini implements the decide contract on google.golang.org/genai.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
	schema *genai.Schema
}

// NewGemini creates a Gemini decide client.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: GEMINI_API_KEY not set and no .secrets/gemini_api_key found", ErrNotConfigured)
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	g := &Gemini{client: client, cfg: cfg}
	if cfg.StrictSchema {
		g.schema = ToGenaiSchema(DecisionSchema())
	}
	return g, nil
}

// Decide implements DecideFunc: JSON mode, thinking disabled, parse with
// one repair pass, and exactly one stricter retry on parse failure. Usage
// is summed across attempts.
func (g *Gemini) Decide(ctx context.Context, prompt, model string) (*Result, error) {
	modelName := model
	if modelName == "" {
		modelName = g.cfg.Model
	}

	combined := &Usage{}
	var attemptsRaw []map[string]interface{}
	var payloads []interface{}

	call := func(p string) (string, error) {
		budget := int32(0)
		config := &genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			ThinkingConfig:   &genai.ThinkingConfig{ThinkingBudget: &budget},
		}
		if g.schema != nil {
			config.ResponseSchema = g.schema
		}
		resp, err := g.client.Models.GenerateContent(ctx, modelName, genai.Text(p), config)
		if err != nil {
			return "", fmt.Errorf("gemini decide failed: %w", err)
		}
		if usage := usageFromMetadata(resp.UsageMetadata); usage != nil {
			combined.Add(usage)
		}
		if raw := usageRaw(resp.UsageMetadata); raw != nil {
			attemptsRaw = append(attemptsRaw, raw)
		}
		payloads = append(payloads, responsePayload(resp))
		return resp.Text(), nil
	}

	buildResult := func(text string, parsed *Decision) *Result {
		var usageRawBlock map[string]interface{}
		if len(attemptsRaw) > 0 {
			usageRawBlock = map[string]interface{}{
				"attempts": attemptsRaw,
				"combined": combined.AsMap(),
			}
		}
		var payload interface{}
		if len(payloads) == 1 {
			payload = payloads[0]
		} else if len(payloads) > 1 {
			payload = payloads
		}
		return &Result{
			Text:            text,
			Parsed:          parsed,
			Usage:           combined,
			UsageRaw:        usageRawBlock,
			ResponsePayload: payload,
		}
	}

	text, err := call(prompt)
	if err != nil {
		return nil, err
	}
	if parsed, parseErr := ParseDecision(text); parseErr == nil {
		return buildResult(text, parsed), nil
	}

	retryText, err := call(prompt + RetrySuffix)
	if err != nil {
		return nil, err
	}
	parsed, parseErr := ParseDecision(retryText)
	if parseErr != nil {
		return buildResult(retryText, nil), &ParseError{Text: retryText, Err: parseErr}
	}
	return buildResult(retryText, parsed), nil
}

func usageFromMetadata(meta *genai.GenerateContentResponseUsageMetadata) *Usage {
	if meta == nil {
		return nil
	}
	u := &Usage{
		PromptTokens:   int(meta.PromptTokenCount),
		ResponseTokens: int(meta.CandidatesTokenCount),
		TotalTokens:    int(meta.TotalTokenCount),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.ResponseTokens
	}
	return u
}

func usageRaw(meta *genai.GenerateContentResponseUsageMetadata) map[string]interface{} {
	if meta == nil {
		return nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	return raw
}

func responsePayload(resp *genai.GenerateContentResponse) interface{} {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil
	}
	return payload
}
