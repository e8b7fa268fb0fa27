// Package llm defines the decide contract between the run engine and the
// language model: the structured agent decision, its JSON parsing with one
// repair pass, and the Gemini client that implements the contract.
package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Action names of the decision union. The wire strings must match these
// exactly; the engine validates details per action when translating to an
// instruction.
const (
	ActionUseTool      = "USE_TOOL"
	ActionRouteToAgent = "ROUTE_TO_AGENT"
	ActionRespond      = "RESPOND"
	ActionTaskGroup    = "TASK_GROUP"
	ActionTaskRespond  = "TASK_RESPOND"
)

var knownActions = map[string]bool{
	ActionUseTool:      true,
	ActionRouteToAgent: true,
	ActionRespond:      true,
	ActionTaskGroup:    true,
	ActionTaskRespond:  true,
}

// Decision is the structured choice returned by the model: exactly one
// action, the reasoning behind it, and the action-specific details.
type Decision struct {
	Action          string                 `json:"action" jsonschema:"enum=USE_TOOL,enum=ROUTE_TO_AGENT,enum=RESPOND,enum=TASK_GROUP,enum=TASK_RESPOND"`
	ActionReasoning string                 `json:"action_reasoning"`
	ActionDetails   map[string]interface{} `json:"action_details"`
}

// AsMap renders the decision for logging and step events.
func (d *Decision) AsMap() map[string]interface{} {
	details := d.ActionDetails
	if details == nil {
		details = map[string]interface{}{}
	}
	return map[string]interface{}{
		"action":           d.Action,
		"action_reasoning": d.ActionReasoning,
		"action_details":   details,
	}
}

var codeFencePattern = regexp.MustCompile("```(?:json)?\\n([\\s\\S]*?)\\n```")

// StripCodeFences unwraps a fenced code block if the text carries one.
func StripCodeFences(text string) string {
	if m := codeFencePattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return text
}

// ParseDecision decodes model output into a Decision. Markdown fences are
// stripped first; if strict decoding fails the text is run through a JSON
// repair pass before giving up.
func ParseDecision(text string) (*Decision, error) {
	clean := strings.TrimSpace(StripCodeFences(text))
	if clean == "" {
		return nil, fmt.Errorf("empty decision text")
	}

	var d Decision
	if err := json.Unmarshal([]byte(clean), &d); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(clean)
		if repairErr != nil {
			return nil, fmt.Errorf("failed to parse decision: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &d); err != nil {
			return nil, fmt.Errorf("failed to parse repaired decision: %w", err)
		}
	}

	d.Action = strings.ToUpper(strings.TrimSpace(d.Action))
	if !knownActions[d.Action] {
		return nil, fmt.Errorf("unknown action %q", d.Action)
	}
	if d.ActionDetails == nil {
		d.ActionDetails = map[string]interface{}{}
	}
	return &d, nil
}
