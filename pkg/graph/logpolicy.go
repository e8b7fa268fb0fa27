package graph

// Built-in preview truncation limits, used when the snapshot carries no
// execution log policy at all.
const (
	DefaultRequestPreviewLimit  = 50
	DefaultResponsePreviewLimit = 100
)

// LogFieldRule selects one field of a tool request or response for the
// execution log preview. Path supports dotted segments, [idx] for lists,
// and ["key"] for keys containing dots.
type LogFieldRule struct {
	Path     string `json:"path"`
	Label    string `json:"label,omitempty"`
	MaxChars *int   `json:"max_chars,omitempty"`
}

// LogToolRule holds per-tool extraction rules and truncation overrides.
type LogToolRule struct {
	Request          []LogFieldRule `json:"request,omitempty"`
	Response         []LogFieldRule `json:"response,omitempty"`
	RequestMaxChars  *int           `json:"request_max_chars,omitempty"`
	ResponseMaxChars *int           `json:"response_max_chars,omitempty"`
}

// LogDefaults is the network-wide fallback truncation configuration.
// The compiler emits 120 and 200 when the network does not override them.
type LogDefaults struct {
	RequestMaxChars  *int `json:"request_max_chars,omitempty"`
	ResponseMaxChars *int `json:"response_max_chars,omitempty"`
}

// ExecutionLogPolicy controls which fields of tool payloads are projected
// into execution log previews, and how aggressively they are truncated.
type ExecutionLogPolicy struct {
	Defaults LogDefaults            `json:"defaults"`
	Tools    map[string]LogToolRule `json:"tools,omitempty"`
}

// ToolRule returns the rule block for a tool, or nil if none is configured.
func (p *ExecutionLogPolicy) ToolRule(toolKey string) *LogToolRule {
	if p == nil || toolKey == "" {
		return nil
	}
	if rule, ok := p.Tools[toolKey]; ok {
		return &rule
	}
	return nil
}

// RequestLimit resolves the effective request preview limit for a tool.
func (p *ExecutionLogPolicy) RequestLimit(toolKey string) int {
	if rule := p.ToolRule(toolKey); rule != nil && rule.RequestMaxChars != nil {
		return *rule.RequestMaxChars
	}
	if p != nil && p.Defaults.RequestMaxChars != nil {
		return *p.Defaults.RequestMaxChars
	}
	return DefaultRequestPreviewLimit
}

// ResponseLimit resolves the effective response preview limit for a tool.
func (p *ExecutionLogPolicy) ResponseLimit(toolKey string) int {
	if rule := p.ToolRule(toolKey); rule != nil && rule.ResponseMaxChars != nil {
		return *rule.ResponseMaxChars
	}
	if p != nil && p.Defaults.ResponseMaxChars != nil {
		return *p.Defaults.ResponseMaxChars
	}
	return DefaultResponsePreviewLimit
}
