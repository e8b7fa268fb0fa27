// Package graph defines the compiled snapshot model consumed by the run
// engine. A snapshot is the immutable projection of an agent network at a
// published version: its agents, tools, routes, response policy, and
// execution log policy. Snapshots are produced by the configuration store
// and validated once on load; the engine treats them as read-only.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Lookup sentinels. The HTTP layer maps these to 4xx responses.
var (
	ErrAgentNotFound = errors.New("agent not in snapshot")
	ErrToolNotFound  = errors.New("tool not in snapshot")
)

// ParamSpec describes one tool parameter: where its value comes from,
// whether it is required, and an optional default.
type ParamSpec struct {
	Source   string      `json:"source,omitempty"`
	Required bool        `json:"required,omitempty"`
	Default  interface{} `json:"default,omitempty"`
}

// Parameter sources. An empty source means agent-supplied.
const (
	SourceAgent  = "agent"
	SourceSystem = "system"
	SourceConst  = "const"
	SourceSecret = "secret"
)

// EffectiveSource returns the declared source, defaulting to agent.
func (p ParamSpec) EffectiveSource() string {
	if p.Source == "" {
		return SourceAgent
	}
	return p.Source
}

// CompiledTool is one tool made available to agents in the network.
type CompiledTool struct {
	Key          string                 `json:"key"`
	ProviderType string                 `json:"provider_type"`
	ParamsSchema map[string]ParamSpec   `json:"params_schema,omitempty"`
	SecretRef    string                 `json:"secret_ref,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Description  string                 `json:"description,omitempty"`
}

// AgentParamsSchema returns the JSON Schema used to validate agent-supplied
// tool params, if the tool declares one in its metadata.
func (t *CompiledTool) AgentParamsSchema() map[string]interface{} {
	if t.Metadata == nil {
		return nil
	}
	if schema, ok := t.Metadata["agent_params_json_schema"].(map[string]interface{}); ok {
		return schema
	}
	return nil
}

// CompiledAgent is one agent role within the network. The task flags are
// pointers because older snapshots carry them inside Metadata instead.
type CompiledAgent struct {
	Key              string                 `json:"key"`
	DisplayName      string                 `json:"display_name,omitempty"`
	Description      string                 `json:"description,omitempty"`
	Prompt           string                 `json:"prompt,omitempty"`
	AllowRespond     bool                   `json:"allow_respond"`
	AllowTaskGroup   *bool                  `json:"allow_task_group,omitempty"`
	AllowTaskRespond *bool                  `json:"allow_task_respond,omitempty"`
	EquippedTools    []string               `json:"equipped_tools,omitempty"`
	AllowedRoutes    []string               `json:"allowed_routes,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// TaskGroupAllowed resolves the task-group flag, falling back to metadata.
func (a *CompiledAgent) TaskGroupAllowed() bool {
	if a.AllowTaskGroup != nil {
		return *a.AllowTaskGroup
	}
	return metadataFlag(a.Metadata, "allow_task_group")
}

// TaskRespondAllowed resolves the task-respond flag, falling back to metadata.
func (a *CompiledAgent) TaskRespondAllowed() bool {
	if a.AllowTaskRespond != nil {
		return *a.AllowTaskRespond
	}
	return metadataFlag(a.Metadata, "allow_task_respond")
}

func metadataFlag(meta map[string]interface{}, key string) bool {
	if meta == nil {
		return false
	}
	v, ok := meta[key]
	if !ok {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return strings.EqualFold(val, "true")
	default:
		return false
	}
}

// EffectiveDisplayName returns the display name, falling back to the key.
func (a *CompiledAgent) EffectiveDisplayName() string {
	if strings.TrimSpace(a.DisplayName) != "" {
		return a.DisplayName
	}
	return a.Key
}

// BasePrompt combines the agent description and prompt template into the
// base system prompt shown to the model.
func (a *CompiledAgent) BasePrompt() string {
	var parts []string
	if s := strings.TrimSpace(a.Description); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(a.Prompt); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n\n")
}

// RespondPolicy is the network-level contract for RESPOND and TASK_RESPOND
// payloads: a JSON Schema, prose guidance, and a worked example.
type RespondPolicy struct {
	PayloadSchema   map[string]interface{} `json:"payload_schema,omitempty"`
	PayloadGuidance string                 `json:"payload_guidance,omitempty"`
	PayloadExample  map[string]interface{} `json:"payload_example,omitempty"`
}

// CompiledGraph is the immutable snapshot of one network version.
type CompiledGraph struct {
	VersionID       *int64              `json:"version_id,omitempty"`
	DefaultAgentKey string              `json:"default_agent_key,omitempty"`
	Agents          []CompiledAgent     `json:"agents"`
	Tools           []CompiledTool      `json:"tools"`
	Respond         *RespondPolicy      `json:"respond,omitempty"`
	ExecutionLog    *ExecutionLogPolicy `json:"execution_log,omitempty"`
}

// AgentByKey looks up an agent case-insensitively. The stored key keeps its
// original casing for display.
func (g *CompiledGraph) AgentByKey(key string) (*CompiledAgent, bool) {
	want := strings.ToLower(strings.TrimSpace(key))
	for i := range g.Agents {
		if strings.ToLower(g.Agents[i].Key) == want {
			return &g.Agents[i], true
		}
	}
	return nil, false
}

// ToolByKey looks up a tool case-insensitively.
func (g *CompiledGraph) ToolByKey(key string) (*CompiledTool, bool) {
	want := strings.ToLower(strings.TrimSpace(key))
	for i := range g.Tools {
		if strings.ToLower(g.Tools[i].Key) == want {
			return &g.Tools[i], true
		}
	}
	return nil, false
}

// Validate checks the snapshot's structural rules: agent and tool keys are
// unique (case-insensitive), the default agent exists, routes reference only
// agents in the graph, and no agent routes to itself.
func (g *CompiledGraph) Validate() error {
	if len(g.Agents) == 0 {
		return fmt.Errorf("snapshot has no agents")
	}

	agentKeys := make(map[string]string, len(g.Agents))
	for _, a := range g.Agents {
		if strings.TrimSpace(a.Key) == "" {
			return fmt.Errorf("agent key must be non-empty")
		}
		lower := strings.ToLower(a.Key)
		if prev, dup := agentKeys[lower]; dup {
			return fmt.Errorf("duplicate agent key %q (conflicts with %q)", a.Key, prev)
		}
		agentKeys[lower] = a.Key
	}

	toolKeys := make(map[string]string, len(g.Tools))
	for _, t := range g.Tools {
		if strings.TrimSpace(t.Key) == "" {
			return fmt.Errorf("tool key must be non-empty")
		}
		lower := strings.ToLower(t.Key)
		if prev, dup := toolKeys[lower]; dup {
			return fmt.Errorf("duplicate tool key %q (conflicts with %q)", t.Key, prev)
		}
		toolKeys[lower] = t.Key
	}

	if g.DefaultAgentKey != "" {
		if _, ok := agentKeys[strings.ToLower(g.DefaultAgentKey)]; !ok {
			return fmt.Errorf("default agent %q not in graph", g.DefaultAgentKey)
		}
	}

	for _, a := range g.Agents {
		for _, route := range a.AllowedRoutes {
			if strings.EqualFold(route, a.Key) {
				return fmt.Errorf("agent %q routes to itself", a.Key)
			}
			if _, ok := agentKeys[strings.ToLower(route)]; !ok {
				return fmt.Errorf("agent %q routes to unknown agent %q", a.Key, route)
			}
		}
	}

	return nil
}

// LoadFile reads and validates a snapshot from a JSON file.
func LoadFile(path string) (*CompiledGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a snapshot from raw JSON.
func Parse(data []byte) (*CompiledGraph, error) {
	var g CompiledGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}
	return &g, nil
}
