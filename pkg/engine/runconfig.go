package engine

import (
	"fmt"
	"strings"

	"github.com/qcenturion/arion-agents/pkg/graph"
	"github.com/qcenturion/arion-agents/pkg/utils"
)

// RunConfig is the per-step view of one agent: its capabilities, its
// resolvable tools, the routes it may take, and the run's system params.
type RunConfig struct {
	Graph    *graph.CompiledGraph
	Agent    *graph.CompiledAgent
	AgentKey string

	EquippedTools []string
	ToolsMap      map[string]*graph.CompiledTool

	AllowedRoutes     []string
	RouteDescriptions map[string]string

	AllowRespond     bool
	AllowTaskGroup   bool
	AllowTaskRespond bool

	SystemParams map[string]interface{}
	Respond      *graph.RespondPolicy
	LogPolicy    *graph.ExecutionLogPolicy
}

// Tool resolves an equipped tool case-insensitively from the tools map.
func (c *RunConfig) Tool(name string) (*graph.CompiledTool, bool) {
	t, ok := c.ToolsMap[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// Equipped reports whether the agent lists the tool, case-insensitively.
func (c *RunConfig) Equipped(name string) bool {
	want := strings.ToLower(strings.TrimSpace(name))
	for _, key := range c.EquippedTools {
		if strings.ToLower(key) == want {
			return true
		}
	}
	return false
}

// RouteAllowed reports whether the agent may route to the target.
func (c *RunConfig) RouteAllowed(target string) bool {
	want := strings.ToLower(strings.TrimSpace(target))
	for _, route := range c.AllowedRoutes {
		if strings.ToLower(route) == want {
			return true
		}
	}
	return false
}

// BuildRunConfig resolves one agent's step view from the snapshot.
// Equipped tool keys absent from the graph's tool table are skipped, so a
// snapshot that drifted stays runnable. allowRespondOverride masks the
// agent's allow_respond flag; delegated runs pass false.
func BuildRunConfig(g *graph.CompiledGraph, agentKey string, allowRespondOverride bool, systemParams map[string]interface{}) (*RunConfig, error) {
	agent, ok := g.AgentByKey(agentKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q", graph.ErrAgentNotFound, agentKey)
	}

	cfg := &RunConfig{
		Graph:            g,
		Agent:            agent,
		AgentKey:         agent.Key,
		AllowRespond:     agent.AllowRespond && allowRespondOverride,
		AllowTaskGroup:   agent.TaskGroupAllowed(),
		AllowTaskRespond: agent.TaskRespondAllowed(),
		SystemParams:     systemParams,
		Respond:          g.Respond,
		LogPolicy:        g.ExecutionLog,
	}
	if cfg.SystemParams == nil {
		cfg.SystemParams = map[string]interface{}{}
	}

	cfg.ToolsMap = make(map[string]*graph.CompiledTool)
	for _, key := range agent.EquippedTools {
		t, found := g.ToolByKey(key)
		if !found {
			continue
		}
		cfg.EquippedTools = append(cfg.EquippedTools, t.Key)
		cfg.ToolsMap[strings.ToLower(t.Key)] = t
	}

	cfg.RouteDescriptions = make(map[string]string)
	for _, route := range agent.AllowedRoutes {
		target, found := g.AgentByKey(route)
		if !found {
			continue
		}
		cfg.AllowedRoutes = append(cfg.AllowedRoutes, target.Key)
		if target.Description != "" {
			cfg.RouteDescriptions[target.Key] = target.Description
		}
	}

	return cfg, nil
}

// MergeSystemParams layers caller overrides on process defaults and
// generates a dialogflow_session_id when absent. Built once per run; the
// generated session id stays stable across steps.
func MergeSystemParams(defaults, overrides map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(defaults)+len(overrides)+1)
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	if _, ok := merged["dialogflow_session_id"]; !ok {
		merged["dialogflow_session_id"] = utils.NewID()
	}
	return merged
}
