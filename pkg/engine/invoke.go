package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/qcenturion/arion-agents/pkg/graph"
	"github.com/qcenturion/arion-agents/pkg/llm"
	"github.com/qcenturion/arion-agents/pkg/tool"
)

// Invoke executes one pre-formed instruction against one agent and
// returns the raw orchestrator result. Task groups are scheduler-only
// and rejected here. Used by the admin invoke endpoint and tests.
func Invoke(ctx context.Context, g *graph.CompiledGraph, reg *tool.Registry, agentKey string, instr *Instruction, systemDefaults, systemParams map[string]interface{}) (*OrchestratorResult, error) {
	if instr.Action.Type == llm.ActionTaskGroup {
		return nil, fmt.Errorf("TASK_GROUP instructions are executed by the run scheduler, not invoke")
	}

	merged := MergeSystemParams(systemDefaults, systemParams)
	cfg, err := BuildRunConfig(g, agentKey, true, merged)
	if err != nil {
		return nil, err
	}

	executor := &Executor{Registry: reg}
	result, _ := executor.Execute(ctx, instr, cfg)
	return result, nil
}

// ResolvePrompt builds the exact prompt the named agent would receive at
// step 0 of a fresh run: epoch 0, empty log, no handoff context.
func ResolvePrompt(g *graph.CompiledGraph, agentKey, userMessage string, systemDefaults, systemParams map[string]interface{}) (string, string, error) {
	if strings.TrimSpace(agentKey) == "" {
		agentKey = g.DefaultAgentKey
	}
	merged := MergeSystemParams(systemDefaults, systemParams)
	cfg, err := BuildRunConfig(g, agentKey, true, merged)
	if err != nil {
		return "", "", err
	}
	prompt := BuildPrompt(PromptInput{
		Config:      cfg,
		UserMessage: userMessage,
	})
	return cfg.AgentKey, prompt, nil
}
