package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcenturion/arion-agents/pkg/graph"
	"github.com/qcenturion/arion-agents/pkg/llm"
	"github.com/qcenturion/arion-agents/pkg/observability"
	"github.com/qcenturion/arion-agents/pkg/runlog"
	"github.com/qcenturion/arion-agents/pkg/tool"
)

// scriptedDecide returns each decision in order, one per call.
func scriptedDecide(t *testing.T, decisions ...llm.Decision) llm.DecideFunc {
	i := 0
	return func(ctx context.Context, prompt, model string) (*llm.Result, error) {
		require.Less(t, i, len(decisions), "decide called more times than scripted")
		d := decisions[i]
		i++
		return &llm.Result{
			Parsed: &d,
			Usage:  &llm.Usage{PromptTokens: 10, ResponseTokens: 5, TotalTokens: 15},
		}, nil
	}
}

type failingProvider struct{}

func (failingProvider) Run(ctx context.Context, in tool.Input) tool.Output {
	return tool.Errorf("boom")
}

func testRegistry() *tool.Registry {
	reg := tool.NewDefaultRegistry(nil)
	reg.Register("test:fail", func(cfg tool.Config) (tool.Provider, error) {
		return failingProvider{}, nil
	})
	return reg
}

func handoffGraph() *graph.CompiledGraph {
	return &graph.CompiledGraph{
		DefaultAgentKey: "triage",
		Agents: []graph.CompiledAgent{
			{Key: "triage", Description: "routes requests", AllowedRoutes: []string{"writer"}},
			{Key: "writer", Description: "writes the answer", AllowRespond: true},
		},
	}
}

func soloGraph(paramsSchema map[string]graph.ParamSpec) *graph.CompiledGraph {
	return &graph.CompiledGraph{
		DefaultAgentKey: "solo",
		Agents: []graph.CompiledAgent{
			{Key: "solo", AllowRespond: true, EquippedTools: []string{"echo"}},
		},
		Tools: []graph.CompiledTool{
			{Key: "echo", ProviderType: tool.ProviderEcho, ParamsSchema: paramsSchema},
		},
	}
}

func agentEntries(entries []runlog.Entry) []runlog.Entry {
	var out []runlog.Entry
	for _, e := range entries {
		if e["type"] == runlog.TypeAgent {
			out = append(out, e)
		}
	}
	return out
}

func toolEntries(entries []runlog.Entry) []runlog.Entry {
	var out []runlog.Entry
	for _, e := range entries {
		if e["type"] == runlog.TypeTool {
			out = append(out, e)
		}
	}
	return out
}

func TestRunHandoffAndRespond(t *testing.T) {
	eng := &Engine{
		Graph:    handoffGraph(),
		Registry: testRegistry(),
		Decide: scriptedDecide(t,
			llm.Decision{Action: llm.ActionRouteToAgent, ActionDetails: map[string]interface{}{
				"target_agent_name": "writer",
				"context":           map[string]interface{}{"summary": "ok"},
			}},
			llm.Decision{Action: llm.ActionRespond, ActionDetails: map[string]interface{}{
				"payload": map[string]interface{}{"message": "hello"},
			}},
		),
	}

	artifact, err := eng.Run(context.Background(), RunRequest{UserMessage: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "ok", artifact.Final["status"])
	assert.Equal(t, map[string]interface{}{"message": "hello"}, artifact.Final["response"])

	agents := agentEntries(artifact.ExecutionLog)
	require.Len(t, agents, 2)
	assert.Equal(t, "triage", agents[0]["agent_key"])
	assert.Equal(t, 0, agents[0]["epoch"])
	assert.Equal(t, "writer", agents[1]["agent_key"])
	assert.Equal(t, 1, agents[1]["epoch"])
	assert.Empty(t, toolEntries(artifact.ExecutionLog))

	require.NotEmpty(t, artifact.StepEvents)
	assert.Equal(t, 0, artifact.StepEvents[0].Seq)
	assert.Equal(t, "log_entry", artifact.StepEvents[0].Step.Kind)
	assert.Equal(t, "agent", artifact.StepEvents[0].Step.EntryType)
	assert.Equal(t, "triage", artifact.StepEvents[0].Step.Payload["agent_key"])

	assert.Equal(t, 30, artifact.UsageTotals["total_tokens"])
}

func TestRunToolThenRespond(t *testing.T) {
	eng := &Engine{
		Graph: soloGraph(map[string]graph.ParamSpec{
			"message": {Source: graph.SourceAgent, Required: true},
		}),
		Registry: testRegistry(),
		Decide: scriptedDecide(t,
			llm.Decision{Action: llm.ActionUseTool, ActionDetails: map[string]interface{}{
				"tool_name":   "echo",
				"tool_params": map[string]interface{}{"message": "hi"},
			}},
			llm.Decision{Action: llm.ActionRespond, ActionDetails: map[string]interface{}{
				"payload": map[string]interface{}{"message": "done"},
			}},
		),
	}

	artifact, err := eng.Run(context.Background(), RunRequest{UserMessage: "go", Debug: true})
	require.NoError(t, err)
	require.Equal(t, "ok", artifact.Final["status"])

	tools := toolEntries(artifact.ExecutionLog)
	require.Len(t, tools, 1)
	assert.Equal(t, "ok", tools[0]["status"])

	execID := tools[0]["execution_id"].(string)
	rec, ok := artifact.ToolLog[execID]
	require.True(t, ok)
	result := rec.Result.(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"message": "hi"}, result["echo"])

	// Second step prompt surfaces the first step's tool output.
	agents := agentEntries(artifact.ExecutionLog)
	require.Len(t, agents, 2)
	prompt, _ := agents[1]["prompt"].(string)
	require.NotEmpty(t, prompt)
	assert.Contains(t, prompt, "Tool outputs")
	assert.Contains(t, prompt, "hi")
}

func TestRunRejectsAgentSuppliedSystemParam(t *testing.T) {
	eng := &Engine{
		Graph: soloGraph(map[string]graph.ParamSpec{
			"message":     {Source: graph.SourceAgent, Required: true},
			"customer_id": {Source: graph.SourceSystem},
		}),
		Registry: testRegistry(),
		Decide: scriptedDecide(t,
			llm.Decision{Action: llm.ActionUseTool, ActionDetails: map[string]interface{}{
				"tool_name":   "echo",
				"tool_params": map[string]interface{}{"message": "hi", "customer_id": "X"},
			}},
		),
	}

	artifact, err := eng.Run(context.Background(), RunRequest{UserMessage: "go"})
	require.NoError(t, err)

	assert.Equal(t, "error", artifact.Final["status"])
	assert.Contains(t, artifact.Final["error"].(string), "customer_id")
	assert.Empty(t, toolEntries(artifact.ExecutionLog))
	assert.Empty(t, artifact.ToolLog)
}

func TestRunTaskGroupRetriesAndFails(t *testing.T) {
	g := &graph.CompiledGraph{
		DefaultAgentKey: "primary",
		Agents: []graph.CompiledAgent{
			{Key: "primary", AllowTaskGroup: boolPtr(true), EquippedTools: []string{"fail"}},
		},
		Tools: []graph.CompiledTool{
			{Key: "fail", ProviderType: "test:fail"},
		},
	}
	eng := &Engine{
		Graph:    g,
		Registry: testRegistry(),
		Decide: scriptedDecide(t,
			llm.Decision{Action: llm.ActionTaskGroup, ActionDetails: map[string]interface{}{
				"tasks": []interface{}{
					map[string]interface{}{
						"task_type":    "use_tool",
						"tool_name":    "fail",
						"retry_policy": map[string]interface{}{"attempts": 2},
					},
				},
			}},
		),
	}

	artifact, err := eng.Run(context.Background(), RunRequest{UserMessage: "go"})
	require.NoError(t, err)

	assert.Equal(t, "error", artifact.Final["status"])
	assert.Equal(t, "TASK_GROUP", artifact.Final["action_type"])
	assert.Contains(t, artifact.Final["error"].(string), "boom")

	tools := toolEntries(artifact.ExecutionLog)
	require.Len(t, tools, 2)
	for _, e := range tools {
		assert.Equal(t, "error", e["status"])
		assert.NotEmpty(t, e["group_id"])
	}

	var groupEntry runlog.Entry
	for _, e := range artifact.ExecutionLog {
		if e["type"] == runlog.TypeTaskGroup {
			groupEntry = e
		}
	}
	require.NotNil(t, groupEntry)
	assert.Equal(t, "error", groupEntry["status"])
	tasks := groupEntry["tasks"].([]map[string]interface{})
	require.Len(t, tasks, 1)
	assert.Equal(t, "use_tool", tasks[0]["task_type"])
	attempts := tasks[0]["attempts"].([]map[string]interface{})
	assert.Len(t, attempts, 2)
}

func TestRunTaskGroupWithDelegation(t *testing.T) {
	g := &graph.CompiledGraph{
		DefaultAgentKey: "primary",
		Agents: []graph.CompiledAgent{
			{Key: "primary", AllowRespond: true, AllowTaskGroup: boolPtr(true), EquippedTools: []string{"echo"}},
			{Key: "child", AllowTaskRespond: boolPtr(true)},
		},
		Tools: []graph.CompiledTool{
			{Key: "echo", ProviderType: tool.ProviderEcho},
		},
	}
	eng := &Engine{
		Graph:    g,
		Registry: testRegistry(),
		Decide: scriptedDecide(t,
			llm.Decision{Action: llm.ActionTaskGroup, ActionDetails: map[string]interface{}{
				"group_id": "grp-1",
				"tasks": []interface{}{
					map[string]interface{}{
						"task_type":   "use_tool",
						"tool_name":   "echo",
						"tool_params": map[string]interface{}{"message": "hi"},
					},
					map[string]interface{}{
						"task_type": "delegate_agent",
						"delegation_details": []interface{}{
							map[string]interface{}{
								"agent_key":  "child",
								"assignment": "summarise X",
								"max_steps":  3,
							},
						},
					},
				},
			}},
			llm.Decision{Action: llm.ActionTaskRespond, ActionDetails: map[string]interface{}{
				"payload": map[string]interface{}{"message": "delegated done"},
			}},
			llm.Decision{Action: llm.ActionRespond, ActionDetails: map[string]interface{}{
				"payload": map[string]interface{}{"message": "all done"},
			}},
		),
	}

	artifact, err := eng.Run(context.Background(), RunRequest{UserMessage: "go"})
	require.NoError(t, err)
	require.Equal(t, "ok", artifact.Final["status"])
	response := artifact.Final["response"].(map[string]interface{})
	assert.Equal(t, "all done", response["message"])

	tools := toolEntries(artifact.ExecutionLog)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0]["tool_key"])
	assert.Equal(t, "grp-1", tools[0]["group_id"])

	var groupEntry runlog.Entry
	for _, e := range artifact.ExecutionLog {
		if e["type"] == runlog.TypeTaskGroup {
			groupEntry = e
		}
	}
	require.NotNil(t, groupEntry)
	assert.Equal(t, "ok", groupEntry["status"])
	tasks := groupEntry["tasks"].([]map[string]interface{})
	require.Len(t, tasks, 2)
	assert.Equal(t, "ok", tasks[1]["status"])

	attempts := tasks[1]["attempts"].([]map[string]interface{})
	require.Len(t, attempts, 1)
	delegations := attempts[0]["delegations"].([]map[string]interface{})
	require.Len(t, delegations, 1)
	nestedFinal := delegations[0]["final"].(map[string]interface{})
	assert.Equal(t, "ok", nestedFinal["status"])
	assert.Equal(t, "TASK_RESPOND", nestedFinal["action_type"])
}

func TestRunMaxStepsGuardrail(t *testing.T) {
	g := &graph.CompiledGraph{
		DefaultAgentKey: "triage",
		Agents: []graph.CompiledAgent{
			{Key: "triage", AllowedRoutes: []string{"writer"}},
			{Key: "writer", AllowedRoutes: []string{"triage"}},
		},
	}
	route := func(target string) llm.Decision {
		return llm.Decision{Action: llm.ActionRouteToAgent, ActionDetails: map[string]interface{}{
			"target_agent_name": target,
		}}
	}
	eng := &Engine{
		Graph:    g,
		Registry: testRegistry(),
		Decide:   scriptedDecide(t, route("writer"), route("triage"), route("writer"), route("triage")),
	}

	artifact, err := eng.Run(context.Background(), RunRequest{UserMessage: "go", MaxSteps: 4})
	require.NoError(t, err)

	assert.Equal(t, "error", artifact.Final["status"])
	assert.Equal(t, "max_steps_exceeded", artifact.Final["error"])

	agents := agentEntries(artifact.ExecutionLog)
	require.Len(t, agents, 4)
	for i, e := range agents {
		assert.Equal(t, i, e["epoch"])
	}
}

func TestRunGateRejectsForbiddenRespond(t *testing.T) {
	g := &graph.CompiledGraph{
		DefaultAgentKey: "triage",
		Agents:          []graph.CompiledAgent{{Key: "triage"}},
	}
	eng := &Engine{
		Graph:    g,
		Registry: testRegistry(),
		Decide: scriptedDecide(t,
			llm.Decision{Action: llm.ActionRespond, ActionDetails: map[string]interface{}{
				"payload": map[string]interface{}{"message": "nope"},
			}},
		),
	}

	artifact, err := eng.Run(context.Background(), RunRequest{UserMessage: "go"})
	require.NoError(t, err)
	assert.Equal(t, "error", artifact.Final["status"])
	assert.Contains(t, artifact.Final["error"].(string), GateRespondNotPermitted)
}

func TestRunUnknownAgent(t *testing.T) {
	eng := &Engine{Graph: handoffGraph(), Registry: testRegistry()}
	_, err := eng.Run(context.Background(), RunRequest{AgentKey: "ghost", UserMessage: "go"})
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrAgentNotFound)
}

func TestToolErrorDoesNotTerminateRun(t *testing.T) {
	g := &graph.CompiledGraph{
		DefaultAgentKey: "solo",
		Agents: []graph.CompiledAgent{
			{Key: "solo", AllowRespond: true, EquippedTools: []string{"fail"}},
		},
		Tools: []graph.CompiledTool{{Key: "fail", ProviderType: "test:fail"}},
	}
	eng := &Engine{
		Graph:    g,
		Registry: testRegistry(),
		Decide: scriptedDecide(t,
			llm.Decision{Action: llm.ActionUseTool, ActionDetails: map[string]interface{}{
				"tool_name": "fail",
			}},
			llm.Decision{Action: llm.ActionRespond, ActionDetails: map[string]interface{}{
				"payload": map[string]interface{}{"message": "recovered"},
			}},
		),
	}

	artifact, err := eng.Run(context.Background(), RunRequest{UserMessage: "go"})
	require.NoError(t, err)
	assert.Equal(t, "ok", artifact.Final["status"])

	tools := toolEntries(artifact.ExecutionLog)
	require.Len(t, tools, 1)
	assert.Equal(t, "error", tools[0]["status"])
}

func TestMergeToolParams(t *testing.T) {
	tl := &graph.CompiledTool{
		Key: "lookup",
		ParamsSchema: map[string]graph.ParamSpec{
			"query":  {Source: graph.SourceAgent, Required: true},
			"region": {Source: graph.SourceSystem, Required: true},
			"limit":  {Source: graph.SourceAgent, Default: float64(10)},
		},
	}

	merged, gateErr := MergeToolParams(tl,
		map[string]interface{}{"query": "x"},
		map[string]interface{}{"region": "emea"})
	require.Nil(t, gateErr)
	assert.Equal(t, "x", merged["query"])
	assert.Equal(t, "emea", merged["region"])
	assert.Equal(t, float64(10), merged["limit"])

	_, gateErr = MergeToolParams(tl, map[string]interface{}{}, map[string]interface{}{"region": "emea"})
	require.NotNil(t, gateErr)
	assert.Equal(t, GateMissingRequiredParams, gateErr.Kind)

	_, gateErr = MergeToolParams(tl, map[string]interface{}{"query": "x"}, map[string]interface{}{})
	require.NotNil(t, gateErr)
	assert.Equal(t, GateMissingSystemParam, gateErr.Kind)

	_, gateErr = MergeToolParams(tl,
		map[string]interface{}{"query": "x", "region": "apac"},
		map[string]interface{}{"region": "emea"})
	require.NotNil(t, gateErr)
	assert.Equal(t, GateSystemParamsNotAllowed, gateErr.Kind)
	assert.Contains(t, gateErr.Message, "region")
}

func TestMergeToolParamsSchemaViolation(t *testing.T) {
	tl := &graph.CompiledTool{
		Key: "lookup",
		Metadata: map[string]interface{}{
			"agent_params_json_schema": map[string]interface{}{
				"type":                 "object",
				"properties":           map[string]interface{}{"query": map[string]interface{}{"type": "string"}},
				"required":             []interface{}{"query"},
				"additionalProperties": false,
			},
		},
	}

	_, gateErr := MergeToolParams(tl, map[string]interface{}{"bogus": 1}, nil)
	require.NotNil(t, gateErr)
	assert.Equal(t, GateToolParamsSchemaViolation, gateErr.Kind)

	merged, gateErr := MergeToolParams(tl, map[string]interface{}{"query": "ok"}, nil)
	require.Nil(t, gateErr)
	assert.Equal(t, "ok", merged["query"])
}

func TestDecisionToInstructionValidation(t *testing.T) {
	_, err := DecisionToInstruction(&llm.Decision{
		Action:        llm.ActionTaskGroup,
		ActionDetails: map[string]interface{}{"tasks": []interface{}{}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-empty tasks")

	_, err = DecisionToInstruction(&llm.Decision{
		Action:        llm.ActionUseTool,
		ActionDetails: map[string]interface{}{},
	})
	require.Error(t, err)

	instr, err := DecisionToInstruction(&llm.Decision{
		Action:        llm.ActionRespond,
		ActionDetails: map[string]interface{}{"payload": "plain text"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"message": "plain text"}, instr.Action.Respond.Payload)
}

func TestRunRecordsToolAndLLMMetrics(t *testing.T) {
	metrics, err := observability.InitMetrics(true)
	require.NoError(t, err)

	eng := &Engine{
		Graph:    soloGraph(nil),
		Registry: testRegistry(),
		Metrics:  metrics,
		Decide: scriptedDecide(t,
			llm.Decision{Action: llm.ActionUseTool, ActionDetails: map[string]interface{}{
				"tool_name": "echo",
			}},
			llm.Decision{Action: llm.ActionRespond, ActionDetails: map[string]interface{}{
				"payload": map[string]interface{}{"message": "done"},
			}},
		),
	}

	artifact, err := eng.Run(context.Background(), RunRequest{UserMessage: "go"})
	require.NoError(t, err)
	require.Equal(t, "ok", artifact.Final["status"])

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	seen := make(map[string]bool, len(families))
	for _, mf := range families {
		seen[mf.GetName()] = true
	}
	assert.True(t, seen["arion_tool_calls_total"], "tool call counter not exported")
	assert.True(t, seen["arion_llm_tokens_input_total"], "llm token counter not exported")
	assert.True(t, seen["arion_llm_request_duration_seconds"], "llm duration histogram not exported")
}

func TestTaskGroupWireKeysAndAliases(t *testing.T) {
	canonical, err := DecisionToInstruction(&llm.Decision{
		Action: llm.ActionTaskGroup,
		ActionDetails: map[string]interface{}{
			"tasks": []interface{}{
				map[string]interface{}{"task_type": "use_tool", "tool_name": "echo"},
				map[string]interface{}{
					"task_type": "delegate_agent",
					"delegation_details": []interface{}{
						map[string]interface{}{"agent_key": "child", "assignment": "x"},
					},
				},
			},
		},
	})
	require.NoError(t, err)
	tasks := canonical.Action.TaskGroup.Tasks
	require.Len(t, tasks, 2)
	assert.Equal(t, TaskUseTool, tasks[0].Type)
	assert.Equal(t, "echo", tasks[0].ToolName)
	require.Len(t, tasks[1].Details, 1)
	assert.Equal(t, "child", tasks[1].Details[0].AgentKey)

	short, err := DecisionToInstruction(&llm.Decision{
		Action: llm.ActionTaskGroup,
		ActionDetails: map[string]interface{}{
			"tasks": []interface{}{
				map[string]interface{}{"type": "use_tool", "tool_name": "echo"},
				map[string]interface{}{
					"type": "delegate_agent",
					"details": []interface{}{
						map[string]interface{}{"agent_key": "child", "assignment": "x"},
					},
				},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, canonical.Action.TaskGroup.Tasks, short.Action.TaskGroup.Tasks)
}

func TestBuildRunConfigSkipsDriftedTools(t *testing.T) {
	g := &graph.CompiledGraph{
		Agents: []graph.CompiledAgent{
			{Key: "solo", EquippedTools: []string{"echo", "gone"}},
		},
		Tools: []graph.CompiledTool{{Key: "echo", ProviderType: tool.ProviderEcho}},
	}
	cfg, err := BuildRunConfig(g, "SOLO", true, nil)
	require.NoError(t, err)
	assert.Equal(t, "solo", cfg.AgentKey)
	assert.Equal(t, []string{"echo"}, cfg.EquippedTools)
	assert.True(t, cfg.Equipped("ECHO"))
	assert.False(t, cfg.Equipped("gone"))
}

func TestMergeSystemParamsGeneratesSessionID(t *testing.T) {
	merged := MergeSystemParams(
		map[string]interface{}{"region": "emea", "tier": "gold"},
		map[string]interface{}{"tier": "silver"})
	assert.Equal(t, "emea", merged["region"])
	assert.Equal(t, "silver", merged["tier"])
	assert.NotEmpty(t, merged["dialogflow_session_id"])

	withID := MergeSystemParams(nil, map[string]interface{}{"dialogflow_session_id": "fixed"})
	assert.Equal(t, "fixed", withID["dialogflow_session_id"])
}

func TestResolvePromptStepZero(t *testing.T) {
	g := soloGraph(map[string]graph.ParamSpec{
		"message": {Source: graph.SourceAgent, Required: true},
	})
	agentKey, prompt, err := ResolvePrompt(g, "", "hello there", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "solo", agentKey)
	assert.Contains(t, prompt, "hello there")
	assert.Contains(t, prompt, "## Available actions")
	assert.Contains(t, prompt, "### USE_TOOL")
	assert.Contains(t, prompt, "### RESPOND")
	assert.NotContains(t, prompt, "### ROUTE_TO_AGENT")
	assert.True(t, strings.Contains(prompt, "echo"))
}

func TestInvokeRejectsTaskGroup(t *testing.T) {
	instr, err := ParseInstruction("r", map[string]interface{}{
		"type": "TASK_GROUP",
		"tasks": []interface{}{
			map[string]interface{}{"type": "use_tool", "tool_name": "echo"},
		},
	})
	require.NoError(t, err)

	_, err = Invoke(context.Background(), handoffGraph(), testRegistry(), "triage", instr, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler")
}

func boolPtr(b bool) *bool { return &b }
