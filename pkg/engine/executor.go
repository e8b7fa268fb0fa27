package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/qcenturion/arion-agents/pkg/graph"
	"github.com/qcenturion/arion-agents/pkg/tool"
)

// OrchestratorResult statuses.
const (
	StatusOK             = "ok"
	StatusNotImplemented = "not_implemented"
	StatusRetry          = "retry"
	StatusError          = "error"
)

// OrchestratorResult is the outcome of executing one instruction. A retry
// status means the gate rejected the decision; the step loop treats it as
// terminal outside task-group retries.
type OrchestratorResult struct {
	Status    string      `json:"status"`
	Response  interface{} `json:"response,omitempty"`
	NextAgent string      `json:"next_agent,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// AsMap renders the result for final envelopes and log entries.
func (r *OrchestratorResult) AsMap() map[string]interface{} {
	out := map[string]interface{}{"status": r.Status}
	if r.Response != nil {
		out["response"] = r.Response
	}
	if r.NextAgent != "" {
		out["next_agent"] = r.NextAgent
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return out
}

// ToolInvocation is the side record of one USE_TOOL execution, produced
// alongside the OrchestratorResult so the loop can feed the tool store
// and the execution log. Present for both succeeded and failed calls.
type ToolInvocation struct {
	ToolKey       string
	MergedParams  map[string]interface{}
	Result        interface{}
	Status        string
	StartedAtMS   int64
	CompletedAtMS int64
	DurationMS    int64
}

// Executor gates and executes instructions against a RunConfig.
type Executor struct {
	Registry *tool.Registry
}

// Execute runs one instruction: gate, merge parameters, and for USE_TOOL
// invoke the provider. TASK_GROUP is the scheduler's job and is rejected
// here with not_implemented.
func (e *Executor) Execute(ctx context.Context, instr *Instruction, cfg *RunConfig) (*OrchestratorResult, *ToolInvocation) {
	switch instr.Action.Type {
	case "RESPOND":
		if !cfg.AllowRespond {
			return gateResult(gateErrorf(GateRespondNotPermitted, "agent %q may not respond", cfg.AgentKey)), nil
		}
		return &OrchestratorResult{Status: StatusOK, Response: instr.Action.Respond.Payload}, nil

	case "TASK_RESPOND":
		if !cfg.AllowTaskRespond {
			return gateResult(gateErrorf(GateTaskRespondNotPermitted, "agent %q may not task-respond", cfg.AgentKey)), nil
		}
		return &OrchestratorResult{Status: StatusOK, Response: instr.Action.TaskRespond.Payload}, nil

	case "ROUTE_TO_AGENT":
		target := instr.Action.Route.TargetAgentName
		if !cfg.RouteAllowed(target) {
			return gateResult(gateErrorf(GateRouteNotPermitted, "agent %q may not route to %q", cfg.AgentKey, target)), nil
		}
		return &OrchestratorResult{Status: StatusNotImplemented, NextAgent: target}, nil

	case "TASK_GROUP":
		if !cfg.AllowTaskGroup {
			return gateResult(gateErrorf(GateTaskGroupNotPermitted, "agent %q may not start task groups", cfg.AgentKey)), nil
		}
		return &OrchestratorResult{Status: StatusNotImplemented, Error: "task groups are executed by the scheduler"}, nil

	case "USE_TOOL":
		return e.executeTool(ctx, instr.Action.UseTool, cfg)

	default:
		return &OrchestratorResult{Status: StatusError, Error: fmt.Sprintf("unknown action %q", instr.Action.Type)}, nil
	}
}

func (e *Executor) executeTool(ctx context.Context, a *UseToolAction, cfg *RunConfig) (*OrchestratorResult, *ToolInvocation) {
	if !cfg.Equipped(a.ToolName) {
		return gateResult(gateErrorf(GateToolNotPermitted, "tool %q is not equipped on agent %q", a.ToolName, cfg.AgentKey)), nil
	}
	t, ok := cfg.Tool(a.ToolName)
	if !ok {
		return gateResult(gateErrorf(GateToolNotConfigured, "tool %q is not configured in the snapshot", a.ToolName)), nil
	}

	merged, gateErr := MergeToolParams(t, a.ToolParams, cfg.SystemParams)
	if gateErr != nil {
		return gateResult(gateErr), nil
	}

	provider, err := e.Registry.Resolve(t)
	if err != nil {
		return gateResult(gateErrorf(GateToolNotConfigured, "%v", err)), nil
	}

	started := time.Now()
	out := provider.Run(ctx, tool.Input{
		Params:   merged,
		System:   cfg.SystemParams,
		Metadata: t.Metadata,
	})
	completed := time.Now()

	inv := &ToolInvocation{
		ToolKey:       t.Key,
		MergedParams:  merged,
		StartedAtMS:   started.UnixMilli(),
		CompletedAtMS: completed.UnixMilli(),
		DurationMS:    completed.Sub(started).Milliseconds(),
	}

	if !out.OK {
		inv.Status = StatusError
		inv.Result = map[string]interface{}{"ok": false, "error": out.Error, "result": out.Result}
		return &OrchestratorResult{Status: StatusError, Error: out.Error, Response: map[string]interface{}{
			"tool":        t.Key,
			"params":      merged,
			"result":      out.Result,
			"duration_ms": inv.DurationMS,
		}}, inv
	}

	inv.Status = StatusOK
	inv.Result = out.Result
	return &OrchestratorResult{Status: StatusOK, Response: map[string]interface{}{
		"tool":        t.Key,
		"params":      merged,
		"result":      out.Result,
		"duration_ms": inv.DurationMS,
	}}, inv
}

func gateResult(err *GateError) *OrchestratorResult {
	return &OrchestratorResult{Status: StatusRetry, Error: err.Error()}
}

// MergeToolParams builds the effective parameter map for a tool call.
// Order matters: system-sourced keys in the agent's params are rejected
// first, then agent-required presence, system injection, defaults, and
// finally the agent-facing JSON Schema against the raw agent params.
func MergeToolParams(t *graph.CompiledTool, agentParams, systemParams map[string]interface{}) (map[string]interface{}, *GateError) {
	if agentParams == nil {
		agentParams = map[string]interface{}{}
	}

	var forbidden []string
	for name, spec := range t.ParamsSchema {
		if spec.EffectiveSource() != graph.SourceSystem {
			continue
		}
		if _, present := agentParams[name]; present {
			forbidden = append(forbidden, name)
		}
	}
	if len(forbidden) > 0 {
		sort.Strings(forbidden)
		return nil, gateErrorf(GateSystemParamsNotAllowed,
			"tool %q: system-sourced params may not be supplied by the agent: %s",
			t.Key, strings.Join(forbidden, ", "))
	}

	var missing []string
	for name, spec := range t.ParamsSchema {
		if spec.EffectiveSource() != graph.SourceAgent || !spec.Required {
			continue
		}
		if _, present := agentParams[name]; !present {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, gateErrorf(GateMissingRequiredParams,
			"tool %q: missing required params: %s", t.Key, strings.Join(missing, ", "))
	}

	merged := make(map[string]interface{}, len(agentParams)+len(t.ParamsSchema))
	for k, v := range agentParams {
		merged[k] = v
	}

	for name, spec := range t.ParamsSchema {
		if spec.EffectiveSource() != graph.SourceSystem {
			continue
		}
		value, present := systemParams[name]
		if !present {
			if spec.Required {
				return nil, gateErrorf(GateMissingSystemParam,
					"tool %q: system param %q is not set on the run", t.Key, name)
			}
			continue
		}
		merged[name] = value
	}

	for name, spec := range t.ParamsSchema {
		if spec.Default == nil {
			continue
		}
		if _, present := merged[name]; !present {
			merged[name] = spec.Default
		}
	}

	if schema := t.AgentParamsSchema(); schema != nil {
		if err := validateAgainstSchema(schema, agentParams); err != nil {
			return nil, gateErrorf(GateToolParamsSchemaViolation, "tool %q: %v", t.Key, err)
		}
	}

	return merged, nil
}

func validateAgainstSchema(schemaDoc map[string]interface{}, payload map[string]interface{}) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("invalid agent_params_json_schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("invalid agent_params_json_schema: %w", err)
	}
	// Validate expects plain decoded-JSON values.
	return schema.Validate(map[string]interface{}(payload))
}
