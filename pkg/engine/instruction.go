// Package engine runs agent networks: it builds per-step run configs,
// gates and executes instructions, assembles prompts, drives the step
// loop, and schedules task groups.
package engine

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/qcenturion/arion-agents/pkg/llm"
)

// Instruction is a validated decision: the reasoning and exactly one
// typed action.
type Instruction struct {
	Reasoning string
	Action    Action
}

// Action is the tagged union of the five agent actions. Type matches the
// wire string; exactly one of the variant pointers is set.
type Action struct {
	Type        string
	UseTool     *UseToolAction
	Route       *RouteAction
	Respond     *RespondAction
	TaskGroup   *TaskGroupAction
	TaskRespond *RespondAction
}

// UseToolAction invokes one equipped tool.
type UseToolAction struct {
	ToolName   string                 `mapstructure:"tool_name"`
	ToolParams map[string]interface{} `mapstructure:"tool_params"`
}

// RouteAction hands the run to another agent, optionally with context.
type RouteAction struct {
	TargetAgentName string                 `mapstructure:"target_agent_name"`
	Context         map[string]interface{} `mapstructure:"context"`
}

// RespondAction terminates the run (or delegation) with a payload. A
// bare-string payload is lifted to {message: string}.
type RespondAction struct {
	Payload map[string]interface{}
}

// RetryPolicy bounds the attempts of one task-group child.
type RetryPolicy struct {
	Attempts int `mapstructure:"attempts"`
}

// EffectiveAttempts clamps the attempt budget to at least one.
func (p RetryPolicy) EffectiveAttempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// DelegationDetails describes one nested run inside a delegate task.
type DelegationDetails struct {
	AgentKey         string                 `mapstructure:"agent_key"`
	Assignment       string                 `mapstructure:"assignment"`
	ContextOverrides map[string]interface{} `mapstructure:"context_overrides"`
	MaxSteps         int                    `mapstructure:"max_steps"`
}

// Task kinds inside a task group.
const (
	TaskUseTool       = "use_tool"
	TaskDelegateAgent = "delegate_agent"
)

// GroupTask is one child of a task group: either a tool call or a list of
// sequential delegations, each with its own retry budget. The wire keys
// are task_type and delegation_details; the short forms type and details
// are accepted as aliases.
type GroupTask struct {
	TaskID      string                 `mapstructure:"task_id"`
	Type        string                 `mapstructure:"task_type"`
	ToolName    string                 `mapstructure:"tool_name"`
	ToolParams  map[string]interface{} `mapstructure:"tool_params"`
	Details     []DelegationDetails    `mapstructure:"delegation_details"`
	RetryPolicy RetryPolicy            `mapstructure:"retry_policy"`
}

// TaskGroupAction dispatches children sequentially; any exhausted child
// aborts the group.
type TaskGroupAction struct {
	GroupID string      `mapstructure:"group_id"`
	Tasks   []GroupTask `mapstructure:"tasks"`
}

func decodeDetails(details map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(details)
}

// liftPayload normalizes a RESPOND/TASK_RESPOND payload: objects pass
// through, strings become {message: s}, anything else is rejected.
func liftPayload(raw interface{}) (map[string]interface{}, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		return v, nil
	case string:
		return map[string]interface{}{"message": v}, nil
	default:
		return nil, fmt.Errorf("payload must be an object or string, got %T", raw)
	}
}

// DecisionToInstruction validates a parsed decision and decodes its
// details into the typed action union. Structural problems (missing
// fields, empty task lists) are caught here, before any execution.
func DecisionToInstruction(d *llm.Decision) (*Instruction, error) {
	instr := &Instruction{
		Reasoning: d.ActionReasoning,
		Action:    Action{Type: d.Action},
	}
	details := d.ActionDetails
	if details == nil {
		details = map[string]interface{}{}
	}

	switch d.Action {
	case llm.ActionUseTool:
		var a UseToolAction
		if err := decodeDetails(details, &a); err != nil {
			return nil, fmt.Errorf("invalid USE_TOOL details: %w", err)
		}
		if strings.TrimSpace(a.ToolName) == "" {
			return nil, fmt.Errorf("USE_TOOL requires tool_name")
		}
		if a.ToolParams == nil {
			a.ToolParams = map[string]interface{}{}
		}
		instr.Action.UseTool = &a

	case llm.ActionRouteToAgent:
		var a RouteAction
		if err := decodeDetails(details, &a); err != nil {
			return nil, fmt.Errorf("invalid ROUTE_TO_AGENT details: %w", err)
		}
		if strings.TrimSpace(a.TargetAgentName) == "" {
			return nil, fmt.Errorf("ROUTE_TO_AGENT requires target_agent_name")
		}
		instr.Action.Route = &a

	case llm.ActionRespond:
		payload, err := liftPayload(details["payload"])
		if err != nil {
			return nil, fmt.Errorf("invalid RESPOND details: %w", err)
		}
		instr.Action.Respond = &RespondAction{Payload: payload}

	case llm.ActionTaskRespond:
		payload, err := liftPayload(details["payload"])
		if err != nil {
			return nil, fmt.Errorf("invalid TASK_RESPOND details: %w", err)
		}
		instr.Action.TaskRespond = &RespondAction{Payload: payload}

	case llm.ActionTaskGroup:
		var a TaskGroupAction
		if err := decodeDetails(normalizeGroupTasks(details), &a); err != nil {
			return nil, fmt.Errorf("invalid TASK_GROUP details: %w", err)
		}
		if err := validateTaskGroup(&a); err != nil {
			return nil, err
		}
		instr.Action.TaskGroup = &a

	default:
		return nil, fmt.Errorf("unknown action %q", d.Action)
	}

	return instr, nil
}

// normalizeGroupTasks copies the short task keys onto their canonical
// names when the canonical key is absent. Tasks are copied so the raw
// decision map stays exactly what the model emitted.
func normalizeGroupTasks(details map[string]interface{}) map[string]interface{} {
	tasks, ok := details["tasks"].([]interface{})
	if !ok {
		return details
	}

	normalized := make([]interface{}, len(tasks))
	for i, raw := range tasks {
		task, ok := raw.(map[string]interface{})
		if !ok {
			normalized[i] = raw
			continue
		}
		copied := make(map[string]interface{}, len(task)+2)
		for k, v := range task {
			copied[k] = v
		}
		if _, has := copied["task_type"]; !has {
			if v, ok := copied["type"]; ok {
				copied["task_type"] = v
			}
		}
		if _, has := copied["delegation_details"]; !has {
			if v, ok := copied["details"]; ok {
				copied["delegation_details"] = v
			}
		}
		normalized[i] = copied
	}

	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		out[k] = v
	}
	out["tasks"] = normalized
	return out
}

func validateTaskGroup(a *TaskGroupAction) error {
	if len(a.Tasks) == 0 {
		return fmt.Errorf("TASK_GROUP requires a non-empty tasks list")
	}
	for i := range a.Tasks {
		t := &a.Tasks[i]
		switch t.Type {
		case TaskUseTool:
			if strings.TrimSpace(t.ToolName) == "" {
				return fmt.Errorf("task %d: use_tool requires tool_name", i)
			}
			if t.ToolParams == nil {
				t.ToolParams = map[string]interface{}{}
			}
		case TaskDelegateAgent:
			if len(t.Details) == 0 {
				return fmt.Errorf("task %d: delegate_agent requires details", i)
			}
			for j := range t.Details {
				d := &t.Details[j]
				if strings.TrimSpace(d.AgentKey) == "" {
					return fmt.Errorf("task %d: delegation %d requires agent_key", i, j)
				}
				if d.MaxSteps < 1 {
					d.MaxSteps = 1
				}
			}
		default:
			return fmt.Errorf("task %d: unknown task type %q", i, t.Type)
		}
	}
	return nil
}

// ParseInstruction builds an instruction from a pre-formed action map,
// the shape the invoke endpoint accepts: {type, ...fields}.
func ParseInstruction(reasoning string, action map[string]interface{}) (*Instruction, error) {
	if action == nil {
		return nil, fmt.Errorf("action is required")
	}
	actionType, _ := action["type"].(string)
	actionType = strings.ToUpper(strings.TrimSpace(actionType))
	if actionType == "" {
		return nil, fmt.Errorf("action.type is required")
	}
	details := make(map[string]interface{}, len(action))
	for k, v := range action {
		if k == "type" {
			continue
		}
		details[k] = v
	}
	return DecisionToInstruction(&llm.Decision{
		Action:          actionType,
		ActionReasoning: reasoning,
		ActionDetails:   details,
	})
}
