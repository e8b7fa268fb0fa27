package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/qcenturion/arion-agents/pkg/llm"
	"github.com/qcenturion/arion-agents/pkg/runlog"
	"github.com/qcenturion/arion-agents/pkg/utils"
)

// groupResult is the aggregated outcome of one task group.
type groupResult struct {
	GroupID string
	Status  string
	Error   string
	Tasks   []map[string]interface{}
	Timing  runlog.Timing
}

// runTaskGroup executes the group's children sequentially, each with its
// own retry budget. The first exhausted child aborts the group; siblings
// after it never start. Child tool calls are logged against the parent
// agent's current epoch so the parent sees their outputs next step.
func (eng *Engine) runTaskGroup(ctx context.Context, st *runState, cfg *RunConfig, tg *TaskGroupAction, step int, model string) *groupResult {
	groupID := tg.GroupID
	if groupID == "" {
		groupID = utils.NewID()
	}

	started := time.Now()
	result := &groupResult{GroupID: groupID, Status: StatusOK}

	for i := range tg.Tasks {
		task := &tg.Tasks[i]
		taskID := task.TaskID
		if taskID == "" {
			taskID = fmt.Sprintf("%d", i)
		}

		taskEntry := eng.runGroupTask(ctx, st, cfg, task, taskID, groupID, step, model)
		result.Tasks = append(result.Tasks, taskEntry)

		if taskEntry["status"] != StatusOK {
			result.Status = StatusError
			result.Error, _ = taskEntry["error"].(string)
			break
		}
	}

	completed := time.Now()
	result.Timing = runlog.Timing{
		StartedAtMS:   started.UnixMilli(),
		CompletedAtMS: completed.UnixMilli(),
		DurationMS:    completed.Sub(started).Milliseconds(),
	}
	return result
}

func (eng *Engine) runGroupTask(ctx context.Context, st *runState, cfg *RunConfig, task *GroupTask, taskID, groupID string, step int, model string) map[string]interface{} {
	entry := map[string]interface{}{
		"task_id":   taskID,
		"task_type": task.Type,
		"status":    StatusError,
	}

	var attempts []map[string]interface{}
	var lastErr string

	budget := task.RetryPolicy.EffectiveAttempts()
	for attempt := 1; attempt <= budget; attempt++ {
		var attemptEntry map[string]interface{}
		switch task.Type {
		case TaskUseTool:
			attemptEntry = eng.runToolTask(ctx, st, cfg, task, taskID, groupID, step, attempt)
		case TaskDelegateAgent:
			attemptEntry = eng.runDelegateTask(ctx, st, cfg, task, taskID, groupID, model)
		}
		attemptEntry["attempt"] = attempt
		attempts = append(attempts, attemptEntry)

		if attemptEntry["status"] == StatusOK {
			entry["status"] = StatusOK
			if r, ok := attemptEntry["result"]; ok {
				entry["result"] = r
			}
			break
		}
		lastErr, _ = attemptEntry["error"].(string)
	}

	entry["attempts"] = attempts
	if entry["status"] != StatusOK {
		if lastErr == "" {
			lastErr = fmt.Sprintf("task %s failed", taskID)
		}
		entry["error"] = lastErr
	}
	return entry
}

// runToolTask executes one synthetic USE_TOOL instruction with the
// parent's RunConfig, recording the call tagged with the group lineage.
func (eng *Engine) runToolTask(ctx context.Context, st *runState, cfg *RunConfig, task *GroupTask, taskID, groupID string, step, attempt int) map[string]interface{} {
	executor := &Executor{Registry: eng.Registry}
	instr := &Instruction{
		Action: Action{
			Type: llm.ActionUseTool,
			UseTool: &UseToolAction{
				ToolName:   task.ToolName,
				ToolParams: task.ToolParams,
			},
		},
	}

	result, inv := executor.Execute(ctx, instr, cfg)

	attemptEntry := map[string]interface{}{"status": result.Status}
	if inv != nil {
		execID := st.recordToolCall(cfg, step, inv, groupID, taskID, attempt)
		attemptEntry["execution_id"] = execID
		eng.Metrics.RecordToolCall(inv.ToolKey, inv.Status, time.Duration(inv.DurationMS)*time.Millisecond)
	}
	if result.Status == StatusOK {
		attemptEntry["result"] = result.Response
	} else {
		if result.Error == "" {
			result.Error = "tool call failed"
		}
		attemptEntry["status"] = StatusError
		attemptEntry["error"] = result.Error
	}
	return attemptEntry
}

// runDelegateTask runs each delegation as a nested, synchronous run on
// the delegated agent. The nested run may only terminate the task with
// TASK_RESPOND; any other outcome fails the delegation and the task.
func (eng *Engine) runDelegateTask(ctx context.Context, st *runState, cfg *RunConfig, task *GroupTask, taskID, groupID, model string) map[string]interface{} {
	var delegations []map[string]interface{}

	for _, details := range task.Details {
		nested := newRunState(st.debug)

		delegation := map[string]interface{}{
			"assignment":   details.Assignment,
			"parent_agent": cfg.AgentKey,
			"group_id":     groupID,
			"task_id":      taskID,
		}
		for k, v := range details.ContextOverrides {
			delegation[k] = v
		}
		systemParams := make(map[string]interface{}, len(cfg.SystemParams)+1)
		for k, v := range cfg.SystemParams {
			systemParams[k] = v
		}
		systemParams["delegation"] = delegation

		started := time.Now()
		final := eng.loop(ctx, nested, loopParams{
			agentKey:     details.AgentKey,
			userMessage:  details.Assignment,
			systemParams: systemParams,
			maxSteps:     details.MaxSteps,
			model:        model,
			delegation:   true,
		})
		duration := time.Since(started).Milliseconds()

		st.usage.Add(&nested.usage)

		artifact := map[string]interface{}{
			"agent_key":       details.AgentKey,
			"trace_id":        nested.traceID,
			"final":           final,
			"execution_log":   nested.log.Entries(),
			"tool_log":        nested.toolLog.Store(),
			"step_events":     nested.events,
			"run_duration_ms": duration,
		}
		delegations = append(delegations, artifact)

		status, _ := final["status"].(string)
		actionType, _ := final["action_type"].(string)
		if status != StatusOK || actionType != llm.ActionTaskRespond {
			errMsg, _ := final["error"].(string)
			if errMsg == "" {
				errMsg = fmt.Sprintf("delegation to %q did not terminate with TASK_RESPOND", details.AgentKey)
			}
			return map[string]interface{}{
				"status":      StatusError,
				"error":       errMsg,
				"delegations": delegations,
			}
		}
	}

	var results []interface{}
	for _, d := range delegations {
		if final, ok := d["final"].(map[string]interface{}); ok {
			if resp, ok := final["response"]; ok {
				results = append(results, resp)
			}
		}
	}
	return map[string]interface{}{
		"status":      StatusOK,
		"result":      results,
		"delegations": delegations,
	}
}
