package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/qcenturion/arion-agents/pkg/graph"
	"github.com/qcenturion/arion-agents/pkg/llm"
	"github.com/qcenturion/arion-agents/pkg/observability"
	"github.com/qcenturion/arion-agents/pkg/runlog"
	"github.com/qcenturion/arion-agents/pkg/tool"
	"github.com/qcenturion/arion-agents/pkg/utils"
)

// DefaultMaxSteps bounds a run when the request names no limit.
const DefaultMaxSteps = 10

// Engine executes runs against one compiled snapshot. Safe for concurrent
// use; each run owns its own state.
type Engine struct {
	Graph          *graph.CompiledGraph
	Registry       *tool.Registry
	Decide         llm.DecideFunc
	Model          string
	SystemDefaults map[string]interface{}
	Logger         *slog.Logger
	Metrics        *observability.Metrics
}

// RunRequest describes one run.
type RunRequest struct {
	AgentKey     string
	UserMessage  string
	SystemParams map[string]interface{}
	Model        string
	MaxSteps     int
	Debug        bool
}

// StepPayload is the inner body of a step event.
type StepPayload struct {
	Kind      string       `json:"kind"`
	EntryType string       `json:"entryType"`
	Payload   runlog.Entry `json:"payload"`
}

// StepEvent is the wire envelope streamed to run watchers. Seq is
// contiguous from 0 within a run; T is wall-clock milliseconds.
type StepEvent struct {
	TraceID string      `json:"traceId"`
	Seq     int         `json:"seq"`
	T       int64       `json:"t"`
	Step    StepPayload `json:"step"`
}

// RunArtifact is the full result of one run. NetworkID, GraphVersionID,
// and LatencyMS are filled by the HTTP layer.
type RunArtifact struct {
	TraceID        string                           `json:"trace_id"`
	GraphVersionID string                           `json:"graph_version_id,omitempty"`
	NetworkID      string                           `json:"network_id,omitempty"`
	SystemParams   map[string]interface{}           `json:"system_params"`
	Model          string                           `json:"model"`
	Final          map[string]interface{}           `json:"final"`
	ExecutionLog   []runlog.Entry                   `json:"execution_log"`
	ToolLog        map[string]*runlog.ToolExecution `json:"tool_log"`
	StepEvents     []StepEvent                      `json:"step_events"`
	UsageTotals    map[string]int                   `json:"llm_usage_totals,omitempty"`
	RunDurationMS  int64                            `json:"run_duration_ms"`
	LatencyMS      int64                            `json:"latency_ms,omitempty"`
}

// runState is the mutable state of one run (or one delegated sub-run).
type runState struct {
	traceID  string
	log      *runlog.ExecutionLog
	toolLog  *runlog.ToolExecutionLog
	events   []StepEvent
	usage    llm.Usage
	debug    bool
	handoffs map[string]map[string]interface{}
}

func newRunState(debug bool) *runState {
	return &runState{
		traceID:  utils.NewID(),
		log:      runlog.New(),
		toolLog:  runlog.NewToolLog(),
		debug:    debug,
		handoffs: make(map[string]map[string]interface{}),
	}
}

// emitLast turns the most recent log entry into a step event.
func (s *runState) emitLast() {
	entry := s.log.Last()
	if entry == nil {
		return
	}
	entryType, _ := entry["type"].(string)
	s.events = append(s.events, StepEvent{
		TraceID: s.traceID,
		Seq:     len(s.events),
		T:       time.Now().UnixMilli(),
		Step:    StepPayload{Kind: "log_entry", EntryType: entryType, Payload: entry},
	})
}

func (s *runState) depositHandoff(agentKey string, ctx map[string]interface{}) {
	if ctx == nil {
		ctx = map[string]interface{}{}
	}
	s.handoffs[strings.ToLower(agentKey)] = ctx
}

// popHandoff consumes the context deposited for an agent, at most once.
func (s *runState) popHandoff(agentKey string) map[string]interface{} {
	key := strings.ToLower(agentKey)
	ctx, ok := s.handoffs[key]
	if !ok {
		return nil
	}
	delete(s.handoffs, key)
	return ctx
}

// recordToolCall stores the full invocation in the tool store and appends
// the tool log entry with its previews, returning the execution id.
func (s *runState) recordToolCall(cfg *RunConfig, step int, inv *ToolInvocation, groupID, parentTaskID string, attempt int) string {
	reqPreview, reqExcerpt, respPreview, respExcerpt := runlog.BuildPreviews(
		cfg.LogPolicy, inv.ToolKey, inv.MergedParams, inv.Result)

	rec := &runlog.ToolExecution{
		AgentKey:            cfg.AgentKey,
		ToolKey:             inv.ToolKey,
		Params:              inv.MergedParams,
		Result:              inv.Result,
		DurationMS:          inv.DurationMS,
		StartedAtMS:         inv.StartedAtMS,
		CompletedAtMS:       inv.CompletedAtMS,
		GroupID:             groupID,
		ParentTaskID:        parentTaskID,
		Attempt:             attempt,
		RequestExcerpt:      reqExcerpt,
		ResponseExcerpt:     respExcerpt,
		RequestPreviewText:  reqPreview,
		ResponsePreviewText: respPreview,
	}
	execID := s.toolLog.Put(rec)

	ts := runlog.ToolStep{
		Step:             step,
		AgentKey:         cfg.AgentKey,
		AgentDisplayName: cfg.Agent.EffectiveDisplayName(),
		ToolKey:          inv.ToolKey,
		ExecutionID:      execID,
		RequestPreview:   reqPreview,
		ResponsePreview:  respPreview,
		RequestExcerpt:   reqExcerpt,
		ResponseExcerpt:  respExcerpt,
		Status:           inv.Status,
		GroupID:          groupID,
		ParentTaskID:     parentTaskID,
		Attempt:          attempt,
		Timing: runlog.Timing{
			StartedAtMS:   inv.StartedAtMS,
			CompletedAtMS: inv.CompletedAtMS,
			DurationMS:    inv.DurationMS,
		},
	}
	if s.debug {
		ts.RequestPayload = inv.MergedParams
		ts.ResponsePayload = inv.Result
	}
	s.log.AppendToolStep(ts)
	s.emitLast()
	return execID
}

func errorFinal(message string) map[string]interface{} {
	return map[string]interface{}{"status": StatusError, "error": message}
}

// Run executes one run to completion. A missing initial agent is the only
// error returned; every run-internal failure terminates with a final
// error block in the artifact instead.
func (eng *Engine) Run(ctx context.Context, req RunRequest) (*RunArtifact, error) {
	agentKey := req.AgentKey
	if strings.TrimSpace(agentKey) == "" {
		agentKey = eng.Graph.DefaultAgentKey
	}
	if strings.TrimSpace(agentKey) == "" {
		return nil, fmt.Errorf("%w: no agent_key given and the snapshot has no default agent", graph.ErrAgentNotFound)
	}
	if _, ok := eng.Graph.AgentByKey(agentKey); !ok {
		return nil, fmt.Errorf("%w: %q", graph.ErrAgentNotFound, agentKey)
	}

	model := req.Model
	if model == "" {
		model = eng.Model
	}
	maxSteps := req.MaxSteps
	if maxSteps < 1 {
		maxSteps = DefaultMaxSteps
	}

	merged := MergeSystemParams(eng.SystemDefaults, req.SystemParams)
	st := newRunState(req.Debug)

	started := time.Now()
	final := eng.loop(ctx, st, loopParams{
		agentKey:     agentKey,
		userMessage:  req.UserMessage,
		systemParams: merged,
		maxSteps:     maxSteps,
		model:        model,
		delegation:   false,
	})
	duration := time.Since(started).Milliseconds()

	artifact := &RunArtifact{
		TraceID:       st.traceID,
		SystemParams:  merged,
		Model:         model,
		Final:         final,
		ExecutionLog:  st.log.Entries(),
		ToolLog:       st.toolLog.Store(),
		StepEvents:    st.events,
		RunDurationMS: duration,
	}
	if artifact.StepEvents == nil {
		artifact.StepEvents = []StepEvent{}
	}
	if st.usage.TotalTokens > 0 || st.usage.PromptTokens > 0 {
		artifact.UsageTotals = st.usage.AsMap()
	}
	if eng.Graph.VersionID != nil {
		artifact.GraphVersionID = fmt.Sprintf("%d", *eng.Graph.VersionID)
	}
	return artifact, nil
}

type loopParams struct {
	agentKey     string
	userMessage  string
	systemParams map[string]interface{}
	maxSteps     int
	model        string
	delegation   bool
}

// loop is the step state machine: Running(agent, step) until a terminal
// transition or the step budget runs out. Strictly single-threaded.
func (eng *Engine) loop(ctx context.Context, st *runState, p loopParams) map[string]interface{} {
	tracer := otel.Tracer("arion/engine")
	executor := &Executor{Registry: eng.Registry}
	logger := eng.Logger
	if logger == nil {
		logger = slog.Default()
	}

	currentAgent := p.agentKey
	for step := 0; step < p.maxSteps; step++ {
		stepCtx, span := tracer.Start(ctx, "engine.step")
		span.SetAttributes(
			attribute.Int("step", step),
			attribute.String("agent", currentAgent),
		)

		final, next := eng.runStep(stepCtx, st, executor, logger, p, currentAgent, step)
		span.End()

		if final != nil {
			return final
		}
		currentAgent = next
	}

	return errorFinal("max_steps_exceeded")
}

// runStep executes one step. Returns a non-nil final to terminate, or the
// agent holding the run next.
func (eng *Engine) runStep(ctx context.Context, st *runState, executor *Executor, logger *slog.Logger, p loopParams, currentAgent string, step int) (map[string]interface{}, string) {
	stepStarted := time.Now()

	cfg, err := BuildRunConfig(eng.Graph, currentAgent, !p.delegation, p.systemParams)
	if err != nil {
		return errorFinal(err.Error()), ""
	}
	if p.delegation {
		cfg.AllowTaskRespond = true
	}

	st.log.StartAgentEpoch(cfg.AgentKey)
	epoch := st.log.CurrentEpoch()

	outputs := st.toolLog.CollectFullFor(st.log.Entries(), cfg.AgentKey, epoch)
	handoff := st.popHandoff(cfg.AgentKey)

	prompt := BuildPrompt(PromptInput{
		Config:         cfg,
		UserMessage:    p.userMessage,
		HandoffContext: handoff,
		ToolOutputs:    outputs,
		LogEntries:     st.log.Entries(),
	})

	llmStarted := time.Now()
	res, decideErr := eng.Decide(ctx, prompt, p.model)
	llmCompleted := time.Now()

	if decideErr != nil {
		var parseErr *llm.ParseError
		switch {
		case errors.As(decideErr, &parseErr):
			st.log.AppendSystemMessage(fmt.Sprintf("llm_parse_error: %v", parseErr.Err))
			logger.Error("decision parse failed after retry", "agent", cfg.AgentKey, "step", step, "error", parseErr.Err)
			return errorFinal(fmt.Sprintf("llm_parse_error: %v", parseErr.Err)), ""
		default:
			logger.Error("decide call failed", "agent", cfg.AgentKey, "step", step, "error", decideErr)
			return errorFinal(decideErr.Error()), ""
		}
	}

	st.usage.Add(res.Usage)
	promptTokens, responseTokens := 0, 0
	if res.Usage != nil {
		promptTokens, responseTokens = res.Usage.PromptTokens, res.Usage.ResponseTokens
	}
	eng.Metrics.RecordLLM(llmCompleted.Sub(llmStarted), promptTokens, responseTokens)

	if res.Parsed == nil {
		return errorFinal("decider returned no parsed decision"), ""
	}

	instr, instrErr := DecisionToInstruction(res.Parsed)

	// TASK_GROUP is scheduled, everything else goes through the executor.
	var result *OrchestratorResult
	var inv *ToolInvocation
	var group *groupResult
	if instrErr == nil {
		if instr.Action.Type == llm.ActionTaskGroup {
			if !cfg.AllowTaskGroup {
				result = gateResult(gateErrorf(GateTaskGroupNotPermitted, "agent %q may not start task groups", cfg.AgentKey))
			} else {
				group = eng.runTaskGroup(ctx, st, cfg, instr.Action.TaskGroup, step, p.model)
			}
		} else {
			result, inv = executor.Execute(ctx, instr, cfg)
		}
	}

	stepCompleted := time.Now()

	agentStep := runlog.AgentStep{
		Step:             step,
		AgentKey:         cfg.AgentKey,
		AgentDisplayName: cfg.Agent.EffectiveDisplayName(),
		UserInput:        p.userMessage,
		Decision:         res.Parsed.AsMap(),
		Usage:            res.Usage.AsMap(),
		UsageCumulative:  st.usage.AsMap(),
		StepTiming: runlog.Timing{
			StartedAtMS:   stepStarted.UnixMilli(),
			CompletedAtMS: stepCompleted.UnixMilli(),
			DurationMS:    stepCompleted.Sub(stepStarted).Milliseconds(),
		},
		LLMTiming: runlog.Timing{
			StartedAtMS:   llmStarted.UnixMilli(),
			CompletedAtMS: llmCompleted.UnixMilli(),
			DurationMS:    llmCompleted.Sub(llmStarted).Milliseconds(),
		},
	}
	if st.debug {
		agentStep.Prompt = prompt
		agentStep.RawResponse = res.Text
		agentStep.ResponsePayload = res.ResponsePayload
		agentStep.UsageRaw = res.UsageRaw
	}
	st.log.AppendAgentStep(agentStep)
	st.emitLast()

	if instrErr != nil {
		return errorFinal(instrErr.Error()), ""
	}

	if group != nil {
		st.log.AppendTaskGroupStep(runlog.TaskGroupStep{
			Step:      step,
			AgentKey:  cfg.AgentKey,
			GroupID:   group.GroupID,
			Status:    group.Status,
			Reasoning: instr.Reasoning,
			Tasks:     group.Tasks,
			Timing:    group.Timing,
		})
		st.emitLast()
		if group.Status != StatusOK {
			return map[string]interface{}{
				"status":      StatusError,
				"action_type": llm.ActionTaskGroup,
				"error":       group.Error,
			}, ""
		}
		return nil, cfg.AgentKey
	}

	switch instr.Action.Type {
	case llm.ActionRespond, llm.ActionTaskRespond:
		if result.Status != StatusOK {
			return errorFinal(result.Error), ""
		}
		final := result.AsMap()
		if instr.Action.Type == llm.ActionTaskRespond {
			final["action_type"] = llm.ActionTaskRespond
		}
		return final, ""

	case llm.ActionUseTool:
		if inv == nil {
			// Gate rejection: the provider never ran.
			return errorFinal(result.Error), ""
		}
		st.recordToolCall(cfg, step, inv, "", "", 0)
		eng.Metrics.RecordToolCall(inv.ToolKey, inv.Status, time.Duration(inv.DurationMS)*time.Millisecond)
		// Provider errors stay in the log so the model can adapt next step.
		return nil, cfg.AgentKey

	case llm.ActionRouteToAgent:
		if result.Status != StatusNotImplemented || result.NextAgent == "" {
			return errorFinal(result.Error), ""
		}
		st.depositHandoff(result.NextAgent, instr.Action.Route.Context)
		return nil, result.NextAgent

	case llm.ActionTaskGroup:
		// Only reachable when the gate rejected the group.
		return errorFinal(result.Error), ""

	default:
		return result.AsMap(), ""
	}
}
