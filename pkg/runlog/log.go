// Package runlog implements the per-run execution log and tool output
// store. The log is an ordered sequence of structured entries (agent steps,
// tool calls, task groups, system messages) tagged with a per-agent epoch
// counter; the tool store keeps full payloads keyed by execution id so log
// entries only carry previews.
package runlog

import (
	"time"

	"github.com/qcenturion/arion-agents/pkg/utils"
)

// Entry is one execution log record. Entries are schemaless maps so they
// can be persisted and streamed as step events without another projection.
type Entry = map[string]interface{}

// Entry types.
const (
	TypeAgent     = "agent"
	TypeTool      = "tool"
	TypeTaskGroup = "task_group"
	TypeSystem    = "system"
)

// ExecutionLog is the ordered event log of a single run. Not safe for
// concurrent use; a run is single-threaded by design.
type ExecutionLog struct {
	entries      []Entry
	epochByAgent map[string]int
	currentEpoch int
	lastAgent    string
	started      bool
}

// New creates an empty execution log.
func New() *ExecutionLog {
	return &ExecutionLog{epochByAgent: make(map[string]int)}
}

// StartAgentEpoch advances the epoch counter for a step by agentKey. The
// first agent of a run gets epoch 0; every transition to a different agent
// increments the counter, including re-entry to a previously seen agent.
func (l *ExecutionLog) StartAgentEpoch(agentKey string) {
	if !l.started {
		l.currentEpoch = 0
		l.started = true
	} else if l.lastAgent != agentKey {
		l.currentEpoch++
	}
	l.epochByAgent[agentKey] = l.currentEpoch
	l.lastAgent = agentKey
}

// CurrentEpoch returns the epoch of the agent currently holding the run.
func (l *ExecutionLog) CurrentEpoch() int {
	return l.currentEpoch
}

// EpochFor returns the most recent epoch recorded for agentKey, or the
// current epoch if the agent has not appeared yet.
func (l *ExecutionLog) EpochFor(agentKey string) int {
	if epoch, ok := l.epochByAgent[agentKey]; ok {
		return epoch
	}
	return l.currentEpoch
}

// Entries returns a copy of the log entries in insertion order.
func (l *ExecutionLog) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries appended so far.
func (l *ExecutionLog) Len() int {
	return len(l.entries)
}

// Last returns the most recently appended entry, or nil when empty.
func (l *ExecutionLog) Last() Entry {
	if len(l.entries) == 0 {
		return nil
	}
	return l.entries[len(l.entries)-1]
}

// Timing carries the wall-clock measurements of one step.
type Timing struct {
	StartedAtMS   int64
	DurationMS    int64
	CompletedAtMS int64
}

// AgentStep holds everything recorded for one agent decision step. Prompt,
// RawResponse, and the raw LLM payloads are only populated in debug runs.
type AgentStep struct {
	Step             int
	AgentKey         string
	AgentDisplayName string
	UserInput        string
	Decision         map[string]interface{}
	Prompt           string
	RawResponse      string
	ResponsePayload  interface{}
	Usage            map[string]int
	UsageRaw         map[string]interface{}
	UsageCumulative  map[string]int
	StepTiming       Timing
	LLMTiming        Timing
}

// AppendAgentStep records one agent decision. The decision preview truncates
// the reasoning and details; the full decision document is kept alongside.
func (l *ExecutionLog) AppendAgentStep(s AgentStep) {
	decision := s.Decision
	if decision == nil {
		decision = map[string]interface{}{}
	}
	entry := Entry{
		"type":          TypeAgent,
		"step":          s.Step,
		"epoch":         l.currentEpoch,
		"agent_key":     s.AgentKey,
		"input_preview": Truncate(s.UserInput, 80),
		"decision": map[string]interface{}{
			"action":           decision["action"],
			"action_reasoning": Truncate(Stringify(decision["action_reasoning"]), 120),
			"action_details":   Truncate(Stringify(decision["action_details"]), 120),
		},
		"decision_full": decision,
	}
	if s.AgentDisplayName != "" {
		entry["agent_display_name"] = s.AgentDisplayName
	}
	if s.Prompt != "" {
		entry["prompt"] = s.Prompt
	}
	if s.RawResponse != "" {
		entry["raw_response"] = s.RawResponse
	}
	if s.ResponsePayload != nil {
		entry["llm_response_payload"] = s.ResponsePayload
	}
	if s.Usage != nil {
		entry["llm_usage"] = s.Usage
	}
	if s.UsageRaw != nil {
		entry["llm_usage_raw"] = s.UsageRaw
	}
	if s.UsageCumulative != nil {
		entry["llm_usage_cumulative"] = s.UsageCumulative
	}
	entry["duration_ms"] = s.StepTiming.DurationMS
	entry["llm_duration_ms"] = s.LLMTiming.DurationMS
	entry["timing"] = map[string]interface{}{
		"step_started_at_ms":   s.StepTiming.StartedAtMS,
		"step_duration_ms":     s.StepTiming.DurationMS,
		"step_completed_at_ms": s.StepTiming.CompletedAtMS,
		"llm_started_at_ms":    s.LLMTiming.StartedAtMS,
		"llm_duration_ms":      s.LLMTiming.DurationMS,
		"llm_completed_at_ms":  s.LLMTiming.CompletedAtMS,
	}
	l.entries = append(l.entries, entry)
}

// ToolStep holds everything recorded for one tool invocation. Request and
// response payloads are only attached in debug runs; previews always are.
type ToolStep struct {
	Step             int
	AgentKey         string
	AgentDisplayName string
	ToolKey          string
	ExecutionID      string
	RequestPreview   string
	ResponsePreview  string
	RequestExcerpt   map[string]string
	ResponseExcerpt  map[string]string
	RequestPayload   map[string]interface{}
	ResponsePayload  interface{}
	Status           string
	Timing           Timing
	TotalDurationMS  int64
	GroupID          string
	ParentTaskID     string
	Attempt          int
}

// AppendToolStep records one tool invocation.
func (l *ExecutionLog) AppendToolStep(s ToolStep) {
	entry := Entry{
		"type":             TypeTool,
		"step":             s.Step,
		"epoch":            l.currentEpoch,
		"agent_key":        s.AgentKey,
		"tool_key":         s.ToolKey,
		"execution_id":     s.ExecutionID,
		"request_preview":  s.RequestPreview,
		"response_preview": s.ResponsePreview,
		"status":           s.Status,
		"duration_ms":      s.Timing.DurationMS,
	}
	if s.AgentDisplayName != "" {
		entry["agent_display_name"] = s.AgentDisplayName
	}
	if s.RequestPayload != nil {
		entry["request_payload"] = s.RequestPayload
	}
	if s.ResponsePayload != nil {
		entry["response_payload"] = s.ResponsePayload
	}
	if s.RequestExcerpt != nil {
		entry["request_excerpt"] = s.RequestExcerpt
	}
	if s.ResponseExcerpt != nil {
		entry["response_excerpt"] = s.ResponseExcerpt
	}
	if s.GroupID != "" {
		entry["group_id"] = s.GroupID
	}
	if s.ParentTaskID != "" {
		entry["parent_task_id"] = s.ParentTaskID
	}
	if s.Attempt > 0 {
		entry["attempt"] = s.Attempt
	}
	timing := map[string]interface{}{
		"started_at_ms":   s.Timing.StartedAtMS,
		"completed_at_ms": s.Timing.CompletedAtMS,
		"duration_ms":     s.Timing.DurationMS,
	}
	if s.TotalDurationMS > 0 {
		timing["total_duration_ms"] = s.TotalDurationMS
		entry["total_duration_ms"] = s.TotalDurationMS
	}
	entry["timing"] = timing
	l.entries = append(l.entries, entry)
}

// TaskGroupStep holds the aggregated result of one task group.
type TaskGroupStep struct {
	Step      int
	AgentKey  string
	GroupID   string
	Status    string
	Reasoning string
	Tasks     []map[string]interface{}
	Timing    Timing
}

// AppendTaskGroupStep records the outcome of a task group.
func (l *ExecutionLog) AppendTaskGroupStep(s TaskGroupStep) {
	entry := Entry{
		"type":        TypeTaskGroup,
		"step":        s.Step,
		"epoch":       l.currentEpoch,
		"agent_key":   s.AgentKey,
		"group_id":    s.GroupID,
		"status":      s.Status,
		"reasoning":   s.Reasoning,
		"tasks":       s.Tasks,
		"duration_ms": s.Timing.DurationMS,
		"timing": map[string]interface{}{
			"started_at_ms":   s.Timing.StartedAtMS,
			"completed_at_ms": s.Timing.CompletedAtMS,
			"duration_ms":     s.Timing.DurationMS,
		},
	}
	l.entries = append(l.entries, entry)
}

// AppendSystemMessage records a free-form system note.
func (l *ExecutionLog) AppendSystemMessage(message string) {
	l.entries = append(l.entries, Entry{
		"type":         TypeSystem,
		"message":      message,
		"timestamp_ms": time.Now().UnixMilli(),
	})
}

// ToolExecution is the full record of one tool invocation, stored by
// execution id. Log entries reference it by id and carry only previews.
type ToolExecution struct {
	AgentKey            string                 `json:"agent_key"`
	ToolKey             string                 `json:"tool_key"`
	Params              map[string]interface{} `json:"params"`
	Result              interface{}            `json:"result"`
	DurationMS          int64                  `json:"duration_ms"`
	TS                  int64                  `json:"ts"`
	StartedAtMS         int64                  `json:"started_at_ms,omitempty"`
	CompletedAtMS       int64                  `json:"completed_at_ms,omitempty"`
	TotalDurationMS     int64                  `json:"total_duration_ms,omitempty"`
	GroupID             string                 `json:"group_id,omitempty"`
	ParentTaskID        string                 `json:"parent_task_id,omitempty"`
	Attempt             int                    `json:"attempt,omitempty"`
	RequestExcerpt      map[string]string      `json:"request_excerpt,omitempty"`
	ResponseExcerpt     map[string]string      `json:"response_excerpt,omitempty"`
	RequestPreviewText  string                 `json:"request_preview_text,omitempty"`
	ResponsePreviewText string                 `json:"response_preview_text,omitempty"`
}

// ToolExecutionLog is the by-id store of full tool payloads for one run.
type ToolExecutionLog struct {
	store map[string]*ToolExecution
}

// NewToolLog creates an empty tool store.
func NewToolLog() *ToolExecutionLog {
	return &ToolExecutionLog{store: make(map[string]*ToolExecution)}
}

// Put stores a record and returns its freshly generated execution id.
func (t *ToolExecutionLog) Put(rec *ToolExecution) string {
	id := utils.NewID()
	if rec.TS == 0 {
		if rec.CompletedAtMS != 0 {
			rec.TS = rec.CompletedAtMS
		} else {
			rec.TS = time.Now().UnixMilli()
		}
	}
	t.store[id] = rec
	return id
}

// Get returns the record for an execution id.
func (t *ToolExecutionLog) Get(id string) (*ToolExecution, bool) {
	rec, ok := t.store[id]
	return rec, ok
}

// Store returns the full id-to-record map for the run artifact.
func (t *ToolExecutionLog) Store() map[string]*ToolExecution {
	return t.store
}

// Len returns the number of stored executions.
func (t *ToolExecutionLog) Len() int {
	return len(t.store)
}

// FullOutput pairs an execution id with its stored record.
type FullOutput struct {
	ExecutionID string
	Record      *ToolExecution
}

// CollectFullFor walks the execution log and returns, in insertion order,
// the full payload of every tool call made by agentKey in the given epoch.
// This scopes tool-output visibility to the agent's current epoch.
func (t *ToolExecutionLog) CollectFullFor(entries []Entry, agentKey string, epoch int) []FullOutput {
	var out []FullOutput
	for _, e := range entries {
		if e["type"] != TypeTool {
			continue
		}
		if e["agent_key"] != agentKey {
			continue
		}
		entryEpoch, ok := e["epoch"].(int)
		if !ok || entryEpoch != epoch {
			continue
		}
		id, _ := e["execution_id"].(string)
		if id == "" {
			continue
		}
		if rec, found := t.store[id]; found {
			out = append(out, FullOutput{ExecutionID: id, Record: rec})
		}
	}
	return out
}
