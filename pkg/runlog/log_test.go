package runlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpochAccounting(t *testing.T) {
	log := New()

	log.StartAgentEpoch("triage")
	assert.Equal(t, 0, log.CurrentEpoch())

	// Same agent keeps its epoch.
	log.StartAgentEpoch("triage")
	assert.Equal(t, 0, log.CurrentEpoch())

	// Transition to a different agent increments.
	log.StartAgentEpoch("writer")
	assert.Equal(t, 1, log.CurrentEpoch())

	// Re-entry to a previously seen agent takes a new epoch.
	log.StartAgentEpoch("triage")
	assert.Equal(t, 2, log.CurrentEpoch())
	assert.Equal(t, 2, log.EpochFor("triage"))
	assert.Equal(t, 1, log.EpochFor("writer"))
}

func TestAppendAgentStepShape(t *testing.T) {
	log := New()
	log.StartAgentEpoch("triage")
	log.AppendAgentStep(AgentStep{
		Step:      0,
		AgentKey:  "triage",
		UserInput: "hello",
		Decision: map[string]interface{}{
			"action":           "RESPOND",
			"action_reasoning": "done",
			"action_details":   map[string]interface{}{"payload": map[string]interface{}{"message": "hi"}},
		},
		Usage: map[string]int{"prompt_tokens": 10, "response_tokens": 5, "total_tokens": 15},
	})

	entries := log.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, TypeAgent, e["type"])
	assert.Equal(t, 0, e["step"])
	assert.Equal(t, 0, e["epoch"])
	assert.Equal(t, "triage", e["agent_key"])
	assert.Equal(t, "hello", e["input_preview"])

	decision := e["decision"].(map[string]interface{})
	assert.Equal(t, "RESPOND", decision["action"])
	assert.Equal(t, "done", decision["action_reasoning"])
	assert.NotNil(t, e["decision_full"])
	assert.Equal(t, map[string]int{"prompt_tokens": 10, "response_tokens": 5, "total_tokens": 15}, e["llm_usage"])
	// Debug-only fields stay absent when not supplied.
	_, hasPrompt := e["prompt"]
	assert.False(t, hasPrompt)
}

func TestAppendToolStepCarriesGroupTags(t *testing.T) {
	log := New()
	log.StartAgentEpoch("primary")
	log.AppendToolStep(ToolStep{
		Step:            1,
		AgentKey:        "primary",
		ToolKey:         "echo",
		ExecutionID:     "abc",
		RequestPreview:  `{"message":"hi"}`,
		ResponsePreview: "ok",
		Status:          "ok",
		GroupID:         "group-1",
		ParentTaskID:    "task-0",
		Attempt:         2,
	})

	e := log.Entries()[0]
	assert.Equal(t, TypeTool, e["type"])
	assert.Equal(t, "group-1", e["group_id"])
	assert.Equal(t, "task-0", e["parent_task_id"])
	assert.Equal(t, 2, e["attempt"])
	assert.Equal(t, "abc", e["execution_id"])
}

func TestToolStoreVisibilityIsEpochScoped(t *testing.T) {
	log := New()
	store := NewToolLog()

	// solo runs a tool in epoch 0.
	log.StartAgentEpoch("solo")
	id := store.Put(&ToolExecution{
		AgentKey: "solo",
		ToolKey:  "echo",
		Params:   map[string]interface{}{"message": "hi"},
		Result:   map[string]interface{}{"echo": "hi"},
	})
	log.AppendToolStep(ToolStep{Step: 0, AgentKey: "solo", ToolKey: "echo", ExecutionID: id, Status: "ok"})

	// Visible to solo on its next step within epoch 0.
	log.StartAgentEpoch("solo")
	visible := store.CollectFullFor(log.Entries(), "solo", log.EpochFor("solo"))
	require.Len(t, visible, 1)
	assert.Equal(t, id, visible[0].ExecutionID)
	assert.Equal(t, "echo", visible[0].Record.ToolKey)

	// solo yields to other and returns: the old epoch's outputs are hidden.
	log.StartAgentEpoch("other")
	log.StartAgentEpoch("solo")
	hidden := store.CollectFullFor(log.Entries(), "solo", log.EpochFor("solo"))
	assert.Empty(t, hidden)
}

func TestToolStoreGet(t *testing.T) {
	store := NewToolLog()
	id := store.Put(&ToolExecution{AgentKey: "a", ToolKey: "echo"})
	assert.Len(t, id, 32)

	rec, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, "echo", rec.ToolKey)
	assert.NotZero(t, rec.TS)

	_, ok = store.Get("missing")
	assert.False(t, ok)
}

func TestAppendSystemMessage(t *testing.T) {
	log := New()
	log.AppendSystemMessage("worker restarted")

	e := log.Entries()[0]
	assert.Equal(t, TypeSystem, e["type"])
	assert.Equal(t, "worker restarted", e["message"])
	assert.NotZero(t, e["timestamp_ms"])
}
