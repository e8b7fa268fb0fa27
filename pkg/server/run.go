package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/qcenturion/arion-agents/pkg/engine"
	"github.com/qcenturion/arion-agents/pkg/graph"
	"github.com/qcenturion/arion-agents/pkg/store"
	"github.com/qcenturion/arion-agents/pkg/utils"
)

// runRequest is the /run body. Exactly one of Network or Snapshot must be
// present; the experiment fields link the stored record to a queue item.
type runRequest struct {
	graphRef
	AgentKey     string                 `json:"agent_key,omitempty"`
	UserMessage  string                 `json:"user_message"`
	SystemParams map[string]interface{} `json:"system_params,omitempty"`
	Model        string                 `json:"model,omitempty"`
	Debug        bool                   `json:"debug,omitempty"`
	MaxSteps     int                    `json:"max_steps,omitempty"`

	ExperimentID        string                 `json:"experiment_id,omitempty"`
	ExperimentDesc      string                 `json:"experiment_desc,omitempty"`
	ExperimentItemIndex *int                   `json:"experiment_item_index,omitempty"`
	ExperimentIteration *int                   `json:"experiment_iteration,omitempty"`
	ExperimentPayload   map[string]interface{} `json:"experiment_item_payload,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	artifact, status, err := s.executeRun(r.Context(), &req)
	if err != nil {
		writeError(w, status, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// executeRun resolves the snapshot, runs the engine synchronously, and
// persists the record. Configuration problems (missing network, unknown
// agent) come back as 4xx; everything the engine survives is a 200 with
// final.status reporting the outcome.
func (s *Server) executeRun(ctx context.Context, req *runRequest) (*engine.RunArtifact, int, error) {
	resolved, status, err := s.resolveGraph(ctx, req.graphRef)
	if err != nil {
		return nil, status, err
	}

	eng := &engine.Engine{
		Graph:          resolved.Graph,
		Registry:       s.Registry,
		Decide:         s.decide(),
		Model:          s.Model,
		SystemDefaults: s.systemDefaults(),
		Logger:         s.Logger,
		Metrics:        s.Metrics,
	}

	started := time.Now()
	artifact, err := eng.Run(ctx, engine.RunRequest{
		AgentKey:     req.AgentKey,
		UserMessage:  req.UserMessage,
		SystemParams: req.SystemParams,
		Model:        req.Model,
		MaxSteps:     req.MaxSteps,
		Debug:        req.Debug || s.Config.Debug,
	})
	if err != nil {
		if errors.Is(err, graph.ErrAgentNotFound) {
			return nil, http.StatusNotFound, err
		}
		return nil, http.StatusInternalServerError, err
	}

	artifact.NetworkID = resolved.NetworkID
	if artifact.GraphVersionID == "" {
		artifact.GraphVersionID = resolved.SnapshotID
	}
	artifact.LatencyMS = time.Since(started).Milliseconds()

	finalStatus, _ := artifact.Final["status"].(string)
	s.Metrics.RecordRun(finalStatus, len(artifact.ExecutionLog), time.Duration(artifact.RunDurationMS)*time.Millisecond)

	s.persistRun(ctx, req, resolved, artifact, finalStatus)
	return artifact, 0, nil
}

// persistRun writes the run record. A write failure is logged and
// swallowed; the response is already assembled.
func (s *Server) persistRun(ctx context.Context, req *runRequest, resolved *resolvedGraph, artifact *engine.RunArtifact, finalStatus string) {
	requestJSON, _ := json.Marshal(req)
	responseJSON, _ := json.Marshal(artifact)

	rec := &store.RunRecord{
		RunID:               artifact.TraceID,
		NetworkID:           resolved.NetworkID,
		NetworkVersionID:    resolved.SnapshotID,
		GraphVersionKey:     resolved.VersionKey,
		UserMessage:         req.UserMessage,
		Status:              finalStatus,
		RequestJSON:         string(requestJSON),
		ResponseJSON:        string(responseJSON),
		ExperimentID:        req.ExperimentID,
		ExperimentItemIndex: req.ExperimentItemIndex,
		ExperimentIteration: req.ExperimentIteration,
	}
	if err := s.Store.SaveRun(ctx, rec); err != nil {
		s.Logger.Warn("failed to persist run record", "run_id", rec.RunID, "error", err)
	}
}

// invokeRequest is the /invoke body: one pre-formed instruction against
// one agent, for tests and admin probes.
type invokeRequest struct {
	graphRef
	AgentKey     string                 `json:"agent_key"`
	Instruction  *instructionBody       `json:"instruction"`
	SystemParams map[string]interface{} `json:"system_params,omitempty"`
}

type instructionBody struct {
	Reasoning string                 `json:"reasoning,omitempty"`
	Action    map[string]interface{} `json:"action"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Instruction == nil {
		writeError(w, http.StatusBadRequest, "instruction is required")
		return
	}

	resolved, status, err := s.resolveGraph(r.Context(), req.graphRef)
	if err != nil {
		writeError(w, status, "%v", err)
		return
	}

	instr, err := engine.ParseInstruction(req.Instruction.Reasoning, req.Instruction.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid instruction: %v", err)
		return
	}

	result, err := engine.Invoke(r.Context(), resolved.Graph, s.Registry, req.AgentKey, instr, s.systemDefaults(), req.SystemParams)
	if err != nil {
		if errors.Is(err, graph.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "%v", err)
			return
		}
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, result.AsMap())
}

// resolvePromptRequest is the /prompts/resolve body.
type resolvePromptRequest struct {
	graphRef
	AgentKey     string                 `json:"agent_key,omitempty"`
	UserMessage  string                 `json:"user_message"`
	SystemParams map[string]interface{} `json:"system_params,omitempty"`
}

func (s *Server) handleResolvePrompt(w http.ResponseWriter, r *http.Request) {
	var req resolvePromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	resolved, status, err := s.resolveGraph(r.Context(), req.graphRef)
	if err != nil {
		writeError(w, status, "%v", err)
		return
	}

	agentKey, prompt, err := engine.ResolvePrompt(resolved.Graph, req.AgentKey, req.UserMessage, s.systemDefaults(), req.SystemParams)
	if err != nil {
		if errors.Is(err, graph.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "%v", err)
			return
		}
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_key":        agentKey,
		"prompt":           prompt,
		"estimated_tokens": utils.EstimateTokens(s.Model, prompt),
	})
}

// runQueueItem executes one leased queue payload through the same path as
// /run and returns a compact JSON summary for the queue row.
func (s *Server) runQueueItem(ctx context.Context, item *store.QueueItem) (string, error) {
	var req runRequest
	if err := json.Unmarshal([]byte(item.PayloadJSON), &req); err != nil {
		return "", fmt.Errorf("invalid queue payload: %w", err)
	}
	req.ExperimentID = item.ExperimentID
	req.ExperimentItemIndex = intPtr(item.ItemIndex)
	req.ExperimentIteration = intPtr(item.Iteration)

	artifact, _, err := s.executeRun(ctx, &req)
	if err != nil {
		return "", err
	}

	finalStatus, _ := artifact.Final["status"].(string)
	summary, _ := json.Marshal(map[string]interface{}{
		"run_id":     artifact.TraceID,
		"trace_id":   artifact.TraceID,
		"item_index": item.ItemIndex,
		"iteration":  item.Iteration,
		"status":     finalStatus,
	})
	if finalStatus != engine.StatusOK {
		finalErr, _ := artifact.Final["error"].(string)
		return string(summary), fmt.Errorf("run finished with status %s: %s", finalStatus, finalErr)
	}
	return string(summary), nil
}

func intPtr(v int) *int { return &v }
