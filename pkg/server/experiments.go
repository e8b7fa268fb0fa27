package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/qcenturion/arion-agents/pkg/batch"
	"github.com/qcenturion/arion-agents/pkg/store"
	"github.com/qcenturion/arion-agents/pkg/utils"
)

const maxUploadBytes = 32 << 20

// handleBatchUpload parses a CSV or JSONL experiment file and returns the
// items, warnings, errors, and a schema hint. Nothing is queued.
func (s *Server) handleBatchUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: %v", err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field: %v", err)
		return
	}
	defer file.Close()

	result, err := batch.ParseUpload(header.Filename, file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// runBatchRequest registers an experiment: the shared run settings plus
// the parsed items (normally the output of /run-batch/upload).
type runBatchRequest struct {
	graphRef
	ExperimentID string                   `json:"experiment_id,omitempty"`
	Description  string                   `json:"description,omitempty"`
	AgentKey     string                   `json:"agent_key,omitempty"`
	Model        string                   `json:"model,omitempty"`
	MaxSteps     int                      `json:"max_steps,omitempty"`
	Items        []map[string]interface{} `json:"items"`
}

// handleRunBatch upserts the experiment record, enqueues sum(iterations)
// runs, and kicks the worker.
func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	var req runBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items are required")
		return
	}

	// Resolve once up front so a bad reference fails the whole batch
	// instead of every queued run.
	if _, status, err := s.resolveGraph(r.Context(), req.graphRef); err != nil {
		writeError(w, status, "%v", err)
		return
	}

	experimentID := strings.TrimSpace(req.ExperimentID)
	if experimentID == "" {
		experimentID = utils.NewID()
	}

	inputs := make([]store.QueueItemInput, 0, len(req.Items))
	totalRuns := 0
	for index, item := range req.Items {
		iterations := itemIterations(item)
		payload := queuePayload(&req, item)
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, "item %d is not serializable: %v", index, err)
			return
		}
		for iteration := 1; iteration <= iterations; iteration++ {
			inputs = append(inputs, store.QueueItemInput{
				ItemIndex:   index,
				Iteration:   iteration,
				PayloadJSON: string(payloadJSON),
			})
		}
		totalRuns += iterations
	}

	if err := s.Store.UpsertExperiment(r.Context(), experimentID, req.Description, totalRuns); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register experiment: %v", err)
		return
	}
	if err := s.Store.EnqueueItems(r.Context(), experimentID, inputs); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue items: %v", err)
		return
	}
	// Background context: the drain outlives this request.
	s.Worker.Kick(context.Background())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"experiment_id": experimentID,
		"queued":        true,
		"total_runs":    totalRuns,
	})
}

func itemIterations(item map[string]interface{}) int {
	switch v := item["iterations"].(type) {
	case int:
		if v >= 1 {
			return v
		}
	case float64:
		if v >= 1 {
			return int(v)
		}
	}
	return 1
}

// queuePayload builds one run request from the batch-level settings and
// one parsed item. Item metadata rides along for the stored record.
func queuePayload(req *runBatchRequest, item map[string]interface{}) map[string]interface{} {
	payload := map[string]interface{}{}
	if req.Network != "" {
		payload["network"] = req.Network
	}
	if len(req.Snapshot) > 0 {
		payload["snapshot"] = req.Snapshot
	}
	if req.Version != nil {
		payload["version"] = *req.Version
	}
	if req.AgentKey != "" {
		payload["agent_key"] = req.AgentKey
	}
	if req.Model != "" {
		payload["model"] = req.Model
	}
	if req.MaxSteps > 0 {
		payload["max_steps"] = req.MaxSteps
	}

	if msg, ok := item["user_message"].(string); ok && msg != "" {
		payload["user_message"] = msg
	} else {
		payload["user_message"] = batch.DefaultUserMessage
	}
	if sp, ok := item["system_params"].(map[string]interface{}); ok {
		payload["system_params"] = sp
	}
	payload["experiment_item_payload"] = item
	return payload
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.Store.ListExperiments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"experiments": summaries})
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, found, err := s.Store.GetExperiment(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "experiment %q not found", id)
		return
	}

	items, err := s.Store.ExperimentItems(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	stats, err := s.Store.ExperimentQueueStats(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"experiment": rec,
		"queue":      stats,
		"items":      experimentItemViews(items),
	})
}

// experimentItemViews projects queue rows into the per-item status shape:
// payloads stay internal, results are decoded when present.
func experimentItemViews(items []store.QueueItem) []map[string]interface{} {
	views := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		view := map[string]interface{}{
			"item_index": item.ItemIndex,
			"iteration":  item.Iteration,
			"status":     item.Status,
		}
		if item.StartedAt != nil {
			view["started_at"] = item.StartedAt
		}
		if item.CompletedAt != nil {
			view["completed_at"] = item.CompletedAt
		}
		if item.Error != "" {
			view["error"] = item.Error
		}
		if item.ResultJSON != "" {
			var result interface{}
			if err := json.Unmarshal([]byte(item.ResultJSON), &result); err == nil {
				view["result"] = result
			}
		}
		views = append(views, view)
	}
	return views
}
