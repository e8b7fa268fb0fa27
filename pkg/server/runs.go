package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/qcenturion/arion-agents/pkg/engine"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	experimentID := r.URL.Query().Get("experiment_id")

	runs, err := s.Store.ListRuns(r.Context(), limit, offset, experimentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, found, err := s.Store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "run %q not found", id)
		return
	}

	// The stored response is the full artifact; return it as-is.
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(rec.ResponseJSON))
}

// handleStreamRun replays a stored run's step envelopes as Server-Sent
// Events. Envelopes below from_seq are skipped; the stream ends after the
// last stored envelope.
func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, found, err := s.Store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "run %q not found", id)
		return
	}

	fromSeq := 0
	if raw := r.URL.Query().Get("from_seq"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			fromSeq = parsed
		}
	}

	var artifact struct {
		StepEvents []engine.StepEvent `json:"step_events"`
	}
	if err := json.Unmarshal([]byte(rec.ResponseJSON), &artifact); err != nil {
		writeError(w, http.StatusInternalServerError, "stored run %q is unreadable: %v", id, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for _, event := range artifact.StepEvents {
		if event.Seq < fromSeq {
			continue
		}
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: run.step\ndata: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}
