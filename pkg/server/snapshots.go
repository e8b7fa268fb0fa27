package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/qcenturion/arion-agents/pkg/graph"
	"github.com/qcenturion/arion-agents/pkg/store"
)

// publishSnapshotRequest is the /snapshots body. Version is assigned
// (max+1 for the network) when absent.
type publishSnapshotRequest struct {
	NetworkName string          `json:"network_name"`
	Version     *int            `json:"version,omitempty"`
	Graph       json.RawMessage `json:"graph"`
}

func (s *Server) handlePublishSnapshot(w http.ResponseWriter, r *http.Request) {
	var req publishSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if strings.TrimSpace(req.NetworkName) == "" {
		writeError(w, http.StatusBadRequest, "network_name is required")
		return
	}
	if len(req.Graph) == 0 {
		writeError(w, http.StatusBadRequest, "graph is required")
		return
	}

	// Validate before publishing; a snapshot that fails compilation must
	// never become resolvable.
	if _, err := graph.Parse(req.Graph); err != nil {
		writeError(w, http.StatusBadRequest, "invalid graph: %v", err)
		return
	}

	rec, err := s.Store.SaveSnapshot(r.Context(), req.NetworkName, req.Version, string(req.Graph))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to publish snapshot: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshot_id":  rec.SnapshotID,
		"network_name": rec.NetworkName,
		"version":      rec.Version,
	})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.Store.GetSnapshot(r.Context(), id)
	if errors.Is(err, store.ErrSnapshotNotFound) {
		writeError(w, http.StatusNotFound, "snapshot %q not found", id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	network := r.URL.Query().Get("network")
	if strings.TrimSpace(network) == "" {
		writeError(w, http.StatusBadRequest, "network query parameter is required")
		return
	}
	records, err := s.Store.ListSnapshots(r.Context(), network)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": records})
}
