// Package server exposes the run engine, snapshot store, and experiment
// queue over JSON/HTTP with SSE streaming for stored runs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qcenturion/arion-agents/pkg/config"
	"github.com/qcenturion/arion-agents/pkg/graph"
	"github.com/qcenturion/arion-agents/pkg/llm"
	"github.com/qcenturion/arion-agents/pkg/observability"
	"github.com/qcenturion/arion-agents/pkg/queue"
	"github.com/qcenturion/arion-agents/pkg/store"
	"github.com/qcenturion/arion-agents/pkg/tool"
)

// Server wires the HTTP surface to the engine, store, and queue worker.
type Server struct {
	Config   *config.Config
	Store    *store.Store
	Registry *tool.Registry
	Decide   llm.DecideFunc
	Model    string
	Worker   *queue.Worker
	Metrics  *observability.Metrics
	Logger   *slog.Logger

	// LogPolicy is the process-default execution-log preview policy,
	// applied to snapshots that carry none of their own.
	LogPolicy *graph.ExecutionLogPolicy

	mu             sync.RWMutex
	preloaded      *graph.CompiledGraph
	preloadedName  string
	preloadedError error
}

// Options configures a Server.
type Options struct {
	Config    *config.Config
	Store     *store.Store
	Registry  *tool.Registry
	Decide    llm.DecideFunc
	Model     string
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	LogPolicy *graph.ExecutionLogPolicy
}

// New builds a Server and its queue worker. The worker's Start loop is
// the caller's responsibility (the CLI runs it in an errgroup).
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = tool.NewDefaultRegistry(nil)
	}

	s := &Server{
		Config:    opts.Config,
		Store:     opts.Store,
		Registry:  registry,
		Decide:    opts.Decide,
		Model:     opts.Model,
		Metrics:   opts.Metrics,
		Logger:    logger,
		LogPolicy: opts.LogPolicy,
	}
	if s.Model == "" {
		s.Model = opts.Config.GeminiModel
	}
	s.Worker = &queue.Worker{
		Store:      opts.Store,
		RunItem:    s.runQueueItem,
		StaleAfter: opts.Config.QueueStaleAfter,
		Logger:     logger,
		Metrics:    opts.Metrics,
	}
	return s, nil
}

// SetPreloaded installs (or replaces) the dev snapshot loaded with
// --graph. Safe to call while serving; --watch reloads go through here.
func (s *Server) SetPreloaded(g *graph.CompiledGraph, networkName string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preloaded = g
	s.preloadedName = strings.ToLower(strings.TrimSpace(networkName))
	s.preloadedError = err
}

func (s *Server) preloadedGraph() (*graph.CompiledGraph, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.preloadedError != nil {
		return nil, ""
	}
	return s.preloaded, s.preloadedName
}

// Router assembles the chi handler. Middleware order: logging, then
// tracing/metrics, then CORS.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(observability.LoggingMiddleware(s.Logger))
	r.Use(observability.HTTPMiddleware(s.Metrics))
	r.Use(corsMiddleware(s.Config.CORSAllowOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/run", s.handleRun)
	r.Post("/invoke", s.handleInvoke)
	r.Post("/prompts/resolve", s.handleResolvePrompt)

	r.Post("/run-batch/upload", s.handleBatchUpload)
	r.Post("/run-batch", s.handleRunBatch)

	r.Get("/experiments", s.handleListExperiments)
	r.Get("/experiments/{id}", s.handleGetExperiment)

	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/runs/{id}/stream", s.handleStreamRun)

	r.Post("/snapshots", s.handlePublishSnapshot)
	r.Get("/snapshots", s.handleListSnapshots)
	r.Get("/snapshots/{id}", s.handleGetSnapshot)

	return r
}

func corsMiddleware(allowOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowOrigins))
	allowAll := false
	for _, origin := range allowOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// resolvedGraph is the outcome of snapshot/network resolution for one
// request.
type resolvedGraph struct {
	Graph      *graph.CompiledGraph
	NetworkID  string
	SnapshotID string
	VersionKey string
}

// graphRef is the addressing fragment shared by /run, /invoke, and
// /prompts/resolve bodies.
type graphRef struct {
	Network  string          `json:"network,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Version  *int            `json:"version,omitempty"`
}

// resolveGraph picks the snapshot for a request: an inline snapshot wins,
// then a network lookup through the store, then the preloaded dev
// snapshot when its network matches (or no network was named).
func (s *Server) resolveGraph(ctx context.Context, ref graphRef) (*resolvedGraph, int, error) {
	hasNetwork := strings.TrimSpace(ref.Network) != ""
	hasSnapshot := len(ref.Snapshot) > 0

	if hasNetwork && hasSnapshot {
		return nil, http.StatusBadRequest, fmt.Errorf("exactly one of network or snapshot must be given")
	}

	if hasSnapshot {
		g, err := graph.Parse(ref.Snapshot)
		if err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("invalid snapshot: %w", err)
		}
		s.applyDefaultLogPolicy(g)
		return &resolvedGraph{Graph: g, VersionKey: "inline"}, 0, nil
	}

	preloaded, preloadedName := s.preloadedGraph()

	if hasNetwork {
		rec, err := s.Store.ResolveNetwork(ctx, ref.Network, ref.Version)
		if err == nil {
			g, parseErr := graph.Parse([]byte(rec.GraphJSON))
			if parseErr != nil {
				return nil, http.StatusInternalServerError, fmt.Errorf("stored snapshot %s is invalid: %w", rec.SnapshotID, parseErr)
			}
			s.applyDefaultLogPolicy(g)
			return &resolvedGraph{
				Graph:      g,
				NetworkID:  rec.NetworkName,
				SnapshotID: rec.SnapshotID,
				VersionKey: fmt.Sprintf("%s@%d", rec.NetworkName, rec.Version),
			}, 0, nil
		}
		if !errors.Is(err, store.ErrSnapshotNotFound) {
			return nil, http.StatusInternalServerError, err
		}
		if preloaded != nil && preloadedName == strings.ToLower(strings.TrimSpace(ref.Network)) {
			return &resolvedGraph{Graph: preloaded, NetworkID: preloadedName, VersionKey: preloadedName + "@dev"}, 0, nil
		}
		return nil, http.StatusNotFound, fmt.Errorf("network %q: %w", ref.Network, store.ErrSnapshotNotFound)
	}

	if preloaded != nil {
		key := "dev"
		if preloadedName != "" {
			key = preloadedName + "@dev"
		}
		return &resolvedGraph{Graph: preloaded, NetworkID: preloadedName, VersionKey: key}, 0, nil
	}
	return nil, http.StatusBadRequest, fmt.Errorf("exactly one of network or snapshot must be given")
}

func (s *Server) applyDefaultLogPolicy(g *graph.CompiledGraph) {
	if g.ExecutionLog == nil && s.LogPolicy != nil {
		g.ExecutionLog = s.LogPolicy
	}
}

func (s *Server) systemDefaults() map[string]interface{} {
	defaults, err := s.Config.SystemParamDefaults()
	if err != nil {
		s.Logger.Warn("failed to load system param defaults", "error", err)
		return nil
	}
	return defaults
}

// decide returns the configured decide function, or one that fails every
// call with the not-configured error so runs still produce a final.
func (s *Server) decide() llm.DecideFunc {
	if s.Decide != nil {
		return s.Decide
	}
	return func(ctx context.Context, prompt, model string) (*llm.Result, error) {
		return nil, llm.ErrNotConfigured
	}
}
