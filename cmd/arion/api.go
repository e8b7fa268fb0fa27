package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/qcenturion/arion-agents/pkg/config"
	"github.com/qcenturion/arion-agents/pkg/graph"
	"github.com/qcenturion/arion-agents/pkg/llm"
	"github.com/qcenturion/arion-agents/pkg/logger"
	"github.com/qcenturion/arion-agents/pkg/observability"
	"github.com/qcenturion/arion-agents/pkg/secrets"
	"github.com/qcenturion/arion-agents/pkg/server"
	"github.com/qcenturion/arion-agents/pkg/store"
	"github.com/qcenturion/arion-agents/pkg/tool"
)

const shutdownTimeout = 5 * time.Second

// APICmd starts the HTTP server and the experiment queue worker.
type APICmd struct {
	Port      int    `help:"Port to listen on." default:"0"`
	Graph     string `help:"Preload a snapshot file for dev runs." type:"path"`
	Watch     bool   `help:"Reload the --graph snapshot when the file changes."`
	LogPolicy string `name:"log-policy" help:"YAML file with the default execution-log preview policy." type:"path"`
}

func (c *APICmd) Run(cli *CLI) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if c.Port > 0 {
		cfg.Port = c.Port
	}
	log := logger.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing first so everything downstream picks up the provider.
	if cfg.OtelEnabled {
		shutdown, err := observability.InitTracer(ctx, observability.TracerConfig{
			Exporter:     cfg.OtelExporter,
			Endpoint:     cfg.OtelEndpoint,
			ServiceName:  cfg.OtelServiceName,
			SamplingRate: cfg.OtelSampleRate,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		if shutdown != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					log.Warn("tracer shutdown failed", "error", err)
				}
			}()
		}
	}
	metrics, err := observability.InitMetrics(cfg.OtelEnabled)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	dbCfg, err := config.ParseDatabaseURL(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	pool := config.NewDBPool()
	defer pool.Close()
	db, err := pool.Get(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	st, err := store.New(db, dbCfg.Dialect())
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	log.Info("store ready", "driver", dbCfg.Driver)

	resolver := secrets.NewResolver(secrets.DefaultDir)
	registry := tool.NewDefaultRegistry(resolver)

	var decide llm.DecideFunc
	if cfg.GeminiAPIKey != "" {
		gemini, err := llm.NewGemini(ctx, llm.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize gemini client: %w", err)
		}
		decide = gemini.Decide
		log.Info("llm ready", "model", cfg.GeminiModel)
	} else {
		log.Warn("GEMINI_API_KEY not set; runs will fail with an error final")
	}

	var logPolicy *graph.ExecutionLogPolicy
	if c.LogPolicy != "" {
		logPolicy, err = loadLogPolicy(c.LogPolicy)
		if err != nil {
			return fmt.Errorf("invalid --log-policy file: %w", err)
		}
	}

	srv, err := server.New(server.Options{
		Config:    cfg,
		Store:     st,
		Registry:  registry,
		Decide:    decide,
		Model:     cfg.GeminiModel,
		Metrics:   metrics,
		Logger:    log,
		LogPolicy: logPolicy,
	})
	if err != nil {
		return err
	}

	if c.Graph != "" {
		if err := preloadSnapshot(srv, c.Graph, log); err != nil {
			return err
		}
		if c.Watch {
			if err := watchSnapshot(ctx, srv, c.Graph, log); err != nil {
				return err
			}
		}
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		srv.Worker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// preloadSnapshot loads a dev snapshot from disk. The network name is the
// file name without its extension, so network-addressed requests can hit
// it before anything is published.
func preloadSnapshot(srv *server.Server, path string, log *slog.Logger) error {
	g, err := graph.LoadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load snapshot %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	srv.SetPreloaded(g, name, nil)
	log.Info("snapshot preloaded", "file", path, "network", name, "agents", len(g.Agents))
	return nil
}

// watchSnapshot reloads the preloaded snapshot when its file changes. A
// broken intermediate write keeps the last good snapshot serving.
func watchSnapshot(ctx context.Context, srv *server.Server, path string, log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create snapshot watcher: %w", err)
	}
	// Watch the directory: editors replace files instead of writing in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := preloadSnapshot(srv, path, log); err != nil {
					log.Error("snapshot reload failed, keeping previous", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error("snapshot watcher error", "error", err)
			}
		}
	}()
	return nil
}

// loadLogPolicy reads a YAML preview policy and decodes it through the
// JSON field names of the policy model.
func loadLogPolicy(path string) (*graph.ExecutionLogPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var policy graph.ExecutionLogPolicy
	if err := json.Unmarshal(encoded, &policy); err != nil {
		return nil, err
	}
	return &policy, nil
}
