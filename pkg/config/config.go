package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qcenturion/arion-agents/pkg/secrets"
)

// Config holds the process-wide settings, resolved from environment
// variables once at startup.
type Config struct {
	Port             int
	DatabaseURL      string
	CORSAllowOrigins []string

	LogLevel  string
	LogFormat string
	LogFile   string
	Debug     bool

	GeminiAPIKey string
	GeminiModel  string

	SystemParamsFile string
	QueueStaleAfter  time.Duration

	OtelEnabled     bool
	OtelExporter    string
	OtelEndpoint    string
	OtelServiceName string
	OtelSampleRate  float64

	mu                  sync.Mutex
	systemParamDefaults map[string]interface{}
}

// FromEnv builds a Config from the process environment. Loads .env files
// first so local development settings apply without exporting anything.
func FromEnv() (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		slog.Warn("failed to load env files", "error", err)
	}

	cfg := &Config{
		DatabaseURL:      envOr("DATABASE_URL", "arion.db"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "text"),
		LogFile:          os.Getenv("LOG_FILE"),
		Debug:            envBool("DEBUG"),
		GeminiModel:      envOr("GEMINI_MODEL", "gemini-2.5-flash"),
		SystemParamsFile: os.Getenv("SYSTEM_PARAMS_FILE"),
		QueueStaleAfter:  5 * time.Minute,
		OtelExporter:     envOr("OTEL_EXPORTER", "otlp-grpc"),
		OtelEndpoint:     envOr("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:  envOr("OTEL_SERVICE_NAME", "arion-agents"),
		OtelSampleRate:   1.0,
	}

	port := envOr("PORT", "8000")
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT %q: %w", port, err)
	}
	cfg.Port = p

	origins := envOr("CORS_ALLOW_ORIGINS", "http://localhost:3000")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSAllowOrigins = append(cfg.CORSAllowOrigins, o)
		}
	}

	if raw := os.Getenv("QUEUE_STALE_AFTER"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_STALE_AFTER %q: %w", raw, err)
		}
		cfg.QueueStaleAfter = d
	}

	if raw := os.Getenv("OTEL_SAMPLE_RATE"); raw != "" {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid OTEL_SAMPLE_RATE %q: %w", raw, err)
		}
		cfg.OtelSampleRate = rate
	}
	cfg.OtelEnabled = envBool("OTEL_ENABLED")

	// The API key may live in the environment or in a local secrets file.
	resolver := secrets.NewResolver(secrets.DefaultDir)
	if key, ok := resolver.Resolve("GEMINI_API_KEY"); ok {
		cfg.GeminiAPIKey = key
	} else if key, ok := resolver.Resolve("gemini_api_key"); ok {
		cfg.GeminiAPIKey = key
	}

	return cfg, nil
}

// SystemParamDefaults loads the optional system parameter defaults file
// (YAML or JSON) the first time it is called and caches the result.
// Environment references inside values are expanded.
func (c *Config) SystemParamDefaults() (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.systemParamDefaults != nil {
		return c.systemParamDefaults, nil
	}
	if c.SystemParamsFile == "" {
		c.systemParamDefaults = map[string]interface{}{}
		return c.systemParamDefaults, nil
	}

	data, err := os.ReadFile(c.SystemParamsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read system params file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse system params file %s: %w", c.SystemParamsFile, err)
	}

	expanded, ok := ExpandEnvVarsInData(raw).(map[string]interface{})
	if !ok {
		expanded = map[string]interface{}{}
	}
	c.systemParamDefaults = expanded
	return c.systemParamDefaults, nil
}
