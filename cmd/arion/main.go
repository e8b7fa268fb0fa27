// Command arion runs the agent-network orchestrator.
//
// Usage:
//
//	arion api --port 8000
//	arion api --graph snapshot.json --watch
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	arionagents "github.com/qcenturion/arion-agents"
	"github.com/qcenturion/arion-agents/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	API     APICmd     `cmd:"" help:"Start the HTTP API server."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFormat string `help:"Log format (text or json)." default:""`
	LogFile   string `help:"Log file path (empty = stderr)." type:"path"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(arionagents.GetVersion().String())
	return nil
}

// initLogger wires the process logger. Priority: CLI flags, then env
// vars, then defaults.
func initLogger(cli *CLI) (func(), error) {
	level := cli.LogLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}

	format := cli.LogFormat
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}
	if format == "" {
		format = "text"
	}

	logFile := cli.LogFile
	if logFile == "" {
		logFile = os.Getenv("LOG_FILE")
	}

	output := os.Stderr
	cleanup := func() {}
	if logFile != "" {
		file, closeFn, err := logger.OpenLogFile(logFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = closeFn
	}

	logger.Init(logger.ParseLevel(level), output, format)
	return cleanup, nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("arion"),
		kong.Description("arion - agent network orchestrator"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
