package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/gridflow/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Mode selects what the process does after parsing.
type Mode int

const (
	// ModeRun loads a grid and computes its targets.
	ModeRun Mode = iota
	// ModeWorkerStdio serves tasks over stdin/stdout for a parent process
	// pool. Never invoked by hand.
	ModeWorkerStdio
	// ModeRemoteWorker connects to a distributed scheduler and serves
	// tasks over socket.io.
	ModeRemoteWorker
)

// Invocation is the parsed command line: the mode plus the config the
// chosen mode needs.
type Invocation struct {
	Mode      Mode
	Config    *app.Config // ModeRun only
	WorkerURL string      // ModeRemoteWorker only
	Workers   int
}

// Parse processes command-line arguments. It returns the invocation, a
// boolean indicating the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*Invocation, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("gridflow", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
GridFlow - A static-order task graph execution engine.

Usage:
  gridflow [options] [GRID_PATH]

Arguments:
  GRID_PATH
    Path to a single .hcl grid file or a directory containing .hcl files.

Options:
`)
		flagSet.PrintDefaults()
	}

	gridFlag := flagSet.String("grid", "", "Path to the grid file or directory.")
	gFlag := flagSet.String("g", "", "Path to the grid file or directory (shorthand).")
	targetsFlag := flagSet.String("targets", "", "Comma-separated keys to compute. Defaults to the grid's output blocks.")
	schedulerFlag := flagSet.String("scheduler", "threads", "Execution backend: 'sync', 'threads', 'processes', or a listen address for distributed workers.")
	workersFlag := flagSet.Int("workers", 0, "Number of concurrent workers. 0 picks a default for the backend.")
	ratioFlag := flagSet.Float64("symmetry-ratio", 0, "Threshold steering the order pass between symmetric and critical-path strategies. 0 keeps the default.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	traceFlag := flagSet.Bool("trace", false, "Print the serial memory-pressure trace instead of executing.")
	workerStdioFlag := flagSet.Bool("worker-stdio", false, "Serve tasks over stdio for a parent process pool (internal).")
	connectFlag := flagSet.String("connect", "", "Run as a distributed worker connected to the given scheduler URL.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	if *workerStdioFlag {
		return &Invocation{Mode: ModeWorkerStdio}, false, nil
	}
	if *connectFlag != "" {
		workers := *workersFlag
		if workers < 1 {
			workers = 1
		}
		return &Invocation{Mode: ModeRemoteWorker, WorkerURL: *connectFlag, Workers: workers}, false, nil
	}

	path := ""
	if *gridFlag != "" {
		path = *gridFlag
	} else if *gFlag != "" {
		path = *gFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	slog.Debug("Grid path determined.", "path", path)

	if path == "" {
		slog.Debug("No grid path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	var targets []string
	if *targetsFlag != "" {
		for _, t := range strings.Split(*targetsFlag, ",") {
			if t = strings.TrimSpace(t); t != "" {
				targets = append(targets, t)
			}
		}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		GridPath:      path,
		Targets:       targets,
		Scheduler:     *schedulerFlag,
		Workers:       *workersFlag,
		SymmetryRatio: *ratioFlag,
		LogFormat:     logFormat,
		LogLevel:      logLevel,
		Trace:         *traceFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return &Invocation{Mode: ModeRun, Config: config, Workers: config.Workers}, false, nil
}
