package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vk/gridflow/internal/app"
	"github.com/vk/gridflow/internal/cli"
	"github.com/vk/gridflow/internal/pool"
	"github.com/vk/gridflow/internal/remote"
	"github.com/vk/gridflow/internal/task"
)

// main is the entrypoint for the gridflow application.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(os.Stdout, os.Args[1:]); err != nil {
		if exitErr, ok := err.(*cli.ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run encapsulates the main application logic for easier testing and
// error handling.
func run(outW io.Writer, args []string) error {
	inv, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch inv.Mode {
	case cli.ModeWorkerStdio:
		reg := task.NewRegistry()
		task.Builtins{}.Register(reg)
		return pool.ServeStdio(ctx, reg, os.Stdin, os.Stdout)
	case cli.ModeRemoteWorker:
		reg := task.NewRegistry()
		task.Builtins{}.Register(reg)
		return remote.RunWorker(ctx, inv.WorkerURL, reg, inv.Workers)
	}

	return app.NewApp(outW, inv.Config).Run(ctx)
}
