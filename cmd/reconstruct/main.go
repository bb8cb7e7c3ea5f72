// Command reconstruct drives the video-to-point-cloud pipeline from the
// command line: run a video through the stage graph, check on a job's
// progress, cancel or delete it, and inspect the loaded configuration.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"reconstruct/internal/cli"
	"reconstruct/internal/config"
	"reconstruct/internal/logging"
	"reconstruct/internal/storage"
	"reconstruct/internal/toolchain"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: loading config:", err)
		return cli.ExitOther
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: setting up logging:", err)
		return cli.ExitOther
	}

	store, err := storage.New(cfg.Workspace.DatabasePath)
	if err != nil {
		logger.Error("opening job database", "path", cfg.Workspace.DatabasePath, "error", err)
		return cli.ExitOther
	}
	defer store.Close()

	for name, status := range toolchain.CheckAll(cfg.Toolchain.BinaryPath, cfg.Toolchain.FFmpegPath, cfg.Toolchain.FFprobePath) {
		logging.LogToolStatus(logger, name, status.Available, status.Version, status.Path, status.Err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRoot(cfg, logger, store)
	return cli.RunContext(ctx, root, os.Args[1:])
}
