// Command kiln serves the kiln tool surface to an MCP client over stdio:
// a stateful python kernel, a fetch/index/search knowledge pipeline, and
// bounded sub-agent loops.
//
// Stdout carries the MCP transport; all logging goes to stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kilnhq/kiln/internal/app"
	"github.com/kilnhq/kiln/internal/config"
)

const version = "0.1.0"

func main() {
	var (
		configPath  = flag.String("config", "", "config file path (default: <data_dir>/config.toml)")
		kernelURL   = flag.String("kernel-url", "", "use an externally managed kernel at this URL")
		noContainer = flag.Bool("no-kernel-container", false, "run the kernel as a subprocess instead of a container")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load(*configPath)
	a, err := app.New(ctx, cfg, version, app.Options{
		KernelURL:   *kernelURL,
		NoContainer: *noContainer,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "kiln:", err)
		os.Exit(1)
	}

	runErr := a.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		logger.Warn("shutdown finished with errors", "err", err)
	}
	if runErr != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "kiln:", runErr)
		os.Exit(1)
	}
}
