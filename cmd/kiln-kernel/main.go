// Command kiln-kernel is a development kernel implementing the kiln kernel
// HTTP contract: a stateful python namespace behind /exec, /vars, /var,
// /snapshot, and /health. The subprocess tier starts this binary directly;
// the container image runs the same binary.
//
// State lives in a pickle file plus a definitions log (functions and
// imports are not picklable, so their source is replayed before each
// execution). One execution runs at a time; concurrent requests beyond the
// limit fail fast with 503.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

type config struct {
	addr          string
	stateDir      string
	pythonBin     string
	maxConcurrent int
}

func loadConfig() config {
	cfg := config{
		addr:          "127.0.0.1:8400",
		stateDir:      filepath.Join(os.TempDir(), "kiln-kernel"),
		pythonBin:     "python3",
		maxConcurrent: 1,
	}
	if v := os.Getenv("KILN_KERNEL_STATE_DIR"); v != "" {
		cfg.stateDir = v
	}
	if v := os.Getenv("KILN_KERNEL_PYTHON"); v != "" {
		cfg.pythonBin = v
	}
	if v := os.Getenv("KILN_KERNEL_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxConcurrent = n
		}
	}
	return cfg
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmsgprefix)
	log.SetPrefix("[kiln-kernel] ")

	cfg := loadConfig()
	flag.StringVar(&cfg.addr, "addr", cfg.addr, "listen address")
	flag.StringVar(&cfg.stateDir, "state-dir", cfg.stateDir, "namespace state directory")
	flag.Parse()

	h, err := newPyHarness(cfg.pythonBin, cfg.stateDir)
	if err != nil {
		log.Fatalf("harness setup: %v", err)
	}
	srv := &http.Server{
		Addr:         cfg.addr,
		Handler:      newServer(h, cfg.maxConcurrent).routes(),
		ReadTimeout:  6 * time.Minute,
		WriteTimeout: 6 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("listening on %s", cfg.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Println("stopped")
}
