// Package app is the composition root: it assembles the knowledge
// registry, fetcher, research orchestrator, callback server, kernel
// manager, sub-agent runner, and MCP tool server from one Config, and
// owns their start and reverse-order stop.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/callback"
	"github.com/kilnhq/kiln/docs"
	"github.com/kilnhq/kiln/fetch"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/kernel"
	"github.com/kilnhq/kiln/knowledge"
	"github.com/kilnhq/kiln/mcp"
	"github.com/kilnhq/kiln/observer"
	"github.com/kilnhq/kiln/provider/resolve"
	"github.com/kilnhq/kiln/research"
	"github.com/kilnhq/kiln/store/postgres"
	"github.com/kilnhq/kiln/store/sqlite"
	"github.com/kilnhq/kiln/subagent"
	"github.com/kilnhq/kiln/tools/fetchops"
	"github.com/kilnhq/kiln/tools/kernelops"
	"github.com/kilnhq/kiln/tools/knowledgeops"
)

// Options carry CLI-level overrides into the app.
type Options struct {
	// KernelURL forces the external kernel tier.
	KernelURL string
	// NoContainer downgrades the container tier to subprocess.
	NoContainer bool
	// WorkingDir anchors the default project id and the kernel workspace.
	// Empty means the process working directory.
	WorkingDir string

	// Stdin/Stdout override the MCP transport; nil means os.Stdin/os.Stdout.
	Stdin  io.Reader
	Stdout io.Writer

	Logger *slog.Logger
}

// App is the assembled kiln process.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	obs      *observer.Observer
	pool     *pgxpool.Pool
	stores   *knowledge.Registry
	fetcher  *fetch.Fetcher
	orch     *research.Orchestrator
	ledger   *callback.Ledger
	callback *callback.Server
	manager  *kernel.Manager
	snap     *kernel.Snapshotter
	runner   *subagent.Runner
	server   *mcp.Server

	snapCancel context.CancelFunc
	snapDone   chan struct{}
}

// New assembles the app. Nothing network-facing starts except the
// callback listener; the kernel starts lazily on first use.
func New(ctx context.Context, cfg config.Config, version string, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	workingDir := opts.WorkingDir
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
		workingDir = wd
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir %s: %w", cfg.DataDir, err)
	}

	a := &App{cfg: cfg, logger: logger}

	// One pooled HTTP client for providers, fetcher, and kernel.
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	if cfg.Observer.Enabled {
		obs, err := observer.Init(ctx, observer.Config{ServiceName: cfg.Observer.ServiceName})
		if err != nil {
			return nil, fmt.Errorf("observer: %w", err)
		}
		a.obs = obs
	} else {
		a.obs = observer.Disabled()
	}

	subModel, err := resolve.Provider(resolve.Config{
		Model: cfg.Models.Sub, HTTPClient: httpClient, Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("sub model: %w", err)
	}
	mainModel, err := resolve.Provider(resolve.Config{
		Model: cfg.Models.Main, HTTPClient: httpClient, Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("main model: %w", err)
	}
	embedder, err := resolve.Embedding(resolve.EmbeddingConfig{
		Model: cfg.Models.Embedder, Dimensions: cfg.Models.Dimensions,
		HTTPClient: httpClient, Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}

	if err := a.buildStores(ctx, embedder, subModel); err != nil {
		return nil, err
	}

	a.fetcher = fetch.NewFetcher(httpClient, a.stores, cfg.RawDir(), fetcherOptions(cfg, logger)...)
	a.orch = research.NewOrchestrator(a.fetcher, []research.Resolver{
		research.NewStaticResolver(cfg.Research.Sources),
		research.PatternResolver{},
	}, logger)

	a.ledger = callback.NewLedger()
	a.callback = callback.NewServer(subModel, a.ledger, callback.WithServerLogger(logger))
	defaultProject := knowledge.ProjectID(workingDir)
	a.registerCallbackTools(defaultProject)
	if err := a.callback.Start(cfg.Callback.Addr); err != nil {
		return nil, err
	}

	kcfg, err := kernelConfig(cfg, workingDir, opts)
	if err != nil {
		a.callback.Shutdown(ctx)
		return nil, err
	}
	callbackURL := callbackURLFor(kcfg.Tier, a.callback.Addr())
	a.manager = kernel.NewManager(kcfg, httpClient,
		kernel.WithManagerLogger(logger),
		kernel.WithHealthInterval(time.Duration(cfg.Kernel.HealthIntervalSec)*time.Second),
		kernel.OnStart(func(ctx context.Context, c *kernel.Client) error {
			if err := subagent.InjectHelpers(ctx, c, callbackURL); err != nil {
				return err
			}
			_, _, err := a.snap.Restore(ctx, c)
			return err
		}),
		kernel.OnRestart(func(ctx context.Context, c *kernel.Client) error {
			return subagent.InjectHelpers(ctx, c, callbackURL)
		}),
	)

	a.snap = kernel.NewSnapshotter(cfg.SnapshotDir(), defaultProject, a.manager,
		kernel.WithExpiry(time.Duration(cfg.Kernel.SnapshotExpiryDays)*24*time.Hour),
		kernel.WithSnapshotterLogger(logger),
	)
	if removed, err := a.snap.CleanupExpired(); err == nil && removed > 0 {
		logger.Info("expired session snapshots removed", "count", removed)
	}
	snapCtx, cancel := context.WithCancel(context.Background())
	a.snapCancel = cancel
	a.snapDone = make(chan struct{})
	go func() {
		defer close(a.snapDone)
		a.snap.Run(snapCtx)
	}()

	a.runner = subagent.NewRunner(mainModel, a.manager, a.ledger, logger)

	mcpOpts := []mcp.Option{mcp.WithLogger(logger)}
	if opts.Stdin != nil && opts.Stdout != nil {
		mcpOpts = append(mcpOpts, mcp.WithIO(opts.Stdin, opts.Stdout))
	}
	a.server = mcp.New("kiln", version, mcpOpts...)
	a.registerTools(defaultProject)
	a.registerDocs()

	logger.Info("kiln assembled",
		"project", defaultProject,
		"kernel_tier", string(kcfg.Tier),
		"backend", cfg.Knowledge.Backend,
		"callback", a.callback.Addr())
	return a, nil
}

// buildStores wires the knowledge registry over the configured backend.
func (a *App) buildStores(ctx context.Context, embedder kiln.EmbeddingProvider, subModel kiln.Provider) error {
	cfg := a.cfg
	storeOpts := func() []knowledge.Option {
		return []knowledge.Option{
			knowledge.WithEmbedder(embedder),
			knowledge.WithSubModel(subModel),
			knowledge.WithKeywordWeight(float32(cfg.Knowledge.KeywordWeight)),
			knowledge.WithAnswerContextOnly(cfg.Knowledge.AnswerMode != "answer"),
			knowledge.WithLogger(a.logger),
		}
	}

	if cfg.Knowledge.Backend == "postgres" {
		if cfg.Knowledge.PostgresDSN == "" {
			return kiln.E(kiln.KindValidation, "knowledge backend postgres needs postgres_dsn")
		}
		pool, err := pgxpool.New(ctx, cfg.Knowledge.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		a.pool = pool
		a.stores = knowledge.NewRegistry(func(projectID string) (*knowledge.Store, error) {
			idx := postgres.New(pool, projectID,
				postgres.WithEmbeddingDimension(cfg.Models.Dimensions))
			if err := idx.Init(context.Background()); err != nil {
				return nil, err
			}
			return knowledge.New(idx, storeOpts()...), nil
		}, a.logger)
		return nil
	}

	dir := cfg.KnowledgeDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("knowledge dir %s: %w", dir, err)
	}
	a.stores = knowledge.NewRegistry(func(projectID string) (*knowledge.Store, error) {
		idx := sqlite.New(filepath.Join(dir, projectID+".db"))
		if err := idx.Init(context.Background()); err != nil {
			return nil, err
		}
		return knowledge.New(idx, storeOpts()...), nil
	}, a.logger)
	return nil
}

func fetcherOptions(cfg config.Config, logger *slog.Logger) []fetch.FetcherOption {
	opts := []fetch.FetcherOption{
		fetch.WithFreshness(time.Duration(cfg.Fetch.FreshnessDays) * 24 * time.Hour),
		fetch.WithPerHostRPS(cfg.Fetch.PerHostRPS),
		fetch.WithBlocklist(fetch.NewBlocklist(cfg.Fetch.BlockedDomains...)),
		fetch.WithLogger(logger),
	}
	if cfg.Fetch.ProxyBase != "" {
		opts = append(opts, fetch.WithProxyBase(cfg.Fetch.ProxyBase))
	}
	return opts
}

// kernelConfig maps config plus CLI overrides to the manager config.
// --kernel-url wins over everything; --no-kernel-container downgrades
// container to subprocess.
func kernelConfig(cfg config.Config, workingDir string, opts Options) (kernel.Config, error) {
	tier := kernel.Tier(cfg.Kernel.Tier)
	url := cfg.Kernel.URL
	if opts.KernelURL != "" {
		tier = kernel.TierExternal
		url = opts.KernelURL
	} else if opts.NoContainer && tier == kernel.TierContainer {
		tier = kernel.TierSubprocess
	}
	if tier == kernel.TierExternal && url == "" {
		return kernel.Config{}, kiln.E(kiln.KindValidation, "external kernel tier needs a url")
	}
	workspace := cfg.Kernel.Workspace
	if workspace == "" {
		workspace = workingDir
	}
	return kernel.Config{
		Tier:           tier,
		URL:            url,
		Command:        cfg.Kernel.Command,
		Image:          cfg.Kernel.Image,
		MemoryBytes:    cfg.Kernel.MemoryBytes(),
		CPUs:           cfg.Kernel.CPUs,
		Workspace:      workspace,
		StartupTimeout: time.Duration(cfg.Kernel.StartupTimeoutSec) * time.Second,
	}, nil
}

// callbackURLFor rewrites the callback address for the kernel's network
// namespace: loopback works for subprocess and external kernels; a
// container reaches the host through host.docker.internal.
func callbackURLFor(tier kernel.Tier, addr string) string {
	if tier != kernel.TierContainer {
		return "http://" + addr
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	return "http://host.docker.internal:" + port
}

// registerTools installs the full tool surface, each handler wrapped with
// the observer instrumentation.
func (a *App) registerTools(defaultProject string) {
	handlers := kernelops.Handlers(kernelops.Deps{
		Manager:     a.manager,
		Runner:      a.runner,
		Ledger:      a.ledger,
		ExecTimeout: time.Duration(a.cfg.Kernel.ExecTimeoutSec) * time.Second,
		Logger:      a.logger,
	})
	handlers = append(handlers, knowledgeops.Handlers(knowledgeops.Deps{
		Stores:         a.stores,
		DefaultProject: defaultProject,
		Logger:         a.logger,
	})...)
	handlers = append(handlers, fetchops.Handlers(fetchops.Deps{
		Fetcher:        a.fetcher,
		Orchestrator:   a.orch,
		DefaultProject: defaultProject,
		Logger:         a.logger,
	})...)
	for _, h := range handlers {
		a.server.AddTool(observer.WrapTool(h, a.obs.Inst))
	}
}

// registerDocs serves the embedded usage docs as MCP resources.
func (a *App) registerDocs() {
	for _, r := range docs.Resources() {
		a.server.AddResource(r)
	}
}

// Run serves MCP over stdio until ctx is cancelled or stdin closes.
func (a *App) Run(ctx context.Context) error {
	return a.server.Serve(ctx)
}

// Stop tears the app down in reverse assembly order: drain the callback
// server, snapshot and stop the kernel, close the stores, flush the
// observer.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if err := a.callback.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	// Cancelling the snapshot loop triggers its final save.
	a.snapCancel()
	select {
	case <-a.snapDone:
	case <-time.After(20 * time.Second):
		errs = append(errs, errors.New("snapshot loop did not finish"))
	}

	if err := a.manager.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.stores.CloseAll(); err != nil {
		errs = append(errs, err)
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.obs.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("kiln stopped")
	return errors.Join(errs...)
}
