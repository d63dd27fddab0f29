package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/kilnhq/kiln"
)

// Tier selects how the kernel process is provided.
type Tier string

const (
	// TierExternal talks to a caller-managed kernel URL; no lifecycle.
	TierExternal Tier = "external"
	// TierSubprocess starts the kernel as a local child process.
	TierSubprocess Tier = "subprocess"
	// TierContainer runs the kernel in a container.
	TierContainer Tier = "container"
)

const (
	defaultStartupTimeout  = 30 * time.Second
	defaultHealthInterval  = 30 * time.Second
	healthFailureThreshold = 3
	startPollInterval      = 500 * time.Millisecond
)

// Config describes the kernel to manage.
type Config struct {
	Tier Tier

	// URL is the kernel endpoint for TierExternal.
	URL string

	// Command is the subprocess argv for TierSubprocess. The listen
	// address is appended as "--addr host:port". Default: ["kiln-kernel"].
	Command []string

	// Container settings for TierContainer.
	Image       string
	MemoryBytes int64   // hard memory limit; 0 = unlimited
	CPUs        float64 // CPU quota; 0 = unlimited
	Workspace   string  // host dir bind-mounted at /workspace

	StartupTimeout time.Duration
}

// Hook runs against a freshly healthy kernel.
type Hook func(ctx context.Context, c *Client) error

// Manager owns the kernel lifecycle: lazy start on first use, periodic
// health checks with restart after repeated failures, and teardown.
type Manager struct {
	cfg        Config
	httpClient *http.Client
	runtime    containerRuntime
	logger     *slog.Logger

	onStart   Hook
	onRestart Hook

	healthInterval time.Duration

	mu          sync.Mutex
	client      *Client
	proc        *exec.Cmd
	containerID string
	running     bool
	stopHealth  chan struct{}
	restarts    int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// OnStart registers the hook run after the first successful start.
func OnStart(h Hook) ManagerOption {
	return func(m *Manager) { m.onStart = h }
}

// OnRestart registers the hook run after a health-triggered restart.
func OnRestart(h Hook) ManagerOption {
	return func(m *Manager) { m.onRestart = h }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithHealthInterval overrides the health check period.
func WithHealthInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.healthInterval = d }
}

// WithContainerRuntime replaces the container backend.
func WithContainerRuntime(r containerRuntime) ManagerOption {
	return func(m *Manager) { m.runtime = r }
}

// NewManager creates a Manager. The kernel does not start until the first
// kernel-using call.
func NewManager(cfg Config, httpClient *http.Client, opts ...ManagerOption) *Manager {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"kiln-kernel"}
	}
	m := &Manager{
		cfg:            cfg,
		httpClient:     httpClient,
		logger:         nopLogger(),
		healthInterval: defaultHealthInterval,
	}
	for _, o := range opts {
		o(m)
	}
	if m.runtime == nil {
		m.runtime = &dockerRuntime{logger: m.logger}
	}
	return m
}

// Restarts reports how many health-triggered restarts have happened.
func (m *Manager) Restarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts
}

// Client returns the kernel client, starting the kernel if needed.
// Concurrent first callers share one start attempt.
func (m *Manager) Client(ctx context.Context) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return m.client, nil
	}
	if err := m.startLocked(ctx); err != nil {
		return nil, err
	}
	if m.onStart != nil {
		if err := m.onStart(ctx, m.client); err != nil {
			m.logger.Warn("kernel start hook failed", "err", err)
		}
	}
	return m.client, nil
}

// Exec runs code through the managed kernel. One transport failure is
// retried silently after a confirming health check; everything else
// surfaces to the caller.
func (m *Manager) Exec(ctx context.Context, code string, timeout time.Duration) (ExecResult, error) {
	c, err := m.Client(ctx)
	if err != nil {
		return ExecResult{}, err
	}
	res, err := c.Exec(ctx, code, timeout)
	if err == nil || kiln.KindOf(err) != kiln.KindTransport {
		return res, err
	}
	// The kernel may have just restarted under us. Confirm it is healthy
	// before the single retry; if it is not, report the original failure.
	if herr := c.Health(ctx); herr != nil {
		return ExecResult{}, err
	}
	m.logger.Debug("retrying exec after transient kernel failure")
	return c.Exec(ctx, code, timeout)
}

// Stop terminates the managed kernel. Safe to call without a prior start
// and safe to call twice.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx)
}

// startLocked starts the configured tier and waits for health. Caller
// holds m.mu.
func (m *Manager) startLocked(ctx context.Context) error {
	tier := m.cfg.Tier
	if tier == TierContainer {
		if err := m.runtime.Available(ctx); err != nil {
			m.logger.Warn("container runtime unavailable, degrading to subprocess", "err", err)
			tier = TierSubprocess
		}
	}

	var baseURL string
	switch tier {
	case TierExternal:
		if m.cfg.URL == "" {
			return kiln.E(kiln.KindValidation, "external kernel tier requires a url")
		}
		baseURL = m.cfg.URL
	case TierSubprocess:
		url, err := m.startSubprocess()
		if err != nil {
			return err
		}
		baseURL = url
	case TierContainer:
		id, url, err := m.runtime.Start(ctx, m.cfg)
		if err != nil {
			return fmt.Errorf("start kernel container: %w", err)
		}
		m.containerID = id
		baseURL = url
	default:
		return kiln.E(kiln.KindValidation, fmt.Sprintf("unknown kernel tier %q", m.cfg.Tier))
	}

	client := NewClient(baseURL, m.httpClient, m.logger)
	if err := m.waitHealthy(ctx, client); err != nil {
		m.teardownLocked(ctx)
		return err
	}

	m.client = client
	m.running = true
	m.stopHealth = make(chan struct{})
	go m.healthLoop(m.stopHealth)
	m.logger.Info("kernel started", "tier", string(tier), "url", baseURL)
	return nil
}

func (m *Manager) startSubprocess() (string, error) {
	port, err := freePort()
	if err != nil {
		return "", fmt.Errorf("pick kernel port: %w", err)
	}
	addr := "127.0.0.1:" + strconv.Itoa(port)

	argv := append(append([]string{}, m.cfg.Command...), "--addr", addr)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr
	if m.cfg.Workspace != "" {
		cmd.Dir = m.cfg.Workspace
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start kernel subprocess %q: %w", argv[0], err)
	}
	m.proc = cmd
	return "http://" + addr, nil
}

func (m *Manager) waitHealthy(ctx context.Context, c *Client) error {
	deadline := time.Now().Add(m.cfg.StartupTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = c.Health(ctx); lastErr == nil {
			return nil
		}
		time.Sleep(startPollInterval)
	}
	return kiln.Errorf(kiln.KindUnavailable, "kernel not healthy after %s: %w", m.cfg.StartupTimeout, lastErr)
}

// healthLoop probes the kernel and restarts it after repeated failures.
func (m *Manager) healthLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	fails := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if !m.running || m.stopHealth != stop {
				m.mu.Unlock()
				return
			}
			client := m.client
			m.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := client.Health(ctx)
			cancel()
			if err == nil {
				fails = 0
				continue
			}
			fails++
			m.logger.Warn("kernel health check failed", "consecutive", fails, "err", err)
			if fails < healthFailureThreshold {
				continue
			}
			m.restart()
			return
		}
	}
}

// restart tears the kernel down and brings it back up, then runs the
// restart hook. The old health loop exits; startLocked spawns a new one.
func (m *Manager) restart() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	m.mu.Lock()
	m.stopLockedNoSignal(ctx)
	err := m.startLocked(ctx)
	if err == nil {
		m.restarts++
	}
	client := m.client
	hook := m.onRestart
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("kernel restart failed", "err", err)
		return
	}
	m.logger.Info("kernel restarted")
	if hook != nil {
		if herr := hook(ctx, client); herr != nil {
			m.logger.Warn("kernel restart hook failed", "err", herr)
		}
	}
}

func (m *Manager) stopLocked(ctx context.Context) error {
	if m.stopHealth != nil {
		close(m.stopHealth)
		m.stopHealth = nil
	}
	return m.teardownLocked(ctx)
}

// stopLockedNoSignal tears down without closing stopHealth; used from the
// health loop, which is already exiting.
func (m *Manager) stopLockedNoSignal(ctx context.Context) {
	m.stopHealth = nil
	m.teardownLocked(ctx)
}

func (m *Manager) teardownLocked(ctx context.Context) error {
	var err error
	if m.proc != nil {
		if kerr := m.proc.Process.Kill(); kerr != nil {
			err = fmt.Errorf("kill kernel subprocess: %w", kerr)
		}
		go m.proc.Wait() //nolint:errcheck
		m.proc = nil
	}
	if m.containerID != "" {
		if serr := m.runtime.Stop(ctx, m.containerID); serr != nil && err == nil {
			err = fmt.Errorf("stop kernel container: %w", serr)
		}
		m.containerID = ""
	}
	m.client = nil
	m.running = false
	return err
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
