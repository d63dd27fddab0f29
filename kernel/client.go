// Package kernel manages the stateful code kernel: a typed HTTP client for
// the kernel contract, a lifecycle manager covering subprocess, container,
// and externally-managed kernels, and session snapshot persistence.
package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kilnhq/kiln"
)

// execMargin is added to the kernel-side timeout so an overdue kernel
// yields a structured timeout instead of a mid-body transport error.
const execMargin = 5 * time.Second

// DefaultExecTimeout applies when the caller passes no timeout.
const DefaultExecTimeout = 30 * time.Second

// maxKernelResponse caps how much of a kernel response is read.
const maxKernelResponse = 50 << 20

// resetSnippet clears the kernel namespace. The IPython path is preferred;
// the fallback works on the plain harness.
const resetSnippet = `
try:
    get_ipython().reset(new_session=True)
except NameError:
    for _n in list(globals().keys()):
        if not _n.startswith('_'):
            del globals()[_n]
print("kernel reset")
`

// ExecResult is the kernel's answer to one execution. A non-empty Stderr
// is a user-code failure, not a client error; it is reported verbatim.
type ExecResult struct {
	Output string   `json:"output"`
	Stderr string   `json:"stderr"`
	Vars   []string `json:"vars"`
}

// VarInfo describes one kernel variable.
type VarInfo struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Summary string `json:"summary"`
}

// Client speaks the kernel HTTP contract.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates a kernel client. httpClient is the shared process
// client; per-call deadlines come from contexts, never client.Timeout.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = nopLogger()
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: httpClient, logger: logger}
}

// BaseURL returns the kernel endpoint this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Exec runs code in the kernel. timeout bounds the kernel-side execution;
// zero selects the default.
func (c *Client) Exec(ctx context.Context, code string, timeout time.Duration) (ExecResult, error) {
	if strings.TrimSpace(code) == "" {
		return ExecResult{}, kiln.E(kiln.KindValidation, "code must not be empty")
	}
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+execMargin)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"code":    code,
		"timeout": int(timeout.Seconds()),
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("marshal exec request: %w", err)
	}

	start := time.Now()
	data, err := c.do(ctx, http.MethodPost, "/exec", "application/json", body)
	if err != nil {
		return ExecResult{}, classifyKernelErr(err)
	}
	var result ExecResult
	if err := json.Unmarshal(data, &result); err != nil {
		return ExecResult{}, kiln.Errorf(kiln.KindInternal, "malformed kernel response: %w", err)
	}
	c.logger.Debug("kernel exec", "bytes", len(code), "duration", time.Since(start), "stderr", result.Stderr != "")
	return result, nil
}

// Vars lists the kernel's user-defined variables.
func (c *Client) Vars(ctx context.Context) ([]VarInfo, error) {
	data, err := c.do(ctx, http.MethodGet, "/vars", "", nil)
	if err != nil {
		return nil, classifyKernelErr(err)
	}
	var resp struct {
		Vars []VarInfo `json:"vars"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, kiln.Errorf(kiln.KindInternal, "malformed kernel response: %w", err)
	}
	return resp.Vars, nil
}

// GetVar returns one variable's JSON value. An unknown name reports
// not_found.
func (c *Client) GetVar(ctx context.Context, name string) (json.RawMessage, error) {
	if name == "" {
		return nil, kiln.E(kiln.KindValidation, "variable name must not be empty")
	}
	data, err := c.do(ctx, http.MethodGet, "/var/"+name, "", nil)
	if err != nil {
		var he *kiln.ErrHTTP
		if errors.As(err, &he) && he.Status == http.StatusNotFound {
			return nil, kiln.E(kiln.KindNotFound, fmt.Sprintf("no variable named %q", name))
		}
		return nil, classifyKernelErr(err)
	}
	return json.RawMessage(data), nil
}

// Reset clears the kernel namespace.
func (c *Client) Reset(ctx context.Context) error {
	res, err := c.Exec(ctx, resetSnippet, 0)
	if err != nil {
		return err
	}
	if res.Stderr != "" {
		return kiln.E(kiln.KindKernelRuntime, res.Stderr)
	}
	return nil
}

// SnapshotSave returns the kernel's opaque session snapshot.
func (c *Client) SnapshotSave(ctx context.Context) ([]byte, error) {
	data, err := c.do(ctx, http.MethodPost, "/snapshot/save", "", nil)
	if err != nil {
		return nil, classifyKernelErr(err)
	}
	return data, nil
}

// SnapshotRestore loads a previously saved snapshot. The kernel applies it
// all-or-nothing; names it could not materialize come back in skipped.
func (c *Client) SnapshotRestore(ctx context.Context, blob []byte) (restored, skipped []string, err error) {
	data, err := c.do(ctx, http.MethodPost, "/snapshot/restore", "application/octet-stream", blob)
	if err != nil {
		return nil, nil, classifyKernelErr(err)
	}
	var resp struct {
		Restored []string `json:"restored"`
		Skipped  []string `json:"skipped"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, nil, kiln.Errorf(kiln.KindInternal, "malformed kernel response: %w", err)
	}
	return resp.Restored, resp.Skipped, nil
}

// Health probes the kernel.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.do(ctx, http.MethodGet, "/health", "", nil); err != nil {
		return classifyKernelErr(err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxKernelResponse))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &kiln.ErrHTTP{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// classifyKernelErr maps low-level failures onto the error model: kernel
// busy (503) and 5xx are unavailable, deadlines are timeouts, broken
// connections are transport.
func classifyKernelErr(err error) error {
	var he *kiln.ErrHTTP
	if errors.As(err, &he) {
		if he.Status == http.StatusServiceUnavailable {
			return kiln.Errorf(kiln.KindUnavailable, "kernel busy: %w", err)
		}
		if he.Status >= 500 {
			return kiln.Errorf(kiln.KindUnavailable, "kernel error: %w", err)
		}
		return kiln.Errorf(kiln.KindTransport, "kernel protocol error: %w", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return kiln.Errorf(kiln.KindTimeout, "kernel did not answer in time: %w", err)
	}
	if isConnectionErr(err) {
		return kiln.Errorf(kiln.KindTransport, "kernel unreachable: %w", err)
	}
	return kiln.Errorf(kiln.KindTransport, "kernel request failed: %w", err)
}

// isConnectionErr matches broken-connection failures that a restart can fix.
func isConnectionErr(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}
