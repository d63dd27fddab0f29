package main

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

//go:embed harness.py
var harnessSource string

const maxHarnessOutput = 64 << 20

// pyHarness drives harness.py: one interpreter invocation per request,
// namespace persisted between invocations under stateDir.
type pyHarness struct {
	pythonBin   string
	stateDir    string
	harnessPath string
}

func newPyHarness(pythonBin, stateDir string) (*pyHarness, error) {
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return nil, fmt.Errorf("state dir %s: %w", stateDir, err)
	}
	harnessPath := filepath.Join(stateDir, "harness.py")
	if err := os.WriteFile(harnessPath, []byte(harnessSource), 0o640); err != nil {
		return nil, fmt.Errorf("write harness: %w", err)
	}
	return &pyHarness{pythonBin: pythonBin, stateDir: stateDir, harnessPath: harnessPath}, nil
}

// invoke runs one harness mode. The request is JSON on stdin; the reply is
// JSON on stdout. A non-zero exit carries the failure on stderr.
func (h *pyHarness) invoke(ctx context.Context, mode string, req any) ([]byte, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal harness request: %w", err)
	}

	cmd := exec.CommandContext(ctx, h.pythonBin, h.harnessPath, h.stateDir, mode)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedBuffer{buf: &stdout, limit: maxHarnessOutput}
	cmd.Stderr = &limitedBuffer{buf: &stderr, limit: 1 << 20}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("harness %s: %s", mode, msg)
	}
	return stdout.Bytes(), nil
}

// limitedBuffer accepts everything but keeps only the first limit bytes.
type limitedBuffer struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitedBuffer) Write(p []byte) (int, error) {
	if w.buf.Len() < w.limit {
		keep := p
		if remaining := w.limit - w.buf.Len(); len(keep) > remaining {
			keep = keep[:remaining]
		}
		w.buf.Write(keep)
	}
	return len(p), nil
}
