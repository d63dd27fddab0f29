package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	maxRequestBodyBytes = 32 << 20
	defaultTimeoutSecs  = 30
	maxTimeoutSecs      = 300
)

// harness runs one mode of the python state machine and returns its JSON
// reply. Abstracted so the HTTP layer tests without a python interpreter.
type harness interface {
	invoke(ctx context.Context, mode string, req any) ([]byte, error)
}

type server struct {
	h   harness
	sem chan struct{}
}

func newServer(h harness, maxConcurrent int) *server {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &server{h: h, sem: make(chan struct{}, maxConcurrent)}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /exec", s.handleExec)
	mux.HandleFunc("GET /vars", s.handleVars)
	mux.HandleFunc("GET /var/{name}", s.handleGetVar)
	mux.HandleFunc("POST /snapshot/save", s.handleSnapshotSave)
	mux.HandleFunc("POST /snapshot/restore", s.handleSnapshotRestore)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// acquire takes an execution slot, failing fast when the kernel is busy.
func (s *server) acquire(w http.ResponseWriter) bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		writeError(w, http.StatusServiceUnavailable, "kernel busy")
		return false
	}
}

func (s *server) release() { <-s.sem }

func (s *server) handleExec(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req struct {
		Code    string `json:"code"`
		Timeout int    `json:"timeout"` // seconds
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeoutSecs
	}
	if timeout > maxTimeoutSecs {
		timeout = maxTimeoutSecs
	}

	if !s.acquire(w) {
		return
	}
	defer s.release()

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(timeout)*time.Second)
	defer cancel()
	out, err := s.h.invoke(ctx, "exec", map[string]string{"code": req.Code})
	if errors.Is(err, context.DeadlineExceeded) {
		// The interpreter was killed; the previous namespace pickle is
		// still intact, so this reads as a user-code failure.
		writeJSON(w, http.StatusOK, map[string]any{
			"output": "",
			"stderr": fmt.Sprintf("TimeoutError: execution exceeded %d seconds", timeout),
			"vars":   []string{},
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRaw(w, out)
}

func (s *server) handleVars(w http.ResponseWriter, r *http.Request) {
	if !s.acquire(w) {
		return
	}
	defer s.release()

	out, err := s.h.invoke(r.Context(), "vars", nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRaw(w, out)
}

func (s *server) handleGetVar(w http.ResponseWriter, r *http.Request) {
	if !s.acquire(w) {
		return
	}
	defer s.release()

	name := r.PathValue("name")
	out, err := s.h.invoke(r.Context(), "get", map[string]string{"name": name})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var probe struct {
		Missing bool            `json:"missing"`
		Value   json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(out, &probe); err != nil {
		writeError(w, http.StatusInternalServerError, "malformed harness reply")
		return
	}
	if probe.Missing {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no variable named %q", name))
		return
	}
	writeRaw(w, probe.Value)
}

func (s *server) handleSnapshotSave(w http.ResponseWriter, r *http.Request) {
	if !s.acquire(w) {
		return
	}
	defer s.release()

	out, err := s.h.invoke(r.Context(), "save", nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var reply struct {
		Data string `json:"data"` // base64 pickle bytes
	}
	if err := json.Unmarshal(out, &reply); err != nil {
		writeError(w, http.StatusInternalServerError, "malformed harness reply")
		return
	}
	blob, err := base64.StdEncoding.DecodeString(reply.Data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "malformed snapshot encoding")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(blob)
}

func (s *server) handleSnapshotRestore(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil || len(body) == 0 {
		writeError(w, http.StatusBadRequest, "snapshot body required")
		return
	}

	if !s.acquire(w) {
		return
	}
	defer s.release()

	tmp, err := os.CreateTemp("", "kiln-restore-*.pkl")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tmp.Close()

	out, err := s.h.invoke(r.Context(), "restore", map[string]string{"path": tmp.Name()})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeRaw(w, out)
}

func writeRaw(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
