// Package callback runs the loopback HTTP server that kernel code calls
// back into: llm_query for sub-model access and tool_call for the small
// whitelist of idempotent tools. It also owns the usage ledger.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/kilnhq/kiln"
)

// SandboxTools is the closed set of tools kernel code may call. Anything
// else (exec, reset, ingest, sub_agent in particular) is refused so
// sandbox code cannot recurse into the kernel or mutate the index.
var SandboxTools = map[string]bool{
	"search_knowledge": true,
	"ask_knowledge":    true,
	"fetch_url":        true,
	"load_file":        true,
	"apple_search":     true,
}

// Server states.
const (
	stateNew int32 = iota
	stateReady
	stateDraining
	stateStopped
)

// ToolFunc handles one whitelisted tool call.
type ToolFunc func(ctx context.Context, input json.RawMessage) (any, error)

// Server is the loopback callback endpoint.
type Server struct {
	subModel kiln.Provider
	ledger   *Ledger
	tools    map[string]ToolFunc
	logger   *slog.Logger

	state    atomic.Int32
	listener net.Listener
	srv      *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a callback Server. subModel may be nil; llm_query then
// answers 503 until a provider is configured.
func NewServer(subModel kiln.Provider, ledger *Ledger, opts ...ServerOption) *Server {
	s := &Server{
		subModel: subModel,
		ledger:   ledger,
		tools:    make(map[string]ToolFunc),
		logger:   nopLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register installs a handler for a whitelisted tool. Registering a tool
// outside the whitelist is a programming error and fails loudly.
func (s *Server) Register(name string, fn ToolFunc) error {
	if !SandboxTools[name] {
		return kiln.E(kiln.KindValidation, fmt.Sprintf("tool %q is not sandbox-callable", name))
	}
	s.tools[name] = fn
	return nil
}

// Ledger returns the server's usage ledger.
func (s *Server) Ledger() *Ledger { return s.ledger }

// Start listens on addr ("" selects a loopback OS-assigned port) and
// serves in the background.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("callback listen %s: %w", addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("POST /llm_query", s.handleLLMQuery)
	mux.HandleFunc("POST /tool_call", s.handleToolCall)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.state.Store(stateReady)
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("callback server failed", "err", err)
		}
	}()
	s.logger.Info("callback server ready", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, e.g. "127.0.0.1:49321".
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight calls and stops. New connections are refused
// while draining.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.state.CompareAndSwap(stateReady, stateDraining) {
		return nil
	}
	defer s.state.Store(stateStopped)
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("callback shutdown: %w", err)
	}
	return nil
}

// --- handlers ---

type llmQueryRequest struct {
	Prompt string `json:"prompt"`
}

type llmQueryResponse struct {
	Response string     `json:"response"`
	Usage    kiln.Usage `json:"usage"`
}

func (s *Server) handleLLMQuery(w http.ResponseWriter, r *http.Request) {
	var req llmQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt required")
		return
	}
	if s.subModel == nil {
		writeError(w, http.StatusServiceUnavailable, "no sub-model configured")
		return
	}

	resp, err := s.subModel.Chat(r.Context(), kiln.ChatRequest{
		Messages: []kiln.ChatMessage{kiln.UserMessage(req.Prompt)},
	})
	if err != nil {
		status := http.StatusBadGateway
		if kiln.KindOf(err) == kiln.KindRateLimited {
			status = http.StatusTooManyRequests
		}
		writeError(w, status, kiln.Message(err))
		return
	}
	model := resp.Model
	if model == "" {
		model = s.subModel.Name()
	}
	s.ledger.Record(model, resp.Usage)
	writeJSON(w, http.StatusOK, llmQueryResponse{Response: resp.Content, Usage: resp.Usage})
}

type toolCallRequest struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool required")
		return
	}
	if !SandboxTools[req.Tool] {
		writeError(w, http.StatusForbidden,
			fmt.Sprintf("tool %q is not callable from the sandbox", req.Tool))
		return
	}
	fn, ok := s.tools[req.Tool]
	if !ok {
		writeError(w, http.StatusServiceUnavailable,
			fmt.Sprintf("tool %q is not wired", req.Tool))
		return
	}

	start := time.Now()
	result, err := fn(r.Context(), req.Input)
	if err != nil {
		s.logger.Debug("callback tool failed", "tool", req.Tool, "err", err)
		writeError(w, statusForKind(kiln.KindOf(err)), kiln.Message(err))
		return
	}
	s.logger.Debug("callback tool served", "tool", req.Tool, "duration", time.Since(start))
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func statusForKind(kind kiln.Kind) int {
	switch kind {
	case kiln.KindValidation:
		return http.StatusBadRequest
	case kiln.KindNotFound:
		return http.StatusNotFound
	case kiln.KindBlocked:
		return http.StatusForbidden
	case kiln.KindRateLimited:
		return http.StatusTooManyRequests
	case kiln.KindTimeout:
		return http.StatusGatewayTimeout
	case kiln.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- no-op logger ---

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

func nopLogger() *slog.Logger { return slog.New(discardHandler{}) }
