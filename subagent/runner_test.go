package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/callback"
	"github.com/kilnhq/kiln/kernel"
)

// scriptModel replays a fixed sequence of assistant turns and records
// what it was asked.
type scriptModel struct {
	mu       sync.Mutex
	turns    []string
	errs     map[int]error // 0-based call index -> error instead of a turn
	calls    int
	requests []kiln.ChatRequest
}

func (m *scriptModel) Chat(_ context.Context, req kiln.ChatRequest) (kiln.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	m.requests = append(m.requests, req)
	if err, ok := m.errs[i]; ok {
		return kiln.ChatResponse{}, err
	}
	turn := m.turns[len(m.turns)-1]
	if i < len(m.turns) {
		turn = m.turns[i]
	}
	return kiln.ChatResponse{
		Content: turn,
		Model:   "script",
		Usage:   kiln.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (m *scriptModel) Name() string { return "script" }

func newExecServer(t *testing.T, execFn func(code string) kernel.ExecResult) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("POST /exec", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Code string `json:"code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(execFn(req.Code))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestRunner(t *testing.T, model kiln.Provider, execFn func(code string) kernel.ExecResult) *Runner {
	t.Helper()
	if execFn == nil {
		execFn = func(string) kernel.ExecResult { return kernel.ExecResult{Output: "ok"} }
	}
	srv := newExecServer(t, execFn)
	mgr := kernel.NewManager(kernel.Config{Tier: kernel.TierExternal, URL: srv.URL}, srv.Client())
	t.Cleanup(func() { mgr.Stop(context.Background()) })
	return NewRunner(model, mgr, callback.NewLedger(), nil)
}

func mustSig(t *testing.T, spec string) Signature {
	t.Helper()
	sig, err := Resolve(spec)
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func TestRunJSONSubmission(t *testing.T) {
	model := &scriptModel{turns: []string{
		"Done.\n```json\n{\"answer\": \"blue\"}\n```",
	}}
	r := newTestRunner(t, model, nil)

	res, err := r.Run(context.Background(), mustSig(t, "question -> answer: str"),
		map[string]any{"question": "sky color?"}, Limits{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outputs["answer"] != "blue" {
		t.Errorf("outputs = %v", res.Outputs)
	}
	if res.Iterations != 1 || res.LLMCalls != 1 {
		t.Errorf("iterations = %d, llm calls = %d", res.Iterations, res.LLMCalls)
	}
	if res.Usage.InputTokens != 10 || res.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", res.Usage)
	}
	if len(res.Trajectory) != 1 || res.Trajectory[0].Role != "assistant" {
		t.Errorf("trajectory = %+v", res.Trajectory)
	}
}

func TestRunPythonThenJSON(t *testing.T) {
	model := &scriptModel{turns: []string{
		"Let me compute.\n```python\nprint(6*7)\n```",
		"```json\n{\"answer\": \"42\"}\n```",
	}}
	var gotCode string
	r := newTestRunner(t, model, func(code string) kernel.ExecResult {
		gotCode = code
		return kernel.ExecResult{Output: "42"}
	})

	res, err := r.Run(context.Background(), mustSig(t, "question -> answer"),
		map[string]any{"question": "6*7"}, Limits{})
	if err != nil {
		t.Fatal(err)
	}
	if gotCode != "print(6*7)" {
		t.Errorf("kernel got %q", gotCode)
	}
	if len(res.Trajectory) != 3 {
		t.Fatalf("trajectory = %+v", res.Trajectory)
	}
	if res.Trajectory[1].Role != "execution" || res.Trajectory[1].Content != "42" {
		t.Errorf("execution step = %+v", res.Trajectory[1])
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d", res.Iterations)
	}
}

func TestRunMissingFieldFeedback(t *testing.T) {
	model := &scriptModel{turns: []string{
		"```json\n{\"answer\": \"yes\"}\n```",
		"```json\n{\"answer\": \"yes\", \"confidence\": 0.9}\n```",
	}}
	r := newTestRunner(t, model, nil)

	res, err := r.Run(context.Background(), mustSig(t, "deep_reasoning"),
		map[string]any{"question": "is water wet?"}, Limits{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outputs["confidence"] != 0.9 {
		t.Errorf("outputs = %v", res.Outputs)
	}
	// The second request must carry the missing-field feedback.
	last := model.requests[1].Messages
	feedback := last[len(last)-1]
	if feedback.Role != "user" || !strings.Contains(feedback.Content, "confidence") {
		t.Errorf("feedback message = %+v", feedback)
	}
}

func TestRunIterationExhaustion(t *testing.T) {
	model := &scriptModel{turns: []string{"I am thinking out loud with no block."}}
	r := newTestRunner(t, model, nil)

	res, err := r.Run(context.Background(), mustSig(t, "a -> b"),
		map[string]any{"a": 1}, Limits{MaxIterations: 3})
	if kiln.KindOf(err) != kiln.KindSandboxLimit {
		t.Fatalf("kind = %v (%v)", kiln.KindOf(err), err)
	}
	if res.Outputs != nil {
		t.Errorf("outputs = %v", res.Outputs)
	}
	if len(res.Trajectory) != 3 || res.LLMCalls != 3 {
		t.Errorf("trajectory = %d steps, llm calls = %d", len(res.Trajectory), res.LLMCalls)
	}
	if res.Usage.InputTokens != 30 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestRunLLMCallExhaustion(t *testing.T) {
	model := &scriptModel{turns: []string{"no block here either"}}
	r := newTestRunner(t, model, nil)

	res, err := r.Run(context.Background(), mustSig(t, "a -> b"),
		map[string]any{"a": 1}, Limits{MaxIterations: 10, MaxLLMCalls: 2})
	if kiln.KindOf(err) != kiln.KindSandboxLimit {
		t.Fatalf("kind = %v (%v)", kiln.KindOf(err), err)
	}
	if !strings.Contains(kiln.Message(err), "llm call budget") {
		t.Errorf("message = %q", kiln.Message(err))
	}
	if res.LLMCalls != 2 {
		t.Errorf("llm calls = %d", res.LLMCalls)
	}
}

func TestRunUsageReportsCalls(t *testing.T) {
	model := &scriptModel{turns: []string{
		"```json\n{\"b\": \"done\"}\n```",
	}}
	r := newTestRunner(t, model, nil)

	res, err := r.Run(context.Background(), mustSig(t, "a -> b"),
		map[string]any{"a": 1}, Limits{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Usage.Calls != 1 {
		t.Errorf("usage calls = %d, want 1", res.Usage.Calls)
	}
	data, err := json.Marshal(res.Usage)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"calls":1`) {
		t.Errorf("usage json = %s", data)
	}
}

func TestRunBudgetCountsLedgerCalls(t *testing.T) {
	// Kernel code querying the sub-model lands in the shared ledger; those
	// calls spend the same budget as main-model turns.
	ledger := callback.NewLedger()
	model := &scriptModel{turns: []string{
		"```python\nresults = llm_query_batch(prompts)\n```",
		"```json\n{\"b\": \"done\"}\n```",
	}}
	srv := newExecServer(t, func(string) kernel.ExecResult {
		for i := 0; i < 5; i++ {
			ledger.Record("sub", kiln.Usage{InputTokens: 3, OutputTokens: 1})
		}
		return kernel.ExecResult{Output: "ok"}
	})
	mgr := kernel.NewManager(kernel.Config{Tier: kernel.TierExternal, URL: srv.URL}, srv.Client())
	t.Cleanup(func() { mgr.Stop(context.Background()) })
	r := NewRunner(model, mgr, ledger, nil)

	res, err := r.Run(context.Background(), mustSig(t, "a -> b"),
		map[string]any{"a": 1}, Limits{MaxIterations: 10, MaxLLMCalls: 4})
	if kiln.KindOf(err) != kiln.KindSandboxLimit {
		t.Fatalf("kind = %v (%v)", kiln.KindOf(err), err)
	}
	if !strings.Contains(kiln.Message(err), "llm call budget") {
		t.Errorf("message = %q", kiln.Message(err))
	}
	// One main turn plus five sub-model calls trips the budget before a
	// second main turn happens.
	if model.calls != 1 {
		t.Errorf("model called %d times, want 1", model.calls)
	}
	if res.LLMCalls != 1 || res.Usage.Calls != 6 {
		t.Errorf("llm calls = %d, usage calls = %d", res.LLMCalls, res.Usage.Calls)
	}
}

func TestRunRateLimitedTerminal(t *testing.T) {
	model := &scriptModel{
		turns: []string{"unused"},
		errs:  map[int]error{0: kiln.E(kiln.KindRateLimited, "provider rate limit")},
	}
	r := newTestRunner(t, model, nil)

	_, err := r.Run(context.Background(), mustSig(t, "a -> b"),
		map[string]any{"a": 1}, Limits{})
	if kiln.KindOf(err) != kiln.KindRateLimited {
		t.Fatalf("kind = %v (%v)", kiln.KindOf(err), err)
	}
	if model.calls != 1 {
		t.Errorf("model called %d times", model.calls)
	}
}

func TestRunModelErrorWrapped(t *testing.T) {
	cause := errors.New("upstream exploded")
	model := &scriptModel{
		turns: []string{"unused"},
		errs:  map[int]error{0: cause},
	}
	r := newTestRunner(t, model, nil)

	_, err := r.Run(context.Background(), mustSig(t, "a -> b"),
		map[string]any{"a": 1}, Limits{})
	if !errors.Is(err, cause) {
		t.Errorf("err = %v", err)
	}
}

func TestRunMissingInputs(t *testing.T) {
	r := newTestRunner(t, &scriptModel{turns: []string{"unused"}}, nil)
	_, err := r.Run(context.Background(), mustSig(t, "a, b -> c"),
		map[string]any{"a": 1}, Limits{})
	if kiln.KindOf(err) != kiln.KindValidation {
		t.Fatalf("kind = %v (%v)", kiln.KindOf(err), err)
	}
	if !strings.Contains(kiln.Message(err), "b") {
		t.Errorf("message = %q", kiln.Message(err))
	}
}

func TestRunNoModel(t *testing.T) {
	r := NewRunner(nil, nil, callback.NewLedger(), nil)
	_, err := r.Run(context.Background(), mustSig(t, "a -> b"),
		map[string]any{"a": 1}, Limits{})
	if kiln.KindOf(err) != kiln.KindUnavailable {
		t.Errorf("kind = %v (%v)", kiln.KindOf(err), err)
	}
}

func TestRunRuntimeErrorStaysInTrajectory(t *testing.T) {
	model := &scriptModel{turns: []string{
		"```python\n1/0\n```",
		"```json\n{\"b\": \"gave up\"}\n```",
	}}
	r := newTestRunner(t, model, func(string) kernel.ExecResult {
		return kernel.ExecResult{Stderr: "ZeroDivisionError: division by zero"}
	})

	res, err := r.Run(context.Background(), mustSig(t, "a -> b"),
		map[string]any{"a": 1}, Limits{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Trajectory[1].Content, "[stderr]") ||
		!strings.Contains(res.Trajectory[1].Content, "ZeroDivisionError") {
		t.Errorf("execution step = %q", res.Trajectory[1].Content)
	}
}

func TestRunExecOutputTruncated(t *testing.T) {
	model := &scriptModel{turns: []string{
		"```python\nprint('x'*99)\n```",
		"```json\n{\"b\": \"done\"}\n```",
	}}
	r := newTestRunner(t, model, func(string) kernel.ExecResult {
		return kernel.ExecResult{Output: strings.Repeat("x", 500)}
	})

	res, err := r.Run(context.Background(), mustSig(t, "a -> b"),
		map[string]any{"a": 1}, Limits{MaxOutputChars: 100})
	if err != nil {
		t.Fatal(err)
	}
	step := res.Trajectory[1].Content
	if !strings.HasSuffix(step, "... (truncated)") {
		t.Errorf("execution step not truncated: %q", step)
	}
	if len(step) > 130 {
		t.Errorf("execution step too long: %d chars", len(step))
	}
}

func TestFencedBlock(t *testing.T) {
	tests := []struct {
		text, lang, want string
		ok               bool
	}{
		{"```python\nprint(1)\n```", "python", "print(1)", true},
		{"prose\n```json\n{\"a\":1}\n```\nmore", "json", `{"a":1}`, true},
		{"```python\nunclosed", "python", "", false},
		{"no blocks at all", "python", "", false},
		{"```json\n{}\n```", "python", "", false},
	}
	for _, tt := range tests {
		got, ok := fencedBlock(tt.text, tt.lang)
		if ok != tt.ok || got != tt.want {
			t.Errorf("fencedBlock(%q, %q) = %q, %v", tt.text, tt.lang, got, ok)
		}
	}
}

func TestHelperSource(t *testing.T) {
	src := HelperSource("http://127.0.0.1:9999/")
	if strings.Contains(src, "{{CALLBACK_URL}}") {
		t.Error("template placeholder not substituted")
	}
	if !strings.Contains(src, `_KILN_CALLBACK = "http://127.0.0.1:9999"`) {
		t.Error("callback url not embedded (or trailing slash kept)")
	}
	for _, fn := range []string{
		"def llm_query(", "def llm_query_batch(", "def search_knowledge(",
		"def ask_knowledge(", "def fetch_url(", "def load_file(", "def apple_search(",
	} {
		if !strings.Contains(src, fn) {
			t.Errorf("helper source missing %q", fn)
		}
	}
}

func TestInjectHelpers(t *testing.T) {
	var gotCode string
	srv := newExecServer(t, func(code string) kernel.ExecResult {
		gotCode = code
		return kernel.ExecResult{}
	})
	c := kernel.NewClient(srv.URL, srv.Client(), nil)

	if err := InjectHelpers(context.Background(), c, "http://127.0.0.1:4242"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(gotCode, "http://127.0.0.1:4242") {
		t.Error("injected code missing callback url")
	}
}

func TestInjectHelpersSyntaxFailure(t *testing.T) {
	srv := newExecServer(t, func(string) kernel.ExecResult {
		return kernel.ExecResult{Stderr: "SyntaxError: invalid syntax"}
	})
	c := kernel.NewClient(srv.URL, srv.Client(), nil)

	err := InjectHelpers(context.Background(), c, "http://127.0.0.1:4242")
	if kiln.KindOf(err) != kiln.KindKernelRuntime {
		t.Errorf("kind = %v (%v)", kiln.KindOf(err), err)
	}
}
