package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/callback"
	"github.com/kilnhq/kiln/kernel"
)

// Limits bound one sub-agent run. Zero fields take defaults. MaxLLMCalls
// covers main-model turns and sub-model calls made through the callback
// server combined.
type Limits struct {
	MaxIterations  int `json:"max_iterations"`   // default 20
	MaxLLMCalls    int `json:"max_llm_calls"`    // default 50
	MaxOutputChars int `json:"max_output_chars"` // default 10000
}

func (l Limits) withDefaults() Limits {
	if l.MaxIterations <= 0 {
		l.MaxIterations = 20
	}
	if l.MaxLLMCalls <= 0 {
		l.MaxLLMCalls = 50
	}
	if l.MaxOutputChars <= 0 {
		l.MaxOutputChars = 10000
	}
	return l
}

// Step is one trajectory entry: a model turn or an execution result.
type Step struct {
	Role    string `json:"role"` // "assistant" or "execution"
	Content string `json:"content"`
}

// Result is a finished (or aborted) sub-agent run. On limit exhaustion
// the partial trajectory is still returned alongside the error. LLMCalls
// counts main-model turns only; Usage.Calls is the ledger delta covering
// sub-model callback traffic as well.
type Result struct {
	Outputs    map[string]any `json:"outputs,omitempty"`
	Trajectory []Step         `json:"trajectory"`
	Iterations int            `json:"iterations"`
	LLMCalls   int            `json:"llm_calls"`
	Usage      kiln.Usage     `json:"usage"`
}

// Runner executes sub-agent loops against the shared kernel. One run at a
// time: the kernel namespace is a shared resource.
type Runner struct {
	model   kiln.Provider
	manager *kernel.Manager
	ledger  *callback.Ledger
	logger  *slog.Logger

	mu sync.Mutex
}

// NewRunner creates a Runner. model is the main conversational model.
func NewRunner(model kiln.Provider, manager *kernel.Manager, ledger *callback.Ledger, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = nopLogger()
	}
	return &Runner{model: model, manager: manager, ledger: ledger, logger: logger}
}

// Run drives one bounded loop: the model replies either with a fenced
// python block (executed in the kernel, output appended) or a fenced json
// block (validated against the signature's outputs and returned).
func (r *Runner) Run(ctx context.Context, sig Signature, inputs map[string]any, limits Limits) (Result, error) {
	if r.model == nil {
		return Result{}, kiln.E(kiln.KindUnavailable, "no main model configured")
	}
	if err := checkInputs(sig, inputs); err != nil {
		return Result{}, err
	}
	limits = limits.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	before := r.ledger.Snapshot()
	start := time.Now()
	messages := []kiln.ChatMessage{
		kiln.SystemMessage(systemPrompt(sig)),
		kiln.UserMessage(renderInputs(inputs)),
	}

	var result Result
	finish := func() {
		result.Usage = r.ledger.Snapshot().Diff(before)
	}
	// Combined budget counter: main-model turns land in the ledger at
	// Record below, sub-model calls through the callback server.
	llmCalls := func() int {
		return int(r.ledger.Snapshot().TotalCalls - before.TotalCalls)
	}

	for result.Iterations = 1; result.Iterations <= limits.MaxIterations; result.Iterations++ {
		if llmCalls() >= limits.MaxLLMCalls {
			finish()
			return result, kiln.E(kiln.KindSandboxLimit,
				fmt.Sprintf("llm call budget of %d exhausted", limits.MaxLLMCalls))
		}
		resp, err := r.model.Chat(ctx, kiln.ChatRequest{Messages: messages})
		result.LLMCalls++
		if err != nil {
			finish()
			if kiln.KindOf(err) == kiln.KindRateLimited {
				// Terminal per policy: the caller decides when to resume.
				return result, err
			}
			return result, fmt.Errorf("model turn %d: %w", result.Iterations, err)
		}
		r.ledger.Record(resp.Model, resp.Usage)
		messages = append(messages, kiln.AssistantMessage(resp.Content))
		result.Trajectory = append(result.Trajectory, Step{Role: "assistant", Content: resp.Content})

		if block, ok := fencedBlock(resp.Content, "json"); ok {
			outputs, missing := parseOutputs(block, sig)
			if len(missing) > 0 {
				messages = append(messages, kiln.UserMessage(
					"The json submission is missing fields: "+strings.Join(missing, ", ")+". Submit again with every output field."))
				continue
			}
			result.Outputs = outputs
			finish()
			r.logger.Debug("sub-agent finished", "signature", sig.Name,
				"iterations", result.Iterations, "llm_calls", result.LLMCalls,
				"duration", time.Since(start))
			return result, nil
		}

		if block, ok := fencedBlock(resp.Content, "python"); ok {
			exec, err := r.manager.Exec(ctx, block, 0)
			if err != nil {
				finish()
				return result, fmt.Errorf("kernel execution: %w", err)
			}
			// Runtime errors stay in the trajectory; the model sees them
			// and can correct course.
			rendered := renderExec(exec, limits.MaxOutputChars)
			messages = append(messages, kiln.UserMessage("Execution result:\n"+rendered))
			result.Trajectory = append(result.Trajectory, Step{Role: "execution", Content: rendered})
			continue
		}

		messages = append(messages, kiln.UserMessage(
			"Reply with a ```python block to run code, or a ```json block with the final outputs."))
	}

	result.Iterations = limits.MaxIterations
	finish()
	return result, kiln.E(kiln.KindSandboxLimit,
		fmt.Sprintf("iteration budget of %d exhausted", limits.MaxIterations))
}

func checkInputs(sig Signature, inputs map[string]any) error {
	if len(sig.Outputs) == 0 {
		return kiln.E(kiln.KindValidation, "signature has no outputs")
	}
	var missing []string
	for _, f := range sig.Inputs {
		if _, ok := inputs[f.Name]; !ok {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return kiln.E(kiln.KindValidation, "missing inputs: "+strings.Join(missing, ", "))
	}
	return nil
}

func systemPrompt(sig Signature) string {
	var sb strings.Builder
	sb.WriteString("You are a focused sub-agent with a python kernel.\n")
	if sig.Instructions != "" {
		sb.WriteString(sig.Instructions)
		sb.WriteString("\n")
	}
	sb.WriteString("\nThe kernel provides llm_query(prompt), llm_query_batch(prompts), ")
	sb.WriteString("search_knowledge(query, top_k=10), ask_knowledge(question), fetch_url(url), ")
	sb.WriteString("load_file(path, var_name), and apple_search(query, framework=None).\n")
	sb.WriteString("\nEach turn, reply with exactly one fenced block:\n")
	sb.WriteString("- ```python ...``` to execute code (state persists between turns), or\n")
	sb.WriteString("- ```json ...``` with the final outputs: ")
	names := make([]string, len(sig.Outputs))
	for i, f := range sig.Outputs {
		names[i] = f.Name
		if f.Type != "" {
			names[i] += " (" + f.Type + ")"
		}
	}
	sb.WriteString(strings.Join(names, ", "))
	sb.WriteString(".")
	return sb.String()
}

func renderInputs(inputs map[string]any) string {
	data, err := json.MarshalIndent(inputs, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", inputs)
	}
	return "Inputs:\n" + string(data)
}

func renderExec(res kernel.ExecResult, maxChars int) string {
	out := res.Output
	if res.Stderr != "" {
		out += "\n[stderr]\n" + res.Stderr
	}
	out = strings.TrimSpace(out)
	if out == "" {
		out = "(no output)"
	}
	if len(out) > maxChars {
		out = out[:maxChars] + "\n... (truncated)"
	}
	return out
}

// fencedBlock extracts the first ```lang fenced block from text.
func fencedBlock(text, lang string) (string, bool) {
	marker := "```" + lang
	start := strings.Index(text, marker)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(marker):]
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[i+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// parseOutputs validates a json submission against the signature.
func parseOutputs(block string, sig Signature) (map[string]any, []string) {
	var outputs map[string]any
	if err := json.Unmarshal([]byte(block), &outputs); err != nil {
		names := make([]string, len(sig.Outputs))
		for i, f := range sig.Outputs {
			names[i] = f.Name
		}
		return nil, names
	}
	var missing []string
	for _, f := range sig.Outputs {
		if _, ok := outputs[f.Name]; !ok {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return nil, missing
	}
	return outputs, nil
}
