package callback

import (
	"sync"

	"github.com/kilnhq/kiln"
)

// Ledger accumulates sub-model usage across every path that consumes
// tokens: kernel helpers, sub-agent loops, and knowledge answering.
// Counters only grow, except through Reset.
type Ledger struct {
	mu           sync.Mutex
	inputTokens  int64
	outputTokens int64
	calls        int64
	callsByModel map[string]int64
}

// LedgerSnapshot is a point-in-time copy of the counters.
type LedgerSnapshot struct {
	TotalInputTokens  int64            `json:"total_input_tokens"`
	TotalOutputTokens int64            `json:"total_output_tokens"`
	TotalCalls        int64            `json:"total_calls"`
	CallsByModel      map[string]int64 `json:"calls_by_model,omitempty"`
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{callsByModel: make(map[string]int64)}
}

// Record adds one call's usage.
func (l *Ledger) Record(model string, u kiln.Usage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inputTokens += int64(u.InputTokens)
	l.outputTokens += int64(u.OutputTokens)
	l.calls++
	if model != "" {
		l.callsByModel[model]++
	}
}

// Snapshot copies the current counters.
func (l *Ledger) Snapshot() LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	byModel := make(map[string]int64, len(l.callsByModel))
	for k, v := range l.callsByModel {
		byModel[k] = v
	}
	return LedgerSnapshot{
		TotalInputTokens:  l.inputTokens,
		TotalOutputTokens: l.outputTokens,
		TotalCalls:        l.calls,
		CallsByModel:      byModel,
	}
}

// Reset zeroes all counters.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inputTokens = 0
	l.outputTokens = 0
	l.calls = 0
	l.callsByModel = make(map[string]int64)
}

// Diff subtracts an earlier snapshot, yielding the usage between the two,
// call count included.
func (s LedgerSnapshot) Diff(earlier LedgerSnapshot) kiln.Usage {
	return kiln.Usage{
		InputTokens:  int(s.TotalInputTokens - earlier.TotalInputTokens),
		OutputTokens: int(s.TotalOutputTokens - earlier.TotalOutputTokens),
		Calls:        int(s.TotalCalls - earlier.TotalCalls),
	}
}
