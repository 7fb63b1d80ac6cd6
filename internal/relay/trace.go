package relay

import (
	"sync"

	"github.com/danmuck/relayctl/internal/protocol"
)

// TraceEntry is one observed primitive-returning call.
type TraceEntry struct {
	Args   []protocol.Value `json:"args"`
	Result protocol.Value   `json:"result"`
}

// Trace is an append-only per-operation log of primitive results. It is
// diagnostic output for the admin surface and is never consulted to
// short-circuit execution.
type Trace struct {
	mu   sync.RWMutex
	byOp map[string][]TraceEntry
}

func NewTrace() *Trace {
	return &Trace{byOp: make(map[string][]TraceEntry)}
}

func (t *Trace) Append(op string, args []protocol.Value, result protocol.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byOp[op] = append(t.byOp[op], TraceEntry{Args: args, Result: result})
}

// Snapshot returns a copy of the trace for read-only inspection.
func (t *Trace) Snapshot() map[string][]TraceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]TraceEntry, len(t.byOp))
	for op, entries := range t.byOp {
		copied := make([]TraceEntry, len(entries))
		copy(copied, entries)
		out[op] = copied
	}
	return out
}

// Len returns the total entry count across operations.
func (t *Trace) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := 0
	for _, entries := range t.byOp {
		total += len(entries)
	}
	return total
}
