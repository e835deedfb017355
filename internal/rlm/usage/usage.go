// Package usage implements the Usage Record entity: token counts for a
// single model reply, and the Aggregate that accumulates them per depth
// and in total across one completion.
package usage

import (
	"fmt"
	"sync"
)

// Usage is the token accounting for a single model reply.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
}

// Total returns the combined token count.
func (u *Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Add accumulates other into u in place.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// Aggregate is the Usage Record entity: counts of prompt/completion
// tokens plus root LLM iterations and helper invocations at each depth,
// accumulated over the life of one completion. Safe for concurrent
// updates from batched helper calls.
type Aggregate struct {
	mu          sync.Mutex
	total       Usage
	perDepth    map[int]*Usage
	iterations  map[int]int
	helperCalls map[int]int
}

// NewAggregate returns an empty Aggregate.
func NewAggregate() *Aggregate {
	return &Aggregate{
		perDepth:    make(map[int]*Usage),
		iterations:  make(map[int]int),
		helperCalls: make(map[int]int),
	}
}

// RecordIteration accounts one model reply at depth: adds its token
// usage to the running totals and increments that depth's iteration
// count. depth 0 is the root completion; depth>0 is a helper call.
func (a *Aggregate) RecordIteration(depth int, u Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total.Add(u)
	if a.perDepth[depth] == nil {
		a.perDepth[depth] = &Usage{}
	}
	a.perDepth[depth].Add(u)
	a.iterations[depth]++
	if depth > 0 {
		a.helperCalls[depth]++
	}
}

// Total returns the aggregate token usage across every depth.
func (a *Aggregate) Total() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// PerDepth returns a snapshot of token usage broken down by depth.
func (a *Aggregate) PerDepth() map[int]Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]Usage, len(a.perDepth))
	for d, u := range a.perDepth {
		out[d] = *u
	}
	return out
}

// Iterations returns the count of root LLM iterations (depth 0) and
// helper invocations at each depth >0.
func (a *Aggregate) Iterations() map[int]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]int, len(a.iterations))
	for d, n := range a.iterations {
		out[d] = n
	}
	return out
}

// FormatTokenCount renders a token count the way usage summaries are
// shown to a human operator (via RLM_VERBOSE logging or a CLI report).
func FormatTokenCount(count int64) string {
	switch {
	case count <= 0:
		return "0"
	case count >= 1_000_000:
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	case count >= 10_000:
		return fmt.Sprintf("%dk", count/1_000)
	case count >= 1_000:
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	default:
		return fmt.Sprintf("%d", count)
	}
}

// FormatUsage renders total token usage as a short human string.
func FormatUsage(u Usage) string {
	return FormatTokenCount(u.Total()) + " tokens"
}
