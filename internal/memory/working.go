package memory

import (
	"sync"
)

// WorkingPolicy holds the sizing knobs for the hot buffer.
type WorkingPolicy struct {
	TokenBudget     int
	FillRatio       float64
	EvictBatchRatio float64
	MinRetainTurns  int
}

// WorkingMemory is the token-bounded hot buffer of recent turns. Appends
// come from the foreground conversation path; reads come from the context
// builder, so everything is mutex-guarded.
//
// Eviction is two-phase: EvictableSpan peeks at the oldest turns without
// removing them, and CommitEviction drops them only after the caller has
// secured a summary. A failed summarization therefore never loses turns.
type WorkingMemory struct {
	mu        sync.Mutex
	policy    WorkingPolicy
	estimator TokenEstimator
	turns     []Turn
	costs     []int
	tokens    int
}

func NewWorkingMemory(policy WorkingPolicy, estimator TokenEstimator) *WorkingMemory {
	return &WorkingMemory{policy: policy, estimator: estimator}
}

// Append adds a turn to the back of the buffer. It never evicts; callers
// check ShouldEvict afterwards.
func (w *WorkingMemory) Append(t Turn) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cost := w.estimator.EstimateTurn(t)
	w.turns = append(w.turns, t)
	w.costs = append(w.costs, cost)
	w.tokens += cost
}

// ShouldEvict reports whether the buffer has crossed the fill threshold.
func (w *WorkingMemory) ShouldEvict() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return float64(w.tokens) >= w.policy.FillRatio*float64(w.policy.TokenBudget) &&
		len(w.turns) > w.policy.MinRetainTurns
}

// EvictableSpan returns a copy of the oldest turns whose combined cost
// covers the eviction target, always leaving at least MinRetainTurns
// behind. The buffer is not modified. Returns nil when nothing can be
// evicted.
func (w *WorkingMemory) EvictableSpan() []Turn {
	w.mu.Lock()
	defer w.mu.Unlock()

	maxEvictable := len(w.turns) - w.policy.MinRetainTurns
	if maxEvictable <= 0 {
		return nil
	}

	target := w.policy.EvictBatchRatio * float64(w.policy.TokenBudget)
	if overflow := float64(w.tokens) - w.policy.FillRatio*float64(w.policy.TokenBudget); overflow > target {
		target = overflow
	}

	var freed float64
	var n int
	for n < maxEvictable {
		freed += float64(w.costs[n])
		n++
		if freed >= target {
			break
		}
	}
	if n == 0 {
		return nil
	}

	span := make([]Turn, n)
	copy(span, w.turns[:n])
	return span
}

// CommitEviction removes the first n turns from the buffer. Called only
// after the span returned by EvictableSpan has been summarized and
// persisted. Appends land at the back, so the prefix is stable between the
// peek and the commit.
func (w *WorkingMemory) CommitEviction(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n > len(w.turns) {
		n = len(w.turns)
	}
	for i := 0; i < n; i++ {
		w.tokens -= w.costs[i]
	}
	w.turns = append([]Turn(nil), w.turns[n:]...)
	w.costs = append([]int(nil), w.costs[n:]...)
}

// LoadFrom replaces the buffer with the most recent suffix of turns
// (given oldest first) that fits within the token budget. Used at startup;
// it has no eviction side effects.
func (w *WorkingMemory) LoadFrom(turns []Turn) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.turns = nil
	w.costs = nil
	w.tokens = 0

	start := len(turns)
	total := 0
	for i := len(turns) - 1; i >= 0; i-- {
		cost := w.estimator.EstimateTurn(turns[i])
		if total+cost > w.policy.TokenBudget && len(turns)-start > 0 {
			break
		}
		total += cost
		start = i
	}

	for _, t := range turns[start:] {
		cost := w.estimator.EstimateTurn(t)
		w.turns = append(w.turns, t)
		w.costs = append(w.costs, cost)
		w.tokens += cost
	}
}

// Snapshot returns a copy of the buffered turns, oldest first.
func (w *WorkingMemory) Snapshot() []Turn {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Turn, len(w.turns))
	copy(out, w.turns)
	return out
}

func (w *WorkingMemory) TokenCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tokens
}

func (w *WorkingMemory) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.turns)
}

// Utilization is current tokens over budget, in [0, 1+).
func (w *WorkingMemory) Utilization() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.policy.TokenBudget == 0 {
		return 0
	}
	return float64(w.tokens) / float64(w.policy.TokenBudget)
}
