package coverage

import "sync"

// Aggregator accumulates results from concurrently traced binaries.
type Aggregator struct {
	mu     sync.Mutex
	policy MergePolicy
	result *Result
	merged int
}

// NewAggregator returns an empty aggregator combining inputs with policy.
func NewAggregator(policy MergePolicy) *Aggregator {
	if policy == "" {
		policy = MergeSum
	}
	return &Aggregator{policy: policy, result: NewResult()}
}

// Merge folds a result into the aggregate. Safe for concurrent use.
func (a *Aggregator) Merge(r *Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.result.Merge(r, a.policy)
	a.merged++
}

// Merged returns how many results were merged.
func (a *Aggregator) Merged() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.merged
}

// Result returns a snapshot of the aggregate.
func (a *Aggregator) Result() *Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result.Clone()
}

// Policy returns the merge policy.
func (a *Aggregator) Policy() MergePolicy {
	return a.policy
}
