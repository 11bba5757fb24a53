package automation

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// maxRecentErrors bounds the distinct error tags kept per rule.
const maxRecentErrors = 5

// PerformanceStore persists rolling statistics. Catalog satisfies it.
type PerformanceStore interface {
	Get(ctx context.Context, id string) (*Rule, error)
	UpdatePerformance(ctx context.Context, id string, perf Performance) error
}

// PerformanceTracker is the single owner of every rule's performance
// counters. Executions are folded into rolling statistics one at a time
// under the tracker's lock, so concurrent completions never race.
type PerformanceTracker struct {
	store   PerformanceStore
	metrics *Metrics
	logger  Logger

	mu    sync.Mutex
	stats map[string]*Performance
}

// NewPerformanceTracker creates a tracker persisting through store.
func NewPerformanceTracker(store PerformanceStore, metrics *Metrics) *PerformanceTracker {
	return &PerformanceTracker{
		store:   store,
		metrics: metrics,
		logger:  noopLogger{},
		stats:   make(map[string]*Performance),
	}
}

// SetLogger sets the logger for the tracker.
func (t *PerformanceTracker) SetLogger(logger Logger) {
	t.logger = logger
}

// Outcome is one completed execution to be recorded.
type Outcome struct {
	RuleID   string
	At       time.Time
	Elapsed  time.Duration
	Success  bool
	ErrorTag string // set on failure
}

// RecordExecution folds one execution into the rule's statistics and
// persists the result. It returns the updated counters.
func (t *PerformanceTracker) RecordExecution(ctx context.Context, o Outcome) (Performance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	perf, ok := t.stats[o.RuleID]
	if !ok {
		r, err := t.store.Get(ctx, o.RuleID)
		if err != nil {
			return Performance{}, fmt.Errorf("loading performance for %s: %w", o.RuleID, err)
		}
		seed := r.Performance
		perf = &seed
		t.stats[o.RuleID] = perf
	}

	applyOutcome(perf, o)
	t.metrics.observeExecution(o.RuleID, o.Elapsed, o.Success)

	snapshot := *perf
	snapshot.RecentErrors = cloneSlice(perf.RecentErrors)
	if err := t.store.UpdatePerformance(ctx, o.RuleID, snapshot); err != nil {
		t.logger.Warn("failed to persist performance", "rule_id", o.RuleID, "error", err)
		return snapshot, fmt.Errorf("persisting performance: %w", err)
	}
	return snapshot, nil
}

// Forget drops the cached counters of a rule, e.g. after deletion.
func (t *PerformanceTracker) Forget(ruleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stats, ruleID)
}

// applyOutcome updates the counters incrementally. The average and success
// rate are running means, so history never needs replaying.
func applyOutcome(p *Performance, o Outcome) {
	p.ExecutionCount++
	n := float64(p.ExecutionCount)

	ms := float64(o.Elapsed) / float64(time.Millisecond)
	p.AvgExecutionMS += (ms - p.AvgExecutionMS) / n

	score := 0.0
	if o.Success {
		score = 100
		p.SuccessCount++
	} else {
		p.FailureCount++
		at := o.At
		p.LastFailureAt = &at
		p.RecentErrors = pushRecentError(p.RecentErrors, o.ErrorTag)
	}
	p.SuccessRate += (score - p.SuccessRate) / n

	at := o.At
	p.LastExecutedAt = &at
}

// pushRecentError moves tag to the front of the list, keeping entries
// distinct and bounded.
func pushRecentError(recent []string, tag string) []string {
	if tag == "" {
		tag = "unknown"
	}
	out := make([]string, 0, maxRecentErrors)
	out = append(out, tag)
	for _, e := range recent {
		if e == tag {
			continue
		}
		if len(out) == maxRecentErrors {
			break
		}
		out = append(out, e)
	}
	return out
}
