package automation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestPerformanceTracker_RunningMeans(t *testing.T) {
	c, repo, _ := newTestCatalog(t)
	seedActive(t, c, repo, testRule("rule-1"))
	tr := NewPerformanceTracker(c, nil)
	ctx := context.Background()

	outcomes := []Outcome{
		{RuleID: "rule-1", At: baseTime, Elapsed: 100 * time.Millisecond, Success: true},
		{RuleID: "rule-1", At: baseTime.Add(time.Hour), Elapsed: 200 * time.Millisecond, Success: true},
		{RuleID: "rule-1", At: baseTime.Add(2 * time.Hour), Elapsed: 300 * time.Millisecond, ErrorTag: "control_timeout"},
		{RuleID: "rule-1", At: baseTime.Add(3 * time.Hour), Elapsed: 400 * time.Millisecond, Success: true},
	}
	var perf Performance
	for _, o := range outcomes {
		var err error
		if perf, err = tr.RecordExecution(ctx, o); err != nil {
			t.Fatalf("RecordExecution: %v", err)
		}
	}

	if perf.ExecutionCount != 4 || perf.SuccessCount != 3 || perf.FailureCount != 1 {
		t.Errorf("counts = %d/%d/%d, want 4/3/1", perf.ExecutionCount, perf.SuccessCount, perf.FailureCount)
	}
	if math.Abs(perf.AvgExecutionMS-250) > 1e-9 {
		t.Errorf("AvgExecutionMS = %v, want 250", perf.AvgExecutionMS)
	}
	if math.Abs(perf.SuccessRate-75) > 1e-9 {
		t.Errorf("SuccessRate = %v, want 75", perf.SuccessRate)
	}
	if perf.LastExecutedAt == nil || !perf.LastExecutedAt.Equal(baseTime.Add(3*time.Hour)) {
		t.Errorf("LastExecutedAt = %v", perf.LastExecutedAt)
	}
	if perf.LastFailureAt == nil || !perf.LastFailureAt.Equal(baseTime.Add(2*time.Hour)) {
		t.Errorf("LastFailureAt = %v", perf.LastFailureAt)
	}
	if !slices.Equal(perf.RecentErrors, []string{"control_timeout"}) {
		t.Errorf("RecentErrors = %v", perf.RecentErrors)
	}

	stored, _ := c.Get(ctx, "rule-1")
	if stored.Performance.ExecutionCount != 4 {
		t.Errorf("persisted ExecutionCount = %d, want 4", stored.Performance.ExecutionCount)
	}
	if repo.rules["rule-1"].Performance.ExecutionCount != 4 {
		t.Error("performance not written through to the repository")
	}
}

func TestPerformanceTracker_SeedsFromStored(t *testing.T) {
	c, repo, _ := newTestCatalog(t)
	r := testRule("rule-1")
	r.Performance = Performance{ExecutionCount: 9, SuccessCount: 9, SuccessRate: 100, AvgExecutionMS: 50}
	seedActive(t, c, repo, r)
	tr := NewPerformanceTracker(c, nil)

	perf, err := tr.RecordExecution(context.Background(), Outcome{
		RuleID: "rule-1", At: baseTime, Elapsed: 150 * time.Millisecond, ErrorTag: "x",
	})
	if err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if perf.ExecutionCount != 10 {
		t.Errorf("ExecutionCount = %d, want 10", perf.ExecutionCount)
	}
	if math.Abs(perf.SuccessRate-90) > 1e-9 {
		t.Errorf("SuccessRate = %v, want 90", perf.SuccessRate)
	}
	if math.Abs(perf.AvgExecutionMS-60) > 1e-9 {
		t.Errorf("AvgExecutionMS = %v, want 60", perf.AvgExecutionMS)
	}
}

func TestPerformanceTracker_Concurrent(t *testing.T) {
	c, repo, _ := newTestCatalog(t)
	seedActive(t, c, repo, testRule("rule-1"))
	tr := NewPerformanceTracker(c, nil)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = tr.RecordExecution(context.Background(), Outcome{
				RuleID: "rule-1", At: baseTime, Elapsed: time.Millisecond, Success: i%2 == 0, ErrorTag: "e",
			})
		}(i)
	}
	wg.Wait()

	got, _ := c.Get(context.Background(), "rule-1")
	if got.Performance.ExecutionCount != n {
		t.Errorf("ExecutionCount = %d, want %d", got.Performance.ExecutionCount, n)
	}
	if got.Performance.SuccessCount+got.Performance.FailureCount != n {
		t.Error("success and failure counts do not add up")
	}
}

func TestPerformanceTracker_UnknownRule(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	tr := NewPerformanceTracker(c, nil)

	_, err := tr.RecordExecution(context.Background(), Outcome{RuleID: "missing", At: baseTime, Success: true})
	if !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("RecordExecution() error = %v, want ErrRuleNotFound", err)
	}
}

func TestPushRecentError(t *testing.T) {
	var recent []string
	for i := 0; i < 7; i++ {
		recent = pushRecentError(recent, fmt.Sprintf("err-%d", i))
	}
	if len(recent) != maxRecentErrors {
		t.Fatalf("len = %d, want %d", len(recent), maxRecentErrors)
	}
	if recent[0] != "err-6" || recent[4] != "err-2" {
		t.Errorf("recent = %v, want newest first", recent)
	}

	recent = pushRecentError(recent, "err-4")
	want := []string{"err-4", "err-6", "err-5", "err-3", "err-2"}
	if !slices.Equal(recent, want) {
		t.Errorf("recent = %v, want %v", recent, want)
	}

	if got := pushRecentError(nil, ""); !slices.Equal(got, []string{"unknown"}) {
		t.Errorf("empty tag = %v, want [unknown]", got)
	}
}
