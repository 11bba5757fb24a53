package automation

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func newTestCatalog(t *testing.T) (*Catalog, *mockRepository, *recordingAudit) {
	t.Helper()
	repo := newMockRepository()
	audit := &recordingAudit{}
	c := NewCatalog(repo)
	c.SetAuditRecorder(audit)
	return c, repo, audit
}

// seedActive stores a rule directly as active and refreshes the cache.
func seedActive(t *testing.T, c *Catalog, repo *mockRepository, rules ...*Rule) {
	t.Helper()
	for _, r := range rules {
		repo.rules[r.ID] = r.DeepCopy()
	}
	if err := c.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache: %v", err)
	}
}

func TestCatalog_Create(t *testing.T) {
	c, repo, audit := newTestCatalog(t)
	ctx := context.Background()

	r := testRule("")
	r.Priority = 0
	r.Conditions.Logic = ""
	r.Management = Management{Status: StatusActive, ApprovedBy: strPtr("someone")}
	r.Performance.ExecutionCount = 99

	if err := c.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if r.ID == "" {
		t.Error("ID not generated")
	}
	got, err := c.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Management.Status != StatusDraft {
		t.Errorf("Status = %s, want draft", got.Management.Status)
	}
	if got.Management.Version != "1.0.0" {
		t.Errorf("Version = %s, want 1.0.0", got.Management.Version)
	}
	if got.Management.ApprovedBy != nil {
		t.Error("approval carried into a new rule")
	}
	if got.Priority != defaultPriority {
		t.Errorf("Priority = %d, want %d", got.Priority, defaultPriority)
	}
	if got.Conditions.Logic != LogicAnd {
		t.Errorf("Logic = %q, want AND", got.Conditions.Logic)
	}
	if got.Performance.ExecutionCount != 0 {
		t.Error("performance counters not reset")
	}
	if _, ok := repo.rules[r.ID]; !ok {
		t.Error("rule not persisted")
	}
	if !slices.Contains(audit.actions(), AuditRuleCreated) {
		t.Errorf("audit = %v, want %s", audit.actions(), AuditRuleCreated)
	}
}

func TestCatalog_Create_Invalid(t *testing.T) {
	c, repo, _ := newTestCatalog(t)

	r := testRule("rule-1")
	r.Name = ""
	if err := c.Create(context.Background(), r); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("Create() error = %v, want ErrInvalidRule", err)
	}
	if len(repo.rules) != 0 {
		t.Error("invalid rule was persisted")
	}
}

func TestCatalog_Create_ConfigurationError(t *testing.T) {
	c, repo, audit := newTestCatalog(t)
	ctx := context.Background()

	r := testRule("rule-bad")
	r.Actions.Controls[0].SensorType = SensorSoilMoisture
	r.Settings.Hysteresis = map[SensorType]HysteresisBand{
		SensorSoilMoisture: {OnThreshold: 25, OffThreshold: 18}, // inverted for a valve
	}

	err := c.Create(ctx, r)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Create() error = %v, want ErrConfiguration", err)
	}

	stored, ok := repo.rules[r.ID]
	if !ok {
		t.Fatal("misconfigured rule was not stored")
	}
	if stored.Enabled {
		t.Error("misconfigured rule stored enabled")
	}
	if stored.Management.ConfigError == nil {
		t.Error("configuration error not recorded on the rule")
	}
	if !slices.Contains(audit.actions(), AuditRuleAutoDisabled) {
		t.Errorf("audit = %v, want %s", audit.actions(), AuditRuleAutoDisabled)
	}

	// Even if re-enabled and activated behind the catalog's back, the rule
	// stays out of evaluation while the error stands.
	stored.Enabled = true
	stored.Management.Status = StatusActive
	if err := c.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache: %v", err)
	}
	eligible, _ := c.ListEligible(ctx, "farm-1", "", nil)
	if len(eligible) != 0 {
		t.Errorf("ListEligible returned %d rules, want 0", len(eligible))
	}
}

func TestCatalog_SetStatus(t *testing.T) {
	tests := []struct {
		name     string
		from     Status
		to       Status
		approval bool
		approved bool
		wantErr  error
	}{
		{"draft to testing", StatusDraft, StatusTesting, false, false, nil},
		{"testing to active", StatusTesting, StatusActive, false, false, nil},
		{"testing to active approved", StatusTesting, StatusActive, true, true, nil},
		{"testing to active unapproved", StatusTesting, StatusActive, true, false, ErrApprovalRequired},
		{"active to paused", StatusActive, StatusPaused, false, false, nil},
		{"paused to deprecated", StatusPaused, StatusDeprecated, false, false, nil},
		{"draft to deprecated", StatusDraft, StatusDeprecated, false, false, nil},
		{"draft to active", StatusDraft, StatusActive, false, false, ErrInvalidTransition},
		{"active to testing", StatusActive, StatusTesting, false, false, ErrInvalidTransition},
		{"paused to active", StatusPaused, StatusActive, false, false, ErrInvalidTransition},
		{"deprecated is terminal", StatusDeprecated, StatusDraft, false, false, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, repo, _ := newTestCatalog(t)
			r := testRule("rule-1")
			r.Management.Status = tt.from
			r.Management.ApprovalRequired = tt.approval
			if tt.approved {
				r.Management.ApprovedBy = strPtr("agronomist-1")
			}
			seedActive(t, c, repo, r)

			err := c.SetStatus(context.Background(), "rule-1", tt.to, "owner-1")
			got, _ := c.Get(context.Background(), "rule-1")

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("SetStatus() error = %v, want %v", err, tt.wantErr)
				}
				if got.Management.Status != tt.from {
					t.Errorf("status changed to %s on a rejected transition", got.Management.Status)
				}
				return
			}
			if err != nil {
				t.Fatalf("SetStatus() unexpected error: %v", err)
			}
			if got.Management.Status != tt.to {
				t.Errorf("Status = %s, want %s", got.Management.Status, tt.to)
			}
		})
	}
}

func TestCatalog_SetStatus_RequiresActor(t *testing.T) {
	c, repo, _ := newTestCatalog(t)
	r := testRule("rule-1")
	r.Management.Status = StatusDraft
	seedActive(t, c, repo, r)

	if err := c.SetStatus(context.Background(), "rule-1", StatusTesting, ""); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("SetStatus() error = %v, want ErrInvalidRule", err)
	}
}

func TestCatalog_Approve(t *testing.T) {
	c, repo, audit := newTestCatalog(t)
	ctx := context.Background()
	r := testRule("rule-1")
	r.Management.Status = StatusTesting
	r.Management.ApprovalRequired = true
	seedActive(t, c, repo, r)

	if err := c.SetStatus(ctx, "rule-1", StatusActive, "owner-1"); !errors.Is(err, ErrApprovalRequired) {
		t.Fatalf("SetStatus() before approval = %v, want ErrApprovalRequired", err)
	}
	if err := c.Approve(ctx, "rule-1", "agronomist-1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := c.SetStatus(ctx, "rule-1", StatusActive, "owner-1"); err != nil {
		t.Fatalf("SetStatus() after approval: %v", err)
	}

	got, _ := c.Get(ctx, "rule-1")
	if got.Management.ApprovedBy == nil || *got.Management.ApprovedBy != "agronomist-1" {
		t.Errorf("ApprovedBy = %v, want agronomist-1", got.Management.ApprovedBy)
	}
	if got.Management.ApprovedAt == nil {
		t.Error("ApprovedAt not set")
	}
	if !slices.Contains(audit.actions(), AuditRuleApproved) {
		t.Errorf("audit = %v, want %s", audit.actions(), AuditRuleApproved)
	}
}

func TestCatalog_Approve_Deprecated(t *testing.T) {
	c, repo, _ := newTestCatalog(t)
	r := testRule("rule-1")
	r.Management.Status = StatusDeprecated
	seedActive(t, c, repo, r)

	if err := c.Approve(context.Background(), "rule-1", "agronomist-1"); !errors.Is(err, ErrRuleDeprecated) {
		t.Errorf("Approve() error = %v, want ErrRuleDeprecated", err)
	}
}

func TestCatalog_ListEligible(t *testing.T) {
	c, repo, _ := newTestCatalog(t)
	ctx := context.Background()

	hi := testRule("rule-hi")
	hi.Priority = 90
	tieB := testRule("rule-b")
	tieA := testRule("rule-a")
	block := testRule("rule-block")
	block.BlockID = strPtr("block-7")
	disabled := testRule("rule-off")
	disabled.Enabled = false
	draft := testRule("rule-draft")
	draft.Management.Status = StatusDraft
	otherFarm := testRule("rule-farm2")
	otherFarm.FarmID = "farm-2"
	climate := testRule("rule-climate")
	climate.Category = CategoryClimateControl

	seedActive(t, c, repo, hi, tieB, tieA, block, disabled, draft, otherFarm, climate)

	ids := func(rules []Rule) []string {
		out := make([]string, len(rules))
		for i, r := range rules {
			out[i] = r.ID
		}
		return out
	}

	t.Run("farm-wide ordering", func(t *testing.T) {
		got, err := c.ListEligible(ctx, "farm-1", "", nil)
		if err != nil {
			t.Fatalf("ListEligible: %v", err)
		}
		want := []string{"rule-hi", "rule-a", "rule-b", "rule-block", "rule-climate"}
		if !slices.Equal(ids(got), want) {
			t.Errorf("ListEligible = %v, want %v", ids(got), want)
		}
	})

	t.Run("other block excludes block rule", func(t *testing.T) {
		got, _ := c.ListEligible(ctx, "farm-1", "block-2", nil)
		if slices.Contains(ids(got), "rule-block") {
			t.Errorf("ListEligible = %v, includes a rule scoped to another block", ids(got))
		}
		if !slices.Contains(ids(got), "rule-a") {
			t.Error("farm-wide rule missing from block query")
		}
	})

	t.Run("category filter", func(t *testing.T) {
		cat := CategoryClimateControl
		got, _ := c.ListEligible(ctx, "farm-1", "", &cat)
		if !slices.Equal(ids(got), []string{"rule-climate"}) {
			t.Errorf("ListEligible = %v, want [rule-climate]", ids(got))
		}
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		first, _ := c.ListEligible(ctx, "farm-1", "", nil)
		for i := 0; i < 20; i++ {
			again, _ := c.ListEligible(ctx, "farm-1", "", nil)
			if !slices.Equal(ids(first), ids(again)) {
				t.Fatalf("order changed: %v then %v", ids(first), ids(again))
			}
		}
	})
}

func TestCatalog_List_Filter(t *testing.T) {
	c, repo, _ := newTestCatalog(t)
	draft := testRule("rule-draft")
	draft.Management.Status = StatusDraft
	seedActive(t, c, repo, testRule("rule-1"), draft)

	got, err := c.List(context.Background(), Filter{Status: StatusDraft})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].ID != "rule-draft" {
		t.Errorf("List(draft) = %v, want [rule-draft]", got)
	}
}

func TestCatalog_GetReturnsCopy(t *testing.T) {
	c, repo, _ := newTestCatalog(t)
	seedActive(t, c, repo, testRule("rule-1"))
	ctx := context.Background()

	got, _ := c.Get(ctx, "rule-1")
	got.Name = "mutated"
	got.Conditions.Sensors[SensorPH] = SensorCondition{Operator: OpEquals, Value: floatPtr(7)}

	again, _ := c.Get(ctx, "rule-1")
	if again.Name == "mutated" {
		t.Error("cache mutated through returned rule")
	}
	if _, ok := again.Conditions.Sensors[SensorPH]; ok {
		t.Error("cache map mutated through returned rule")
	}
}

func TestCatalog_Delete(t *testing.T) {
	c, repo, audit := newTestCatalog(t)
	seedActive(t, c, repo, testRule("rule-1"))
	ctx := context.Background()

	if err := c.Delete(ctx, "rule-1", "owner-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Get(ctx, "rule-1"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Get after delete = %v, want ErrRuleNotFound", err)
	}
	if err := c.Delete(ctx, "rule-1", "owner-1"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("second Delete = %v, want ErrRuleNotFound", err)
	}
	if !slices.Contains(audit.actions(), AuditRuleDeleted) {
		t.Errorf("audit = %v, want %s", audit.actions(), AuditRuleDeleted)
	}
}

func TestCatalog_UpdatePerformance_SurvivesEdits(t *testing.T) {
	c, repo, _ := newTestCatalog(t)
	r := testRule("rule-1")
	r.Management.Status = StatusDraft
	seedActive(t, c, repo, r)
	ctx := context.Background()

	if err := c.UpdatePerformance(ctx, "rule-1", Performance{ExecutionCount: 3, SuccessCount: 3}); err != nil {
		t.Fatalf("UpdatePerformance: %v", err)
	}
	if err := c.SetStatus(ctx, "rule-1", StatusTesting, "owner-1"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	got, _ := c.Get(ctx, "rule-1")
	if got.Performance.ExecutionCount != 3 {
		t.Errorf("ExecutionCount = %d after a management edit, want 3", got.Performance.ExecutionCount)
	}
}

func TestCanTransition(t *testing.T) {
	for _, to := range AllStatuses() {
		if CanTransition(StatusDeprecated, to) {
			t.Errorf("deprecated -> %s allowed", to)
		}
	}
	for _, from := range []Status{StatusDraft, StatusTesting, StatusActive, StatusPaused} {
		if !CanTransition(from, StatusDeprecated) {
			t.Errorf("%s -> deprecated not allowed", from)
		}
	}
}

func TestCatalog_Count(t *testing.T) {
	c, repo, _ := newTestCatalog(t)
	if c.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", c.Count())
	}

	seedActive(t, c, repo, testRule("r1"), testRule("r2"))
	if c.Count() != 2 {
		t.Errorf("Count() = %d, want 2", c.Count())
	}
}
