package audit

import (
	"context"
	"time"

	"github.com/nerrad567/agrilogic-core/internal/automation"
)

var _ automation.AuditRecorder = (*Recorder)(nil)

// engineActions are taken by the engine itself; the actor on them is the
// rule owner being notified, not the initiator.
var engineActions = map[string]bool{
	automation.AuditRuleAutoDisabled: true,
}

// Recorder writes rule catalog events to the audit log. It implements
// automation.AuditRecorder.
type Recorder struct {
	repo Repository
	now  func() time.Time
}

// NewRecorder creates a recorder backed by repo.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, now: time.Now}
}

// Record appends an entry for a rule. An empty actor or an engine action
// is recorded with SourceEngine.
func (r *Recorder) Record(ctx context.Context, action, ruleID, actor string, details map[string]any) error {
	source := SourceAdmin
	if actor == "" || engineActions[action] {
		source = SourceEngine
	}
	return r.repo.Create(ctx, &Entry{
		Action:     action,
		EntityType: EntityRule,
		EntityID:   ruleID,
		UserID:     actor,
		Source:     source,
		Details:    details,
		CreatedAt:  r.now().UTC(),
	})
}

// RuleHistory returns the most recent entries for a rule.
func (r *Recorder) RuleHistory(ctx context.Context, ruleID string, limit int) ([]Entry, error) {
	res, err := r.repo.List(ctx, Filter{EntityType: EntityRule, EntityID: ruleID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}
