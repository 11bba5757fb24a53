package automation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ChangeSet describes an edit to a rule. Nil fields are left unchanged.
type ChangeSet struct {
	Name             *string     `json:"name,omitempty"`
	Description      *string     `json:"description,omitempty"`
	Category         *Category   `json:"category,omitempty"`
	Priority         *int        `json:"priority,omitempty"`
	Enabled          *bool       `json:"enabled,omitempty"`
	ApprovalRequired *bool       `json:"approval_required,omitempty"`
	Conditions       *Conditions `json:"conditions,omitempty"`
	Actions          *Actions    `json:"actions,omitempty"`
	Settings         *Settings   `json:"settings,omitempty"`
}

// ChangeManager applies versioned edits to rules. Edits that alter what a
// rule does send an active rule back to testing so it must be approved again.
type ChangeManager struct {
	catalog *Catalog
	logger  Logger
}

// NewChangeManager creates a change manager over the catalog.
func NewChangeManager(catalog *Catalog) *ChangeManager {
	return &ChangeManager{catalog: catalog, logger: noopLogger{}}
}

// SetLogger sets the logger for the change manager.
func (m *ChangeManager) SetLogger(logger Logger) {
	m.logger = logger
}

// Propose applies changes to a rule, appends a change-history entry, and
// bumps its version: minor for behavioural edits, patch otherwise.
//
// Structural validation failures reject the edit with no state change.
// A configuration error is stored with the rule disabled and returned
// alongside the updated rule.
func (m *ChangeManager) Propose(ctx context.Context, ruleID string, changes ChangeSet, actor, reason string) (*Rule, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrInvalidRule)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: change reason is required", ErrInvalidRule)
	}

	current, err := m.catalog.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if current.Management.Status == StatusDeprecated {
		return nil, ErrRuleDeprecated
	}

	next := current.DeepCopy()
	fields := changes.apply(next)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no changes", ErrInvalidRule)
	}

	cfgErr := m.catalog.Validate(next)
	if cfgErr != nil && !errors.Is(cfgErr, ErrConfiguration) {
		return nil, cfgErr
	}

	behavioural := affectsBehaviour(current, next)
	next.Management.Version = bumpVersion(current.Management.Version, behavioural)
	next.Management.ChangeHistory = append(next.Management.ChangeHistory, ChangeRecord{
		Version:   next.Management.Version,
		ChangedBy: actor,
		ChangedAt: m.catalog.now().UTC(),
		Reason:    reason,
		Fields:    fields,
	})

	if behavioural && current.Management.Status == StatusActive {
		next.Management.Status = StatusTesting
		next.Management.ApprovedBy = nil
		next.Management.ApprovedAt = nil
	}

	if err := m.catalog.replace(ctx, next); err != nil {
		return nil, err
	}

	m.catalog.record(ctx, AuditRuleChangeProposed, ruleID, actor, map[string]any{
		"version":     next.Management.Version,
		"fields":      fields,
		"reason":      reason,
		"status":      string(next.Management.Status),
		"behavioural": behavioural,
	})
	m.logger.Info("rule change applied",
		"rule_id", ruleID,
		"version", next.Management.Version,
		"status", next.Management.Status,
		"actor", actor,
	)

	if cfgErr != nil {
		m.catalog.reportConfigError(ctx, next, cfgErr)
		return next, cfgErr
	}
	return next, nil
}

// apply writes the non-nil fields into r and returns their names.
func (cs ChangeSet) apply(r *Rule) []string {
	var fields []string
	if cs.Name != nil {
		r.Name = *cs.Name
		fields = append(fields, "name")
	}
	if cs.Description != nil {
		r.Description = cloneStringPtr(cs.Description)
		fields = append(fields, "description")
	}
	if cs.Category != nil {
		r.Category = *cs.Category
		fields = append(fields, "category")
	}
	if cs.Priority != nil {
		r.Priority = *cs.Priority
		fields = append(fields, "priority")
	}
	if cs.Enabled != nil {
		r.Enabled = *cs.Enabled
		fields = append(fields, "enabled")
	}
	if cs.ApprovalRequired != nil {
		r.Management.ApprovalRequired = *cs.ApprovalRequired
		fields = append(fields, "approval_required")
	}
	if cs.Conditions != nil {
		r.Conditions = cs.Conditions.clone()
		if r.Conditions.Logic == "" {
			r.Conditions.Logic = LogicAnd
		}
		fields = append(fields, "conditions")
	}
	if cs.Actions != nil {
		r.Actions = cs.Actions.clone()
		fields = append(fields, "actions")
	}
	if cs.Settings != nil {
		r.Settings = cs.Settings.clone()
		fields = append(fields, "settings")
	}
	return fields
}

// affectsBehaviour reports whether the edit changed conditions, actions, or
// the safety-relevant settings (hysteresis, safety limits, manual override).
// Cooldown and metadata edits do not require re-approval.
func affectsBehaviour(before, after *Rule) bool {
	if !reflect.DeepEqual(before.Conditions, after.Conditions) {
		return true
	}
	if !reflect.DeepEqual(before.Actions, after.Actions) {
		return true
	}
	b, a := before.Settings, after.Settings
	return !reflect.DeepEqual(b.Hysteresis, a.Hysteresis) ||
		!reflect.DeepEqual(b.Safety, a.Safety) ||
		b.RequireManualOverride != a.RequireManualOverride
}

// bumpVersion increments a "major.minor.patch" version. A malformed
// version restarts from the initial version.
func bumpVersion(v string, minor bool) string {
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		parts = strings.Split(initialVersion, ".")
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return bumpVersion(initialVersion, minor)
		}
		nums[i] = n
	}
	if minor {
		nums[1]++
		nums[2] = 0
	} else {
		nums[2]++
	}
	return fmt.Sprintf("%d.%d.%d", nums[0], nums[1], nums[2])
}
