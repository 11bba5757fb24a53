package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger defines the logging interface used throughout the package.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// AuditRecorder receives administrative events (status changes, approvals,
// change proposals) together with the acting user.
type AuditRecorder interface {
	Record(ctx context.Context, action, ruleID, actor string, details map[string]any) error
}

// Audit actions recorded by the catalog and change manager.
const (
	AuditRuleCreated        = "rule.created"
	AuditRuleStatusChanged  = "rule.status_changed"
	AuditRuleApproved       = "rule.approved"
	AuditRuleChangeProposed = "rule.change_proposed"
	AuditRuleDeleted        = "rule.deleted"
	AuditRuleAutoDisabled   = "rule.auto_disabled"
)

// initialVersion is assigned to newly created rules.
const initialVersion = "1.0.0"

// allowedTransitions is the status state machine. Deprecated is reachable
// from every non-terminal state and is itself terminal.
var allowedTransitions = map[Status][]Status{
	StatusDraft:   {StatusTesting, StatusDeprecated},
	StatusTesting: {StatusActive, StatusDeprecated},
	StatusActive:  {StatusPaused, StatusDeprecated},
	StatusPaused:  {StatusDeprecated},
}

// CanTransition reports whether a rule may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Catalog stores rule definitions with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for the per-cycle
// eligibility query.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by every write.
//
// All public methods are thread-safe.
type Catalog struct {
	repo    Repository
	cache   map[string]*Rule
	cacheMu sync.RWMutex
	logger  Logger
	audit   AuditRecorder
	now     func() time.Time
}

// NewCatalog creates a new rule catalog.
func NewCatalog(repo Repository) *Catalog {
	return &Catalog{
		repo:   repo,
		cache:  make(map[string]*Rule),
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger for the catalog.
func (c *Catalog) SetLogger(logger Logger) {
	c.logger = logger
}

// SetAuditRecorder sets where administrative events are recorded.
func (c *Catalog) SetAuditRecorder(audit AuditRecorder) {
	c.audit = audit
}

// RefreshCache reloads all rules from the repository into the cache.
// This should be called on application startup.
func (c *Catalog) RefreshCache(ctx context.Context) error {
	rules, err := c.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	c.cache = make(map[string]*Rule, len(rules))
	for i := range rules {
		c.cache[rules[i].ID] = rules[i].DeepCopy()
	}

	c.logger.Info("rule cache refreshed", "count", len(rules))
	return nil
}

// Count returns the number of cached rules.
func (c *Catalog) Count() int {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	return len(c.cache)
}

// Get retrieves a rule by ID. The returned rule is a deep copy.
func (c *Catalog) Get(_ context.Context, id string) (*Rule, error) {
	c.cacheMu.RLock()
	cached, ok := c.cache[id]
	c.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}
	return nil, ErrRuleNotFound
}

// Filter narrows List results. Zero-value fields match everything.
type Filter struct {
	FarmID   string
	BlockID  string
	Category Category
	Status   Status
}

// List returns rules matching the filter, sorted by priority descending
// then id ascending.
func (c *Catalog) List(_ context.Context, f Filter) ([]Rule, error) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()

	rules := make([]Rule, 0, len(c.cache))
	for _, r := range c.cache {
		if f.FarmID != "" && !r.InScope(f.FarmID, f.BlockID) {
			continue
		}
		if f.Category != "" && r.Category != f.Category {
			continue
		}
		if f.Status != "" && r.Management.Status != f.Status {
			continue
		}
		rules = append(rules, *r.DeepCopy())
	}
	sortRules(rules)
	return rules, nil
}

// ListEligible returns the enabled, active rules in scope for the farm and
// optional block, ordered by priority descending with ties broken by id
// ascending. Rules auto-disabled for a configuration error are excluded.
func (c *Catalog) ListEligible(_ context.Context, farmID, blockID string, category *Category) ([]Rule, error) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()

	var rules []Rule
	for _, r := range c.cache {
		if !r.Eligible() || r.Management.ConfigError != nil {
			continue
		}
		if !r.InScope(farmID, blockID) {
			continue
		}
		if category != nil && r.Category != *category {
			continue
		}
		rules = append(rules, *r.DeepCopy())
	}
	sortRules(rules)
	return rules, nil
}

// Validate checks a rule. Structural problems return ErrInvalidRule and
// leave the rule untouched. Inconsistent thresholds return ErrConfiguration
// and mark the rule disabled with the reason recorded.
func (c *Catalog) Validate(r *Rule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	if err := ValidateThresholds(r); err != nil {
		msg := err.Error()
		r.Enabled = false
		r.Management.ConfigError = &msg
		return err
	}
	r.Management.ConfigError = nil
	return nil
}

// Create stores a new rule in draft status. A rule with a configuration
// error is still stored, disabled, and the ErrConfiguration is returned.
func (c *Catalog) Create(ctx context.Context, r *Rule) error {
	if r.ID == "" {
		r.ID = GenerateID()
	}
	if r.Priority == 0 {
		r.Priority = defaultPriority
	}
	if r.Conditions.Logic == "" {
		r.Conditions.Logic = LogicAnd
	}
	r.Management.Status = StatusDraft
	r.Management.Version = initialVersion
	r.Management.ApprovedBy = nil
	r.Management.ApprovedAt = nil
	r.Performance = Performance{}

	cfgErr := c.Validate(r)
	if cfgErr != nil && !errors.Is(cfgErr, ErrConfiguration) {
		return cfgErr
	}

	if err := c.repo.Create(ctx, r); err != nil {
		return fmt.Errorf("creating rule: %w", err)
	}
	c.put(r)

	c.record(ctx, AuditRuleCreated, r.ID, r.OwnerID, map[string]any{"name": r.Name, "farm_id": r.FarmID})
	c.logger.Info("rule created", "rule_id", r.ID, "farm_id", r.FarmID, "category", r.Category)

	if cfgErr != nil {
		c.reportConfigError(ctx, r, cfgErr)
		return cfgErr
	}
	return nil
}

// SetStatus moves a rule through its lifecycle. The change is rejected
// without any state change if the transition is not allowed, or if the rule
// needs approval and has none.
func (c *Catalog) SetStatus(ctx context.Context, id string, to Status, actor string) error {
	if strings.TrimSpace(actor) == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidRule)
	}

	r, err := c.Get(ctx, id)
	if err != nil {
		return err
	}

	from := r.Management.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	if to == StatusActive {
		if r.Management.ApprovalRequired && r.Management.ApprovedBy == nil {
			return ErrApprovalRequired
		}
		if r.Management.ConfigError != nil {
			return fmt.Errorf("%w: %s", ErrConfiguration, *r.Management.ConfigError)
		}
	}

	r.Management.Status = to
	if err := c.replace(ctx, r); err != nil {
		return err
	}

	c.record(ctx, AuditRuleStatusChanged, id, actor, map[string]any{"from": string(from), "to": string(to)})
	c.logger.Info("rule status changed", "rule_id", id, "from", from, "to", to, "actor", actor)
	return nil
}

// Approve records an approval so the rule may be activated.
func (c *Catalog) Approve(ctx context.Context, id, actor string) error {
	if strings.TrimSpace(actor) == "" {
		return fmt.Errorf("%w: approver is required", ErrInvalidRule)
	}

	r, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Management.Status == StatusDeprecated {
		return ErrRuleDeprecated
	}

	now := c.now().UTC()
	r.Management.ApprovedBy = &actor
	r.Management.ApprovedAt = &now
	if err := c.replace(ctx, r); err != nil {
		return err
	}

	c.record(ctx, AuditRuleApproved, id, actor, map[string]any{"version": r.Management.Version})
	c.logger.Info("rule approved", "rule_id", id, "version", r.Management.Version, "actor", actor)
	return nil
}

// Delete removes a rule from the catalog.
func (c *Catalog) Delete(ctx context.Context, id, actor string) error {
	if err := c.repo.Delete(ctx, id); err != nil {
		return err
	}

	c.cacheMu.Lock()
	delete(c.cache, id)
	c.cacheMu.Unlock()

	c.record(ctx, AuditRuleDeleted, id, actor, nil)
	c.logger.Info("rule deleted", "rule_id", id, "actor", actor)
	return nil
}

// UpdatePerformance stores new counters for a rule. Only the
// PerformanceTracker calls this.
func (c *Catalog) UpdatePerformance(ctx context.Context, id string, perf Performance) error {
	if err := c.repo.UpdatePerformance(ctx, id, perf); err != nil {
		return err
	}

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if cached, ok := c.cache[id]; ok {
		cached.Performance = perf
		cached.Performance.RecentErrors = cloneSlice(perf.RecentErrors)
	}
	return nil
}

// ListExecutions returns the most recent execution-audit entries of a
// rule, newest first.
func (c *Catalog) ListExecutions(ctx context.Context, ruleID string, limit int) ([]Execution, error) {
	if _, err := c.Get(ctx, ruleID); err != nil {
		return nil, err
	}
	return c.repo.ListExecutions(ctx, ruleID, limit)
}

// replace persists a modified rule and refreshes the cache entry.
func (c *Catalog) replace(ctx context.Context, r *Rule) error {
	if err := c.repo.Update(ctx, r); err != nil {
		return fmt.Errorf("updating rule: %w", err)
	}
	c.put(r)
	return nil
}

// put stores a copy in the cache, preserving cached performance counters
// which are owned by the tracker.
func (c *Catalog) put(r *Rule) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	cpy := r.DeepCopy()
	if cached, ok := c.cache[r.ID]; ok {
		cpy.Performance = cached.Performance
	}
	c.cache[r.ID] = cpy
}

func (c *Catalog) record(ctx context.Context, action, ruleID, actor string, details map[string]any) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Record(ctx, action, ruleID, actor, details); err != nil {
		c.logger.Warn("failed to record audit event", "action", action, "rule_id", ruleID, "error", err)
	}
}

// reportConfigError surfaces an auto-disabled rule to its owner through the
// audit trail and the log.
func (c *Catalog) reportConfigError(ctx context.Context, r *Rule, err error) {
	c.record(ctx, AuditRuleAutoDisabled, r.ID, r.OwnerID, map[string]any{"error": err.Error()})
	c.logger.Warn("rule disabled due to configuration error",
		"rule_id", r.ID, "owner_id", r.OwnerID, "error", err)
}

// sortRules orders by priority descending, then id ascending.
func sortRules(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}
