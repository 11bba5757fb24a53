package automation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// defaultExecutionTimeout bounds one asynchronous dispatch of a rule's
// actions, including the integration retry.
const defaultExecutionTimeout = 60 * time.Second

// ExecutionRecorder appends execution-audit entries. Repository satisfies it.
type ExecutionRecorder interface {
	CreateExecution(ctx context.Context, exec *Execution) error
}

// EngineDeps bundles the engine's collaborators.
type EngineDeps struct {
	Catalog    *Catalog
	Dispatcher *Dispatcher
	Tracker    *PerformanceTracker
	Runtime    RuntimeStore
	Executions ExecutionRecorder
	Metrics    *Metrics
}

// EngineConfig tunes evaluation.
type EngineConfig struct {
	// MaxReadingAge treats older sensor readings as missing. Zero disables.
	MaxReadingAge time.Duration

	// ExecutionTimeout bounds one asynchronous dispatch. Zero selects the default.
	ExecutionTimeout time.Duration

	// OverrideTTL is how long a manual override token stays valid. Zero
	// selects the default.
	OverrideTTL time.Duration
}

// CycleReport summarises one evaluation cycle.
type CycleReport struct {
	FarmID   string        `json:"farm_id"`
	BlockID  string        `json:"block_id,omitempty"`
	At       time.Time     `json:"at"`
	Outcomes []RuleOutcome `json:"outcomes"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Admitted returns the IDs of the rules whose actions were dispatched.
func (c *CycleReport) Admitted() []string {
	var ids []string
	for _, o := range c.Outcomes {
		if o.Decision.Verdict == VerdictAllow {
			ids = append(ids, o.RuleID)
		}
	}
	return ids
}

// Outcome returns the outcome of a rule in this cycle.
func (c *CycleReport) Outcome(ruleID string) (RuleOutcome, bool) {
	for _, o := range c.Outcomes {
		if o.RuleID == ruleID {
			return o, true
		}
	}
	return RuleOutcome{}, false
}

// RuleOutcome is the result of one rule in one cycle. Actions holds the
// results of synchronous safety stops; admitted actions complete
// asynchronously and are reported through the execution audit.
type RuleOutcome struct {
	RuleID   string         `json:"rule_id"`
	Priority int            `json:"priority"`
	Matched  bool           `json:"matched"`
	Decision Decision       `json:"decision"`
	Actions  []ActionResult `json:"actions,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Engine runs evaluation cycles: it selects eligible rules, matches their
// conditions, asks the governor for a verdict, and dispatches actions.
//
// Cycles for different farms or blocks may run concurrently. Rules shared
// between cycles (farm-wide rules) are serialised by a per-rule lock so
// their runtime state has a single writer.
//
// Thread Safety: RunCycle is safe for concurrent use.
type Engine struct {
	catalog    *Catalog
	evaluator  *Evaluator
	governor   *Governor
	dispatcher *Dispatcher
	tracker    *PerformanceTracker
	runtime    RuntimeStore
	executions ExecutionRecorder
	metrics    *Metrics
	logger     Logger
	clock      Clock
	timeout    time.Duration

	locks ruleLocks
	wg    sync.WaitGroup

	mu          sync.Mutex
	unconfirmed map[string]bool // rules whose last control dispatch failed
}

// NewEngine creates an engine from its collaborators.
func NewEngine(deps EngineDeps, cfg EngineConfig) *Engine {
	timeout := cfg.ExecutionTimeout
	if timeout <= 0 {
		timeout = defaultExecutionTimeout
	}
	governor := NewGovernor(cfg.MaxReadingAge)
	governor.SetOverrideTTL(cfg.OverrideTTL)
	return &Engine{
		catalog:    deps.Catalog,
		evaluator:  NewEvaluator(cfg.MaxReadingAge),
		governor:   governor,
		dispatcher: deps.Dispatcher,
		tracker:    deps.Tracker,
		runtime:    deps.Runtime,
		executions: deps.Executions,
		metrics:    deps.Metrics,
		logger:     noopLogger{},
		clock:      SystemClock(),
		timeout:    timeout,
		locks:      ruleLocks{locks: make(map[string]*sync.Mutex)},

		unconfirmed: make(map[string]bool),
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) { e.logger = logger }

// SetClock replaces the clock used for timestamps.
func (e *Engine) SetClock(c Clock) { e.clock = c }

// Wait blocks until every asynchronous dispatch has completed.
func (e *Engine) Wait() { e.wg.Wait() }

// Acknowledge stops the escalation chain of a notification.
func (e *Engine) Acknowledge(notificationID string) bool {
	return e.dispatcher.Acknowledge(notificationID)
}

// RemoveRule deletes a rule and drops everything the engine holds for it:
// pending timers, runtime state, and cached counters.
func (e *Engine) RemoveRule(ctx context.Context, ruleID, actor string) error {
	unlock := e.locks.acquire([]string{ruleID})
	defer unlock()

	if err := e.catalog.Delete(ctx, ruleID, actor); err != nil {
		return err
	}
	e.dispatcher.CancelRule(ruleID)
	e.tracker.Forget(ruleID)
	if err := e.runtime.Delete(ctx, ruleID); err != nil {
		e.logger.Warn("failed to delete runtime state", "rule_id", ruleID, "error", err)
	}
	return nil
}

// RunCycle evaluates every eligible rule against the snapshot.
//
// Rules are matched first, so DependsOn references see results from the
// same snapshot. Verdicts are then taken in priority order: a rule that
// starts or stops an actuator claims it for the rest of the cycle, and a
// rule admitted to run excludes the rules it conflicts with.
//
// Safety stops are dispatched before the next rule is considered. Admitted
// actions run asynchronously; use Wait to block until they finish.
func (e *Engine) RunCycle(ctx context.Context, snap Snapshot) (*CycleReport, error) { //nolint:gocognit // evaluate, govern, act
	if snap.FarmID == "" {
		return nil, fmt.Errorf("%w: farm id is required", ErrInvalidSnapshot)
	}
	started := e.clock.Now()
	if snap.Time.IsZero() {
		snap.Time = started
	}

	rules, err := e.catalog.ListEligible(ctx, snap.FarmID, snap.BlockID, nil)
	if err != nil {
		return nil, fmt.Errorf("listing eligible rules: %w", err)
	}

	ids := make([]string, len(rules))
	for i := range rules {
		ids[i] = rules[i].ID
	}
	unlock := e.locks.acquire(ids)
	defer unlock()

	report := &CycleReport{FarmID: snap.FarmID, BlockID: snap.BlockID, At: snap.Time}

	// Load state. A rule whose state cannot be read is skipped: running it
	// with fresh state would forget its cooldown and active actuators.
	states := make(map[string]*RuntimeState, len(rules))
	byID := make(map[string]*Rule, len(rules))
	for i := range rules {
		r := &rules[i]
		st, loadErr := e.runtime.Load(ctx, r.ID)
		if loadErr != nil {
			e.logger.Error("failed to load runtime state", "rule_id", r.ID, "error", loadErr)
			report.Outcomes = append(report.Outcomes, RuleOutcome{
				RuleID: r.ID, Priority: r.Priority, Error: loadErr.Error(),
			})
			continue
		}
		states[r.ID] = st
		byID[r.ID] = r
	}

	evals := e.evaluateAll(rules, byID, &snap, states)

	c := cycle{
		snap:     &snap,
		byID:     byID,
		admitted: make(map[string]bool),
		claims:   make(map[string]string),
	}
	for i := range rules {
		r := &rules[i]
		st, ok := states[r.ID]
		if !ok {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.saveStates(ctx, states)
			return report, ctxErr
		}
		report.Outcomes = append(report.Outcomes, e.decide(ctx, &c, r, evals[r.ID], st))
	}

	e.saveStates(ctx, states)

	report.Elapsed = e.clock.Now().Sub(started)
	e.metrics.observeCycle(snap.FarmID, report.Elapsed)
	e.logger.Debug("cycle complete",
		"farm_id", snap.FarmID,
		"block_id", snap.BlockID,
		"rules", len(rules),
		"admitted", len(c.admitted),
		"duration_ms", report.Elapsed.Milliseconds(),
	)
	return report, nil
}

// cycle holds the bookkeeping of one RunCycle call.
type cycle struct {
	snap     *Snapshot
	byID     map[string]*Rule
	admitted map[string]bool
	claims   map[string]string // device key -> rule id
}

// evaluateAll matches every rule. Dependencies are evaluated before their
// dependents; a reference cycle or an ineligible dependency evaluates false.
func (e *Engine) evaluateAll(rules []Rule, byID map[string]*Rule, snap *Snapshot, states map[string]*RuntimeState) map[string]Evaluation {
	evals := make(map[string]Evaluation, len(byID))
	matched := make(map[string]bool, len(byID))
	visiting := make(map[string]bool)

	var eval func(id string) bool
	eval = func(id string) bool {
		if ev, done := evals[id]; done {
			return ev.Matched
		}
		r, ok := byID[id]
		if !ok || visiting[id] {
			return false
		}
		visiting[id] = true
		for _, dep := range r.Conditions.DependsOn {
			matched[dep] = eval(dep)
		}
		delete(visiting, id)

		ev := e.evaluator.Evaluate(r, snap, &states[id].Timers, matched)
		evals[id] = ev
		matched[id] = ev.Matched
		e.metrics.observeEvaluation(id, ev.Matched)
		return ev.Matched
	}

	for i := range rules {
		eval(rules[i].ID)
	}
	return evals
}

// decide takes and acts on the verdict for one rule.
func (e *Engine) decide(ctx context.Context, c *cycle, r *Rule, ev Evaluation, st *RuntimeState) RuleOutcome {
	now := c.snap.Time
	if e.takeUnconfirmed(r.ID) || !ev.Matched {
		st.Commanded = nil
	}
	d := e.governor.CanExecute(r, ev.Matched, c.snap, st)

	switch {
	case d.Verdict == VerdictAllow:
		if other := c.conflict(r); other != "" {
			d = deny(ReasonConflictingRule, "conflicts with %s", other)
		} else if device, owner := c.claimedBy(r); owner != "" {
			d = deny(ReasonActuatorClaimed, "%s claimed by %s", device, owner)
		}
	case d.Reason == ReasonCommandHeld:
		// A held rule keeps its devices. If a higher-priority rule took one
		// this cycle, the held state is stale.
		if device, owner := c.claimedBy(r); owner != "" {
			st.Commanded = nil
			d = deny(ReasonActuatorClaimed, "%s claimed by %s", device, owner)
		} else {
			c.claim(r)
		}
	}
	e.metrics.observeDecision(r.ID, d)

	if d.Reason != ReasonEmergencyStop {
		st.EmergencyLatched = false
	}
	st.LastMatched = ev.Matched

	out := RuleOutcome{RuleID: r.ID, Priority: r.Priority, Matched: ev.Matched, Decision: d}

	switch d.Verdict {
	case VerdictAllow:
		c.admitted[r.ID] = true
		c.claim(r)
		st.recordStart(now, r.energises(), activeUntil(r, now))
		st.recordCommanded(r)
		if o, ok := c.snap.Overrides[r.ID]; ok && r.Settings.RequireManualOverride {
			issued := o.IssuedAt
			st.OverrideUsed = &issued
		}
		e.logger.Info("rule admitted",
			"rule_id", r.ID,
			"farm_id", c.snap.FarmID,
			"block_id", c.snap.BlockID,
			"priority", r.Priority,
		)
		e.launch(ctx, r.DeepCopy(), *c.snap, ev)

	case VerdictStop:
		out.Actions = e.halt(ctx, c, r, ev, d, st)

	case VerdictDeny:
		if ev.Matched {
			e.logger.Debug("rule denied", "rule_id", r.ID, "reason", d.Reason, "detail", d.Detail)
			e.record(ctx, r, c.snap, ev, d, nil, true, nil)
		}
	}

	e.metrics.setActuatorActive(r.ID, st.ActuatorActive(now))
	return out
}

// halt performs a stop verdict synchronously. An emergency stop that is
// already latched and finds nothing running is a no-op, so a sustained
// breach does not repeat commands and alerts every cycle.
func (e *Engine) halt(ctx context.Context, c *cycle, r *Rule, ev Evaluation, d Decision, st *RuntimeState) []ActionResult {
	now := c.snap.Time
	wasActive := r.energises() && st.ActuatorActive(now)
	emergency := d.Reason == ReasonEmergencyStop
	edge := emergency && !st.EmergencyLatched
	st.EmergencyLatched = emergency

	if !wasActive && !edge {
		e.dispatcher.CancelRule(r.ID)
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var skip func(ControlAction) bool
	if !d.Critical {
		skip = func(ca ControlAction) bool {
			owner, ok := c.claims[deviceKey(ca)]
			return ok && owner != r.ID
		}
	}

	start := e.clock.Now()
	results := e.dispatcher.Stop(stopCtx, r, string(d.Reason), skip)
	if d.Critical {
		results = append(results, e.dispatcher.NotifyCritical(stopCtx, r, c.snap, d.Detail)...)
	}
	elapsed := e.clock.Now().Sub(start)

	st.recordStop()
	c.claim(r)

	logFn := e.logger.Info
	if d.Critical {
		logFn = e.logger.Warn
	}
	logFn("rule stopped",
		"rule_id", r.ID,
		"reason", d.Reason,
		"detail", d.Detail,
		"critical", d.Critical,
	)

	report := DispatchReport{Results: results, Elapsed: elapsed}
	e.track(ctx, r.ID, report)
	e.record(ctx, r, c.snap, ev, d, results, report.Success(), &elapsed)
	return results
}

// launch dispatches an admitted rule's actions in the background. The run
// is registered before launch returns, so a stop decided in a later cycle
// cancels it. The completion feeds the tracker and the execution audit.
func (e *Engine) launch(ctx context.Context, r *Rule, snap Snapshot, ev Evaluation) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	run := e.dispatcher.Prepare(runCtx, r.ID)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()

		report := e.dispatcher.Execute(run, r, &snap)
		if controlFailed(report) {
			e.markUnconfirmed(r.ID)
		}
		e.track(runCtx, r.ID, report)
		e.record(runCtx, r, &snap, ev, allow(), report.Results, report.Success(), &report.Elapsed)

		e.logger.Info("rule executed",
			"rule_id", r.ID,
			"actions", len(report.Results),
			"success", report.Success(),
			"duration_ms", report.Elapsed.Milliseconds(),
		)
	}()
}

func controlFailed(report DispatchReport) bool {
	for _, res := range report.Results {
		if res.Kind == KindControl && !res.Success {
			return true
		}
	}
	return false
}

// markUnconfirmed makes the next cycle forget the rule's commanded state,
// so a command that never reached its device is sent again.
func (e *Engine) markUnconfirmed(ruleID string) {
	e.mu.Lock()
	e.unconfirmed[ruleID] = true
	e.mu.Unlock()
}

func (e *Engine) takeUnconfirmed(ruleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ok := e.unconfirmed[ruleID]
	delete(e.unconfirmed, ruleID)
	return ok
}

func (e *Engine) track(ctx context.Context, ruleID string, report DispatchReport) {
	if e.tracker == nil {
		return
	}
	_, err := e.tracker.RecordExecution(ctx, Outcome{
		RuleID:   ruleID,
		At:       e.clock.Now(),
		Elapsed:  report.Elapsed,
		Success:  report.Success(),
		ErrorTag: report.ErrorTag(),
	})
	if err != nil {
		e.logger.Warn("failed to record performance", "rule_id", ruleID, "error", err)
	}
}

// record appends an execution-audit entry. Audit failures are logged and
// never affect the cycle.
func (e *Engine) record(ctx context.Context, r *Rule, snap *Snapshot, ev Evaluation, d Decision, results []ActionResult, success bool, elapsed *time.Duration) {
	if e.executions == nil {
		return
	}
	exec := &Execution{
		ID:          GenerateID(),
		RuleID:      r.ID,
		FarmID:      snap.FarmID,
		BlockID:     snap.BlockID,
		EvaluatedAt: snap.Time,
		Matched:     ev.Matched,
		Trace:       ev.Trace,
		Verdict:     d.Verdict,
		Reason:      d.Reason,
		Detail:      d.Detail,
		Actions:     results,
		Success:     success,
	}
	if elapsed != nil {
		ms := int(elapsed.Milliseconds())
		exec.DurationMS = &ms
	}
	if err := e.executions.CreateExecution(ctx, exec); err != nil {
		e.logger.Error("failed to create execution record", "rule_id", r.ID, "error", err)
	}
}

func (e *Engine) saveStates(ctx context.Context, states map[string]*RuntimeState) {
	for id, st := range states {
		if err := e.runtime.Save(ctx, st); err != nil {
			e.logger.Error("failed to save runtime state", "rule_id", id, "error", err)
		}
	}
}

// conflict returns an admitted rule that r conflicts with, in either
// direction, or "".
func (c *cycle) conflict(r *Rule) string {
	for _, id := range r.Conditions.ConflictsWith {
		if c.admitted[id] {
			return id
		}
	}
	admitted := make([]string, 0, len(c.admitted))
	for id := range c.admitted {
		admitted = append(admitted, id)
	}
	slices.Sort(admitted)
	for _, id := range admitted {
		if other, ok := c.byID[id]; ok && slices.Contains(other.Conditions.ConflictsWith, r.ID) {
			return id
		}
	}
	return ""
}

// claimedBy returns the first device of r already claimed by another rule.
func (c *cycle) claimedBy(r *Rule) (string, string) {
	for _, ca := range r.Actions.Controls {
		key := deviceKey(ca)
		if owner, ok := c.claims[key]; ok && owner != r.ID {
			return key, owner
		}
	}
	return "", ""
}

func (c *cycle) claim(r *Rule) {
	for _, ca := range r.Actions.Controls {
		key := deviceKey(ca)
		if _, ok := c.claims[key]; !ok {
			c.claims[key] = r.ID
		}
	}
}

func deviceKey(c ControlAction) string {
	return string(c.DeviceType) + "/" + c.DeviceID
}

// ruleLocks serialises access to per-rule runtime state.
type ruleLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// acquire locks every id in ascending order, so overlapping cycles cannot
// deadlock, and returns the matching unlock.
func (l *ruleLocks) acquire(ids []string) func() {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, id := range sorted {
		l.mu.Lock()
		m, ok := l.locks[id]
		if !ok {
			m = &sync.Mutex{}
			l.locks[id] = m
		}
		l.mu.Unlock()

		m.Lock()
		held = append(held, m)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
