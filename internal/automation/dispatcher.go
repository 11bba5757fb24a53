package automation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Default outbound limits.
const (
	defaultOutboundTimeout = 10 * time.Second
	defaultRetryBackoff    = 2 * time.Second
	retryJitterFraction    = 0.2
)

// ─── Collaborator contracts ─────────────────────────────────────────────────

// DeviceController sends commands to the device-control collaborator.
type DeviceController interface {
	SendCommand(ctx context.Context, cmd DeviceCommand) error
}

// DeviceCommand is a single actuator instruction.
type DeviceCommand struct {
	ID         string     `json:"id"`
	RuleID     string     `json:"rule_id"`
	FarmID     string     `json:"farm_id"`
	DeviceType DeviceType `json:"device_type"`
	DeviceID   string     `json:"device_id"`
	Command    Command    `json:"command"`
	Value      *float64   `json:"value,omitempty"`
	Step       int        `json:"step,omitempty"` // 1-based ramp step, 0 when not ramping
	Steps      int        `json:"steps,omitempty"`
	Reason     string     `json:"reason"`
	IssuedAt   time.Time  `json:"issued_at"`
}

// Notifier delivers one notification on one channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Notification is a rendered alert addressed to a single channel.
type Notification struct {
	ID         string     `json:"id"`
	RuleID     string     `json:"rule_id"`
	RuleName   string     `json:"rule_name"`
	FarmID     string     `json:"farm_id"`
	BlockID    string     `json:"block_id,omitempty"`
	Level      AlertLevel `json:"level"`
	Message    string     `json:"message"`
	Recipients []string   `json:"recipients,omitempty"`
	Channel    Channel    `json:"channel"`
	Escalation int        `json:"escalation"` // 0 = original, n = nth escalation step
	SentAt     time.Time  `json:"sent_at"`
}

// TaskCreator hands work items to the task-management collaborator.
type TaskCreator interface {
	CreateTask(ctx context.Context, task WorkTask) error
}

// WorkTask is a generated work item.
type WorkTask struct {
	ID          string       `json:"id"`
	RuleID      string       `json:"rule_id"`
	FarmID      string       `json:"farm_id"`
	BlockID     string       `json:"block_id,omitempty"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	AssignTo    []string     `json:"assign_to,omitempty"`
	Priority    TaskPriority `json:"priority"`
	DueBy       *time.Time   `json:"due_by,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// EventRecorder appends structured event records to the analytics store.
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev Event) error
}

// Event is a structured record produced by a data action.
type Event struct {
	RuleID    string             `json:"rule_id"`
	RuleName  string             `json:"rule_name"`
	FarmID    string             `json:"farm_id"`
	BlockID   string             `json:"block_id,omitempty"`
	Type      string             `json:"type"`
	Time      time.Time          `json:"time"`
	Tags      map[string]string  `json:"tags,omitempty"`
	Values    map[string]float64 `json:"values,omitempty"`
	Analytics bool               `json:"analytics"`
}

// IntegrationCaller performs one outbound call to an external system.
// It must honour ctx cancellation.
type IntegrationCaller interface {
	Call(ctx context.Context, req IntegrationRequest) error
}

// IntegrationRequest is an HTTP-style outbound call.
type IntegrationRequest struct {
	RuleID  string            `json:"rule_id"`
	Name    string            `json:"name"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// DispatcherDeps bundles the outbound collaborators. A nil collaborator
// makes actions of its kind fail individually.
type DispatcherDeps struct {
	Devices      DeviceController
	Notifier     Notifier
	Tasks        TaskCreator
	Events       EventRecorder
	Integrations IntegrationCaller
}

// ─── Results ────────────────────────────────────────────────────────────────

// ActionKind identifies the kind of an action.
type ActionKind string

const (
	KindControl      ActionKind = "control"
	KindNotification ActionKind = "notification"
	KindTask         ActionKind = "task"
	KindData         ActionKind = "data"
	KindIntegration  ActionKind = "integration"
)

// ActionResult records the outcome of one action.
type ActionResult struct {
	Kind      ActionKind `json:"kind"`
	Index     int        `json:"index"`
	Target    string     `json:"target"`
	Success   bool       `json:"success"`
	ErrorCode string     `json:"error_code,omitempty"`
	ErrorMsg  string     `json:"error_message,omitempty"`
}

// DispatchReport is the outcome of dispatching a rule's actions.
type DispatchReport struct {
	Results []ActionResult `json:"results"`
	Elapsed time.Duration  `json:"elapsed"`
}

// Success reports whether every action succeeded.
func (r DispatchReport) Success() bool {
	for _, res := range r.Results {
		if !res.Success {
			return false
		}
	}
	return true
}

// ErrorTag returns the error code of the first failed action.
func (r DispatchReport) ErrorTag() string {
	for _, res := range r.Results {
		if !res.Success {
			return res.ErrorCode
		}
	}
	return ""
}

var errNoCollaborator = errors.New("no collaborator configured")

// errRunCancelled marks actions skipped because the rule was stopped while
// its dispatch was in flight.
var errRunCancelled = errors.New("dispatch cancelled")

// errorCode classifies a failure into a stable tag for tracking.
func errorCode(kind ActionKind, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return string(kind) + "_timeout"
	case errors.Is(err, ErrMQTTUnavailable):
		return "mqtt_unavailable"
	case errors.Is(err, ErrChannelUnsupported):
		return "channel_unsupported"
	case errors.Is(err, errNoCollaborator):
		return string(kind) + "_unconfigured"
	case errors.Is(err, errRunCancelled), errors.Is(err, context.Canceled):
		return string(kind) + "_cancelled"
	default:
		return string(kind) + "_failed"
	}
}

// ─── Dispatcher ─────────────────────────────────────────────────────────────

// Dispatcher executes a rule's actions. Each action runs independently:
// a failure is logged and recorded, and the remaining actions still run.
//
// Ramp steps, duration reversals, and escalations are scheduled on the
// Clock and grouped per rule so CancelRule can drop all of them at once.
// In-flight dispatches are tracked the same way: CancelRule cancels them
// and Stop waits for them to drain before switching actuators off.
type Dispatcher struct {
	deps             DispatcherDeps
	clock            Clock
	logger           Logger
	metrics          *Metrics
	timeout          time.Duration
	retryBackoff     time.Duration
	criticalChannels []Channel

	mu          sync.Mutex
	generations map[string]uint64
	timers      map[string]map[uint64]Timer
	nextTimerID uint64
	escalations map[string]*pendingEscalation
	runs        map[string]map[uint64]*Run
	nextRunID   uint64
}

// Run is a dispatch registered with Prepare. It belongs to the rule's
// generation at the time it was prepared and is cancelled with the rule.
type Run struct {
	id     uint64
	ruleID string
	gen    uint64
	ctx    context.Context //nolint:containedctx // cancelled by CancelRule
	cancel context.CancelFunc
	done   chan struct{}
}

type pendingEscalation struct {
	ruleID string
	timer  Timer
}

// NewDispatcher creates a dispatcher. timeout bounds every outbound call;
// zero selects the default.
func NewDispatcher(deps DispatcherDeps, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultOutboundTimeout
	}
	return &Dispatcher{
		deps:             deps,
		clock:            SystemClock(),
		logger:           noopLogger{},
		timeout:          timeout,
		retryBackoff:     defaultRetryBackoff,
		criticalChannels: []Channel{ChannelApp},
		generations:      make(map[string]uint64),
		timers:           make(map[string]map[uint64]Timer),
		escalations:      make(map[string]*pendingEscalation),
		runs:             make(map[string]map[uint64]*Run),
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) { d.logger = logger }

// SetClock replaces the clock used for scheduling.
func (d *Dispatcher) SetClock(c Clock) { d.clock = c }

// SetMetrics attaches Prometheus metrics.
func (d *Dispatcher) SetMetrics(m *Metrics) { d.metrics = m }

// SetRetryBackoff sets the base delay before the integration retry.
func (d *Dispatcher) SetRetryBackoff(b time.Duration) { d.retryBackoff = b }

// SetCriticalChannels sets the channels used for safety notifications when
// the rule declares none.
func (d *Dispatcher) SetCriticalChannels(ch []Channel) {
	if len(ch) > 0 {
		d.criticalChannels = slices.Clone(ch)
	}
}

// Dispatch executes every action of the rule and reports each outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, r *Rule, snap *Snapshot) DispatchReport {
	return d.Execute(d.Prepare(ctx, r.ID), r, snap)
}

// Prepare registers a dispatch for the rule in its current generation.
// Call it synchronously with the decision to run, so a stop issued before
// Execute starts still cancels it. Every Run must be passed to Execute.
func (d *Dispatcher) Prepare(ctx context.Context, ruleID string) *Run {
	runCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextRunID++
	run := &Run{
		id:     d.nextRunID,
		ruleID: ruleID,
		gen:    d.generations[ruleID],
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if d.runs[ruleID] == nil {
		d.runs[ruleID] = make(map[uint64]*Run)
	}
	d.runs[ruleID][run.id] = run
	return run
}

// Execute runs a prepared dispatch. Actions not yet started when the rule
// is cancelled are skipped and reported as cancelled.
func (d *Dispatcher) Execute(run *Run, r *Rule, snap *Snapshot) DispatchReport {
	defer d.finish(run)

	ctx, gen := run.ctx, run.gen
	start := d.clock.Now()

	var results []ActionResult
	for i, c := range r.Actions.Controls {
		if !d.live(r.ID, gen) {
			results = append(results, d.result(r, KindControl, i, c.DeviceID, errRunCancelled))
			continue
		}
		results = append(results, d.control(ctx, r, gen, i, c))
	}
	for i, n := range r.Actions.Notifications {
		results = append(results, d.notify(ctx, r, snap, gen, i, n)...)
	}
	for i, t := range r.Actions.Tasks {
		results = append(results, d.task(ctx, r, snap, i, t))
	}
	for i, dl := range r.Actions.DataLogs {
		results = append(results, d.data(ctx, r, snap, i, dl))
	}
	for i, in := range r.Actions.Integrations {
		results = append(results, d.integration(ctx, r, snap, i, in))
	}

	return DispatchReport{Results: results, Elapsed: d.clock.Now().Sub(start)}
}

func (d *Dispatcher) finish(run *Run) {
	run.cancel()

	d.mu.Lock()
	delete(d.runs[run.ruleID], run.id)
	if len(d.runs[run.ruleID]) == 0 {
		delete(d.runs, run.ruleID)
	}
	d.mu.Unlock()

	close(run.done)
}

// Stop cancels everything pending for the rule and switches off each
// energised actuator. skip, if set, excludes devices from the stop.
//
// In-flight dispatches are drained first, so a start command still on
// the wire cannot land after the stop.
func (d *Dispatcher) Stop(ctx context.Context, r *Rule, reason string, skip func(ControlAction) bool) []ActionResult {
	for _, done := range d.cancelRule(r.ID) {
		select {
		case <-done:
		case <-ctx.Done():
			d.logger.Warn("in-flight dispatch did not drain before stop", "rule_id", r.ID)
		}
	}

	var results []ActionResult
	for i, c := range r.Actions.Controls {
		if !c.Command.energises() {
			continue
		}
		if skip != nil && skip(c) {
			continue
		}
		err := d.send(ctx, r, c, CommandOff, nil, 0, 0, reason)
		results = append(results, d.result(r, KindControl, i, c.DeviceID, err))
	}
	return results
}

// NotifyCritical sends a critical notification about a safety stop on
// every channel the rule uses, or the configured critical channels when it
// declares none. The owner is always a recipient.
func (d *Dispatcher) NotifyCritical(ctx context.Context, r *Rule, snap *Snapshot, detail string) []ActionResult {
	var channels []Channel
	recipients := []string{r.OwnerID}
	for _, n := range r.Actions.Notifications {
		for _, ch := range n.Channels {
			if !slices.Contains(channels, ch) {
				channels = append(channels, ch)
			}
		}
		for _, rcpt := range n.Recipients {
			if !slices.Contains(recipients, rcpt) {
				recipients = append(recipients, rcpt)
			}
		}
	}
	if len(channels) == 0 {
		channels = d.criticalChannels
	}

	base := Notification{
		ID:         GenerateID(),
		RuleID:     r.ID,
		RuleName:   r.Name,
		FarmID:     r.FarmID,
		BlockID:    blockOf(r, snap),
		Level:      LevelCritical,
		Message:    fmt.Sprintf("Safety stop on rule %q: %s", r.Name, detail),
		Recipients: recipients,
	}

	results := make([]ActionResult, 0, len(channels))
	for i, ch := range channels {
		err := d.deliver(ctx, base, ch)
		results = append(results, d.result(r, KindNotification, i, string(ch), err))
	}
	return results
}

// CancelRule drops every pending ramp step, duration reversal, and
// escalation of the rule and cancels its in-flight dispatches. Callbacks
// already running observe the change and do nothing.
func (d *Dispatcher) CancelRule(ruleID string) {
	d.cancelRule(ruleID)
}

// cancelRule returns the done channels of the runs it cancelled.
func (d *Dispatcher) cancelRule(ruleID string) []<-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.generations[ruleID]++
	for _, t := range d.timers[ruleID] {
		t.Stop()
	}
	delete(d.timers, ruleID)

	for id, esc := range d.escalations {
		if esc.ruleID == ruleID {
			esc.timer.Stop()
			delete(d.escalations, id)
		}
	}

	var dones []<-chan struct{}
	for _, run := range d.runs[ruleID] {
		run.cancel()
		dones = append(dones, run.done)
	}
	return dones
}

// Acknowledge stops the escalation chain of a notification. It reports
// whether an escalation was pending.
func (d *Dispatcher) Acknowledge(notificationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	esc, ok := d.escalations[notificationID]
	if !ok {
		return false
	}
	esc.timer.Stop()
	delete(d.escalations, notificationID)
	return true
}

// PendingEscalations returns the number of unacknowledged escalation chains.
func (d *Dispatcher) PendingEscalations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.escalations)
}

// ─── Action kinds ───────────────────────────────────────────────────────────

func (d *Dispatcher) control(ctx context.Context, r *Rule, gen uint64, i int, c ControlAction) ActionResult {
	var lead time.Duration

	if g := c.Gradual; g != nil && c.Value != nil {
		steps := rampValues(g.From, *c.Value, g.Steps)
		interval := time.Duration(g.IntervalSeconds) * time.Second

		first := steps[0]
		if err := d.sendLive(ctx, r, gen, c, c.Command, &first, 1, len(steps)); err != nil {
			return d.result(r, KindControl, i, c.DeviceID, err)
		}
		for k := 1; k < len(steps); k++ {
			value, step := steps[k], k+1
			d.schedule(r.ID, gen, time.Duration(k)*interval, func() {
				if err := d.send(context.Background(), r, c, c.Command, &value, step, len(steps), "rule"); err != nil {
					d.logger.Warn("ramp step failed",
						"rule_id", r.ID, "device_id", c.DeviceID, "step", step, "error", err)
				}
			})
		}
		lead = time.Duration(len(steps)-1) * interval
	} else {
		if err := d.sendLive(ctx, r, gen, c, c.Command, c.Value, 0, 0); err != nil {
			return d.result(r, KindControl, i, c.DeviceID, err)
		}
	}

	if c.DurationMinutes > 0 && c.Command.energises() {
		d.schedule(r.ID, gen, lead+time.Duration(c.DurationMinutes)*time.Minute, func() {
			if err := d.send(context.Background(), r, c, CommandOff, nil, 0, 0, "duration_elapsed"); err != nil {
				d.logger.Warn("duration stop failed", "rule_id", r.ID, "device_id", c.DeviceID, "error", err)
				return
			}
			d.logger.Info("duration elapsed, actuator stopped", "rule_id", r.ID, "device_id", c.DeviceID)
		})
	}
	return d.result(r, KindControl, i, c.DeviceID, nil)
}

func (d *Dispatcher) notify(ctx context.Context, r *Rule, snap *Snapshot, gen uint64, i int, n NotificationAction) []ActionResult {
	base := Notification{
		ID:         GenerateID(),
		RuleID:     r.ID,
		RuleName:   r.Name,
		FarmID:     r.FarmID,
		BlockID:    blockOf(r, snap),
		Level:      n.Level,
		Message:    RenderMessage(n.Message, r, snap),
		Recipients: n.Recipients,
	}

	results := make([]ActionResult, 0, len(n.Channels))
	for _, ch := range n.Channels {
		err := d.deliver(ctx, base, ch)
		results = append(results, d.result(r, KindNotification, i, string(ch), err))
	}

	if len(n.Escalation) > 0 {
		d.escalate(r, base, n, 0, gen)
	}
	return results
}

// escalate schedules step k of the chain. When it fires unacknowledged it
// notifies at the step's level and schedules the next step.
func (d *Dispatcher) escalate(r *Rule, base Notification, n NotificationAction, k int, gen uint64) {
	step := n.Escalation[k]
	delay := time.Duration(step.DelayMinutes) * time.Minute

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.generations[r.ID] != gen {
		return
	}

	var timer Timer
	timer = d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		esc, ok := d.escalations[base.ID]
		live := ok && esc.timer == timer && d.generations[r.ID] == gen
		if live && k+1 >= len(n.Escalation) {
			delete(d.escalations, base.ID)
		}
		d.mu.Unlock()
		if !live {
			return
		}

		next := base
		next.Level = step.Level
		next.Escalation = k + 1
		next.Message = "[ESCALATED] " + base.Message
		if len(step.Recipients) > 0 {
			next.Recipients = step.Recipients
		}
		channels := step.Channels
		if len(channels) == 0 {
			channels = n.Channels
		}
		for _, ch := range channels {
			if err := d.deliver(context.Background(), next, ch); err != nil {
				d.logger.Warn("escalation delivery failed",
					"rule_id", r.ID, "notification_id", base.ID, "channel", ch, "error", err)
			}
		}
		d.logger.Info("notification escalated",
			"rule_id", r.ID, "notification_id", base.ID, "step", k+1, "level", step.Level)

		if k+1 < len(n.Escalation) {
			d.escalate(r, base, n, k+1, gen)
		}
	})
	d.escalations[base.ID] = &pendingEscalation{ruleID: r.ID, timer: timer}
}

func (d *Dispatcher) task(ctx context.Context, r *Rule, snap *Snapshot, i int, t TaskAction) ActionResult {
	if d.deps.Tasks == nil {
		return d.result(r, KindTask, i, t.Title, errNoCollaborator)
	}

	now := snap.Time
	wt := WorkTask{
		ID:          GenerateID(),
		RuleID:      r.ID,
		FarmID:      r.FarmID,
		BlockID:     blockOf(r, snap),
		Title:       RenderMessage(t.Title, r, snap),
		Description: RenderMessage(t.Description, r, snap),
		AssignTo:    t.AssignTo,
		Priority:    t.Priority,
		CreatedAt:   now,
	}
	if t.DueWithinHours > 0 {
		due := now.Add(time.Duration(t.DueWithinHours) * time.Hour)
		wt.DueBy = &due
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.result(r, KindTask, i, t.Title, d.deps.Tasks.CreateTask(callCtx, wt))
}

func (d *Dispatcher) data(ctx context.Context, r *Rule, snap *Snapshot, i int, dl DataAction) ActionResult {
	if d.deps.Events == nil {
		return d.result(r, KindData, i, dl.EventType, errNoCollaborator)
	}

	tags := map[string]string{"category": string(r.Category)}
	for k, v := range dl.Tags {
		tags[k] = v
	}
	values := make(map[string]float64, len(snap.Sensors))
	for st, reading := range snap.Sensors {
		values[string(st)] = reading.Value
	}

	ev := Event{
		RuleID:    r.ID,
		RuleName:  r.Name,
		FarmID:    r.FarmID,
		BlockID:   blockOf(r, snap),
		Type:      dl.EventType,
		Time:      snap.Time,
		Tags:      tags,
		Values:    values,
		Analytics: dl.Analytics,
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.result(r, KindData, i, dl.EventType, d.deps.Events.RecordEvent(callCtx, ev))
}

// integration makes the call with a bounded timeout and retries once after
// a jittered backoff.
func (d *Dispatcher) integration(ctx context.Context, r *Rule, snap *Snapshot, i int, in IntegrationAction) ActionResult {
	if d.deps.Integrations == nil {
		return d.result(r, KindIntegration, i, in.Name, errNoCollaborator)
	}

	timeout := d.timeout
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}
	req := IntegrationRequest{
		RuleID:  r.ID,
		Name:    in.Name,
		Method:  strings.ToUpper(in.Method),
		URL:     in.URL,
		Headers: in.Headers,
		Body:    RenderMessage(in.Body, r, snap),
	}

	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return d.deps.Integrations.Call(callCtx, req)
	}

	err := attempt()
	if err != nil {
		d.logger.Warn("integration call failed, retrying once",
			"rule_id", r.ID, "integration", in.Name, "error", err)
		if waitErr := sleepCtx(ctx, jitter(d.retryBackoff)); waitErr != nil {
			return d.result(r, KindIntegration, i, in.Name, err)
		}
		err = attempt()
	}
	return d.result(r, KindIntegration, i, in.Name, err)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (d *Dispatcher) send(ctx context.Context, r *Rule, c ControlAction, cmd Command, value *float64, step, steps int, reason string) error {
	if d.deps.Devices == nil {
		return errNoCollaborator
	}
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	return d.deps.Devices.SendCommand(callCtx, DeviceCommand{
		ID:         GenerateID(),
		RuleID:     r.ID,
		FarmID:     r.FarmID,
		DeviceType: c.DeviceType,
		DeviceID:   c.DeviceID,
		Command:    cmd,
		Value:      cloneFloatPtr(value),
		Step:       step,
		Steps:      steps,
		Reason:     reason,
		IssuedAt:   d.clock.Now(),
	})
}

// sendLive sends a rule-initiated command unless the rule has been
// cancelled since gen.
func (d *Dispatcher) sendLive(ctx context.Context, r *Rule, gen uint64, c ControlAction, cmd Command, value *float64, step, steps int) error {
	if !d.live(r.ID, gen) {
		return errRunCancelled
	}
	return d.send(ctx, r, c, cmd, value, step, steps, "rule")
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification, ch Channel) error {
	if d.deps.Notifier == nil {
		return errNoCollaborator
	}
	n.Channel = ch
	n.SentAt = d.clock.Now()

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.deps.Notifier.Notify(callCtx, n)
}

func (d *Dispatcher) result(r *Rule, kind ActionKind, i int, target string, err error) ActionResult {
	res := ActionResult{Kind: kind, Index: i, Target: target, Success: err == nil}
	if err != nil {
		res.ErrorCode = errorCode(kind, err)
		res.ErrorMsg = fmt.Errorf("%w: %w", ErrActionDispatch, err).Error()
		d.metrics.observeActionFailure(kind, res.ErrorCode)
		d.logger.Warn("action failed",
			"rule_id", r.ID,
			"action", kind,
			"index", i,
			"target", target,
			"error_code", res.ErrorCode,
			"error", err,
		)
	}
	return res
}

func (d *Dispatcher) live(ruleID string, gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generations[ruleID] == gen
}

// schedule runs fn after delay unless the rule is cancelled first.
func (d *Dispatcher) schedule(ruleID string, gen uint64, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.generations[ruleID] != gen {
		return
	}

	d.nextTimerID++
	id := d.nextTimerID
	timer := d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		live := d.generations[ruleID] == gen
		delete(d.timers[ruleID], id)
		d.mu.Unlock()
		if live {
			fn()
		}
	})
	if d.timers[ruleID] == nil {
		d.timers[ruleID] = make(map[uint64]Timer)
	}
	d.timers[ruleID][id] = timer
}

// rampValues splits the move from→to into n evenly spaced steps ending at to.
func rampValues(from, to float64, n int) []float64 {
	if n < 1 {
		n = 1
	}
	out := make([]float64, n)
	for i := 1; i <= n; i++ {
		out[i-1] = from + (to-from)*float64(i)/float64(n)
	}
	return out
}

// RenderMessage substitutes {rule}, {farm}, {block}, {time}, {<sensor_type>}
// and {weather.<field>} placeholders with snapshot values.
func RenderMessage(tmpl string, r *Rule, snap *Snapshot) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	pairs := []string{
		"{rule}", r.Name,
		"{farm}", r.FarmID,
		"{block}", blockOf(r, snap),
		"{time}", snap.Time.Format("2006-01-02 15:04"),
	}
	for st, reading := range snap.Sensors {
		v := strconv.FormatFloat(reading.Value, 'f', -1, 64)
		if reading.Unit != "" {
			v += " " + reading.Unit
		}
		pairs = append(pairs, "{"+string(st)+"}", v)
	}
	for f, v := range snap.Weather {
		pairs = append(pairs, "{weather."+string(f)+"}", strconv.FormatFloat(v, 'f', -1, 64))
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func blockOf(r *Rule, snap *Snapshot) string {
	if r.BlockID != nil {
		return *r.BlockID
	}
	return snap.BlockID
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	spread := float64(base) * retryJitterFraction
	return base + time.Duration(rand.Float64()*spread)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
