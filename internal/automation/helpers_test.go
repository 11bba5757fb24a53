package automation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ─── Fixtures ───────────────────────────────────────────────────────────────

// baseTime is a Tuesday morning in UTC.
var baseTime = time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }
func strPtr(s string) *string     { return &s }

// testRule returns a valid, active irrigation rule: open valve-1 for 30
// minutes when soil moisture is below 30.
func testRule(id string) *Rule {
	return &Rule{
		ID:       id,
		FarmID:   "farm-1",
		OwnerID:  "owner-1",
		Name:     "Irrigate " + id,
		Category: CategoryIrrigation,
		Priority: 50,
		Enabled:  true,
		Conditions: Conditions{
			Sensors: map[SensorType]SensorCondition{
				SensorSoilMoisture: {Operator: OpLessThan, Value: floatPtr(30), Unit: "%"},
			},
			Logic: LogicAnd,
		},
		Actions: Actions{
			Controls: []ControlAction{{
				DeviceType:      DeviceIrrigationValve,
				DeviceID:        "valve-1",
				Command:         CommandOn,
				DurationMinutes: 30,
			}},
		},
		Management: Management{Version: initialVersion, Status: StatusActive},
	}
}

// notifyRule returns an active rule whose only action is an app
// notification, so repeated executions are never held back by an
// active actuator.
func notifyRule(id string) *Rule {
	r := testRule(id)
	r.Actions = Actions{
		Notifications: []NotificationAction{{
			Level:    LevelWarning,
			Message:  "{rule}: soil moisture {soil_moisture}",
			Channels: []Channel{ChannelApp},
		}},
	}
	return r
}

func snapshotAt(at time.Time, readings map[SensorType]float64) *Snapshot {
	s := &Snapshot{FarmID: "farm-1", Time: at, Sensors: make(map[SensorType]Reading, len(readings))}
	for st, v := range readings {
		s.Sensors[st] = Reading{Value: v, Timestamp: at}
	}
	return s
}

// ─── Mock Repository ────────────────────────────────────────────────────────

type mockRepository struct {
	mu         sync.Mutex
	rules      map[string]*Rule
	executions []Execution
	createErr  error
	updateErr  error
	execErr    error
}

func newMockRepository() *mockRepository {
	return &mockRepository{rules: make(map[string]*Rule)}
}

func (m *mockRepository) GetByID(_ context.Context, id string) (*Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	return r.DeepCopy(), nil
}

func (m *mockRepository) List(_ context.Context) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, *r.DeepCopy())
	}
	return out, nil
}

func (m *mockRepository) Create(_ context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.rules[r.ID]; ok {
		return ErrRuleExists
	}
	m.rules[r.ID] = r.DeepCopy()
	return nil
}

func (m *mockRepository) Update(_ context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	existing, ok := m.rules[r.ID]
	if !ok {
		return ErrRuleNotFound
	}
	cpy := r.DeepCopy()
	cpy.Performance = existing.Performance
	m.rules[r.ID] = cpy
	return nil
}

func (m *mockRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *mockRepository) UpdatePerformance(_ context.Context, id string, perf Performance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	r.Performance = perf
	return nil
}

func (m *mockRepository) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.execErr != nil {
		return m.execErr
	}
	m.executions = append(m.executions, *exec)
	return nil
}

func (m *mockRepository) ListExecutions(_ context.Context, ruleID string, limit int) ([]Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Execution
	for i := len(m.executions) - 1; i >= 0 && len(out) < limit; i-- {
		if m.executions[i].RuleID == ruleID {
			out = append(out, m.executions[i])
		}
	}
	return out, nil
}

func (m *mockRepository) executionsFor(ruleID string) []Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Execution
	for _, e := range m.executions {
		if e.RuleID == ruleID {
			out = append(out, e)
		}
	}
	return out
}

// ─── Audit Recorder ─────────────────────────────────────────────────────────

type auditEntry struct {
	action, ruleID, actor string
	details               map[string]any
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (a *recordingAudit) Record(_ context.Context, action, ruleID, actor string, details map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{action: action, ruleID: ruleID, actor: actor, details: details})
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.action
	}
	return out
}

// ─── Fake Clock ─────────────────────────────────────────────────────────────

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), seq: len(c.timers), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward and runs every timer that falls due,
// including timers scheduled by callbacks, in time order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if !due[i].at.Equal(due[j].at) {
				return due[i].at.Before(due[j].at)
			}
			return due[i].seq < due[j].seq
		})
		next := due[0]
		next.fired = true
		c.now = next.at
		c.mu.Unlock()

		next.f()
	}
}

// pending returns the number of timers that have neither fired nor been stopped.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ─── Recording Collaborators ────────────────────────────────────────────────

var errUnreachable = errors.New("endpoint unreachable")

type recordingDevices struct {
	mu       sync.Mutex
	commands []DeviceCommand
	err      error
}

func (d *recordingDevices) SendCommand(_ context.Context, cmd DeviceCommand) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.commands = append(d.commands, cmd)
	return nil
}

func (d *recordingDevices) sent() []DeviceCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeviceCommand(nil), d.commands...)
}

func (d *recordingDevices) count(cmd Command) int {
	n := 0
	for _, c := range d.sent() {
		if c.Command == cmd {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu          sync.Mutex
	sent        []Notification
	failChannel Channel
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failChannel != "" && note.Channel == n.failChannel {
		return ErrChannelUnsupported
	}
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

func (n *recordingNotifier) atLevel(level AlertLevel) []Notification {
	var out []Notification
	for _, note := range n.all() {
		if note.Level == level {
			out = append(out, note)
		}
	}
	return out
}

type recordingTasks struct {
	mu    sync.Mutex
	tasks []WorkTask
}

func (r *recordingTasks) CreateTask(_ context.Context, t WorkTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
	return nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEvents) RecordEvent(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type failingIntegrations struct {
	mu    sync.Mutex
	calls int
	errs  []error // returned in order; nil once exhausted
}

func (f *failingIntegrations) Call(_ context.Context, _ IntegrationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}
