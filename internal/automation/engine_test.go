package automation

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

type engineFixture struct {
	engine  *Engine
	catalog *Catalog
	repo    *mockRepository
	runtime RuntimeStore
	clock   *fakeClock
	devices *recordingDevices
	notes   *recordingNotifier
	d       *Dispatcher
}

func newEngineFixture(t *testing.T, rules ...*Rule) *engineFixture {
	t.Helper()
	f := &engineFixture{
		repo:    newMockRepository(),
		runtime: NewMemoryRuntimeStore(),
		clock:   newFakeClock(baseTime),
		devices: &recordingDevices{},
		notes:   &recordingNotifier{},
	}
	f.catalog = NewCatalog(f.repo)
	seedActive(t, f.catalog, f.repo, rules...)

	f.d = NewDispatcher(DispatcherDeps{Devices: f.devices, Notifier: f.notes}, time.Second)
	f.d.SetClock(f.clock)
	f.d.SetRetryBackoff(0)

	f.engine = NewEngine(EngineDeps{
		Catalog:    f.catalog,
		Dispatcher: f.d,
		Tracker:    NewPerformanceTracker(f.catalog, nil),
		Runtime:    f.runtime,
		Executions: f.repo,
	}, EngineConfig{})
	f.engine.SetClock(f.clock)
	return f
}

// run executes one cycle at baseTime+offset and waits for dispatches.
func (f *engineFixture) run(t *testing.T, offset time.Duration, readings map[SensorType]float64) *CycleReport {
	t.Helper()
	report, err := f.engine.RunCycle(context.Background(), *snapshotAt(baseTime.Add(offset), readings))
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	f.engine.Wait()
	return report
}

func verdictOf(t *testing.T, report *CycleReport, ruleID string) Decision {
	t.Helper()
	o, ok := report.Outcome(ruleID)
	if !ok {
		t.Fatalf("no outcome for %s", ruleID)
	}
	return o.Decision
}

// ─── Cycle basics ───────────────────────────────────────────────────────────

func TestRunCycle_InvalidSnapshot(t *testing.T) {
	f := newEngineFixture(t, testRule("rule-1"))

	_, err := f.engine.RunCycle(context.Background(), Snapshot{Time: baseTime})
	if !errors.Is(err, ErrInvalidSnapshot) {
		t.Errorf("RunCycle() error = %v, want ErrInvalidSnapshot", err)
	}
}

func TestRunCycle_AdmitsAndRecords(t *testing.T) {
	f := newEngineFixture(t, testRule("rule-1"))

	report := f.run(t, 0, map[SensorType]float64{SensorSoilMoisture: 20})

	if !slices.Equal(report.Admitted(), []string{"rule-1"}) {
		t.Fatalf("Admitted = %v, want [rule-1]", report.Admitted())
	}
	if f.devices.count(CommandOn) != 1 {
		t.Errorf("on commands = %d, want 1", f.devices.count(CommandOn))
	}

	execs := f.repo.executionsFor("rule-1")
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	if execs[0].Verdict != VerdictAllow || !execs[0].Success || execs[0].DurationMS == nil {
		t.Errorf("execution = %+v", execs[0])
	}
	if len(execs[0].Trace) == 0 {
		t.Error("execution has no evaluation trace")
	}

	r, _ := f.catalog.Get(context.Background(), "rule-1")
	if r.Performance.ExecutionCount != 1 || r.Performance.SuccessCount != 1 {
		t.Errorf("performance = %+v", r.Performance)
	}
}

func TestRunCycle_UnmatchedNotRecorded(t *testing.T) {
	f := newEngineFixture(t, testRule("rule-1"))

	report := f.run(t, 0, map[SensorType]float64{SensorSoilMoisture: 45})

	if d := verdictOf(t, report, "rule-1"); d.Reason != ReasonNotMatched {
		t.Errorf("Reason = %s, want not_matched", d.Reason)
	}
	if n := len(f.repo.executionsFor("rule-1")); n != 0 {
		t.Errorf("executions = %d, want 0 for an unmatched rule", n)
	}
}

func TestRunCycle_Idempotent(t *testing.T) {
	f := newEngineFixture(t, testRule("rule-1"))
	readings := map[SensorType]float64{SensorSoilMoisture: 20}

	f.run(t, 0, readings)
	second := f.run(t, 0, readings)

	if d := verdictOf(t, second, "rule-1"); d.Reason != ReasonActuatorActive {
		t.Errorf("second cycle Reason = %s, want actuator_active", d.Reason)
	}
	if f.devices.count(CommandOn) != 1 {
		t.Errorf("on commands = %d, want exactly 1", f.devices.count(CommandOn))
	}

	execs := f.repo.executionsFor("rule-1")
	if len(execs) != 2 || execs[1].Verdict != VerdictDeny || execs[1].Reason != ReasonActuatorActive {
		t.Errorf("executions = %+v, want allow then deny", execs)
	}
}

func TestRunCycle_DispatchFailureTracked(t *testing.T) {
	f := newEngineFixture(t, testRule("rule-1"))
	f.devices.err = ErrMQTTUnavailable

	f.run(t, 0, map[SensorType]float64{SensorSoilMoisture: 20})

	execs := f.repo.executionsFor("rule-1")
	if len(execs) != 1 || execs[0].Success {
		t.Fatalf("executions = %+v, want one failed execution", execs)
	}
	r, _ := f.catalog.Get(context.Background(), "rule-1")
	if r.Performance.FailureCount != 1 || !slices.Equal(r.Performance.RecentErrors, []string{"mqtt_unavailable"}) {
		t.Errorf("performance = %+v", r.Performance)
	}
}

func TestRunCycle_HeldCommandNotRepeated(t *testing.T) {
	r := testRule("rule-1")
	r.Actions.Controls = []ControlAction{{DeviceType: DeviceFan, DeviceID: "fan-1", Command: CommandOff}}
	f := newEngineFixture(t, r)
	readings := map[SensorType]float64{SensorSoilMoisture: 20}

	f.run(t, 0, readings)
	for range 2 {
		report := f.run(t, 0, readings)
		if d := verdictOf(t, report, "rule-1"); d.Reason != ReasonCommandHeld {
			t.Errorf("repeat cycle Reason = %s, want command_held", d.Reason)
		}
	}
	if n := f.devices.count(CommandOff); n != 1 {
		t.Fatalf("off commands after 3 identical cycles = %d, want 1", n)
	}

	// Clearing the conditions releases the hold; the next match sends again.
	f.run(t, time.Minute, map[SensorType]float64{SensorSoilMoisture: 50})
	f.run(t, 2*time.Minute, readings)
	if n := f.devices.count(CommandOff); n != 2 {
		t.Errorf("off commands after rematch = %d, want 2", n)
	}
}

func TestRunCycle_FailedCommandSentAgain(t *testing.T) {
	r := testRule("rule-1")
	r.Actions.Controls = []ControlAction{{DeviceType: DeviceFan, DeviceID: "fan-1", Command: CommandOff}}
	f := newEngineFixture(t, r)
	readings := map[SensorType]float64{SensorSoilMoisture: 20}

	f.devices.err = ErrMQTTUnavailable
	f.run(t, 0, readings)
	f.devices.err = nil

	report := f.run(t, time.Minute, readings)
	if d := verdictOf(t, report, "rule-1"); d.Verdict != VerdictAllow {
		t.Errorf("decision after failed dispatch = %+v, want allow", d)
	}
	if n := f.devices.count(CommandOff); n != 1 {
		t.Errorf("delivered off commands = %d, want 1", n)
	}
}

// ─── Safety ─────────────────────────────────────────────────────────────────

func TestRunCycle_EmergencyStop(t *testing.T) {
	r := testRule("rule-1")
	r.Actions.Controls[0].DurationMinutes = 0
	r.Settings.Safety.EmergencyStop = []EmergencyStop{{
		SensorType: SensorAirTemperature, Operator: OpGreaterThan, Value: floatPtr(40),
	}}
	f := newEngineFixture(t, r)

	f.run(t, 0, map[SensorType]float64{SensorSoilMoisture: 20, SensorAirTemperature: 25})
	if f.devices.count(CommandOn) != 1 {
		t.Fatal("rule did not start")
	}

	report := f.run(t, 5*time.Minute, map[SensorType]float64{SensorSoilMoisture: 20, SensorAirTemperature: 42})
	d := verdictOf(t, report, "rule-1")
	if d.Verdict != VerdictStop || d.Reason != ReasonEmergencyStop || !d.Critical {
		t.Fatalf("decision = %+v, want critical emergency stop", d)
	}
	if f.devices.count(CommandOff) != 1 {
		t.Errorf("off commands = %d, want 1", f.devices.count(CommandOff))
	}
	if n := len(f.notes.atLevel(LevelCritical)); n != 1 {
		t.Errorf("critical notifications = %d, want 1 in the same cycle", n)
	}
	o, _ := report.Outcome("rule-1")
	if len(o.Actions) != 2 {
		t.Errorf("stop actions = %d, want off command and notification", len(o.Actions))
	}

	// A sustained breach does not repeat the stop or the alert.
	f.run(t, 10*time.Minute, map[SensorType]float64{SensorSoilMoisture: 20, SensorAirTemperature: 43})
	if f.devices.count(CommandOff) != 1 || len(f.notes.atLevel(LevelCritical)) != 1 {
		t.Error("latched emergency repeated its commands")
	}

	// Recovery clears the latch, and the rule can run again.
	report = f.run(t, 15*time.Minute, map[SensorType]float64{SensorSoilMoisture: 20, SensorAirTemperature: 30})
	if !slices.Equal(report.Admitted(), []string{"rule-1"}) {
		t.Errorf("Admitted after recovery = %v", report.Admitted())
	}
	f.run(t, 20*time.Minute, map[SensorType]float64{SensorSoilMoisture: 20, SensorAirTemperature: 41})
	if len(f.notes.atLevel(LevelCritical)) != 2 {
		t.Error("a new breach after recovery did not alert")
	}
}

func TestRunCycle_EmergencyOverridesUnmatched(t *testing.T) {
	r := testRule("rule-1")
	r.Settings.Safety.EmergencyStop = []EmergencyStop{{
		SensorType: SensorSoilTemperature, Operator: OpGreaterThan, Value: floatPtr(35),
	}}
	f := newEngineFixture(t, r)

	report := f.run(t, 0, map[SensorType]float64{SensorSoilMoisture: 50, SensorSoilTemperature: 38})

	if d := verdictOf(t, report, "rule-1"); d.Reason != ReasonEmergencyStop {
		t.Errorf("Reason = %s, want emergency_stop", d.Reason)
	}
	if len(f.notes.atLevel(LevelCritical)) != 1 {
		t.Error("breach on an idle rule raised no critical notification")
	}
}

// gateDevices blocks the first start command to one device until its
// context ends, and tracks the state each device was left in.
type gateDevices struct {
	mu      sync.Mutex
	blockOn string
	entered chan struct{}
	blocked bool
	sent    []DeviceCommand
	state   map[string]Command
}

func (g *gateDevices) SendCommand(ctx context.Context, cmd DeviceCommand) error {
	g.mu.Lock()
	g.sent = append(g.sent, cmd)
	block := !g.blocked && cmd.DeviceID == g.blockOn && cmd.Command == CommandOn
	if block {
		g.blocked = true
	}
	g.mu.Unlock()

	if block {
		close(g.entered)
		<-ctx.Done()
		return ctx.Err()
	}

	g.mu.Lock()
	g.state[cmd.DeviceID] = cmd.Command
	g.mu.Unlock()
	return nil
}

func TestRunCycle_EmergencyStopCancelsInFlightDispatch(t *testing.T) {
	r := testRule("rule-1")
	r.Actions.Controls = []ControlAction{
		{DeviceType: DeviceHeater, DeviceID: "h1", Command: CommandOn},
		{DeviceType: DeviceHeater, DeviceID: "h2", Command: CommandOn},
	}
	r.Settings.Safety.EmergencyStop = []EmergencyStop{{
		SensorType: SensorAirTemperature, Operator: OpGreaterThan, Value: floatPtr(40),
	}}
	f := newEngineFixture(t, r)
	devices := &gateDevices{blockOn: "h1", entered: make(chan struct{}), state: make(map[string]Command)}
	f.d.deps.Devices = devices

	start := snapshotAt(baseTime, map[SensorType]float64{SensorSoilMoisture: 20, SensorAirTemperature: 25})
	if _, err := f.engine.RunCycle(context.Background(), *start); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	select {
	case <-devices.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch never reached the device")
	}

	report := f.run(t, time.Minute, map[SensorType]float64{SensorSoilMoisture: 20, SensorAirTemperature: 45})
	if d := verdictOf(t, report, "rule-1"); d.Reason != ReasonEmergencyStop {
		t.Fatalf("decision = %+v, want emergency stop", d)
	}

	devices.mu.Lock()
	defer devices.mu.Unlock()
	for _, id := range []string{"h1", "h2"} {
		if got := devices.state[id]; got != CommandOff {
			t.Errorf("%s left %q, want off", id, got)
		}
	}
	last := make(map[string]Command)
	for _, cmd := range devices.sent {
		last[cmd.DeviceID] = cmd.Command
	}
	if last["h1"] != CommandOff || last["h2"] != CommandOff {
		t.Errorf("last commands = %v, want off after the stop", last)
	}
}

func TestRunCycle_OverrideAdmitsOneStart(t *testing.T) {
	r := notifyRule("rule-1")
	r.Settings.RequireManualOverride = true
	f := newEngineFixture(t, r)

	var verdicts []Reason
	for _, offset := range []time.Duration{0, time.Minute} {
		snap := snapshotAt(baseTime.Add(offset), map[SensorType]float64{SensorSoilMoisture: 20})
		snap.Overrides = map[string]Override{r.ID: {ActorID: "user-7", IssuedAt: baseTime}}
		report, err := f.engine.RunCycle(context.Background(), *snap)
		if err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
		f.engine.Wait()
		verdicts = append(verdicts, verdictOf(t, report, r.ID).Reason)
	}

	if verdicts[0] != ReasonNone || verdicts[1] != ReasonOverrideExpired {
		t.Errorf("reasons = %v, want admitted then override_expired", verdicts)
	}
}

func TestRunCycle_Hysteresis(t *testing.T) {
	r := testRule("rule-1")
	r.Actions.Controls[0].DurationMinutes = 0
	r.Actions.Controls[0].SensorType = SensorSoilMoisture
	r.Conditions.Sensors[SensorSoilMoisture] = SensorCondition{Operator: OpLessThan, Value: floatPtr(25)}
	r.Settings.Hysteresis = map[SensorType]HysteresisBand{
		SensorSoilMoisture: {OnThreshold: 18, OffThreshold: 25},
	}
	f := newEngineFixture(t, r)

	steps := []struct {
		offset   time.Duration
		moisture float64
		want     Reason
		verdict  Verdict
	}{
		{0, 22, ReasonHysteresisHold, VerdictDeny},
		{5 * time.Minute, 15, ReasonNone, VerdictAllow},
		{10 * time.Minute, 22, ReasonHysteresisHold, VerdictDeny},
		{15 * time.Minute, 26, ReasonHysteresisOff, VerdictStop},
		{20 * time.Minute, 22, ReasonHysteresisHold, VerdictDeny},
	}
	for _, s := range steps {
		report := f.run(t, s.offset, map[SensorType]float64{SensorSoilMoisture: s.moisture})
		d := verdictOf(t, report, "rule-1")
		if d.Verdict != s.verdict || d.Reason != s.want {
			t.Errorf("moisture %.0f: decision = %+v, want %s/%s", s.moisture, d, s.verdict, s.want)
		}
	}

	if f.devices.count(CommandOn) != 1 || f.devices.count(CommandOff) != 1 {
		t.Errorf("on/off = %d/%d, want 1/1", f.devices.count(CommandOn), f.devices.count(CommandOff))
	}
	if len(f.notes.all()) != 0 {
		t.Error("hysteresis stop raised a notification")
	}
}

// ─── Arbitration ────────────────────────────────────────────────────────────

func TestRunCycle_ActuatorClaims(t *testing.T) {
	high := testRule("rule-high")
	high.Priority = 80
	low := testRule("rule-low")
	low.Priority = 40

	f := newEngineFixture(t, low, high)
	report := f.run(t, 0, map[SensorType]float64{SensorSoilMoisture: 20})

	if !slices.Equal(report.Admitted(), []string{"rule-high"}) {
		t.Errorf("Admitted = %v, want [rule-high]", report.Admitted())
	}
	if d := verdictOf(t, report, "rule-low"); d.Reason != ReasonActuatorClaimed {
		t.Errorf("rule-low Reason = %s, want actuator_claimed", d.Reason)
	}
	if f.devices.count(CommandOn) != 1 {
		t.Errorf("on commands = %d, want 1", f.devices.count(CommandOn))
	}
}

func TestRunCycle_Conflicts(t *testing.T) {
	tests := []struct {
		name       string
		aConflicts []string
		bConflicts []string
	}{
		{"declared by the higher priority rule", []string{"rule-b"}, nil},
		{"declared by the lower priority rule", nil, []string{"rule-a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := notifyRule("rule-a")
			a.Priority = 80
			a.Conditions.ConflictsWith = tt.aConflicts
			b := notifyRule("rule-b")
			b.Priority = 60
			b.Conditions.ConflictsWith = tt.bConflicts

			f := newEngineFixture(t, a, b)
			report := f.run(t, 0, map[SensorType]float64{SensorSoilMoisture: 20})

			if !slices.Equal(report.Admitted(), []string{"rule-a"}) {
				t.Errorf("Admitted = %v, want [rule-a]", report.Admitted())
			}
			if d := verdictOf(t, report, "rule-b"); d.Reason != ReasonConflictingRule || !errors.Is(d.Err(), ErrConflictingRule) {
				t.Errorf("rule-b decision = %+v, want conflicting_rule", d)
			}
		})
	}
}

func TestRunCycle_DependsOn(t *testing.T) {
	base := notifyRule("rule-base")
	base.Priority = 10
	dependent := notifyRule("rule-dependent")
	dependent.Priority = 90
	dependent.Conditions.Sensors = map[SensorType]SensorCondition{
		SensorAirTemperature: {Operator: OpGreaterThan, Value: floatPtr(28)},
	}
	dependent.Conditions.DependsOn = []string{"rule-base"}

	f := newEngineFixture(t, base, dependent)

	report := f.run(t, 0, map[SensorType]float64{SensorSoilMoisture: 40, SensorAirTemperature: 32})
	if o, _ := report.Outcome("rule-dependent"); o.Matched {
		t.Error("dependent matched while its base rule did not")
	}

	report = f.run(t, time.Hour, map[SensorType]float64{SensorSoilMoisture: 20, SensorAirTemperature: 32})
	if !slices.Equal(report.Admitted(), []string{"rule-dependent", "rule-base"}) {
		t.Errorf("Admitted = %v, want both in priority order", report.Admitted())
	}
}

func TestRunCycle_DependencyCycle(t *testing.T) {
	a := notifyRule("rule-a")
	a.Conditions.DependsOn = []string{"rule-b"}
	b := notifyRule("rule-b")
	b.Conditions.DependsOn = []string{"rule-a"}

	f := newEngineFixture(t, a, b)
	report := f.run(t, 0, map[SensorType]float64{SensorSoilMoisture: 20})

	if len(report.Admitted()) != 0 {
		t.Errorf("Admitted = %v, want none for a reference cycle", report.Admitted())
	}
}

func TestRunCycle_Deterministic(t *testing.T) {
	build := func() []*Rule {
		var rules []*Rule
		for _, id := range []string{"rule-e", "rule-c", "rule-a", "rule-d", "rule-b"} {
			r := testRule(id)
			r.Priority = 50
			rules = append(rules, r)
		}
		rules[0].Priority = 70
		rules[3].Actions.Controls[0].DeviceID = "valve-2"
		return rules
	}

	var first []string
	for i := 0; i < 10; i++ {
		f := newEngineFixture(t, build()...)
		report := f.run(t, 0, map[SensorType]float64{SensorSoilMoisture: 20})

		var order []string
		for _, o := range report.Outcomes {
			order = append(order, o.RuleID+":"+string(o.Decision.Verdict))
		}
		if i == 0 {
			first = order
			continue
		}
		if !slices.Equal(order, first) {
			t.Fatalf("run %d outcomes = %v, want %v", i, order, first)
		}
	}

	want := []string{"rule-e:allow", "rule-a:deny", "rule-b:deny", "rule-c:deny", "rule-d:allow"}
	if !slices.Equal(first, want) {
		t.Errorf("outcomes = %v, want %v", first, want)
	}
}

// ─── Concurrency and lifecycle ──────────────────────────────────────────────

func TestRunCycle_ConcurrentBlocksShareFarmRule(t *testing.T) {
	f := newEngineFixture(t, testRule("rule-1"))

	var wg sync.WaitGroup
	for _, block := range []string{"block-1", "block-2", "block-3", "block-4"} {
		wg.Add(1)
		go func(block string) {
			defer wg.Done()
			snap := snapshotAt(baseTime, map[SensorType]float64{SensorSoilMoisture: 20})
			snap.BlockID = block
			if _, err := f.engine.RunCycle(context.Background(), *snap); err != nil {
				t.Errorf("RunCycle(%s): %v", block, err)
			}
		}(block)
	}
	wg.Wait()
	f.engine.Wait()

	if f.devices.count(CommandOn) != 1 {
		t.Errorf("on commands = %d, want 1 across concurrent cycles", f.devices.count(CommandOn))
	}
}

type failingRuntime struct {
	*MemoryRuntimeStore
	failID string
}

func (f *failingRuntime) Load(ctx context.Context, ruleID string) (*RuntimeState, error) {
	if ruleID == f.failID {
		return nil, errors.New("state unavailable")
	}
	return f.MemoryRuntimeStore.Load(ctx, ruleID)
}

func TestRunCycle_StateLoadFailureSkipsRule(t *testing.T) {
	broken := notifyRule("rule-broken")
	f := newEngineFixture(t, broken, notifyRule("rule-ok"))
	f.engine.runtime = &failingRuntime{MemoryRuntimeStore: NewMemoryRuntimeStore(), failID: "rule-broken"}

	report := f.run(t, 0, map[SensorType]float64{SensorSoilMoisture: 20})

	o, ok := report.Outcome("rule-broken")
	if !ok || o.Error == "" {
		t.Errorf("rule-broken outcome = %+v, want an error", o)
	}
	if !slices.Equal(report.Admitted(), []string{"rule-ok"}) {
		t.Errorf("Admitted = %v, want [rule-ok]", report.Admitted())
	}
}

func TestEngine_RemoveRule(t *testing.T) {
	f := newEngineFixture(t, testRule("rule-1"))
	ctx := context.Background()

	f.run(t, 0, map[SensorType]float64{SensorSoilMoisture: 20})
	if f.clock.pending() == 0 {
		t.Fatal("no duration reversal scheduled")
	}

	if err := f.engine.RemoveRule(ctx, "rule-1", "owner-1"); err != nil {
		t.Fatalf("RemoveRule: %v", err)
	}
	if f.clock.pending() != 0 {
		t.Errorf("pending timers = %d after removal", f.clock.pending())
	}
	st, _ := f.runtime.Load(ctx, "rule-1")
	if st.LastExecutedAt != nil {
		t.Error("runtime state survived removal")
	}
	if err := f.engine.RemoveRule(ctx, "rule-1", "owner-1"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("second RemoveRule = %v, want ErrRuleNotFound", err)
	}
}

func TestEngine_Acknowledge(t *testing.T) {
	r := notifyRule("rule-1")
	r.Actions.Notifications[0].Escalation = []Escalation{{DelayMinutes: 10, Level: LevelCritical}}
	f := newEngineFixture(t, r)

	f.run(t, 0, map[SensorType]float64{SensorSoilMoisture: 20})
	notes := f.notes.all()
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	if !f.engine.Acknowledge(notes[0].ID) {
		t.Fatal("Acknowledge found no pending escalation")
	}
	f.clock.Advance(time.Hour)
	if len(f.notes.all()) != 1 {
		t.Error("escalation fired after acknowledgement")
	}
}
