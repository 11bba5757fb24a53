package automation

import (
	"fmt"
	"slices"
	"time"
)

// Verdict is the governor's answer for one rule in one cycle.
type Verdict string

const (
	VerdictAllow Verdict = "allow" // dispatch the rule's actions
	VerdictDeny  Verdict = "deny"  // do nothing this cycle
	VerdictStop  Verdict = "stop"  // force the rule's actuators off
)

// Reason is a stable code explaining a decision.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonNotMatched        Reason = "not_matched"
	ReasonManualOverride    Reason = "manual_override_required"
	ReasonOverrideExpired   Reason = "override_expired"
	ReasonEmergencyStop     Reason = "emergency_stop"
	ReasonMaxRuntime        Reason = "max_runtime_exceeded"
	ReasonHysteresisOff     Reason = "hysteresis_off"
	ReasonHysteresisHold    Reason = "hysteresis_hold"
	ReasonConditionsCleared Reason = "conditions_cleared"
	ReasonActuatorActive    Reason = "actuator_active"
	ReasonCommandHeld       Reason = "command_held"
	ReasonCooldown          Reason = "cooldown_active"
	ReasonRateLimit         Reason = "rate_limit_exceeded"
	ReasonConflictingRule   Reason = "conflicting_rule"
	ReasonActuatorClaimed   Reason = "actuator_claimed"
)

var reasonErrors = map[Reason]error{
	ReasonNotMatched:      ErrNotMatched,
	ReasonManualOverride:  ErrManualOverrideRequired,
	ReasonOverrideExpired: ErrOverrideExpired,
	ReasonEmergencyStop:   ErrSafetyViolation,
	ReasonMaxRuntime:      ErrSafetyViolation,
	ReasonHysteresisHold:  ErrHysteresisHold,
	ReasonActuatorActive:  ErrActuatorActive,
	ReasonCommandHeld:     ErrCommandHeld,
	ReasonCooldown:        ErrCooldownActive,
	ReasonRateLimit:       ErrRateLimitExceeded,
	ReasonConflictingRule: ErrConflictingRule,
	ReasonActuatorClaimed: ErrActuatorClaimed,
}

// Decision is the outcome of CanExecute.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  Reason  `json:"reason,omitempty"`
	Detail  string  `json:"detail,omitempty"`

	// Critical marks a safety stop that must raise a critical notification.
	Critical bool `json:"critical,omitempty"`
}

// Err returns the sentinel error for the decision's reason, or nil.
func (d Decision) Err() error {
	return reasonErrors[d.Reason]
}

func allow() Decision { return Decision{Verdict: VerdictAllow} }

func deny(reason Reason, format string, args ...any) Decision {
	return Decision{Verdict: VerdictDeny, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func stop(reason Reason, critical bool, format string, args ...any) Decision {
	return Decision{Verdict: VerdictStop, Reason: reason, Critical: critical, Detail: fmt.Sprintf(format, args...)}
}

// defaultOverrideTTL is how long a manual override token stays valid.
const defaultOverrideTTL = 15 * time.Minute

// Governor decides whether a matched rule may execute. It is pure: it reads
// the rule, snapshot, and runtime state and never mutates them.
type Governor struct {
	maxReadingAge time.Duration
	overrideTTL   time.Duration
}

// NewGovernor creates a governor. maxReadingAge has the same meaning as
// for the Evaluator.
func NewGovernor(maxReadingAge time.Duration) *Governor {
	return &Governor{maxReadingAge: maxReadingAge, overrideTTL: defaultOverrideTTL}
}

// SetOverrideTTL sets how long after issue an override token may admit a
// start. Zero keeps the default.
func (g *Governor) SetOverrideTTL(ttl time.Duration) {
	if ttl > 0 {
		g.overrideTTL = ttl
	}
}

// CanExecute applies the safety and pacing checks.
//
// Stop checks run first and regardless of the match result, because they
// protect actuators that are already running:
//
//  1. emergency-stop breach (critical)
//  2. max runtime exceeded while active (critical)
//  3. hysteresis off-threshold crossed while active
//  4. conditions cleared while active, for rules with no band and no duration
//
// Start checks run only for a matched rule whose actuators are idle:
// commands already held, manual override, hysteresis on-threshold,
// cooldown, then rate limits. An override token must be younger than the
// override TTL at snapshot time and is good for one start.
func (g *Governor) CanExecute(r *Rule, matched bool, snap *Snapshot, state *RuntimeState) Decision {
	now := snap.Time
	active := r.energises() && state.ActuatorActive(now)

	if breach, ok := g.emergencyBreach(r, snap); ok {
		return stop(ReasonEmergencyStop, true, "emergency stop: %s", breach)
	}

	if active {
		if mins := r.Settings.Safety.MaxRuntimeMinutes; mins > 0 {
			limit := time.Duration(mins) * time.Minute
			if ran := now.Sub(*state.ActiveSince); ran >= limit {
				return stop(ReasonMaxRuntime, true, "active for %s, limit %s", ran.Truncate(time.Second), limit)
			}
		}
		if len(r.Settings.Hysteresis) > 0 {
			if st, v, ok := g.crossedOff(r, snap); ok {
				return stop(ReasonHysteresisOff, false, "%s at %.2f crossed off threshold", st, v)
			}
			return deny(ReasonHysteresisHold, "actuator on, inside band")
		}
		if !matched && state.ActiveUntil == nil {
			return stop(ReasonConditionsCleared, false, "conditions no longer hold")
		}
		return deny(ReasonActuatorActive, "actuator already on since %s", state.ActiveSince.Format(time.RFC3339))
	}

	if !matched {
		return deny(ReasonNotMatched, "")
	}

	if !r.energises() && state.holds(r) {
		return deny(ReasonCommandHeld, "devices already hold the rule's commands")
	}

	if r.Settings.RequireManualOverride {
		if d, ok := g.checkOverride(r, snap, state); !ok {
			return d
		}
	}

	if d, ok := g.checkHysteresisOn(r, snap); !ok {
		return d
	}

	cd := r.Settings.Cooldown
	if cd.MinimumIntervalMinutes > 0 && state.LastExecutedAt != nil {
		interval := time.Duration(cd.MinimumIntervalMinutes) * time.Minute
		if elapsed := now.Sub(*state.LastExecutedAt); elapsed < interval {
			return deny(ReasonCooldown, "%s remaining", (interval - elapsed).Truncate(time.Second))
		}
	}

	if cd.MaxExecutionsPerHour > 0 {
		if n := state.executionsSince(now.Add(-time.Hour)); n >= cd.MaxExecutionsPerHour {
			return deny(ReasonRateLimit, "%d executions in the last hour", n)
		}
	}
	if cd.MaxExecutionsPerDay > 0 {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		if n := state.executionsSince(midnight.Add(-time.Nanosecond)); n >= cd.MaxExecutionsPerDay {
			return deny(ReasonRateLimit, "%d executions since daily reset", n)
		}
	}

	return allow()
}

// checkOverride requires a fresh, unused override token for the rule.
func (g *Governor) checkOverride(r *Rule, snap *Snapshot, state *RuntimeState) (Decision, bool) {
	o, ok := snap.Overrides[r.ID]
	if !ok {
		return deny(ReasonManualOverride, "no override token"), false
	}
	if o.IssuedAt.IsZero() {
		return deny(ReasonOverrideExpired, "override from %s has no issue time", o.ActorID), false
	}
	if age := snap.Time.Sub(o.IssuedAt); age > g.overrideTTL {
		return deny(ReasonOverrideExpired, "override issued %s ago, limit %s", age.Truncate(time.Second), g.overrideTTL), false
	}
	if used := state.OverrideUsed; used != nil && !o.IssuedAt.After(*used) {
		return deny(ReasonOverrideExpired, "override issued %s already used", o.IssuedAt.Format(time.RFC3339)), false
	}
	return Decision{}, true
}

// emergencyBreach returns the first emergency-stop comparison that holds.
// A missing reading is not a breach.
func (g *Governor) emergencyBreach(r *Rule, snap *Snapshot) (string, bool) {
	for _, es := range r.Settings.Safety.EmergencyStop {
		reading, ok := snap.reading(es.SensorType, g.maxReadingAge)
		if !ok {
			continue
		}
		if Compare(es.comparison(), reading.Value) {
			return fmt.Sprintf("%s %s at %.2f", es.SensorType, es.Operator, reading.Value), true
		}
	}
	return "", false
}

// tiedBands yields each hysteresis band with the effect of its control
// actions, in sensor-type order.
func tiedBands(r *Rule) []tiedBand {
	keys := make([]SensorType, 0, len(r.Settings.Hysteresis))
	for st := range r.Settings.Hysteresis {
		keys = append(keys, st)
	}
	slices.Sort(keys)

	bands := make([]tiedBand, 0, len(keys))
	for _, st := range keys {
		for _, c := range r.Actions.Controls {
			if c.SensorType == st && c.Command.energises() {
				bands = append(bands, tiedBand{sensor: st, band: r.Settings.Hysteresis[st], effect: c.DeviceType.Effect()})
				break
			}
		}
	}
	return bands
}

type tiedBand struct {
	sensor SensorType
	band   HysteresisBand
	effect Effect
}

func (t tiedBand) onCrossed(v float64) bool {
	if t.effect == EffectLowers {
		return v >= t.band.OnThreshold
	}
	return v <= t.band.OnThreshold
}

func (t tiedBand) offCrossed(v float64) bool {
	if t.effect == EffectLowers {
		return v <= t.band.OffThreshold
	}
	return v >= t.band.OffThreshold
}

// crossedOff reports the first band whose off threshold has been crossed.
func (g *Governor) crossedOff(r *Rule, snap *Snapshot) (SensorType, float64, bool) {
	for _, tb := range tiedBands(r) {
		reading, ok := snap.reading(tb.sensor, g.maxReadingAge)
		if ok && tb.offCrossed(reading.Value) {
			return tb.sensor, reading.Value, true
		}
	}
	return "", 0, false
}

// checkHysteresisOn requires every band to have crossed its on threshold.
// A missing reading holds the actuator off.
func (g *Governor) checkHysteresisOn(r *Rule, snap *Snapshot) (Decision, bool) {
	for _, tb := range tiedBands(r) {
		reading, ok := snap.reading(tb.sensor, g.maxReadingAge)
		if !ok {
			return deny(ReasonHysteresisHold, "%s reading missing", tb.sensor), false
		}
		if !tb.onCrossed(reading.Value) {
			return deny(ReasonHysteresisHold, "%s at %.2f has not crossed on threshold %.2f",
				tb.sensor, reading.Value, tb.band.OnThreshold), false
		}
	}
	return Decision{}, true
}

// activeUntil returns when the rule's energising commands end on their own,
// or nil if any of them runs until stopped.
func activeUntil(r *Rule, now time.Time) *time.Time {
	var longest time.Duration
	for _, c := range r.Actions.Controls {
		if !c.Command.energises() {
			continue
		}
		if c.DurationMinutes == 0 {
			return nil
		}
		d := time.Duration(c.DurationMinutes) * time.Minute
		if c.Gradual != nil {
			d += time.Duration(c.Gradual.Steps-1) * time.Duration(c.Gradual.IntervalSeconds) * time.Second
		}
		if d > longest {
			longest = d
		}
	}
	if longest == 0 {
		return nil
	}
	until := now.Add(longest)
	return &until
}
