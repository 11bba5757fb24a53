package automation

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// floatTolerance absorbs sensor rounding noise in equality comparisons.
const floatTolerance = 1e-9

// Condition category names used in traces.
const (
	TraceSensor  = "sensor"
	TraceTime    = "time"
	TracePlant   = "plant"
	TraceWeather = "weather"
	TraceRule    = "rule"
)

// Evaluation is the result of matching one rule against a snapshot.
type Evaluation struct {
	Matched bool             `json:"matched"`
	Trace   []ConditionTrace `json:"trace"`
}

// ConditionTrace records the outcome of a single condition for audit.
type ConditionTrace struct {
	Category string   `json:"category"`
	Key      string   `json:"key,omitempty"`
	Result   bool     `json:"result"`
	Actual   *float64 `json:"actual,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// TimerState holds the first-true timestamps of a rule's duration-gated
// sensor conditions. It is carried across evaluations by the caller.
type TimerState struct {
	FirstTrue map[SensorType]time.Time `json:"first_true,omitempty"`
}

// Evaluator matches rule conditions against a snapshot. It holds no
// per-rule state; timers are passed in and updated in place.
type Evaluator struct {
	maxReadingAge time.Duration
}

// NewEvaluator creates an evaluator. Readings older than maxReadingAge
// relative to the snapshot time are treated as missing; zero disables
// the check.
func NewEvaluator(maxReadingAge time.Duration) *Evaluator {
	return &Evaluator{maxReadingAge: maxReadingAge}
}

// Evaluate matches the rule's conditions. refs holds the match results of
// rules already evaluated in the same cycle, for DependsOn references.
//
// Every sensor condition is evaluated even when another has already failed
// so that duration timers stay accurate.
func (e *Evaluator) Evaluate(r *Rule, snap *Snapshot, timers *TimerState, refs map[string]bool) Evaluation {
	var (
		trace   []ConditionTrace
		results []bool
	)
	c := r.Conditions

	if len(c.Sensors) > 0 {
		ok, t := e.evaluateSensors(c.Sensors, snap, timers)
		results = append(results, ok)
		trace = append(trace, t...)
	}
	if c.Time != nil {
		ok, t := evaluateTime(c.Time, snap.Time)
		results = append(results, ok)
		trace = append(trace, t)
	}
	if c.Plant != nil {
		ok, t := evaluatePlant(c.Plant, snap.Plant)
		results = append(results, ok)
		trace = append(trace, t)
	}
	if c.Weather != nil {
		ok, t := evaluateWeather(c.Weather, snap.Weather)
		results = append(results, ok)
		trace = append(trace, t...)
	}
	if len(c.DependsOn) > 0 {
		ok := true
		for _, id := range c.DependsOn {
			matched := refs[id]
			trace = append(trace, ConditionTrace{Category: TraceRule, Key: id, Result: matched})
			ok = ok && matched
		}
		results = append(results, ok)
	}

	return Evaluation{Matched: combine(c.Logic, results), Trace: trace}
}

// combine folds category results. AND needs all true, OR needs any true,
// NOT inverts the AND result. An empty set never matches.
func combine(logic Logic, results []bool) bool {
	if len(results) == 0 {
		return false
	}
	all, some := true, false
	for _, r := range results {
		all = all && r
		some = some || r
	}
	switch logic {
	case LogicOr:
		return some
	case LogicNot:
		return !all
	default:
		return all
	}
}

func (e *Evaluator) evaluateSensors(conds map[SensorType]SensorCondition, snap *Snapshot, timers *TimerState) (bool, []ConditionTrace) {
	if timers.FirstTrue == nil {
		timers.FirstTrue = make(map[SensorType]time.Time)
	}

	// Sorted keys keep the trace stable across runs.
	keys := make([]SensorType, 0, len(conds))
	for st := range conds {
		keys = append(keys, st)
	}
	slices.Sort(keys)

	all := true
	trace := make([]ConditionTrace, 0, len(keys))
	for _, st := range keys {
		sc := conds[st]
		tr := ConditionTrace{Category: TraceSensor, Key: string(st)}

		reading, ok := snap.reading(st, e.maxReadingAge)
		if !ok {
			delete(timers.FirstTrue, st)
			tr.Detail = "reading missing"
			all = false
			trace = append(trace, tr)
			continue
		}
		v := reading.Value
		tr.Actual = &v

		if !Compare(sc, v) {
			delete(timers.FirstTrue, st)
			all = false
			trace = append(trace, tr)
			continue
		}

		held := time.Duration(0)
		if since, ok := timers.FirstTrue[st]; ok {
			held = snap.Time.Sub(since)
		} else {
			timers.FirstTrue[st] = snap.Time
		}
		need := time.Duration(sc.DurationMinutes) * time.Minute
		if held < need {
			tr.Detail = fmt.Sprintf("held %s of %s", held.Truncate(time.Second), need)
			all = false
			trace = append(trace, tr)
			continue
		}

		tr.Result = true
		trace = append(trace, tr)
	}
	return all, trace
}

// Compare applies the condition's operator to v. A condition with a
// missing threshold never matches.
func Compare(sc SensorCondition, v float64) bool {
	if sc.Operator.isRange() {
		if sc.Min == nil || sc.Max == nil {
			return false
		}
		inside := v >= *sc.Min && v <= *sc.Max
		if sc.Operator == OpBetween {
			return inside
		}
		return !inside
	}
	if sc.Value == nil {
		return false
	}
	t := *sc.Value
	switch sc.Operator {
	case OpEquals:
		return math.Abs(v-t) <= floatTolerance
	case OpNotEquals:
		return math.Abs(v-t) > floatTolerance
	case OpGreaterThan:
		return v > t
	case OpLessThan:
		return v < t
	case OpGreaterEqual:
		return v >= t
	case OpLessEqual:
		return v <= t
	default:
		return false
	}
}

func evaluateTime(tc *TimeCondition, now time.Time) (bool, ConditionTrace) {
	tr := ConditionTrace{Category: TraceTime, Key: now.Format(timeOfDayLayout)}

	if tc.StartTime != "" {
		start, err1 := parseTimeOfDay(tc.StartTime)
		end, err2 := parseTimeOfDay(tc.EndTime)
		if err1 != nil || err2 != nil {
			tr.Detail = "malformed window"
			return false, tr
		}
		if !inWindow(now, start, end) {
			tr.Detail = fmt.Sprintf("outside %s-%s", tc.StartTime, tc.EndTime)
			return false, tr
		}
	}
	if len(tc.Weekdays) > 0 && !slices.Contains(tc.Weekdays, int(now.Weekday())) {
		tr.Detail = "weekday excluded"
		return false, tr
	}
	if len(tc.DaysOfMonth) > 0 && !slices.Contains(tc.DaysOfMonth, now.Day()) {
		tr.Detail = "day of month excluded"
		return false, tr
	}
	if len(tc.Months) > 0 && !slices.Contains(tc.Months, int(now.Month())) {
		tr.Detail = "month excluded"
		return false, tr
	}

	tr.Result = true
	return true, tr
}

// inWindow reports whether now's time of day lies in [start, end).
// An end before the start wraps midnight; equal bounds cover the whole day.
func inWindow(now time.Time, start, end time.Duration) bool {
	tod := time.Duration(now.Hour())*time.Hour + time.Duration(now.Minute())*time.Minute +
		time.Duration(now.Second())*time.Second
	switch {
	case start == end:
		return true
	case start < end:
		return tod >= start && tod < end
	default:
		return tod >= start || tod < end
	}
}

func evaluatePlant(pc *PlantCondition, plant *PlantContext) (bool, ConditionTrace) {
	tr := ConditionTrace{Category: TracePlant}
	if plant == nil {
		tr.Detail = "plant context missing"
		return false, tr
	}
	tr.Key = string(plant.GrowthStage)

	if len(pc.GrowthStages) > 0 && !slices.Contains(pc.GrowthStages, plant.GrowthStage) {
		tr.Detail = "growth stage excluded"
		return false, tr
	}
	if !withinDays(plant.DaysAfterPlanting, pc.MinDaysAfterPlanting, pc.MaxDaysAfterPlanting) {
		tr.Detail = "days after planting outside window"
		return false, tr
	}
	if !withinDays(plant.DaysToHarvest, pc.MinDaysToHarvest, pc.MaxDaysToHarvest) {
		tr.Detail = "days to harvest outside window"
		return false, tr
	}

	tr.Result = true
	return true, tr
}

// withinDays checks a day counter against optional bounds. A bound with
// no counter to compare fails closed.
func withinDays(days, lo, hi *int) bool {
	if lo == nil && hi == nil {
		return true
	}
	if days == nil {
		return false
	}
	if lo != nil && *days < *lo {
		return false
	}
	if hi != nil && *days > *hi {
		return false
	}
	return true
}

// evaluateWeather checks the declared ranges. Missing weather fields are
// satisfied so a feed outage never blocks a rule.
func evaluateWeather(wc *WeatherCondition, weather map[WeatherField]float64) (bool, []ConditionTrace) {
	keys := make([]WeatherField, 0, len(wc.Ranges))
	for f := range wc.Ranges {
		keys = append(keys, f)
	}
	slices.Sort(keys)

	all := true
	trace := make([]ConditionTrace, 0, len(keys))
	for _, f := range keys {
		tr := ConditionTrace{Category: TraceWeather, Key: string(f), Result: true}
		v, ok := weather[f]
		if !ok {
			tr.Detail = "no data"
			trace = append(trace, tr)
			continue
		}
		tr.Actual = &v
		if !wc.Ranges[f].Contains(v) {
			tr.Result = false
			all = false
		}
		trace = append(trace, tr)
	}
	return all, trace
}
