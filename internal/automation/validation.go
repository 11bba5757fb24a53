package automation

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxNameLength         = 100
	maxDescriptionLen     = 500
	maxActions            = 50
	minPriority           = 1
	maxPriority           = 100
	defaultPriority       = 50
	maxDurationMinutes    = 24 * 60
	maxRampSteps          = 100
	maxEscalationSteps    = 5
	maxIntegrationTimeout = 60 // seconds
	timeOfDayLayout       = "15:04"
)

// Pre-computed validation sets for O(1) lookups.
var (
	validCategories   = toSet(AllCategories())
	validStatuses     = toSet(AllStatuses())
	validSensorTypes  = toSet(AllSensorTypes())
	validWeather      = toSet(AllWeatherFields())
	validOperators    = toSet(AllOperators())
	validStages       = toSet(AllGrowthStages())
	validDeviceTypes  = toSet(AllDeviceTypes())
	validCommands     = toSet(AllCommands())
	validChannels     = toSet(AllChannels())
	validLevels       = toSet([]AlertLevel{LevelInfo, LevelWarning, LevelCritical})
	validTaskPriority = toSet([]TaskPriority{TaskLow, TaskMedium, TaskHigh, TaskUrgent})
	validLogic        = toSet([]Logic{LogicAnd, LogicOr, LogicNot})
	validHTTPMethods  = toSet([]string{"GET", "POST", "PUT", "PATCH", "DELETE"})
)

func toSet[T comparable](items []T) map[T]struct{} {
	set := make(map[T]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

func inSet[T comparable](set map[T]struct{}, v T) bool {
	_, ok := set[v]
	return ok
}

// ValidateRule performs structural validation on a rule.
// Returns an error wrapping ErrInvalidRule describing the first failure.
// Threshold consistency is checked separately by ValidateThresholds.
func ValidateRule(r *Rule) error {
	if r == nil {
		return ErrInvalidRule
	}

	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if r.Description != nil && len(*r.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidRule, maxDescriptionLen)
	}
	if strings.TrimSpace(r.FarmID) == "" {
		return fmt.Errorf("%w: farm_id is required", ErrInvalidRule)
	}
	if r.BlockID != nil && strings.TrimSpace(*r.BlockID) == "" {
		return fmt.Errorf("%w: block_id cannot be blank", ErrInvalidRule)
	}
	if strings.TrimSpace(r.OwnerID) == "" {
		return fmt.Errorf("%w: owner_id is required", ErrInvalidRule)
	}
	if !inSet(validCategories, r.Category) {
		return fmt.Errorf("%w: invalid category %q", ErrInvalidRule, r.Category)
	}
	if r.Priority < minPriority || r.Priority > maxPriority {
		return fmt.Errorf("%w: priority must be %d-%d", ErrInvalidRule, minPriority, maxPriority)
	}
	if r.Management.Status != "" && !inSet(validStatuses, r.Management.Status) {
		return fmt.Errorf("%w: invalid status %q", ErrInvalidRule, r.Management.Status)
	}

	if err := validateConditions(r.ID, r.Conditions); err != nil {
		return fmt.Errorf("conditions: %w", err)
	}
	if err := validateActions(r.Actions); err != nil {
		return fmt.Errorf("actions: %w", err)
	}
	if err := validateSettings(r.Settings); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	return nil
}

// ValidateName checks if a rule name is valid.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidRule)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidRule, maxNameLength)
	}
	return nil
}

func validateConditions(ruleID string, c Conditions) error {
	if c.Logic != "" && !inSet(validLogic, c.Logic) {
		return fmt.Errorf("%w: invalid logic %q", ErrInvalidRule, c.Logic)
	}
	if len(c.Sensors) == 0 && c.Time == nil && c.Plant == nil && c.Weather == nil && len(c.DependsOn) == 0 {
		return fmt.Errorf("%w: at least one condition is required", ErrInvalidRule)
	}

	for st, sc := range c.Sensors {
		if !inSet(validSensorTypes, st) {
			return fmt.Errorf("%w: unknown sensor type %q", ErrInvalidRule, st)
		}
		if !inSet(validOperators, sc.Operator) {
			return fmt.Errorf("%w: sensor %s: invalid operator %q", ErrInvalidRule, st, sc.Operator)
		}
		if sc.DurationMinutes < 0 || sc.DurationMinutes > maxDurationMinutes {
			return fmt.Errorf("%w: sensor %s: duration must be 0-%d minutes", ErrInvalidRule, st, maxDurationMinutes)
		}
	}

	if t := c.Time; t != nil {
		if (t.StartTime == "") != (t.EndTime == "") {
			return fmt.Errorf("%w: time: start_time and end_time must be set together", ErrInvalidRule)
		}
		if t.StartTime != "" {
			if _, err := parseTimeOfDay(t.StartTime); err != nil {
				return fmt.Errorf("%w: time: start_time: %v", ErrInvalidRule, err)
			}
			if _, err := parseTimeOfDay(t.EndTime); err != nil {
				return fmt.Errorf("%w: time: end_time: %v", ErrInvalidRule, err)
			}
		}
		if err := checkIntRange("weekday", t.Weekdays, 0, 6); err != nil {
			return err
		}
		if err := checkIntRange("day of month", t.DaysOfMonth, 1, 31); err != nil {
			return err
		}
		if err := checkIntRange("month", t.Months, 1, 12); err != nil {
			return err
		}
	}

	if p := c.Plant; p != nil {
		for _, gs := range p.GrowthStages {
			if !inSet(validStages, gs) {
				return fmt.Errorf("%w: plant: unknown growth stage %q", ErrInvalidRule, gs)
			}
		}
	}

	if w := c.Weather; w != nil {
		for f := range w.Ranges {
			if !inSet(validWeather, f) {
				return fmt.Errorf("%w: weather: unknown field %q", ErrInvalidRule, f)
			}
		}
	}

	for _, id := range c.DependsOn {
		if id == "" || id == ruleID {
			return fmt.Errorf("%w: depends_on must reference other rules", ErrInvalidRule)
		}
	}
	for _, id := range c.ConflictsWith {
		if id == "" || id == ruleID {
			return fmt.Errorf("%w: conflicts_with must reference other rules", ErrInvalidRule)
		}
	}
	return nil
}

func checkIntRange(name string, values []int, lo, hi int) error {
	for _, v := range values {
		if v < lo || v > hi {
			return fmt.Errorf("%w: time: %s %d out of range %d-%d", ErrInvalidRule, name, v, lo, hi)
		}
	}
	return nil
}

func validateActions(a Actions) error {
	n := a.Count()
	if n == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrInvalidRule)
	}
	if n > maxActions {
		return fmt.Errorf("%w: exceeds maximum of %d actions", ErrInvalidRule, maxActions)
	}

	for i, c := range a.Controls {
		if err := validateControl(c); err != nil {
			return fmt.Errorf("control[%d]: %w", i, err)
		}
	}
	for i, na := range a.Notifications {
		if err := validateNotification(na); err != nil {
			return fmt.Errorf("notification[%d]: %w", i, err)
		}
	}
	for i, t := range a.Tasks {
		if strings.TrimSpace(t.Title) == "" {
			return fmt.Errorf("task[%d]: %w: title is required", i, ErrInvalidRule)
		}
		if !inSet(validTaskPriority, t.Priority) {
			return fmt.Errorf("task[%d]: %w: invalid priority %q", i, ErrInvalidRule, t.Priority)
		}
		if t.DueWithinHours < 0 {
			return fmt.Errorf("task[%d]: %w: due_within_hours cannot be negative", i, ErrInvalidRule)
		}
	}
	for i, d := range a.DataLogs {
		if strings.TrimSpace(d.EventType) == "" {
			return fmt.Errorf("data_log[%d]: %w: event_type is required", i, ErrInvalidRule)
		}
	}
	for i, in := range a.Integrations {
		if err := validateIntegration(in); err != nil {
			return fmt.Errorf("integration[%d]: %w", i, err)
		}
	}
	return nil
}

func validateControl(c ControlAction) error {
	if !inSet(validDeviceTypes, c.DeviceType) {
		return fmt.Errorf("%w: invalid device type %q", ErrInvalidRule, c.DeviceType)
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		return fmt.Errorf("%w: device_id is required", ErrInvalidRule)
	}
	if !inSet(validCommands, c.Command) {
		return fmt.Errorf("%w: invalid command %q", ErrInvalidRule, c.Command)
	}
	if (c.Command == CommandSet || c.Command == CommandAdjust) && c.Value == nil {
		return fmt.Errorf("%w: command %q requires a value", ErrInvalidRule, c.Command)
	}
	if c.DurationMinutes < 0 || c.DurationMinutes > maxDurationMinutes {
		return fmt.Errorf("%w: duration must be 0-%d minutes", ErrInvalidRule, maxDurationMinutes)
	}
	if c.SensorType != "" && !inSet(validSensorTypes, c.SensorType) {
		return fmt.Errorf("%w: unknown sensor type %q", ErrInvalidRule, c.SensorType)
	}
	if g := c.Gradual; g != nil {
		if c.Value == nil {
			return fmt.Errorf("%w: gradual ramp requires a target value", ErrInvalidRule)
		}
		if g.Steps < 1 || g.Steps > maxRampSteps {
			return fmt.Errorf("%w: gradual steps must be 1-%d", ErrInvalidRule, maxRampSteps)
		}
		if g.IntervalSeconds < 1 {
			return fmt.Errorf("%w: gradual interval must be at least 1 second", ErrInvalidRule)
		}
	}
	return nil
}

func validateNotification(n NotificationAction) error {
	if !inSet(validLevels, n.Level) {
		return fmt.Errorf("%w: invalid level %q", ErrInvalidRule, n.Level)
	}
	if strings.TrimSpace(n.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidRule)
	}
	if len(n.Channels) == 0 {
		return fmt.Errorf("%w: at least one channel is required", ErrInvalidRule)
	}
	for _, ch := range n.Channels {
		if !inSet(validChannels, ch) {
			return fmt.Errorf("%w: invalid channel %q", ErrInvalidRule, ch)
		}
	}
	if len(n.Escalation) > maxEscalationSteps {
		return fmt.Errorf("%w: escalation exceeds %d steps", ErrInvalidRule, maxEscalationSteps)
	}
	for i, e := range n.Escalation {
		if e.DelayMinutes < 1 {
			return fmt.Errorf("%w: escalation[%d]: delay must be at least 1 minute", ErrInvalidRule, i)
		}
		if !inSet(validLevels, e.Level) {
			return fmt.Errorf("%w: escalation[%d]: invalid level %q", ErrInvalidRule, i, e.Level)
		}
		for _, ch := range e.Channels {
			if !inSet(validChannels, ch) {
				return fmt.Errorf("%w: escalation[%d]: invalid channel %q", ErrInvalidRule, i, ch)
			}
		}
	}
	return nil
}

func validateIntegration(in IntegrationAction) error {
	if !inSet(validHTTPMethods, strings.ToUpper(in.Method)) {
		return fmt.Errorf("%w: invalid method %q", ErrInvalidRule, in.Method)
	}
	u, err := url.Parse(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidRule)
	}
	if in.TimeoutSeconds < 0 || in.TimeoutSeconds > maxIntegrationTimeout {
		return fmt.Errorf("%w: timeout must be 0-%d seconds", ErrInvalidRule, maxIntegrationTimeout)
	}
	return nil
}

func validateSettings(s Settings) error {
	if s.Cooldown.MinimumIntervalMinutes < 0 {
		return fmt.Errorf("%w: cooldown interval cannot be negative", ErrInvalidRule)
	}
	if s.Cooldown.MaxExecutionsPerHour < 0 || s.Cooldown.MaxExecutionsPerDay < 0 {
		return fmt.Errorf("%w: execution limits cannot be negative", ErrInvalidRule)
	}
	for st := range s.Hysteresis {
		if !inSet(validSensorTypes, st) {
			return fmt.Errorf("%w: hysteresis: unknown sensor type %q", ErrInvalidRule, st)
		}
	}
	if s.Safety.MaxRuntimeMinutes < 0 {
		return fmt.Errorf("%w: max runtime cannot be negative", ErrInvalidRule)
	}
	for i, e := range s.Safety.EmergencyStop {
		if !inSet(validSensorTypes, e.SensorType) {
			return fmt.Errorf("%w: emergency_stop[%d]: unknown sensor type %q", ErrInvalidRule, i, e.SensorType)
		}
		if !inSet(validOperators, e.Operator) {
			return fmt.Errorf("%w: emergency_stop[%d]: invalid operator %q", ErrInvalidRule, i, e.Operator)
		}
	}
	return nil
}

// ValidateThresholds checks that every threshold, range, and hysteresis band
// is internally consistent. Failures wrap ErrConfiguration; the catalog
// stores such rules disabled instead of rejecting them.
func ValidateThresholds(r *Rule) error {
	for st, sc := range r.Conditions.Sensors {
		if err := checkComparison(sc); err != nil {
			return fmt.Errorf("%w: sensor %s: %v", ErrConfiguration, st, err)
		}
	}
	for i, e := range r.Settings.Safety.EmergencyStop {
		if err := checkComparison(e.comparison()); err != nil {
			return fmt.Errorf("%w: emergency_stop[%d]: %v", ErrConfiguration, i, err)
		}
	}
	if w := r.Conditions.Weather; w != nil {
		for f, rg := range w.Ranges {
			if rg.Min == nil && rg.Max == nil {
				return fmt.Errorf("%w: weather %s: range has no bounds", ErrConfiguration, f)
			}
			if rg.Min != nil && rg.Max != nil && *rg.Min > *rg.Max {
				return fmt.Errorf("%w: weather %s: min exceeds max", ErrConfiguration, f)
			}
		}
	}
	if p := r.Conditions.Plant; p != nil {
		if outOfOrder(p.MinDaysAfterPlanting, p.MaxDaysAfterPlanting) {
			return fmt.Errorf("%w: plant: days after planting window is inverted", ErrConfiguration)
		}
		if outOfOrder(p.MinDaysToHarvest, p.MaxDaysToHarvest) {
			return fmt.Errorf("%w: plant: days to harvest window is inverted", ErrConfiguration)
		}
	}
	for st, band := range r.Settings.Hysteresis {
		if err := checkHysteresis(r.Actions.Controls, st, band); err != nil {
			return fmt.Errorf("%w: hysteresis %s: %v", ErrConfiguration, st, err)
		}
	}
	return nil
}

func checkComparison(sc SensorCondition) error {
	if sc.Operator.isRange() {
		if sc.Min == nil || sc.Max == nil {
			return fmt.Errorf("operator %s requires min and max", sc.Operator)
		}
		if *sc.Min > *sc.Max {
			return fmt.Errorf("min %.2f exceeds max %.2f", *sc.Min, *sc.Max)
		}
		return nil
	}
	if sc.Value == nil {
		return fmt.Errorf("operator %s requires a value", sc.Operator)
	}
	return nil
}

func outOfOrder(lo, hi *int) bool {
	return lo != nil && hi != nil && *lo > *hi
}

// checkHysteresis verifies the band points the same way as every control
// action tied to the sensor: an actuator that raises the reading must
// switch on below the off threshold, one that lowers it must switch on above.
func checkHysteresis(controls []ControlAction, st SensorType, band HysteresisBand) error {
	if band.OnThreshold == band.OffThreshold {
		return fmt.Errorf("on and off thresholds are equal (%.2f)", band.OnThreshold)
	}
	tied := 0
	for _, c := range controls {
		if c.SensorType != st {
			continue
		}
		tied++
		switch c.DeviceType.Effect() {
		case EffectRaises:
			if band.OnThreshold > band.OffThreshold {
				return fmt.Errorf("%s raises %s so on (%.2f) must be below off (%.2f)",
					c.DeviceType, st, band.OnThreshold, band.OffThreshold)
			}
		case EffectLowers:
			if band.OnThreshold < band.OffThreshold {
				return fmt.Errorf("%s lowers %s so on (%.2f) must be above off (%.2f)",
					c.DeviceType, st, band.OnThreshold, band.OffThreshold)
			}
		default:
			return fmt.Errorf("device type %s has no known effect", c.DeviceType)
		}
	}
	if tied == 0 {
		return fmt.Errorf("no control action is tied to %s", st)
	}
	return nil
}

func parseTimeOfDay(s string) (time.Duration, error) {
	t, err := time.Parse(timeOfDayLayout, s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// GenerateID creates a new UUID for a rule or execution.
func GenerateID() string {
	return uuid.New().String()
}
