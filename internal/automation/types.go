package automation

import "time"

// Rule is a named condition→action automation unit scoped to a farm or to a
// single block within a farm. Conditions are evaluated against a Snapshot
// every cycle; when they match and the governor admits the rule, its actions
// are dispatched.
type Rule struct {
	// Identity
	ID      string  `json:"id"`
	FarmID  string  `json:"farm_id"`
	BlockID *string `json:"block_id,omitempty"` // nil = farm-wide
	OwnerID string  `json:"owner_id"`

	// Info
	Name        string   `json:"name"`
	Description *string  `json:"description,omitempty"`
	Category    Category `json:"category"`
	Priority    int      `json:"priority"` // 1-100; higher = evaluated first
	Enabled     bool     `json:"enabled"`

	Conditions  Conditions  `json:"conditions"`
	Actions     Actions     `json:"actions"`
	Settings    Settings    `json:"settings"`
	Performance Performance `json:"performance"`
	Management  Management  `json:"management"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Conditions holds every condition category a rule may declare.
// A nil or empty category is "not present" and does not take part in
// the combination.
type Conditions struct {
	Sensors map[SensorType]SensorCondition `json:"sensors,omitempty"`
	Time    *TimeCondition                 `json:"time,omitempty"`
	Plant   *PlantCondition                `json:"plant,omitempty"`
	Weather *WeatherCondition              `json:"weather,omitempty"`

	// Logic combines the category results.
	Logic Logic `json:"logic"`

	// DependsOn lists rules whose match result in the same cycle is a
	// sub-condition of this rule (all must have matched).
	DependsOn []string `json:"depends_on,omitempty"`

	// ConflictsWith lists rules that must not execute in the same cycle.
	ConflictsWith []string `json:"conflicts_with,omitempty"`
}

// SensorCondition compares one sensor reading against a threshold or range.
type SensorCondition struct {
	Operator Operator `json:"operator"`
	Value    *float64 `json:"value,omitempty"` // single-threshold operators
	Min      *float64 `json:"min,omitempty"`   // between / outside_range
	Max      *float64 `json:"max,omitempty"`
	Unit     string   `json:"unit,omitempty"`

	// DurationMinutes is how long the comparison must hold continuously
	// before the condition is true. 0 = immediately.
	DurationMinutes int `json:"duration_minutes,omitempty"`
}

// TimeCondition restricts a rule to a time-of-day window and calendar sets.
// StartTime/EndTime use "HH:MM"; an end earlier than the start wraps midnight.
type TimeCondition struct {
	StartTime   string `json:"start_time,omitempty"`
	EndTime     string `json:"end_time,omitempty"`
	Weekdays    []int  `json:"weekdays,omitempty"`      // 0 = Sunday
	DaysOfMonth []int  `json:"days_of_month,omitempty"` // 1-31
	Months      []int  `json:"months,omitempty"`        // 1-12
}

// PlantCondition scopes a rule to growth stages and crop-age windows.
type PlantCondition struct {
	GrowthStages         []GrowthStage `json:"growth_stages,omitempty"`
	MinDaysAfterPlanting *int          `json:"min_days_after_planting,omitempty"`
	MaxDaysAfterPlanting *int          `json:"max_days_after_planting,omitempty"`
	MinDaysToHarvest     *int          `json:"min_days_to_harvest,omitempty"`
	MaxDaysToHarvest     *int          `json:"max_days_to_harvest,omitempty"`
}

// WeatherCondition declares numeric ranges on weather fields.
type WeatherCondition struct {
	Ranges map[WeatherField]Range `json:"ranges"`
}

// Range is an inclusive numeric window; a nil bound is open.
type Range struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// Actions groups the action kinds a rule can produce.
type Actions struct {
	Controls      []ControlAction      `json:"controls,omitempty"`
	Notifications []NotificationAction `json:"notifications,omitempty"`
	Tasks         []TaskAction         `json:"tasks,omitempty"`
	DataLogs      []DataAction         `json:"data_logs,omitempty"`
	Integrations  []IntegrationAction  `json:"integrations,omitempty"`
}

// Count returns the total number of actions across all kinds.
func (a Actions) Count() int {
	return len(a.Controls) + len(a.Notifications) + len(a.Tasks) + len(a.DataLogs) + len(a.Integrations)
}

// ControlAction drives a physical actuator.
type ControlAction struct {
	DeviceType DeviceType `json:"device_type"`
	DeviceID   string     `json:"device_id"`
	Command    Command    `json:"command"`
	Value      *float64   `json:"value,omitempty"`

	// DurationMinutes schedules an automatic stop after the command.
	DurationMinutes int `json:"duration_minutes,omitempty"`

	// Gradual ramps Value in steps instead of one jump.
	Gradual *Ramp `json:"gradual,omitempty"`

	// SensorType ties the action to a hysteresis band in Settings.
	SensorType SensorType `json:"sensor_type,omitempty"`
}

// Ramp describes a stepped transition from From to the action's Value.
type Ramp struct {
	From            float64 `json:"from"`
	Steps           int     `json:"steps"`
	IntervalSeconds int     `json:"interval_seconds"`
}

// NotificationAction sends an alert to one or more channels.
type NotificationAction struct {
	Level      AlertLevel   `json:"level"`
	Message    string       `json:"message"`
	Recipients []string     `json:"recipients,omitempty"`
	Channels   []Channel    `json:"channels"`
	Escalation []Escalation `json:"escalation,omitempty"`
}

// Escalation is one step of an escalation chain. It fires when the previous
// notification is still unacknowledged after DelayMinutes.
type Escalation struct {
	DelayMinutes int        `json:"delay_minutes"`
	Level        AlertLevel `json:"level"`
	Recipients   []string   `json:"recipients,omitempty"`
	Channels     []Channel  `json:"channels,omitempty"` // empty = same as parent
}

// TaskAction generates a work item for farm staff.
type TaskAction struct {
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	AssignTo       []string     `json:"assign_to,omitempty"`
	Priority       TaskPriority `json:"priority"`
	DueWithinHours int          `json:"due_within_hours"`
}

// DataAction appends a structured event record.
type DataAction struct {
	EventType string            `json:"event_type"`
	Tags      map[string]string `json:"tags,omitempty"`
	Analytics bool              `json:"analytics"`
}

// IntegrationAction calls an external HTTP endpoint.
type IntegrationAction struct {
	Name           string            `json:"name"`
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// Settings holds the advanced execution controls of a rule.
type Settings struct {
	Cooldown   Cooldown                      `json:"cooldown"`
	Hysteresis map[SensorType]HysteresisBand `json:"hysteresis,omitempty"`
	Safety     Safety                        `json:"safety"`

	// RequireManualOverride blocks automatic starts unless a human
	// override token for the rule is present in the snapshot.
	RequireManualOverride bool `json:"require_manual_override"`
}

// Cooldown limits how often a rule may execute.
type Cooldown struct {
	MinimumIntervalMinutes int `json:"minimum_interval_minutes"`
	MaxExecutionsPerHour   int `json:"max_executions_per_hour,omitempty"` // 0 = unlimited
	MaxExecutionsPerDay    int `json:"max_executions_per_day,omitempty"`  // 0 = unlimited
}

// HysteresisBand is the on/off threshold pair for one sensor.
type HysteresisBand struct {
	OnThreshold  float64 `json:"on_threshold"`
	OffThreshold float64 `json:"off_threshold"`
}

// Safety holds hard limits that can force-stop a rule's actuators.
type Safety struct {
	MaxRuntimeMinutes int             `json:"max_runtime_minutes,omitempty"` // 0 = unlimited
	EmergencyStop     []EmergencyStop `json:"emergency_stop,omitempty"`
}

// EmergencyStop is a sensor comparison that, when true, forces a stop.
type EmergencyStop struct {
	SensorType SensorType `json:"sensor_type"`
	Operator   Operator   `json:"operator"`
	Value      *float64   `json:"value,omitempty"`
	Min        *float64   `json:"min,omitempty"`
	Max        *float64   `json:"max,omitempty"`
}

// comparison converts the stop into a SensorCondition for evaluation.
func (e EmergencyStop) comparison() SensorCondition {
	return SensorCondition{Operator: e.Operator, Value: e.Value, Min: e.Min, Max: e.Max}
}

// Performance holds the rolling execution statistics of a rule.
// Only the PerformanceTracker writes these fields.
type Performance struct {
	ExecutionCount int64      `json:"execution_count"`
	SuccessCount   int64      `json:"success_count"`
	FailureCount   int64      `json:"failure_count"`
	AvgExecutionMS float64    `json:"avg_execution_ms"`
	SuccessRate    float64    `json:"success_rate"` // percent, 0-100
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
	LastFailureAt  *time.Time `json:"last_failure_at,omitempty"`
	RecentErrors   []string   `json:"recent_errors,omitempty"` // newest first, distinct
}

// Management holds the versioning and approval state of a rule.
type Management struct {
	Version          string         `json:"version"`
	Status           Status         `json:"status"`
	ApprovalRequired bool           `json:"approval_required"`
	ApprovedBy       *string        `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time     `json:"approved_at,omitempty"`
	ConfigError      *string        `json:"config_error,omitempty"` // set when auto-disabled
	ChangeHistory    []ChangeRecord `json:"change_history,omitempty"`
}

// ChangeRecord is one entry in a rule's change history.
type ChangeRecord struct {
	Version   string    `json:"version"`
	ChangedBy string    `json:"changed_by"`
	ChangedAt time.Time `json:"changed_at"`
	Reason    string    `json:"reason"`
	Fields    []string  `json:"fields"`
}

// Category classifies a rule by farm function.
type Category string

const (
	CategoryIrrigation         Category = "irrigation"
	CategoryClimateControl     Category = "climate_control"
	CategoryEmergency          Category = "emergency"
	CategoryNutrientManagement Category = "nutrient_management"
	CategoryLighting           Category = "lighting"
	CategoryVentilation        Category = "ventilation"
	CategoryCustom             Category = "custom"
)

// AllCategories returns all valid rule categories.
func AllCategories() []Category {
	return []Category{
		CategoryIrrigation,
		CategoryClimateControl,
		CategoryEmergency,
		CategoryNutrientManagement,
		CategoryLighting,
		CategoryVentilation,
		CategoryCustom,
	}
}

// Status is the lifecycle state of a rule.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusTesting    Status = "testing"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusDeprecated Status = "deprecated"
)

// AllStatuses returns all valid rule statuses.
func AllStatuses() []Status {
	return []Status{StatusDraft, StatusTesting, StatusActive, StatusPaused, StatusDeprecated}
}

// SensorType identifies a kind of sensor reading. The set is closed:
// rules referencing any other key are rejected at save time.
type SensorType string

const (
	SensorSoilMoisture    SensorType = "soil_moisture"
	SensorSoilTemperature SensorType = "soil_temperature"
	SensorAirTemperature  SensorType = "air_temperature"
	SensorAirHumidity     SensorType = "air_humidity"
	SensorLightIntensity  SensorType = "light_intensity"
	SensorCO2             SensorType = "co2"
	SensorPH              SensorType = "ph"
	SensorEC              SensorType = "ec"
	SensorWaterLevel      SensorType = "water_level"
	SensorWindSpeed       SensorType = "wind_speed"
	SensorRainfall        SensorType = "rainfall"
)

// AllSensorTypes returns all known sensor types.
func AllSensorTypes() []SensorType {
	return []SensorType{
		SensorSoilMoisture,
		SensorSoilTemperature,
		SensorAirTemperature,
		SensorAirHumidity,
		SensorLightIntensity,
		SensorCO2,
		SensorPH,
		SensorEC,
		SensorWaterLevel,
		SensorWindSpeed,
		SensorRainfall,
	}
}

// WeatherField identifies a weather-feed value.
type WeatherField string

const (
	WeatherTemperature     WeatherField = "temperature"
	WeatherHumidity        WeatherField = "humidity"
	WeatherRainfall        WeatherField = "rainfall"
	WeatherRainProbability WeatherField = "rain_probability"
	WeatherWindSpeed       WeatherField = "wind_speed"
	WeatherSolarRadiation  WeatherField = "solar_radiation"
)

// AllWeatherFields returns all known weather fields.
func AllWeatherFields() []WeatherField {
	return []WeatherField{
		WeatherTemperature,
		WeatherHumidity,
		WeatherRainfall,
		WeatherRainProbability,
		WeatherWindSpeed,
		WeatherSolarRadiation,
	}
}

// Operator is a sensor comparison operator.
type Operator string

const (
	OpEquals       Operator = "equals"
	OpNotEquals    Operator = "not_equals"
	OpGreaterThan  Operator = "greater_than"
	OpLessThan     Operator = "less_than"
	OpGreaterEqual Operator = "greater_equal"
	OpLessEqual    Operator = "less_equal"
	OpBetween      Operator = "between"
	OpOutsideRange Operator = "outside_range"
)

// AllOperators returns all valid comparison operators.
func AllOperators() []Operator {
	return []Operator{
		OpEquals, OpNotEquals, OpGreaterThan, OpLessThan,
		OpGreaterEqual, OpLessEqual, OpBetween, OpOutsideRange,
	}
}

// isRange reports whether the operator takes Min/Max instead of Value.
func (o Operator) isRange() bool {
	return o == OpBetween || o == OpOutsideRange
}

// Logic combines condition-category results.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
	LogicNot Logic = "NOT"
)

// GrowthStage is a plant-lifecycle phase.
type GrowthStage string

const (
	StageSeedling   GrowthStage = "seedling"
	StageVegetative GrowthStage = "vegetative"
	StageFlowering  GrowthStage = "flowering"
	StageFruiting   GrowthStage = "fruiting"
	StageHarvest    GrowthStage = "harvest"
)

// AllGrowthStages returns all valid growth stages.
func AllGrowthStages() []GrowthStage {
	return []GrowthStage{StageSeedling, StageVegetative, StageFlowering, StageFruiting, StageHarvest}
}

// DeviceType identifies a class of actuator.
type DeviceType string

const (
	DeviceIrrigationValve DeviceType = "irrigation_valve"
	DevicePump            DeviceType = "pump"
	DeviceHeater          DeviceType = "heater"
	DeviceCooler          DeviceType = "cooler"
	DeviceFan             DeviceType = "fan"
	DeviceVent            DeviceType = "vent"
	DeviceLight           DeviceType = "light"
	DeviceFogger          DeviceType = "fogger"
	DeviceShade           DeviceType = "shade"
	DeviceNutrientDoser   DeviceType = "nutrient_doser"
	DeviceCO2Injector     DeviceType = "co2_injector"
)

// Effect is the direction in which an actuator moves its associated
// sensor reading while running.
type Effect int

const (
	EffectRaises Effect = iota + 1
	EffectLowers
)

// deviceEffects maps each device type to how it moves its sensor.
var deviceEffects = map[DeviceType]Effect{
	DeviceIrrigationValve: EffectRaises,
	DevicePump:            EffectRaises,
	DeviceHeater:          EffectRaises,
	DeviceCooler:          EffectLowers,
	DeviceFan:             EffectLowers,
	DeviceVent:            EffectLowers,
	DeviceLight:           EffectRaises,
	DeviceFogger:          EffectRaises,
	DeviceShade:           EffectLowers,
	DeviceNutrientDoser:   EffectRaises,
	DeviceCO2Injector:     EffectRaises,
}

// Effect returns the direction the device moves its sensor, or 0 if unknown.
func (d DeviceType) Effect() Effect {
	return deviceEffects[d]
}

// AllDeviceTypes returns all known device types.
func AllDeviceTypes() []DeviceType {
	return []DeviceType{
		DeviceIrrigationValve, DevicePump, DeviceHeater, DeviceCooler, DeviceFan,
		DeviceVent, DeviceLight, DeviceFogger, DeviceShade, DeviceNutrientDoser, DeviceCO2Injector,
	}
}

// Command is a device control verb.
type Command string

const (
	CommandOn     Command = "on"
	CommandOff    Command = "off"
	CommandSet    Command = "set"
	CommandAdjust Command = "adjust"
	CommandCycle  Command = "cycle"
	CommandPulse  Command = "pulse"
)

// AllCommands returns all valid control commands.
func AllCommands() []Command {
	return []Command{CommandOn, CommandOff, CommandSet, CommandAdjust, CommandCycle, CommandPulse}
}

// energises reports whether the command leaves the actuator running.
func (c Command) energises() bool {
	return c != CommandOff
}

// AlertLevel is the severity of a notification.
type AlertLevel string

const (
	LevelInfo     AlertLevel = "info"
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
)

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelApp       Channel = "app"
	ChannelEmail     Channel = "email"
	ChannelSMS       Channel = "sms"
	ChannelDashboard Channel = "dashboard"
	ChannelWebhook   Channel = "webhook"
	ChannelSlack     Channel = "slack"
)

// AllChannels returns all valid notification channels.
func AllChannels() []Channel {
	return []Channel{ChannelApp, ChannelEmail, ChannelSMS, ChannelDashboard, ChannelWebhook, ChannelSlack}
}

// TaskPriority is the urgency of a generated work item.
type TaskPriority string

const (
	TaskLow    TaskPriority = "low"
	TaskMedium TaskPriority = "medium"
	TaskHigh   TaskPriority = "high"
	TaskUrgent TaskPriority = "urgent"
)

// HasControls reports whether the rule drives any actuator.
func (r *Rule) HasControls() bool {
	return len(r.Actions.Controls) > 0
}

// energises reports whether any control action leaves an actuator running.
func (r *Rule) energises() bool {
	for _, c := range r.Actions.Controls {
		if c.Command.energises() {
			return true
		}
	}
	return false
}

// InScope reports whether the rule applies to the given farm and block.
// A farm-wide rule applies to every block; an empty blockID selects the
// whole farm.
func (r *Rule) InScope(farmID, blockID string) bool {
	if r.FarmID != farmID {
		return false
	}
	if r.BlockID == nil || blockID == "" {
		return true
	}
	return *r.BlockID == blockID
}

// Eligible reports whether the rule may be evaluated at all.
func (r *Rule) Eligible() bool {
	return r.Enabled && r.Management.Status == StatusActive
}

// DeepCopy creates an independent copy of the Rule. All maps, slices, and
// pointer fields are cloned so the registry cache cannot be mutated through
// a returned value.
func (r *Rule) DeepCopy() *Rule {
	if r == nil {
		return nil
	}

	cpy := *r
	cpy.BlockID = cloneStringPtr(r.BlockID)
	cpy.Description = cloneStringPtr(r.Description)
	cpy.Conditions = r.Conditions.clone()
	cpy.Actions = r.Actions.clone()
	cpy.Settings = r.Settings.clone()

	cpy.Performance.LastExecutedAt = cloneTimePtr(r.Performance.LastExecutedAt)
	cpy.Performance.LastFailureAt = cloneTimePtr(r.Performance.LastFailureAt)
	cpy.Performance.RecentErrors = cloneSlice(r.Performance.RecentErrors)

	cpy.Management.ApprovedBy = cloneStringPtr(r.Management.ApprovedBy)
	cpy.Management.ApprovedAt = cloneTimePtr(r.Management.ApprovedAt)
	cpy.Management.ConfigError = cloneStringPtr(r.Management.ConfigError)
	if r.Management.ChangeHistory != nil {
		cpy.Management.ChangeHistory = make([]ChangeRecord, len(r.Management.ChangeHistory))
		for i, c := range r.Management.ChangeHistory {
			c.Fields = cloneSlice(c.Fields)
			cpy.Management.ChangeHistory[i] = c
		}
	}
	return &cpy
}

func (c Conditions) clone() Conditions {
	cpy := c
	if c.Sensors != nil {
		cpy.Sensors = make(map[SensorType]SensorCondition, len(c.Sensors))
		for k, v := range c.Sensors {
			v.Value, v.Min, v.Max = cloneFloatPtr(v.Value), cloneFloatPtr(v.Min), cloneFloatPtr(v.Max)
			cpy.Sensors[k] = v
		}
	}
	if c.Time != nil {
		t := *c.Time
		t.Weekdays = cloneSlice(t.Weekdays)
		t.DaysOfMonth = cloneSlice(t.DaysOfMonth)
		t.Months = cloneSlice(t.Months)
		cpy.Time = &t
	}
	if c.Plant != nil {
		p := *c.Plant
		p.GrowthStages = cloneSlice(p.GrowthStages)
		p.MinDaysAfterPlanting = cloneIntPtr(p.MinDaysAfterPlanting)
		p.MaxDaysAfterPlanting = cloneIntPtr(p.MaxDaysAfterPlanting)
		p.MinDaysToHarvest = cloneIntPtr(p.MinDaysToHarvest)
		p.MaxDaysToHarvest = cloneIntPtr(p.MaxDaysToHarvest)
		cpy.Plant = &p
	}
	if c.Weather != nil {
		w := WeatherCondition{}
		if c.Weather.Ranges != nil {
			w.Ranges = make(map[WeatherField]Range, len(c.Weather.Ranges))
			for k, v := range c.Weather.Ranges {
				w.Ranges[k] = Range{Min: cloneFloatPtr(v.Min), Max: cloneFloatPtr(v.Max)}
			}
		}
		cpy.Weather = &w
	}
	cpy.DependsOn = cloneSlice(c.DependsOn)
	cpy.ConflictsWith = cloneSlice(c.ConflictsWith)
	return cpy
}

func (a Actions) clone() Actions {
	var cpy Actions
	if a.Controls != nil {
		cpy.Controls = make([]ControlAction, len(a.Controls))
		for i, c := range a.Controls {
			c.Value = cloneFloatPtr(c.Value)
			if c.Gradual != nil {
				g := *c.Gradual
				c.Gradual = &g
			}
			cpy.Controls[i] = c
		}
	}
	if a.Notifications != nil {
		cpy.Notifications = make([]NotificationAction, len(a.Notifications))
		for i, n := range a.Notifications {
			n.Recipients = cloneSlice(n.Recipients)
			n.Channels = cloneSlice(n.Channels)
			if n.Escalation != nil {
				esc := make([]Escalation, len(n.Escalation))
				for j, e := range n.Escalation {
					e.Recipients = cloneSlice(e.Recipients)
					e.Channels = cloneSlice(e.Channels)
					esc[j] = e
				}
				n.Escalation = esc
			}
			cpy.Notifications[i] = n
		}
	}
	if a.Tasks != nil {
		cpy.Tasks = make([]TaskAction, len(a.Tasks))
		for i, t := range a.Tasks {
			t.AssignTo = cloneSlice(t.AssignTo)
			cpy.Tasks[i] = t
		}
	}
	if a.DataLogs != nil {
		cpy.DataLogs = make([]DataAction, len(a.DataLogs))
		for i, d := range a.DataLogs {
			d.Tags = cloneMap(d.Tags)
			cpy.DataLogs[i] = d
		}
	}
	if a.Integrations != nil {
		cpy.Integrations = make([]IntegrationAction, len(a.Integrations))
		for i, in := range a.Integrations {
			in.Headers = cloneMap(in.Headers)
			cpy.Integrations[i] = in
		}
	}
	return cpy
}

func (s Settings) clone() Settings {
	cpy := s
	if s.Hysteresis != nil {
		cpy.Hysteresis = make(map[SensorType]HysteresisBand, len(s.Hysteresis))
		for k, v := range s.Hysteresis {
			cpy.Hysteresis[k] = v
		}
	}
	if s.Safety.EmergencyStop != nil {
		cpy.Safety.EmergencyStop = make([]EmergencyStop, len(s.Safety.EmergencyStop))
		for i, e := range s.Safety.EmergencyStop {
			e.Value, e.Min, e.Max = cloneFloatPtr(e.Value), cloneFloatPtr(e.Min), cloneFloatPtr(e.Max)
			cpy.Safety.EmergencyStop[i] = e
		}
	}
	return cpy
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	cpy := make(map[K]V, len(m))
	for k, v := range m {
		cpy[k] = v
	}
	return cpy
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneFloatPtr(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneIntPtr(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
