package automation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateRule(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Rule)
		wantErr error
	}{
		{
			name:    "valid rule",
			mutate:  func(*Rule) {},
			wantErr: nil,
		},
		{
			name:    "empty name",
			mutate:  func(r *Rule) { r.Name = "  " },
			wantErr: ErrInvalidRule,
		},
		{
			name:    "name too long",
			mutate:  func(r *Rule) { r.Name = strings.Repeat("a", 101) },
			wantErr: ErrInvalidRule,
		},
		{
			name:    "missing farm",
			mutate:  func(r *Rule) { r.FarmID = "" },
			wantErr: ErrInvalidRule,
		},
		{
			name:    "blank block",
			mutate:  func(r *Rule) { r.BlockID = strPtr(" ") },
			wantErr: ErrInvalidRule,
		},
		{
			name:    "missing owner",
			mutate:  func(r *Rule) { r.OwnerID = "" },
			wantErr: ErrInvalidRule,
		},
		{
			name:    "unknown category",
			mutate:  func(r *Rule) { r.Category = "greenhouse" },
			wantErr: ErrInvalidRule,
		},
		{
			name:    "priority zero",
			mutate:  func(r *Rule) { r.Priority = 0 },
			wantErr: ErrInvalidRule,
		},
		{
			name:    "priority above range",
			mutate:  func(r *Rule) { r.Priority = 101 },
			wantErr: ErrInvalidRule,
		},
		{
			name:    "no conditions",
			mutate:  func(r *Rule) { r.Conditions.Sensors = nil },
			wantErr: ErrInvalidRule,
		},
		{
			name: "unknown sensor type",
			mutate: func(r *Rule) {
				r.Conditions.Sensors["leaf_wetness"] = SensorCondition{Operator: OpGreaterThan, Value: floatPtr(1)}
			},
			wantErr: ErrInvalidRule,
		},
		{
			name:    "invalid logic",
			mutate:  func(r *Rule) { r.Conditions.Logic = "XOR" },
			wantErr: ErrInvalidRule,
		},
		{
			name:    "malformed time window",
			mutate:  func(r *Rule) { r.Conditions.Time = &TimeCondition{StartTime: "25:00", EndTime: "06:00"} },
			wantErr: ErrInvalidRule,
		},
		{
			name:    "half-open time window",
			mutate:  func(r *Rule) { r.Conditions.Time = &TimeCondition{StartTime: "06:00"} },
			wantErr: ErrInvalidRule,
		},
		{
			name:    "month out of range",
			mutate:  func(r *Rule) { r.Conditions.Time = &TimeCondition{Months: []int{13}} },
			wantErr: ErrInvalidRule,
		},
		{
			name:    "self dependency",
			mutate:  func(r *Rule) { r.Conditions.DependsOn = []string{r.ID} },
			wantErr: ErrInvalidRule,
		},
		{
			name:    "no actions",
			mutate:  func(r *Rule) { r.Actions = Actions{} },
			wantErr: ErrInvalidRule,
		},
		{
			name:    "set without value",
			mutate:  func(r *Rule) { r.Actions.Controls[0].Command = CommandSet },
			wantErr: ErrInvalidRule,
		},
		{
			name: "gradual without value",
			mutate: func(r *Rule) {
				r.Actions.Controls[0].Gradual = &Ramp{From: 0, Steps: 4, IntervalSeconds: 30}
			},
			wantErr: ErrInvalidRule,
		},
		{
			name: "gradual with zero steps",
			mutate: func(r *Rule) {
				r.Actions.Controls[0].Value = floatPtr(80)
				r.Actions.Controls[0].Gradual = &Ramp{From: 0, Steps: 0, IntervalSeconds: 30}
			},
			wantErr: ErrInvalidRule,
		},
		{
			name: "notification without channels",
			mutate: func(r *Rule) {
				r.Actions.Notifications = []NotificationAction{{Level: LevelInfo, Message: "hi"}}
			},
			wantErr: ErrInvalidRule,
		},
		{
			name: "escalation with zero delay",
			mutate: func(r *Rule) {
				r.Actions.Notifications = []NotificationAction{{
					Level:      LevelInfo,
					Message:    "hi",
					Channels:   []Channel{ChannelApp},
					Escalation: []Escalation{{DelayMinutes: 0, Level: LevelWarning}},
				}}
			},
			wantErr: ErrInvalidRule,
		},
		{
			name: "integration with relative url",
			mutate: func(r *Rule) {
				r.Actions.Integrations = []IntegrationAction{{Name: "erp", Method: "POST", URL: "/hook"}}
			},
			wantErr: ErrInvalidRule,
		},
		{
			name: "integration with bad method",
			mutate: func(r *Rule) {
				r.Actions.Integrations = []IntegrationAction{{Name: "erp", Method: "TRACE", URL: "https://erp.example.com"}}
			},
			wantErr: ErrInvalidRule,
		},
		{
			name: "task with unknown priority",
			mutate: func(r *Rule) {
				r.Actions.Tasks = []TaskAction{{Title: "Check valve", Priority: "asap"}}
			},
			wantErr: ErrInvalidRule,
		},
		{
			name:    "negative cooldown",
			mutate:  func(r *Rule) { r.Settings.Cooldown.MinimumIntervalMinutes = -1 },
			wantErr: ErrInvalidRule,
		},
		{
			name: "hysteresis on unknown sensor",
			mutate: func(r *Rule) {
				r.Settings.Hysteresis = map[SensorType]HysteresisBand{"leaf_wetness": {OnThreshold: 1, OffThreshold: 2}}
			},
			wantErr: ErrInvalidRule,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRule("rule-1")
			tt.mutate(r)

			err := ValidateRule(r)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateRule() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateRule() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRule_Nil(t *testing.T) {
	if err := ValidateRule(nil); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("ValidateRule(nil) = %v, want ErrInvalidRule", err)
	}
}

func TestValidateThresholds(t *testing.T) {
	withBand := func(device DeviceType, on, off float64) func(r *Rule) {
		return func(r *Rule) {
			r.Actions.Controls[0].DeviceType = device
			r.Actions.Controls[0].SensorType = SensorSoilMoisture
			r.Settings.Hysteresis = map[SensorType]HysteresisBand{
				SensorSoilMoisture: {OnThreshold: on, OffThreshold: off},
			}
		}
	}

	tests := []struct {
		name    string
		mutate  func(r *Rule)
		wantErr error
	}{
		{
			name:    "no thresholds to check",
			mutate:  func(*Rule) {},
			wantErr: nil,
		},
		{
			name:    "raising actuator with on below off",
			mutate:  withBand(DeviceIrrigationValve, 18, 25),
			wantErr: nil,
		},
		{
			name:    "raising actuator with on above off",
			mutate:  withBand(DeviceIrrigationValve, 25, 18),
			wantErr: ErrConfiguration,
		},
		{
			name:    "lowering actuator with on above off",
			mutate:  withBand(DeviceFan, 30, 24),
			wantErr: nil,
		},
		{
			name:    "lowering actuator with on below off",
			mutate:  withBand(DeviceFan, 24, 30),
			wantErr: ErrConfiguration,
		},
		{
			name:    "equal thresholds",
			mutate:  withBand(DeviceIrrigationValve, 20, 20),
			wantErr: ErrConfiguration,
		},
		{
			name: "band without tied control",
			mutate: func(r *Rule) {
				r.Settings.Hysteresis = map[SensorType]HysteresisBand{
					SensorAirTemperature: {OnThreshold: 10, OffThreshold: 15},
				}
			},
			wantErr: ErrConfiguration,
		},
		{
			name: "between with inverted range",
			mutate: func(r *Rule) {
				r.Conditions.Sensors[SensorPH] = SensorCondition{Operator: OpBetween, Min: floatPtr(7.5), Max: floatPtr(5.5)}
			},
			wantErr: ErrConfiguration,
		},
		{
			name: "between without max",
			mutate: func(r *Rule) {
				r.Conditions.Sensors[SensorPH] = SensorCondition{Operator: OpBetween, Min: floatPtr(5.5)}
			},
			wantErr: ErrConfiguration,
		},
		{
			name: "threshold operator without value",
			mutate: func(r *Rule) {
				r.Conditions.Sensors[SensorSoilMoisture] = SensorCondition{Operator: OpLessThan}
			},
			wantErr: ErrConfiguration,
		},
		{
			name: "emergency stop without value",
			mutate: func(r *Rule) {
				r.Settings.Safety.EmergencyStop = []EmergencyStop{{SensorType: SensorAirTemperature, Operator: OpGreaterThan}}
			},
			wantErr: ErrConfiguration,
		},
		{
			name: "weather range without bounds",
			mutate: func(r *Rule) {
				r.Conditions.Weather = &WeatherCondition{Ranges: map[WeatherField]Range{WeatherRainProbability: {}}}
			},
			wantErr: ErrConfiguration,
		},
		{
			name: "inverted plant window",
			mutate: func(r *Rule) {
				r.Conditions.Plant = &PlantCondition{MinDaysAfterPlanting: intPtr(40), MaxDaysAfterPlanting: intPtr(10)}
			},
			wantErr: ErrConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRule("rule-1")
			tt.mutate(r)

			err := ValidateThresholds(r)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateThresholds() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateThresholds() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"Irrigate north block", false},
		{"", true},
		{"   ", true},
		{strings.Repeat("a", 100), false},
		{strings.Repeat("a", 101), true},
	}

	for _, tt := range tests {
		err := ValidateName(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
	}
}

func TestGenerateID(t *testing.T) {
	id1 := GenerateID()
	id2 := GenerateID()

	if id1 == "" {
		t.Error("GenerateID returned empty string")
	}
	if id1 == id2 {
		t.Error("GenerateID returned duplicate IDs")
	}
	if len(id1) != 36 {
		t.Errorf("GenerateID length = %d, want 36 (UUID format)", len(id1))
	}
}
