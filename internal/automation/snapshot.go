package automation

import "time"

// Snapshot is the context a cycle evaluates rules against. It is produced
// by the telemetry and weather collaborators and is never mutated by the
// engine.
type Snapshot struct {
	FarmID  string    `json:"farm_id"`
	BlockID string    `json:"block_id,omitempty"` // empty = whole farm
	Time    time.Time `json:"time"`

	Sensors map[SensorType]Reading   `json:"sensors,omitempty"`
	Plant   *PlantContext            `json:"plant,omitempty"`
	Weather map[WeatherField]float64 `json:"weather,omitempty"`

	// Overrides carries human-initiated override tokens keyed by rule ID.
	Overrides map[string]Override `json:"overrides,omitempty"`
}

// Reading is a single sensor value.
type Reading struct {
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PlantContext describes the crop currently growing in the block.
type PlantContext struct {
	GrowthStage       GrowthStage `json:"growth_stage"`
	DaysAfterPlanting *int        `json:"days_after_planting,omitempty"`
	DaysToHarvest     *int        `json:"days_to_harvest,omitempty"`
}

// Override is a human-initiated permission to run a rule that requires
// manual override. ActorID comes from the identity collaborator.
type Override struct {
	ActorID  string    `json:"actor_id"`
	IssuedAt time.Time `json:"issued_at"`
	Reason   string    `json:"reason,omitempty"`
}

// reading returns the sensor value if present and not older than maxAge.
// A zero maxAge disables the staleness check.
func (s *Snapshot) reading(st SensorType, maxAge time.Duration) (Reading, bool) {
	r, ok := s.Sensors[st]
	if !ok {
		return Reading{}, false
	}
	if maxAge > 0 && !r.Timestamp.IsZero() && s.Time.Sub(r.Timestamp) > maxAge {
		return Reading{}, false
	}
	return r, true
}
