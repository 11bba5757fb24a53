package influxdb

import (
	"context"
	"strconv"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/agrilogic-core/internal/automation"
)

// Measurements written by the recorder.
const (
	MeasurementRuleEvent     = "rule_event"
	MeasurementRuleExecution = "rule_execution"
)

// PointWriter queues points for writing. Client satisfies it.
type PointWriter interface {
	Write(p *write.Point)
}

// Recorder stores rule events from data actions and execution timing
// points in InfluxDB. It implements automation.EventRecorder.
type Recorder struct {
	w PointWriter
}

// NewRecorder creates a recorder writing through w.
func NewRecorder(w PointWriter) *Recorder {
	return &Recorder{w: w}
}

// RecordEvent implements automation.EventRecorder. Each sensor value
// becomes a field; an event with no values records count=1.
func (r *Recorder) RecordEvent(ctx context.Context, ev automation.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tags := make(map[string]string, len(ev.Tags)+5)
	for k, v := range ev.Tags {
		tags[k] = v
	}
	tags["rule_id"] = ev.RuleID
	tags["farm_id"] = ev.FarmID
	tags["event_type"] = ev.Type
	tags["analytics"] = strconv.FormatBool(ev.Analytics)
	if ev.BlockID != "" {
		tags["block_id"] = ev.BlockID
	}

	fields := make(map[string]any, len(ev.Values)+1)
	for k, v := range ev.Values {
		fields[k] = v
	}
	if len(fields) == 0 {
		fields["count"] = 1
	}

	r.w.Write(write.NewPoint(MeasurementRuleEvent, tags, fields, ev.Time))
	return nil
}

// RecordExecution writes the timing point of one rule outcome.
func (r *Recorder) RecordExecution(exec *automation.Execution) {
	tags := map[string]string{
		"rule_id": exec.RuleID,
		"farm_id": exec.FarmID,
		"verdict": string(exec.Verdict),
	}
	if exec.BlockID != "" {
		tags["block_id"] = exec.BlockID
	}
	if exec.Reason != "" {
		tags["reason"] = string(exec.Reason)
	}

	failed := 0
	for _, a := range exec.Actions {
		if !a.Success {
			failed++
		}
	}
	fields := map[string]any{
		"matched":        exec.Matched,
		"success":        exec.Success,
		"actions":        len(exec.Actions),
		"failed_actions": failed,
	}
	if exec.DurationMS != nil {
		fields["duration_ms"] = *exec.DurationMS
	}

	r.w.Write(write.NewPoint(MeasurementRuleExecution, tags, fields, exec.EvaluatedAt))
}

// ExecutionTee forwards execution records to a primary recorder and, once
// that succeeds, writes their timing point.
type ExecutionTee struct {
	primary  automation.ExecutionRecorder
	recorder *Recorder
}

// NewExecutionTee wraps primary so every stored execution also reaches InfluxDB.
func NewExecutionTee(primary automation.ExecutionRecorder, recorder *Recorder) *ExecutionTee {
	return &ExecutionTee{primary: primary, recorder: recorder}
}

// CreateExecution implements automation.ExecutionRecorder.
func (t *ExecutionTee) CreateExecution(ctx context.Context, exec *automation.Execution) error {
	if err := t.primary.CreateExecution(ctx, exec); err != nil {
		return err
	}
	t.recorder.RecordExecution(exec)
	return nil
}
