package automation

import (
	"context"
	"sync"
	"time"
)

// executionRetention bounds the execution window kept in runtime state.
// It covers the daily cap check.
const executionRetention = 25 * time.Hour

// RuntimeState is the mutable per-rule state carried between cycles.
// Only the cycle holding the rule's lock reads or writes it.
type RuntimeState struct {
	RuleID string     `json:"rule_id"`
	Timers TimerState `json:"timers"`

	LastMatched    bool        `json:"last_matched"`
	LastExecutedAt *time.Time  `json:"last_executed_at,omitempty"`
	Executions     []time.Time `json:"executions,omitempty"` // admitted starts, oldest first

	// ActiveSince is set while the rule's actuators are energised.
	// ActiveUntil is set when every energising command has a duration.
	ActiveSince *time.Time `json:"active_since,omitempty"`
	ActiveUntil *time.Time `json:"active_until,omitempty"`

	EmergencyLatched bool `json:"emergency_latched"`

	// Commanded is the last command this rule sent to each device, keyed
	// by device type and id. It is cleared when the rule stops matching.
	Commanded map[string]Command `json:"commanded,omitempty"`

	// OverrideUsed is the issue time of the last override token that
	// admitted a start. A token is good for one start.
	OverrideUsed *time.Time `json:"override_used,omitempty"`
}

// NewRuntimeState returns empty state for a rule.
func NewRuntimeState(ruleID string) *RuntimeState {
	return &RuntimeState{RuleID: ruleID}
}

// ActuatorActive reports whether the rule's actuators are running at now.
func (s *RuntimeState) ActuatorActive(now time.Time) bool {
	if s.ActiveSince == nil {
		return false
	}
	return s.ActiveUntil == nil || now.Before(*s.ActiveUntil)
}

// executionsSince counts admitted starts strictly after from.
func (s *RuntimeState) executionsSince(from time.Time) int {
	n := 0
	for i := len(s.Executions) - 1; i >= 0; i-- {
		if !s.Executions[i].After(from) {
			break
		}
		n++
	}
	return n
}

// recordStart marks an admitted execution at now. until is nil when the
// actuators run until explicitly stopped.
func (s *RuntimeState) recordStart(now time.Time, energised bool, until *time.Time) {
	s.LastExecutedAt = &now
	s.Executions = append(s.Executions, now)
	s.prune(now)
	if energised {
		s.ActiveSince = &now
		s.ActiveUntil = until
	}
}

// recordStop clears the active-runtime timer.
func (s *RuntimeState) recordStop() {
	s.ActiveSince = nil
	s.ActiveUntil = nil
	s.Commanded = nil
}

func (s *RuntimeState) recordCommanded(r *Rule) {
	if len(r.Actions.Controls) == 0 {
		return
	}
	if s.Commanded == nil {
		s.Commanded = make(map[string]Command, len(r.Actions.Controls))
	}
	for _, c := range r.Actions.Controls {
		s.Commanded[deviceKey(c)] = c.Command
	}
}

// holds reports whether every control of the rule already has its
// command applied.
func (s *RuntimeState) holds(r *Rule) bool {
	if len(r.Actions.Controls) == 0 || len(s.Commanded) == 0 {
		return false
	}
	for _, c := range r.Actions.Controls {
		if got, ok := s.Commanded[deviceKey(c)]; !ok || got != c.Command {
			return false
		}
	}
	return true
}

func (s *RuntimeState) prune(now time.Time) {
	cutoff := now.Add(-executionRetention)
	i := 0
	for i < len(s.Executions) && s.Executions[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		s.Executions = append([]time.Time(nil), s.Executions[i:]...)
	}
}

// clone returns an independent copy of the state.
func (s *RuntimeState) clone() *RuntimeState {
	cpy := *s
	cpy.Timers.FirstTrue = cloneMap(s.Timers.FirstTrue)
	cpy.LastExecutedAt = cloneTimePtr(s.LastExecutedAt)
	cpy.Executions = cloneSlice(s.Executions)
	cpy.ActiveSince = cloneTimePtr(s.ActiveSince)
	cpy.ActiveUntil = cloneTimePtr(s.ActiveUntil)
	cpy.Commanded = cloneMap(s.Commanded)
	cpy.OverrideUsed = cloneTimePtr(s.OverrideUsed)
	return &cpy
}

// RuntimeStore persists per-rule runtime state between cycles.
type RuntimeStore interface {
	// Load returns the rule's state, or fresh state if none is stored.
	Load(ctx context.Context, ruleID string) (*RuntimeState, error)
	Save(ctx context.Context, state *RuntimeState) error
	Delete(ctx context.Context, ruleID string) error
}

// MemoryRuntimeStore keeps runtime state in process memory.
// State is lost on restart; use RedisRuntimeStore to share or persist it.
type MemoryRuntimeStore struct {
	mu     sync.Mutex
	states map[string]*RuntimeState
}

// NewMemoryRuntimeStore creates an empty in-memory store.
func NewMemoryRuntimeStore() *MemoryRuntimeStore {
	return &MemoryRuntimeStore{states: make(map[string]*RuntimeState)}
}

// Load implements RuntimeStore.
func (m *MemoryRuntimeStore) Load(_ context.Context, ruleID string) (*RuntimeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[ruleID]; ok {
		return s.clone(), nil
	}
	return NewRuntimeState(ruleID), nil
}

// Save implements RuntimeStore.
func (m *MemoryRuntimeStore) Save(_ context.Context, state *RuntimeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.RuleID] = state.clone()
	return nil
}

// Delete implements RuntimeStore.
func (m *MemoryRuntimeStore) Delete(_ context.Context, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, ruleID)
	return nil
}
