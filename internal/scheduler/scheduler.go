package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nerrad567/agrilogic-core/internal/automation"
	"github.com/nerrad567/agrilogic-core/internal/infrastructure/mqtt"
)

// ErrUnknownTopic is returned for messages that are not snapshot messages.
var ErrUnknownTopic = errors.New("scheduler: not a snapshot topic")

// snapshotQoS matches the at-least-once delivery of the telemetry side.
const snapshotQoS = 1

// Logger is the logging interface used by the scheduler.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// CycleRunner runs one evaluation cycle. *automation.Engine satisfies it.
type CycleRunner interface {
	RunCycle(ctx context.Context, snap automation.Snapshot) (*automation.CycleReport, error)
}

// Subscriber subscribes to MQTT topics. *mqtt.Client satisfies it.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Config configures a Scheduler.
type Config struct {
	// Schedule is a cron expression or descriptor such as "@every 1m".
	Schedule string

	Scopes []Scope

	// Location is the site timezone. Snapshot times and cron schedules are
	// interpreted in it. Nil means UTC.
	Location *time.Location

	// Push evaluates snapshots as they arrive, in addition to the schedule.
	Push bool
}

// Scheduler triggers evaluation cycles per scope.
type Scheduler struct {
	runner CycleRunner
	cache  *SnapshotCache
	cron   *cron.Cron
	scopes map[Scope]bool
	order  []Scope
	loc    *time.Location
	push   bool
	logger Logger
	now    func() time.Time

	mu       sync.Mutex
	ctx      context.Context //nolint:containedctx // lifetime of scheduled jobs
	inFlight map[Scope]bool
	wg       sync.WaitGroup
}

// New creates a scheduler. It fails if the schedule does not parse or no
// scope is configured.
func New(runner CycleRunner, cfg Config) (*Scheduler, error) {
	if len(cfg.Scopes) == 0 {
		return nil, fmt.Errorf("scheduler: at least one scope is required")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	s := &Scheduler{
		runner:   runner,
		cache:    NewSnapshotCache(),
		cron:     cron.New(cron.WithLocation(loc)),
		scopes:   make(map[Scope]bool, len(cfg.Scopes)),
		loc:      loc,
		push:     cfg.Push,
		logger:   noopLogger{},
		now:      time.Now,
		ctx:      context.Background(),
		inFlight: make(map[Scope]bool),
	}
	for _, sc := range cfg.Scopes {
		if !s.scopes[sc] {
			s.scopes[sc] = true
			s.order = append(s.order, sc)
		}
	}

	if _, err := s.cron.AddFunc(cfg.Schedule, s.Tick); err != nil {
		return nil, fmt.Errorf("scheduler: parsing schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// SetLogger sets the logger for the scheduler.
func (s *Scheduler) SetLogger(logger Logger) {
	s.logger = logger
}

// Cache returns the snapshot cache.
func (s *Scheduler) Cache() *SnapshotCache {
	return s.cache
}

// Start begins running the schedule. Cycles started by the scheduler use
// ctx and stop with it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "scopes", len(s.order), "push", s.push)
}

// Stop halts the schedule and waits for running cycles to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Subscribe registers HandleMessage for every snapshot topic.
func (s *Scheduler) Subscribe(sub Subscriber) error {
	topic := mqtt.Topics{}.AllSnapshots()
	if err := sub.Subscribe(topic, snapshotQoS, s.HandleMessage); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

// Tick runs a cycle for every scope, concurrently, using the latest cached
// snapshot. A scope with nothing cached still runs with a time-only
// snapshot so schedule-driven rules fire; its sensor conditions fail
// closed. Override tokens are not replayed from the cache: a token only
// counts with the snapshot that delivered it.
func (s *Scheduler) Tick() {
	now := s.now().In(s.loc)
	for _, sc := range s.order {
		snap, ok := s.cache.Get(sc)
		if !ok {
			snap = automation.Snapshot{FarmID: sc.FarmID, BlockID: sc.BlockID}
		}
		snap.Overrides = nil
		snap.Time = now
		s.launch(sc, snap)
	}
}

// HandleMessage caches a snapshot received on
// agrilogic/snapshot/{farm}/{block}. The scope in the topic overrides the
// payload's. In push mode the snapshot is evaluated immediately.
func (s *Scheduler) HandleMessage(topic string, payload []byte) error {
	farmID, blockID, ok := mqtt.Topics{}.ParseSnapshot(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	sc := Scope{FarmID: farmID, BlockID: blockID}
	if !s.scopes[sc] {
		s.logger.Debug("snapshot for unscheduled scope ignored", "scope", sc.String())
		return nil
	}

	var snap automation.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return fmt.Errorf("decoding snapshot for %s: %w", sc, err)
	}
	snap.FarmID = farmID
	snap.BlockID = blockID
	if snap.Time.IsZero() {
		snap.Time = s.now()
	}
	snap.Time = snap.Time.In(s.loc)

	if !s.cache.Put(snap) {
		s.logger.Debug("out-of-order snapshot dropped", "scope", sc.String(), "time", snap.Time)
		return nil
	}
	if s.push {
		s.launch(sc, snap)
	}
	return nil
}

// launch runs a cycle for scope in the background unless one is already
// running for it.
func (s *Scheduler) launch(sc Scope, snap automation.Snapshot) {
	s.mu.Lock()
	if s.inFlight[sc] {
		s.mu.Unlock()
		s.logger.Warn("cycle still running, skipped", "farm_id", sc.FarmID, "block_id", sc.BlockID)
		return
	}
	s.inFlight[sc] = true
	ctx := s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, sc)
			s.mu.Unlock()
		}()
		s.run(ctx, sc, snap)
	}()
}

func (s *Scheduler) run(ctx context.Context, sc Scope, snap automation.Snapshot) {
	if ctx.Err() != nil {
		return
	}
	report, err := s.runner.RunCycle(ctx, snap)
	if err != nil {
		s.logger.Error("evaluation cycle failed", "farm_id", sc.FarmID, "block_id", sc.BlockID, "error", err)
		return
	}
	s.logger.Debug("evaluation cycle complete",
		"farm_id", sc.FarmID, "block_id", sc.BlockID,
		"rules", len(report.Outcomes), "admitted", len(report.Admitted()), "elapsed", report.Elapsed)
}

// Wait blocks until every launched cycle has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
