package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/agrilogic-core/internal/audit"
	"github.com/nerrad567/agrilogic-core/internal/automation"
	"github.com/nerrad567/agrilogic-core/internal/infrastructure/config"
	"github.com/nerrad567/agrilogic-core/internal/infrastructure/database"
	"github.com/nerrad567/agrilogic-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/agrilogic-core/internal/infrastructure/logging"
	"github.com/nerrad567/agrilogic-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/agrilogic-core/internal/integration"
	"github.com/nerrad567/agrilogic-core/internal/notify"
	"github.com/nerrad567/agrilogic-core/internal/scheduler"
	"github.com/nerrad567/agrilogic-core/internal/tasks"
)

// serviceDeps are the connected infrastructure clients. Influx and Redis
// are nil when disabled; MQTT is nil only in tests.
type serviceDeps struct {
	DB       *database.DB
	MQTT     *mqtt.Client
	Influx   *influxdb.Client
	Redis    *redis.Client
	Registry prometheus.Registerer
}

// services is the wired rule engine.
type services struct {
	Catalog   *automation.Catalog
	Changes   *automation.ChangeManager
	Engine    *automation.Engine
	Scheduler *scheduler.Scheduler
	Audit     *audit.Recorder

	taskClient *asynq.Client
}

// Close releases clients owned by the services.
func (s *services) Close() {
	if s.taskClient != nil {
		_ = s.taskClient.Close()
	}
}

// buildServices wires the catalog, dispatcher collaborators, engine, and
// scheduler from cfg and the connected infrastructure.
func buildServices(ctx context.Context, cfg *config.Config, log *logging.Logger, deps serviceDeps) (*services, error) { //nolint:funlen // one place for all wiring
	metrics := automation.NewMetrics(deps.Registry)
	repo := automation.NewSQLiteRepository(deps.DB.DB)

	auditRec := audit.NewRecorder(audit.NewSQLiteRepository(deps.DB.DB))

	catalog := automation.NewCatalog(repo)
	catalog.SetLogger(log.Component("catalog"))
	catalog.SetAuditRecorder(auditRec)
	if err := catalog.RefreshCache(ctx); err != nil {
		return nil, fmt.Errorf("loading rule catalog: %w", err)
	}
	log.Info("rule catalog loaded", "rules", catalog.Count())

	changes := automation.NewChangeManager(catalog)
	changes.SetLogger(log.Component("changes"))

	// Interfaces stay nil, not typed-nil, when MQTT is absent.
	var publisher interface {
		notify.Publisher
		automation.MQTTClient
	}
	if deps.MQTT != nil {
		publisher = deps.MQTT
	}

	router, err := notify.NewRouterFromConfig(cfg.Notifications, publisher, cfg.GetOutboundTimeout())
	if err != nil {
		return nil, fmt.Errorf("configuring notifications: %w", err)
	}
	router.SetLogger(log.Component("notify"))
	log.Info("notification channels configured", "channels", router.Channels())

	devices := automation.NewMQTTDeviceController(publisher)
	devices.SetLogger(log.Component("devices"))

	dispatchDeps := automation.DispatcherDeps{
		Devices:      devices,
		Notifier:     router,
		Integrations: integration.NewCaller(cfg.GetOutboundTimeout()),
	}

	svc := &services{Catalog: catalog, Changes: changes, Audit: auditRec}

	if cfg.TaskQueue.Enabled {
		svc.taskClient = tasks.NewClient(cfg.Redis)
		dispatchDeps.Tasks = tasks.NewProducer(svc.taskClient, cfg.TaskQueue.Queue, cfg.TaskQueue.MaxRetry)
		log.Info("task queue enabled", "queue", cfg.TaskQueue.Queue)
	}

	var executions automation.ExecutionRecorder = repo
	if deps.Influx != nil {
		recorder := influxdb.NewRecorder(deps.Influx)
		dispatchDeps.Events = recorder
		executions = influxdb.NewExecutionTee(repo, recorder)
	}

	dispatcher := automation.NewDispatcher(dispatchDeps, cfg.GetOutboundTimeout())
	dispatcher.SetLogger(log.Component("dispatcher"))
	dispatcher.SetMetrics(metrics)
	dispatcher.SetRetryBackoff(cfg.GetIntegrationRetryDelay())
	dispatcher.SetCriticalChannels(channels(cfg.Notifications.CriticalChannels))

	runtime, err := runtimeStore(cfg, deps.Redis)
	if err != nil {
		svc.Close()
		return nil, err
	}

	tracker := automation.NewPerformanceTracker(catalog, metrics)
	tracker.SetLogger(log.Component("tracker"))

	engine := automation.NewEngine(automation.EngineDeps{
		Catalog:    catalog,
		Dispatcher: dispatcher,
		Tracker:    tracker,
		Runtime:    runtime,
		Executions: executions,
		Metrics:    metrics,
	}, automation.EngineConfig{
		MaxReadingAge:    cfg.GetMaxReadingAge(),
		ExecutionTimeout: cfg.GetExecutionTimeout(),
		OverrideTTL:      cfg.GetOverrideTTL(),
	})
	engine.SetLogger(log.Component("engine"))
	svc.Engine = engine

	sched, err := scheduler.New(engine, scheduler.Config{
		Schedule: cfg.Engine.Schedule,
		Scopes:   scopes(cfg.Engine.Scopes),
		Location: cfg.Location(),
		Push:     cfg.Engine.Mode == "push",
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	sched.SetLogger(log.Component("scheduler"))
	svc.Scheduler = sched

	return svc, nil
}

func runtimeStore(cfg *config.Config, client *redis.Client) (automation.RuntimeStore, error) {
	switch cfg.Engine.RuntimeStore {
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis runtime store selected but Redis is not connected")
		}
		return automation.NewRedisRuntimeStore(client, cfg.Redis.KeyPrefix), nil
	default:
		return automation.NewMemoryRuntimeStore(), nil
	}
}

func channels(names []string) []automation.Channel {
	out := make([]automation.Channel, 0, len(names))
	for _, n := range names {
		out = append(out, automation.Channel(n))
	}
	return out
}

func scopes(cfgs []config.ScopeConfig) []scheduler.Scope {
	out := make([]scheduler.Scope, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, scheduler.Scope{FarmID: c.FarmID, BlockID: c.BlockID})
	}
	return out
}
