// Package orchestrator wires the event bus, state store, cache, load
// balancer, coordination engine and workflow manager into one facade and
// manages their lifecycle.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voltagent/voltagent/internal/balancer"
	"github.com/voltagent/voltagent/internal/bridge"
	"github.com/voltagent/voltagent/internal/bus"
	"github.com/voltagent/voltagent/internal/cache"
	"github.com/voltagent/voltagent/internal/config"
	"github.com/voltagent/voltagent/internal/coord"
	"github.com/voltagent/voltagent/internal/faults"
	"github.com/voltagent/voltagent/internal/persist"
	"github.com/voltagent/voltagent/internal/schedule"
	"github.com/voltagent/voltagent/internal/state"
	"github.com/voltagent/voltagent/internal/workflow"
)

// Health summarizes component status.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Orchestrator owns every subsystem and exposes the operations callers use
// to register agents, run workflows and request coordination.
type Orchestrator struct {
	mu  sync.Mutex
	cfg *config.Config

	events     *bus.Bus
	store      *state.Store
	cache      *cache.Cache
	balancer   *balancer.Balancer
	engine     *coord.Engine
	workflows  *workflow.Manager
	classifier *faults.Classifier
	escalator  *faults.Escalator
	scheduler  *schedule.Scheduler
	bridge     *bridge.Bridge
	closer     func() error

	running   bool
	cancel    context.CancelFunc
	startedAt time.Time
}

// New assembles an orchestrator from configuration. Nothing runs until
// Start.
func New(cfg *config.Config) (*Orchestrator, error) {
	o := &Orchestrator{cfg: cfg}
	if err := o.build(); err != nil {
		return nil, err
	}
	return o, nil
}

// build constructs fresh subsystems. Called from New and again on Restart,
// since stopped components do not restart.
func (o *Orchestrator) build() error {
	cfg := o.cfg
	o.events = bus.New(cfg.Bus)

	saver, loader, closer, err := buildPersistence(cfg.Persistence)
	if err != nil {
		return err
	}
	o.closer = closer
	o.store = state.New(cfg.State, state.WithPersistence(saver, loader))

	o.cache = cache.New(cfg.Cache)
	o.balancer = balancer.New(cfg.Balancer)

	o.classifier = faults.NewClassifier()
	o.escalator = faults.NewEscalator(cfg.Faults.Escalation)
	events := o.events
	o.escalator.OnEscalation(func(key faults.EscalationKey, failures []faults.Failure) {
		events.Publish(bus.Event{
			Type:   "fault.escalated",
			Source: "orchestrator",
			Data: map[string]any{
				"operation": key.Operation,
				"agent_id":  key.AgentID,
				"failures":  len(failures),
			},
		})
	})
	handler := faults.NewHandler(cfg.Faults, o.classifier, faults.WithEscalator(o.escalator))
	o.engine = coord.New(cfg.Coord, o.balancer, o.events, coord.WithFaultHandler(handler))

	executor := NewCoordExecutor(o.engine, o.classifier, o.escalator, o.events)
	o.workflows = workflow.New(cfg.Workflow, executor, o.events)

	o.scheduler = schedule.New(cfg.Schedule, o.workflows, o.events)
	o.bridge = bridge.New(cfg.Bridge, o.events, o.engine)
	return nil
}

func buildPersistence(cfg config.PersistenceConfig) (state.Saver, state.Loader, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "", "none":
		return nil, nil, noop, nil
	case "file":
		fs, err := persist.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to build file persistence: %w", err)
		}
		return fs, fs, noop, nil
	case "sqlite":
		ss, err := persist.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to build sqlite persistence: %w", err)
		}
		return ss, ss, ss.Close, nil
	case "redis":
		rs, err := persist.NewRedisStore(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.Namespace)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to build redis persistence: %w", err)
		}
		return rs, rs, rs.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}

// Start brings subsystems up in dependency order: state first, then cache,
// balancer, coordination, and finally the bridge. Idempotent.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}

	if o.cfg.Persistence.Backend != "" && o.cfg.Persistence.Backend != "none" {
		if err := o.store.LoadPersisted(ctx); err != nil {
			slog.Warn("could not restore persisted state", "error", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	go o.cache.Start()
	go o.balancer.Start()
	go o.engine.Start(runCtx)
	if o.cfg.Schedule.Enabled {
		go o.scheduler.Run(runCtx)
	}
	if err := o.bridge.Start(runCtx); err != nil {
		cancel()
		o.cache.Stop()
		o.balancer.Stop()
		o.engine.Stop()
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	o.running = true
	o.startedAt = time.Now()
	o.store.Set("orchestrator.status", "running", "orchestrator")
	slog.Info("orchestrator started",
		"persistence", o.cfg.Persistence.Backend,
		"balancer_strategy", string(o.cfg.Balancer.Strategy))
	return nil
}

// Stop shuts subsystems down in reverse order and persists a final
// snapshot when a backend is configured.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return nil
	}

	o.bridge.Stop()
	o.engine.Stop()
	o.balancer.Stop()
	o.cache.Stop()
	o.cancel()

	o.store.Set("orchestrator.status", "stopped", "orchestrator")
	if o.cfg.Persistence.Backend != "" && o.cfg.Persistence.Backend != "none" {
		if err := o.store.Persist(ctx); err != nil {
			slog.Warn("could not persist final snapshot", "error", err)
		}
	}
	if err := o.closer(); err != nil {
		slog.Warn("persistence close failed", "error", err)
	}

	o.running = false
	slog.Info("orchestrator stopped")
	return nil
}

// Restart stops everything and rebuilds fresh subsystems. Registered agents
// and in-memory state do not survive a restart; persisted state is
// reloaded on Start.
func (o *Orchestrator) Restart(ctx context.Context) error {
	if err := o.Stop(ctx); err != nil {
		return err
	}
	o.mu.Lock()
	if err := o.build(); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()
	return o.Start(ctx)
}

// Subsystem pointers are swapped by Restart, so every accessor reads them
// under the lock.

// Events exposes the bus for subscribers.
func (o *Orchestrator) Events() *bus.Bus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events
}

// State exposes the shared state store.
func (o *Orchestrator) State() *state.Store {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store
}

// Cache exposes the shared cache.
func (o *Orchestrator) Cache() *cache.Cache {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cache
}

// Workflows exposes the workflow manager for definition registration.
func (o *Orchestrator) Workflows() *workflow.Manager {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.workflows
}

// Coordination exposes the coordination engine.
func (o *Orchestrator) Coordination() *coord.Engine {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.engine
}

// ScheduleWorkflow registers a cron trigger for a workflow. The workflow
// must already be registered.
func (o *Orchestrator) ScheduleWorkflow(name, cronExpr, workflowID string, input map[string]any) error {
	o.mu.Lock()
	workflows, scheduler := o.workflows, o.scheduler
	o.mu.Unlock()
	if _, ok := workflows.Definition(workflowID); !ok {
		return fmt.Errorf("unknown workflow %q", workflowID)
	}
	return scheduler.Add(name, cronExpr, workflowID, input)
}
