// Package lifecycle implements the kernel's top-level state machine
// and the Kernel struct that wires every other component together,
// per spec.md §4.1.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/agentkernel/internal/common/config"
	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/kernel/bus"
	"github.com/kandev/agentkernel/internal/kernel/capability"
	"github.com/kandev/agentkernel/internal/kernel/event"
	"github.com/kandev/agentkernel/internal/kernel/executor"
	"github.com/kandev/agentkernel/internal/kernel/planner"
	"github.com/kandev/agentkernel/internal/kernel/policy"
	"github.com/kandev/agentkernel/internal/kernel/recorder"
	"github.com/kandev/agentkernel/internal/kernel/scheduler"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is one position in the kernel's run state machine:
//
//	Starting -> Running <-> Paused -> Stopping -> Stopped
type State string

const (
	Starting State = "starting"
	Running  State = "running"
	Paused   State = "paused"
	Stopping State = "stopping"
	Stopped  State = "stopped"
)

// ErrInvalidTransition is returned for any transition not in the legal
// set below.
var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

var legalTransitions = map[State]map[State]bool{
	Starting: {Running: true},
	Running:  {Paused: true, Stopping: true},
	Paused:   {Running: true, Stopping: true},
	Stopping: {Stopped: true},
}

// Config wires the component configuration the Kernel constructs its
// subsystems from.
type Config struct {
	SchedulerConfig scheduler.Config
	PolicyMode      policy.Mode
	PolicyAllowList policy.AllowList
	BusMaxQueue     int
	SessionLogPath  string
	KernelVersion   string

	// EventBusBackend selects "memory" (default) or "nats"; NATS
	// requires NATSConfig.URL to be reachable.
	EventBusBackend string
	NATSConfig      config.NATSConfig

	// CapabilityStore selects "memory" (default) or "postgres";
	// postgres requires CapabilityDB to be a live connection with the
	// capability_grants table migrated (capability.NewPostgresStore).
	CapabilityStore string
	CapabilityDB    *sqlx.DB
}

// FromAppConfig builds a lifecycle.Config from the application's
// top-level configuration, the boundary between the ambient viper/
// mapstructure config layer and the kernel's own component config
// types (spec.md §9's "config read once, threaded explicitly").
func FromAppConfig(cfg *config.Config) Config {
	return Config{
		SchedulerConfig: scheduler.Config{
			MaxConcurrent:  cfg.Kernel.Scheduler.MaxConcurrent,
			ReadyQueueSize: cfg.Kernel.Scheduler.ReadyQueueSize,
			ShutdownGrace:  cfg.Kernel.Scheduler.ShutdownGraceDuration(),
		},
		PolicyMode:      policy.Mode(cfg.Kernel.Policy.Mode),
		PolicyAllowList: policy.NewAllowList(cfg.Kernel.Policy.AllowedFiles, cfg.Kernel.Policy.AllowedNetworks),
		BusMaxQueue:     cfg.Kernel.EventBus.MaxQueue,
		SessionLogPath:  cfg.Kernel.Recorder.SessionLogPath,
		KernelVersion:   cfg.Kernel.Recorder.KernelVersion,
		EventBusBackend: cfg.Kernel.EventBus.Backend,
		NATSConfig:      cfg.NATS,
		CapabilityStore: cfg.Kernel.Capability.Store,
	}
}

// Kernel owns the full component graph: bus, scheduler, executor
// registry, capability manager, policy engine, planner bridge, session
// recorder, and the lifecycle state machine gating them.
type Kernel struct {
	mu    sync.Mutex
	state State

	Bus       bus.EventBus
	Scheduler *scheduler.Scheduler
	Registry  *executor.Registry
	Caps      *capability.Manager
	Policy    *policy.Engine
	Planner   *planner.Bridge
	Recorder  *recorder.SessionRecorder
	logger    *logger.Logger
	tracer    trace.Tracer
}

// New constructs every kernel subsystem wired together per cfg but
// does not start them; call Start to enter Running.
func New(cfg Config, log *logger.Logger) (*Kernel, error) {
	logger := log.WithFields(zap.String("component", "kernel"))

	rec, err := recorder.New(cfg.SessionLogPath, cfg.KernelVersion, recorder.SessionConfig{
		PolicyMode:        string(cfg.PolicyMode),
		MaxConcurrentTask: cfg.SchedulerConfig.MaxConcurrent,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: construct recorder: %w", err)
	}

	var eb bus.EventBus
	switch cfg.EventBusBackend {
	case "nats":
		eb, err = bus.NewNATSEventBus(cfg.NATSConfig, rec, nil, log)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: construct nats bus: %w", err)
		}
	default:
		eb = bus.NewMemoryEventBus(cfg.BusMaxQueue, rec, nil, log)
	}

	registry := executor.NewRegistry(log)

	var capStore capability.Store
	switch cfg.CapabilityStore {
	case "postgres":
		if cfg.CapabilityDB == nil {
			return nil, fmt.Errorf("lifecycle: capability store \"postgres\" requires CapabilityDB")
		}
		capStore = capability.NewPostgresStore(cfg.CapabilityDB)
	default:
		capStore = capability.NewMemoryStore()
	}
	caps := capability.NewManager(capStore, log)
	eng := policy.NewEngine(cfg.PolicyMode, cfg.PolicyAllowList)
	sched := scheduler.New(cfg.SchedulerConfig, eb, registry, caps, log)
	bridge := planner.New(eb, eng, caps, sched, log)

	return &Kernel{
		state:     Starting,
		Bus:       eb,
		Scheduler: sched,
		Registry:  registry,
		Caps:      caps,
		Policy:    eng,
		Planner:   bridge,
		Recorder:  rec,
		logger:    logger,
		tracer:    otel.Tracer("kernel/lifecycle"),
	}, nil
}

// State returns the kernel's current lifecycle state.
func (k *Kernel) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// transition moves the kernel to next if legal, publishing the given
// event kind only on success.
func (k *Kernel) transition(ctx context.Context, next State, publishKind event.Kind) error {
	k.mu.Lock()
	cur := k.state
	if !legalTransitions[cur][next] {
		k.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}
	k.state = next
	k.mu.Unlock()

	k.logger.Info("lifecycle transition", zap.String("from", string(cur)), zap.String("to", string(next)))

	if publishKind != "" {
		if _, err := k.Bus.Publish(ctx, publishKind, "lifecycle", nil, event.Critical, nil); err != nil {
			k.logger.Error("failed to publish lifecycle event", zap.String("kind", string(publishKind)), zap.Error(err))
		}
	}
	return nil
}

// Start transitions Starting -> Running and starts the scheduler and
// planner bridge subscriptions.
func (k *Kernel) Start(ctx context.Context) error {
	ctx, span := k.tracer.Start(ctx, "kernel.lifecycle.start")
	defer span.End()

	if err := k.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("lifecycle: start scheduler: %w", err)
	}
	if err := k.Planner.Start(ctx); err != nil {
		return fmt.Errorf("lifecycle: start planner bridge: %w", err)
	}
	return k.transition(ctx, Running, "")
}

// Pause transitions Running -> Paused. The bus keeps accepting
// publish. Only callers that check CanSubmitTask before calling
// Scheduler.Submit (the control surface's task.submit) refuse new
// tasks while Paused. The scheduler itself has no lifecycle awareness:
// it keeps starting tasks already in its ready queue, and it still
// admits tasks submitted through other paths (plan dispatch, a
// TaskRequested event published directly).
func (k *Kernel) Pause(ctx context.Context) error {
	return k.transition(ctx, Paused, event.KernelPause)
}

// Resume transitions Paused -> Running.
func (k *Kernel) Resume(ctx context.Context) error {
	return k.transition(ctx, Running, event.KernelResume)
}

// CanSubmitTask reports whether the kernel's current state allows new
// task submission (Running only; Paused and Stopping both refuse).
func (k *Kernel) CanSubmitTask() bool {
	return k.State() == Running
}

// Shutdown transitions to Stopping, drains the scheduler, flushes the
// recorder, then transitions to Stopped. The bus is not gated by the
// lifecycle state: it keeps accepting publishes from any caller until
// Bus.Close, which runs after the final KernelShutdown event has been
// published.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if err := k.transition(ctx, Stopping, ""); err != nil {
		return err
	}

	if err := k.Scheduler.Shutdown(ctx); err != nil {
		k.logger.Warn("scheduler shutdown returned an error", zap.Error(err))
	}

	if _, err := k.Bus.Publish(ctx, event.KernelShutdown, "lifecycle", nil, event.Critical, nil); err != nil {
		k.logger.Error("failed to publish final KernelShutdown event", zap.Error(err))
	}
	if err := k.Bus.Close(); err != nil {
		k.logger.Warn("bus close returned an error", zap.Error(err))
	}
	if err := k.Recorder.Close(); err != nil {
		k.logger.Error("failed to flush session recorder", zap.Error(err))
		k.mu.Lock()
		k.state = Stopped
		k.mu.Unlock()
		return fmt.Errorf("lifecycle: recorder flush: %w", err)
	}

	k.mu.Lock()
	k.state = Stopped
	k.mu.Unlock()
	k.logger.Info("lifecycle transition", zap.String("from", string(Stopping)), zap.String("to", string(Stopped)))
	return nil
}
