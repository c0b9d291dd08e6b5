// Package scheduler runs tasks submitted via TaskRequested: dependency
// admission, bounded-concurrency dispatch, retry, timeout, and
// cooperative cancellation. It substantially reworks the teacher's
// ticker-based orchestrator/scheduler into the dependency-graph,
// event-driven design spec.md §4.3 calls for.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/kernel/bus"
	"github.com/kandev/agentkernel/internal/kernel/capability"
	"github.com/kandev/agentkernel/internal/kernel/event"
	"github.com/kandev/agentkernel/internal/kernel/executor"
	"github.com/kandev/agentkernel/internal/kernel/queue"
	"github.com/kandev/agentkernel/internal/kernel/task"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Errors, per the kernel's error taxonomy (spec.md §7).
var (
	ErrInvalidTask     = errors.New("scheduler: invalid task")
	ErrDuplicateTaskID = errors.New("scheduler: duplicate task id")
	ErrCycleDetected   = errors.New("scheduler: dependency cycle detected")
	ErrAlreadyRunning  = errors.New("scheduler: already running")
	ErrNotRunning      = errors.New("scheduler: not running")
)

// Config controls scheduler behavior.
type Config struct {
	MaxConcurrent  int
	ReadyQueueSize int           // 0 means unbounded
	ShutdownGrace  time.Duration // grace window before abandoning running tasks at shutdown
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 5,
		ShutdownGrace: 10 * time.Second,
	}
}

// TaskRequest is the TaskRequested event payload: everything needed to
// admit a task.
type TaskRequest struct {
	ID           string
	Name         string
	Kind         string
	SourceID     string
	Payload      any
	Dependencies []string
	Timeout      time.Duration
	MaxRetries   int
	Priority     event.Priority
}

type runningEntry struct {
	task            *task.Task
	cancel          context.CancelFunc
	cancelRequested bool
	mu              sync.Mutex
}

// Scheduler is the dependency-aware, bounded-concurrency task runner.
type Scheduler struct {
	cfg Config

	bus      bus.EventBus
	registry *executor.Registry
	caps     *capability.Manager
	logger   *logger.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	cond     *sync.Cond
	ready    *queue.ReadyQueue
	waiting  map[string]*task.Task
	depIndex map[string]map[string]struct{} // depID -> set of waiter IDs still blocked on depID
	running  map[string]*runningEntry
	terminal map[string]*task.Task
	all      map[string]*task.Task // every admitted task, for status lookups and cycle detection

	sem *semaphore.Weighted

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Scheduler. eb is used publish-only (TaskStarted/
// Completed/Failed); the scheduler's subscription to TaskRequested is
// installed by Start.
func New(cfg Config, eb bus.EventBus, registry *executor.Registry, caps *capability.Manager, log *logger.Logger) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		bus:      eb,
		registry: registry,
		caps:     caps,
		logger:   log.WithFields(zap.String("component", "scheduler")),
		tracer:   otel.Tracer("kernel/scheduler"),
		ready:    queue.NewReadyQueue(cfg.ReadyQueueSize),
		waiting:  make(map[string]*task.Task),
		depIndex: make(map[string]map[string]struct{}),
		running:  make(map[string]*runningEntry),
		terminal: make(map[string]*task.Task),
		all:      make(map[string]*task.Task),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start subscribes to TaskRequested and begins the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if _, err := s.bus.Subscribe(event.TaskRequested, func(_ context.Context, ev *event.Event) error {
		req, ok := ev.Payload.(TaskRequest)
		if !ok {
			return ErrInvalidTask
		}
		return s.admit(ctx, req, ev.Sequence)
	}); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.dispatchLoop(ctx)
	return nil
}

// Submit publishes a TaskRequested event, which Start's subscription
// admits asynchronously. Returns the event sequence assigned by the bus; use
// TaskStatus(req.ID) to observe admission/terminal state.
func (s *Scheduler) Submit(ctx context.Context, req TaskRequest) (uint64, error) {
	return s.bus.Publish(ctx, event.TaskRequested, req.SourceID, req, req.Priority, nil)
}

// TaskStatus returns the current status of a known task id.
func (s *Scheduler) TaskStatus(id string) (task.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.all[id]
	if !ok {
		return "", false
	}
	return t.Status, true
}

// ActiveTaskCount returns the number of tasks currently in the
// Running state.
func (s *Scheduler) ActiveTaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown stops admitting new tasks, waits up to cfg.ShutdownGrace for
// running tasks to finish, then force-cancels any still running.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.started = false
	close(s.stopCh)
	s.cond.Broadcast()
	s.mu.Unlock()

	deadline := time.NewTimer(s.cfg.ShutdownGrace)
	defer deadline.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-deadline.C:
		s.mu.Lock()
		for id, e := range s.running {
			e.mu.Lock()
			e.cancelRequested = true
			e.mu.Unlock()
			e.cancel()
			s.logger.Warn("shutdown grace exceeded, cancelling running task", zap.String("task_id", id))
		}
		s.mu.Unlock()
		<-done
	}
	return nil
}
