// Package planner implements the Planner Bridge: it ingests plan
// artifacts from an external cognitive controller, runs them through
// the Policy Engine, and on approval translates plan steps into
// scheduler tasks, per spec.md §4.7.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/kernel/bus"
	"github.com/kandev/agentkernel/internal/kernel/capability"
	"github.com/kandev/agentkernel/internal/kernel/event"
	"github.com/kandev/agentkernel/internal/kernel/kernelmetrics"
	"github.com/kandev/agentkernel/internal/kernel/plan"
	"github.com/kandev/agentkernel/internal/kernel/policy"
	"github.com/kandev/agentkernel/internal/kernel/scheduler"
	"github.com/kandev/agentkernel/internal/kernel/task"
	"go.uber.org/zap"
)

var (
	ErrUnknownPlan  = errors.New("planner: unknown plan id")
	ErrNotQueued    = errors.New("planner: plan is not awaiting approval")
	ErrPlanRejected = errors.New("planner: plan already rejected")
)

// DefaultStepTimeout bounds a step's translated task when the step
// itself declares none.
const DefaultStepTimeout = 5 * time.Minute

// tracked is the bridge's bookkeeping for one in-flight plan.
type tracked struct {
	artifact *plan.Artifact
	status   plan.Status
	taskIDs  map[string]struct{} // task ids spawned for this plan's steps
	stepTask map[string]string   // plan step id -> task id
}

// Bridge is the Planner Bridge component. It owns the plan_id -> task
// id set mapping so that task completions and failures can be routed
// back to the right plan's terminal state.
type Bridge struct {
	bus       bus.EventBus
	engine    *policy.Engine
	caps      *capability.Manager
	scheduler *scheduler.Scheduler
	logger    *logger.Logger

	mu    sync.Mutex
	plans map[string]*tracked
}

// New constructs a Bridge. It does not subscribe to any events; Start
// installs the subscriptions that drive its state machine: external
// PlanApproved/PlanRejected decisions for queued plans, and
// TaskCompleted/TaskFailed for tracking step completion.
func New(eb bus.EventBus, engine *policy.Engine, caps *capability.Manager, sched *scheduler.Scheduler, log *logger.Logger) *Bridge {
	return &Bridge{
		bus:       eb,
		engine:    engine,
		caps:      caps,
		scheduler: sched,
		logger:    log.WithFields(zap.String("component", "planner_bridge")),
		plans:     make(map[string]*tracked),
	}
}

// Start subscribes the bridge to the events it reacts to after
// publishing a plan as Queued, and to task completion events used to
// track plan-level terminal state.
func (b *Bridge) Start(ctx context.Context) error {
	if _, err := b.bus.Subscribe(event.PlanApproved, func(_ context.Context, ev *event.Event) error {
		id, ok := ev.Payload.(string)
		if !ok {
			return nil
		}
		return b.handleExternalApproval(ctx, id)
	}); err != nil {
		return err
	}
	if _, err := b.bus.Subscribe(event.PlanRejected, func(_ context.Context, ev *event.Event) error {
		id, ok := ev.Payload.(string)
		if !ok {
			return nil
		}
		return b.handleExternalRejection(ctx, id)
	}); err != nil {
		return err
	}
	if _, err := b.bus.Subscribe(event.TaskCompleted, func(_ context.Context, ev *event.Event) error {
		b.onTaskTerminal(ctx, ev, true)
		return nil
	}); err != nil {
		return err
	}
	if _, err := b.bus.Subscribe(event.TaskFailed, func(_ context.Context, ev *event.Event) error {
		b.onTaskTerminal(ctx, ev, false)
		return nil
	}); err != nil {
		return err
	}
	return nil
}

// Submit ingests a plan artifact: validate, then either reject, queue
// for external review, or approve and dispatch immediately.
func (b *Bridge) Submit(ctx context.Context, p *plan.Artifact) (plan.Status, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	kernelmetrics.PlansProposedTotal.Inc()
	verdict := b.engine.Validate(p, b.caps)
	return b.submitWithVerdict(ctx, p, verdict)
}

// submitWithVerdict runs steps 2-5 of spec.md §4.7 given an
// already-computed policy verdict.
func (b *Bridge) submitWithVerdict(ctx context.Context, p *plan.Artifact, verdict policy.Validation) (plan.Status, error) {
	if verdict.Blocked {
		b.mu.Lock()
		b.plans[p.ID] = &tracked{artifact: p, status: plan.Rejected, taskIDs: make(map[string]struct{}), stepTask: make(map[string]string)}
		b.mu.Unlock()
		kernelmetrics.PlansRejectedTotal.Inc()
		b.publishPlan(ctx, event.PlanRejected, event.High, p.ID, map[string]string{"reason": verdict.Reason})
		return plan.Rejected, nil
	}

	b.publishPlan(ctx, event.PlanProposed, event.Normal, p.ID, map[string]string{
		"requires_review": fmt.Sprintf("%t", verdict.RequiresReview),
	})

	t := &tracked{artifact: p, taskIDs: make(map[string]struct{}), stepTask: make(map[string]string)}
	if verdict.RequiresReview {
		t.status = plan.Queued
		b.mu.Lock()
		b.plans[p.ID] = t
		b.mu.Unlock()
		b.publishPlan(ctx, event.PlanQueued, event.High, p.ID, nil)
		return plan.Queued, nil
	}

	t.status = plan.Approved
	b.mu.Lock()
	b.plans[p.ID] = t
	b.mu.Unlock()
	b.publishPlan(ctx, event.PlanApproved, event.Normal, p.ID, nil)
	return plan.Approved, b.dispatch(ctx, p.ID)
}

// Approve records an external approval decision for a queued plan and
// dispatches its steps.
func (b *Bridge) Approve(ctx context.Context, planID string) error {
	return b.handleExternalApproval(ctx, planID)
}

// Reject records an external rejection decision for a queued plan.
func (b *Bridge) Reject(ctx context.Context, planID, reason string) error {
	b.mu.Lock()
	t, ok := b.plans[planID]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownPlan
	}
	if t.status != plan.Queued {
		b.mu.Unlock()
		return ErrNotQueued
	}
	t.status = plan.Rejected
	b.mu.Unlock()

	kernelmetrics.PlansRejectedTotal.Inc()
	b.publishPlan(ctx, event.PlanRejected, event.High, planID, map[string]string{"reason": reason})
	return nil
}

func (b *Bridge) handleExternalApproval(ctx context.Context, planID string) error {
	b.mu.Lock()
	t, ok := b.plans[planID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	if t.status != plan.Queued {
		b.mu.Unlock()
		return nil
	}
	t.status = plan.Approved
	b.mu.Unlock()

	b.publishPlan(ctx, event.PlanApproved, event.Normal, planID, nil)
	return b.dispatch(ctx, planID)
}

func (b *Bridge) handleExternalRejection(ctx context.Context, planID string) error {
	b.mu.Lock()
	t, ok := b.plans[planID]
	if !ok || t.status != plan.Queued {
		b.mu.Unlock()
		return nil
	}
	t.status = plan.Rejected
	b.mu.Unlock()
	return nil
}

// dispatch translates an approved plan's steps into scheduler tasks,
// preserving the declared step dependency edges.
func (b *Bridge) dispatch(ctx context.Context, planID string) error {
	b.mu.Lock()
	t, ok := b.plans[planID]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownPlan
	}
	t.status = plan.Executing
	artifact := t.artifact
	b.mu.Unlock()

	for _, step := range artifact.Steps {
		taskID := fmt.Sprintf("%s/%s", planID, step.ID)
		deps := make([]string, 0, len(step.Dependencies))
		for depStep := range step.Dependencies {
			deps = append(deps, fmt.Sprintf("%s/%s", planID, depStep))
		}

		b.mu.Lock()
		t.taskIDs[taskID] = struct{}{}
		t.stepTask[step.ID] = taskID
		b.mu.Unlock()

		req := scheduler.TaskRequest{
			ID:           taskID,
			Name:         step.Action,
			Kind:         step.Action,
			SourceID:     artifact.SubjectEntityID,
			Payload:      step.Parameters,
			Dependencies: deps,
			Timeout:      DefaultStepTimeout,
			MaxRetries:   0,
			Priority:     event.Normal,
		}
		if _, err := b.scheduler.Submit(ctx, req); err != nil {
			b.logger.Error("failed to submit step task",
				zap.String("plan_id", planID), zap.String("step_id", step.ID), zap.Error(err))
			return err
		}
	}

	b.logger.Info("dispatched plan", zap.String("plan_id", planID), zap.Int("steps", len(artifact.Steps)))
	return nil
}

// onTaskTerminal updates a plan's aggregate status once every spawned
// task for it has reached a terminal state.
func (b *Bridge) onTaskTerminal(ctx context.Context, ev *event.Event, succeeded bool) {
	taskID := ev.Metadata["task_id"]
	planID, _, ok := splitTaskID(taskID)
	if !ok {
		return
	}

	b.mu.Lock()
	t, known := b.plans[planID]
	if !known || t.status != plan.Executing {
		b.mu.Unlock()
		return
	}
	if !succeeded {
		t.status = plan.Failed
		b.mu.Unlock()
		b.publishPlan(ctx, event.PlanExecuted, event.Normal, planID, map[string]string{"status": string(plan.Failed)})
		return
	}

	allDone := true
	for id := range t.taskIDs {
		if id == taskID {
			continue
		}
		status, ok := b.scheduler.TaskStatus(id)
		if !ok || status != task.Completed {
			allDone = false
			break
		}
	}
	if allDone {
		t.status = plan.Completed
	}
	b.mu.Unlock()

	if allDone {
		b.publishPlan(ctx, event.PlanExecuted, event.Normal, planID, map[string]string{"status": string(plan.Completed)})
	}
}

// PlanStatus returns the tracked status of a plan the bridge has seen.
func (b *Bridge) PlanStatus(planID string) (plan.Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.plans[planID]
	if !ok {
		return "", false
	}
	return t.status, true
}

func (b *Bridge) publishPlan(ctx context.Context, kind event.Kind, pri event.Priority, planID string, meta map[string]string) {
	if _, err := b.bus.Publish(ctx, kind, "planner_bridge", planID, pri, meta); err != nil {
		b.logger.Error("failed to publish plan event", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// splitTaskID reverses the "<plan_id>/<step_id>" scheme dispatch uses.
func splitTaskID(taskID string) (planID, stepID string, ok bool) {
	for i := len(taskID) - 1; i >= 0; i-- {
		if taskID[i] == '/' {
			return taskID[:i], taskID[i+1:], true
		}
	}
	return "", "", false
}
