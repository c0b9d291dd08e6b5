package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/kandev/agentkernel/internal/kernel/event"
	"github.com/kandev/agentkernel/internal/kernel/kernelmetrics"
	"github.com/kandev/agentkernel/internal/kernel/task"
	"go.uber.org/zap"
)

// dispatchLoop pops the highest-priority ready task whenever a
// concurrency slot is free and spawns its execution. One goroutine
// does the popping; concurrency comes from the spawned executions.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for s.ready.Len() == 0 && s.started {
			s.cond.Wait()
		}
		stopping := !s.started
		n := s.ready.Len()
		s.mu.Unlock()

		if stopping && n == 0 {
			return
		}
		if n == 0 {
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}

		s.mu.Lock()
		t := s.ready.Pop()
		s.mu.Unlock()
		if t == nil {
			s.sem.Release(1)
			continue
		}

		s.wg.Add(1)
		go s.runTask(ctx, t)
	}
}

// runTask moves t into the running set, checks capabilities, and
// executes it, racing its timeout, then routes the outcome.
func (s *Scheduler) runTask(parent context.Context, t *task.Task) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	ex, err := s.registry.Get(t.Kind)
	if err != nil {
		s.finishFailed(parent, t, task.CauseExecutorError, "", err)
		return
	}

	if ok, missing := s.caps.CheckAll(t.SourceID, ex.RequiredCapabilities()); !ok {
		t.MissingCap = missing
		kernelmetrics.CapabilityDenialsTotal.WithLabelValues(missing).Inc()
		s.finishFailed(parent, t, task.CauseCapabilityDenied, missing, nil)
		return
	}

	taskCtx, cancel := context.WithTimeout(parent, t.Timeout)
	entry := &runningEntry{task: t, cancel: cancel}

	s.mu.Lock()
	t.Status = task.Running
	t.StartedAt = time.Now().UTC()
	s.running[t.ID] = entry
	s.mu.Unlock()

	spanCtx, span := s.tracer.Start(taskCtx, "kernel.scheduler.dispatch")
	_, _ = s.bus.Publish(parent, event.TaskStarted, t.SourceID, t, t.Priority, map[string]string{"task_id": t.ID})
	kernelmetrics.TasksStartedTotal.Inc()

	resultCh := make(chan execResult, 1)
	go func() {
		res, err := ex.Execute(spanCtx, t)
		resultCh <- execResult{res: res, err: err}
	}()

	var outcome execResult
	select {
	case outcome = <-resultCh:
	case <-taskCtx.Done():
		entry.mu.Lock()
		cancelled := entry.cancelRequested
		entry.mu.Unlock()
		if cancelled {
			outcome = execResult{err: context.Canceled}
		} else {
			outcome = execResult{err: context.DeadlineExceeded}
		}
	}
	span.End()
	cancel()

	s.mu.Lock()
	delete(s.running, t.ID)
	s.mu.Unlock()

	s.complete(parent, t, outcome)
}

type execResult struct {
	res any
	err error
}

func (s *Scheduler) complete(ctx context.Context, t *task.Task, outcome execResult) {
	switch {
	case outcome.err == nil:
		s.finishCompleted(ctx, t, outcome.res)
	case errors.Is(outcome.err, context.Canceled):
		s.finishTerminal(ctx, t, task.Cancelled, task.CauseCancelled, "", nil)
	case errors.Is(outcome.err, context.DeadlineExceeded):
		s.finishFailed(ctx, t, task.CauseTimeout, "", outcome.err)
	default:
		s.retryOrFail(ctx, t, outcome.err)
	}
}

func (s *Scheduler) finishCompleted(ctx context.Context, t *task.Task, result any) {
	s.mu.Lock()
	t.Status = task.Completed
	t.Result = result
	t.CompletedAt = time.Now().UTC()
	s.terminal[t.ID] = t
	waiters := s.depIndex[t.ID]
	delete(s.depIndex, t.ID)
	s.mu.Unlock()

	_, _ = s.bus.Publish(ctx, event.TaskCompleted, t.SourceID, t, t.Priority, map[string]string{"task_id": t.ID})
	s.logger.Info("task completed", zap.String("task_id", t.ID))
	kernelmetrics.TasksCompletedTotal.Inc()
	if !t.StartedAt.IsZero() {
		kernelmetrics.TaskDuration.Observe(t.CompletedAt.Sub(t.StartedAt).Seconds())
	}

	s.sweepWaiters(ctx, t.ID, waiters)
}

func (s *Scheduler) retryOrFail(ctx context.Context, t *task.Task, cause error) {
	s.mu.Lock()
	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.StartedAt = time.Time{}
		t.Status = task.Pending
		s.ready.Push(t)
		s.cond.Broadcast()
		s.mu.Unlock()
		s.logger.Info("retrying task", zap.String("task_id", t.ID), zap.Int("retry_count", t.RetryCount))
		return
	}
	s.mu.Unlock()
	s.finishFailed(ctx, t, task.CauseExecutorError, "", cause)
}

func (s *Scheduler) finishFailed(ctx context.Context, t *task.Task, cause task.FailureCause, missingCap string, err error) {
	s.finishTerminal(ctx, t, task.Failed, cause, missingCap, err)
}

func (s *Scheduler) finishTerminal(ctx context.Context, t *task.Task, status task.Status, cause task.FailureCause, missingCap string, err error) {
	s.mu.Lock()
	t.Status = status
	t.FailureCause = cause
	t.CompletedAt = time.Now().UTC()
	if missingCap != "" {
		t.MissingCap = missingCap
	}
	t.Error = err
	s.terminal[t.ID] = t
	delete(s.waiting, t.ID)
	waiters := s.depIndex[t.ID]
	delete(s.depIndex, t.ID)
	s.mu.Unlock()

	meta := map[string]string{"task_id": t.ID, "cause": string(cause)}
	if missingCap != "" {
		meta["capability"] = missingCap
	}
	_, _ = s.bus.Publish(ctx, event.TaskFailed, t.SourceID, t, t.Priority, meta)
	s.logger.Info("task terminal", zap.String("task_id", t.ID), zap.String("status", string(status)), zap.String("cause", string(cause)))
	kernelmetrics.TasksFailedTotal.WithLabelValues(string(cause)).Inc()
	if !t.StartedAt.IsZero() {
		kernelmetrics.TaskDuration.Observe(t.CompletedAt.Sub(t.StartedAt).Seconds())
	}

	if waiters != nil {
		s.cascadeWaiters(ctx, t, waiters)
	}
}

// cascadeDependents fails or cancels every task waiting on dep, for the
// case where dep reached a non-Completed terminal state before those
// waiters were registered in depIndex (the admission-time race handled
// by cascadeDependencyTerminal). finishTerminal cascades t's own
// waiters as they existed at the moment t finished; this covers the
// ones that showed up too late for that.
func (s *Scheduler) cascadeDependents(ctx context.Context, t *task.Task) {
	s.mu.Lock()
	waiters := s.depIndex[t.ID]
	delete(s.depIndex, t.ID)
	s.mu.Unlock()
	if waiters != nil {
		s.cascadeWaiters(ctx, t, waiters)
	}
}

func (s *Scheduler) cascadeWaiters(ctx context.Context, dep *task.Task, waiterIDs map[string]struct{}) {
	cause := task.CauseDependencyFailed
	status := task.Failed
	if dep.Status == task.Cancelled {
		cause = task.CauseDependencyCancelled
		status = task.Cancelled
	}
	for id := range waiterIDs {
		s.mu.Lock()
		w, ok := s.waiting[id]
		if ok {
			delete(s.waiting, id)
		}
		s.mu.Unlock()
		if !ok {
			continue
		}
		w.BlockingDepID = dep.ID
		s.finishTerminal(ctx, w, status, cause, "", nil)
	}
}

// cascadeDependencyTerminal handles the admission-time race where a
// dependency already reached a non-Completed terminal state before
// the dependent task was submitted.
func (s *Scheduler) cascadeDependencyTerminal(dep *task.Task) {
	s.cascadeDependents(context.Background(), dep)
}

func (s *Scheduler) sweepWaiters(ctx context.Context, completedDepID string, waiterIDs map[string]struct{}) {
	for id := range waiterIDs {
		s.mu.Lock()
		w, ok := s.waiting[id]
		if !ok {
			s.mu.Unlock()
			continue
		}
		delete(w.Dependencies, completedDepID)
		ready := len(s.missingDeps(w)) == 0
		if ready {
			delete(s.waiting, id)
			s.ready.Push(w)
			s.cond.Broadcast()
		}
		s.mu.Unlock()
	}
}

// Cancel requests cancellation of a task. Waiting/ready tasks are
// removed and marked Cancelled synchronously; a running task's
// executor is signalled cooperatively; a terminal task is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) bool {
	s.mu.Lock()
	if _, ok := s.terminal[taskID]; ok {
		s.mu.Unlock()
		return false
	}
	if w, ok := s.waiting[taskID]; ok {
		delete(s.waiting, taskID)
		s.mu.Unlock()
		s.finishTerminal(ctx, w, task.Cancelled, task.CauseCancelled, "", nil)
		return true
	}
	if removed := s.ready.Remove(taskID); removed {
		// Task was in ready; reconstruct from s.all to finish it.
		t := s.all[taskID]
		s.mu.Unlock()
		s.finishTerminal(ctx, t, task.Cancelled, task.CauseCancelled, "", nil)
		return true
	}
	if e, ok := s.running[taskID]; ok {
		e.mu.Lock()
		e.cancelRequested = true
		e.mu.Unlock()
		e.cancel()
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()
	return false
}
