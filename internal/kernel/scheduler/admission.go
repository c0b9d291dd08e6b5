package scheduler

import (
	"context"
	"fmt"

	"github.com/kandev/agentkernel/internal/kernel/task"
	"go.uber.org/zap"
)

// admit validates and indexes a newly requested task, placing it in
// the ready queue if every dependency is already Completed, or in the
// waiting set otherwise. Must hold no lock on entry.
func (s *Scheduler) admit(ctx context.Context, req TaskRequest, sequence uint64) error {
	if req.ID == "" || req.Timeout <= 0 {
		s.logger.Warn("rejecting invalid task", zap.String("task_id", req.ID), zap.Error(ErrInvalidTask))
		return fmt.Errorf("%w: id must be non-empty and timeout > 0", ErrInvalidTask)
	}
	for _, d := range req.Dependencies {
		if d == req.ID {
			return fmt.Errorf("%w: self-dependency", ErrInvalidTask)
		}
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if _, exists := s.all[req.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTaskID, req.ID)
	}
	if s.wouldCycle(req.ID, req.Dependencies) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCycleDetected, req.ID)
	}

	t := task.NewTask(req.ID, req.Name, req.Kind, req.Priority, req.Payload, req.SourceID, req.Dependencies, req.Timeout, req.MaxRetries)
	t.Sequence = sequence
	s.all[req.ID] = t

	missing := s.missingDeps(t)
	if len(missing) == 0 {
		s.ready.Push(t)
		s.cond.Broadcast()
		s.mu.Unlock()
		return nil
	}

	s.waiting[t.ID] = t
	for _, dep := range missing {
		if s.depIndex[dep] == nil {
			s.depIndex[dep] = make(map[string]struct{})
		}
		s.depIndex[dep][t.ID] = struct{}{}
	}
	s.mu.Unlock()

	// If a dependency already terminated unsuccessfully before this
	// task was submitted, it will never complete; cascade the failure
	// immediately rather than waiting forever.
	for _, dep := range missing {
		s.mu.Lock()
		depTask, known := s.terminal[dep]
		s.mu.Unlock()
		if known && depTask.Status != task.Completed {
			s.cascadeDependencyTerminal(depTask)
			break
		}
	}
	return nil
}

// missingDeps returns the subset of t's declared dependencies not yet
// Completed in the terminal index. Caller must hold s.mu.
func (s *Scheduler) missingDeps(t *task.Task) []string {
	missing := make([]string, 0, len(t.Dependencies))
	for dep := range t.Dependencies {
		if term, ok := s.terminal[dep]; ok && term.Status == task.Completed {
			continue
		}
		missing = append(missing, dep)
	}
	return missing
}

// wouldCycle reports whether adding a node `id` with the given
// dependencies would create a cycle in the dependency graph formed by
// every admitted task in s.all. Caller must hold s.mu.
func (s *Scheduler) wouldCycle(id string, deps []string) bool {
	// A cycle exists iff some dependency (transitively, through
	// other admitted tasks' own dependencies) depends on id.
	visited := make(map[string]bool)
	var dfs func(node string) bool
	dfs = func(node string) bool {
		if node == id {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		t, ok := s.all[node]
		if !ok {
			return false
		}
		for dep := range t.Dependencies {
			if dfs(dep) {
				return true
			}
		}
		return false
	}
	for _, d := range deps {
		if dfs(d) {
			return true
		}
	}
	return false
}
