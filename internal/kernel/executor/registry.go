// Package executor maps task kinds to user-supplied async executors.
// The kernel performs no side effects itself; an executor is the only
// point where one happens.
package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/kernel/task"
	"go.uber.org/zap"
)

// ErrUnknownExecutor is returned when a task's kind has no registered
// executor.
var ErrUnknownExecutor = errors.New("executor: unknown kind")

// Executor runs a task's payload and produces a result or an error. It
// declares the capability set the scheduler must find held by the
// task's source before dispatch.
type Executor interface {
	RequiredCapabilities() []string
	Execute(ctx context.Context, t *task.Task) (any, error)
}

// Registry is a dynamic, string-keyed mapping from task kind to
// executor, generalizing the teacher's kind-to-backend mapping
// (internal/agent/executor.Name) to the extensible set spec.md §9
// calls for: a closed sum type would not work because the set of
// kinds is extensible by integrators.
type Registry struct {
	mu     sync.RWMutex
	byKind map[string]Executor
	logger *logger.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		byKind: make(map[string]Executor),
		logger: log.WithFields(zap.String("component", "executor_registry")),
	}
}

// Register installs ex for kind. Re-registration replaces the prior
// executor and is logged.
func (r *Registry) Register(kind string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKind[kind]; exists {
		r.logger.Info("replacing executor registration", zap.String("kind", kind))
	}
	r.byKind[kind] = ex
}

// Unregister removes the executor for kind, if any.
func (r *Registry) Unregister(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKind, kind)
}

// Get resolves a kind to its executor.
func (r *Registry) Get(kind string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.byKind[kind]
	if !ok {
		return nil, ErrUnknownExecutor
	}
	return ex, nil
}
