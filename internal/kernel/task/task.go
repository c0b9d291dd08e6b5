// Package task defines the kernel's Task record and its status state
// machine.
package task

import (
	"time"

	"github.com/kandev/agentkernel/internal/kernel/event"
)

// Status is a task's position in the state machine:
//
//	Pending -(deps cleared, slot free)-> Running -ok-> Completed
//	   |                                     |-err+retries_left-> Pending (retry_count++)
//	   |                                     |-err+exhausted----> Failed
//	   |                                     `-timeout----------> Failed (cause=Timeout)
//	   `-cancel--------------------------------------------------> Cancelled
//	Running -cancel-> Cancelled
//
// Completed, Failed, and Cancelled are terminal; terminal tasks never
// re-enter the queue.
type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// Terminal reports whether s is one of the state machine's terminal
// states.
func (s Status) Terminal() bool {
	switch s {
	case Completed, Failed, Cancelled:
		return true
	default:
		return false
	}
}

// FailureCause classifies why a task ended in Failed or Cancelled, for
// the TaskFailed event payload.
type FailureCause string

const (
	CauseExecutorError        FailureCause = "executor_error"
	CauseTimeout              FailureCause = "timeout"
	CauseCapabilityDenied     FailureCause = "capability_denied"
	CauseDependencyFailed     FailureCause = "dependency_failed"
	CauseDependencyCancelled  FailureCause = "dependency_cancelled"
	CauseCancelled            FailureCause = "cancelled"
)

// Task is a scheduled unit of work with declared dependencies, a
// timeout, and a retry budget.
type Task struct {
	ID          string
	Name        string
	Kind        string
	Priority    event.Priority
	Payload     any
	SourceID    string
	Dependencies map[string]struct{}

	Timeout    time.Duration
	MaxRetries int
	RetryCount int

	Status Status

	Result        any
	Error         error
	FailureCause  FailureCause
	MissingCap    string
	BlockingDepID string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	// Sequence is the event-bus sequence assigned to this task's
	// admitting TaskRequested event; retries reuse it (no reordering
	// on retry).
	Sequence uint64
}

// NewTask constructs a Pending task with CreatedAt stamped now.
func NewTask(id, name, kind string, priority event.Priority, payload any, sourceID string, deps []string, timeout time.Duration, maxRetries int) *Task {
	depSet := make(map[string]struct{}, len(deps))
	for _, d := range deps {
		depSet[d] = struct{}{}
	}
	return &Task{
		ID:           id,
		Name:         name,
		Kind:         kind,
		Priority:     priority,
		Payload:      payload,
		SourceID:     sourceID,
		Dependencies: depSet,
		Timeout:      timeout,
		MaxRetries:   maxRetries,
		Status:       Pending,
		CreatedAt:    time.Now().UTC(),
	}
}
