package kernelapi

import "time"

// StatusResponse answers kernel.status.
type StatusResponse struct {
	State            string `json:"state"`
	UptimeS          int64  `json:"uptime_s"`
	Version          string `json:"version"`
	EventQueueLength int    `json:"event_queue_length"`
	ActiveTasks      int    `json:"active_tasks"`
	PolicyMode       string `json:"policy_mode"`
}

// SubmitEventRequest is event.submit's request body.
type SubmitEventRequest struct {
	Kind     string            `json:"kind" binding:"required"`
	SourceID string            `json:"source_id" binding:"required"`
	Payload  any               `json:"payload"`
	Priority string            `json:"priority"`
	Metadata map[string]string `json:"metadata"`
}

// SubmitEventResponse is event.submit's response body.
type SubmitEventResponse struct {
	EventID uint64 `json:"event_id"`
}

// SubmitTaskRequest is task.submit's request body.
type SubmitTaskRequest struct {
	ID           string         `json:"id"`
	Name         string         `json:"name" binding:"required"`
	Kind         string         `json:"kind" binding:"required"`
	SourceID     string         `json:"source_id" binding:"required"`
	Payload      map[string]any `json:"payload"`
	Dependencies []string       `json:"dependencies"`
	TimeoutMs    int64          `json:"timeout_ms"`
	MaxRetries   int            `json:"max_retries"`
	Priority     string         `json:"priority"`
}

// SubmitTaskResponse is task.submit's response body.
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// TaskStatusResponse is task.status's response body.
type TaskStatusResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// CancelTaskResponse is task.cancel's response body.
type CancelTaskResponse struct {
	Cancelled bool `json:"cancelled"`
}

// GrantCapabilityRequest is capability.grant's request body.
type GrantCapabilityRequest struct {
	EntityID     string     `json:"entity_id" binding:"required"`
	EntityKind   string     `json:"entity_kind" binding:"required"`
	Capabilities []string   `json:"capabilities" binding:"required"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// CheckCapabilityResponse is capability.check's response body.
type CheckCapabilityResponse struct {
	Held bool `json:"held"`
}

// SubmitPlanRequest is plan.submit's request body.
type SubmitPlanRequest struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name" binding:"required"`
	Steps                []PlanStep `json:"steps" binding:"required"`
	RequiredCapabilities []string   `json:"required_capabilities"`
	RiskLevel            string     `json:"risk_level"`
	DeclaredFiles        []string   `json:"declared_files"`
	DeclaredNetwork      []string   `json:"declared_network"`
	SubjectEntityID      string     `json:"subject_entity_id" binding:"required"`
	SubjectEntityKind    string     `json:"subject_entity_kind" binding:"required"`
}

// PlanStep is one step of SubmitPlanRequest.
type PlanStep struct {
	ID           string         `json:"id" binding:"required"`
	Action       string         `json:"action" binding:"required"`
	Parameters   map[string]any `json:"parameters"`
	Dependencies []string       `json:"dependencies"`
}

// SubmitPlanResponse is plan.submit's response body.
type SubmitPlanResponse struct {
	PlanID string `json:"plan_id"`
	Status string `json:"status"`
}

// PlanStatusResponse is plan.status's response body.
type PlanStatusResponse struct {
	PlanID string `json:"plan_id"`
	Status string `json:"status"`
}

// ApproveRejectPlanRequest is plan.approve/plan.reject's request body.
type ApproveRejectPlanRequest struct {
	Reason string `json:"reason,omitempty"`
}
