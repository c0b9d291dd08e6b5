// Package kernelapi exposes the kernel's control surface (spec.md §6)
// as an HTTP+JSON API, grounded on the teacher's orchestrator REST API
// handler/router idiom.
package kernelapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/kernel/event"
	"github.com/kandev/agentkernel/internal/kernel/lifecycle"
	"github.com/kandev/agentkernel/internal/kernel/scheduler"
	"github.com/kandev/agentkernel/internal/kernelapi/apperr"
)

// Handler holds the HTTP handlers for the kernel control surface.
type Handler struct {
	kernel    *lifecycle.Kernel
	startedAt time.Time
	version   string
	logger    *logger.Logger
}

// NewHandler creates a new control-surface handler bound to kernel.
func NewHandler(k *lifecycle.Kernel, version string, log *logger.Logger) *Handler {
	return &Handler{
		kernel:    k,
		startedAt: time.Now(),
		version:   version,
		logger:    log.WithFields(zap.String("component", "kernelapi")),
	}
}

func writeErr(c *gin.Context, err *apperr.AppError) {
	c.JSON(err.HTTPStatus, err)
}

// GetStatus answers kernel.status.
// GET /v1/kernel/status
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		State:            string(h.kernel.State()),
		UptimeS:          int64(time.Since(h.startedAt).Seconds()),
		Version:          h.version,
		EventQueueLength: h.kernel.Bus.QueueLength(),
		ActiveTasks:      h.kernel.Scheduler.ActiveTaskCount(),
		PolicyMode:       string(h.kernel.Policy.Mode()),
	})
}

// Pause answers kernel.pause.
// POST /v1/kernel/pause
func (h *Handler) Pause(c *gin.Context) {
	if err := h.kernel.Pause(c.Request.Context()); err != nil {
		writeErr(c, apperr.InvalidParams(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": string(h.kernel.State())})
}

// Resume answers kernel.resume.
// POST /v1/kernel/resume
func (h *Handler) Resume(c *gin.Context) {
	if err := h.kernel.Resume(c.Request.Context()); err != nil {
		writeErr(c, apperr.InvalidParams(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": string(h.kernel.State())})
}

// Shutdown answers kernel.shutdown.
// POST /v1/kernel/shutdown
func (h *Handler) Shutdown(c *gin.Context) {
	if err := h.kernel.Shutdown(c.Request.Context()); err != nil {
		writeErr(c, apperr.InvalidParams(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": string(h.kernel.State())})
}

// SubmitEvent answers event.submit.
// POST /v1/events
func (h *Handler) SubmitEvent(c *gin.Context) {
	var req SubmitEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apperr.InvalidParams(err.Error()))
		return
	}

	seq, err := h.kernel.Bus.Publish(c.Request.Context(), event.Kind(req.Kind), req.SourceID, req.Payload, parsePriority(req.Priority), req.Metadata)
	if err != nil {
		writeErr(c, apperr.Wrap(err, "failed to publish event"))
		return
	}
	c.JSON(http.StatusAccepted, SubmitEventResponse{EventID: seq})
}

// SubmitTask answers task.submit.
// POST /v1/tasks
func (h *Handler) SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apperr.InvalidParams(err.Error()))
		return
	}
	if !h.kernel.CanSubmitTask() {
		writeErr(c, apperr.InvalidParams("kernel is not in the Running state"))
		return
	}

	taskReq := scheduler.TaskRequest{
		ID:           req.ID,
		Name:         req.Name,
		Kind:         req.Kind,
		SourceID:     req.SourceID,
		Payload:      req.Payload,
		Dependencies: req.Dependencies,
		Timeout:      durationFromMs(req.TimeoutMs),
		MaxRetries:   req.MaxRetries,
		Priority:     parsePriority(req.Priority),
	}
	if taskReq.ID == "" {
		taskReq.ID = uuid.NewString()
	}
	if taskReq.Timeout == 0 {
		taskReq.Timeout = scheduler.DefaultConfig().ShutdownGrace
	}

	if _, err := h.kernel.Scheduler.Submit(c.Request.Context(), taskReq); err != nil {
		writeErr(c, apperr.Wrap(err, "failed to submit task"))
		return
	}
	c.JSON(http.StatusAccepted, SubmitTaskResponse{TaskID: taskReq.ID})
}

// GetTaskStatus answers task.status.
// GET /v1/tasks/:taskId/status
func (h *Handler) GetTaskStatus(c *gin.Context) {
	taskID := c.Param("taskId")
	status, ok := h.kernel.Scheduler.TaskStatus(taskID)
	if !ok {
		writeErr(c, apperr.NotFound("task", taskID))
		return
	}
	c.JSON(http.StatusOK, TaskStatusResponse{TaskID: taskID, Status: string(status)})
}

// CancelTask answers task.cancel.
// POST /v1/tasks/:taskId/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	cancelled := h.kernel.Scheduler.Cancel(c.Request.Context(), taskID)
	c.JSON(http.StatusOK, CancelTaskResponse{Cancelled: cancelled})
}

// GrantCapability answers capability.grant.
// POST /v1/capabilities/grant
func (h *Handler) GrantCapability(c *gin.Context) {
	var req GrantCapabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apperr.InvalidParams(err.Error()))
		return
	}
	h.kernel.Caps.Grant(req.EntityID, parseEntityKind(req.EntityKind), req.Capabilities, req.ExpiresAt)
	c.JSON(http.StatusOK, gin.H{"message": "capabilities granted", "entity_id": req.EntityID})
}

// CheckCapability answers capability.check.
// GET /v1/capabilities/check?entity_id=...&capability=...
func (h *Handler) CheckCapability(c *gin.Context) {
	entityID := c.Query("entity_id")
	cap := c.Query("capability")
	if entityID == "" || cap == "" {
		writeErr(c, apperr.InvalidParams("entity_id and capability query params are required"))
		return
	}
	c.JSON(http.StatusOK, CheckCapabilityResponse{Held: h.kernel.Caps.Check(entityID, cap)})
}

// SubmitPlan submits a plan artifact to the Planner Bridge.
// POST /v1/plans
func (h *Handler) SubmitPlan(c *gin.Context) {
	var req SubmitPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apperr.InvalidParams(err.Error()))
		return
	}

	artifact := toPlanArtifact(req)
	status, err := h.kernel.Planner.Submit(c.Request.Context(), artifact)
	if err != nil {
		writeErr(c, apperr.Wrap(err, "failed to submit plan"))
		return
	}
	c.JSON(http.StatusAccepted, SubmitPlanResponse{PlanID: artifact.ID, Status: string(status)})
}

// GetPlanStatus returns a tracked plan's aggregate status.
// GET /v1/plans/:planId/status
func (h *Handler) GetPlanStatus(c *gin.Context) {
	planID := c.Param("planId")
	status, ok := h.kernel.Planner.PlanStatus(planID)
	if !ok {
		writeErr(c, apperr.NotFound("plan", planID))
		return
	}
	c.JSON(http.StatusOK, PlanStatusResponse{PlanID: planID, Status: string(status)})
}

// ApprovePlan records an external approval for a queued plan.
// POST /v1/plans/:planId/approve
func (h *Handler) ApprovePlan(c *gin.Context) {
	planID := c.Param("planId")
	if err := h.kernel.Planner.Approve(c.Request.Context(), planID); err != nil {
		writeErr(c, apperr.Wrap(err, "failed to approve plan"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan_id": planID, "message": "plan approved"})
}

// RejectPlan records an external rejection for a queued plan.
// POST /v1/plans/:planId/reject
func (h *Handler) RejectPlan(c *gin.Context) {
	planID := c.Param("planId")
	var req ApproveRejectPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = ApproveRejectPlanRequest{}
	}
	if err := h.kernel.Planner.Reject(c.Request.Context(), planID, req.Reason); err != nil {
		writeErr(c, apperr.Wrap(err, "failed to reject plan"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan_id": planID, "message": "plan rejected"})
}
