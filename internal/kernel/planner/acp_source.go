package planner

import (
	"fmt"

	"github.com/coder/acp-go-sdk"
	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/kernel/capability"
	"github.com/kandev/agentkernel/internal/kernel/plan"
	"go.uber.org/zap"
)

// PlanSource produces plan artifacts for the Bridge to Submit, e.g.
// from an external cognitive controller speaking a planner protocol.
type PlanSource interface {
	// OnPlan registers the callback the source invokes with each plan
	// it produces.
	OnPlan(func(*plan.Artifact))
}

// ACPPlanSource adapts an Agent Client Protocol session's plan updates
// into plan.Artifact values. Each ACP plan entry becomes one step with
// no declared dependencies between entries, since ACP's plan update
// does not carry step-level dependency edges; the bridge still applies
// its own policy/capability gate before any step becomes a task.
type ACPPlanSource struct {
	subjectEntityID   string
	subjectEntityKind capability.EntityKind
	logger            *logger.Logger
	onPlan            func(*plan.Artifact)
}

// NewACPPlanSource constructs a source that attributes every plan it
// converts to the given subject entity.
func NewACPPlanSource(subjectEntityID string, subjectEntityKind capability.EntityKind, log *logger.Logger) *ACPPlanSource {
	return &ACPPlanSource{
		subjectEntityID:   subjectEntityID,
		subjectEntityKind: subjectEntityKind,
		logger:            log.WithFields(zap.String("component", "acp_plan_source")),
	}
}

// OnPlan registers the callback invoked by HandleSessionNotification.
func (s *ACPPlanSource) OnPlan(f func(*plan.Artifact)) {
	s.onPlan = f
}

// HandleSessionNotification is wired as the ACP client's update
// handler. Notifications that do not carry a plan update are ignored.
func (s *ACPPlanSource) HandleSessionNotification(n acp.SessionNotification) {
	u := n.Update
	if u.Plan == nil || len(u.Plan.Entries) == 0 {
		return
	}
	if s.onPlan == nil {
		return
	}

	steps := make([]plan.Step, len(u.Plan.Entries))
	for i, e := range u.Plan.Entries {
		steps[i] = plan.Step{
			ID:           fmt.Sprintf("entry-%d", i),
			Action:       e.Content,
			Parameters:   map[string]any{"priority": e.Priority, "status": e.Status},
			Dependencies: map[string]struct{}{},
		}
	}

	artifact := &plan.Artifact{
		ID:                string(n.SessionId),
		Name:              fmt.Sprintf("acp-session-%s", n.SessionId),
		Steps:             steps,
		SubjectEntityID:   s.subjectEntityID,
		SubjectEntityKind: s.subjectEntityKind,
		RiskLevel:         capability.RiskMedium,
	}

	s.logger.Debug("converted ACP plan update", zap.String("session_id", string(n.SessionId)), zap.Int("steps", len(steps)))
	s.onPlan(artifact)
}
