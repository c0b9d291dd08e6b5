package kernelapi

import (
	"strings"
	"time"

	"github.com/kandev/agentkernel/internal/kernel/capability"
	"github.com/kandev/agentkernel/internal/kernel/event"
	"github.com/kandev/agentkernel/internal/kernel/plan"
)

func parsePriority(s string) event.Priority {
	switch strings.ToLower(s) {
	case "low":
		return event.Low
	case "high":
		return event.High
	case "critical":
		return event.Critical
	default:
		return event.Normal
	}
}

func parseRisk(s string) capability.RiskLevel {
	switch strings.ToLower(s) {
	case "low":
		return capability.RiskLow
	case "high":
		return capability.RiskHigh
	default:
		return capability.RiskMedium
	}
}

func parseEntityKind(s string) capability.EntityKind {
	switch strings.ToLower(s) {
	case "module":
		return capability.Module
	case "user":
		return capability.User
	case "system":
		return capability.System
	default:
		return capability.Agent
	}
}

func toPlanStep(s PlanStep) plan.Step {
	deps := make(map[string]struct{}, len(s.Dependencies))
	for _, d := range s.Dependencies {
		deps[d] = struct{}{}
	}
	return plan.Step{
		ID:           s.ID,
		Action:       s.Action,
		Parameters:   s.Parameters,
		Dependencies: deps,
	}
}

func toPlanArtifact(r SubmitPlanRequest) *plan.Artifact {
	steps := make([]plan.Step, len(r.Steps))
	for i, s := range r.Steps {
		steps[i] = toPlanStep(s)
	}
	return &plan.Artifact{
		ID:                   r.ID,
		Name:                 r.Name,
		Steps:                steps,
		RequiredCapabilities: r.RequiredCapabilities,
		RiskLevel:            parseRisk(r.RiskLevel),
		DeclaredEffects:      plan.Effects{Files: r.DeclaredFiles, Network: r.DeclaredNetwork},
		SubjectEntityID:      r.SubjectEntityID,
		SubjectEntityKind:    parseEntityKind(r.SubjectEntityKind),
	}
}

func durationFromMs(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
