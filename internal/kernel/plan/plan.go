// Package plan defines the plan artifact the Planner Bridge ingests
// and the Policy Engine validates.
package plan

import (
	"time"

	"github.com/kandev/agentkernel/internal/kernel/capability"
)

// Step is one ordered unit of a plan, translated into a task on
// approval.
type Step struct {
	ID           string
	Action       string
	Parameters   map[string]any
	Dependencies map[string]struct{}
}

// Effects declares the filesystem/network side effects a plan claims
// it will perform, used by the Policy Engine's Review/Strict modes.
type Effects struct {
	Files   []string
	Network []string
}

// Artifact is a proposed multi-step plan from an external cognitive
// controller.
type Artifact struct {
	ID                   string
	Name                 string
	Steps                []Step
	RequiredCapabilities []string
	RiskLevel            capability.RiskLevel
	EstimatedDuration    time.Duration
	DeclaredEffects      Effects

	// SubjectEntityID/SubjectEntityKind is the entity the plan would
	// execute as; the Policy Engine checks this entity's capabilities.
	SubjectEntityID   string
	SubjectEntityKind capability.EntityKind
}

// Status is the plan's position in its linear, irreversible state
// machine:
//
//	Proposed -> (Queued | Approved | Rejected) -> Executing -> (Completed | Failed)
type Status string

const (
	Proposed  Status = "proposed"
	Queued    Status = "queued"
	Approved  Status = "approved"
	Rejected  Status = "rejected"
	Executing Status = "executing"
	Completed Status = "completed"
	Failed    Status = "failed"
)
