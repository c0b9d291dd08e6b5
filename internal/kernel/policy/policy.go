// Package policy implements the kernel's pure plan validator: same
// inputs yield same outputs, per spec.md §4.6.
package policy

import (
	"github.com/kandev/agentkernel/internal/kernel/capability"
	"github.com/kandev/agentkernel/internal/kernel/plan"
)

// Mode selects how aggressively the engine reviews or blocks plans.
type Mode string

const (
	// YOLO never reviews, never blocks. Development only.
	YOLO Mode = "yolo"
	// Review requires review for risk >= Medium or for plans that
	// declare filesystem/network effects.
	Review Mode = "review"
	// Strict blocks on risk == High or any effect outside the
	// configured allow-list, and reviews otherwise.
	Strict Mode = "strict"
)

// Validation is the engine's verdict on a proposed plan.
type Validation struct {
	Valid           bool
	RequiresReview  bool
	Blocked         bool
	Reason          string
}

// AllowList names effects Strict mode permits without blocking
// (configured, e.g. a workspace directory prefix or an allowed host).
type AllowList struct {
	Files   map[string]struct{}
	Network map[string]struct{}
}

// NewAllowList builds an AllowList from slices.
func NewAllowList(files, network []string) AllowList {
	al := AllowList{Files: make(map[string]struct{}), Network: make(map[string]struct{})}
	for _, f := range files {
		al.Files[f] = struct{}{}
	}
	for _, n := range network {
		al.Network[n] = struct{}{}
	}
	return al
}

func (al AllowList) allows(effects plan.Effects) bool {
	for _, f := range effects.Files {
		if _, ok := al.Files[f]; !ok {
			return false
		}
	}
	for _, n := range effects.Network {
		if _, ok := al.Network[n]; !ok {
			return false
		}
	}
	return true
}

// Engine validates plans according to its configured Mode. It holds
// no mutable state: Validate is a pure function of its arguments plus
// the engine's configuration.
type Engine struct {
	mode      Mode
	allowList AllowList
}

// NewEngine constructs an Engine in the given mode. allowList is only
// consulted in Strict mode.
func NewEngine(mode Mode, allowList AllowList) *Engine {
	return &Engine{mode: mode, allowList: allowList}
}

// Mode returns the engine's configured policy mode.
func (e *Engine) Mode() Mode { return e.mode }

func declaresEffects(p *plan.Artifact) bool {
	return len(p.DeclaredEffects.Files) > 0 || len(p.DeclaredEffects.Network) > 0
}

// Validate returns a Validation for p given caps, the capability set
// currently held by p's declared subject. Missing required
// capabilities are a Strict-mode block and a Review-mode review; the
// per-task capability gate (spec.md §7's CapabilityDenied) still
// applies independently once steps become tasks.
func (e *Engine) Validate(p *plan.Artifact, caps *capability.Manager) Validation {
	switch e.mode {
	case YOLO:
		return Validation{Valid: true}

	case Review:
		if held, _ := caps.CheckAll(p.SubjectEntityID, p.RequiredCapabilities); !held {
			return Validation{Valid: true, RequiresReview: true}
		}
		if p.RiskLevel >= capability.RiskMedium || declaresEffects(p) {
			return Validation{Valid: true, RequiresReview: true}
		}
		return Validation{Valid: true}

	case Strict:
		if held, missing := caps.CheckAll(p.SubjectEntityID, p.RequiredCapabilities); !held {
			return Validation{Valid: false, Blocked: true, Reason: "subject is missing required capability " + missing}
		}
		if p.RiskLevel == capability.RiskHigh {
			return Validation{Valid: false, Blocked: true, Reason: "plan risk level is High under strict policy"}
		}
		if declaresEffects(p) && !e.allowList.allows(p.DeclaredEffects) {
			return Validation{Valid: false, Blocked: true, Reason: "plan declares an effect outside the configured allow-list"}
		}
		return Validation{Valid: true, RequiresReview: true}

	default:
		return Validation{Valid: false, Blocked: true, Reason: "unknown policy mode"}
	}
}
