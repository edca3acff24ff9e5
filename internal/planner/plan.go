package planner

import (
	"time"
)

// Plan statuses. Transitions are monotonic:
// planning -> executing -> completed | failed.
const (
	StatusPlanning  = "planning"
	StatusExecuting = "executing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Risk levels a step can carry.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Goal is the structured interpretation of one user message. Immutable once
// produced.
type Goal struct {
	Text            string                 `json:"goal"`
	Constraints     map[string]interface{} `json:"constraints,omitempty"`
	SuccessCriteria []string               `json:"success_criteria"`
}

// Step is one tool invocation in a plan's dependency graph.
type Step struct {
	ID            string                 `json:"id"`
	Tool          string                 `json:"tool"`
	Args          map[string]interface{} `json:"args,omitempty"`
	DependsOn     []string               `json:"depends_on,omitempty"`
	Risk          string                 `json:"risk"`
	NeedsApproval bool                   `json:"needs_approval"`
	DryRun        bool                   `json:"dry_run,omitempty"`
}

// Plan is the dependency-ordered set of steps produced for one goal.
type Plan struct {
	ID              string                 `json:"id"`
	SessionID       string                 `json:"session_id"`
	Goal            Goal                   `json:"goal"`
	Constraints     map[string]interface{} `json:"constraints,omitempty"`
	SuccessCriteria []string               `json:"success_criteria,omitempty"`
	Steps           []Step                 `json:"steps"`
	Summary         string                 `json:"summary,omitempty"`
	Status          string                 `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
}

// StepByID returns the step with the given id, if present.
func (p *Plan) StepByID(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}
