package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/internal/reasoner"
)

// FallbackTool is the generic search-style tool used when the reasoner's
// plan cannot be parsed or validated.
const FallbackTool = "search.web"

// ToolInfo describes one catalog entry enumerated in the planning prompt.
type ToolInfo struct {
	Name        string
	Description string
}

// MemorySnippet is one piece of prior-goal context handed to the planner.
type MemorySnippet struct {
	Key   string
	Value string
}

// Planner turns a goal plus retrieved memories into a validated plan over
// the available tool catalog.
type Planner struct {
	reasoner reasoner.Reasoner
	logger   *log.Logger
}

// New creates a planner instance.
func New(r reasoner.Reasoner) *Planner {
	return &Planner{
		reasoner: r,
		logger:   log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// BuildPlan asks the reasoner for a plan document and validates it. Parse or
// validation failures degrade to a single-step fallback plan; only a
// reasoner transport failure is returned as an error.
func (p *Planner) BuildPlan(ctx context.Context, sessionID string, goal Goal, memories []MemorySnippet, catalog []ToolInfo) (Plan, error) {
	prompt := p.buildPrompt(goal, memories, catalog)

	response, err := p.reasoner.Generate(ctx, prompt, reasoner.Options{Temperature: 0.3, MaxTokens: 2000})
	if err != nil {
		return Plan{}, fmt.Errorf("generate plan: %w", err)
	}

	steps, summary, perr := p.parseResponse(response)
	if perr == nil {
		perr = ValidateSteps(steps)
	}
	if perr != nil {
		// one retry with the validation failure fed back, then fall back
		p.logger.Printf("plan rejected (%v), retrying once", perr)
		retryPrompt := prompt + fmt.Sprintf("\n\nYour previous plan was rejected: %v. Return a corrected JSON plan.", perr)
		response, err = p.reasoner.Generate(ctx, retryPrompt, reasoner.Options{Temperature: 0.2, MaxTokens: 2000})
		if err != nil {
			return Plan{}, fmt.Errorf("generate plan (retry): %w", err)
		}
		steps, summary, perr = p.parseResponse(response)
		if perr == nil {
			perr = ValidateSteps(steps)
		}
	}
	if perr != nil {
		p.logger.Printf("falling back to single-step plan: %v", perr)
		return p.FallbackPlan(sessionID, goal), nil
	}

	return Plan{
		ID:              uuid.New().String(),
		SessionID:       sessionID,
		Goal:            goal,
		Constraints:     goal.Constraints,
		SuccessCriteria: goal.SuccessCriteria,
		Steps:           steps,
		Summary:         summary,
		Status:          StatusPlanning,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// FallbackPlan returns the degenerate one-step plan used when planning
// output is unusable: a low-risk generic search with the goal text as query.
func (p *Planner) FallbackPlan(sessionID string, goal Goal) Plan {
	return Plan{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Goal:      goal,
		Steps: []Step{{
			ID:   "step-1",
			Tool: FallbackTool,
			Args: map[string]interface{}{"query": goal.Text},
			Risk: RiskLow,
		}},
		Summary:         "Fallback plan: search for the requested information",
		SuccessCriteria: goal.SuccessCriteria,
		Status:          StatusPlanning,
		CreatedAt:       time.Now().UTC(),
	}
}

func (p *Planner) buildPrompt(goal Goal, memories []MemorySnippet, catalog []ToolInfo) string {
	var b strings.Builder
	b.WriteString("You are a planning agent. Break the user's goal into tool invocations.\n\n")
	fmt.Fprintf(&b, "GOAL: %s\n", goal.Text)
	if len(goal.Constraints) > 0 {
		if data, err := json.Marshal(goal.Constraints); err == nil {
			fmt.Fprintf(&b, "CONSTRAINTS: %s\n", data)
		}
	}
	if len(goal.SuccessCriteria) > 0 {
		fmt.Fprintf(&b, "SUCCESS CRITERIA: %s\n", strings.Join(goal.SuccessCriteria, "; "))
	}

	if len(memories) > 0 {
		b.WriteString("\nRELEVANT CONTEXT FROM PREVIOUS SESSIONS:\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- %s: %s\n", m.Key, m.Value)
		}
	}

	b.WriteString("\nAVAILABLE TOOLS:\n")
	for _, t := range catalog {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}

	b.WriteString(`
PLANNING REQUIREMENTS:
1. Use only the tools listed above.
2. Each step's "dependencies" may reference only other step ids in this plan.
3. Steps with no dependency between them may run concurrently; order only what must be ordered.
4. Assign "risk": "low" for read-only lookups, "medium" for writes, "high" for destructive or external-facing actions.
5. Set "needs_approval": true for any high-risk step.

OUTPUT FORMAT (JSON):
{
  "summary": "one-line description of the plan",
  "steps": [
    {
      "id": "step-1",
      "tool": "tool.name",
      "args": {"key": "value"},
      "dependencies": [],
      "risk": "low",
      "needs_approval": false
    }
  ]
}

Respond with the JSON object only.`)
	return b.String()
}

// planDocument mirrors the raw JSON shape requested from the reasoner.
type planDocument struct {
	Summary string `json:"summary"`
	Steps   []struct {
		ID            string                 `json:"id"`
		Tool          string                 `json:"tool"`
		Args          map[string]interface{} `json:"args"`
		Dependencies  []string               `json:"dependencies"`
		Risk          string                 `json:"risk"`
		NeedsApproval bool                   `json:"needs_approval"`
		DryRun        bool                   `json:"dry_run"`
	} `json:"steps"`
}

func (p *Planner) parseResponse(response string) ([]Step, string, error) {
	raw, ok := reasoner.ExtractJSON(response)
	if !ok {
		return nil, "", fmt.Errorf("no JSON object in response")
	}
	if err := ValidatePlanDocument([]byte(raw)); err != nil {
		return nil, "", err
	}
	var doc planDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, "", fmt.Errorf("decode plan document: %w", err)
	}

	steps := make([]Step, 0, len(doc.Steps))
	for _, rs := range doc.Steps {
		id := rs.ID
		if id == "" {
			id = uuid.New().String()
		}
		risk := rs.Risk
		switch risk {
		case RiskLow, RiskMedium, RiskHigh:
		default:
			risk = RiskLow
		}
		needsApproval := rs.NeedsApproval
		if risk == RiskHigh {
			// high risk is always gated, whatever the model said
			needsApproval = true
		}
		steps = append(steps, Step{
			ID:            id,
			Tool:          rs.Tool,
			Args:          rs.Args,
			DependsOn:     rs.Dependencies,
			Risk:          risk,
			NeedsApproval: needsApproval,
			DryRun:        rs.DryRun,
		})
	}
	return steps, doc.Summary, nil
}
