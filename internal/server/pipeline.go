package server

import (
	"context"
	"fmt"
	"log"

	"github.com/conductorhq/conductor/internal/engine"
	"github.com/conductorhq/conductor/internal/events"
	"github.com/conductorhq/conductor/internal/interpreter"
	"github.com/conductorhq/conductor/internal/planner"
	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/internal/telemetry"
)

// Interpreting turns a raw message into a goal.
type Interpreting interface {
	Interpret(ctx context.Context, message string, sess interpreter.SessionContext) (planner.Goal, error)
}

// Planning turns a goal into a validated plan.
type Planning interface {
	BuildPlan(ctx context.Context, sessionID string, goal planner.Goal, memories []planner.MemorySnippet, catalog []planner.ToolInfo) (planner.Plan, error)
}

// MemorySearching retrieves planner context.
type MemorySearching interface {
	Search(ctx context.Context, namespace, query string) ([]store.Memory, error)
}

// PlanPersistence is what the pipeline and its engine need from the store.
type PlanPersistence interface {
	engine.Persistence
	CreatePlan(ctx context.Context, p planner.Plan) error
}

// Cataloger enumerates the available tools.
type Cataloger interface {
	Catalog() []planner.ToolInfo
}

// Pipeline drives one user message through interpret -> recall -> plan ->
// execute, publishing events to the session's bus as it goes. A fresh engine
// instance is built per run so concurrent sessions share nothing mutable.
type Pipeline struct {
	Interpreter Interpreting
	Planner     Planning
	Memory      MemorySearching
	Store       PlanPersistence
	Dispatcher  engine.Dispatcher
	Catalog     Cataloger
	Gate        engine.ApprovalGate
	Metrics     *telemetry.Metrics

	MaxConcurrentSteps int
	Logger             *log.Logger
}

func (p *Pipeline) logf(format string, args ...interface{}) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}

// Run processes one message for the session. Interpretation and planning
// degrade gracefully on parse failures; only reasoner-unreachable and
// persistence errors are fatal and surface as the returned error.
func (p *Pipeline) Run(ctx context.Context, sess store.Session, message string, bus *events.Bus) error {
	publish := func(ev events.Event) {
		if bus != nil {
			if p.Metrics != nil {
				p.Metrics.EventsEmitted.WithLabelValues(ev.Type).Inc()
			}
			bus.Publish(ev)
		}
	}

	goal, err := p.Interpreter.Interpret(ctx, message, interpreter.SessionContext{
		Persona: sess.Persona,
		Mode:    sess.Mode,
		Context: sess.Context,
	})
	if err != nil {
		return fmt.Errorf("interpret message: %w", err)
	}
	publish(events.New(events.TypeInterpretation, sess.ID, goal))

	// memory is planner context only; a search failure is logged, not fatal
	var snippets []planner.MemorySnippet
	if p.Memory != nil {
		memories, err := p.Memory.Search(ctx, sess.UserID, goal.Text)
		if err != nil {
			p.logf("memory search for session %s: %v", sess.ID, err)
		}
		for _, m := range memories {
			snippets = append(snippets, planner.MemorySnippet{Key: m.Key, Value: m.Value})
		}
	}

	plan, err := p.Planner.BuildPlan(ctx, sess.ID, goal, snippets, p.Catalog.Catalog())
	if err != nil {
		return fmt.Errorf("build plan: %w", err)
	}
	if err := p.Store.CreatePlan(ctx, plan); err != nil {
		return fmt.Errorf("persist plan: %w", err)
	}
	publish(events.New(events.TypePlan, sess.ID, planResponse(plan)).WithStep(plan.ID, ""))

	eng := engine.New(p.Store, p.Dispatcher, p.Gate, bus, p.MaxConcurrentSteps, p.Metrics)
	if _, err := eng.Run(ctx, plan); err != nil {
		return fmt.Errorf("execute plan %s: %w", plan.ID, err)
	}
	return nil
}
