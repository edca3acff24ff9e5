package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/conductorhq/conductor/internal/events"
	"github.com/conductorhq/conductor/internal/gate"
	"github.com/conductorhq/conductor/internal/planner"
	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/internal/telemetry"
	"github.com/conductorhq/conductor/internal/tools"
)

// Persistence is the slice of the store the engine needs.
type Persistence interface {
	CreateExecution(ctx context.Context, planID string, step planner.Step) (store.Execution, error)
	SetExecutionStatus(ctx context.Context, id string, status string) error
	CompleteExecution(ctx context.Context, id string, status string, result json.RawMessage, errMsg string) error
	SetPlanStatus(ctx context.Context, id string, status string) error
}

// Dispatcher maps a tool name to an external capability call.
type Dispatcher interface {
	Dispatch(ctx context.Context, call tools.Call) tools.Result
}

// ApprovalGate suspends gated steps until a human decision lands.
type ApprovalGate interface {
	Request(ctx context.Context, a store.Approval) (store.Approval, error)
	Wait(ctx context.Context, executionID string) (gate.Decision, error)
}

// Sink receives the engine's observation events.
type Sink interface {
	Publish(e events.Event)
}

// Engine walks one plan's step graph, dispatching steps whose dependencies
// have completed, suspending gated steps on the approval gate, and recording
// every outcome. One engine instance drives one plan for one session; nothing
// here is shared across sessions.
type Engine struct {
	db      Persistence
	tools   Dispatcher
	gate    ApprovalGate
	bus     Sink
	maxConc int
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	logger  *log.Logger
}

// Result summarises one finished run.
type Result struct {
	PlanID    string
	Statuses  map[string]string // step id -> terminal execution status
	PlanState string
}

// New builds an engine. bus and metrics may be nil; maxConcurrent <= 0 means 4.
func New(db Persistence, dispatcher Dispatcher, approvals ApprovalGate, bus Sink, maxConcurrent int, metrics *telemetry.Metrics) *Engine {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Engine{
		db:      db,
		tools:   dispatcher,
		gate:    approvals,
		bus:     bus,
		maxConc: maxConcurrent,
		metrics: metrics,
		tracer:  telemetry.Tracer("conductor/engine"),
		logger:  log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
	}
}

// Run executes the plan to a terminal state. The step graph is re-validated
// before any execution row is written, so a cyclic or dangling plan never
// starts. Cancelling ctx stops scheduling new steps; steps already dispatched
// run to completion on the background context and are recorded normally.
func (e *Engine) Run(ctx context.Context, plan planner.Plan) (Result, error) {
	runCtx, span := e.tracer.Start(ctx, "engine.run",
		trace.WithAttributes(
			attribute.String("plan.id", plan.ID),
			attribute.String("session.id", plan.SessionID),
			attribute.Int("plan.steps", len(plan.Steps)),
		))
	defer span.End()

	res := Result{PlanID: plan.ID, Statuses: make(map[string]string, len(plan.Steps))}

	if err := planner.ValidateSteps(plan.Steps); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid step graph")
		return res, fmt.Errorf("validate plan %s: %w", plan.ID, err)
	}

	if err := e.db.SetPlanStatus(runCtx, plan.ID, planner.StatusExecuting); err != nil {
		return res, fmt.Errorf("mark plan executing: %w", err)
	}

	var (
		mu       sync.Mutex
		results  = make(map[string]tools.Result, len(plan.Steps))
		inflight = make(map[string]bool, len(plan.Steps))
		wg       sync.WaitGroup
	)
	sem := make(chan struct{}, e.maxConc)
	// coalesced wake-up; one pending signal is enough because every
	// reclassification observes all completions recorded so far
	wake := make(chan struct{}, 1)
	signal := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	cancelled := false
	for !cancelled {
		select {
		case <-ctx.Done():
			cancelled = true
			continue
		default:
		}

		var ready, blocked []planner.Step
		mu.Lock()
		pending := 0
		for _, step := range plan.Steps {
			if _, done := res.Statuses[step.ID]; done {
				continue
			}
			pending++
			if inflight[step.ID] {
				continue
			}
			eligible, dead := true, false
			for _, dep := range step.DependsOn {
				ds, ok := res.Statuses[dep]
				if !ok {
					eligible = false
					continue
				}
				if ds != store.ExecutionStatusCompleted {
					dead = true
				}
			}
			switch {
			case dead:
				blocked = append(blocked, step)
			case eligible:
				ready = append(ready, step)
			}
		}
		running := len(inflight)
		mu.Unlock()
		if pending == 0 {
			break
		}

		// a failed, skipped, or denied dependency poisons the whole
		// downstream branch
		for _, step := range blocked {
			e.skipStep(runCtx, plan, step)
			mu.Lock()
			res.Statuses[step.ID] = store.ExecutionStatusSkipped
			mu.Unlock()
		}
		if len(blocked) > 0 {
			continue
		}

		if len(ready) == 0 {
			if running == 0 {
				return res, fmt.Errorf("plan %s: %d steps unreachable", plan.ID, pending)
			}
			// no barrier on the whole set: as soon as any in-flight step
			// finishes, reclassify so its dependents can start even while
			// slower or approval-gated siblings are still running
			select {
			case <-wake:
			case <-ctx.Done():
				cancelled = true
			}
			continue
		}

		for _, step := range ready {
			mu.Lock()
			inflight[step.ID] = true
			mu.Unlock()
			wg.Add(1)
			go func(st planner.Step) {
				defer wg.Done()
				defer func() {
					mu.Lock()
					delete(inflight, st.ID)
					mu.Unlock()
					signal()
				}()
				sem <- struct{}{}
				defer func() { <-sem }()

				mu.Lock()
				inputs := dependencyInputs(st, results)
				mu.Unlock()

				status, result, err := e.runStep(runCtx, plan, st, inputs)
				if err != nil && runCtx.Err() != nil {
					// suspended by cancellation; leave the row as-is
					return
				}
				mu.Lock()
				res.Statuses[st.ID] = status
				results[st.ID] = result
				mu.Unlock()
			}(step)
		}
	}

	wg.Wait()

	if cancelled && len(res.Statuses) < len(plan.Steps) {
		span.SetStatus(codes.Error, "cancelled")
		return res, ctx.Err()
	}

	res.PlanState = planner.StatusCompleted
	for _, st := range res.Statuses {
		if st == store.ExecutionStatusFailed {
			res.PlanState = planner.StatusFailed
			break
		}
	}
	if err := e.db.SetPlanStatus(context.WithoutCancel(runCtx), plan.ID, res.PlanState); err != nil {
		return res, fmt.Errorf("mark plan %s: %w", res.PlanState, err)
	}
	if e.metrics != nil {
		e.metrics.PlansTotal.WithLabelValues(res.PlanState).Inc()
	}
	span.SetAttributes(attribute.String("plan.state", res.PlanState))
	span.SetStatus(codes.Ok, res.PlanState)
	return res, nil
}

// runStep drives one step through its state machine. The returned status is
// the terminal execution status; err is non-nil only for persistence failures
// or cancellation while awaiting approval.
func (e *Engine) runStep(ctx context.Context, plan planner.Plan, step planner.Step, inputs map[string]interface{}) (string, tools.Result, error) {
	stepCtx, span := e.tracer.Start(ctx, "engine.step",
		trace.WithAttributes(
			attribute.String("step.id", step.ID),
			attribute.String("step.tool", step.Tool),
			attribute.String("step.risk", step.Risk),
		))
	defer span.End()

	exec, err := e.db.CreateExecution(stepCtx, plan.ID, step)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence")
		e.publishError(plan, step, fmt.Sprintf("record execution: %v", err))
		return store.ExecutionStatusFailed, tools.Result{}, fmt.Errorf("create execution for step %s: %w", step.ID, err)
	}
	e.publish(events.New(events.TypeStepStarted, plan.SessionID, map[string]interface{}{
		"execution_id": exec.ID,
		"tool":         step.Tool,
		"risk":         step.Risk,
	}).WithStep(plan.ID, step.ID))

	if step.NeedsApproval {
		status, err := e.awaitApproval(stepCtx, plan, step, exec)
		if err != nil || status != "" {
			return status, tools.Result{}, err
		}
		// approved: fall through to dispatch
	}

	if err := e.db.SetExecutionStatus(stepCtx, exec.ID, store.ExecutionStatusExecuting); err != nil {
		return store.ExecutionStatusFailed, tools.Result{}, fmt.Errorf("mark execution executing: %w", err)
	}

	args := make(map[string]interface{}, len(step.Args)+1)
	for k, v := range step.Args {
		args[k] = v
	}
	if len(inputs) > 0 {
		args["inputs"] = inputs
	}
	call := tools.Call{Tool: step.Tool, Args: args, SessionID: plan.SessionID, DryRun: step.DryRun}
	e.publish(events.New(events.TypeToolCall, plan.SessionID, map[string]interface{}{
		"execution_id": exec.ID,
		"tool":         step.Tool,
		"args":         step.Args,
		"dry_run":      step.DryRun,
	}).WithStep(plan.ID, step.ID))

	// a dispatched tool runs to completion even if the session stream
	// goes away mid-call
	started := time.Now()
	result := e.tools.Dispatch(context.WithoutCancel(stepCtx), call)
	elapsed := time.Since(started)
	if e.metrics != nil {
		e.metrics.StepDuration.WithLabelValues(step.Tool).Observe(elapsed.Seconds())
	}

	status := store.ExecutionStatusCompleted
	if !result.Success {
		status = store.ExecutionStatusFailed
	}
	if err := e.db.CompleteExecution(context.WithoutCancel(stepCtx), exec.ID, status, result.Marshal(), result.Error); err != nil {
		return store.ExecutionStatusFailed, result, fmt.Errorf("record result for step %s: %w", step.ID, err)
	}
	if e.metrics != nil {
		e.metrics.StepsTotal.WithLabelValues(step.Tool, status).Inc()
	}

	if result.Success {
		span.SetStatus(codes.Ok, "completed")
		e.publish(events.New(events.TypeToolResult, plan.SessionID, map[string]interface{}{
			"execution_id": exec.ID,
			"tool":         step.Tool,
			"result":       result,
			"duration_ms":  elapsed.Milliseconds(),
		}).WithStep(plan.ID, step.ID))
	} else {
		span.SetStatus(codes.Error, result.Error)
		e.logger.Printf("step %s (%s) failed: %s", step.ID, step.Tool, result.Error)
		e.publishError(plan, step, result.Error)
	}
	return status, result, nil
}

// awaitApproval parks the execution until a human decision. Empty status
// means approved and the caller should dispatch.
func (e *Engine) awaitApproval(ctx context.Context, plan planner.Plan, step planner.Step, exec store.Execution) (string, error) {
	if err := e.db.SetExecutionStatus(ctx, exec.ID, store.ExecutionStatusAwaitingApproval); err != nil {
		return store.ExecutionStatusFailed, fmt.Errorf("mark execution awaiting approval: %w", err)
	}
	summary := fmt.Sprintf("step %s wants to run %s", step.ID, step.Tool)
	if _, err := e.gate.Request(ctx, store.Approval{
		ExecutionID: exec.ID,
		PlanID:      plan.ID,
		SessionID:   plan.SessionID,
		Summary:     summary,
		Risk:        step.Risk,
	}); err != nil {
		return store.ExecutionStatusFailed, fmt.Errorf("request approval for step %s: %w", step.ID, err)
	}
	e.publish(events.New(events.TypeApprovalRequest, plan.SessionID, map[string]interface{}{
		"execution_id": exec.ID,
		"summary":      summary,
		"risk":         step.Risk,
	}).WithStep(plan.ID, step.ID))

	decision, err := e.gate.Wait(ctx, exec.ID)
	if err != nil {
		// still awaiting_approval in the store; a later approve call
		// resolves the row even though this run has moved on
		return store.ExecutionStatusAwaitingApproval, fmt.Errorf("await approval for step %s: %w", step.ID, err)
	}
	e.publish(events.New(events.TypeApprovalResolved, plan.SessionID, map[string]interface{}{
		"execution_id": exec.ID,
		"approved":     decision.Approved,
		"resolved_by":  decision.ResolvedBy,
	}).WithStep(plan.ID, step.ID))
	if e.metrics != nil {
		outcome := "denied"
		if decision.Approved {
			outcome = "approved"
		}
		e.metrics.ApprovalsTotal.WithLabelValues(outcome).Inc()
	}

	if !decision.Approved {
		reason := "denied"
		if decision.ResolvedBy != "" {
			reason = "denied by " + decision.ResolvedBy
		}
		if err := e.db.CompleteExecution(context.WithoutCancel(ctx), exec.ID, store.ExecutionStatusSkipped, nil, reason); err != nil {
			return store.ExecutionStatusFailed, fmt.Errorf("record denial for step %s: %w", step.ID, err)
		}
		if e.metrics != nil {
			e.metrics.StepsTotal.WithLabelValues(step.Tool, store.ExecutionStatusSkipped).Inc()
		}
		return store.ExecutionStatusSkipped, nil
	}
	return "", nil
}

// skipStep records a step that can never run because a dependency did not
// complete.
func (e *Engine) skipStep(ctx context.Context, plan planner.Plan, step planner.Step) {
	exec, err := e.db.CreateExecution(ctx, plan.ID, step)
	if err != nil {
		e.logger.Printf("record skipped step %s: %v", step.ID, err)
		return
	}
	if err := e.db.CompleteExecution(ctx, exec.ID, store.ExecutionStatusSkipped, nil, "dependency did not complete"); err != nil {
		e.logger.Printf("mark step %s skipped: %v", step.ID, err)
		return
	}
	if e.metrics != nil {
		e.metrics.StepsTotal.WithLabelValues(step.Tool, store.ExecutionStatusSkipped).Inc()
	}
	e.publish(events.New(events.TypeLog, plan.SessionID, map[string]interface{}{
		"execution_id": exec.ID,
		"message":      "skipped: dependency did not complete",
	}).WithStep(plan.ID, step.ID))
}

func (e *Engine) publish(ev events.Event) {
	if e.bus == nil {
		return
	}
	if e.metrics != nil {
		e.metrics.EventsEmitted.WithLabelValues(ev.Type).Inc()
	}
	e.bus.Publish(ev)
}

func (e *Engine) publishError(plan planner.Plan, step planner.Step, msg string) {
	e.publish(events.New(events.TypeError, plan.SessionID, map[string]interface{}{
		"tool":  step.Tool,
		"error": msg,
	}).WithStep(plan.ID, step.ID))
}

// dependencyInputs gathers the data payloads of completed dependencies so a
// step can see what its upstream steps produced.
func dependencyInputs(step planner.Step, results map[string]tools.Result) map[string]interface{} {
	if len(step.DependsOn) == 0 {
		return nil
	}
	inputs := make(map[string]interface{})
	for _, dep := range step.DependsOn {
		if r, ok := results[dep]; ok && r.Success && r.Data != nil {
			inputs[dep] = r.Data
		}
	}
	if len(inputs) == 0 {
		return nil
	}
	return inputs
}
