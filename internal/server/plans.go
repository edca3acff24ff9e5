package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/conductorhq/conductor/internal/planner"
	"github.com/conductorhq/conductor/internal/store"
)

// PlanReader is the plan re-fetch slice of the store.
type PlanReader interface {
	GetPlan(ctx context.Context, id string) (planner.Plan, error)
	GetSession(ctx context.Context, id string) (store.Session, error)
	ListExecutionsByPlan(ctx context.Context, planID string) ([]store.Execution, error)
}

// PlansHandler serves persisted plans and their execution logs. A completed
// plan re-fetch returns the exact step list it was created with.
type PlansHandler struct {
	Store PlanReader
}

func (h *PlansHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("/:id", h.get)
	g.GET("/:id/executions", h.listExecutions)
}

func (h *PlansHandler) loadOwned(c echo.Context) (planner.Plan, error) {
	ctx := c.Request().Context()
	plan, err := h.Store.GetPlan(ctx, c.Param("id"))
	if err != nil {
		return planner.Plan{}, echo.NewHTTPError(http.StatusNotFound, "plan not found")
	}
	userID, _ := c.Get("user_id").(string)
	sess, err := h.Store.GetSession(ctx, plan.SessionID)
	if err != nil || sess.UserID != userID {
		return planner.Plan{}, echo.NewHTTPError(http.StatusNotFound, "plan not found")
	}
	return plan, nil
}

func (h *PlansHandler) get(c echo.Context) error {
	plan, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, planResponse(plan))
}

func (h *PlansHandler) listExecutions(c echo.Context) error {
	plan, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	execs, err := h.Store.ListExecutionsByPlan(c.Request().Context(), plan.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	type executionView struct {
		ID       string                 `json:"id"`
		StepID   string                 `json:"step_id"`
		Tool     string                 `json:"tool"`
		Args     map[string]interface{} `json:"args,omitempty"`
		Status   string                 `json:"status"`
		Error    string                 `json:"error,omitempty"`
		Approval bool                   `json:"approval_required"`
	}
	out := make([]executionView, 0, len(execs))
	for _, e := range execs {
		out = append(out, executionView{
			ID:       e.ID,
			StepID:   e.StepID,
			Tool:     e.Tool,
			Args:     e.Args,
			Status:   e.Status,
			Error:    e.Error,
			Approval: e.ApprovalRequired,
		})
	}
	return c.JSON(http.StatusOK, out)
}
