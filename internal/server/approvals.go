package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/conductorhq/conductor/internal/store"
)

// Resolver is the approve/deny surface of the gate.
type Resolver interface {
	Resolve(ctx context.Context, executionID string, approve bool, resolvedBy string) (bool, error)
}

// ApprovalReader is the approval lookup slice of the store.
type ApprovalReader interface {
	GetExecution(ctx context.Context, id string) (store.Execution, error)
	GetApprovalByExecution(ctx context.Context, executionID string) (store.Approval, bool, error)
	GetSession(ctx context.Context, id string) (store.Session, error)
	ListPendingApprovalsBySession(ctx context.Context, sessionID string) ([]store.Approval, error)
}

// ApprovalsHandler exposes approve/deny. Both are idempotent: resolving an
// already-resolved approval is a no-op reported in the response, not an error.
type ApprovalsHandler struct {
	Gate  Resolver
	Store ApprovalReader
}

func (h *ApprovalsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("/:id/approve", h.approve)
	g.POST("/:id/deny", h.deny)
}

// RegisterSessionRoutes adds the pending-approvals listing under sessions.
func (h *ApprovalsHandler) RegisterSessionRoutes(g *echo.Group) {
	g.GET("/:id/approvals", h.listPending)
}

func (h *ApprovalsHandler) approve(c echo.Context) error {
	return h.resolve(c, true)
}

func (h *ApprovalsHandler) deny(c echo.Context) error {
	return h.resolve(c, false)
}

// loadOwned fetches the execution's approval and enforces that the caller
// owns the session it belongs to, mirroring the session and plan handlers.
func (h *ApprovalsHandler) loadOwned(c echo.Context, executionID string) (store.Approval, error) {
	ctx := c.Request().Context()
	if _, err := h.Store.GetExecution(ctx, executionID); err != nil {
		return store.Approval{}, echo.NewHTTPError(http.StatusNotFound, "execution not found")
	}
	a, found, err := h.Store.GetApprovalByExecution(ctx, executionID)
	if err != nil {
		return store.Approval{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return store.Approval{}, echo.NewHTTPError(http.StatusNotFound, "no approval for execution")
	}
	userID, _ := c.Get("user_id").(string)
	sess, err := h.Store.GetSession(ctx, a.SessionID)
	if err != nil || sess.UserID != userID {
		return store.Approval{}, echo.NewHTTPError(http.StatusNotFound, "execution not found")
	}
	return a, nil
}

func (h *ApprovalsHandler) resolve(c echo.Context, approve bool) error {
	ctx := c.Request().Context()
	executionID := c.Param("id")
	if _, err := h.loadOwned(c, executionID); err != nil {
		return err
	}
	userID, _ := c.Get("user_id").(string)
	won, err := h.Gate.Resolve(ctx, executionID, approve, userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	a, found, err := h.Store.GetApprovalByExecution(ctx, executionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "no approval for execution")
	}
	return c.JSON(http.StatusOK, ResolveResponse{
		ExecutionID: executionID,
		Status:      a.Status,
		Resolved:    won,
	})
}

func (h *ApprovalsHandler) listPending(c echo.Context) error {
	ctx := c.Request().Context()
	userID, _ := c.Get("user_id").(string)
	sess, err := h.Store.GetSession(ctx, c.Param("id"))
	if err != nil || sess.UserID != userID {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	approvals, err := h.Store.ListPendingApprovalsBySession(ctx, sess.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]ApprovalResponse, 0, len(approvals))
	for _, a := range approvals {
		out = append(out, approvalResponse(a))
	}
	return c.JSON(http.StatusOK, out)
}
