package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/conductorhq/conductor/internal/events"
	"github.com/conductorhq/conductor/internal/planner"
	"github.com/conductorhq/conductor/internal/session"
	"github.com/conductorhq/conductor/internal/store"
)

// SessionPlans is the plan-listing slice of the store.
type SessionPlans interface {
	ListPlansBySession(ctx context.Context, sessionID string) ([]planner.Plan, error)
}

// SessionsHandler owns session lifecycle and the message pipeline endpoint.
type SessionsHandler struct {
	Sessions *session.Manager
	Plans    SessionPlans
	Pipeline *Pipeline
	Logger   *log.Logger
}

func (h *SessionsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("", h.ensure)
	g.GET("/:id", h.get)
	g.GET("/:id/plans", h.listPlans)
	g.POST("/:id/messages", h.message)
}

func (h *SessionsHandler) ensure(c echo.Context) error {
	var req EnsureSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	userID, _ := c.Get("user_id").(string)
	sess, err := h.Sessions.Ensure(c.Request().Context(), userID, req.ExternalID, req.Mode, req.Persona, req.Scopes)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, sessionResponse(sess))
}

// loadOwned fetches the session and enforces ownership.
func (h *SessionsHandler) loadOwned(c echo.Context) (store.Session, error) {
	userID, _ := c.Get("user_id").(string)
	sess, err := h.Sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return store.Session{}, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if sess.UserID != userID {
		return store.Session{}, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return sess, nil
}

func (h *SessionsHandler) get(c echo.Context) error {
	sess, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sessionResponse(sess))
}

func (h *SessionsHandler) listPlans(c echo.Context) error {
	sess, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	plans, err := h.Plans.ListPlansBySession(c.Request().Context(), sess.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]PlanResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, planResponse(p))
	}
	return c.JSON(http.StatusOK, out)
}

// message runs the full pipeline for one user message, streaming events as
// they happen. Default framing is SSE; ?format=ndjson switches to one JSON
// event per line. Disconnecting stops the stream and the scheduling of new
// steps, but steps already dispatched are recorded normally.
func (h *SessionsHandler) message(c echo.Context) error {
	sess, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	release, err := h.Sessions.AcquireRun(c.Request().Context(), sess.ID)
	if err != nil {
		if errors.Is(err, session.ErrSessionBusy) {
			return echo.NewHTTPError(http.StatusConflict, "session is busy")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer release()

	ctx := c.Request().Context()
	bus := events.NewBus()
	sub, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	go func() {
		defer bus.Close()
		bus.Publish(events.New(events.TypeSessionStarted, sess.ID, map[string]interface{}{
			"external_id": sess.ExternalID,
			"mode":        sess.Mode,
			"persona":     sess.Persona,
		}))
		if err := h.Pipeline.Run(ctx, sess, req.Message, bus); err != nil {
			if h.Logger != nil {
				h.Logger.Printf("pipeline for session %s: %v", sess.ID, err)
			}
			bus.Publish(events.New(events.TypeError, sess.ID, map[string]interface{}{"error": err.Error()}))
			return
		}
		bus.Publish(events.New(events.TypeDone, sess.ID, nil))
	}()

	if c.QueryParam("format") == "ndjson" {
		return h.streamNDJSON(c, sub)
	}
	return h.streamSSE(c, sub)
}

func (h *SessionsHandler) streamSSE(c echo.Context, sub <-chan events.Event) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	ctx := c.Request().Context()
	for {
		select {
		case ev, open := <-sub:
			if !open {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *SessionsHandler) streamNDJSON(c echo.Context, sub <-chan events.Event) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.WriteHeader(http.StatusOK)
	flusher, _ := resp.Writer.(http.Flusher)

	enc := events.NewEncoder(resp)
	ctx := c.Request().Context()
	for {
		select {
		case ev, open := <-sub:
			if !open {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-ctx.Done():
			return nil
		}
	}
}
