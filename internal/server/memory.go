package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/conductorhq/conductor/internal/store"
)

// MemoryAccess is the handler-facing surface of the memory index.
type MemoryAccess interface {
	Save(ctx context.Context, namespace, key, value string) (store.Memory, error)
	Search(ctx context.Context, namespace, query string) ([]store.Memory, error)
	List(ctx context.Context, namespace string) ([]store.Memory, error)
}

// MemoryHandler exposes namespaced save/search over the memory index.
type MemoryHandler struct {
	Memory MemoryAccess
}

func (h *MemoryHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("/:namespace", h.query)
	g.POST("/:namespace", h.save)
}

func (h *MemoryHandler) save(c echo.Context) error {
	var req SaveMemoryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Key) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key is required")
	}
	m, err := h.Memory.Save(c.Request().Context(), c.Param("namespace"), req.Key, req.Value)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, memoryResponse(m))
}

func (h *MemoryHandler) query(c echo.Context) error {
	ctx := c.Request().Context()
	namespace := c.Param("namespace")
	var (
		memories []store.Memory
		err      error
	)
	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		memories, err = h.Memory.Search(ctx, namespace, q)
	} else {
		memories, err = h.Memory.List(ctx, namespace)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]MemoryResponse, 0, len(memories))
	for _, m := range memories {
		out = append(out, memoryResponse(m))
	}
	return c.JSON(http.StatusOK, out)
}
