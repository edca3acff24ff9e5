package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/conductorhq/conductor/config"
	"github.com/conductorhq/conductor/internal/gate"
	"github.com/conductorhq/conductor/internal/interpreter"
	"github.com/conductorhq/conductor/internal/memory"
	"github.com/conductorhq/conductor/internal/planner"
	"github.com/conductorhq/conductor/internal/reasoner"
	"github.com/conductorhq/conductor/internal/session"
	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/internal/telemetry"
	"github.com/conductorhq/conductor/internal/tools"
)

// Run wires every component and serves HTTP until the listener fails.
func Run(ctx context.Context, cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}
	secret := []byte(cfg.Server.JWTSecret)

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	st, err := store.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}

	var rdb *redis.Client
	if cfg.Storage.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	mem, err := memory.NewIndex(st, cfg.Memory.SearchLimit)
	if err != nil {
		return err
	}
	if err := mem.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild memory index: %w", err)
	}

	llm, err := reasoner.NewOpenAI(cfg.LLM)
	if err != nil {
		return fmt.Errorf("init reasoner: %w", err)
	}

	registry := tools.NewRegistry()
	for _, tool := range []tools.Tool{
		tools.NewWeatherTool(nil),
		tools.NewSearchTool(nil, ""),
		tools.NewNotesCreateTool(st),
		tools.NewNotesListTool(st),
		tools.NewTimerTool(),
	} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}

	metrics := telemetry.NewMetrics(nil)
	var locker session.Locker
	var pub gate.PubSub
	if rdb != nil {
		locker = rdb
		pub = rdb
	}
	sessions := session.New(st, locker)
	approvals := gate.New(st, pub)
	defer approvals.Close()

	pipeline := &Pipeline{
		Interpreter:        interpreter.New(llm),
		Planner:            planner.New(llm),
		Memory:             mem,
		Store:              st,
		Dispatcher:         registry,
		Catalog:            registry,
		Gate:               approvals,
		Metrics:            metrics,
		MaxConcurrentSteps: cfg.Engine.MaxConcurrentSteps,
		Logger:             log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}

	api := e.Group("/api")

	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	sh := &SessionsHandler{
		Sessions: sessions,
		Plans:    st,
		Pipeline: pipeline,
		Logger:   log.New(log.Writer(), "[SESSIONS] ", log.LstdFlags),
	}
	sessionGroup := api.Group("/sessions")
	sh.Register(sessionGroup, secret)

	ah := &ApprovalsHandler{Gate: approvals, Store: st}
	ah.Register(api.Group("/executions"), secret)
	ah.RegisterSessionRoutes(sessionGroup)

	ph := &PlansHandler{Store: st}
	ph.Register(api.Group("/plans"), secret)

	mh := &MemoryHandler{Memory: mem}
	mh.Register(api.Group("/memory"), secret)

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	baseLogger.Printf("listening on %s", addr)
	return e.Start(addr)
}
