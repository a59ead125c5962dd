// Package routes assembles the HTTP surface of the service.
package routes

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/thistle/pkg/middleware"
	"github.com/Ramsey-B/thistle/pkg/routes/health"
	"github.com/Ramsey-B/thistle/pkg/routes/issue"
	"github.com/Ramsey-B/thistle/pkg/routes/rule"
	"github.com/Ramsey-B/thistle/pkg/routes/run"
)

type Handlers struct {
	Runs   *run.Handler
	Issues *issue.Handler
	Rules  *rule.Handler
	Health *health.Checker
}

type ServerConfig struct {
	ServiceName  string
	AllowOrigins []string
}

// New builds the echo server with the shared middleware stack.
func New(cfg ServerConfig, logger ectologger.Logger, h Handlers) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(cfg.ServiceName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{AllowOrigins: cfg.AllowOrigins}))

	h.Health.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	h.Runs.Register(api.Group("/runs"))
	h.Issues.Register(api.Group("/issues"))
	h.Rules.Register(api.Group("/rules"))

	return e
}
