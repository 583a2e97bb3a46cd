// Package api exposes the job service over HTTP with fiber.
package api

import (
	"context"
	"time"

	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/logx"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

type Config struct {
	AppName     string
	Version     string
	BodyLimit   int
	Debug       bool
	AccessLog   bool
	HealthCheck time.Duration
}

// Deps are what the HTTP surface serves.
type Deps struct {
	Jobs     *JobHandlers
	Tokens   *TokenService
	Gatherer prometheus.Gatherer
	Checks   map[string]HealthCheck
	// Leader reports leadership for /health. Optional.
	Leader func() bool
}

// NewApp builds the fiber app with middleware and every route mounted.
func NewApp(cfg Config, deps Deps) *fiber.App {
	if cfg.AppName == "" {
		cfg.AppName = "qorch"
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 4 * 1024 * 1024
	}
	if cfg.HealthCheck <= 0 {
		cfg.HealthCheck = 2 * time.Second
	}

	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(cfg.Debug),
		BodyLimit:             cfg.BodyLimit,
		IdleTimeout:           120 * time.Second,
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: cfg.Debug}))
	app.Use(requestid.New(requestid.Config{
		Header:    fiber.HeaderXRequestID,
		Generator: func() string { return "req-" + uuid.NewString() },
	}))
	if cfg.AccessLog {
		app.Use(logger.New(logger.Config{
			Format:     "${time} | ${status} | ${latency} | ${method} ${path} | ${ip} | ${reqHeader:X-Request-ID}\n",
			TimeFormat: "2006-01-02 15:04:05",
		}))
	}

	app.Get("/health", healthHandler(cfg, deps))
	if deps.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if deps.Jobs != nil && deps.Tokens != nil {
		deps.Jobs.RegisterRoutes(app, Authenticate(deps.Tokens))
	}

	app.Use(notFoundHandler)
	return app
}

func healthHandler(cfg Config, deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		health := fiber.Map{
			"status":  "healthy",
			"service": cfg.AppName,
			"version": cfg.Version,
		}
		if deps.Leader != nil {
			health["leader"] = deps.Leader()
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), cfg.HealthCheck)
		defer cancel()
		for name, check := range deps.Checks {
			if err := check(ctx); err != nil {
				health[name] = "unhealthy"
				health[name+"_error"] = err.Error()
				health["status"] = "degraded"
				continue
			}
			health[name] = "healthy"
		}

		status := fiber.StatusOK
		if health["status"] == "degraded" {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(health)
	}
}

func notFoundHandler(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error":      "Route not found",
		"code":       "NOT_FOUND",
		"path":       c.Path(),
		"method":     c.Method(),
		"request_id": c.GetRespHeader(fiber.HeaderXRequestID),
	})
}

// errorHandler renders errx errors with their status and details; anything
// else is a 500.
func errorHandler(debug bool) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		requestID := c.GetRespHeader(fiber.HeaderXRequestID)
		fields := logx.Fields{
			"path":       c.Path(),
			"method":     c.Method(),
			"request_id": requestID,
		}

		if e, ok := err.(*fiber.Error); ok {
			return c.Status(e.Code).JSON(fiber.Map{
				"error":      e.Message,
				"code":       "FIBER_ERROR",
				"status":     e.Code,
				"request_id": requestID,
			})
		}

		var e *errx.Error
		if errx.As(err, &e) {
			entry := logx.WithFields(fields).WithError(err)
			if e.HTTPStatus >= fiber.StatusInternalServerError {
				entry.Error("api: request failed")
			} else {
				entry.Debug("api: request rejected")
			}

			response := fiber.Map{
				"error":      e.Message,
				"code":       e.Code,
				"type":       string(e.Type),
				"status":     e.HTTPStatus,
				"request_id": requestID,
			}
			if len(e.Details) > 0 {
				response["details"] = e.Details
			}
			if debug && e.Err != nil {
				response["underlying_error"] = e.Err.Error()
			}
			return c.Status(e.HTTPStatus).JSON(response)
		}

		logx.WithFields(fields).WithError(err).Error("api: unexpected error")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":      "Internal Server Error",
			"type":       "INTERNAL",
			"code":       "INTERNAL_ERROR",
			"request_id": requestID,
		})
	}
}
