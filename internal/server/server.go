// Package server implements Porter's HTTP surface: the asset endpoint
// described by spec.md §6, plus the operational and control endpoints
// that let an operator probe, warm, and invalidate a running instance.
package server

import (
	"context"
	"time"

	"github.com/SmartOrange/porter/internal/app"
	"github.com/SmartOrange/porter/internal/config"
	"github.com/SmartOrange/porter/internal/middleware"
	"github.com/SmartOrange/porter/internal/observability"
	"github.com/SmartOrange/porter/internal/ratelimit"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog"
)

// Server wraps a Fiber app wired to one *app.App instance.
type Server struct {
	fiber   *fiber.App
	porter  *app.App
	config  *config.Config
	logger  zerolog.Logger
	metrics *observability.Metrics
	audit   *middleware.AuditLogger

	rateStore ratelimit.Store
	startedAt time.Time
	ready     bool
}

// New builds a Server around porter. It does not start listening; call
// Start for that.
func New(cfg *config.Config, porter *app.App, logger zerolog.Logger) (*Server, error) {
	fiberApp := fiber.New(fiber.Config{
		AppName:               "porter",
		BodyLimit:             cfg.Server.BodyLimit,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		DisableStartupMessage: !cfg.Debug,
		ErrorHandler:          customErrorHandler,
	})

	rateStore, err := ratelimit.NewStore(&cfg.Scaling)
	if err != nil {
		return nil, err
	}
	ratelimit.SetGlobalStore(rateStore)

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
		middleware.SetRateLimiterMetrics(metrics)
	}

	s := &Server{
		fiber:     fiberApp,
		porter:    porter,
		config:    cfg,
		logger:    logger,
		metrics:   metrics,
		audit:     middleware.NewAuditLogger(logger),
		rateStore: rateStore,
		startedAt: time.Now(),
	}

	s.setupMiddlewares()
	s.setupRoutes()

	return s, nil
}

// MarkReady flags the instance as having finished its first entry parse,
// for the "/ready" probe. Call it once ParseEntries succeeds.
func (s *Server) MarkReady() {
	s.ready = true
}

func (s *Server) setupMiddlewares() {
	s.fiber.Use(requestid.New())

	if s.config.Tracing.Enabled {
		s.fiber.Use(middleware.TracingMiddleware(middleware.TracingConfig{
			Enabled:     true,
			ServiceName: s.config.Tracing.ServiceName,
			SkipPaths:   []string{"/health", "/ready", "/metrics"},
		}))
	}

	s.fiber.Use(middleware.StructuredLogger(middleware.StructuredLoggerConfig{
		Logger:               &s.logger,
		SkipPaths:            []string{"/health", "/ready", "/metrics"},
		SlowRequestThreshold: time.Second,
	}))

	if s.metrics != nil {
		s.fiber.Use(s.metrics.MetricsMiddleware())
	}

	s.fiber.Use(func(c *fiber.Ctx) error {
		if s.config.Server.DevOverlay && c.Path() == "/_porter/overlay" {
			return middleware.DevOverlaySecurityHeaders()(c)
		}
		return middleware.SecurityHeaders()(c)
	})

	s.fiber.Use(recover.New(recover.Config{EnableStackTrace: s.config.Debug}))

	s.fiber.Use(middleware.BodyLimitMiddleware(middleware.DefaultBodyLimitConfig()))

	if s.config.Server.RateLimit > 0 {
		s.fiber.Use(limiter.New(limiter.Config{
			Max:        s.config.Server.RateLimit,
			Expiration: time.Minute,
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP()
			},
			Storage: ratelimit.NewFiberAdapter(s.rateStore),
			LimitReached: func(c *fiber.Ctx) error {
				if s.metrics != nil {
					s.metrics.RecordRateLimitHit("asset")
				}
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error": "RATE_LIMIT_EXCEEDED",
				})
			},
		}))
	}

	s.fiber.Use(compress.New(compress.Config{Level: compress.LevelDefault}))
}

func (s *Server) setupRoutes() {
	s.fiber.Get("/health", s.handleHealth)
	s.fiber.Get("/ready", s.handleReady)

	if s.metrics != nil {
		s.fiber.Get(s.config.Metrics.Path, s.metrics.Handler())
	}

	if s.config.Server.Control {
		control := s.fiber.Group("/_porter")
		control.Post("/invalidate", s.handleInvalidate)
		control.Post("/build", s.handleBuild)
		control.Get("/reload", s.handleReloadStream)
		if s.config.Server.DevOverlay {
			control.Get("/overlay", s.handleOverlay)
		}
	}

	s.fiber.Get("/*",
		middleware.CacheControl(middleware.CacheControlConfig{MaxAge: 0}),
		middleware.LastModifiedMiddleware("Last-Modified"),
		s.handleAsset,
	)
}

// Start listens on Config.Server.Address. It blocks until the listener
// stops.
func (s *Server) Start() error {
	return s.fiber.Listen(s.config.Server.Address)
}

// Shutdown gracefully drains in-flight requests and releases the rate
// limit store.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.fiber.ShutdownWithContext(ctx); err != nil {
		return err
	}
	return s.rateStore.Close()
}

// App returns the underlying Fiber app, for tests driving requests
// directly with app.Test.
func (s *Server) App() *fiber.App {
	return s.fiber
}

// Metrics returns the server's metrics instance, nil when Config.Metrics
// is disabled. It exists so the serve command can drive the periodic
// uptime tick from outside the package.
func (s *Server) Metrics() *observability.Metrics {
	return s.metrics
}

// StartedAt is when this Server was constructed, for a caller computing
// uptime outside the package.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal server error"
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}
	return c.Status(code).JSON(fiber.Map{"error": message})
}
