// Package api exposes the index cache over HTTP.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/blobstore"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/cache"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/metrics"
)

// Options configures the HTTP server
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// BodyLimit caps request bodies in bytes; 0 uses 16 MiB
	BodyLimit int
	// Metrics backs the /metrics endpoint; nil serves the default registry
	Metrics *metrics.Collector
}

// Server holds the Fiber app instance
type Server struct {
	app   *fiber.App
	cache *cache.IndexCache
	log   *zap.Logger
	addr  string
}

// NewServer builds the Fiber app and registers every route.
func NewServer(c *cache.IndexCache, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = 16 << 20
	}

	app := fiber.New(fiber.Config{
		AppName:               "pdw-index",
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		IdleTimeout:           opts.IdleTimeout,
		BodyLimit:             opts.BodyLimit,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		ErrorHandler:          errorHandler(log),
		CaseSensitive:         true,
		// User keys and decoded bodies outlive the request inside the cache.
		Immutable:             true,
		DisableStartupMessage: true,
	})

	s := &Server{
		app:   app,
		cache: c,
		log:   log.Named("api"),
		addr:  opts.Addr,
	}

	app.Use(recover.New())
	app.Use(requestID())
	app.Use(requestLogger(s.log))

	app.Get("/health", healthHandler)
	app.Get("/metrics", metricsHandler(opts.Metrics))

	v1 := app.Group("/v1")
	v1.Get("/stats", s.cacheStats)

	users := v1.Group("/users/:user")
	users.Post("/vectors", s.addVector)
	users.Delete("/vectors/:id", s.removeVector)
	users.Post("/search", s.search)
	users.Post("/flush", s.flush)
	users.Post("/load", s.load)
	users.Get("/stats", s.userStats)
	v1.Delete("/users/:user", s.clearUser)

	return s
}

// App returns the underlying Fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	s.log.Info("starting server", zap.String("address", s.addr))
	return s.app.Listen(s.addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	return s.app.ShutdownWithContext(ctx)
}

// statusFor maps cache errors onto HTTP status codes.
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, cache.ErrDimensionMismatch),
		errors.Is(err, cache.ErrInvalidVector),
		errors.Is(err, cache.ErrInvalidOptions),
		errors.Is(err, blobstore.ErrInvalidRef):
		return fiber.StatusBadRequest
	case errors.Is(err, cache.ErrIndexNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, cache.ErrPendingWrites):
		return fiber.StatusConflict
	case errors.Is(err, cache.ErrCapacityExceeded):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, cache.ErrStorage),
		errors.Is(err, cache.ErrSerialization),
		errors.Is(err, cache.ErrClosed):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	}
	return fiber.StatusInternalServerError
}

// errorHandler renders every handler error as JSON.
func errorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := statusFor(err)
		if code >= fiber.StatusInternalServerError {
			log.Error("request failed",
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.String("request_id", requestIDFrom(c)),
				zap.Int("status", code),
				zap.Error(err))
		}
		return c.Status(code).JSON(ErrorResponse{
			Error:     true,
			Message:   err.Error(),
			RequestID: requestIDFrom(c),
		})
	}
}

func healthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// metricsHandler serves Prometheus metrics through the fasthttp adaptor
func metricsHandler(m *metrics.Collector) fiber.Handler {
	h := promhttp.Handler()
	if reg := m.GetRegistry(); reg != nil {
		h = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	handler := fasthttpadaptor.NewFastHTTPHandler(h)
	return func(c *fiber.Ctx) error {
		handler(c.Context())
		return nil
	}
}
