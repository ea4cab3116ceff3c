// Package api serves the engine's read and write operations over HTTP.
package api

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v2"

	"github.com/xiy/memory-engine/internal/memory"
	"github.com/xiy/memory-engine/internal/resilience"
	"github.com/xiy/memory-engine/pkg/types"
)

// Backend is the engine surface the HTTP handlers call.
type Backend interface {
	Assemble(ctx context.Context, userID, sessionID string, maxTokens int) (types.AssembledContext, error)
	AppendMessage(ctx context.Context, in types.MessageInput) (types.Session, error)
	WriteMedium(ctx context.Context, in types.MediumInput) (types.MediumRecord, error)
	WriteDurable(ctx context.Context, in types.DurableInput) (types.DurableRecord, error)
	GetStats(ctx context.Context, userID string) (types.Stats, error)
	ListFailures(ctx context.Context, status types.FailureStatus, limit int) ([]types.FailureRecord, error)
	Breakers() []types.BreakerSnapshot
	Health(ctx context.Context) types.HealthReport
}

// Config holds the HTTP listener settings.
type Config struct {
	ListenAddr string
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server is the HTTP front end for one engine.
type Server struct {
	config  Config
	backend Backend
	logger  *log.Logger
	app     *fiber.App
}

// NewServer creates the server and registers its routes.
func NewServer(config Config, backend Backend, logger *log.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		config:  config,
		backend: backend,
		logger:  logger,
		app:     app,
	}

	app.Get("/healthz", s.handleHealth)

	v1 := app.Group("/v1")
	v1.Post("/context", s.handleAssemble)
	v1.Post("/messages", s.handleAppendMessage)
	v1.Post("/medium", s.handleWriteMedium)
	v1.Post("/durable", s.handleWriteDurable)
	v1.Get("/users/:user_id/stats", s.handleStats)
	v1.Get("/failures", s.handleListFailures)
	v1.Get("/breakers", s.handleBreakers)

	return s
}

// Run listens on the configured address until Shutdown.
func (s *Server) Run() error {
	s.logger.Info("starting api server", "listen", s.config.ListenAddr)
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// statusFor maps the engine's error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case resilience.IsInvalidInput(err):
		return fiber.StatusBadRequest
	case errors.Is(err, resilience.ErrCircuitOpen):
		return fiber.StatusServiceUnavailable
	}
	if kind, ok := resilience.KindOf(err); ok {
		switch kind {
		case resilience.KindTimeout:
			return fiber.StatusGatewayTimeout
		case resilience.KindUnavailable:
			return fiber.StatusServiceUnavailable
		}
	}
	return fiber.StatusInternalServerError
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		s.logger.Warn("request failed", "method", c.Method(), "path", c.Path(), "status", status, "error", err)
	}
	return c.Status(status).JSON(ErrorResponse{Error: err.Error()})
}

// written replies 201 for applied writes and 202 for writes queued for replay.
func (s *Server) written(c *fiber.Ctx, rec any, err error) error {
	switch {
	case err == nil:
		return c.Status(fiber.StatusCreated).JSON(rec)
	case errors.Is(err, memory.ErrDeferred):
		return c.Status(fiber.StatusAccepted).JSON(rec)
	default:
		return s.fail(c, err)
	}
}
