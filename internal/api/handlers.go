package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/xiy/memory-engine/pkg/types"
)

const defaultFailureLimit = 50

// handleHealth returns 200 when healthy and 503 when degraded, with the
// report as the body either way.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	report := s.backend.Health(c.UserContext())
	status := fiber.StatusOK
	if report.Status != types.HealthOK {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(report)
}

func (s *Server) handleAssemble(c *fiber.Ctx) error {
	var in types.AssembleInput
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if in.MaxTokens < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "max_tokens must not be negative"})
	}

	out, err := s.backend.Assemble(c.UserContext(), in.UserID, in.SessionID, in.MaxTokens)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(out)
}

func (s *Server) handleAppendMessage(c *fiber.Ctx) error {
	var in types.MessageInput
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	sess, err := s.backend.AppendMessage(c.UserContext(), in)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sess)
}

func (s *Server) handleWriteMedium(c *fiber.Ctx) error {
	var in types.MediumInput
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	rec, err := s.backend.WriteMedium(c.UserContext(), in)
	return s.written(c, rec, err)
}

func (s *Server) handleWriteDurable(c *fiber.Ctx) error {
	var in types.DurableInput
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	rec, err := s.backend.WriteDurable(c.UserContext(), in)
	return s.written(c, rec, err)
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	stats, err := s.backend.GetStats(c.UserContext(), c.Params("user_id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(stats)
}

// handleListFailures lists failure queue entries, optionally filtered by
// ?status= and capped by ?limit=.
func (s *Server) handleListFailures(c *fiber.Ctx) error {
	status := types.FailureStatus(c.Query("status"))
	switch status {
	case "", types.FailurePending, types.FailureRetrying, types.FailureResolved, types.FailureFailed:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "unknown status " + strconv.Quote(string(status))})
	}

	limit := defaultFailureLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "limit must be a positive integer"})
		}
		limit = n
	}

	failures, err := s.backend.ListFailures(c.UserContext(), status, limit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(map[string]any{
		"count":    len(failures),
		"failures": failures,
	})
}

func (s *Server) handleBreakers(c *fiber.Ctx) error {
	return c.JSON(map[string]any{
		"breakers": s.backend.Breakers(),
	})
}
