// Package mcp exposes the engine to agents as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/xiy/memory-engine/internal/memory"
	"github.com/xiy/memory-engine/pkg/types"
)

// Backend is the engine surface the tools call.
type Backend interface {
	Assemble(ctx context.Context, userID, sessionID string, maxTokens int) (types.AssembledContext, error)
	AppendMessage(ctx context.Context, in types.MessageInput) (types.Session, error)
	UpdateSessionContext(ctx context.Context, userID, sessionID string, values map[string]string) (types.Session, error)
	WriteMedium(ctx context.Context, in types.MediumInput) (types.MediumRecord, error)
	WriteDurable(ctx context.Context, in types.DurableInput) (types.DurableRecord, error)
	GetStats(ctx context.Context, userID string) (types.Stats, error)
	Health(ctx context.Context) types.HealthReport
}

// Server registers the memory tools on an mcp-go server.
type Server struct {
	backend Backend
	logger  *log.Logger
	mcp     *server.MCPServer

	requests atomic.Uint64
	errors   atomic.Uint64
}

// NewServer creates an MCP server with every memory tool registered.
func NewServer(name, version string, backend Backend, logger *log.Logger) *Server {
	s := &Server{
		backend: backend,
		logger:  logger,
		mcp: server.NewMCPServer(
			name,
			version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	s.registerTools()
	return s
}

// Serve handles MCP traffic on the given streams until ctx is cancelled or
// in reaches EOF.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(s.logger.StandardLog(log.StandardLogOptions{ForceLevel: log.ErrorLevel}))
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Snapshot returns request counters for dashboards.
func (s *Server) Snapshot() map[string]any {
	return map[string]any{
		"requests": s.requests.Load(),
		"errors":   s.errors.Load(),
		"ts":       time.Now().UTC(),
	}
}

type toolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// wrap decodes arguments, counts calls and converts handler errors into
// tool error results so the agent sees the message.
func (s *Server) wrap(name string, h toolHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		s.requests.Add(1)
		args, err := json.Marshal(req.Params.Arguments)
		if err != nil {
			s.errors.Add(1)
			return mcpgo.NewToolResultError(fmt.Sprintf("invalid %s arguments: %v", name, err)), nil
		}
		out, err := h(ctx, args)
		if err != nil {
			s.errors.Add(1)
			s.logger.Debug("tool call failed", "tool", name, "error", err)
			return mcpgo.NewToolResultError(err.Error()), nil
		}
		return toolSuccess(out)
	}
}

func toolSuccess(v any) (*mcpgo.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcpgo.NewToolResultText(string(b)), nil
}

func decode[T any](tool string, args json.RawMessage) (T, error) {
	var in T
	if len(args) == 0 || string(args) == "null" {
		return in, nil
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return in, fmt.Errorf("invalid %s arguments: %w", tool, err)
	}
	return in, nil
}

// WriteResult reports whether a write was applied or queued for replay.
type WriteResult struct {
	Status string `json:"status"`
	Record any    `json:"record"`
}

func writeResult(rec any, err error) (any, error) {
	switch {
	case err == nil:
		return WriteResult{Status: "stored", Record: rec}, nil
	case errors.Is(err, memory.ErrDeferred):
		return WriteResult{Status: "deferred", Record: rec}, nil
	default:
		return nil, err
	}
}

func (s *Server) handleAssemble(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := decode[types.AssembleInput](toolAssemble, args)
	if err != nil {
		return nil, err
	}
	return s.backend.Assemble(ctx, in.UserID, in.SessionID, in.MaxTokens)
}

func (s *Server) handleAppendMessage(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := decode[types.MessageInput](toolAppendMessage, args)
	if err != nil {
		return nil, err
	}
	return s.backend.AppendMessage(ctx, in)
}

func (s *Server) handleUpdateContext(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := decode[struct {
		UserID    string            `json:"user_id"`
		SessionID string            `json:"session_id"`
		Context   map[string]string `json:"context"`
	}](toolUpdateContext, args)
	if err != nil {
		return nil, err
	}
	return s.backend.UpdateSessionContext(ctx, in.UserID, in.SessionID, in.Context)
}

func (s *Server) handleWriteMedium(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := decode[types.MediumInput](toolWriteMedium, args)
	if err != nil {
		return nil, err
	}
	return writeResult(s.backend.WriteMedium(ctx, in))
}

func (s *Server) handleWriteDurable(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := decode[types.DurableInput](toolWriteDurable, args)
	if err != nil {
		return nil, err
	}
	return writeResult(s.backend.WriteDurable(ctx, in))
}

func (s *Server) handleStats(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := decode[struct {
		UserID string `json:"user_id"`
	}](toolGetStats, args)
	if err != nil {
		return nil, err
	}
	return s.backend.GetStats(ctx, in.UserID)
}

func (s *Server) handleHealth(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.backend.Health(ctx), nil
}
