package mcp

import (
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

const (
	toolAssemble      = "memory_assemble_context"
	toolAppendMessage = "memory_append_message"
	toolUpdateContext = "memory_update_session_context"
	toolWriteMedium   = "memory_write_medium"
	toolWriteDurable  = "memory_write_durable"
	toolGetStats      = "memory_get_stats"
	toolHealth        = "memory_health"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcpgo.NewTool(toolAssemble,
		mcpgo.WithDescription("Assemble a token-bounded context from recent messages, medium-lived records and durable facts. Always answers; check status for degraded tiers."),
		mcpgo.WithString("user_id", mcpgo.Required(), mcpgo.Description("User identifier.")),
		mcpgo.WithString("session_id", mcpgo.Required(), mcpgo.Description("Conversation session identifier.")),
		mcpgo.WithNumber("max_tokens", mcpgo.Description("Token budget for the assembled context (default from config).")),
	), s.wrap(toolAssemble, s.handleAssemble))

	s.mcp.AddTool(mcpgo.NewTool(toolAppendMessage,
		mcpgo.WithDescription("Append one turn to a short-lived session, creating the session on first use."),
		mcpgo.WithString("user_id", mcpgo.Required(), mcpgo.Description("User identifier.")),
		mcpgo.WithString("session_id", mcpgo.Required(), mcpgo.Description("Conversation session identifier.")),
		mcpgo.WithString("role", mcpgo.Description("Message author."), mcpgo.Enum("user", "assistant")),
		mcpgo.WithString("content", mcpgo.Required(), mcpgo.Description("Message text.")),
	), s.wrap(toolAppendMessage, s.handleAppendMessage))

	s.mcp.AddTool(mcpgo.NewTool(toolUpdateContext,
		mcpgo.WithDescription("Merge key/value pairs into a live session's context."),
		mcpgo.WithString("user_id", mcpgo.Required(), mcpgo.Description("User identifier.")),
		mcpgo.WithString("session_id", mcpgo.Required(), mcpgo.Description("Conversation session identifier.")),
		mcpgo.WithObject("context", mcpgo.Required(), mcpgo.Description("String values to merge, e.g. active_project_id.")),
	), s.wrap(toolUpdateContext, s.handleUpdateContext))

	s.mcp.AddTool(mcpgo.NewTool(toolWriteMedium,
		mcpgo.WithDescription("Store a time-boxed conversation summary, action or decision."),
		mcpgo.WithString("user_id", mcpgo.Required(), mcpgo.Description("User identifier.")),
		mcpgo.WithString("kind", mcpgo.Required(), mcpgo.Description("Record kind."), mcpgo.Enum("conversation-summary", "action", "decision")),
		mcpgo.WithObject("content", mcpgo.Required(), mcpgo.Description("Exactly one of summary{text,topics}, action{description,status,due_at} or decision{question,choice,rationale}.")),
		mcpgo.WithObject("metadata", mcpgo.Description("Optional string metadata.")),
		mcpgo.WithArray("session_refs", mcpgo.Description("Sessions this record was derived from."), mcpgo.Items(map[string]any{"type": "string"})),
		mcpgo.WithNumber("ttl_seconds", mcpgo.Description("Optional lifetime in seconds (default 7 days).")),
	), s.wrap(toolWriteMedium, s.handleWriteMedium))

	s.mcp.AddTool(mcpgo.NewTool(toolWriteDurable,
		mcpgo.WithDescription("Store a permanent fact, preference, skill or relationship."),
		mcpgo.WithString("user_id", mcpgo.Required(), mcpgo.Description("User identifier.")),
		mcpgo.WithString("kind", mcpgo.Required(), mcpgo.Description("Record kind."), mcpgo.Enum("fact", "preference", "skill", "relationship")),
		mcpgo.WithObject("content", mcpgo.Required(), mcpgo.Description("Exactly one of fact{statement}, preference{subject,value}, skill{name,description} or relationship{subject,relation,object}.")),
		mcpgo.WithObject("metadata", mcpgo.Description("Optional string metadata.")),
		mcpgo.WithNumber("importance_score", mcpgo.Description("Importance in (0,1]; defaults to 0.5.")),
	), s.wrap(toolWriteDurable, s.handleWriteDurable))

	s.mcp.AddTool(mcpgo.NewTool(toolGetStats,
		mcpgo.WithDescription("Count a user's medium and durable records and estimate their token size."),
		mcpgo.WithString("user_id", mcpgo.Required(), mcpgo.Description("User identifier.")),
	), s.wrap(toolGetStats, s.handleStats))

	s.mcp.AddTool(mcpgo.NewTool(toolHealth,
		mcpgo.WithDescription("Report worker, circuit breaker and failure queue health."),
	), s.wrap(toolHealth, s.handleHealth))
}
