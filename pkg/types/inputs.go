package types

// MessageInput appends one turn to a session.
type MessageInput struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// MediumInput describes a new medium-lived record write.
type MediumInput struct {
	UserID      string            `json:"user_id"`
	Kind        string            `json:"kind"`
	Content     MediumContent     `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	SessionRefs []string          `json:"session_refs,omitempty"`
	TTLSeconds  int               `json:"ttl_seconds,omitempty"`
}

// DurableInput describes a new durable record write.
type DurableInput struct {
	UserID          string            `json:"user_id"`
	Kind            string            `json:"kind"`
	Content         DurableContent    `json:"content"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ImportanceScore float64           `json:"importance_score,omitempty"`
}

// AssembleInput requests an assembled context.
type AssembleInput struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}
