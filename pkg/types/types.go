package types

import "time"

// Role identifies the author of a conversational turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversational turn in a session.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the short-lived turn sequence for one (user, session) pair.
type Session struct {
	UserID         string            `json:"user_id"`
	SessionID      string            `json:"session_id"`
	Messages       []Message         `json:"messages"`
	Context        map[string]string `json:"context,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// MediumRecord is a time-boxed task, decision or summary record.
type MediumRecord struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Kind           MediumKind        `json:"kind"`
	Content        MediumContent     `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	SessionRefs    []string          `json:"session_refs,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	RelevanceScore float64           `json:"relevance_score"`
	DecayedAt      *time.Time        `json:"decayed_at,omitempty"`
}

// DurableRecord is a permanent fact, preference, skill or relationship.
type DurableRecord struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	Kind            DurableKind       `json:"kind"`
	Content         DurableContent    `json:"content"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	SourceMediumID  string            `json:"source_medium_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	LastAccessedAt  time.Time         `json:"last_accessed_at"`
	AccessCount     int64             `json:"access_count"`
	ImportanceScore float64           `json:"importance_score"`
	DecayedAt       *time.Time        `json:"decayed_at,omitempty"`
}

// Filter constrains tier reads.
type Filter struct {
	Kinds []string  `json:"kinds,omitempty"`
	Since time.Time `json:"since,omitempty"`
	Until time.Time `json:"until,omitempty"`
	Limit int       `json:"limit,omitempty"`
	// MinScore applies to relevance_score (Medium) or importance_score (Durable).
	MinScore float64 `json:"min_score,omitempty"`
}

// Tier names one of the three memory stores.
type Tier string

const (
	TierShort   Tier = "short_lived"
	TierMedium  Tier = "medium_lived"
	TierDurable Tier = "durable"
)

// AllTiers lists tiers in assembly priority order.
var AllTiers = []Tier{TierShort, TierMedium, TierDurable}

// ContextStatus reports how an assembly went.
type ContextStatus string

const (
	StatusHealthy  ContextStatus = "healthy"
	StatusDegraded ContextStatus = "degraded"
	StatusCached   ContextStatus = "cached"
	StatusError    ContextStatus = "error"
)

// ContextItem is one Medium or Durable record rendered into an assembled context.
type ContextItem struct {
	ID        string    `json:"id"`
	Tier      Tier      `json:"tier"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
	Tokens    int       `json:"tokens"`
}

// AssembledContext is the bounded, best-effort combination of all tiers.
type AssembledContext struct {
	UserID       string          `json:"user_id"`
	SessionID    string          `json:"session_id"`
	Messages     []Message       `json:"messages"`
	Facts        []ContextItem   `json:"facts"`
	TotalTokens  int             `json:"total_tokens"`
	MaxTokens    int             `json:"max_tokens"`
	SourceCounts map[Tier]int    `json:"source_counts"`
	Status       ContextStatus   `json:"status"`
	TierErrors   map[Tier]string `json:"tier_errors,omitempty"`
	AssembledAt  time.Time       `json:"assembled_at"`
}

// FailureStatus is the lifecycle state of a failure queue entry.
type FailureStatus string

const (
	FailurePending  FailureStatus = "pending"
	FailureRetrying FailureStatus = "retrying"
	FailureResolved FailureStatus = "resolved"
	FailureFailed   FailureStatus = "failed"
)

// FailureRecord is a write-side mutation that could not be applied.
type FailureRecord struct {
	EventID     string        `json:"event_id"`
	EventType   string        `json:"event_type"`
	Payload     []byte        `json:"payload"`
	RetryCount  int           `json:"retry_count"`
	MaxRetries  int           `json:"max_retries"`
	NextRetryAt time.Time     `json:"next_retry_at"`
	Status      FailureStatus `json:"status"`
	LastError   string        `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// ReplayEntry is one append-only audit row per replay attempt.
type ReplayEntry struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Attempt   int       `json:"attempt"`
	Success   bool      `json:"success"`
	ErrorText string    `json:"error_text,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarizes one user's stored memory.
type Stats struct {
	UserID              string  `json:"user_id"`
	MediumCount         int64   `json:"medium_count"`
	DurableCount        int64   `json:"durable_count"`
	TotalTokensEstimate int64   `json:"total_tokens_estimate"`
	AvgImportance       float64 `json:"avg_importance"`
}

// WorkerHealth is a supervisor snapshot for one named worker.
type WorkerHealth struct {
	Name               string    `json:"name"`
	Schedule           string    `json:"schedule"`
	Running            bool      `json:"running"`
	LastRunAt          time.Time `json:"last_run_at,omitzero"`
	LastSuccessAt      time.Time `json:"last_success_at,omitzero"`
	NextRunAt          time.Time `json:"next_run_at,omitzero"`
	LastError          string    `json:"last_error,omitempty"`
	ConsecutiveCrashes int       `json:"consecutive_crashes"`
	TotalRuns          int64     `json:"total_runs"`
}

// BreakerSnapshot is the observable state of one (store, operation) breaker.
type BreakerSnapshot struct {
	Store               string    `json:"store"`
	Operation           string    `json:"operation"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	ProbeInFlight       bool      `json:"half_open_probe_in_flight"`
}

// HealthReport aggregates worker, breaker and failure queue state.
type HealthReport struct {
	Status    string                  `json:"status"`
	Workers   []WorkerHealth          `json:"workers"`
	Breakers  []BreakerSnapshot       `json:"breakers"`
	Failures  map[FailureStatus]int64 `json:"failures"`
	CheckedAt time.Time               `json:"checked_at"`
}

const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)
