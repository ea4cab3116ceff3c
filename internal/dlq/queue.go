// Package dlq persists write-side mutations that could not be applied and
// replays them with backoff until they succeed or run out of retries.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/xiy/memory-engine/internal/events"
	"github.com/xiy/memory-engine/pkg/types"
)

// Event types carried by the queue.
const (
	EventPromote      = "memory.promote"
	EventAccess       = "memory.access"
	EventWriteMedium  = "memory.write.medium"
	EventWriteDurable = "memory.write.durable"
	EventPublish      = "event.publish"
)

// ErrNoHandler is recorded when an entry's event type has no registered handler.
var ErrNoHandler = errors.New("no handler registered")

// Store persists failure records and the replay log.
type Store interface {
	InsertFailure(ctx context.Context, rec types.FailureRecord) error
	DueFailures(ctx context.Context, now, claimBefore time.Time, limit int) ([]types.FailureRecord, error)
	ClaimFailure(ctx context.Context, eventID string, now, claimBefore time.Time) (bool, error)
	CompleteFailure(ctx context.Context, rec types.FailureRecord, claimedAt time.Time) (bool, error)
	AppendReplay(ctx context.Context, entry types.ReplayEntry) error
}

// Handler re-applies one captured mutation from its JSON payload.
type Handler func(ctx context.Context, payload []byte) error

// Policy controls retries.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	BatchSize  int
	// ClaimTTL is how long a retrying entry may stay claimed before another
	// replayer may take it over.
	ClaimTTL time.Duration
}

// DefaultPolicy is 3 retries from 5 minutes doubling up to 2 hours.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: 5 * time.Minute, MaxDelay: 2 * time.Hour, BatchSize: 100, ClaimTTL: 5 * time.Minute}
}

// Queue captures failed mutations and dispatches replays to handlers.
type Queue struct {
	store  Store
	policy Policy
	now    func() time.Time
	logger *log.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewQueue builds a queue over store.
func NewQueue(store Store, policy Policy, logger *log.Logger) *Queue {
	def := DefaultPolicy()
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = def.MaxRetries
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.BatchSize <= 0 {
		policy.BatchSize = def.BatchSize
	}
	if policy.ClaimTTL <= 0 {
		policy.ClaimTTL = def.ClaimTTL
	}
	return &Queue{store: store, policy: policy, now: time.Now, logger: logger, handlers: map[string]Handler{}}
}

// WithClock overrides the time source.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Register sets the handler for eventType, replacing any previous one.
func (q *Queue) Register(eventType string, h Handler) {
	q.mu.Lock()
	q.handlers[eventType] = h
	q.mu.Unlock()
}

func (q *Queue) handler(eventType string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[eventType]
	return h, ok
}

// Capture persists a mutation for replay. cause is recorded as the last error.
func (q *Queue) Capture(ctx context.Context, eventType string, payload any, cause error) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	now := q.now().UTC()
	rec := types.FailureRecord{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		Payload:     body,
		MaxRetries:  q.policy.MaxRetries,
		NextRetryAt: now,
		Status:      types.FailurePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if cause != nil {
		rec.LastError = cause.Error()
	}
	if err := q.store.InsertFailure(ctx, rec); err != nil {
		q.logger.Error("failure capture lost", "event_type", eventType, "cause", cause, "error", err)
		return "", fmt.Errorf("capture %s: %w", eventType, err)
	}
	q.logger.Warn("mutation deferred to failure queue", "event_id", rec.EventID, "event_type", eventType, "cause", cause)
	return rec.EventID, nil
}

// Backoff returns the delay before the retry following retryCount failures.
func (q *Queue) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := float64(q.policy.BaseDelay) * math.Pow(2, float64(retryCount-1))
	if d > float64(q.policy.MaxDelay) {
		return q.policy.MaxDelay
	}
	return time.Duration(d)
}

// PublishOrCapture publishes ev and captures it for replay when the publisher fails.
func (q *Queue) PublishOrCapture(ctx context.Context, pub events.Publisher, ev *events.Event) {
	if pub == nil || ev == nil {
		return
	}
	if err := pub.Publish(ctx, ev); err != nil {
		_, _ = q.Capture(ctx, EventPublish, ev, err)
	}
}

// PublishHandler replays captured events through pub.
func PublishHandler(pub events.Publisher) Handler {
	return func(ctx context.Context, payload []byte) error {
		var ev events.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decode event payload: %w", err)
		}
		return pub.Publish(ctx, &ev)
	}
}
