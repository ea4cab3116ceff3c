// Package accessor wraps each memory tier with a circuit breaker and retry
// policy. Callers get classified errors back as values and never talk to a
// store directly.
package accessor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/memory-engine/internal/resilience"
	"github.com/xiy/memory-engine/internal/session"
	"github.com/xiy/memory-engine/pkg/types"
)

// Store names used as breaker keys.
const (
	StoreSession = "session"
	StoreMedium  = "medium"
	StoreDurable = "durable"
)

var errEmptyUserID = errors.New("user_id is required")

// SessionStore is the Short-Lived tier backend.
type SessionStore interface {
	Messages(ctx context.Context, userID, sessionID string) ([]types.Message, error)
	Append(ctx context.Context, userID, sessionID string, msg types.Message) (types.Session, error)
	UpdateContext(ctx context.Context, userID, sessionID string, values map[string]string) (types.Session, error)
}

// MediumStore is the Medium-Lived tier backend.
type MediumStore interface {
	InsertMedium(ctx context.Context, rec types.MediumRecord) error
	ListMedium(ctx context.Context, userID string, f types.Filter, now time.Time) ([]types.MediumRecord, error)
	PromotionCandidates(ctx context.Context, minRelevance float64, limit int, now time.Time) ([]types.MediumRecord, error)
	DeleteStaleMedium(ctx context.Context, now time.Time, lowRelevance float64, olderThan time.Time) (int64, error)
	DecayMediumRelevance(ctx context.Context, factor float64, decayedBefore, now time.Time) (int64, error)
	MediumStats(ctx context.Context, userID string, now time.Time) (count, chars int64, err error)
}

// DurableStore is the Durable tier backend.
type DurableStore interface {
	InsertDurable(ctx context.Context, rec types.DurableRecord) error
	ListDurable(ctx context.Context, userID string, f types.Filter) ([]types.DurableRecord, error)
	PromoteMedium(ctx context.Context, sourceID string, rec types.DurableRecord) (bool, error)
	TouchDurable(ctx context.Context, ids []string, now time.Time) error
	DecayImportance(ctx context.Context, staleBefore, decayedBefore, now time.Time, factor, floor float64) (int64, error)
	DurableStats(ctx context.Context, userID string) (count, chars int64, avgImportance float64, err error)
}

// Guard applies the breaker registry and retry policy to store calls.
type Guard struct {
	registry *resilience.Registry
	retrier  *resilience.Retrier
	now      func() time.Time
	logger   *log.Logger
}

// NewGuard builds a Guard. A nil retrier means a single attempt per call.
func NewGuard(registry *resilience.Registry, retrier *resilience.Retrier, logger *log.Logger) *Guard {
	if retrier == nil {
		retrier = resilience.NewRetrier(resilience.RetryPolicy{MaxAttempts: 1})
	}
	return &Guard{registry: registry, retrier: retrier, now: time.Now, logger: logger}
}

// WithClock overrides the time source passed to stores.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Registry exposes the breaker registry for health reporting.
func (g *Guard) Registry() *resilience.Registry { return g.registry }

func (g *Guard) clock() time.Time { return g.now().UTC() }

func guarded[T any](ctx context.Context, g *Guard, store, op string, fn func(context.Context) (T, error)) (T, error) {
	b := g.registry.Get(store, op)
	out, err := resilience.Call(ctx, g.retrier, b, store+"."+op, fn)
	if err != nil && g.logger != nil && !errors.Is(err, context.Canceled) {
		g.logger.Debug("store call failed", "store", store, "operation", op, "error", err)
	}
	return out, err
}

func requireUser(op, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return resilience.InvalidInput(op, errEmptyUserID)
	}
	return nil
}

// ShortLived reads and appends session turns.
type ShortLived struct {
	guard    *Guard
	sessions SessionStore
}

// NewShortLived wraps a session store.
func NewShortLived(g *Guard, sessions SessionStore) *ShortLived {
	return &ShortLived{guard: g, sessions: sessions}
}

// Read returns a session's messages oldest first.
func (a *ShortLived) Read(ctx context.Context, userID, sessionID string) ([]types.Message, error) {
	if err := requireUser("session.read", userID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, resilience.InvalidInput("session.read", errors.New("session_id is required"))
	}
	return guarded(ctx, a.guard, StoreSession, "read", func(ctx context.Context) ([]types.Message, error) {
		return a.sessions.Messages(ctx, userID, sessionID)
	})
}

// Append adds one turn, creating the session if needed.
func (a *ShortLived) Append(ctx context.Context, userID, sessionID string, msg types.Message) (types.Session, error) {
	if err := requireUser("session.write", userID); err != nil {
		return types.Session{}, err
	}
	return guarded(ctx, a.guard, StoreSession, "write", func(ctx context.Context) (types.Session, error) {
		return a.sessions.Append(ctx, userID, sessionID, msg)
	})
}

// UpdateContext merges values into a session's context map.
func (a *ShortLived) UpdateContext(ctx context.Context, userID, sessionID string, values map[string]string) (types.Session, error) {
	if err := requireUser("session.write", userID); err != nil {
		return types.Session{}, err
	}
	return guarded(ctx, a.guard, StoreSession, "write", func(ctx context.Context) (types.Session, error) {
		sess, err := a.sessions.UpdateContext(ctx, userID, sessionID, values)
		if errors.Is(err, session.ErrNotFound) {
			return sess, resilience.InvalidInput("session.update_context", err)
		}
		return sess, err
	})
}
