package accessor

import (
	"context"
	"time"

	"github.com/xiy/memory-engine/internal/resilience"
	"github.com/xiy/memory-engine/pkg/types"
)

// Durable guards the Durable tier. Reads that feed an assembled context
// report their ids through Touch, which never blocks the caller.
type Durable struct {
	guard   *Guard
	store   DurableStore
	toucher *Toucher
}

// NewDurable wraps a durable store. Touch is a no-op until EnableTouch is called.
func NewDurable(g *Guard, store DurableStore) *Durable {
	return &Durable{guard: g, store: store}
}

// EnableTouch starts the async access-stat pool. The caller owns the returned
// Toucher and must Close it on shutdown.
func (a *Durable) EnableTouch(cfg ToucherConfig) (*Toucher, error) {
	t, err := NewToucher(cfg, a.TouchNow)
	if err != nil {
		return nil, err
	}
	a.toucher = t
	return t, nil
}

// Read returns records by importance then recency.
func (a *Durable) Read(ctx context.Context, userID string, f types.Filter) ([]types.DurableRecord, error) {
	if err := requireUser("durable.read", userID); err != nil {
		return nil, err
	}
	return guarded(ctx, a.guard, StoreDurable, "read", func(ctx context.Context) ([]types.DurableRecord, error) {
		return a.store.ListDurable(ctx, userID, f)
	})
}

// Write stores rec and returns its id.
func (a *Durable) Write(ctx context.Context, rec types.DurableRecord) (string, error) {
	if err := requireUser("durable.write", rec.UserID); err != nil {
		return "", err
	}
	if err := rec.Content.Validate(rec.Kind); err != nil {
		return "", resilience.InvalidInput("durable.write", err)
	}
	return guarded(ctx, a.guard, StoreDurable, "write", func(ctx context.Context) (string, error) {
		return rec.ID, a.store.InsertDurable(ctx, rec)
	})
}

// Promote moves a medium record into the durable tier. It reports false when
// the promotion had already been applied.
func (a *Durable) Promote(ctx context.Context, sourceID string, rec types.DurableRecord) (bool, error) {
	if err := requireUser("durable.promote", rec.UserID); err != nil {
		return false, err
	}
	return guarded(ctx, a.guard, StoreDurable, "promote", func(ctx context.Context) (bool, error) {
		return a.store.PromoteMedium(ctx, sourceID, rec)
	})
}

// Touch schedules an access-stat update and returns immediately. It reports
// whether the update was queued.
func (a *Durable) Touch(userID string, ids []string) bool {
	if a.toucher == nil || len(ids) == 0 {
		return false
	}
	return a.toucher.Enqueue(TouchJob{UserID: userID, IDs: ids, At: a.guard.clock()})
}

// TouchNow applies an access-stat update synchronously.
func (a *Durable) TouchNow(ctx context.Context, ids []string, at time.Time) error {
	_, err := guarded(ctx, a.guard, StoreDurable, "touch", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.store.TouchDurable(ctx, ids, at)
	})
	return err
}

// Decay lowers importance of records not accessed within staleAfter, at most
// once per every.
func (a *Durable) Decay(ctx context.Context, staleAfter, every time.Duration, factor, floor float64) (int64, error) {
	now := a.guard.clock()
	return guarded(ctx, a.guard, StoreDurable, "decay", func(ctx context.Context) (int64, error) {
		return a.store.DecayImportance(ctx, now.Add(-staleAfter), now.Add(-every), now, factor, floor)
	})
}

// Stats counts a user's records, their content size and mean importance.
func (a *Durable) Stats(ctx context.Context, userID string) (count, chars int64, avgImportance float64, err error) {
	if err := requireUser("durable.stats", userID); err != nil {
		return 0, 0, 0, err
	}
	type result struct {
		count, chars int64
		avg          float64
	}
	res, err := guarded(ctx, a.guard, StoreDurable, "stats", func(ctx context.Context) (result, error) {
		c, n, avg, err := a.store.DurableStats(ctx, userID)
		return result{count: c, chars: n, avg: avg}, err
	})
	return res.count, res.chars, res.avg, err
}
