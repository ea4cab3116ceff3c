package accessor

import (
	"context"
	"time"

	"github.com/xiy/memory-engine/internal/resilience"
	"github.com/xiy/memory-engine/pkg/types"
)

// Medium guards the Medium-Lived tier.
type Medium struct {
	guard *Guard
	store MediumStore
}

// NewMedium wraps a medium store.
func NewMedium(g *Guard, store MediumStore) *Medium {
	return &Medium{guard: g, store: store}
}

// Read returns unexpired records newest first.
func (a *Medium) Read(ctx context.Context, userID string, f types.Filter) ([]types.MediumRecord, error) {
	if err := requireUser("medium.read", userID); err != nil {
		return nil, err
	}
	now := a.guard.clock()
	return guarded(ctx, a.guard, StoreMedium, "read", func(ctx context.Context) ([]types.MediumRecord, error) {
		return a.store.ListMedium(ctx, userID, f, now)
	})
}

// Write stores rec and returns its id.
func (a *Medium) Write(ctx context.Context, rec types.MediumRecord) (string, error) {
	if err := requireUser("medium.write", rec.UserID); err != nil {
		return "", err
	}
	if err := rec.Content.Validate(rec.Kind); err != nil {
		return "", resilience.InvalidInput("medium.write", err)
	}
	return guarded(ctx, a.guard, StoreMedium, "write", func(ctx context.Context) (string, error) {
		return rec.ID, a.store.InsertMedium(ctx, rec)
	})
}

// Candidates lists records eligible for promotion review.
func (a *Medium) Candidates(ctx context.Context, minRelevance float64, limit int) ([]types.MediumRecord, error) {
	now := a.guard.clock()
	return guarded(ctx, a.guard, StoreMedium, "candidates", func(ctx context.Context) ([]types.MediumRecord, error) {
		return a.store.PromotionCandidates(ctx, minRelevance, limit, now)
	})
}

// DeleteStale removes expired records and low-relevance records older than grace.
func (a *Medium) DeleteStale(ctx context.Context, lowRelevance float64, grace time.Duration) (int64, error) {
	now := a.guard.clock()
	return guarded(ctx, a.guard, StoreMedium, "delete", func(ctx context.Context) (int64, error) {
		return a.store.DeleteStaleMedium(ctx, now, lowRelevance, now.Add(-grace))
	})
}

// Decay multiplies relevance by factor for records not decayed within every.
func (a *Medium) Decay(ctx context.Context, factor float64, every time.Duration) (int64, error) {
	now := a.guard.clock()
	return guarded(ctx, a.guard, StoreMedium, "decay", func(ctx context.Context) (int64, error) {
		return a.store.DecayMediumRelevance(ctx, factor, now.Add(-every), now)
	})
}

// Stats counts a user's live records and their content size.
func (a *Medium) Stats(ctx context.Context, userID string) (count, chars int64, err error) {
	if err := requireUser("medium.stats", userID); err != nil {
		return 0, 0, err
	}
	now := a.guard.clock()
	type result struct{ count, chars int64 }
	res, err := guarded(ctx, a.guard, StoreMedium, "stats", func(ctx context.Context) (result, error) {
		c, n, err := a.store.MediumStats(ctx, userID, now)
		return result{count: c, chars: n}, err
	})
	return res.count, res.chars, err
}
