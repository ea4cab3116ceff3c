package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/memory-engine/internal/config"
	"github.com/xiy/memory-engine/internal/events"
)

// FailureMaintenance purges settled failure queue entries.
type FailureMaintenance interface {
	PurgeResolved(ctx context.Context, before time.Time) (int64, error)
}

// Cleanup decays and prunes medium records and trims the failure queue.
// Decay is gated per record and deletion only removes what already
// qualifies, so a second run over unchanged data changes nothing.
type Cleanup struct {
	cfg      config.CleanupConfig
	medium   MediumTier
	failures FailureMaintenance
	deferrer Deferrer
	pub      events.Publisher
	now      func() time.Time
	logger   *log.Logger
}

// NewCleanup builds the worker. failures may be nil.
func NewCleanup(cfg config.CleanupConfig, medium MediumTier, failures FailureMaintenance, deferrer Deferrer, pub events.Publisher, logger *log.Logger) *Cleanup {
	return &Cleanup{cfg: cfg, medium: medium, failures: failures, deferrer: deferrer, pub: pub, now: time.Now, logger: logger}
}

// WithClock overrides the time source.
func (w *Cleanup) WithClock(now func() time.Time) *Cleanup {
	w.now = now
	return w
}

func (w *Cleanup) Name() string { return CleanupName }

// CleanupResult counts one run.
type CleanupResult struct {
	Decayed int64
	Deleted int64
	Purged  int64
}

func (w *Cleanup) RunOnce(ctx context.Context) error {
	_, err := w.Run(ctx)
	return err
}

// Run performs one cleanup cycle.
func (w *Cleanup) Run(ctx context.Context) (CleanupResult, error) {
	var (
		res  CleanupResult
		errs []error
		err  error
	)

	if w.cfg.RelevanceDecay > 0 && w.cfg.RelevanceDecay < 1 {
		if res.Decayed, err = w.medium.Decay(ctx, w.cfg.RelevanceDecay, w.cfg.DecayEvery); err != nil {
			errs = append(errs, fmt.Errorf("decay medium relevance: %w", err))
		}
	}

	if res.Deleted, err = w.medium.DeleteStale(ctx, w.cfg.LowRelevance, w.cfg.GracePeriod); err != nil {
		errs = append(errs, fmt.Errorf("delete stale medium records: %w", err))
	}

	if w.failures != nil && w.cfg.PurgeResolvedAfter > 0 {
		if res.Purged, err = w.failures.PurgeResolved(ctx, w.now().UTC().Add(-w.cfg.PurgeResolvedAfter)); err != nil {
			errs = append(errs, fmt.Errorf("purge resolved failures: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		w.logger.Warn("cleanup incomplete", "error", err)
		return res, err
	}

	w.logger.Info("cleanup finished", "decayed", res.Decayed, "deleted", res.Deleted, "purged", res.Purged)
	if w.deferrer != nil {
		w.deferrer.PublishOrCapture(ctx, w.pub, events.New(events.TypeCleanupCompleted, CleanupName, map[string]int64{
			"decayed": res.Decayed,
			"deleted": res.Deleted,
			"purged":  res.Purged,
		}, w.now()))
	}
	return res, nil
}
