package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/xiy/memory-engine/internal/events"
	"github.com/xiy/memory-engine/pkg/types"
)

// ReplayWorkerName is the supervisor name of the replay worker.
const ReplayWorkerName = "failure-replay"

// Replayer retries due failure queue entries.
type Replayer struct {
	q   *Queue
	pub events.Publisher
}

// NewReplayer builds the replay worker. pub may be nil.
func NewReplayer(q *Queue, pub events.Publisher) *Replayer {
	return &Replayer{q: q, pub: pub}
}

func (r *Replayer) Name() string { return ReplayWorkerName }

// ReplayResult counts one pass.
type ReplayResult struct {
	Attempted int64
	Resolved  int64
	Failed    int64
	Skipped   int64
}

// RunOnce replays every due entry once.
func (r *Replayer) RunOnce(ctx context.Context) error {
	res, err := r.Replay(ctx)
	if err != nil {
		return err
	}
	if res.Attempted > 0 {
		r.q.PublishOrCapture(ctx, r.pub, events.New(events.TypeReplayCompleted, ReplayWorkerName, map[string]int64{
			"attempted": res.Attempted,
			"resolved":  res.Resolved,
			"failed":    res.Failed,
		}, r.q.now()))
	}
	return nil
}

// Replay claims and runs due entries, returning what happened.
func (r *Replayer) Replay(ctx context.Context) (ReplayResult, error) {
	var res ReplayResult
	q := r.q
	now := q.now().UTC()
	claimBefore := now.Add(-q.policy.ClaimTTL)

	due, err := q.store.DueFailures(ctx, now, claimBefore, q.policy.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list due failures: %w", err)
	}

	for _, rec := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		claimed, err := q.store.ClaimFailure(ctx, rec.EventID, now, claimBefore)
		if err != nil {
			q.logger.Warn("claim failure record", "event_id", rec.EventID, "error", err)
			res.Skipped++
			continue
		}
		if !claimed {
			res.Skipped++
			continue
		}
		res.Attempted++
		if r.attempt(ctx, rec, now) {
			res.Resolved++
		} else {
			res.Failed++
		}
	}
	if res.Attempted > 0 {
		q.logger.Info("replay pass finished", "attempted", res.Attempted, "resolved", res.Resolved, "failed", res.Failed)
	}
	return res, nil
}

func (r *Replayer) attempt(ctx context.Context, rec types.FailureRecord, claimedAt time.Time) bool {
	q := r.q
	attempt := rec.RetryCount + 1

	var runErr error
	if h, ok := q.handler(rec.EventType); ok {
		runErr = h(ctx, rec.Payload)
	} else {
		runErr = fmt.Errorf("%w for %s", ErrNoHandler, rec.EventType)
	}

	done := q.now().UTC()
	entry := types.ReplayEntry{
		EventID:   rec.EventID,
		EventType: rec.EventType,
		Attempt:   attempt,
		Success:   runErr == nil,
		CreatedAt: done,
	}
	if runErr != nil {
		entry.ErrorText = runErr.Error()
	}
	if err := q.store.AppendReplay(ctx, entry); err != nil {
		q.logger.Warn("append replay log", "event_id", rec.EventID, "error", err)
	}

	rec.UpdatedAt = done
	if runErr == nil {
		rec.Status = types.FailureResolved
		rec.LastError = ""
	} else {
		rec.RetryCount++
		rec.LastError = runErr.Error()
		maxRetries := rec.MaxRetries
		if maxRetries <= 0 {
			maxRetries = q.policy.MaxRetries
		}
		if rec.RetryCount >= maxRetries {
			rec.Status = types.FailureFailed
			q.logger.Error("failure queue entry exhausted retries", "event_id", rec.EventID, "event_type", rec.EventType, "retries", rec.RetryCount, "error", runErr)
		} else {
			rec.Status = types.FailurePending
			rec.NextRetryAt = done.Add(q.Backoff(rec.RetryCount))
			q.logger.Warn("replay failed, rescheduled", "event_id", rec.EventID, "event_type", rec.EventType, "retry", rec.RetryCount, "next_retry_at", rec.NextRetryAt, "error", runErr)
		}
	}
	kept, err := q.store.CompleteFailure(ctx, rec, claimedAt)
	switch {
	case err != nil:
		q.logger.Warn("update failure record", "event_id", rec.EventID, "error", err)
	case !kept:
		// A stale claim was taken over; the newer claimant records the outcome.
		q.logger.Warn("failure claim lost before completion", "event_id", rec.EventID, "attempt", attempt)
	}
	return runErr == nil
}
