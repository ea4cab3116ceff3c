// Package workers holds the scheduled jobs that move and prune records
// between the Medium and Durable tiers.
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/oklog/ulid/v2"

	"github.com/xiy/memory-engine/internal/config"
	"github.com/xiy/memory-engine/internal/dlq"
	"github.com/xiy/memory-engine/internal/events"
	"github.com/xiy/memory-engine/internal/resilience"
	"github.com/xiy/memory-engine/pkg/types"
)

// Worker names as registered with the supervisor.
const (
	ConsolidationName = "consolidation"
	CleanupName       = "cleanup"
)

// MediumTier is the medium accessor surface the workers use.
type MediumTier interface {
	Candidates(ctx context.Context, minRelevance float64, limit int) ([]types.MediumRecord, error)
	DeleteStale(ctx context.Context, lowRelevance float64, grace time.Duration) (int64, error)
	Decay(ctx context.Context, factor float64, every time.Duration) (int64, error)
}

// DurableTier is the durable accessor surface the workers use.
type DurableTier interface {
	Promote(ctx context.Context, sourceID string, rec types.DurableRecord) (bool, error)
	Decay(ctx context.Context, staleAfter, every time.Duration, factor, floor float64) (int64, error)
}

// Deferrer captures mutations that could not be applied.
type Deferrer interface {
	Capture(ctx context.Context, eventType string, payload any, cause error) (string, error)
	PublishOrCapture(ctx context.Context, pub events.Publisher, ev *events.Event)
}

// PromotionPayload is the failure queue payload of a deferred promotion.
type PromotionPayload struct {
	SourceID string              `json:"source_id"`
	Record   types.DurableRecord `json:"record"`
}

// Consolidation promotes valuable medium records and decays stale durable ones.
type Consolidation struct {
	cfg        config.ConsolidationConfig
	medium     MediumTier
	durable    DurableTier
	classifier Classifier
	deferrer   Deferrer
	pub        events.Publisher
	now        func() time.Time
	logger     *log.Logger
}

// NewConsolidation builds the worker. A nil classifier uses KeywordClassifier
// with the configured keywords.
func NewConsolidation(cfg config.ConsolidationConfig, medium MediumTier, durable DurableTier, classifier Classifier, deferrer Deferrer, pub events.Publisher, logger *log.Logger) *Consolidation {
	if classifier == nil {
		classifier = KeywordClassifier{Keywords: cfg.ActionKeywords}
	}
	return &Consolidation{
		cfg:        cfg,
		medium:     medium,
		durable:    durable,
		classifier: classifier,
		deferrer:   deferrer,
		pub:        pub,
		now:        time.Now,
		logger:     logger,
	}
}

// WithClock overrides the time source.
func (w *Consolidation) WithClock(now func() time.Time) *Consolidation {
	w.now = now
	return w
}

func (w *Consolidation) Name() string { return ConsolidationName }

// ConsolidationResult counts one run.
type ConsolidationResult struct {
	Candidates int64
	Promoted   int64
	Replayed   int64
	Skipped    int64
	Deferred   int64
	Decayed    int64
}

func (r ConsolidationResult) counts() map[string]int64 {
	return map[string]int64{
		"candidates": r.Candidates,
		"promoted":   r.Promoted,
		"replayed":   r.Replayed,
		"skipped":    r.Skipped,
		"deferred":   r.Deferred,
		"decayed":    r.Decayed,
	}
}

func (w *Consolidation) RunOnce(ctx context.Context) error {
	_, err := w.Run(ctx)
	return err
}

// Run performs one consolidation cycle.
func (w *Consolidation) Run(ctx context.Context) (ConsolidationResult, error) {
	var (
		res  ConsolidationResult
		errs []error
	)

	cands, err := w.medium.Candidates(ctx, w.cfg.MinRelevance, w.cfg.BatchSize)
	if err != nil {
		w.logger.Warn("list promotion candidates", "error", err)
		errs = append(errs, fmt.Errorf("list promotion candidates: %w", err))
	}
	res.Candidates = int64(len(cands))

	for _, rec := range cands {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !w.eligible(rec) {
			res.Skipped++
			continue
		}
		w.promote(ctx, rec, &res)
	}

	decayed, err := w.durable.Decay(ctx, w.cfg.StaleAfter, w.cfg.DecayEvery, w.cfg.DecayFactor, w.cfg.DecayFloor)
	if err != nil {
		w.logger.Warn("decay durable importance", "error", err)
		errs = append(errs, fmt.Errorf("decay durable importance: %w", err))
	}
	res.Decayed = decayed

	w.logger.Info("consolidation finished",
		"candidates", res.Candidates,
		"promoted", res.Promoted,
		"deferred", res.Deferred,
		"decayed", res.Decayed,
	)
	if w.deferrer != nil {
		w.deferrer.PublishOrCapture(ctx, w.pub, events.New(events.TypeConsolidationCompleted, ConsolidationName, res.counts(), w.now()))
	}
	return res, errors.Join(errs...)
}

func (w *Consolidation) eligible(rec types.MediumRecord) bool {
	if rec.RelevanceScore <= w.cfg.MinRelevance {
		return false
	}
	if distinct(rec.SessionRefs) < w.cfg.MinSessions {
		return false
	}
	return w.classifier.Actionable(rec)
}

func (w *Consolidation) promote(ctx context.Context, rec types.MediumRecord, res *ConsolidationResult) {
	drec := ToDurable(rec, w.now().UTC())
	inserted, err := w.durable.Promote(ctx, rec.ID, drec)
	switch {
	case err == nil && inserted:
		res.Promoted++
		w.logger.Debug("record promoted", "medium_id", rec.ID, "durable_id", drec.ID, "user_id", rec.UserID)
	case err == nil:
		res.Replayed++
	case resilience.IsInvalidInput(err):
		res.Skipped++
		w.logger.Warn("promotion rejected", "medium_id", rec.ID, "error", err)
	default:
		res.Deferred++
		w.logger.Warn("promotion failed, deferring", "medium_id", rec.ID, "error", err)
		if w.deferrer != nil {
			_, _ = w.deferrer.Capture(ctx, dlq.EventPromote, PromotionPayload{SourceID: rec.ID, Record: drec}, err)
		}
	}
}

// ToDurable maps a medium record onto the durable record it is promoted to.
// Summaries and decisions become facts; actions become skills.
func ToDurable(rec types.MediumRecord, now time.Time) types.DurableRecord {
	meta := make(map[string]string, len(rec.Metadata)+2)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	meta["promoted_from"] = rec.ID
	meta["medium_kind"] = string(rec.Kind)

	out := types.DurableRecord{
		ID:              ulid.Make().String(),
		UserID:          rec.UserID,
		Metadata:        meta,
		SourceMediumID:  rec.ID,
		CreatedAt:       now,
		LastAccessedAt:  now,
		ImportanceScore: clamp01(rec.RelevanceScore),
	}
	if rec.Kind == types.KindAction && rec.Content.Action != nil {
		out.Kind = types.KindSkill
		out.Content = types.DurableContent{Skill: &types.Skill{
			Name:        rec.Content.Action.Description,
			Description: rec.Content.Action.Status,
		}}
		return out
	}
	out.Kind = types.KindFact
	out.Content = types.DurableContent{Fact: &types.Fact{Statement: rec.Content.Text()}}
	return out
}

// PromoteHandler replays deferred promotions.
func PromoteHandler(durable DurableTier) dlq.Handler {
	return func(ctx context.Context, payload []byte) error {
		var p PromotionPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode promotion payload: %w", err)
		}
		_, err := durable.Promote(ctx, p.SourceID, p.Record)
		return err
	}
}

func distinct(refs []string) int {
	seen := make(map[string]struct{}, len(refs))
	for _, r := range refs {
		if r != "" {
			seen[r] = struct{}{}
		}
	}
	return len(seen)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
