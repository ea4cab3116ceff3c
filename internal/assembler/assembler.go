// Package assembler builds a bounded context from all memory tiers, reading
// them concurrently and tolerating any subset of them failing.
package assembler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/xiy/memory-engine/internal/resilience"
	"github.com/xiy/memory-engine/internal/tokens"
	"github.com/xiy/memory-engine/pkg/types"
)

// ShortReader reads a session's turns.
type ShortReader interface {
	Read(ctx context.Context, userID, sessionID string) ([]types.Message, error)
}

// MediumReader reads unexpired medium records, newest first.
type MediumReader interface {
	Read(ctx context.Context, userID string, f types.Filter) ([]types.MediumRecord, error)
}

// DurableReader reads durable records by importance and records access.
type DurableReader interface {
	Read(ctx context.Context, userID string, f types.Filter) ([]types.DurableRecord, error)
	Touch(userID string, ids []string) bool
}

// Config is the budget policy and timeouts.
type Config struct {
	DefaultMaxTokens   int
	TierTimeout        time.Duration
	OuterTimeout       time.Duration
	RelevanceK         int
	FetchLimit         int
	MinUsefulChunk     int
	DurableReserve     int
	ImportantThreshold float64
	// CacheSize bounds the last-good context cache; 0 disables it.
	CacheSize int
}

// DefaultConfig mirrors the engine defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxTokens:   4000,
		TierTimeout:        2 * time.Second,
		OuterTimeout:       5 * time.Second,
		RelevanceK:         5,
		FetchLimit:         50,
		MinUsefulChunk:     2000,
		DurableReserve:     1000,
		ImportantThreshold: 0.7,
		CacheSize:          256,
	}
}

// Assembler produces AssembledContext values.
type Assembler struct {
	cfg     Config
	short   ShortReader
	medium  MediumReader
	durable DurableReader
	est     tokens.Estimator
	cache   *lru.Cache[string, types.AssembledContext]
	now     func() time.Time
	logger  *log.Logger
}

// New builds an Assembler. A nil estimator means characters/4.
func New(cfg Config, short ShortReader, medium MediumReader, durable DurableReader, est tokens.Estimator, logger *log.Logger) (*Assembler, error) {
	def := DefaultConfig()
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = def.DefaultMaxTokens
	}
	if cfg.TierTimeout <= 0 {
		cfg.TierTimeout = def.TierTimeout
	}
	if cfg.OuterTimeout <= 0 {
		cfg.OuterTimeout = def.OuterTimeout
	}
	if cfg.RelevanceK <= 0 {
		cfg.RelevanceK = def.RelevanceK
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = def.FetchLimit
	}
	if est == nil {
		est = tokens.Chars{PerToken: 4}
	}
	if logger == nil {
		logger = log.Default()
	}

	a := &Assembler{
		cfg:     cfg,
		short:   short,
		medium:  medium,
		durable: durable,
		est:     est,
		now:     time.Now,
		logger:  logger,
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, types.AssembledContext](cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		a.cache = cache
	}
	return a, nil
}

// WithClock overrides the time source.
func (a *Assembler) WithClock(now func() time.Time) *Assembler {
	a.now = now
	return a
}

type tierResult struct {
	err      error
	messages []types.Message
	medium   []types.MediumRecord
	durable  []types.DurableRecord
}

// Assemble combines session turns, relevant medium records and durable facts
// under maxTokens (the default budget when maxTokens <= 0). Tier failures
// never produce an error; only missing identifiers do.
func (a *Assembler) Assemble(ctx context.Context, userID, sessionID string, maxTokens int) (types.AssembledContext, error) {
	if strings.TrimSpace(userID) == "" {
		return types.AssembledContext{}, resilience.InvalidInput("assemble", errors.New("user_id is required"))
	}
	if strings.TrimSpace(sessionID) == "" {
		return types.AssembledContext{}, resilience.InvalidInput("assemble", errors.New("session_id is required"))
	}
	if maxTokens <= 0 {
		maxTokens = a.cfg.DefaultMaxTokens
	}

	outer, cancel := context.WithTimeout(ctx, a.cfg.OuterTimeout)
	defer cancel()

	results := a.fanOut(outer, userID, sessionID)

	out := types.AssembledContext{
		UserID:      userID,
		SessionID:   sessionID,
		MaxTokens:   maxTokens,
		AssembledAt: a.now().UTC(),
	}
	succeeded := 0
	for _, tier := range types.AllTiers {
		res, ok := results[tier]
		if !ok {
			res = &tierResult{err: resilience.Timeout("assemble."+string(tier), outer.Err())}
			results[tier] = res
		}
		if res.err != nil {
			if out.TierErrors == nil {
				out.TierErrors = map[types.Tier]string{}
			}
			out.TierErrors[tier] = res.err.Error()
			continue
		}
		succeeded++
	}

	key := cacheKey(userID, sessionID)
	if succeeded == 0 {
		return a.fallback(key, out), nil
	}

	b := newBudget(a.est, maxTokens)
	out.Messages = b.fitMessages(results[types.TierShort].messages)
	a.fill(b, results[types.TierMedium].medium, results[types.TierDurable].durable)

	out.Facts = b.facts
	if out.Facts == nil {
		out.Facts = []types.ContextItem{}
	}
	out.TotalTokens = maxTokens - b.remaining
	out.SourceCounts = b.counts
	out.Status = types.StatusHealthy
	if succeeded < len(types.AllTiers) {
		out.Status = types.StatusDegraded
		a.logger.Warn("context degraded", "user_id", userID, "session_id", sessionID, "tier_errors", out.TierErrors)
	}

	a.touchIncluded(userID, out.Facts)
	if a.cache != nil {
		a.cache.Add(key, out)
	}
	return out, nil
}

// fanOut reads all tiers concurrently. It returns when every tier finished or
// ctx ended; tiers still running are left out of the result and their
// eventual answers discarded.
func (a *Assembler) fanOut(ctx context.Context, userID, sessionID string) map[types.Tier]*tierResult {
	var (
		mu      sync.Mutex
		results = make(map[types.Tier]*tierResult, len(types.AllTiers))
	)
	store := func(tier types.Tier, r *tierResult) {
		mu.Lock()
		results[tier] = r
		mu.Unlock()
	}

	var g errgroup.Group
	read := func(tier types.Tier, fn func(ctx context.Context) *tierResult) {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(ctx, a.cfg.TierTimeout)
			defer cancel()
			store(tier, fn(tctx))
			return nil
		})
	}

	read(types.TierShort, func(ctx context.Context) *tierResult {
		msgs, err := a.short.Read(ctx, userID, sessionID)
		return &tierResult{messages: msgs, err: err}
	})
	read(types.TierMedium, func(ctx context.Context) *tierResult {
		recs, err := a.medium.Read(ctx, userID, types.Filter{Limit: a.cfg.FetchLimit})
		return &tierResult{medium: recs, err: err}
	})
	read(types.TierDurable, func(ctx context.Context) *tierResult {
		recs, err := a.durable.Read(ctx, userID, types.Filter{Limit: a.cfg.FetchLimit})
		return &tierResult{durable: recs, err: err}
	})

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("context assembly deadline reached", "user_id", userID, "session_id", sessionID, "error", ctx.Err())
	}

	mu.Lock()
	defer mu.Unlock()
	snapshot := make(map[types.Tier]*tierResult, len(results))
	for k, v := range results {
		snapshot[k] = v
	}
	return snapshot
}

// fill runs the relevance, recent-medium and important-durable passes.
func (a *Assembler) fill(b *budget, medium []types.MediumRecord, durable []types.DurableRecord) {
	mediumItems := make([]types.ContextItem, 0, len(medium))
	for _, r := range medium {
		mediumItems = append(mediumItems, mediumItem(r))
	}
	durableItems := make([]types.ContextItem, 0, len(durable))
	for _, r := range durable {
		durableItems = append(durableItems, durableItem(r))
	}

	relevant := append(topK(durableItems, a.cfg.RelevanceK), topK(mediumItems, a.cfg.RelevanceK)...)
	sortByPriority(relevant)
	for _, item := range relevant {
		b.add(item)
	}

	if b.remaining > a.cfg.MinUsefulChunk {
		for _, item := range mediumItems {
			if !b.has(item.Tier, item.ID) {
				b.add(item)
			}
		}
	}

	if b.remaining > a.cfg.DurableReserve {
		important := make([]types.ContextItem, 0, len(durableItems))
		for _, item := range durableItems {
			if item.Score >= a.cfg.ImportantThreshold && !b.has(item.Tier, item.ID) {
				important = append(important, item)
			}
		}
		sortByPriority(important)
		for _, item := range important {
			b.add(item)
		}
	}
}

func (a *Assembler) touchIncluded(userID string, facts []types.ContextItem) {
	ids := make([]string, 0, len(facts))
	for _, f := range facts {
		if f.Tier == types.TierDurable {
			ids = append(ids, f.ID)
		}
	}
	if len(ids) > 0 {
		a.durable.Touch(userID, ids)
	}
}

// fallback serves the last good context for the session, trimmed to the new
// budget, or an empty error context when none is cached.
func (a *Assembler) fallback(key string, out types.AssembledContext) types.AssembledContext {
	if a.cache != nil {
		if cached, ok := a.cache.Get(key); ok {
			b := newBudget(a.est, out.MaxTokens)
			out.Messages = b.fitMessages(cached.Messages)
			for _, item := range cached.Facts {
				b.add(item)
			}
			out.Facts = b.facts
			if out.Facts == nil {
				out.Facts = []types.ContextItem{}
			}
			out.TotalTokens = out.MaxTokens - b.remaining
			out.SourceCounts = b.counts
			out.Status = types.StatusCached
			out.AssembledAt = cached.AssembledAt
			a.logger.Warn("all tiers failed, serving cached context", "user_id", out.UserID, "session_id", out.SessionID)
			return out
		}
	}

	out.Messages = []types.Message{}
	out.Facts = []types.ContextItem{}
	out.SourceCounts = map[types.Tier]int{types.TierShort: 0, types.TierMedium: 0, types.TierDurable: 0}
	out.Status = types.StatusError
	a.logger.Error("context assembly failed", "user_id", out.UserID, "session_id", out.SessionID, "error", resilience.ErrAllTiersFailed, "tier_errors", out.TierErrors)
	return out
}

func cacheKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}
