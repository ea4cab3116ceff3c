// Package container wires the engine's components with dig.
package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.uber.org/dig"

	"github.com/xiy/memory-engine/internal/accessor"
	"github.com/xiy/memory-engine/internal/assembler"
	"github.com/xiy/memory-engine/internal/config"
	"github.com/xiy/memory-engine/internal/dlq"
	"github.com/xiy/memory-engine/internal/events"
	"github.com/xiy/memory-engine/internal/memory"
	"github.com/xiy/memory-engine/internal/resilience"
	"github.com/xiy/memory-engine/internal/session"
	"github.com/xiy/memory-engine/internal/store"
	"github.com/xiy/memory-engine/internal/supervisor"
	"github.com/xiy/memory-engine/internal/tokens"
	"github.com/xiy/memory-engine/internal/ttl"
	"github.com/xiy/memory-engine/internal/workers"
	"github.com/xiy/memory-engine/pkg/types"
)

// Clock is the injected time source. A named type so dig can tell it apart
// from other funcs.
type Clock func() time.Time

// Option customizes New.
type Option func(*options)

type options struct {
	clock      Clock
	classifier workers.Classifier
	publisher  events.Publisher
}

// WithClock replaces time.Now for every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithClassifier replaces the keyword classifier used for promotion.
func WithClassifier(c workers.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithPublisher replaces the configured event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// Engine holds the resolved component singletons.
type Engine struct {
	Config     config.Config
	Logger     *log.Logger
	Store      *store.SQLStore
	Sessions   *session.Store
	Registry   *resilience.Registry
	Short      *accessor.ShortLived
	Medium     *accessor.Medium
	Durable    *accessor.Durable
	Toucher    *accessor.Toucher
	Assembler  *assembler.Assembler
	Queue      *dlq.Queue
	Publisher  events.Publisher
	Supervisor *supervisor.Supervisor
	Memory     *memory.Service

	now       Clock
	closeOnce sync.Once
	closeErr  error
}

type engineIn struct {
	dig.In

	Store      *store.SQLStore
	Sessions   *session.Store
	Registry   *resilience.Registry
	Short      *accessor.ShortLived
	Medium     *accessor.Medium
	Durable    *accessor.Durable
	Toucher    *accessor.Toucher
	Assembler  *assembler.Assembler
	Queue      *dlq.Queue
	Publisher  events.Publisher
	Supervisor *supervisor.Supervisor
	Memory     *memory.Service
}

// New builds and wires every component from cfg. The caller must Close the engine.
func New(ctx context.Context, cfg config.Config, logger *log.Logger, opts ...Option) (*Engine, error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	var opened *store.SQLStore
	d := dig.New()
	providers := []any{
		func() config.Config { return cfg },
		func() *log.Logger { return logger },
		func() Clock { return o.clock },
		func() workers.Classifier { return o.classifier },
		func() (*store.SQLStore, error) {
			st, err := store.Open(ctx, cfg.Storage.Driver, cfg.Storage.SQLitePath, cfg.Storage.PostgresDSN, logger)
			opened = st
			return st, err
		},
		func() (events.Publisher, error) {
			if o.publisher != nil {
				return o.publisher, nil
			}
			return events.Open(cfg.Events.Backend, events.KafkaConfig{
				Brokers: cfg.Events.KafkaBrokers,
				Topic:   cfg.Events.KafkaTopic,
			}, logger)
		},
		newSessions,
		newRegistry,
		newGuard,
		newShortLived,
		newMedium,
		newDurable,
		newQueue,
		newToucher,
		newAssembler,
		newConsolidation,
		newCleanup,
		newReplayer,
		newSessionSweeper,
		newSupervisor,
		newMemoryService,
	}
	for _, p := range providers {
		if err := d.Provide(p); err != nil {
			return nil, fmt.Errorf("provide component: %w", err)
		}
	}

	var eng *Engine
	err := d.Invoke(func(in engineIn) {
		eng = &Engine{
			Config:     cfg,
			Logger:     logger,
			Store:      in.Store,
			Sessions:   in.Sessions,
			Registry:   in.Registry,
			Short:      in.Short,
			Medium:     in.Medium,
			Durable:    in.Durable,
			Toucher:    in.Toucher,
			Assembler:  in.Assembler,
			Queue:      in.Queue,
			Publisher:  in.Publisher,
			Supervisor: in.Supervisor,
			Memory:     in.Memory,
			now:        o.clock,
		}
	})
	if err != nil {
		if opened != nil {
			_ = opened.Close()
		}
		return nil, fmt.Errorf("build engine: %w", dig.RootCause(err))
	}
	return eng, nil
}

func newSessions(cfg config.Config, clock Clock) *session.Store {
	return session.NewStore(cfg.Session.TTL, cfg.Session.MaxMessages).WithClock(func() time.Time { return clock().UTC() })
}

func newRegistry(cfg config.Config, clock Clock, logger *log.Logger) *resilience.Registry {
	return resilience.NewRegistry(resilience.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		Window:           cfg.Breaker.Window,
	}, logger).WithClock(clock)
}

func newGuard(cfg config.Config, reg *resilience.Registry, clock Clock, logger *log.Logger) *accessor.Guard {
	retrier := resilience.NewRetrier(resilience.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Multiplier:  cfg.Retry.Multiplier,
		Jitter:      cfg.Retry.Jitter,
	})
	return accessor.NewGuard(reg, retrier, logger).WithClock(clock)
}

func newShortLived(g *accessor.Guard, sessions *session.Store) *accessor.ShortLived {
	return accessor.NewShortLived(g, sessions)
}

func newMedium(g *accessor.Guard, st *store.SQLStore) *accessor.Medium {
	return accessor.NewMedium(g, st)
}

func newDurable(g *accessor.Guard, st *store.SQLStore) *accessor.Durable {
	return accessor.NewDurable(g, st)
}

func newQueue(cfg config.Config, st *store.SQLStore, medium *accessor.Medium, durable *accessor.Durable, pub events.Publisher, clock Clock, logger *log.Logger) *dlq.Queue {
	q := dlq.NewQueue(st, dlq.Policy{
		MaxRetries: cfg.FailureQueue.MaxRetries,
		BaseDelay:  cfg.FailureQueue.BaseDelay,
		MaxDelay:   cfg.FailureQueue.MaxDelay,
		BatchSize:  cfg.FailureQueue.BatchSize,
		ClaimTTL:   cfg.FailureQueue.ClaimTTL,
	}, logger).WithClock(clock)

	q.Register(dlq.EventPromote, workers.PromoteHandler(durable))
	q.Register(dlq.EventAccess, memory.AccessHandler(durable))
	q.Register(dlq.EventWriteMedium, memory.WriteMediumHandler(medium))
	q.Register(dlq.EventWriteDurable, memory.WriteDurableHandler(durable))
	q.Register(dlq.EventPublish, dlq.PublishHandler(pub))
	return q
}

func newToucher(cfg config.Config, durable *accessor.Durable, q *dlq.Queue, logger *log.Logger) (*accessor.Toucher, error) {
	return durable.EnableTouch(accessor.ToucherConfig{
		Workers:   uint(max(cfg.Access.Workers, 0)),
		QueueSize: uint(max(cfg.Access.QueueSize, 0)),
		OnFailure: func(ctx context.Context, job accessor.TouchJob, err error) {
			_, _ = q.Capture(ctx, dlq.EventAccess, job, err)
		},
		Logger: logger,
	})
}

// newAssembler takes the toucher so access-stat updates are enabled before
// the first assembly.
func newAssembler(cfg config.Config, short *accessor.ShortLived, medium *accessor.Medium, durable *accessor.Durable, _ *accessor.Toucher, clock Clock, logger *log.Logger) (*assembler.Assembler, error) {
	est, err := tokens.New(cfg.Assembler.Estimator)
	if err != nil {
		return nil, err
	}
	a := cfg.Assembler
	asm, err := assembler.New(assembler.Config{
		DefaultMaxTokens:   a.DefaultMaxTokens,
		TierTimeout:        a.TierTimeout,
		OuterTimeout:       a.OuterTimeout,
		RelevanceK:         a.RelevanceK,
		FetchLimit:         a.FetchLimit,
		MinUsefulChunk:     a.MinUsefulChunk,
		DurableReserve:     a.DurableReserve,
		ImportantThreshold: a.ImportantThreshold,
		CacheSize:          a.CacheSize,
	}, short, medium, durable, est, logger)
	if err != nil {
		return nil, fmt.Errorf("build assembler: %w", err)
	}
	return asm.WithClock(clock), nil
}

func newConsolidation(cfg config.Config, medium *accessor.Medium, durable *accessor.Durable, classifier workers.Classifier, q *dlq.Queue, pub events.Publisher, clock Clock, logger *log.Logger) *workers.Consolidation {
	return workers.NewConsolidation(cfg.Consolidation, medium, durable, classifier, q, pub, logger).WithClock(clock)
}

func newCleanup(cfg config.Config, medium *accessor.Medium, st *store.SQLStore, q *dlq.Queue, pub events.Publisher, clock Clock, logger *log.Logger) *workers.Cleanup {
	return workers.NewCleanup(cfg.Cleanup, medium, st, q, pub, logger).WithClock(clock)
}

func newReplayer(q *dlq.Queue, pub events.Publisher) *dlq.Replayer {
	return dlq.NewReplayer(q, pub)
}

func newSessionSweeper(sessions *session.Store, logger *log.Logger) *ttl.Worker {
	return ttl.NewWorker(sessions, logger)
}

func newSupervisor(cfg config.Config, consolidation *workers.Consolidation, cleanup *workers.Cleanup, replay *dlq.Replayer, sweeper *ttl.Worker, logger *log.Logger) (*supervisor.Supervisor, error) {
	s := supervisor.New(supervisor.Config{
		RestartBaseDelay: cfg.Workers.RestartBaseDelay,
		RestartMaxDelay:  cfg.Workers.RestartMaxDelay,
		RunOnStart:       cfg.Workers.RunOnStart,
	}, logger)
	for _, w := range []struct {
		worker supervisor.Worker
		spec   string
	}{
		{consolidation, cfg.Workers.ConsolidationSchedule},
		{cleanup, cfg.Workers.CleanupSchedule},
		{replay, cfg.Workers.ReplaySchedule},
		{sweeper, cfg.Workers.SessionSweepSchedule},
	} {
		if err := s.Add(w.worker, w.spec); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func newMemoryService(cfg config.Config, short *accessor.ShortLived, medium *accessor.Medium, durable *accessor.Durable, q *dlq.Queue, clock Clock, logger *log.Logger) (*memory.Service, error) {
	svc, err := memory.NewService(short, medium, durable, q, cfg, logger)
	if err != nil {
		return nil, err
	}
	return svc.WithClock(clock), nil
}

// Assemble builds a bounded context for a user's session.
func (e *Engine) Assemble(ctx context.Context, userID, sessionID string, maxTokens int) (types.AssembledContext, error) {
	return e.Assembler.Assemble(ctx, userID, sessionID, maxTokens)
}

func (e *Engine) AppendMessage(ctx context.Context, in types.MessageInput) (types.Session, error) {
	return e.Memory.AppendMessage(ctx, in)
}

func (e *Engine) UpdateSessionContext(ctx context.Context, userID, sessionID string, values map[string]string) (types.Session, error) {
	return e.Memory.UpdateSessionContext(ctx, userID, sessionID, values)
}

func (e *Engine) WriteMedium(ctx context.Context, in types.MediumInput) (types.MediumRecord, error) {
	return e.Memory.WriteMedium(ctx, in)
}

func (e *Engine) WriteDurable(ctx context.Context, in types.DurableInput) (types.DurableRecord, error) {
	return e.Memory.WriteDurable(ctx, in)
}

func (e *Engine) GetStats(ctx context.Context, userID string) (types.Stats, error) {
	return e.Memory.GetStats(ctx, userID)
}

// ListFailures lists failure queue entries; an empty status lists all.
func (e *Engine) ListFailures(ctx context.Context, status types.FailureStatus, limit int) ([]types.FailureRecord, error) {
	return e.Store.ListFailures(ctx, status, limit)
}

// Breakers snapshots every breaker created so far.
func (e *Engine) Breakers() []types.BreakerSnapshot {
	return e.Registry.Snapshots()
}

// RunWorker runs one named worker synchronously.
func (e *Engine) RunWorker(ctx context.Context, name string) error {
	return e.Supervisor.RunOnce(ctx, name)
}

// Health reports degraded when any breaker is open, any worker is
// crash-looping or any failure queue entry has exhausted its retries.
func (e *Engine) Health(ctx context.Context) types.HealthReport {
	report := types.HealthReport{
		Status:    types.HealthOK,
		Workers:   e.Supervisor.Health(),
		Breakers:  e.Registry.Snapshots(),
		CheckedAt: e.now().UTC(),
	}
	counts, err := e.Store.CountFailures(ctx)
	if err != nil {
		e.Logger.Warn("count failures for health", "error", err)
		report.Status = types.HealthDegraded
	}
	report.Failures = counts
	if counts[types.FailureFailed] > 0 {
		report.Status = types.HealthDegraded
	}
	// half_open is awaiting its probe; only a breaker still inside its reset
	// window counts against health.
	for _, b := range report.Breakers {
		if b.State == resilience.StateOpen.String() {
			report.Status = types.HealthDegraded
		}
	}
	for _, w := range report.Workers {
		if w.ConsecutiveCrashes > 0 {
			report.Status = types.HealthDegraded
		}
	}
	return report
}

// Close drains the access-stat pool and releases the publisher and store.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.Toucher.Close()
		e.closeErr = errors.Join(e.Publisher.Close(), e.Store.Close())
	})
	return e.closeErr
}
