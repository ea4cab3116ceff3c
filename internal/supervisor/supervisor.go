// Package supervisor runs named background workers on cron schedules,
// recovering panics and restarting crashed workers with backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"

	"github.com/xiy/memory-engine/pkg/types"
)

var (
	ErrUnknownWorker   = errors.New("unknown worker")
	ErrDuplicateWorker = errors.New("worker already registered")
	ErrWorkerPanic     = errors.New("worker panicked")
	ErrStarted         = errors.New("supervisor already started")
)

// Worker is one unit of scheduled background work.
type Worker interface {
	Name() string
	RunOnce(ctx context.Context) error
}

// Config controls restart backoff and startup behavior.
type Config struct {
	RestartBaseDelay time.Duration
	RestartMaxDelay  time.Duration
	// RunOnStart runs every worker once as soon as the supervisor starts.
	RunOnStart bool
}

type entry struct {
	worker   Worker
	spec     string
	schedule cron.Schedule
	trigger  chan struct{}

	runMu  sync.Mutex
	health types.WorkerHealth
}

// Supervisor owns the worker goroutines.
type Supervisor struct {
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	started bool
	wg      sync.WaitGroup
}

// New builds an empty supervisor.
func New(cfg Config, logger *log.Logger) *Supervisor {
	if cfg.RestartBaseDelay <= 0 {
		cfg.RestartBaseDelay = time.Second
	}
	if cfg.RestartMaxDelay < cfg.RestartBaseDelay {
		cfg.RestartMaxDelay = cfg.RestartBaseDelay
	}
	return &Supervisor{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Add registers w on a standard cron spec such as "@every 1h" or "0 3 * * *".
func (s *Supervisor) Add(w Worker, spec string) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse schedule for %s: %w", w.Name(), err)
	}
	return s.AddSchedule(w, spec, sched)
}

// AddSchedule registers w on an already-built schedule. spec is only used for display.
func (s *Supervisor) AddSchedule(w Worker, spec string, sched cron.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	name := w.Name()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, name)
	}
	s.entries[name] = &entry{
		worker:   w,
		spec:     spec,
		schedule: sched,
		trigger:  make(chan struct{}, 1),
		health:   types.WorkerHealth{Name: name, Schedule: spec},
	}
	return nil
}

// Start launches one goroutine per worker and returns. Workers stop when ctx
// is cancelled; Wait blocks until they have.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	s.logger.Info("supervisor started", "workers", len(s.entries))
	return nil
}

// Wait blocks until every worker goroutine has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Run starts the workers and blocks until ctx is cancelled and they have stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Wait()
	s.logger.Info("supervisor stopped")
	return nil
}

// RunNow asks a started worker to run as soon as it is idle.
func (s *Supervisor) RunNow(name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	select {
	case e.trigger <- struct{}{}:
	default:
	}
	return nil
}

// RunOnce runs a worker synchronously in the caller's goroutine. It never
// overlaps with a scheduled run of the same worker.
func (s *Supervisor) RunOnce(ctx context.Context, name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	return s.run(ctx, e)
}

// Names lists registered workers in name order.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Health returns a snapshot of every worker in name order.
func (s *Supervisor) Health() []types.WorkerHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.WorkerHealth, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.health)
	}
	slices.SortFunc(out, func(a, b types.WorkerHealth) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

func (s *Supervisor) lookup(name string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	return e, nil
}

func (s *Supervisor) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	if s.cfg.RunOnStart && ctx.Err() == nil {
		_ = s.run(ctx, e)
	}
	for {
		delay := s.nextDelay(e)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-e.trigger:
			timer.Stop()
		}
		if ctx.Err() != nil {
			return
		}
		_ = s.run(ctx, e)
	}
}

// nextDelay waits for the schedule, or for the restart backoff after a crash.
func (s *Supervisor) nextDelay(e *entry) time.Duration {
	now := s.now()
	next := e.schedule.Next(now)

	s.mu.Lock()
	crashes := e.health.ConsecutiveCrashes
	if crashes > 0 {
		if restart := now.Add(s.restartDelay(crashes)); restart.Before(next) {
			next = restart
		}
	}
	e.health.NextRunAt = next
	s.mu.Unlock()

	if d := next.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (s *Supervisor) restartDelay(crashes int) time.Duration {
	d := s.cfg.RestartBaseDelay
	for i := 1; i < crashes; i++ {
		d *= 2
		if d >= s.cfg.RestartMaxDelay {
			return s.cfg.RestartMaxDelay
		}
	}
	return d
}

func (s *Supervisor) run(ctx context.Context, e *entry) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	started := s.now()
	s.mu.Lock()
	e.health.Running = true
	e.health.LastRunAt = started
	s.mu.Unlock()

	err := s.safeRun(ctx, e.worker)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.health.Running = false
	e.health.TotalRuns++
	if err == nil {
		e.health.LastSuccessAt = s.now()
		e.health.LastError = ""
		e.health.ConsecutiveCrashes = 0
		s.logger.Debug("worker run finished", "worker", e.health.Name, "elapsed", s.now().Sub(started))
		return nil
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	e.health.LastError = err.Error()
	e.health.ConsecutiveCrashes++
	s.logger.Error("worker crashed", "worker", e.health.Name, "crashes", e.health.ConsecutiveCrashes, "restart_in", s.restartDelay(e.health.ConsecutiveCrashes), "error", err)
	return err
}

func (s *Supervisor) safeRun(ctx context.Context, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Debug("worker panic stack", "worker", w.Name(), "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()
	return w.RunOnce(ctx)
}
