package accessor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var (
	defaultTouchWorkers   uint = 2
	defaultTouchQueueSize uint = 256
	defaultTouchTimeout        = 5 * time.Second
)

var (
	// ErrTouchQueueFull is reported when an update is dropped at enqueue time.
	ErrTouchQueueFull = errors.New("touch queue full")
	// ErrToucherClosed is reported for updates enqueued after Close.
	ErrToucherClosed = errors.New("toucher closed")
)

type dropReport struct {
	job TouchJob
	err error
}

// TouchJob is one pending access-stat update.
type TouchJob struct {
	UserID string    `json:"user_id"`
	IDs    []string  `json:"ids"`
	At     time.Time `json:"at"`
}

// ToucherConfig sizes the access-stat pool.
type ToucherConfig struct {
	// Workers is the number of background goroutines (defaults to 2).
	Workers uint

	// QueueSize is the capacity of the buffered job channel (defaults to 256).
	QueueSize uint

	// Timeout bounds a single update (defaults to 5s).
	Timeout time.Duration

	// OnFailure receives jobs that were dropped or could not be applied. It
	// always runs on a pool goroutine, never on the caller of Enqueue.
	OnFailure func(ctx context.Context, job TouchJob, err error)

	Logger *log.Logger
}

// Toucher applies access-stat updates off the read path.
type Toucher struct {
	cfg    ToucherConfig
	apply  func(ctx context.Context, ids []string, at time.Time) error
	queue  chan TouchJob
	drops  chan dropReport
	wg     sync.WaitGroup
	dropWG sync.WaitGroup
	logger *log.Logger

	mu     sync.RWMutex
	closed bool
}

// NewToucher starts the worker goroutines.
func NewToucher(cfg ToucherConfig, apply func(ctx context.Context, ids []string, at time.Time) error) (*Toucher, error) {
	if apply == nil {
		return nil, errors.New("toucher requires an apply func")
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaultTouchWorkers
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultTouchQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTouchTimeout
	}
	if cfg.Workers > uint(math.MaxInt) {
		return nil, fmt.Errorf("workers %d exceeds max int", cfg.Workers)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	t := &Toucher{
		cfg:    cfg,
		apply:  apply,
		queue:  make(chan TouchJob, cfg.QueueSize),
		drops:  make(chan dropReport, cfg.QueueSize),
		logger: cfg.Logger,
	}
	t.wg.Add(int(cfg.Workers))
	for i := range cfg.Workers {
		go t.worker(i)
	}
	t.dropWG.Add(1)
	go t.reportDrops()
	return t, nil
}

// Enqueue submits a job without blocking. It returns false when the job was
// dropped; the drop is reported through OnFailure asynchronously.
func (t *Toucher) Enqueue(job TouchJob) bool {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		t.logger.Warn("touch after close, update dropped", "user_id", job.UserID, "records", len(job.IDs))
		go t.fail(job, ErrToucherClosed)
		return false
	}
	select {
	case t.queue <- job:
		t.mu.RUnlock()
		t.logger.Debug("touch queued", "user_id", job.UserID, "records", len(job.IDs))
		return true
	default:
		t.logger.Warn("touch queue full, update dropped", "user_id", job.UserID, "records", len(job.IDs))
		t.dropped(job, ErrTouchQueueFull)
		t.mu.RUnlock()
		return false
	}
}

// dropped hands a rejected job to the drop reporter. Callers hold the read
// lock so drops is still open. When the reporter is backed up too, the job is
// only logged.
func (t *Toucher) dropped(job TouchJob, err error) {
	select {
	case t.drops <- dropReport{job: job, err: err}:
	default:
		t.logger.Error("touch drop backlog full, update lost", "user_id", job.UserID, "records", len(job.IDs), "error", err)
	}
}

func (t *Toucher) reportDrops() {
	defer t.dropWG.Done()
	for d := range t.drops {
		t.fail(d.job, d.err)
	}
}

// Close stops accepting jobs and waits for queued ones to drain.
func (t *Toucher) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.queue)
	close(t.drops)
	t.mu.Unlock()
	t.wg.Wait()
	t.dropWG.Wait()
}

func (t *Toucher) worker(id uint) {
	defer t.wg.Done()
	t.logger.Debug("touch worker started", "worker_id", id)

	for job := range t.queue {
		t.process(job)
	}

	t.logger.Debug("touch worker stopped", "worker_id", id)
}

func (t *Toucher) process(job TouchJob) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
	defer cancel()

	if err := t.apply(ctx, job.IDs, job.At); err != nil {
		t.logger.Warn("access stat update failed", "user_id", job.UserID, "records", len(job.IDs), "error", err)
		t.fail(job, err)
	}
}

func (t *Toucher) fail(job TouchJob, err error) {
	if t.cfg.OnFailure == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
	defer cancel()
	t.cfg.OnFailure(ctx, job, err)
}
