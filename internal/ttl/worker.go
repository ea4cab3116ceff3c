// Package ttl reclaims expired short-lived sessions.
package ttl

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
)

// WorkerName is the supervisor name of the session sweep.
const WorkerName = "session-expiry"

// Sweeper represents cleanup behavior needed by the worker.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Worker drops expired sessions on each run.
type Worker struct {
	sweeper Sweeper
	logger  *log.Logger
}

// NewWorker builds the session sweep worker.
func NewWorker(sweeper Sweeper, logger *log.Logger) *Worker {
	return &Worker{sweeper: sweeper, logger: logger}
}

func (w *Worker) Name() string { return WorkerName }

func (w *Worker) RunOnce(ctx context.Context) error {
	n, err := w.sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep sessions: %w", err)
	}
	if n > 0 {
		w.logger.Info("ttl cleanup removed expired sessions", "count", n)
	}
	return nil
}
