package supervisor

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/xiy/memory-engine/pkg/types"
)

type scriptedWorker struct {
	name   string
	runs   atomic.Int64
	panics int64
	fails  int64
}

func (w *scriptedWorker) Name() string { return w.name }

func (w *scriptedWorker) RunOnce(context.Context) error {
	n := w.runs.Add(1)
	if n <= w.panics {
		panic("index out of range")
	}
	if n <= w.panics+w.fails {
		return errors.New("store unavailable")
	}
	return nil
}

func healthOf(s *Supervisor, name string) types.WorkerHealth {
	for _, h := range s.Health() {
		if h.Name == name {
			return h
		}
	}
	return types.WorkerHealth{}
}

var _ = Describe("Supervisor", func() {
	var (
		logger *log.Logger
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		logger = log.NewWithOptions(io.Discard, log.Options{})
		ctx, cancel = context.WithCancel(context.Background())
		DeferCleanup(func() { cancel() })
	})

	It("runs every worker once on start", func() {
		s := New(Config{RunOnStart: true}, logger)
		a := &scriptedWorker{name: "consolidation"}
		b := &scriptedWorker{name: "cleanup"}
		Expect(s.Add(a, "@every 1h")).To(Succeed())
		Expect(s.Add(b, "@daily")).To(Succeed())
		Expect(s.Start(ctx)).To(Succeed())

		Eventually(func() int64 { return a.runs.Load() + b.runs.Load() }).Should(Equal(int64(2)))
		Eventually(func() time.Time { return healthOf(s, "cleanup").LastSuccessAt }).ShouldNot(BeZero())
		Consistently(func() int64 { return a.runs.Load() }, 100*time.Millisecond).Should(Equal(int64(1)))
		Expect(s.Names()).To(Equal([]string{"cleanup", "consolidation"}))
		Expect(healthOf(s, "consolidation").NextRunAt).To(BeTemporally(">", time.Now().Add(59*time.Minute)))
	})

	It("recovers panics and restarts the worker with backoff until it succeeds", func() {
		s := New(Config{RunOnStart: true, RestartBaseDelay: 10 * time.Millisecond, RestartMaxDelay: 40 * time.Millisecond}, logger)
		w := &scriptedWorker{name: "consolidation", panics: 2, fails: 1}
		Expect(s.Add(w, "@every 1h")).To(Succeed())
		Expect(s.Start(ctx)).To(Succeed())

		Eventually(func() int64 { return w.runs.Load() }, 2*time.Second).Should(Equal(int64(4)))
		Eventually(func() types.WorkerHealth { return healthOf(s, "consolidation") }).Should(SatisfyAll(
			HaveField("TotalRuns", int64(4)),
			HaveField("ConsecutiveCrashes", 0),
			HaveField("LastError", ""),
			HaveField("Running", false),
		))
		Consistently(func() int64 { return w.runs.Load() }, 100*time.Millisecond).Should(Equal(int64(4)))
	})

	It("reports the last crash while the worker keeps failing", func() {
		s := New(Config{RunOnStart: true, RestartBaseDelay: time.Hour, RestartMaxDelay: time.Hour}, logger)
		w := &scriptedWorker{name: "cleanup", fails: 100}
		Expect(s.Add(w, "@every 2h")).To(Succeed())
		Expect(s.Start(ctx)).To(Succeed())

		Eventually(func() types.WorkerHealth { return healthOf(s, "cleanup") }).Should(SatisfyAll(
			HaveField("ConsecutiveCrashes", 1),
			HaveField("LastError", "store unavailable"),
		))
		Expect(healthOf(s, "cleanup").LastSuccessAt).To(BeZero())
	})

	It("doubles the restart delay up to the cap", func() {
		s := New(Config{RestartBaseDelay: time.Second, RestartMaxDelay: 5 * time.Minute}, logger)
		Expect(s.restartDelay(1)).To(Equal(time.Second))
		Expect(s.restartDelay(2)).To(Equal(2 * time.Second))
		Expect(s.restartDelay(5)).To(Equal(16 * time.Second))
		Expect(s.restartDelay(9)).To(Equal(256 * time.Second))
		Expect(s.restartDelay(10)).To(Equal(5 * time.Minute))
		Expect(s.restartDelay(50)).To(Equal(5 * time.Minute))
	})

	It("runs a worker on demand", func() {
		s := New(Config{}, logger)
		w := &scriptedWorker{name: "failure-replay"}
		Expect(s.Add(w, "@every 1h")).To(Succeed())
		Expect(s.Start(ctx)).To(Succeed())

		Consistently(func() int64 { return w.runs.Load() }, 50*time.Millisecond).Should(BeZero())
		Expect(s.RunNow("failure-replay")).To(Succeed())
		Eventually(func() int64 { return w.runs.Load() }).Should(Equal(int64(1)))
		Expect(s.RunNow("nope")).To(MatchError(ErrUnknownWorker))
	})

	It("runs a worker synchronously and converts panics to errors", func() {
		s := New(Config{}, logger)
		w := &scriptedWorker{name: "consolidation", panics: 1}
		Expect(s.Add(w, "@every 1h")).To(Succeed())

		Expect(s.RunOnce(ctx, "consolidation")).To(MatchError(ErrWorkerPanic))
		Expect(healthOf(s, "consolidation").ConsecutiveCrashes).To(Equal(1))
		Expect(s.RunOnce(ctx, "consolidation")).To(Succeed())
		Expect(healthOf(s, "consolidation").ConsecutiveCrashes).To(Equal(0))
	})

	It("rejects duplicate names and bad schedules", func() {
		s := New(Config{}, logger)
		Expect(s.Add(&scriptedWorker{name: "cleanup"}, "@daily")).To(Succeed())
		Expect(s.Add(&scriptedWorker{name: "cleanup"}, "@hourly")).To(MatchError(ErrDuplicateWorker))
		Expect(s.Add(&scriptedWorker{name: "other"}, "every tuesday")).NotTo(Succeed())
	})

	It("stops all workers when the context is cancelled", func() {
		s := New(Config{RunOnStart: true}, logger)
		Expect(s.Add(&scriptedWorker{name: "a"}, "@every 1h")).To(Succeed())
		Expect(s.Add(&scriptedWorker{name: "b"}, "@every 1h")).To(Succeed())

		done := make(chan error, 1)
		go func() { done <- s.Run(ctx) }()
		Eventually(func() int64 { return healthOf(s, "b").TotalRuns }).Should(Equal(int64(1)))
		cancel()
		Eventually(done).Should(Receive(BeNil()))
		Expect(s.Start(context.Background())).To(MatchError(ErrStarted))
	})
})
