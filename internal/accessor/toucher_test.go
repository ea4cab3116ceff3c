package accessor

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/xiy/memory-engine/pkg/types"
)

type touchRecorder struct {
	mu      sync.Mutex
	applied [][]string
	failed  []error
	err     error
	block   chan struct{}
}

func (r *touchRecorder) apply(_ context.Context, ids []string, _ time.Time) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.applied = append(r.applied, ids)
	return nil
}

func (r *touchRecorder) onFailure(_ context.Context, _ TouchJob, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, err)
}

func (r *touchRecorder) appliedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

func (r *touchRecorder) failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.failed...)
}

type fakeDurable struct {
	mu      sync.Mutex
	touched []string
}

func (f *fakeDurable) InsertDurable(context.Context, types.DurableRecord) error { return nil }
func (f *fakeDurable) ListDurable(context.Context, string, types.Filter) ([]types.DurableRecord, error) {
	return []types.DurableRecord{{ID: "d1"}}, nil
}
func (f *fakeDurable) PromoteMedium(context.Context, string, types.DurableRecord) (bool, error) {
	return true, nil
}
func (f *fakeDurable) TouchDurable(_ context.Context, ids []string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, ids...)
	return nil
}
func (f *fakeDurable) DecayImportance(context.Context, time.Time, time.Time, time.Time, float64, float64) (int64, error) {
	return 0, nil
}
func (f *fakeDurable) DurableStats(context.Context, string) (int64, int64, float64, error) {
	return 0, 0, 0, nil
}

func (f *fakeDurable) touchedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.touched...)
}

var _ = Describe("Toucher", func() {
	var (
		rec    *touchRecorder
		logger *log.Logger
	)

	BeforeEach(func() {
		rec = &touchRecorder{}
		logger = log.NewWithOptions(io.Discard, log.Options{})
	})

	It("applies queued jobs and drains on Close", func() {
		t, err := NewToucher(ToucherConfig{Workers: 2, Logger: logger, OnFailure: rec.onFailure}, rec.apply)
		Expect(err).NotTo(HaveOccurred())

		for range 10 {
			Expect(t.Enqueue(TouchJob{UserID: "u1", IDs: []string{"d1"}})).To(BeTrue())
		}
		t.Close()

		Expect(rec.appliedCount()).To(Equal(10))
		Expect(rec.failures()).To(BeEmpty())
	})

	It("drops jobs when the queue is full and reports them", func() {
		rec.block = make(chan struct{})
		t, err := NewToucher(ToucherConfig{Workers: 1, QueueSize: 1, Logger: logger, OnFailure: rec.onFailure}, rec.apply)
		Expect(err).NotTo(HaveOccurred())

		// One job is held by the blocked worker, one sits in the queue.
		Expect(t.Enqueue(TouchJob{IDs: []string{"a"}})).To(BeTrue())
		Eventually(func() int { return len(t.queue) }).Should(Equal(0))
		Expect(t.Enqueue(TouchJob{IDs: []string{"b"}})).To(BeTrue())

		Expect(t.Enqueue(TouchJob{IDs: []string{"c"}})).To(BeFalse())
		Eventually(rec.failures).Should(HaveLen(1))
		Expect(errors.Is(rec.failures()[0], ErrTouchQueueFull)).To(BeTrue())

		close(rec.block)
		t.Close()
		Expect(rec.appliedCount()).To(Equal(2))
	})

	It("reports apply errors and rejects jobs after Close", func() {
		rec.err = errors.New("store down")
		t, err := NewToucher(ToucherConfig{Logger: logger, OnFailure: rec.onFailure}, rec.apply)
		Expect(err).NotTo(HaveOccurred())

		Expect(t.Enqueue(TouchJob{IDs: []string{"a"}})).To(BeTrue())
		Eventually(rec.failures).Should(HaveLen(1))

		t.Close()
		Expect(t.Enqueue(TouchJob{IDs: []string{"b"}})).To(BeFalse())
		Eventually(rec.failures).Should(HaveLen(2))
		Expect(errors.Is(rec.failures()[1], ErrToucherClosed)).To(BeTrue())
	})

	It("never runs a slow failure report on the enqueuing goroutine", func() {
		rec.block = make(chan struct{})
		reported := make(chan error, 1)
		slowReport := func(_ context.Context, _ TouchJob, err error) {
			time.Sleep(400 * time.Millisecond)
			reported <- err
		}
		t, err := NewToucher(ToucherConfig{Workers: 1, QueueSize: 1, Logger: logger, OnFailure: slowReport}, rec.apply)
		Expect(err).NotTo(HaveOccurred())

		Expect(t.Enqueue(TouchJob{IDs: []string{"a"}})).To(BeTrue())
		Eventually(func() int { return len(t.queue) }).Should(Equal(0))
		Expect(t.Enqueue(TouchJob{IDs: []string{"b"}})).To(BeTrue())

		start := time.Now()
		Expect(t.Enqueue(TouchJob{IDs: []string{"c"}})).To(BeFalse())
		Expect(time.Since(start)).To(BeNumerically("<", 100*time.Millisecond))

		Eventually(reported, time.Second).Should(Receive(MatchError(ErrTouchQueueFull)))
		close(rec.block)
		t.Close()
	})

	It("lets the durable accessor touch records without blocking reads", func() {
		store := &fakeDurable{}
		d := NewDurable(newTestGuard(time.Now()), store)
		Expect(d.Touch("u1", []string{"d1"})).To(BeFalse())

		t, err := d.EnableTouch(ToucherConfig{Logger: logger})
		Expect(err).NotTo(HaveOccurred())

		recs, err := d.Read(context.Background(), "u1", types.Filter{})
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Touch("u1", []string{recs[0].ID})).To(BeTrue())

		Eventually(store.touchedIDs).Should(ConsistOf("d1"))
		t.Close()
	})
})
