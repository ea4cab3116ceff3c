package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/charmbracelet/log"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

var _ = Describe("Events", func() {
	var logger *log.Logger

	BeforeEach(func() {
		logger = log.NewWithOptions(io.Discard, log.Options{})
	})

	It("stamps new events with an id and schema version", func() {
		now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		ev := New(TypeCleanupCompleted, "cleanup", map[string]int64{"deleted": 2}, now)
		Expect(ev.ID).NotTo(BeEmpty())
		Expect(ev.SchemaVersion).To(Equal(SchemaVersionV1))
		Expect(ev.EmittedAt).To(Equal(now))
	})

	It("rejects nil events in every publisher", func() {
		Expect(Nop{}.Publish(context.Background(), nil)).To(MatchError(ErrNilEvent))
		Expect(NewLogPublisher(logger).Publish(context.Background(), nil)).To(MatchError(ErrNilEvent))
		p := &KafkaPublisher{writer: &fakeWriter{}, timeout: time.Second, logger: logger}
		Expect(p.Publish(context.Background(), nil)).To(MatchError(ErrNilEvent))
	})

	It("writes kafka messages keyed by event type", func() {
		w := &fakeWriter{}
		p := &KafkaPublisher{writer: w, timeout: time.Second, logger: logger}
		ev := New(TypeConsolidationCompleted, "consolidation", map[string]int64{"promoted": 1}, time.Now())

		Expect(p.Publish(context.Background(), ev)).To(Succeed())
		Expect(w.msgs).To(HaveLen(1))
		Expect(string(w.msgs[0].Key)).To(Equal(TypeConsolidationCompleted))

		var decoded Event
		Expect(json.Unmarshal(w.msgs[0].Value, &decoded)).To(Succeed())
		Expect(decoded.Counts).To(HaveKeyWithValue("promoted", int64(1)))

		Expect(p.Close()).To(Succeed())
		Expect(w.closed).To(BeTrue())
	})

	It("wraps kafka write failures", func() {
		p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("broker down")}, timeout: time.Second, logger: logger}
		err := p.Publish(context.Background(), New(TypeReplayCompleted, "replay", nil, time.Now()))
		Expect(err).To(MatchError(ContainSubstring("broker down")))
	})

	It("opens publishers by backend name", func() {
		p, err := Open("none", KafkaConfig{}, logger)
		Expect(err).NotTo(HaveOccurred())
		Expect(p).To(Equal(Nop{}))

		_, err = Open("kafka", KafkaConfig{Topic: "t"}, logger)
		Expect(err).To(MatchError(ContainSubstring("broker")))

		kp, err := Open("kafka", KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}, logger)
		Expect(err).NotTo(HaveOccurred())
		Expect(kp.Close()).To(Succeed())

		_, err = Open("carrier-pigeon", KafkaConfig{}, logger)
		Expect(err).To(HaveOccurred())
	})
})
