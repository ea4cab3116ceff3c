package events

import (
	"context"

	"github.com/charmbracelet/log"
)

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	logger *log.Logger
}

// NewLogPublisher returns a publisher backed by logger.
func NewLogPublisher(logger *log.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event *Event) error {
	if event == nil {
		return ErrNilEvent
	}
	kv := []any{"event_id", event.ID, "source", event.Source}
	for k, v := range event.Counts {
		kv = append(kv, k, v)
	}
	p.logger.Info(event.Type, kv...)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
