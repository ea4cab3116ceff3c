package events

import (
	"fmt"

	"github.com/charmbracelet/log"
)

// Open returns the publisher for backend ("log", "kafka" or "none").
func Open(backend string, kafkaCfg KafkaConfig, logger *log.Logger) (Publisher, error) {
	switch backend {
	case "", "log":
		return NewLogPublisher(logger), nil
	case "kafka":
		return NewKafkaPublisher(kafkaCfg, logger)
	case "none":
		return Nop{}, nil
	}
	return nil, fmt.Errorf("unknown events backend %q", backend)
}
