package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/llathrop/ansible-fleet/control_plane/observability"
)

// LogPublisher writes events to the process log. It is the default
// publisher when no hub is wired in.
type LogPublisher struct {
	logger *log.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{
		logger: log.Default(),
	}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		observability.EventPublishFailures.WithLabelValues(topic).Inc()
		return err
	}

	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now().UTC(),
		Source:    "control-plane",
	}

	p.logger.Printf("[EVENT] %s %s", event.Topic, string(event.Payload))
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}

// FanOut publishes every event to each wrapped publisher. A failing
// publisher does not stop delivery to the others.
type FanOut struct {
	publishers []Publisher
}

func NewFanOut(publishers ...Publisher) *FanOut {
	return &FanOut{publishers: publishers}
}

func (f *FanOut) Publish(ctx context.Context, topic string, payload interface{}) error {
	var firstErr error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, topic, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *FanOut) Close() error {
	var firstErr error
	for _, p := range f.publishers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
