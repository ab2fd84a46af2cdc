// Package eventbus dispatches local state changes to in-process subscribers
// by topic.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsprackett/deskhub/internal/events"
	"github.com/zsprackett/deskhub/internal/metrics"
)

// Handler consumes one event. A returned error is logged by the bus and
// never reaches the publisher.
type Handler func(ctx context.Context, e events.Event) error

// Bus maps a topic to its subscribers in registration order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]Handler
	logger *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]Handler),
		logger: logger,
	}
}

// Subscribe appends h to the handlers of topic.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], h)
	b.mu.Unlock()
}

// Publish runs every handler of topic in registration order and returns once
// all of them have finished. Handler errors and panics are logged; they do
// not stop the remaining handlers.
func (b *Bus) Publish(ctx context.Context, topic string, e events.Event) {
	b.mu.RLock()
	handlers := b.subs[topic]
	b.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}
	metrics.IncBusPublish(topic)

	for i, h := range handlers {
		if err := b.invoke(ctx, h, e); err != nil {
			metrics.IncBusHandlerError(topic)
			b.logger.Error("eventbus: handler failed",
				"topic", topic,
				"handler", i,
				"err", err,
			)
		}
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, e events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, e)
}

// Subscribers reports how many handlers are registered for topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
