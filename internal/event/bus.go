package event

import (
	"context"
	"log/slog"
	"sync"
)

// Handler consumes one event. Returned errors are logged by the bus and never
// reach the publisher; handlers that need retries rely on outbox redelivery.
type Handler func(ctx context.Context, evt Event) error

const streamBuffer = 256

type subscription struct {
	id      int
	handler Handler
}

type stream struct {
	id    int
	ch    chan Event
	types map[Type]bool // empty means all types
}

// Bus is the in-process publish/subscribe fabric: type-keyed handler fan-out
// plus a multicast stream for observers. Handlers run synchronously in the
// publishing goroutine; each invocation is isolated so one failing or
// panicking subscriber can neither fail the publish call nor starve the rest.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]subscription
	streams  []*stream
	nextID   int
	logger   *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Type][]subscription),
		logger:   logger,
	}
}

// Subscribe registers a handler for events of exactly the given type and
// returns a function that removes it again.
func (b *Bus) Subscribe(t Type, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[t] = append(b.handlers[t], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[t]
		for i, sub := range subs {
			if sub.id == id {
				b.handlers[t] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers each event to the broadcast streams and to every handler
// registered for its type. It returns once delivery has been attempted;
// whatever the handlers kick off downstream is their own business.
func (b *Bus) Publish(ctx context.Context, events ...Event) {
	for _, evt := range events {
		// Stream sends happen under the read lock so they cannot race with
		// the close in Stream's watcher goroutine, which takes the write lock.
		b.mu.RLock()
		subs := make([]subscription, len(b.handlers[evt.Type]))
		copy(subs, b.handlers[evt.Type])
		for _, s := range b.streams {
			if len(s.types) > 0 && !s.types[evt.Type] {
				continue
			}
			select {
			case s.ch <- evt:
			default:
				b.logger.Warn("event stream full, dropping event",
					"event_type", evt.Type,
					"event_id", evt.ID,
				)
			}
		}
		b.mu.RUnlock()

		for _, sub := range subs {
			b.invoke(ctx, sub.handler, evt)
		}
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", evt.Type,
				"event_id", evt.ID,
				"panic", r,
			)
		}
	}()

	if err := h(ctx, evt); err != nil {
		b.logger.Error("event handler failed",
			"event_type", evt.Type,
			"event_id", evt.ID,
			"error", err,
		)
	}
}

// Stream returns a buffered channel of all events published after the call,
// optionally filtered to the given types. A consumer that falls behind loses
// events rather than blocking publishers. The channel closes when ctx ends.
func (b *Bus) Stream(ctx context.Context, types ...Type) <-chan Event {
	s := &stream{ch: make(chan Event, streamBuffer), types: make(map[Type]bool, len(types))}
	for _, t := range types {
		s.types[t] = true
	}

	b.mu.Lock()
	s.id = b.nextID
	b.nextID++
	b.streams = append(b.streams, s)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for i, st := range b.streams {
			if st.id == s.id {
				b.streams = append(b.streams[:i:i], b.streams[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(s.ch)
	}()

	return s.ch
}
