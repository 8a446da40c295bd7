package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultPoolSize = 10000
	defaultTimeout  = 30 * time.Second
)

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

// Subscription identifies one registered handler so it can be removed.
type Subscription struct {
	name string
	id   uint64
}

type registration struct {
	id      uint64
	handler Handler
}

// Bus is an in-memory event bus. Each published event is delivered to
// the handlers subscribed at publish time, in subscription order, from
// a single dispatch goroutine per event. A failing or panicking
// handler is isolated and reported; later handlers still run. Because
// delivery is queued, a handler publishing from inside its callback
// never re-enters the bus for the same event instance.
type Bus struct {
	pool     chan struct{}
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]registration
}

// NewBus creates a new event bus. Caller should call Stop for graceful shutdown of the bus.
func NewBus() *Bus {
	return &Bus{
		pool:     make(chan struct{}, defaultPoolSize),
		wg:       new(sync.WaitGroup),
		handlers: make(map[string][]registration),
	}
}

// Subscribe registers a handler for an event name.
func (b *Bus) Subscribe(name string, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[name] = append(b.handlers[name], registration{id: b.nextID, handler: h})
	return Subscription{name: name, id: b.nextID}
}

// Unsubscribe removes a previously registered handler. Removing a
// handler twice, or one that was never registered, is a no-op.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[s.name]
	for i, r := range regs {
		if r.id == s.id {
			b.handlers[s.name] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Publish an event.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	regs := b.handlers[e.Name()]
	snapshot := make([]Handler, 0, len(regs))
	for _, r := range regs {
		snapshot = append(snapshot, r.handler)
	}
	b.mu.RUnlock()

	if len(snapshot) == 0 {
		return
	}

	b.dispatch(ctx, snapshot, e)
}

func (b *Bus) dispatch(ctx context.Context, handlers []Handler, e Event) {
	b.wg.Add(1)

	b.pool <- struct{}{}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
		defer func() {
			cancel()
			<-b.pool
			b.wg.Done()
		}()

		for _, h := range handlers {
			b.invoke(ctx, h, e)
		}
	}()
}

func (b *Bus) invoke(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event: handler panic",
				"event", e.Name(),
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
		}
	}()

	if err := h(ctx, e); err != nil {
		slog.ErrorContext(ctx, "event: handle event failed",
			"event", e.Name(),
			"error", err,
		)
	}
}

// Stop waits for all in-flight dispatches to finish.
func (b *Bus) Stop() {
	b.wg.Wait()
}
