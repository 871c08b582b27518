package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Dispatcher fans events out to subscribed handlers. Fan-out is
// synchronous and best-effort: handlers run inline on the emitting
// goroutine, and a handler panic never aborts the emitting operation.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Type]map[string]Handler
	counter  int64
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. A nil logger falls back to a nop
// logger.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[Type]map[string]Handler),
		logger:   logger.With(zap.String("component", "events")),
	}
}

// Subscribe registers a handler for the given type (or Wildcard for all
// types) and returns an unsubscribe function. Unsubscribing twice is a
// no-op.
func (d *Dispatcher) Subscribe(t Type, h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handlers[t] == nil {
		d.handlers[t] = make(map[string]Handler)
	}
	id := fmt.Sprintf("%s-%d", t, atomic.AddInt64(&d.counter, 1))
	d.handlers[t][id] = h

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if hs, ok := d.handlers[t]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(d.handlers, t)
			}
		}
	}
}

// Emit delivers the event to all handlers subscribed to its type and to
// wildcard subscribers, in that order. The event timestamp is filled in
// when the caller left it zero.
func (d *Dispatcher) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	d.mu.RLock()
	typed := d.handlers[e.Type]
	wild := d.handlers[Wildcard]
	handlers := make([]Handler, 0, len(typed)+len(wild))
	for _, h := range typed {
		handlers = append(handlers, h)
	}
	for _, h := range wild {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		d.invoke(h, e)
	}
}

func (d *Dispatcher) invoke(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				zap.String("event_type", string(e.Type)),
				zap.Any("recover", r),
			)
		}
	}()
	h(e)
}

// SubscriberCount returns the number of handlers registered for t.
func (d *Dispatcher) SubscriberCount(t Type) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[t])
}
