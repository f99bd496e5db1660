package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/masterboy376/cphere/internal/metrics"
	"github.com/masterboy376/cphere/internal/wire"
)

type Handler func(wire.Event)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	d       *Dispatcher
	kind    wire.Kind
	handler Handler
}

// Unsubscribe removes the subscription. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.d == nil {
		return
	}
	s.d.Unsubscribe(s)
}

func (s *Subscription) Kind() wire.Kind { return s.kind }

// Dispatcher routes events to subscribers by kind. Handlers for one kind run
// in subscription order on the dispatching goroutine.
//
// Each dispatch pass works on the handler list as it was when the pass began:
// subscribing or unsubscribing from inside a handler takes effect on the next
// event.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	subs map[wire.Kind][]*Subscription
}

func NewDispatcher(logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:  logger,
		metrics: m,
		subs:    make(map[wire.Kind][]*Subscription),
	}
}

func (d *Dispatcher) Subscribe(kind wire.Kind, h Handler) *Subscription {
	sub := &Subscription{d: d, kind: kind, handler: h}
	d.mu.Lock()
	d.subs[kind] = append(d.subs[kind], sub)
	d.mu.Unlock()
	return sub
}

func (d *Dispatcher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := d.subs[sub.kind]
	for i, s := range cur {
		if s != sub {
			continue
		}
		// Copy so in-flight passes keep their view of the list.
		next := make([]*Subscription, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		if len(next) == 0 {
			delete(d.subs, sub.kind)
		} else {
			d.subs[sub.kind] = next
		}
		return
	}
}

// Subscribers reports how many handlers are registered for kind.
func (d *Dispatcher) Subscribers(kind wire.Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs[kind])
}

func (d *Dispatcher) Dispatch(ev wire.Event) {
	kind := ev.Kind()
	d.mu.Lock()
	handlers := d.subs[kind]
	d.mu.Unlock()
	if len(handlers) == 0 {
		return
	}

	start := time.Now()
	for _, sub := range handlers {
		d.invoke(sub, ev)
	}
	d.metrics.ObserveDispatch(string(kind), time.Since(start))
}

func (d *Dispatcher) invoke(sub *Subscription, ev wire.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			d.metrics.Inc(metrics.HandlerPanics)
			d.logger.Error("subscriber panicked", "kind", string(sub.kind), "panic", rec)
		}
	}()
	sub.handler(ev)
}
