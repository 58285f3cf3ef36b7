package transfer

import (
	"sync"

	"github.com/opd-ai/drop/crypto"
	"github.com/sirupsen/logrus"
)

// Dispatcher is the event-dispatch task of spec section 5: an unbounded
// in-memory queue feeding a single goroutine that calls the host's
// EventSink, so a slow or blocking host callback never applies
// backpressure to the network path. Producers only ever append under a
// mutex and signal a condition variable; they never block on the sink.
type Dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	sink    EventSink
	closed  bool
	drained chan struct{}

	timeProvider crypto.TimeProvider
	logger       *logrus.Entry
}

// NewDispatcher starts the background delivery goroutine and returns a
// Dispatcher ready to accept events. sink may be nil, in which case events
// are silently dropped (used by tests that don't care about delivery).
func NewDispatcher(sink EventSink, tp crypto.TimeProvider) *Dispatcher {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	d := &Dispatcher{
		sink:         sink,
		drained:      make(chan struct{}),
		timeProvider: tp,
		logger:       logrus.WithField("package", "transfer.Dispatcher"),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// Emit appends an event to the unbounded queue and wakes the delivery
// goroutine. Stamps At with the dispatcher's TimeProvider if unset.
func (d *Dispatcher) Emit(e Event) {
	if e.At.IsZero() {
		e.At = d.timeProvider.Now()
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.WithField("kind", e.Kind).Warn("event emitted after dispatcher close, dropped")
		return
	}
	d.queue = append(d.queue, e)
	d.mu.Unlock()
	d.cond.Signal()
}

func (d *Dispatcher) run() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			d.mu.Unlock()
			close(d.drained)
			return
		}
		e := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if d.sink != nil {
			d.sink.OnEvent(e)
		}
	}
}

// Close stops accepting new events and blocks until every queued event has
// been handed to the host callback, matching stop()'s contract in spec
// section 5.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.cond.Signal()
	<-d.drained
}

// Pending returns the current queue depth, for diagnostics/Stats only.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}
