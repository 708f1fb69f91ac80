package events

import (
	"sync"

	"goa.design/sidekick/runtime/telemetry"
)

type (
	// Bus is a process-wide publish/subscribe hub. Publish never blocks:
	// each subscriber owns a bounded queue drained by a dedicated delivery
	// goroutine, and the oldest events are dropped when a queue exceeds its
	// bound. Events are delivered to each subscriber in publication order.
	Bus struct {
		mu      sync.Mutex
		subs    map[int]*subscriber
		nextID  int
		bound   int
		closed  bool
		metrics telemetry.Metrics
	}

	// Filter selects the events a subscriber receives. The zero value
	// matches everything.
	Filter struct {
		// Types restricts delivery to the listed event types. Empty means
		// all types.
		Types []EventType
		// Session restricts delivery to events for the given session.
		// Engine-wide diagnostics (empty session ID) are always delivered.
		// Empty means all sessions.
		Session string
	}

	subscriber struct {
		id     int
		filter Filter

		mu      sync.Mutex
		queue   []Event
		dropped int
		notify  chan struct{}
		done    chan struct{}

		out    chan Event
		drain  sync.WaitGroup
		closed bool
	}
)

// DefaultQueueBound is the per-subscriber queue bound used when none is
// configured.
const DefaultQueueBound = 1024

// NewBus constructs a Bus with the given per-subscriber queue bound. A bound
// of zero or less uses DefaultQueueBound.
func NewBus(bound int) *Bus {
	if bound <= 0 {
		bound = DefaultQueueBound
	}
	return &Bus{subs: make(map[int]*subscriber), bound: bound, metrics: telemetry.NoopMetrics{}}
}

// Instrument records overflow drops on the given metrics. Call before the
// first Publish.
func (b *Bus) Instrument(m telemetry.Metrics) {
	if m == nil {
		return
	}
	b.mu.Lock()
	b.metrics = m
	b.mu.Unlock()
}

// Subscribe registers a subscriber matching the given filter. It returns the
// delivery channel and an unsubscribe function. The channel is closed after
// unsubscribe; once unsubscribe returns no further events are queued for the
// subscriber.
func (b *Bus) Subscribe(filter Filter) (<-chan Event, func()) {
	s := &subscriber{
		filter: filter,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	s.drain.Add(1)
	go s.deliver()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s.id)
			b.mu.Unlock()
			close(s.done)
			s.drain.Wait()
		})
	}
	return s.out, unsubscribe
}

// Publish enqueues the event for every matching subscriber and returns
// without waiting for delivery. When a subscriber queue is full the oldest
// queued event is dropped and a SubscriberOverflow event is queued in its
// place accounting.
func (b *Bus) Publish(event Event) {
	if event == nil {
		return
	}
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	bound := b.bound
	metrics := b.metrics
	b.mu.Unlock()

	for _, s := range subs {
		if !s.filter.matches(event) {
			continue
		}
		if s.enqueue(event, bound) {
			metrics.IncCounter(telemetry.MetricDroppedEvents, 1)
		}
	}
}

// Close shuts the bus down. Subsequent Publish calls are no-ops and all
// subscriber channels are closed once their queues drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[int]*subscriber{}
	b.mu.Unlock()

	for _, s := range subs {
		close(s.done)
		s.drain.Wait()
	}
}

func (f Filter) matches(event Event) bool {
	if f.Session != "" && event.SessionID() != "" && event.SessionID() != f.Session {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if event.Type() == t {
			return true
		}
	}
	return false
}

// enqueue reports whether an older event was dropped to make room.
func (s *subscriber) enqueue(event Event, bound int) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dropped := false
	if len(s.queue) >= bound {
		// Drop-oldest keeps the subscriber current at the cost of history.
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.dropped++
		dropped = true
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (s *subscriber) deliver() {
	defer s.drain.Done()
	defer close(s.out)
	for {
		s.mu.Lock()
		var next Event
		if len(s.queue) > 0 {
			next = s.queue[0]
			s.queue = s.queue[1:]
		}
		dropped := s.dropped
		s.dropped = 0
		s.mu.Unlock()

		if dropped > 0 {
			overflow := &SubscriberOverflowEvent{
				baseEvent:  newBase(""),
				Subscriber: s.id,
				Dropped:    dropped,
			}
			select {
			case s.out <- overflow:
			case <-s.done:
				s.shutdown()
				return
			}
		}

		if next != nil {
			select {
			case s.out <- next:
			case <-s.done:
				s.shutdown()
				return
			}
			continue
		}

		select {
		case <-s.notify:
		case <-s.done:
			s.shutdown()
			return
		}
	}
}

func (s *subscriber) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
}
