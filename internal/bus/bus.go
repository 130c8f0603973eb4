// Package bus implements the ordered, single-producer fan-out of domain
// events. Publish calls are serialized: each event gets a strictly
// increasing, gapless sequence number and is handed to every live
// subscription in registration order before the next publish proceeds.
// Subscribers drain bounded queues; a slow subscriber loses only its own
// oldest events and is told so with a synthetic events-dropped marker.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jaschadub/Meshling/internal/domain"
	"github.com/jaschadub/Meshling/internal/metric"
)

// EventKind discriminates the closed set of domain events.
type EventKind int

const (
	KindConnectionState EventKind = iota
	KindPacketReceived
	KindNodeUpdated
	KindChannelUpdated
	KindMessageReceived
	KindSendFailed
	KindEventsDropped
)

func (k EventKind) String() string {
	switch k {
	case KindConnectionState:
		return "connection_state_changed"
	case KindPacketReceived:
		return "packet_received"
	case KindNodeUpdated:
		return "node_updated"
	case KindChannelUpdated:
		return "channel_updated"
	case KindMessageReceived:
		return "message_received"
	case KindSendFailed:
		return "send_failed"
	case KindEventsDropped:
		return "events_dropped"
	default:
		return "unknown"
	}
}

// DroppedMarker tells a lossy subscriber how many of its events were
// evicted since its last delivery. Count only; the dropped kinds are not
// recorded.
type DroppedMarker struct {
	Count uint64 `json:"count"`
}

// Event is the closed tagged union broadcast on the bus. Exactly one
// payload pointer is set, matching Kind. Seq is bus-scoped, strictly
// increasing and gapless for published events; synthetic events-dropped
// markers carry Seq 0.
type Event struct {
	Seq  uint64    `json:"seq"`
	Kind EventKind `json:"kind"`
	Time time.Time `json:"time"`

	Connection *domain.ConnectionChange `json:"connection,omitempty"`
	Packet     *domain.Record           `json:"packet,omitempty"`
	Node       *domain.NodeRecord       `json:"node,omitempty"`
	Channel    *domain.ChannelConfig    `json:"channel,omitempty"`
	Message    *domain.Message          `json:"message,omitempty"`
	Failure    *domain.SendFailure      `json:"failure,omitempty"`
	Dropped    *DroppedMarker           `json:"dropped,omitempty"`
}

const defaultQueueLen = 64

// Subscription binds one consumer to the bus. The consumer reads C until
// it closes; Cancel stops deliveries and releases the slot.
type Subscription struct {
	id    uint64
	bus   *Bus
	ch    chan Event
	match func(Event) bool

	// guarded by bus.mu
	dropped   uint64
	cancelled bool
}

// C is the subscriber's delivery channel. It closes after Cancel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Cancel removes the subscription. After it returns no further events are
// delivered; an in-flight publish skips the handle.
func (s *Subscription) Cancel() { s.bus.unsubscribe(s) }

// Option configures a subscription.
type Option func(*Subscription)

// WithKinds restricts delivery to the given event kinds.
func WithKinds(kinds ...EventKind) Option {
	set := make(map[EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(s *Subscription) {
		s.match = func(e Event) bool {
			_, ok := set[e.Kind]
			return ok
		}
	}
}

// WithPredicate restricts delivery to events the predicate accepts.
func WithPredicate(pred func(Event) bool) Option {
	return func(s *Subscription) { s.match = pred }
}

// WithQueueLen overrides the subscriber's bounded queue length.
func WithQueueLen(n int) Option {
	return func(s *Subscription) {
		if n > 0 {
			s.ch = make(chan Event, n)
		}
	}
}

// Bus is the process-wide event broadcaster.
type Bus struct {
	log     *zap.Logger
	metrics *metric.Set

	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   []*Subscription // registration order
}

// New constructs a Bus. metrics may be nil.
func New(log *zap.Logger, metrics *metric.Set) *Bus {
	return &Bus{log: log, metrics: metrics}
}

// Subscribe registers a consumer. Events matching the optional predicate
// are delivered in global publish order.
func (b *Bus) Subscribe(opts ...Option) *Subscription {
	s := &Subscription{bus: b, ch: make(chan Event, defaultQueueLen)}
	for _, opt := range opts {
		opt(s)
	}
	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	for i, sub := range b.subs {
		if sub.id == s.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	// Sends only happen under b.mu, so closing here cannot race a publish.
	close(s.ch)
}

// Publish assigns the next sequence number and delivers the event to every
// live subscription in registration order. It never blocks on a consumer.
func (b *Bus) Publish(e Event) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e.Seq = b.seq
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if b.metrics != nil {
		b.metrics.BusPublished.Inc()
	}
	for _, s := range b.subs {
		if s.cancelled {
			continue
		}
		if s.match != nil && !s.match(e) {
			continue
		}
		b.deliver(s, e)
	}
	return e.Seq
}

// deliver enqueues without blocking. On a full queue the subscriber's
// oldest undelivered event is evicted and counted; the count is flushed to
// the subscriber as an events-dropped marker as soon as room appears.
func (b *Bus) deliver(s *Subscription, e Event) {
	if s.dropped > 0 && len(s.ch) < cap(s.ch) {
		s.ch <- Event{
			Kind:    KindEventsDropped,
			Time:    e.Time,
			Dropped: &DroppedMarker{Count: s.dropped},
		}
		s.dropped = 0
	}
	select {
	case s.ch <- e:
		return
	default:
	}
	// Queue full: evict the oldest undelivered event to make room. Evicting
	// a marker folds its count back rather than counting a new loss.
	lost := uint64(0)
	select {
	case old := <-s.ch:
		if old.Kind == KindEventsDropped {
			s.dropped += old.Dropped.Count
		} else {
			s.dropped++
			lost++
		}
	default:
		// Consumer drained concurrently; nothing was evicted.
	}
	select {
	case s.ch <- e:
	default:
		s.dropped++
		lost++
	}
	if lost == 0 {
		return
	}
	if b.metrics != nil {
		b.metrics.BusDropped.Add(float64(lost))
	}
	b.log.Debug("bus: slow subscriber, evicted oldest event",
		zap.Uint64("subscription", s.id),
		zap.Uint64("pending_dropped", s.dropped),
	)
}

// Seq returns the sequence number of the most recently published event.
func (b *Bus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
