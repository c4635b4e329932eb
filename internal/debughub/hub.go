package debughub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/extrun/internal/metrics"
)

const (
	defaultMaxSubscribers    = 64
	defaultMaxBufferedEvents = 1024
)

// Mirror is an external sink for every published event, e.g. the Redis
// Streams mirror in redis_mirror.go. Mirror failures are logged, never
// fatal.
type Mirror interface {
	Publish(ctx context.Context, event Event) error
}

// Hub fans a stream of Events out to bounded, filtered subscribers.
// Disabled hubs (Enabled=false) drop every publish and deny every
// subscribe.
type Hub struct {
	Enabled        bool
	MaxSubscribers int
	BufferSize     int
	MaxEventBytes  int
	Mirror         Mirror
	Logger         *slog.Logger

	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	filter Filter
	ch     chan Event
}

func New(enabled bool) *Hub {
	return &Hub{
		Enabled:        enabled,
		MaxSubscribers: defaultMaxSubscribers,
		BufferSize:     defaultMaxBufferedEvents,
		subs:           make(map[int]*subscriber),
	}
}

// Publish broadcasts event to every matching subscriber and, if
// configured, the external mirror. Non-blocking: a full subscriber
// channel drops that subscriber's oldest buffered event to make room for
// this one, rather than stalling the guest invocation that produced it.
func (h *Hub) Publish(event Event) {
	if !h.Enabled {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	maxBytes := h.MaxEventBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxEventBytes
	}
	if len(event.Message) > maxBytes {
		event.Message = event.Message[:maxBytes]
		event.Truncated = true
	}

	metrics.DebugEventsTotal.WithLabelValues(event.Stream).Inc()

	h.mu.Lock()
	for _, sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
			continue
		default:
		}
		// Buffer full: a lagging subscriber loses its oldest undelivered
		// event, never the incoming one, so a reader that catches up sees
		// the newest events.
		select {
		case <-sub.ch:
			metrics.DebugDroppedTotal.Inc()
		default:
		}
		select {
		case sub.ch <- event:
		default:
			metrics.DebugDroppedTotal.Inc()
		}
	}
	h.mu.Unlock()

	if h.Mirror != nil {
		if err := h.Mirror.Publish(context.Background(), event); err != nil {
			h.logger().Warn("debug hub mirror publish failed", "error", err)
		}
	}
}

// Subscribe registers a filtered receiver. Returns false if the hub is
// disabled or the subscriber limit is reached.
func (h *Hub) Subscribe(filter Filter) (<-chan Event, func(), bool) {
	if !h.Enabled {
		return nil, nil, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) >= h.MaxSubscribers {
		h.logger().Warn("debug hub subscriber limit reached", "max", h.MaxSubscribers)
		return nil, nil, false
	}

	id := h.next
	h.next++
	sub := &subscriber{filter: filter, ch: make(chan Event, h.BufferSize)}
	h.subs[id] = sub

	unsub := func() {
		h.mu.Lock()
		delete(h.subs, id)
		close(sub.ch)
		h.mu.Unlock()
	}
	return sub.ch, unsub, true
}

func (h *Hub) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
