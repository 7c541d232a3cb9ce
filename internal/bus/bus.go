package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// It feeds watchers (gRPC streams, the CLI); it is not used for realtime
// delivery to the reconciler, which must never miss an event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Uint64
}

type subscription struct {
	namespace string
	source    string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends evt to every subscriber whose namespace is a prefix of
// evt.Kind and whose source filter (if any) matches evt.Source.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.source != "" && sub.source != evt.Source {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Slow watcher; drop rather than block the publisher.
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives events matching the namespace
// prefix, and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.SubscribeSource(namespace, "", bufSize)
}

// SubscribeSource is Subscribe restricted to events from one source.
// An empty source matches every source.
func (b *Bus) SubscribeSource(namespace, source string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, source: source, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Dropped returns how many deliveries were dropped on full subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
