package alerting

import (
	"sync"

	"github.com/pilot-net/alertcore/control-plane/internal/metrics"
	"github.com/pilot-net/alertcore/pkg/types"
)

// DefaultSubscriberBuffer is the channel size given to feed subscribers.
const DefaultSubscriberBuffer = 256

// Feed fans alert transitions out to subscribers. Publishing never blocks;
// a full subscriber loses the transition and the drop is counted.
type Feed struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan types.AlertTransition
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan types.AlertTransition)}
}

// Subscribe registers a subscriber. The returned cancel function closes
// the channel.
func (f *Feed) Subscribe(buffer int) (<-chan types.AlertTransition, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan types.AlertTransition, buffer)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers t to every subscriber without blocking.
func (f *Feed) Publish(t types.AlertTransition) {
	metrics.AlertTransitionsTotal.WithLabelValues(string(t.Kind)).Inc()

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- t:
		default:
			metrics.FeedDroppedTotal.Inc()
		}
	}
}

// Subscribers returns the number of active subscribers.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
