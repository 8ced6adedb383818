// Package bus provides the in-process broadcast channel that connects the
// scheduler, monitor, and front-ends without direct references between them.
package bus

import (
	"sync"

	"github.com/rs/xid"
)

// DefaultBuffer is the per-subscriber channel depth. A subscriber that falls
// further behind starts losing the oldest pending events.
const DefaultBuffer = 64

// Event is anything published on the bus. Concrete payloads are defined by
// the publishing package (monitor events, usage events, run events).
type Event any

// Bus fans events out to subscribers. Delivery is in publish order per
// subscriber and lossy: a full subscriber buffer drops its oldest event to
// make room, never blocking the publisher.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]chan Event
	buffer int
	closed bool
}

// New creates a bus with the default per-subscriber buffer.
func New() *Bus {
	return NewWithBuffer(DefaultBuffer)
}

// NewWithBuffer creates a bus with a custom per-subscriber buffer.
func NewWithBuffer(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{subs: make(map[string]chan Event), buffer: buffer}
}

// Subscribe registers a listener. The returned cancel func unregisters it and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := xid.New().String()
	b.subs[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if existing, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(existing)
			}
		})
	}
	return ch, cancel
}

// Publish delivers evt to every subscriber without blocking.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		for {
			select {
			case ch <- evt:
			default:
				// Full buffer: drop the oldest pending event and retry so the
				// subscriber sees the newest state.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
