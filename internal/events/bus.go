package events

import (
	"context"
	"sync"
	"time"
)

// fallbackInterval is the poll hint cadence for subscribers whose channel
// delivery may have been missed.
const fallbackInterval = 5 * time.Second

// Change describes a store mutation visible to other views.
type Change struct {
	Op     string `json:"op"`
	Family string `json:"family"`
	Key    string `json:"key,omitempty"`
}

// Change ops. OpSnapshot is delivered once on subscribe and again on the
// fallback ticker; it tells the subscriber to re-read rather than naming a
// specific key.
const (
	OpSnapshot = "snapshot"
	OpPut      = "put"
	OpDelete   = "delete"
)

// Bus is a process-local broadcast channel for store changes. Delivery is
// best effort: a subscriber that cannot keep up misses events and recovers
// on the fallback tick.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Change
	next int
}

func NewBus() *Bus {
	return &Bus{subs: map[int]chan Change{}}
}

// Publish fans a change out to all subscribers without blocking.
func (b *Bus) Publish(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Subscribe returns a channel of changes. One snapshot change is emitted
// immediately, and another every fallbackInterval, so subscribers converge
// even if broadcasts are dropped. The channel closes when ctx is done.
func (b *Bus) Subscribe(ctx context.Context) <-chan Change {
	ch := make(chan Change, 16)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	ch <- Change{Op: OpSnapshot}

	go func() {
		ticker := time.NewTicker(fallbackInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				b.mu.Lock()
				delete(b.subs, id)
				b.mu.Unlock()
				close(ch)
				return
			case <-ticker.C:
				select {
				case ch <- Change{Op: OpSnapshot}:
				default:
				}
			}
		}
	}()
	return ch
}
