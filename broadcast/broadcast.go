// Package broadcast implements the change-notification fan-out: one
// capacity-16 channel per subscriber, fed network ids by every poller
// that just published a new HeaderTree. A slow subscriber is never
// blocked on: when its buffer is full, its backlog is collapsed to a
// single CatchUpAll signal instead of being retransmitted, telling it
// to refresh everything it's watching rather than trust the specific
// ids it already missed.
package broadcast

import (
	"sync"

	"github.com/blockwatch-labs/forkwatch/log"
)

const subscriberBuffer = 16

// CatchUpAll is sent in place of a specific network id when a
// subscriber's buffer was full and its backlog was discarded; it tells
// the SSE client to treat it as "refresh whatever you're watching",
// matching the u32::MAX in-band signal in the original design.
const CatchUpAll = ^uint32(0)

// Broadcaster fans out network-id change events to any number of
// subscribers.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan uint32
	next int
	log  log.Logger
}

// New returns an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan uint32), log: log.Root().With("component", "broadcast")}
}

// Subscribe registers a new subscriber and returns its channel together
// with an unsubscribe function the caller must call when done (e.g. on
// SSE connection close).
func (b *Broadcaster) Subscribe() (<-chan uint32, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan uint32, subscriberBuffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish notifies every current subscriber that networkID changed. A
// subscriber whose buffer is full is degraded to CatchUpAll instead of
// blocked on or silently skipped.
func (b *Broadcaster) Publish(networkID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- networkID:
		default:
			b.degrade(id, ch)
		}
	}
}

// degrade collapses a full subscriber's backlog to a single CatchUpAll
// signal: draining the specific ids it's already missed and replacing
// them with "refresh everything" is more useful to a client than
// silently dropping the notification that triggered it.
func (b *Broadcaster) degrade(id int, ch chan uint32) {
	for {
		select {
		case <-ch:
			continue
		default:
		}
		break
	}
	select {
	case ch <- CatchUpAll:
	default:
	}
	b.log.Debug("subscriber fell behind, degraded to catch-up signal", "subscriber", id)
}

// SubscriberCount reports the number of currently-registered
// subscribers, mainly for diagnostics.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
