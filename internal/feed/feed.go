/**
 * @description
 * In-process subscription hub for ticket snapshots. Every persisted write is
 * published here (directly by the service for local writes, and by the
 * RabbitMQ consumer for writes made in other processes) so that watchers see
 * a full snapshot per write without polling the store.
 *
 * Delivery is latest-wins: each subscriber owns a buffered channel of one
 * snapshot; a publish to a full channel replaces the stale snapshot instead
 * of blocking the writer. Watchers only ever care about the newest state.
 *
 * @dependencies
 * - sync: Standard Go library.
 * - internal/domain: Snapshot model.
 */

package feed

import (
	"sync"
	"time"

	"github.com/gachezra/rnr-pay/internal/domain"
)

type subscriber struct {
	ch     chan domain.Snapshot
	closed bool
}

// Feed routes ticket snapshots to subscribers keyed by ticket id.
type Feed struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

// New creates an empty feed.
func New() *Feed {
	return &Feed{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers interest in one ticket. The returned cancel func is
// idempotent and must be called when the watcher goes away; it closes the
// channel so range loops terminate.
func (f *Feed) Subscribe(ticketID string) (<-chan domain.Snapshot, func()) {
	sub := &subscriber{ch: make(chan domain.Snapshot, 1)}

	f.mu.Lock()
	set, ok := f.subs[ticketID]
	if !ok {
		set = make(map[*subscriber]struct{})
		f.subs[ticketID] = set
	}
	set[sub] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		close(sub.ch)
		if set, ok := f.subs[ticketID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(f.subs, ticketID)
			}
		}
	}

	return sub.ch, cancel
}

// Publish fans the ticket out to its subscribers without ever blocking the
// caller. A slow subscriber loses intermediate snapshots, never the latest.
func (f *Feed) Publish(ticket domain.Ticket) {
	snapshot := domain.Snapshot{Ticket: ticket, EmittedAt: time.Now().UTC()}

	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.subs[ticket.ID] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- snapshot:
		default:
			// Drop the stale snapshot, then deliver the new one.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- snapshot:
			default:
			}
		}
	}
}

// SubscriberCount reports how many watchers a ticket currently has.
func (f *Feed) SubscriberCount(ticketID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[ticketID])
}
