package publisher

import (
	"sort"
	"sync"
	"time"

	"github.com/traverse-labs/keel/pkg/eventlog"
)

// OutboxEntry is one committed event awaiting relay to the bridge
// transport. Delivery is at-least-once: entries stay pending until a
// drain confirms them.
type OutboxEntry struct {
	EventID    string    `json:"event_id"`
	StreamID   string    `json:"stream_id"`
	Seq        uint64    `json:"seq"`
	Kind       string    `json:"kind"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// OutboxProjector folds every committed event into the pending bridge
// outbox. It backs the pending-bridge-outbox query shape.
type OutboxProjector struct {
	mu      sync.RWMutex
	pending map[string]OutboxEntry // event id -> entry
}

// NewOutboxProjector creates an empty outbox view.
func NewOutboxProjector() *OutboxProjector {
	return &OutboxProjector{pending: make(map[string]OutboxEntry)}
}

// Name implements projection.Projector.
func (o *OutboxProjector) Name() string { return "bridge_outbox" }

// Apply enqueues one committed event for relay.
func (o *OutboxProjector) Apply(ev eventlog.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[ev.EventID] = OutboxEntry{
		EventID:    ev.EventID,
		StreamID:   ev.StreamID,
		Seq:        ev.Seq,
		Kind:       ev.Kind,
		EnqueuedAt: ev.CreatedAt,
	}
	return nil
}

// Pending lists entries awaiting relay in enqueue order.
func (o *OutboxProjector) Pending() []OutboxEntry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]OutboxEntry, 0, len(o.pending))
	for _, entry := range o.pending {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

// Drain confirms relay of the given entries, removing them from the
// pending set. Unknown IDs are ignored so a duplicate confirmation is
// harmless.
func (o *OutboxProjector) Drain(eventIDs []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range eventIDs {
		delete(o.pending, id)
	}
}
