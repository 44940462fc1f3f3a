package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/traverse-labs/keel/pkg/canonical"
)

// InMemoryLog is the reference Log implementation. It satisfies the same
// contract as the SQL-backed log so either can be swapped in behind the
// Log interface.
type InMemoryLog struct {
	mu      sync.RWMutex
	streams map[string][]Event
	clock   func() time.Time
}

// NewInMemoryLog creates an empty in-memory event log.
func NewInMemoryLog() *InMemoryLog {
	return &InMemoryLog{
		streams: make(map[string][]Event),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *InMemoryLog) WithClock(clock func() time.Time) *InMemoryLog {
	l.clock = clock
	return l
}

// Append commits an event at the next free slot of the stream.
func (l *InMemoryLog) Append(ctx context.Context, streamID, kind string, payload map[string]any) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := uint64(len(l.streams[streamID])) + 1
	return l.commit(streamID, next, kind, payload)
}

// AppendAt commits an event at an explicit sequence slot.
func (l *InMemoryLog) AppendAt(ctx context.Context, streamID string, seq uint64, kind string, payload map[string]any) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.streams[streamID]
	head := uint64(len(events))

	if seq == 0 || seq > head+1 {
		return Event{}, &ConflictError{StreamID: streamID, ClaimedSeq: seq, CurrentSeq: head}
	}
	if seq <= head {
		existing := events[seq-1]
		hash, err := canonical.Hash(payload)
		if err != nil {
			return Event{}, err
		}
		if sameCommit(existing, kind, hash) {
			return existing, nil
		}
		return Event{}, &ConflictError{StreamID: streamID, ClaimedSeq: seq, CurrentSeq: head}
	}
	return l.commit(streamID, seq, kind, payload)
}

// commit appends at seq == head+1. Caller holds the write lock.
func (l *InMemoryLog) commit(streamID string, seq uint64, kind string, payload map[string]any) (Event, error) {
	ev, err := newEvent(streamID, seq, kind, payload, l.clock())
	if err != nil {
		return Event{}, err
	}
	l.streams[streamID] = append(l.streams[streamID], ev)
	return ev, nil
}

// Read returns events with seq > afterSeq in increasing seq order.
func (l *InMemoryLog) Read(ctx context.Context, streamID string, afterSeq uint64, limit int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events := l.streams[streamID]
	if afterSeq >= uint64(len(events)) {
		return nil, nil
	}
	tail := events[afterSeq:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]Event, len(tail))
	copy(out, tail)
	return out, nil
}

// LastSeq returns the highest committed sequence of the stream.
func (l *InMemoryLog) LastSeq(ctx context.Context, streamID string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.streams[streamID])), nil
}

// Streams lists stream IDs in lexicographic order for deterministic replay.
func (l *InMemoryLog) Streams(ctx context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.streams))
	for id := range l.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
