// Package eventlog provides the authoritative append-only event log.
//
// Every committed domain event belongs to exactly one stream and carries a
// per-stream sequence number that is gap-free and strictly increasing.
// Appends are optimistically concurrent: the caller names the sequence slot
// it intends to claim, and a concurrent claim surfaces as a
// SequenceConflict the caller resolves by re-reading and retrying.
// Re-appending an identical event to an already-committed slot is a no-op,
// so replay after a crash or a duplicate relay delivery never duplicates
// records.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/traverse-labs/keel/pkg/canonical"
)

// ErrSequenceConflict is returned when an append targets a sequence slot
// already claimed by a different event. The caller must re-read the stream
// head and retry.
var ErrSequenceConflict = errors.New("sequence conflict")

// ConflictError carries the details of a failed optimistic append.
type ConflictError struct {
	StreamID   string
	ClaimedSeq uint64
	CurrentSeq uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sequence conflict on stream %s: claimed seq %d, head is %d",
		e.StreamID, e.ClaimedSeq, e.CurrentSeq)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrSequenceConflict
}

// Event is an immutable committed record. It is exclusively owned by the
// log after append and never mutated.
type Event struct {
	EventID     string         `json:"event_id"`
	StreamID    string         `json:"stream_id"`
	Seq         uint64         `json:"seq"`
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload,omitempty"`
	PayloadHash string         `json:"payload_hash"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Log is the append-only event store. Streams are independently sequenced;
// no cross-stream ordering is guaranteed.
type Log interface {
	// Append commits an event at the next free sequence slot of the stream
	// and returns it. It is equivalent to AppendAt(LastSeq+1) executed
	// atomically, so it never conflicts on a single-writer stream.
	Append(ctx context.Context, streamID, kind string, payload map[string]any) (Event, error)

	// AppendAt commits an event at an explicit sequence slot.
	// If the slot is already taken by an event with the same kind and
	// payload hash, the original event is returned with no new record
	// (idempotent replay). If the slot is taken by a different event, or
	// would leave a gap, AppendAt fails with a *ConflictError.
	AppendAt(ctx context.Context, streamID string, seq uint64, kind string, payload map[string]any) (Event, error)

	// Read returns up to limit events with seq > afterSeq in strictly
	// increasing seq order. limit <= 0 means no limit. Restartable from
	// any sequence.
	Read(ctx context.Context, streamID string, afterSeq uint64, limit int) ([]Event, error)

	// LastSeq returns the highest committed sequence number of the
	// stream, 0 if the stream has no events.
	LastSeq(ctx context.Context, streamID string) (uint64, error)

	// Streams lists all stream IDs with at least one committed event.
	Streams(ctx context.Context) ([]string, error)
}

// newEvent builds a committed event with a canonical payload hash.
func newEvent(streamID string, seq uint64, kind string, payload map[string]any, now time.Time) (Event, error) {
	hash, err := canonical.Hash(payload)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: payload hash failed: %w", err)
	}
	return Event{
		EventID:     uuid.New().String(),
		StreamID:    streamID,
		Seq:         seq,
		Kind:        kind,
		Payload:     payload,
		PayloadHash: hash,
		CreatedAt:   now.UTC(),
	}, nil
}

// sameCommit reports whether a replayed append matches the committed event
// at the slot it targets.
func sameCommit(existing Event, kind, payloadHash string) bool {
	return existing.Kind == kind && existing.PayloadHash == payloadHash
}
