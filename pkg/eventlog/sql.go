package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/traverse-labs/keel/pkg/canonical"
)

// SQLLog implements Log using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLLog struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLLog wraps an already-opened database handle. Connection
// bootstrapping belongs to the caller.
func NewSQLLog(db *sql.DB) *SQLLog {
	return &SQLLog{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLLog) WithClock(clock func() time.Time) *SQLLog {
	s.clock = clock
	return s
}

const schema = `
CREATE TABLE IF NOT EXISTS sync_events (
	stream_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	event_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT,
	payload_hash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (stream_id, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_sync_event_stream_seq ON sync_events (stream_id, seq);
`

// Init creates the event table and its replay index.
func (s *SQLLog) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Append commits an event at the next free slot of the stream.
func (s *SQLLog) Append(ctx context.Context, streamID, kind string, payload map[string]any) (Event, error) {
	head, err := s.LastSeq(ctx, streamID)
	if err != nil {
		return Event{}, err
	}
	return s.AppendAt(ctx, streamID, head+1, kind, payload)
}

// AppendAt commits an event at an explicit sequence slot. The unique
// (stream_id, seq) constraint is the serialization point: a lost race
// surfaces as a *ConflictError unless the committed row is an identical
// replay, in which case the original event is returned.
func (s *SQLLog) AppendAt(ctx context.Context, streamID string, seq uint64, kind string, payload map[string]any) (Event, error) {
	if seq == 0 {
		return Event{}, &ConflictError{StreamID: streamID, ClaimedSeq: seq}
	}

	head, err := s.LastSeq(ctx, streamID)
	if err != nil {
		return Event{}, err
	}
	if seq > head+1 {
		return Event{}, &ConflictError{StreamID: streamID, ClaimedSeq: seq, CurrentSeq: head}
	}
	if seq <= head {
		return s.resolveExisting(ctx, streamID, seq, kind, payload, head)
	}

	ev, err := newEvent(streamID, seq, kind, payload, s.clock())
	if err != nil {
		return Event{}, err
	}
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: payload marshal failed: %w", err)
	}

	query := `
		INSERT INTO sync_events (stream_id, seq, event_id, kind, payload, payload_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.ExecContext(ctx, query,
		ev.StreamID, int64(ev.Seq), ev.EventID, ev.Kind, string(payloadJSON), ev.PayloadHash, ev.CreatedAt,
	)
	if err != nil {
		// A concurrent writer may have claimed the slot between the head
		// read and the insert. Re-resolve against the committed row so an
		// identical replay still succeeds.
		if resolved, rerr := s.resolveExisting(ctx, streamID, seq, kind, payload, head); rerr == nil {
			return resolved, nil
		} else if errors.Is(rerr, ErrSequenceConflict) {
			return Event{}, rerr
		}
		return Event{}, fmt.Errorf("eventlog: insert failed: %w", err)
	}
	return ev, nil
}

// resolveExisting compares a replayed append against the committed row at
// the claimed slot.
func (s *SQLLog) resolveExisting(ctx context.Context, streamID string, seq uint64, kind string, payload map[string]any, head uint64) (Event, error) {
	existing, err := s.get(ctx, streamID, seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, &ConflictError{StreamID: streamID, ClaimedSeq: seq, CurrentSeq: head}
		}
		return Event{}, err
	}
	hash, err := canonical.Hash(payload)
	if err != nil {
		return Event{}, err
	}
	if sameCommit(existing, kind, hash) {
		return existing, nil
	}
	return Event{}, &ConflictError{StreamID: streamID, ClaimedSeq: seq, CurrentSeq: head}
}

func (s *SQLLog) get(ctx context.Context, streamID string, seq uint64) (Event, error) {
	query := `
		SELECT stream_id, seq, event_id, kind, payload, payload_hash, created_at
		FROM sync_events WHERE stream_id = $1 AND seq = $2
	`
	return scanEvent(s.db.QueryRowContext(ctx, query, streamID, int64(seq)))
}

// Read returns events with seq > afterSeq in increasing seq order.
func (s *SQLLog) Read(ctx context.Context, streamID string, afterSeq uint64, limit int) ([]Event, error) {
	query := `
		SELECT stream_id, seq, event_id, kind, payload, payload_hash, created_at
		FROM sync_events WHERE stream_id = $1 AND seq > $2 ORDER BY seq ASC
	`
	args := []any{streamID, int64(afterSeq)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: read failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LastSeq returns the highest committed sequence of the stream.
func (s *SQLLog) LastSeq(ctx context.Context, streamID string) (uint64, error) {
	query := `SELECT COALESCE(MAX(seq), 0) FROM sync_events WHERE stream_id = $1`
	var head int64
	if err := s.db.QueryRowContext(ctx, query, streamID).Scan(&head); err != nil {
		return 0, fmt.Errorf("eventlog: head read failed: %w", err)
	}
	return uint64(head), nil
}

// Streams lists stream IDs in lexicographic order.
func (s *SQLLog) Streams(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT stream_id FROM sync_events ORDER BY stream_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("eventlog: stream list failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var ev Event
	var seq int64
	var payloadJSON sql.NullString
	if err := row.Scan(&ev.StreamID, &seq, &ev.EventID, &ev.Kind, &payloadJSON, &ev.PayloadHash, &ev.CreatedAt); err != nil {
		return Event{}, err
	}
	ev.Seq = uint64(seq)
	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &ev.Payload); err != nil {
			return Event{}, fmt.Errorf("eventlog: payload decode failed: %w", err)
		}
	}
	return ev, nil
}
