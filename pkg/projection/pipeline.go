// Package projection maintains the derived read models folded from the
// event log. Each projector applies committed events independently behind
// a per-projector watermark, so a failing or lagging projector never
// blocks the log or its peers, and re-applying an already-applied event
// is a no-op.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/traverse-labs/keel/pkg/eventlog"
)

// Projector is one read model. Apply must be all-or-nothing: on error the
// materialized view must be unchanged, because the pipeline will not
// advance the watermark and may re-deliver the event.
type Projector interface {
	Name() string
	Apply(ev eventlog.Event) error
}

// Checkpoint is a projector's per-stream watermark set, used for
// incremental catch-up after restart.
type Checkpoint map[string]uint64

// Status describes one projector's progress for observability.
type Status struct {
	Name      string
	Applied   Checkpoint
	LastError string
}

// Pipeline fans committed events out to registered projectors.
type Pipeline struct {
	mu         sync.RWMutex
	projectors []Projector
	watermarks map[string]Checkpoint // projector name -> stream -> last applied seq
	lastErrors map[string]string
	logger     *slog.Logger
}

// NewPipeline creates a pipeline over the given projectors.
func NewPipeline(projectors ...Projector) *Pipeline {
	p := &Pipeline{
		watermarks: make(map[string]Checkpoint),
		lastErrors: make(map[string]string),
		logger:     slog.Default().With("component", "projection"),
	}
	for _, proj := range projectors {
		p.Register(proj)
	}
	return p
}

// Register adds a projector. Registration is expected at startup, before
// events flow.
func (p *Pipeline) Register(proj Projector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.projectors = append(p.projectors, proj)
	if p.watermarks[proj.Name()] == nil {
		p.watermarks[proj.Name()] = make(Checkpoint)
	}
}

// Apply delivers one committed event to every projector whose watermark
// sits exactly one behind it. A projector that already applied the event
// is skipped, and so is a projector stalled behind a failed event: it
// folds nothing further on that stream until the failed seq is
// re-delivered, because folding past a gap would corrupt the view. A
// projector error is recorded and does not stop delivery to the others;
// the first error is returned so callers can observe it.
func (p *Pipeline) Apply(ev eventlog.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, proj := range p.projectors {
		marks := p.watermarks[proj.Name()]
		if ev.Seq != marks[ev.StreamID]+1 {
			continue
		}
		if err := proj.Apply(ev); err != nil {
			p.lastErrors[proj.Name()] = err.Error()
			p.logger.Error("projector apply failed",
				"projector", proj.Name(),
				"stream", ev.StreamID,
				"seq", ev.Seq,
				"error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("projector %s: %w", proj.Name(), err)
			}
			continue
		}
		marks[ev.StreamID] = ev.Seq
		delete(p.lastErrors, proj.Name())
	}
	return firstErr
}

// CatchUp replays the log into every projector from its own watermark.
// Cold start (empty watermarks) is a full replay from seq 0; after a
// checkpoint restore it is incremental. A projector that fails mid-replay
// stalls at its watermark with the error surfaced through Statuses, while
// the rest keep replaying; the next CatchUp re-delivers from the stall
// point. Only a log read failure aborts the replay.
func (p *Pipeline) CatchUp(ctx context.Context, log eventlog.Log) error {
	streams, err := log.Streams(ctx)
	if err != nil {
		return fmt.Errorf("projection: stream list failed: %w", err)
	}

	for _, stream := range streams {
		after := p.minWatermark(stream)
		events, err := log.Read(ctx, stream, after, 0)
		if err != nil {
			return fmt.Errorf("projection: replay read failed for %s: %w", stream, err)
		}
		for _, ev := range events {
			// Per-projector watermarks inside Apply skip projectors that
			// already applied this seq or stalled behind a failed one.
			p.Apply(ev) //nolint:errcheck
		}
	}
	return nil
}

func (p *Pipeline) minWatermark(stream string) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var min uint64
	first := true
	for _, proj := range p.projectors {
		mark := p.watermarks[proj.Name()][stream]
		if first || mark < min {
			min = mark
			first = false
		}
	}
	return min
}

// Watermark returns a projector's last applied seq for a stream.
func (p *Pipeline) Watermark(projector, stream string) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.watermarks[projector][stream]
}

// Statuses reports per-projector progress, sorted by projector name.
func (p *Pipeline) Statuses() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Status, 0, len(p.projectors))
	for _, proj := range p.projectors {
		applied := make(Checkpoint, len(p.watermarks[proj.Name()]))
		for stream, seq := range p.watermarks[proj.Name()] {
			applied[stream] = seq
		}
		out = append(out, Status{
			Name:      proj.Name(),
			Applied:   applied,
			LastError: p.lastErrors[proj.Name()],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RestoreCheckpoint seeds a projector's watermarks, typically read from a
// durable checkpoint at startup so CatchUp is incremental.
func (p *Pipeline) RestoreCheckpoint(projector string, cp Checkpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	marks := p.watermarks[projector]
	if marks == nil {
		marks = make(Checkpoint)
		p.watermarks[projector] = marks
	}
	for stream, seq := range cp {
		marks[stream] = seq
	}
}
