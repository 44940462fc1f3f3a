// Package authority validates and authorizes state transitions against
// the current projected state. It is the gate in front of the event log:
// each operation checks the relevant read model, applies the protocol
// rules, and returns the event to commit. Validation never reads the raw
// log, only materialized views, and term validity is re-derived from the
// wall clock at every check rather than pushed by timers.
package authority

import (
	"time"

	"github.com/traverse-labs/keel/pkg/credit"
	"github.com/traverse-labs/keel/pkg/fault"
	"github.com/traverse-labs/keel/pkg/projection"
	"github.com/traverse-labs/keel/pkg/trust"
	"github.com/traverse-labs/keel/pkg/workers"
)

// Proposal is a validated transition ready to append: the authority has
// accepted it, the orchestrator commits it.
type Proposal struct {
	StreamID string
	Kind     string
	Record   any
}

// Authority holds read handles to the projected views. It never writes
// them; the projection pipeline is the sole writer.
type Authority struct {
	creditView *projection.CreditProjector
	trustView  *trust.Projector
	registry   *workers.Registry
	keys       *KeyedMutex
	clock      func() time.Time
}

// New creates an authority over the given read models.
func New(creditView *projection.CreditProjector, trustView *trust.Projector, registry *workers.Registry) *Authority {
	return &Authority{
		creditView: creditView,
		trustView:  trustView,
		registry:   registry,
		keys:       NewKeyedMutex(),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *Authority) WithClock(clock func() time.Time) *Authority {
	a.clock = clock
	return a
}

// Guard acquires the per-key exclusive section covering one stream's
// validate-then-append path. The caller holds it until the event is
// committed and applied.
func (a *Authority) Guard(streamID string) func() {
	return a.keys.Lock(streamID)
}

func invalidTransition(from credit.State, to credit.State) error {
	return fault.New(fault.Validation, "invalid transition %s -> %s", from, to)
}
