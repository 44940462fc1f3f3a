package publisher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxPendingOrderedByEnqueueTime(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := NewOutboxProjector()

	late := committed("credit/env-1", 2, "credit.offer_extended")
	late.CreatedAt = at.Add(time.Minute)
	early := committed("credit/env-1", 1, "credit.intent_declared")
	early.CreatedAt = at

	require.NoError(t, o.Apply(late))
	require.NoError(t, o.Apply(early))

	pending := o.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, early.EventID, pending[0].EventID)
	assert.Equal(t, late.EventID, pending[1].EventID)
}

func TestOutboxReapplyIsIdempotent(t *testing.T) {
	o := NewOutboxProjector()
	ev := committed("credit/env-1", 1, "credit.intent_declared")
	require.NoError(t, o.Apply(ev))
	require.NoError(t, o.Apply(ev))
	assert.Len(t, o.Pending(), 1)
}

func TestOutboxDrain(t *testing.T) {
	o := NewOutboxProjector()
	a := committed("credit/env-1", 1, "credit.intent_declared")
	b := committed("job/asg-1", 1, "job.assigned")
	require.NoError(t, o.Apply(a))
	require.NoError(t, o.Apply(b))

	o.Drain([]string{a.EventID, "ev-unknown"})
	pending := o.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, b.EventID, pending[0].EventID)

	// Duplicate confirmation is harmless.
	o.Drain([]string{a.EventID})
	assert.Len(t, o.Pending(), 1)
}
