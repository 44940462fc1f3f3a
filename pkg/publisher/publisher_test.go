package publisher

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traverse-labs/keel/pkg/eventlog"
)

func committed(stream string, seq uint64, kind string) eventlog.Event {
	return eventlog.Event{
		EventID:  fmt.Sprintf("ev-%s-%d", stream, seq),
		StreamID: stream,
		Seq:      seq,
		Kind:     kind,
	}
}

func TestPublisherFansOutToMatchingSubscribers(t *testing.T) {
	p := NewPublisher(4)
	all := p.Subscribe(Filter{})
	creditOnly := p.Subscribe(Filter{StreamPrefix: "credit/"})
	settledOnly := p.Subscribe(Filter{Kinds: []string{"credit.settled"}})

	p.Publish(committed("credit/env-1", 1, "credit.intent_declared"))
	p.Publish(committed("job/asg-1", 1, "job.assigned"))
	p.Publish(committed("credit/env-1", 5, "credit.settled"))

	assert.Len(t, all.Events(), 3)
	assert.Len(t, creditOnly.Events(), 2)

	require.Len(t, settledOnly.Events(), 1)
	ev := <-settledOnly.Events()
	assert.Equal(t, uint64(5), ev.Seq)
}

func TestPublisherDropsWhenSubscriberStalls(t *testing.T) {
	p := NewPublisher(2)
	sub := p.Subscribe(Filter{})

	for seq := uint64(1); seq <= 5; seq++ {
		p.Publish(committed("credit/env-1", seq, "credit.offer_extended"))
	}

	assert.Len(t, sub.Events(), 2)
	assert.Equal(t, uint64(3), p.Dropped())

	// First delivered event is still the oldest; nothing was reordered.
	ev := <-sub.Events()
	assert.Equal(t, uint64(1), ev.Seq)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewPublisher(4)
	sub := p.Subscribe(Filter{})
	p.Unsubscribe(sub)
	p.Unsubscribe(sub)

	_, open := <-sub.Events()
	assert.False(t, open)

	// Publishing after unsubscribe reaches nobody and drops nothing.
	p.Publish(committed("credit/env-1", 1, "credit.intent_declared"))
	assert.Zero(t, p.Dropped())
}

func TestFilterZeroValueMatchesAll(t *testing.T) {
	f := Filter{}
	assert.True(t, f.matches(committed("credit/env-1", 1, "credit.settled")))
	assert.True(t, f.matches(committed("job/asg-1", 1, "job.assigned")))

	f = Filter{StreamPrefix: "job/", Kinds: []string{"job.expired"}}
	assert.False(t, f.matches(committed("job/asg-1", 1, "job.assigned")))
	assert.True(t, f.matches(committed("job/asg-1", 2, "job.expired")))
	assert.False(t, f.matches(committed("credit/env-1", 1, "job.expired")))
}
