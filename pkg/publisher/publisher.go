package publisher

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/traverse-labs/keel/pkg/eventlog"
)

// Subscriber receives committed events matching its filter.
type Subscriber struct {
	id     int
	filter Filter
	ch     chan eventlog.Event
}

// Events is the subscriber's delivery channel.
func (s *Subscriber) Events() <-chan eventlog.Event { return s.ch }

// Filter selects events for one subscriber. Zero value matches all.
type Filter struct {
	// StreamPrefix matches streams beginning with the prefix ("credit/",
	// "job/"). Empty matches all streams.
	StreamPrefix string
	// Kinds matches event kinds exactly. Empty matches all kinds.
	Kinds []string
}

func (f Filter) matches(ev eventlog.Event) bool {
	if f.StreamPrefix != "" && !strings.HasPrefix(ev.StreamID, f.StreamPrefix) {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, kind := range f.Kinds {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

// Publisher fans committed events out to subscribers. Delivery is
// best-effort and non-blocking: a subscriber that stops draining loses
// events rather than stalling the commit path, and recovers by replaying
// its stream from its own cursor.
type Publisher struct {
	mu          sync.Mutex
	subscribers map[int]*Subscriber
	nextID      int
	buffer      int
	dropped     uint64
	logger      *slog.Logger
}

// NewPublisher creates a publisher with the given per-subscriber buffer.
func NewPublisher(buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 64
	}
	return &Publisher{
		subscribers: make(map[int]*Subscriber),
		buffer:      buffer,
		logger:      slog.Default().With("component", "publisher"),
	}
}

// Subscribe registers a filtered subscriber.
func (p *Publisher) Subscribe(filter Filter) *Subscriber {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	sub := &Subscriber{
		id:     p.nextID,
		filter: filter,
		ch:     make(chan eventlog.Event, p.buffer),
	}
	p.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *Publisher) Unsubscribe(sub *Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subscribers[sub.id]; ok {
		delete(p.subscribers, sub.id)
		close(sub.ch)
	}
}

// Publish fans one committed event out to all matching subscribers.
func (p *Publisher) Publish(ev eventlog.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subscribers {
		if !sub.filter.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			p.dropped++
			p.logger.Warn("subscriber buffer full, dropping event",
				"subscriber", sub.id, "stream", ev.StreamID, "seq", ev.Seq)
		}
	}
}

// Dropped returns the count of deliveries lost to full buffers.
func (p *Publisher) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}
