package workers

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/traverse-labs/keel/pkg/eventlog"
)

// Registry is the worker lease registry: the compute-assignment
// projector. The materialized lease view is a deterministic fold of
// job-lane events — validation reads it, and only a committed event
// moves it.
type Registry struct {
	mu     sync.RWMutex
	leases map[string]Lease // assignment id -> lease
	ttl    time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

// NewRegistry creates a registry with the given TTL (DefaultTTL if zero).
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		leases: make(map[string]Lease),
		ttl:    ttl,
		clock:  time.Now,
		logger: slog.Default().With("component", "workers"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Name implements projection.Projector.
func (r *Registry) Name() string { return "assignment_view" }

// Apply folds one job-lane event into the lease view.
func (r *Registry) Apply(ev eventlog.Event) error {
	switch ev.Kind {
	case KindJobRequested, KindJobAssigned, KindJobHeartbeat, KindJobCompleted, KindJobExpired:
	default:
		return nil
	}

	job, err := eventlog.DecodePayload[JobEvent](ev.Payload)
	if err != nil {
		return err
	}
	if job.AssignmentID == "" {
		return fmt.Errorf("workers: event %s missing assignment_id", ev.EventID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	lease := r.leases[job.AssignmentID]
	lease.AssignmentID = job.AssignmentID
	lease.TTL = r.ttl
	lease.UpdatedAt = ev.CreatedAt

	switch ev.Kind {
	case KindJobRequested:
		lease.Status = StatusOpen
		lease.ProviderID = ""
	case KindJobAssigned:
		lease.Status = StatusAssigned
		lease.ProviderID = job.ProviderID
	case KindJobHeartbeat:
		// Refreshes UpdatedAt only; status unchanged.
	case KindJobCompleted:
		lease.Status = StatusCompleted
	case KindJobExpired:
		lease.Status = StatusExpired
	}

	r.leases[job.AssignmentID] = lease
	return nil
}

// Lease returns the current lease for an assignment, with expiry
// evaluated lazily against the clock.
func (r *Registry) Lease(assignmentID string) (Lease, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lease, ok := r.leases[assignmentID]
	if !ok {
		return Lease{}, false
	}
	lease.Status = lease.EffectiveStatus(r.clock())
	return lease, true
}

// Sweep transitions leases past their TTL to Expired and returns the
// reclaimed assignment IDs. Idempotent; safe to run opportunistically on
// read or on a periodic tick.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reclaimed []string
	for id, lease := range r.leases {
		if lease.Status == StatusAssigned && lease.EffectiveStatus(now) == StatusExpired {
			lease.Status = StatusExpired
			lease.UpdatedAt = now
			r.leases[id] = lease
			reclaimed = append(reclaimed, id)
			r.logger.Info("lease expired", "assignment", id, "provider", lease.ProviderID)
		}
	}
	return reclaimed
}
