// Package workers tracks provider liveness and job assignment leases.
//
// A lease is a time-bounded exclusive claim by a provider on an
// assignment. Expiry is evaluated lazily against the clock on every read,
// so a lease past its TTL is Expired even before any sweep records it,
// and Sweep is an idempotent reclamation pass safe to run on any cadence.
package workers

import (
	"encoding/json"
	"errors"
	"time"
)

// LeaseStatus is the lifecycle position of one assignment lease.
type LeaseStatus string

const (
	StatusOpen      LeaseStatus = "OPEN"
	StatusAssigned  LeaseStatus = "ASSIGNED"
	StatusCompleted LeaseStatus = "COMPLETED"
	StatusExpired   LeaseStatus = "EXPIRED"
)

// DefaultTTL is the liveness window: long enough to tolerate transient
// relay delay, short enough to reclaim dead providers promptly.
const DefaultTTL = 120 * time.Second

// ErrAlreadyAssigned is returned when an assignment already holds a
// non-expired lease for a different provider.
var ErrAlreadyAssigned = errors.New("assignment already leased")

// Lease is a provider's claim on one assignment.
type Lease struct {
	ProviderID   string      `json:"provider_id"`
	AssignmentID string      `json:"assignment_id"`
	Status       LeaseStatus `json:"status"`
	UpdatedAt    time.Time   `json:"updated_at"`
	TTL          time.Duration
}

type leaseWire struct {
	ProviderID   string      `json:"provider_id"`
	AssignmentID string      `json:"assignment_id"`
	Status       LeaseStatus `json:"status"`
	UpdatedAt    time.Time   `json:"updated_at"`
	TTLMillis    int64       `json:"ttl_ms"`
}

// MarshalJSON carries the TTL as milliseconds on the wire; a raw Duration
// would serialize as nanoseconds.
func (l Lease) MarshalJSON() ([]byte, error) {
	return json.Marshal(leaseWire{
		ProviderID:   l.ProviderID,
		AssignmentID: l.AssignmentID,
		Status:       l.Status,
		UpdatedAt:    l.UpdatedAt,
		TTLMillis:    l.TTL.Milliseconds(),
	})
}

func (l *Lease) UnmarshalJSON(data []byte) error {
	var w leaseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*l = Lease{
		ProviderID:   w.ProviderID,
		AssignmentID: w.AssignmentID,
		Status:       w.Status,
		UpdatedAt:    w.UpdatedAt,
		TTL:          time.Duration(w.TTLMillis) * time.Millisecond,
	}
	return nil
}

// EffectiveStatus returns the lease status as of now: an Assigned lease
// past UpdatedAt+TTL is logically Expired even if no event recorded it.
func (l Lease) EffectiveStatus(now time.Time) LeaseStatus {
	if l.Status == StatusAssigned && now.After(l.UpdatedAt.Add(l.TTL)) {
		return StatusExpired
	}
	return l.Status
}

// Event kinds on the service-agreement/job lifecycle lane.
const (
	KindJobRequested = "job.requested"
	KindJobAssigned  = "job.assigned"
	KindJobHeartbeat = "job.heartbeat"
	KindJobCompleted = "job.completed"
	KindJobExpired   = "job.expired"
)

// StreamID returns the event stream carrying one assignment's lifecycle.
func StreamID(assignmentID string) string {
	return "job/" + assignmentID
}

// JobEvent is the payload shared by job-lane events.
type JobEvent struct {
	AssignmentID string    `json:"assignment_id"`
	ProviderID   string    `json:"provider_id,omitempty"`
	At           time.Time `json:"at"`
}
