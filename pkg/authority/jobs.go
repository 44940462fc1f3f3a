package authority

import (
	"github.com/traverse-labs/keel/pkg/fault"
	"github.com/traverse-labs/keel/pkg/workers"
)

// RequestJob validates opening an assignment for bidding.
func (a *Authority) RequestJob(assignmentID string) (Proposal, error) {
	if assignmentID == "" {
		return Proposal{}, fault.New(fault.Validation, "missing assignment id")
	}
	if lease, ok := a.registry.Lease(assignmentID); ok && lease.Status == workers.StatusAssigned {
		return Proposal{}, fault.New(fault.Validation,
			"assignment %s is already in progress", assignmentID)
	}
	return Proposal{
		StreamID: workers.StreamID(assignmentID),
		Kind:     workers.KindJobRequested,
		Record:   workers.JobEvent{AssignmentID: assignmentID, At: a.clock()},
	}, nil
}

// AssignJob validates a provider's claim on an assignment. A live lease
// held by another provider surfaces as ResourceExhausted, which the
// runtime never retries on the caller's behalf. Validation only reads
// the lease view; the lease itself moves when the event is applied.
func (a *Authority) AssignJob(providerID, assignmentID string) (Proposal, error) {
	if providerID == "" || assignmentID == "" {
		return Proposal{}, fault.New(fault.Validation, "missing provider or assignment id")
	}
	if lease, ok := a.registry.Lease(assignmentID); ok &&
		lease.Status == workers.StatusAssigned && lease.ProviderID != providerID {
		return Proposal{}, fault.Wrap(fault.ResourceExhausted, workers.ErrAlreadyAssigned,
			"assignment %s held by %s", assignmentID, lease.ProviderID)
	}
	return Proposal{
		StreamID: workers.StreamID(assignmentID),
		Kind:     workers.KindJobAssigned,
		Record:   workers.JobEvent{AssignmentID: assignmentID, ProviderID: providerID, At: a.clock()},
	}, nil
}

// HeartbeatJob validates a liveness refresh on a held lease. The holder
// check runs before anything else touches the lease, so a rejected
// heartbeat cannot extend another provider's window.
func (a *Authority) HeartbeatJob(providerID, assignmentID string) (Proposal, error) {
	lease, ok := a.registry.Lease(assignmentID)
	if !ok || lease.Status != workers.StatusAssigned {
		return Proposal{}, fault.New(fault.Validation,
			"no live lease for assignment %s", assignmentID)
	}
	if lease.ProviderID != providerID {
		return Proposal{}, fault.New(fault.Unauthorized,
			"provider %s does not hold assignment %s", providerID, assignmentID)
	}
	return Proposal{
		StreamID: workers.StreamID(assignmentID),
		Kind:     workers.KindJobHeartbeat,
		Record:   workers.JobEvent{AssignmentID: assignmentID, ProviderID: providerID, At: a.clock()},
	}, nil
}

// CompleteJob validates completion of a held lease.
func (a *Authority) CompleteJob(providerID, assignmentID string) (Proposal, error) {
	lease, ok := a.registry.Lease(assignmentID)
	if !ok || lease.Status != workers.StatusAssigned {
		return Proposal{}, fault.New(fault.Validation,
			"no live lease for assignment %s", assignmentID)
	}
	if lease.ProviderID != providerID {
		return Proposal{}, fault.New(fault.Unauthorized,
			"provider %s does not hold assignment %s", providerID, assignmentID)
	}
	return Proposal{
		StreamID: workers.StreamID(assignmentID),
		Kind:     workers.KindJobCompleted,
		Record:   workers.JobEvent{AssignmentID: assignmentID, ProviderID: providerID, At: a.clock()},
	}, nil
}

// ExpireJob records the expiry of a lease whose TTL has lapsed. The lease
// was already logically Expired on read; this makes it durable.
func (a *Authority) ExpireJob(assignmentID string) (Proposal, error) {
	lease, ok := a.registry.Lease(assignmentID)
	if !ok {
		return Proposal{}, fault.New(fault.Validation, "unknown assignment %s", assignmentID)
	}
	if lease.Status != workers.StatusExpired {
		return Proposal{}, fault.New(fault.Validation,
			"assignment %s lease has not expired", assignmentID)
	}
	return Proposal{
		StreamID: workers.StreamID(assignmentID),
		Kind:     workers.KindJobExpired,
		Record:   workers.JobEvent{AssignmentID: assignmentID, ProviderID: lease.ProviderID, At: a.clock()},
	}, nil
}
