package authority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traverse-labs/keel/pkg/fault"
	"github.com/traverse-labs/keel/pkg/workers"
)

func TestAssignJobRejectsHeldLease(t *testing.T) {
	f := newFixture(t)
	f.mustCommit(f.auth.RequestJob("job-1"))
	f.mustCommit(f.auth.AssignJob("prov-1", "job-1"))

	_, err := f.auth.AssignJob("prov-2", "job-1")
	require.Error(t, err)
	assert.Equal(t, fault.ResourceExhausted, fault.ClassOf(err))

	// The holder re-acquiring is idempotent.
	_, err = f.auth.AssignJob("prov-1", "job-1")
	require.NoError(t, err)
}

func TestAssignJobAfterExpiry(t *testing.T) {
	f := newFixture(t)
	f.mustCommit(f.auth.RequestJob("job-1"))
	f.mustCommit(f.auth.AssignJob("prov-1", "job-1"))

	f.clock.Advance(workers.DefaultTTL + time.Second)
	_, err := f.auth.AssignJob("prov-2", "job-1")
	require.NoError(t, err)
}

func TestAssignJobValidationDoesNotTouchLeaseView(t *testing.T) {
	f := newFixture(t)
	f.mustCommit(f.auth.RequestJob("job-1"))

	// Validated but never committed: the view must not move.
	_, err := f.auth.AssignJob("prov-1", "job-1")
	require.NoError(t, err)

	lease, ok := f.registry.Lease("job-1")
	require.True(t, ok)
	assert.Equal(t, workers.StatusOpen, lease.Status)

	// The assignment is still claimable by anyone.
	f.mustCommit(f.auth.AssignJob("prov-2", "job-1"))
	lease, _ = f.registry.Lease("job-1")
	assert.Equal(t, "prov-2", lease.ProviderID)
}

func TestHeartbeatJobWrongProvider(t *testing.T) {
	f := newFixture(t)
	f.mustCommit(f.auth.RequestJob("job-1"))
	f.mustCommit(f.auth.AssignJob("prov-1", "job-1"))

	_, err := f.auth.HeartbeatJob("prov-2", "job-1")
	require.Error(t, err)
	assert.Equal(t, fault.Unauthorized, fault.ClassOf(err))
}

func TestRejectedHeartbeatDoesNotExtendLease(t *testing.T) {
	f := newFixture(t)
	f.mustCommit(f.auth.RequestJob("job-1"))
	f.mustCommit(f.auth.AssignJob("prov-1", "job-1"))

	// An intruder's heartbeat at the edge of the window is rejected and
	// must leave the holder's TTL clock alone.
	f.clock.Advance(workers.DefaultTTL - time.Second)
	_, err := f.auth.HeartbeatJob("prov-2", "job-1")
	require.Error(t, err)
	assert.Equal(t, fault.Unauthorized, fault.ClassOf(err))

	f.clock.Advance(2 * time.Second)
	lease, ok := f.registry.Lease("job-1")
	require.True(t, ok)
	assert.Equal(t, workers.StatusExpired, lease.Status)
}

func TestHeartbeatJobExtendsLease(t *testing.T) {
	f := newFixture(t)
	f.mustCommit(f.auth.RequestJob("job-1"))
	f.mustCommit(f.auth.AssignJob("prov-1", "job-1"))

	// Heartbeat at the edge of the window keeps the lease alive past it.
	f.clock.Advance(workers.DefaultTTL - time.Second)
	f.mustCommit(f.auth.HeartbeatJob("prov-1", "job-1"))

	f.clock.Advance(workers.DefaultTTL - time.Second)
	lease, ok := f.registry.Lease("job-1")
	require.True(t, ok)
	assert.Equal(t, workers.StatusAssigned, lease.Status)
}

func TestCompleteJobRequiresLiveLease(t *testing.T) {
	f := newFixture(t)
	f.mustCommit(f.auth.RequestJob("job-1"))
	f.mustCommit(f.auth.AssignJob("prov-1", "job-1"))

	f.clock.Advance(workers.DefaultTTL + time.Second)
	_, err := f.auth.CompleteJob("prov-1", "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no live lease")
}

func TestExpireJobOnlyAfterTTL(t *testing.T) {
	f := newFixture(t)
	f.mustCommit(f.auth.RequestJob("job-1"))
	f.mustCommit(f.auth.AssignJob("prov-1", "job-1"))

	_, err := f.auth.ExpireJob("job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has not expired")

	f.clock.Advance(workers.DefaultTTL + time.Second)
	f.mustCommit(f.auth.ExpireJob("job-1"))

	lease, _ := f.registry.Lease("job-1")
	assert.Equal(t, workers.StatusExpired, lease.Status)
}
