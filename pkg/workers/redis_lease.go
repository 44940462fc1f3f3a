package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisAcquireScript claims an assignment lease atomically in Redis.
// KEYS[1] = lease key
// ARGV[1] = provider id
// ARGV[2] = ttl in milliseconds
// Returns 1 if the claim succeeded (fresh or re-acquired by the same
// provider), 0 if a different provider holds a live lease.
var redisAcquireScript = redis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if holder and holder ~= ARGV[1] then
    return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", tonumber(ARGV[2]))
return 1
`)

// redisHeartbeatScript refreshes a lease only if the caller still holds it.
var redisHeartbeatScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
    return 0
end
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[2]))
return 1
`)

// redisReleaseScript deletes a lease only if the caller still holds it.
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
    return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

// RedisLeaseStore provides cross-process assignment leases backed by
// Redis key expiry. The TTL window matches the registry's, so a process
// crash releases its claims without a sweep.
type RedisLeaseStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLeaseStore creates a lease store on an existing Redis client.
func NewRedisLeaseStore(client *redis.Client, ttl time.Duration) *RedisLeaseStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLeaseStore{client: client, ttl: ttl}
}

func leaseKey(assignmentID string) string {
	return "lease:" + assignmentID
}

// Acquire claims the assignment for the provider. Fails with
// ErrAlreadyAssigned when a different provider holds a live lease.
func (s *RedisLeaseStore) Acquire(ctx context.Context, providerID, assignmentID string) error {
	ok, err := redisAcquireScript.Run(ctx, s.client,
		[]string{leaseKey(assignmentID)}, providerID, s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("workers: redis acquire failed: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: assignment %s", ErrAlreadyAssigned, assignmentID)
	}
	return nil
}

// Heartbeat extends the lease if the provider still holds it.
func (s *RedisLeaseStore) Heartbeat(ctx context.Context, providerID, assignmentID string) error {
	ok, err := redisHeartbeatScript.Run(ctx, s.client,
		[]string{leaseKey(assignmentID)}, providerID, s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("workers: redis heartbeat failed: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("workers: provider %s no longer holds assignment %s", providerID, assignmentID)
	}
	return nil
}

// Release drops the lease if the provider still holds it. Releasing a
// lease held by someone else is a no-op, not an error.
func (s *RedisLeaseStore) Release(ctx context.Context, providerID, assignmentID string) error {
	_, err := redisReleaseScript.Run(ctx, s.client,
		[]string{leaseKey(assignmentID)}, providerID).Int()
	if err != nil {
		return fmt.Errorf("workers: redis release failed: %w", err)
	}
	return nil
}

// Holder returns the provider currently holding the assignment, or ""
// if unleased.
func (s *RedisLeaseStore) Holder(ctx context.Context, assignmentID string) (string, error) {
	holder, err := s.client.Get(ctx, leaseKey(assignmentID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("workers: redis holder read failed: %w", err)
	}
	return holder, nil
}
