// Package redis provides a LeaseStore on Redis. Lease expiry is delegated to
// key TTLs, so every node must talk to the same Redis deployment.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "operion:lease:"

var (
	acquireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false or current == ARGV[1] then
    redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
    return {1, ARGV[1], tonumber(ARGV[2])}
end
return {0, current, redis.call("PTTL", KEYS[1])}
`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// LeaseStore implements persistence.LeaseStore with one Redis key per lease
// holding the owner id.
type LeaseStore struct {
	client redis.UniversalClient
	prefix string
}

func NewLeaseStore(client redis.UniversalClient, prefix string) *LeaseStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return &LeaseStore{client: client, prefix: prefix}
}

// NewLeaseStoreFromURL connects using a redis:// or rediss:// URL.
func NewLeaseStoreFromURL(ctx context.Context, url string) (*LeaseStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewLeaseStore(client, ""), nil
}

func (s *LeaseStore) Close(_ context.Context) error {
	return s.client.Close()
}

func (s *LeaseStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (models.Lease, bool, error) {
	reply, err := acquireScript.Run(ctx, s.client, []string{s.prefix + key}, owner, millis(ttl)).Slice()
	if err != nil {
		return models.Lease{}, false, persistence.NewLeaseError("Acquire", key, err)
	}

	if len(reply) != 3 {
		return models.Lease{}, false, persistence.NewLeaseError("Acquire", key, fmt.Errorf("unexpected reply %v", reply))
	}

	acquired, _ := reply[0].(int64)
	holder, _ := reply[1].(string)
	remaining, _ := reply[2].(int64)

	lease := models.Lease{
		Key:       key,
		Owner:     holder,
		ExpiresAt: time.Now().UTC().Add(time.Duration(remaining) * time.Millisecond),
	}

	return lease, acquired == 1, nil
}

func (s *LeaseStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) (models.Lease, error) {
	renewed, err := renewScript.Run(ctx, s.client, []string{s.prefix + key}, owner, millis(ttl)).Int64()
	if err != nil {
		return models.Lease{}, persistence.NewLeaseError("Renew", key, err)
	}

	if renewed != 1 {
		return models.Lease{}, persistence.NewLeaseError("Renew", key, persistence.ErrLeaseLost)
	}

	return models.Lease{Key: key, Owner: owner, ExpiresAt: time.Now().UTC().Add(ttl)}, nil
}

func (s *LeaseStore) Release(ctx context.Context, key, owner string) error {
	err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}, owner).Err()
	if err != nil {
		return persistence.NewLeaseError("Release", key, err)
	}

	return nil
}

func (s *LeaseStore) Leases(ctx context.Context, prefix string) ([]models.Lease, error) {
	keys := make([]string, 0)

	iter := s.client.Scan(ctx, 0, s.prefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan leases: %w", err)
	}

	now := time.Now().UTC()
	pipe := s.client.Pipeline()

	owners := make([]*redis.StringCmd, len(keys))
	ttls := make([]*redis.DurationCmd, len(keys))

	for i, key := range keys {
		owners[i] = pipe.Get(ctx, key)
		ttls[i] = pipe.PTTL(ctx, key)
	}

	if len(keys) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to read leases: %w", err)
		}
	}

	leases := make([]models.Lease, 0, len(keys))

	for i, key := range keys {
		owner, err := owners[i].Result()
		if err != nil {
			continue
		}

		ttl := ttls[i].Val()
		if ttl <= 0 {
			continue
		}

		leases = append(leases, models.Lease{
			Key:       strings.TrimPrefix(key, s.prefix),
			Owner:     owner,
			ExpiresAt: now.Add(ttl),
		})
	}

	slices.SortFunc(leases, func(a, b models.Lease) int {
		return strings.Compare(a.Key, b.Key)
	})

	return leases, nil
}

// millis converts ttl to a PX argument; Redis rejects zero.
func millis(ttl time.Duration) int64 {
	return max(ttl.Milliseconds(), 1)
}
