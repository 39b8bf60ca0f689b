package approvedlist

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps approved lists as Redis sets so every enforcement node
// sees the same membership.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects a store to Redis.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb}
}

// NewRedisStoreWithClient wraps an existing client (tests, shared pools).
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(tenantID, list string) string {
	return fmt.Sprintf("approvedlist:%s:%s", tenantID, list)
}

func (s *RedisStore) Add(ctx context.Context, tenantID, list string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	members := make([]any, len(values))
	for i, v := range values {
		members[i] = v
	}
	return s.client.SAdd(ctx, redisKey(tenantID, list), members...).Err()
}

func (s *RedisStore) Remove(ctx context.Context, tenantID, list string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	members := make([]any, len(values))
	for i, v := range values {
		members[i] = v
	}
	return s.client.SRem(ctx, redisKey(tenantID, list), members...).Err()
}

func (s *RedisStore) Members(ctx context.Context, tenantID, list string) ([]string, error) {
	return s.client.SMembers(ctx, redisKey(tenantID, list)).Result()
}

func (s *RedisStore) Contains(ctx context.Context, tenantID, list, value string) (bool, error) {
	return s.client.SIsMember(ctx, redisKey(tenantID, list), value).Result()
}

// Ping verifies connectivity at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
