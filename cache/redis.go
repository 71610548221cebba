package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis client methods used by
// RedisStateCache. Keeping it as an interface enables mocking in tests.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	redis.Scripter
}

// RedisConfig holds configuration for the Redis cache and lock.
type RedisConfig struct {
	Address  string        `yaml:"address" env:"ADDRESS"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	Prefix   string        `yaml:"prefix" env:"PREFIX"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
}

// NewRedisClient connects to Redis and verifies the connection with PING.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr: cfg.Address,
		DB:   cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: ping failed: %w", cfg.Address, err)
	}
	return client, nil
}

// putIfNewer stores ARGV[2] unless the cached snapshot has a higher
// sequence. The sequence is kept in a sibling key so the JSON is never
// parsed in Lua.
var putIfNewer = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[2]) or "-1")
if cur > tonumber(ARGV[1]) then
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ttl)
	redis.call("SET", KEYS[2], ARGV[1], "PX", ttl)
else
	redis.call("SET", KEYS[1], ARGV[2])
	redis.call("SET", KEYS[2], ARGV[1])
end
return 1`)

// RedisStateCache stores snapshots as JSON under prefix+instanceID, shared by
// every process of a deployment.
type RedisStateCache struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedisStateCache creates a RedisStateCache. A zero ttl keeps snapshots
// until they are deleted.
func NewRedisStateCache(client RedisClient, prefix string, ttl time.Duration) *RedisStateCache {
	return &RedisStateCache{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStateCache) Get(ctx context.Context, instanceID string) (*Snapshot, error) {
	val, err := r.client.Get(ctx, r.key(instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", instanceID, err)
	}
	var s Snapshot
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, fmt.Errorf("cache decode %s: %w", instanceID, err)
	}
	return &s, nil
}

func (r *RedisStateCache) Put(ctx context.Context, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", s.InstanceID, err)
	}
	keys := []string{r.key(s.InstanceID), r.seqKey(s.InstanceID)}
	if err := putIfNewer.Run(ctx, r.client, keys, s.Sequence, data, r.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("cache put %s: %w", s.InstanceID, err)
	}
	return nil
}

func (r *RedisStateCache) Delete(ctx context.Context, instanceID string) error {
	if err := r.client.Del(ctx, r.key(instanceID), r.seqKey(instanceID)).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", instanceID, err)
	}
	return nil
}

func (r *RedisStateCache) key(instanceID string) string {
	return r.prefix + instanceID
}

func (r *RedisStateCache) seqKey(instanceID string) string {
	return r.prefix + instanceID + ":seq"
}

var _ StateCache = (*RedisStateCache)(nil)
