package scale

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DistributedLock grants exclusive ownership of an instance to one process at
// a time. ttl is a lease: implementations that can outlive a crashed owner
// (Redis) expire the lock after ttl unless the holder keeps it alive, which
// they do until release is called.
type DistributedLock interface {
	// TryAcquire attempts to acquire a lock without blocking.
	// Returns false if the lock is already held.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// --- InMemoryLock ---

// InMemoryLock implements DistributedLock for tests and single-process
// deployments. Leases never expire; they live as long as the process.
type InMemoryLock struct {
	mu   sync.Mutex
	held map[string]uint64
	next uint64
}

// NewInMemoryLock creates a new in-memory lock.
func NewInMemoryLock() *InMemoryLock {
	return &InMemoryLock{held: make(map[string]uint64)}
}

// TryAcquire attempts to acquire a lock without blocking.
func (l *InMemoryLock) TryAcquire(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.next++
	token := l.next
	l.held[key] = token

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key] == token {
				delete(l.held, key)
			}
		})
	}
	return release, true, nil
}

// Held reports whether key is currently locked.
func (l *InMemoryLock) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// --- PGAdvisoryLock ---

// PGAdvisoryLock implements DistributedLock using PostgreSQL session advisory
// locks. The key string is hashed to int64 for use as the lock ID. The lock
// is tied to a dedicated connection, so it is released by the server when the
// owning process dies; ttl is not needed and ignored.
type PGAdvisoryLock struct {
	db *sql.DB
}

// NewPGAdvisoryLock creates a new PostgreSQL advisory lock implementation.
// db is usually opened with the pgx stdlib driver.
func NewPGAdvisoryLock(db *sql.DB) *PGAdvisoryLock {
	return &PGAdvisoryLock{db: db}
}

// TryAcquire attempts to acquire a PostgreSQL advisory lock without blocking.
// Returns false if the lock is already held.
func (l *PGAdvisoryLock) TryAcquire(ctx context.Context, key string, _ time.Duration) (func(), bool, error) {
	lockID := hashToInt64(key)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("try acquire lock connection for %s: %w", key, err)
	}

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired)
	if err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("try acquire lock for %s: %w", key, err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			// The caller's ctx may already be cancelled.
			_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockID)
			conn.Close()
		})
	}
	return release, true, nil
}

// hashToInt64 converts a string key to an int64 using FNV-1a hash.
// The same key always produces the same hash value.
func hashToInt64(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	v := h.Sum64() & 0x7FFFFFFFFFFFFFFF // Clear sign bit; always <= math.MaxInt64.
	return int64(v)                     //nolint:gosec // masked to non-negative range
}

// --- RedisLock ---

// Only the holder of the token may extend or delete the key.
var (
	redisUnlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	redisRenewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// DefaultLockTTL is the lease used when callers pass a non-positive ttl.
const DefaultLockTTL = 30 * time.Second

// RedisLock implements DistributedLock using Redis SET NX with a TTL that is
// renewed in the background until release.
type RedisLock struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisLock creates a Redis lock. Keys are stored under prefix.
func NewRedisLock(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLock{client: client, prefix: prefix, logger: logger}
}

// TryAcquire attempts to acquire a Redis lock without blocking.
func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	redisKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("try acquire lock for %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(redisKey, token, ttl, stop, done)

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			close(stop)
			<-done
			if err := redisUnlockScript.Run(context.Background(), l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("release redis lock", "key", key, "error", err)
			}
		})
	}
	return release, true, nil
}

// keepAlive renews the lease at a third of its ttl.
func (l *RedisLock) keepAlive(redisKey, token string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ttl/3)
			renewed, err := redisRenewScript.Run(ctx, l.client, []string{redisKey}, token, ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warn("renew redis lock", "key", redisKey, "error", err)
				continue
			}
			if renewed == 0 {
				l.logger.Error("redis lock lost", "key", redisKey)
				return
			}
		}
	}
}

var (
	_ DistributedLock = (*InMemoryLock)(nil)
	_ DistributedLock = (*PGAdvisoryLock)(nil)
	_ DistributedLock = (*RedisLock)(nil)
)
