package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cortexhub/tiergate/internal/nodeclient"
)

// Locker grants one mutating stage call per node at a time.
// TryLock fails with nodeclient.ErrStageBusy when the token is held.
type Locker interface {
	TryLock(ctx context.Context, node string, ttl time.Duration) (unlock func(), err error)
}

// MemoryLocker serializes stage calls within one gateway process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLocker) TryLock(_ context.Context, node string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.held[node]; ok && now.Before(exp) {
		return nil, nodeclient.NewFailure(nodeclient.KindStageBusy, node, "", nil)
	}
	exp := now.Add(ttl)
	l.held[node] = exp

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[node] == exp {
			delete(l.held, node)
		}
	}, nil
}

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds tokens with SET NX PX so every gateway replica sees them.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: keyPrefix + "stage-lock:"}
}

func (l *RedisLocker) TryLock(ctx context.Context, node string, ttl time.Duration) (func(), error) {
	key := l.prefix + node
	token := ulid.Make().String()

	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire stage lock for %s: %w", node, err)
	}
	if !ok {
		return nil, nodeclient.NewFailure(nodeclient.KindStageBusy, node, "", nil)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		releaseScript.Run(ctx, l.rdb, []string{key}, token)
	}, nil
}
