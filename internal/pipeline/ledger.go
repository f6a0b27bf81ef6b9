package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Ledger records which artifact levels are confirmed to exist.
type Ledger interface {
	Get(ctx context.Context, level int) (Artifact, bool, error)
	Put(ctx context.Context, a Artifact) error
}

// MemoryLedger keeps confirmations for the life of the process.
type MemoryLedger struct {
	mu        sync.RWMutex
	artifacts map[int]Artifact
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{artifacts: make(map[int]Artifact)}
}

func (l *MemoryLedger) Get(_ context.Context, level int) (Artifact, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.artifacts[level]
	return a, ok, nil
}

func (l *MemoryLedger) Put(_ context.Context, a Artifact) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.artifacts[a.Level] = a
	return nil
}

// RedisLedger stores confirmations as JSON so they survive gateway restarts
// and are shared between replicas.
type RedisLedger struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisLedger(rdb *redis.Client) *RedisLedger {
	return &RedisLedger{rdb: rdb, prefix: keyPrefix + "artifact:"}
}

func (l *RedisLedger) key(level int) string {
	return fmt.Sprintf("%sL%d", l.prefix, level)
}

func (l *RedisLedger) Get(ctx context.Context, level int) (Artifact, bool, error) {
	data, err := l.rdb.Get(ctx, l.key(level)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Artifact{}, false, nil
	}
	if err != nil {
		return Artifact{}, false, fmt.Errorf("failed to read artifact L%d: %w", level, err)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, false, fmt.Errorf("failed to decode artifact L%d: %w", level, err)
	}
	return a, true, nil
}

func (l *RedisLedger) Put(ctx context.Context, a Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode artifact L%d: %w", a.Level, err)
	}
	if err := l.rdb.Set(ctx, l.key(a.Level), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write artifact L%d: %w", a.Level, err)
	}
	return nil
}
