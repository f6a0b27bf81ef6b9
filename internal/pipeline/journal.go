package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one stage transition in a run.
type Event struct {
	RunID  string
	Stage  string
	Node   string
	Status StageStatus
	Detail string
	At     time.Time
}

// Journal records stage transitions for later inspection.
type Journal interface {
	Record(ctx context.Context, e Event) error
}

// RedisJournal appends events to a capped redis stream.
type RedisJournal struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

func NewRedisJournal(rdb *redis.Client) *RedisJournal {
	return &RedisJournal{rdb: rdb, stream: keyPrefix + "pipeline:events", maxLen: 10000}
}

func (j *RedisJournal) Record(ctx context.Context, e Event) error {
	err := j.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: j.stream,
		MaxLen: j.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"run_id": e.RunID,
			"stage":  e.Stage,
			"node":   e.Node,
			"status": string(e.Status),
			"detail": e.Detail,
			"at":     e.At.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}
	return nil
}

// Recent returns up to n of the newest events, newest first.
func (j *RedisJournal) Recent(ctx context.Context, n int64) ([]Event, error) {
	msgs, err := j.rdb.XRevRangeN(ctx, j.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange failed: %w", err)
	}

	events := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		e := Event{
			RunID:  str(m.Values["run_id"]),
			Stage:  str(m.Values["stage"]),
			Node:   str(m.Values["node"]),
			Status: StageStatus(str(m.Values["status"])),
			Detail: str(m.Values["detail"]),
		}
		e.At, _ = time.Parse(time.RFC3339Nano, str(m.Values["at"]))
		events = append(events, e)
	}
	return events, nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
