// Package redisqueue parks delivery frames for identities that are offline
// so they replay on the next connect. Redis holds one list per identity;
// losing the list costs realtime replay only, the durable record lives in
// postgres.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Queue struct {
	rdb *redis.Client
	ttl time.Duration
}

type Params struct {
	Client *redis.Client
	TTL    time.Duration
}

func New(params Params) (*Queue, error) {
	if params.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if params.TTL <= 0 {
		params.TTL = 72 * time.Hour
	}
	return &Queue{rdb: params.Client, ttl: params.TTL}, nil
}

func pendingKey(userID int64) string {
	return fmt.Sprintf("pending:%d", userID)
}

// Enqueue appends one frame to the identity's pending list and refreshes the
// list's expiry so abandoned identities do not accumulate frames forever.
func (q *Queue) Enqueue(ctx context.Context, userID int64, frame []byte) error {
	key := pendingKey(userID)
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, frame)
		pipe.Expire(ctx, key, q.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue pending frame for user %d: %w", userID, err)
	}
	return nil
}

// Drain atomically reads and clears the identity's pending list, returning
// frames in enqueue order. A frame pushed after the drain starts lands in a
// fresh list and waits for the next connect.
func (q *Queue) Drain(ctx context.Context, userID int64) ([][]byte, error) {
	key := pendingKey(userID)
	var listed *redis.StringSliceCmd
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		listed = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain pending frames for user %d: %w", userID, err)
	}
	vals := listed.Val()
	if len(vals) == 0 {
		return nil, nil
	}
	frames := make([][]byte, 0, len(vals))
	for _, v := range vals {
		frames = append(frames, []byte(v))
	}
	return frames, nil
}
