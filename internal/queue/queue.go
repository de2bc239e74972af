// Copyright 2025 Piyush Sharma
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/piyushgit011/image-process/internal/obs"
)

var (
	// ErrBackpressure is returned by Push when the pending list is at
	// its configured maximum.
	ErrBackpressure = errors.New("queue: backpressure, pending list full")
	// ErrUnavailable wraps transport failures against the backing store.
	ErrUnavailable = errors.New("queue: unavailable")
)

// Queue is a durable at-least-once FIFO over Redis lists. A popped
// envelope moves to a per-consumer processing list and stays invisible
// while the consumer's visibility key is alive; the reaper returns it to
// the pending list once that key expires.
type Queue struct {
	rdb               *redis.Client
	name              string
	maxSize           int64
	visibilityTimeout time.Duration
	log               *zap.Logger
}

// Delivery is one popped envelope plus what Ack/Nack need to settle it.
type Delivery struct {
	ConsumerID string
	Envelope   Envelope
	payload    string
}

func New(rdb *redis.Client, name string, maxSize int64, visibilityTimeout time.Duration, log *zap.Logger) *Queue {
	return &Queue{rdb: rdb, name: name, maxSize: maxSize, visibilityTimeout: visibilityTimeout, log: log}
}

// ProcessingKey returns the processing list for a consumer.
func ProcessingKey(name, consumerID string) string {
	return fmt.Sprintf("%s:consumer:%s:processing", name, consumerID)
}

// VisibilityKey returns the invisibility marker for a consumer's
// in-flight delivery.
func VisibilityKey(name, consumerID string) string {
	return fmt.Sprintf("%s:consumer:%s:visible", name, consumerID)
}

// ProcessingPattern is the SCAN pattern matching all processing lists.
func ProcessingPattern(name string) string {
	return fmt.Sprintf("%s:consumer:*:processing", name)
}

// Name returns the pending list key.
func (q *Queue) Name() string { return q.name }

// VisibilityTimeout returns the configured invisibility window.
func (q *Queue) VisibilityTimeout() time.Duration { return q.visibilityTimeout }

// Push appends an envelope to the pending list. Fails with
// ErrBackpressure when the list is at max_size.
func (q *Queue) Push(ctx context.Context, env Envelope) error {
	depth, err := q.rdb.LLen(ctx, q.name).Result()
	if err != nil {
		return fmt.Errorf("%w: llen: %v", ErrUnavailable, err)
	}
	if depth >= q.maxSize {
		return ErrBackpressure
	}
	payload, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.name, payload).Err(); err != nil {
		return fmt.Errorf("%w: lpush: %v", ErrUnavailable, err)
	}
	return nil
}

// BlockingPop blocks up to timeout for the next envelope. Returns nil on
// timeout. The delivery is invisible to other consumers for the
// visibility timeout.
func (q *Queue) BlockingPop(ctx context.Context, consumerID string, timeout time.Duration) (*Delivery, error) {
	procList := ProcessingKey(q.name, consumerID)
	payload, err := q.rdb.BRPopLPush(ctx, q.name, procList, timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: brpoplpush: %v", ErrUnavailable, err)
	}
	env, err := UnmarshalEnvelope(payload)
	if err != nil {
		// Poison entry: drop it from the processing list so it cannot loop.
		_ = q.rdb.LRem(ctx, procList, 1, payload).Err()
		q.log.Error("dropping malformed envelope", obs.Err(err))
		return nil, nil
	}
	if err := q.rdb.Set(ctx, VisibilityKey(q.name, consumerID), payload, q.visibilityTimeout).Err(); err != nil {
		q.log.Warn("visibility key set failed", obs.String("consumer", consumerID), obs.Err(err))
	}
	return &Delivery{ConsumerID: consumerID, Envelope: env, payload: payload}, nil
}

// Ack removes the delivery permanently.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	procList := ProcessingKey(q.name, d.ConsumerID)
	if err := q.rdb.LRem(ctx, procList, 1, d.payload).Err(); err != nil {
		return fmt.Errorf("%w: lrem: %v", ErrUnavailable, err)
	}
	if err := q.rdb.Del(ctx, VisibilityKey(q.name, d.ConsumerID)).Err(); err != nil {
		q.log.Warn("visibility key del failed", obs.Err(err))
	}
	return nil
}

// Nack returns the delivery to the pending list with the attempt counter
// bumped. Redis list entries are immutable, so the envelope is re-pushed
// rather than mutated in place.
func (q *Queue) Nack(ctx context.Context, d *Delivery, reason string) error {
	env := d.Envelope
	env.Attempts++
	payload, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.name, payload).Err(); err != nil {
		return fmt.Errorf("%w: lpush: %v", ErrUnavailable, err)
	}
	procList := ProcessingKey(q.name, d.ConsumerID)
	if err := q.rdb.LRem(ctx, procList, 1, d.payload).Err(); err != nil {
		q.log.Warn("lrem after nack failed", obs.Err(err))
	}
	if err := q.rdb.Del(ctx, VisibilityKey(q.name, d.ConsumerID)).Err(); err != nil {
		q.log.Warn("visibility key del failed", obs.Err(err))
	}
	q.log.Warn("envelope nacked",
		obs.String("job_id", d.Envelope.JobID),
		obs.String("reason", reason),
		obs.Int("attempts", env.Attempts))
	return nil
}

// Depth reports the best-effort pending count.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.name).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: llen: %v", ErrUnavailable, err)
	}
	return n, nil
}
