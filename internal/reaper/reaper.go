// Copyright 2025 Piyush Sharma
package reaper

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/piyushgit011/image-process/internal/obs"
	"github.com/piyushgit011/image-process/internal/queue"
)

// Reaper enforces the visibility timeout: a delivery sitting in a
// processing list whose visibility key has expired belongs to a consumer
// that crashed or stalled, and goes back to the pending list. This is
// what makes delivery at-least-once across process deaths.
type Reaper struct {
	rdb       *redis.Client
	queueName string
	interval  time.Duration
	log       *zap.Logger
}

func New(rdb *redis.Client, queueName string, interval time.Duration, log *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reaper{rdb: rdb, queueName: queueName, interval: interval, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, queue.ProcessingPattern(r.queueName), 100).Result()
		if err != nil {
			r.log.Warn("reaper scan error", obs.Err(err))
			return
		}
		cursor = cur
		for _, procList := range keys {
			consumerID, ok := consumerFromProcessingKey(r.queueName, procList)
			if !ok {
				continue
			}
			visible, _ := r.rdb.Exists(ctx, queue.VisibilityKey(r.queueName, consumerID)).Result()
			if visible == 1 {
				continue // delivery still within its visibility window
			}
			r.requeueAll(ctx, procList)
		}
		if cursor == 0 {
			break
		}
	}
}

func (r *Reaper) requeueAll(ctx context.Context, procList string) {
	for {
		payload, err := r.rdb.RPop(ctx, procList).Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			r.log.Warn("reaper rpop error", obs.Err(err))
			return
		}
		env, err := queue.UnmarshalEnvelope(payload)
		if err != nil {
			r.log.Error("dropping malformed abandoned payload", obs.Err(err))
			continue
		}
		if err := r.rdb.LPush(ctx, r.queueName, payload).Err(); err != nil {
			r.log.Error("requeue failed", obs.String("job_id", env.JobID), obs.Err(err))
			continue
		}
		obs.ReaperRecovered.Inc()
		r.log.Warn("requeued abandoned delivery",
			obs.String("job_id", env.JobID),
			obs.Int("attempts", env.Attempts))
	}
}

// consumerFromProcessingKey inverts queue.ProcessingKey.
func consumerFromProcessingKey(queueName, key string) (string, bool) {
	prefix := queueName + ":consumer:"
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, ":processing")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
