package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/piyushgit011/image-process/internal/queue"
)

const queueName = "imageproc:jobs"

func setup(t *testing.T) (*Reaper, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, queueName, time.Second, zap.NewNop()), mr, rdb
}

func TestRequeuesExpiredDelivery(t *testing.T) {
	rep, _, rdb := setup(t)
	ctx := context.Background()

	env := queue.NewEnvelope("job-1", "car.jpg", "image/jpeg", queue.InlinePayload([]byte("x")), 1, "t1")
	payload, _ := env.Marshal()
	// delivery sits in a processing list with no visibility key: the
	// consumer died
	if err := rdb.LPush(ctx, queue.ProcessingKey(queueName, "dead"), payload).Err(); err != nil {
		t.Fatal(err)
	}

	rep.scanOnce(ctx)

	if n, _ := rdb.LLen(ctx, queueName).Result(); n != 1 {
		t.Fatalf("expected delivery back in pending, depth %d", n)
	}
	if n, _ := rdb.LLen(ctx, queue.ProcessingKey(queueName, "dead")).Result(); n != 0 {
		t.Fatalf("processing list not drained: %d", n)
	}
}

func TestLeavesVisibleDeliveryAlone(t *testing.T) {
	rep, _, rdb := setup(t)
	ctx := context.Background()

	env := queue.NewEnvelope("job-2", "car.jpg", "image/jpeg", queue.InlinePayload([]byte("x")), 1, "t2")
	payload, _ := env.Marshal()
	if err := rdb.LPush(ctx, queue.ProcessingKey(queueName, "alive"), payload).Err(); err != nil {
		t.Fatal(err)
	}
	if err := rdb.Set(ctx, queue.VisibilityKey(queueName, "alive"), payload, time.Minute).Err(); err != nil {
		t.Fatal(err)
	}

	rep.scanOnce(ctx)

	if n, _ := rdb.LLen(ctx, queueName).Result(); n != 0 {
		t.Fatalf("in-flight delivery requeued: depth %d", n)
	}
	if n, _ := rdb.LLen(ctx, queue.ProcessingKey(queueName, "alive")).Result(); n != 1 {
		t.Fatalf("in-flight delivery removed from processing: %d", n)
	}
}

func TestVisibilityExpiryEndToEnd(t *testing.T) {
	rep, mr, rdb := setup(t)
	ctx := context.Background()
	log := zap.NewNop()
	q := queue.New(rdb, queueName, 100, 30*time.Second, log)

	env := queue.NewEnvelope("job-3", "car.jpg", "image/jpeg", queue.InlinePayload([]byte("x")), 1, "t3")
	if err := q.Push(ctx, env); err != nil {
		t.Fatal(err)
	}
	d, err := q.BlockingPop(ctx, "w1", time.Second)
	if err != nil || d == nil {
		t.Fatalf("pop: %v %v", d, err)
	}

	// within the window the delivery is invisible
	rep.scanOnce(ctx)
	if n, _ := q.Depth(ctx); n != 0 {
		t.Fatalf("visible too early: depth %d", n)
	}

	// after the visibility timeout elapses it comes back
	mr.FastForward(31 * time.Second)
	rep.scanOnce(ctx)
	if n, _ := q.Depth(ctx); n != 1 {
		t.Fatalf("expired delivery not recovered: depth %d", n)
	}
	d2, err := q.BlockingPop(ctx, "w2", time.Second)
	if err != nil || d2 == nil {
		t.Fatalf("re-pop: %v %v", d2, err)
	}
	if d2.Envelope.JobID != "job-3" {
		t.Fatalf("recovered wrong job: %s", d2.Envelope.JobID)
	}
}
