package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupQueue(t *testing.T, maxSize int64) (*Queue, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	log := zap.NewNop()
	return New(rdb, "imageproc:jobs", maxSize, 30*time.Second, log), mr, rdb
}

func testEnvelope(jobID string) Envelope {
	return NewEnvelope(jobID, "car.jpg", "image/jpeg", InlinePayload([]byte("bytes")), 1700000000, "trace-1")
}

func TestPushPopAck(t *testing.T) {
	q, _, rdb := setupQueue(t, 100)
	ctx := context.Background()

	if err := q.Push(ctx, testEnvelope("j1")); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Depth(ctx); n != 1 {
		t.Fatalf("expected depth 1, got %d", n)
	}

	d, err := q.BlockingPop(ctx, "c1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.Envelope.JobID != "j1" {
		t.Fatalf("unexpected delivery: %+v", d)
	}
	// popped envelope is invisible: moved to the processing list with a
	// visibility marker
	if n, _ := rdb.LLen(ctx, ProcessingKey("imageproc:jobs", "c1")).Result(); n != 1 {
		t.Fatalf("expected 1 in processing, got %d", n)
	}
	if ex, _ := rdb.Exists(ctx, VisibilityKey("imageproc:jobs", "c1")).Result(); ex != 1 {
		t.Fatal("expected visibility key to exist")
	}

	if err := q.Ack(ctx, d); err != nil {
		t.Fatal(err)
	}
	if n, _ := rdb.LLen(ctx, ProcessingKey("imageproc:jobs", "c1")).Result(); n != 0 {
		t.Fatalf("expected empty processing list after ack, got %d", n)
	}
	if ex, _ := rdb.Exists(ctx, VisibilityKey("imageproc:jobs", "c1")).Result(); ex != 0 {
		t.Fatal("expected visibility key removed after ack")
	}
	if n, _ := q.Depth(ctx); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}

func TestPopTimeoutReturnsNil(t *testing.T) {
	q, _, _ := setupQueue(t, 100)
	d, err := q.BlockingPop(context.Background(), "c1", 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if d != nil {
		t.Fatalf("expected nil delivery on timeout, got %+v", d)
	}
}

func TestPushBackpressure(t *testing.T) {
	q, _, _ := setupQueue(t, 2)
	ctx := context.Background()
	if err := q.Push(ctx, testEnvelope("j1")); err != nil {
		t.Fatal(err)
	}
	if err := q.Push(ctx, testEnvelope("j2")); err != nil {
		t.Fatal(err)
	}
	err := q.Push(ctx, testEnvelope("j3"))
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}
	if n, _ := q.Depth(ctx); n != 2 {
		t.Fatalf("expected depth unchanged at 2, got %d", n)
	}
}

func TestNackIncrementsAttempts(t *testing.T) {
	q, _, rdb := setupQueue(t, 100)
	ctx := context.Background()
	if err := q.Push(ctx, testEnvelope("j1")); err != nil {
		t.Fatal(err)
	}
	d, err := q.BlockingPop(ctx, "c1", time.Second)
	if err != nil || d == nil {
		t.Fatalf("pop: %v %v", d, err)
	}
	if err := q.Nack(ctx, d, "storage-unavailable"); err != nil {
		t.Fatal(err)
	}
	if n, _ := rdb.LLen(ctx, ProcessingKey("imageproc:jobs", "c1")).Result(); n != 0 {
		t.Fatalf("expected processing list drained, got %d", n)
	}
	d2, err := q.BlockingPop(ctx, "c2", time.Second)
	if err != nil || d2 == nil {
		t.Fatalf("re-pop: %v %v", d2, err)
	}
	if d2.Envelope.Attempts != 1 {
		t.Fatalf("expected attempts 1 after nack, got %d", d2.Envelope.Attempts)
	}
	if d2.Envelope.JobID != "j1" || d2.Envelope.UploadTS != 1700000000 {
		t.Fatalf("envelope identity lost across nack: %+v", d2.Envelope)
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	q, _, rdb := setupQueue(t, 100)
	ctx := context.Background()
	if err := rdb.LPush(ctx, "imageproc:jobs", "not-json").Err(); err != nil {
		t.Fatal(err)
	}
	d, err := q.BlockingPop(ctx, "c1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if d != nil {
		t.Fatalf("expected malformed payload to be dropped, got %+v", d)
	}
	if n, _ := rdb.LLen(ctx, ProcessingKey("imageproc:jobs", "c1")).Result(); n != 0 {
		t.Fatalf("poison payload left in processing list: %d", n)
	}
}

func TestInlineVsStagedPayload(t *testing.T) {
	inline := InlinePayload([]byte("abc"))
	if !inline.IsInline() {
		t.Fatal("expected inline payload")
	}
	staged := StagedPayload("original/j1_1700000000.jpg")
	if staged.IsInline() {
		t.Fatal("expected staged payload")
	}
}
