// Copyright 2025 Piyush Sharma
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/piyushgit011/image-process/internal/blobstore"
	"github.com/piyushgit011/image-process/internal/metastore"
	"github.com/piyushgit011/image-process/internal/model"
	"github.com/piyushgit011/image-process/internal/obs"
	"github.com/piyushgit011/image-process/internal/queue"
)

// Failure reason kinds recorded on the row.
const (
	reasonDecode         = "decode"
	reasonModel          = "model"
	reasonPayloadMissing = "payload-missing"
	reasonTimeout        = "timeout"
	reasonStorage        = "storage-unavailable"
	reasonMetadata       = "metadata-unavailable"
	reasonInference      = "model-unavailable"
	reasonPanic          = "panic"
	reasonMaxAttempts    = "max-attempts"
)

// classify maps a step error to a reason kind and whether it is fatal.
// Fatal errors mark the row failed immediately; transient ones go back
// to the queue for another attempt.
func classify(err error) (string, bool) {
	switch {
	case errors.Is(err, model.ErrDecode):
		return reasonDecode, true
	case errors.Is(err, model.ErrModel):
		return reasonModel, true
	case errors.Is(err, metastore.ErrDuplicate):
		// Impossible per invariants; surfaced as a fatal diagnostic.
		return "duplicate", true
	case errors.Is(err, blobstore.ErrNotFound):
		// The original was written at admission; a missing payload means
		// the job cannot ever succeed.
		return reasonPayloadMissing, true
	case errors.Is(err, context.DeadlineExceeded):
		return reasonTimeout, false
	case errors.Is(err, blobstore.ErrUnavailable):
		return reasonStorage, false
	case errors.Is(err, metastore.ErrUnavailable):
		return reasonMetadata, false
	case errors.Is(err, model.ErrUnavailable):
		return reasonInference, false
	default:
		return reasonStorage, false
	}
}

// process runs the per-job state machine for one delivery. Returns true
// when the job settled cleanly (completed, or dropped as a duplicate or
// orphan); false feeds the circuit breaker's failure window.
func (p *Pool) process(ctx context.Context, workerID string, d *queue.Delivery) (ok bool) {
	jobID := d.Envelope.JobID
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic in worker, failing job",
				obs.String("job_id", jobID),
				obs.String("worker_id", workerID),
				obs.String("panic", toString(r)))
			p.fail(ctx, d, reasonPanic, time.Since(started).Seconds())
			ok = false
		}
	}()

	// In-flight work finishes under its own deadline even when the pool
	// is draining.
	stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Worker.StepTimeout)
	defer cancel()

	rec, err := p.meta.GetByJobID(stepCtx, jobID)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			// Orphan envelope: no durable row to transition.
			p.log.Warn("orphan envelope dropped", obs.String("job_id", jobID))
			obs.JobsDropped.Inc()
			_ = p.q.Ack(stepCtx, d)
			return true
		}
		return p.retryOrFail(stepCtx, d, err, time.Since(started).Seconds())
	}
	if rec.Status.Terminal() {
		// Idempotent re-delivery: the row already settled.
		obs.JobsDropped.Inc()
		_ = p.q.Ack(stepCtx, d)
		return true
	}

	if err := p.meta.MarkProcessing(stepCtx, jobID); err != nil {
		// Best-effort transition; the completion update is the one that counts.
		p.log.Warn("mark processing failed", obs.String("job_id", jobID), obs.Err(err))
	}

	data, err := p.payloadBytes(stepCtx, d)
	if err != nil {
		return p.retryOrFail(stepCtx, d, err, time.Since(started).Seconds())
	}

	processed, faceMeta, err := p.models.DetectAndBlurFaces(stepCtx, data)
	if err != nil {
		return p.retryOrFail(stepCtx, d, err, time.Since(started).Seconds())
	}

	processedKey := blobstore.ProcessedKey(jobID, d.Envelope.UploadTS, d.Envelope.ContentType)
	processedURL, err := p.blobs.Put(stepCtx, processedKey, processed, d.Envelope.ContentType)
	if err != nil {
		return p.retryOrFail(stepCtx, d, err, time.Since(started).Seconds())
	}

	elapsed := time.Since(started).Seconds()
	faceJSON, _ := json.Marshal(faceMeta)
	if err := p.meta.UpdateOnCompletion(stepCtx, jobID, processedURL, int64(len(processed)), faceMeta.FaceCount, faceJSON, elapsed); err != nil {
		return p.retryOrFail(stepCtx, d, err, elapsed)
	}

	if err := p.q.Ack(stepCtx, d); err != nil {
		// The row is already completed; a re-delivery will be dropped in
		// step 2, so an ack failure costs one extra pop, nothing more.
		p.log.Warn("ack failed after completion", obs.String("job_id", jobID), obs.Err(err))
	}

	obs.JobsCompleted.Inc()
	p.collector.RecordCompletion(time.Since(started))
	p.log.Info("job completed",
		obs.String("job_id", jobID),
		obs.String("worker_id", workerID),
		obs.Int("faces", faceMeta.FaceCount),
		obs.Float64("seconds", elapsed))
	return true
}

// payloadBytes resolves either payload form uniformly.
func (p *Pool) payloadBytes(ctx context.Context, d *queue.Delivery) ([]byte, error) {
	if d.Envelope.Payload.IsInline() {
		return d.Envelope.Payload.Inline, nil
	}
	return p.blobs.Get(ctx, d.Envelope.Payload.Key)
}

// retryOrFail applies the retry policy: transient errors nack with
// jittered backoff until max attempts, fatal errors settle the row.
func (p *Pool) retryOrFail(ctx context.Context, d *queue.Delivery, err error, elapsed float64) bool {
	reason, fatal := classify(err)
	jobID := d.Envelope.JobID

	if fatal {
		p.log.Error("fatal job error",
			obs.String("job_id", jobID),
			obs.String("reason", reason),
			obs.Err(err))
		p.fail(ctx, d, reason, elapsed)
		return false
	}

	if d.Envelope.Attempts >= p.cfg.Worker.MaxAttempts-1 {
		p.log.Error("retries exhausted",
			obs.String("job_id", jobID),
			obs.String("reason", reason),
			obs.Int("attempts", d.Envelope.Attempts+1),
			obs.Err(err))
		p.fail(ctx, d, reasonMaxAttempts+":"+reason, elapsed)
		return false
	}

	bo := jitteredBackoff(d.Envelope.Attempts, p.cfg.Worker.Backoff.Base, p.cfg.Worker.Backoff.Max)
	p.log.Warn("transient job error, retrying",
		obs.String("job_id", jobID),
		obs.String("reason", reason),
		obs.Int("attempts", d.Envelope.Attempts),
		obs.Int64("backoff_ms", bo.Milliseconds()),
		obs.Err(err))
	select {
	case <-ctx.Done():
	case <-time.After(bo):
	}
	if nackErr := p.q.Nack(ctx, d, reason); nackErr != nil {
		// Leave the delivery to the visibility timeout.
		p.log.Error("nack failed", obs.String("job_id", jobID), obs.Err(nackErr))
	} else {
		obs.JobsRetried.Inc()
	}
	return false
}

func (p *Pool) fail(ctx context.Context, d *queue.Delivery, reason string, elapsed float64) {
	jobID := d.Envelope.JobID
	if err := p.meta.MarkFailed(ctx, jobID, reason, elapsed); err != nil {
		p.log.Error("mark failed errored", obs.String("job_id", jobID), obs.Err(err))
	}
	if err := p.q.Ack(ctx, d); err != nil {
		p.log.Error("ack after failure errored", obs.String("job_id", jobID), obs.Err(err))
	}
	obs.JobsFailed.Inc()
	p.collector.RecordFailure()
}

// jitteredBackoff draws a delay in [0, base*2^attempts], capped.
func jitteredBackoff(attempts int, base, max time.Duration) time.Duration {
	ceil := base << uint(attempts)
	if ceil > max || ceil <= 0 {
		ceil = max
	}
	return time.Duration(rand.Int63n(int64(ceil) + 1))
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if e, ok := v.(error); ok {
		return e.Error()
	}
	b, _ := json.Marshal(v)
	return string(b)
}
