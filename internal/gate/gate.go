// Copyright 2025 Piyush Sharma
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/piyushgit011/image-process/internal/blobstore"
	"github.com/piyushgit011/image-process/internal/config"
	"github.com/piyushgit011/image-process/internal/metastore"
	"github.com/piyushgit011/image-process/internal/model"
	"github.com/piyushgit011/image-process/internal/obs"
	"github.com/piyushgit011/image-process/internal/queue"
)

// Rejection reasons surfaced to the caller.
const (
	ReasonNoVehicle           = "no-vehicle"
	ReasonStorageUnavailable  = "storage-unavailable"
	ReasonQueueUnavailable    = "queue-unavailable"
	ReasonMetadataUnavailable = "metadata-unavailable"
	ReasonEmptyPayload        = "empty-payload"
	ReasonUnsupportedMedia    = "unsupported-media-type"
	ReasonPayloadTooLarge     = "payload-too-large"
	ReasonInternal            = "internal"
)

// Decision is the synchronous outcome of a submission.
type Decision struct {
	JobID    string `json:"job_id,omitempty"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// File is one entry of a batch submission.
type File struct {
	Bytes       []byte
	Filename    string
	ContentType string
}

// BatchResult lists accepted job ids, the number of skipped files, and
// every file's Decision in submission order.
type BatchResult struct {
	Accepted []string   `json:"accepted"`
	Skipped  int        `json:"skipped"`
	Results  []Decision `json:"results"`
}

// Gate is the synchronous admission check: only submissions with a
// detected vehicle become jobs. On acceptance exactly one durable row
// and exactly one envelope exist for the minted job_id.
type Gate struct {
	cfg    *config.Config
	models *model.Manager
	blobs  blobstore.Store
	meta   *metastore.Store
	q      *queue.Queue
	log    *zap.Logger
}

func New(cfg *config.Config, models *model.Manager, blobs blobstore.Store, meta *metastore.Store, q *queue.Queue, log *zap.Logger) *Gate {
	return &Gate{cfg: cfg, models: models, blobs: blobs, meta: meta, q: q, log: log}
}

// Submit runs the admission pipeline: validate, vehicle pre-check, store
// the original, insert the row, enqueue the envelope.
func (g *Gate) Submit(ctx context.Context, data []byte, filename, contentType string) Decision {
	if reason := g.validate(data, contentType); reason != "" {
		obs.JobsRejected.WithLabelValues(reason).Inc()
		return Decision{Accepted: false, Reason: reason}
	}

	jobID := uuid.NewString()
	uploadTS := time.Now().Unix()

	detected, vehicleMeta, err := g.models.DetectVehicles(ctx, data)
	if err != nil {
		g.log.Error("vehicle pre-check failed", obs.String("job_id", jobID), obs.Err(err))
		obs.JobsRejected.WithLabelValues(ReasonInternal).Inc()
		return Decision{Accepted: false, Reason: ReasonInternal}
	}
	if !detected {
		obs.VehicleDetections.WithLabelValues("negative").Inc()
		obs.JobsRejected.WithLabelValues(ReasonNoVehicle).Inc()
		return Decision{Accepted: false, Reason: ReasonNoVehicle}
	}
	obs.VehicleDetections.WithLabelValues("positive").Inc()

	// Fast-fail on a full queue before any durable side effect.
	if depth, err := g.q.Depth(ctx); err == nil && depth >= g.cfg.Queue.MaxSize {
		obs.JobsRejected.WithLabelValues(ReasonQueueUnavailable).Inc()
		return Decision{Accepted: false, Reason: ReasonQueueUnavailable}
	}

	originalKey := blobstore.OriginalKey(jobID, uploadTS, contentType)
	originalURL, err := g.blobs.Put(ctx, originalKey, data, contentType)
	if err != nil {
		g.log.Error("original upload failed", obs.String("job_id", jobID), obs.Err(err))
		obs.JobsRejected.WithLabelValues(ReasonStorageUnavailable).Inc()
		return Decision{Accepted: false, Reason: ReasonStorageUnavailable}
	}

	vehicleJSON, _ := json.Marshal(vehicleMeta)
	rec := &metastore.Record{
		ID:                metastore.NewRecordID(),
		JobID:             jobID,
		OriginalFilename:  filename,
		ContentType:       contentType,
		IsVehicleDetected: true,
		FileSizeOriginal:  int64(len(data)),
		Status:            metastore.StatusSubmitted,
		CreatedAt:         time.Now().UTC(),
	}
	rec.BlobOriginalURL.String = originalURL
	rec.BlobOriginalURL.Valid = true
	rec.VehicleDetectionData = types.JSONText(vehicleJSON)
	if err := g.meta.Insert(ctx, rec); err != nil {
		reason := ReasonMetadataUnavailable
		if errors.Is(err, metastore.ErrDuplicate) {
			reason = ReasonInternal
		}
		g.log.Error("job record insert failed", obs.String("job_id", jobID), obs.Err(err))
		obs.JobsRejected.WithLabelValues(reason).Inc()
		return Decision{Accepted: false, Reason: reason}
	}

	payload := queue.InlinePayload(data)
	if int64(len(data)) > g.cfg.Admission.InlinePayloadMaxBytes {
		// The original is already durable; the envelope references it
		// instead of carrying the bytes.
		payload = queue.StagedPayload(originalKey)
	}
	env := queue.NewEnvelope(jobID, filename, contentType, payload, uploadTS, uuid.NewString())
	if err := g.pushWithRetry(ctx, env); err != nil {
		g.log.Error("enqueue failed, marking job failed", obs.String("job_id", jobID), obs.Err(err))
		if mfErr := g.meta.MarkFailed(ctx, jobID, ReasonQueueUnavailable, 0); mfErr != nil {
			g.log.Error("mark failed after enqueue failure", obs.String("job_id", jobID), obs.Err(mfErr))
		}
		obs.JobsRejected.WithLabelValues(ReasonQueueUnavailable).Inc()
		return Decision{Accepted: false, Reason: ReasonQueueUnavailable}
	}

	obs.JobsAdmitted.Inc()
	g.log.Info("job admitted",
		obs.String("job_id", jobID),
		obs.String("filename", filename),
		obs.Int("size", len(data)),
		obs.Bool("inline", payload.IsInline()))
	return Decision{JobID: jobID, Accepted: true}
}

// SubmitBatch admits each file independently.
func (g *Gate) SubmitBatch(ctx context.Context, files []File) BatchResult {
	res := BatchResult{Accepted: []string{}}
	for _, f := range files {
		d := g.Submit(ctx, f.Bytes, f.Filename, f.ContentType)
		res.Results = append(res.Results, d)
		if d.Accepted {
			res.Accepted = append(res.Accepted, d.JobID)
		} else {
			res.Skipped++
		}
	}
	return res
}

func (g *Gate) validate(data []byte, contentType string) string {
	if len(data) == 0 {
		return ReasonEmptyPayload
	}
	if !strings.HasPrefix(contentType, "image/") {
		return ReasonUnsupportedMedia
	}
	if g.cfg.Admission.MaxPayloadBytes > 0 && int64(len(data)) > g.cfg.Admission.MaxPayloadBytes {
		return ReasonPayloadTooLarge
	}
	return ""
}

// pushWithRetry retries transient push failures in-band: base 100ms,
// doubling, capped at 5s, at most 5 tries. Backpressure is not retried.
func (g *Gate) pushWithRetry(ctx context.Context, env queue.Envelope) error {
	const (
		base     = 100 * time.Millisecond
		capDelay = 5 * time.Second
		maxTries = 5
	)
	var err error
	for attempt := 1; attempt <= maxTries; attempt++ {
		err = g.q.Push(ctx, env)
		if err == nil {
			return nil
		}
		if errors.Is(err, queue.ErrBackpressure) {
			return err
		}
		if attempt == maxTries {
			break
		}
		delay := base << uint(attempt-1)
		if delay > capDelay {
			delay = capDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
