// Copyright 2025 Piyush Sharma
package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"

	"github.com/piyushgit011/image-process/internal/config"
)

var (
	// ErrDuplicate is a job_id collision on Insert.
	ErrDuplicate = errors.New("metastore: duplicate job_id")
	// ErrNotFound is returned when no row matches a job_id.
	ErrNotFound = errors.New("metastore: record not found")
	// ErrUnavailable wraps transport failures against the database.
	ErrUnavailable = errors.New("metastore: unavailable")
)

const schema = `
CREATE TABLE IF NOT EXISTS processed_images (
	id                      UUID PRIMARY KEY,
	job_id                  UUID NOT NULL,
	original_filename       TEXT NOT NULL,
	content_type            TEXT NOT NULL,
	blob_original_url       TEXT,
	blob_processed_url      TEXT,
	is_vehicle_detected     BOOLEAN NOT NULL DEFAULT FALSE,
	is_face_detected        BOOLEAN NOT NULL DEFAULT FALSE,
	is_face_blurred         BOOLEAN NOT NULL DEFAULT FALSE,
	file_size_original      BIGINT NOT NULL DEFAULT 0,
	file_size_processed     BIGINT,
	processing_time_seconds DOUBLE PRECISION,
	vehicle_detection_data  JSONB,
	face_detection_data     JSONB,
	failure_reason          TEXT,
	status                  TEXT NOT NULL,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at            TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_processed_images_job_id ON processed_images (job_id);
CREATE INDEX IF NOT EXISTS idx_processed_images_created_at ON processed_images (created_at);
CREATE INDEX IF NOT EXISTS idx_processed_images_vehicle ON processed_images (is_vehicle_detected);
CREATE INDEX IF NOT EXISTS idx_processed_images_face ON processed_images (is_face_detected);
CREATE INDEX IF NOT EXISTS idx_processed_images_blurred ON processed_images (is_face_blurred);
`

// Store is the relational adapter over the processed_images table.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres with a bounded pool per the config.
func Open(cfg config.Metadata) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, used by tests.
func NewWithDB(db *sqlx.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return nil
}

// Migrate applies the embedded schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
	}
	return nil
}

// Insert writes the admission-time row. A job_id collision returns
// ErrDuplicate distinctly.
func (s *Store) Insert(ctx context.Context, r *Record) error {
	const q = `
INSERT INTO processed_images (
	id, job_id, original_filename, content_type, blob_original_url,
	is_vehicle_detected, is_face_detected, is_face_blurred,
	file_size_original, vehicle_detection_data, status, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.db.ExecContext(ctx, q,
		r.ID, r.JobID, r.OriginalFilename, r.ContentType, r.BlobOriginalURL,
		r.IsVehicleDetected, r.IsFaceDetected, r.IsFaceBlurred,
		r.FileSizeOriginal, r.VehicleDetectionData, r.Status, r.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicate, r.JobID)
		}
		return fmt.Errorf("%w: insert: %v", ErrUnavailable, err)
	}
	return nil
}

// MarkProcessing records that a worker picked the job up. Best-effort:
// terminal rows are left alone.
func (s *Store) MarkProcessing(ctx context.Context, jobID string) error {
	const q = `
UPDATE processed_images SET status = $2
WHERE job_id = $1 AND status = $3`
	if _, err := s.db.ExecContext(ctx, q, jobID, StatusProcessing, StatusSubmitted); err != nil {
		return fmt.Errorf("%w: mark processing: %v", ErrUnavailable, err)
	}
	return nil
}

// UpdateOnCompletion finalizes a successful job in one atomic update.
// Rows already completed or failed are untouched, so duplicate
// deliveries are no-ops and a completed row never regresses.
func (s *Store) UpdateOnCompletion(ctx context.Context, jobID, processedURL string, processedSize int64, faceCount int, faceMeta []byte, duration float64) error {
	const q = `
UPDATE processed_images SET
	blob_processed_url = $2,
	file_size_processed = $3,
	is_face_detected = $4,
	is_face_blurred = $4,
	face_detection_data = $5,
	processing_time_seconds = $6,
	status = $7,
	processed_at = NOW()
WHERE job_id = $1 AND status IN ($8, $9)`
	_, err := s.db.ExecContext(ctx, q,
		jobID, processedURL, processedSize, faceCount > 0, types.JSONText(faceMeta), duration,
		StatusCompleted, StatusSubmitted, StatusProcessing)
	if err != nil {
		return fmt.Errorf("%w: update on completion: %v", ErrUnavailable, err)
	}
	return nil
}

// MarkFailed records a terminal failure with its reason kind.
func (s *Store) MarkFailed(ctx context.Context, jobID, reason string, duration float64) error {
	const q = `
UPDATE processed_images SET
	failure_reason = $2,
	processing_time_seconds = $3,
	status = $4
WHERE job_id = $1 AND status IN ($5, $6)`
	if _, err := s.db.ExecContext(ctx, q, jobID, reason, duration, StatusFailed, StatusSubmitted, StatusProcessing); err != nil {
		return fmt.Errorf("%w: mark failed: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Store) GetByJobID(ctx context.Context, jobID string) (*Record, error) {
	var r Record
	err := s.db.GetContext(ctx, &r, `SELECT * FROM processed_images WHERE job_id = $1`, jobID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}
	return &r, nil
}

// Query returns rows matching the flag filters, newest first.
func (s *Store) Query(ctx context.Context, f QueryFilter, limit int) ([]Record, error) {
	var conds []string
	var args []interface{}
	add := func(col string, v *bool) {
		if v != nil {
			args = append(args, *v)
			conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}
	add("is_vehicle_detected", f.IsVehicleDetected)
	add("is_face_detected", f.IsFaceDetected)
	add("is_face_blurred", f.IsFaceBlurred)

	q := `SELECT * FROM processed_images`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	var rows []Record
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrUnavailable, err)
	}
	return rows, nil
}

// Aggregate computes the durable summary server-side.
func (s *Store) Aggregate(ctx context.Context) (*Stats, error) {
	const q = `
SELECT
	COUNT(*) AS total,
	COUNT(*) FILTER (WHERE is_vehicle_detected) AS vehicles_detected,
	COUNT(*) FILTER (WHERE is_face_detected) AS faces_detected,
	COUNT(*) FILTER (WHERE is_face_blurred) AS faces_blurred,
	COALESCE(AVG(processing_time_seconds), 0) AS avg_processing_seconds
FROM processed_images`
	var st Stats
	if err := s.db.GetContext(ctx, &st, q); err != nil {
		return nil, fmt.Errorf("%w: aggregate: %v", ErrUnavailable, err)
	}
	return &st, nil
}
