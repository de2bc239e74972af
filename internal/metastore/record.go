package metastore

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// NewRecordID mints a surrogate row key.
func NewRecordID() string { return uuid.NewString() }

// Status is the per-job state machine position.
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// Record is one row of processed_images: the durable state of a job.
type Record struct {
	ID                    string          `db:"id"`
	JobID                 string          `db:"job_id"`
	OriginalFilename      string          `db:"original_filename"`
	ContentType           string          `db:"content_type"`
	BlobOriginalURL       sql.NullString  `db:"blob_original_url"`
	BlobProcessedURL      sql.NullString  `db:"blob_processed_url"`
	IsVehicleDetected     bool            `db:"is_vehicle_detected"`
	IsFaceDetected        bool            `db:"is_face_detected"`
	IsFaceBlurred         bool            `db:"is_face_blurred"`
	FileSizeOriginal      int64           `db:"file_size_original"`
	FileSizeProcessed     sql.NullInt64   `db:"file_size_processed"`
	ProcessingTimeSeconds sql.NullFloat64 `db:"processing_time_seconds"`
	VehicleDetectionData  types.JSONText  `db:"vehicle_detection_data"`
	FaceDetectionData     types.JSONText  `db:"face_detection_data"`
	FailureReason         sql.NullString  `db:"failure_reason"`
	Status                Status          `db:"status"`
	CreatedAt             time.Time       `db:"created_at"`
	ProcessedAt           sql.NullTime    `db:"processed_at"`
}

// Stats is the server-side aggregate over all rows.
type Stats struct {
	Total                int64   `db:"total"`
	VehiclesDetected     int64   `db:"vehicles_detected"`
	FacesDetected        int64   `db:"faces_detected"`
	FacesBlurred         int64   `db:"faces_blurred"`
	AvgProcessingSeconds float64 `db:"avg_processing_seconds"`
}

// QueryFilter selects rows by detection flags; nil fields match anything.
type QueryFilter struct {
	IsVehicleDetected *bool
	IsFaceDetected    *bool
	IsFaceBlurred     *bool
}
