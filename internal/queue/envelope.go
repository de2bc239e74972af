package queue

import (
	"encoding/json"
	"time"
)

// PayloadRef locates a job's image bytes: small payloads ride inline in
// the envelope, larger ones reference a blob-store key.
type PayloadRef struct {
	Inline []byte `json:"inline,omitempty"`
	Key    string `json:"key,omitempty"`
}

func InlinePayload(b []byte) PayloadRef   { return PayloadRef{Inline: b} }
func StagedPayload(key string) PayloadRef { return PayloadRef{Key: key} }

// IsInline reports whether the payload travels inside the envelope.
func (p PayloadRef) IsInline() bool { return p.Key == "" }

// Envelope is the unit carried by the queue. UploadTS is fixed at
// admission and reused across retries so blob keys stay idempotent.
type Envelope struct {
	JobID            string     `json:"job_id"`
	OriginalFilename string     `json:"original_filename"`
	ContentType      string     `json:"content_type"`
	Payload          PayloadRef `json:"payload"`
	UploadTS         int64      `json:"upload_ts"`
	EnqueuedAt       string     `json:"enqueued_at"`
	Attempts         int        `json:"attempts"`
	TraceID          string     `json:"trace_id"`
}

func NewEnvelope(jobID, filename, contentType string, payload PayloadRef, uploadTS int64, traceID string) Envelope {
	return Envelope{
		JobID:            jobID,
		OriginalFilename: filename,
		ContentType:      contentType,
		Payload:          payload,
		UploadTS:         uploadTS,
		EnqueuedAt:       time.Now().UTC().Format(time.RFC3339Nano),
		Attempts:         0,
		TraceID:          traceID,
	}
}

func (e Envelope) Marshal() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalEnvelope(s string) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal([]byte(s), &e)
	return e, err
}
