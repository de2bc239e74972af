// Copyright 2025 Piyush Sharma
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/piyushgit011/image-process/internal/gate"
	"github.com/piyushgit011/image-process/internal/metastore"
	"github.com/piyushgit011/image-process/internal/model"
	"github.com/piyushgit011/image-process/internal/obs"
	"github.com/piyushgit011/image-process/internal/stats"
)

const maxMultipartMemory = 32 << 20

// Server is the ingestion-facing HTTP surface: submission, status,
// query, stats and health.
type Server struct {
	gate       *gate.Gate
	meta       *metastore.Store
	models     *model.Manager
	aggregator *stats.Aggregator
	queueDepth func(context.Context) (int64, error)
	workers    func() int
	readiness  func(context.Context) error
	log        *zap.Logger
}

func New(g *gate.Gate, meta *metastore.Store, models *model.Manager, agg *stats.Aggregator, queueDepth func(context.Context) (int64, error), workers func() int, readiness func(context.Context) error, log *zap.Logger) *Server {
	return &Server{gate: g, meta: meta, models: models, aggregator: agg, queueDepth: queueDepth, workers: workers, readiness: readiness, log: log}
}

// Router wires the versioned routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/images", s.handleSubmit).Methods(http.MethodPost)
	v1.HandleFunc("/images/batch", s.handleSubmitBatch).Methods(http.MethodPost)
	v1.HandleFunc("/images/{job_id}", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/images", s.handleQuery).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/queue", s.handleQueueStatus).Methods(http.MethodGet)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Start serves the router on the given port.
func (s *Server) Start(port int) *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server error", obs.Err(err))
		}
	}()
	return srv
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	f, err := readUpload(r, "image")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d := s.gate.Submit(r.Context(), f.Bytes, f.Filename, f.ContentType)
	writeJSON(w, statusForDecision(d), d)
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	fhs := r.MultipartForm.File["images"]
	if len(fhs) == 0 {
		writeError(w, http.StatusBadRequest, "no images provided")
		return
	}
	var files []gate.File
	for _, fh := range fhs {
		src, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable file "+fh.Filename)
			return
		}
		data, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable file "+fh.Filename)
			return
		}
		files = append(files, gate.File{
			Bytes:       data,
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
		})
	}
	res := s.gate.SubmitBatch(r.Context(), files)
	writeJSON(w, http.StatusAccepted, res)
}

type statusResponse struct {
	JobID                 string            `json:"job_id"`
	Status                metastore.Status  `json:"status"`
	CreatedAt             time.Time         `json:"created_at"`
	ProcessedAt           *time.Time        `json:"processed_at,omitempty"`
	OriginalURL           string            `json:"original_url,omitempty"`
	ProcessedURL          string            `json:"processed_url,omitempty"`
	IsVehicleDetected     bool              `json:"is_vehicle_detected"`
	IsFaceDetected        bool              `json:"is_face_detected"`
	IsFaceBlurred         bool              `json:"is_face_blurred"`
	BlurMetadata          json.RawMessage   `json:"blur_metadata,omitempty"`
	DetectionMetadata     json.RawMessage   `json:"detection_metadata,omitempty"`
	ProcessingTimeSeconds *float64          `json:"processing_time_seconds,omitempty"`
	FailureReason         string            `json:"failure_reason,omitempty"`
	ModelVersions         map[string]string `json:"model_versions,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	rec, err := s.meta.GetByJobID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown job_id")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "metadata store unavailable")
		return
	}
	resp := statusResponse{
		JobID:             rec.JobID,
		Status:            rec.Status,
		CreatedAt:         rec.CreatedAt,
		IsVehicleDetected: rec.IsVehicleDetected,
		IsFaceDetected:    rec.IsFaceDetected,
		IsFaceBlurred:     rec.IsFaceBlurred,
	}
	if rec.ProcessedAt.Valid {
		t := rec.ProcessedAt.Time
		resp.ProcessedAt = &t
	}
	if rec.BlobOriginalURL.Valid {
		resp.OriginalURL = rec.BlobOriginalURL.String
	}
	if rec.ProcessingTimeSeconds.Valid {
		v := rec.ProcessingTimeSeconds.Float64
		resp.ProcessingTimeSeconds = &v
	}
	if len(rec.VehicleDetectionData) > 0 {
		resp.DetectionMetadata = json.RawMessage(rec.VehicleDetectionData)
	}
	switch rec.Status {
	case metastore.StatusCompleted:
		if rec.BlobProcessedURL.Valid {
			resp.ProcessedURL = rec.BlobProcessedURL.String
		}
		if len(rec.FaceDetectionData) > 0 {
			resp.BlurMetadata = json.RawMessage(rec.FaceDetectionData)
		}
		resp.ModelVersions = s.models.Versions()
	case metastore.StatusFailed:
		// No processed artifact for failed jobs, just the reason kind.
		if rec.FailureReason.Valid {
			resp.FailureReason = rec.FailureReason.String
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f metastore.QueryFilter
	if v, err := parseBoolParam(q.Get("vehicle")); err == nil {
		f.IsVehicleDetected = v
	}
	if v, err := parseBoolParam(q.Get("face")); err == nil {
		f.IsFaceDetected = v
	}
	if v, err := parseBoolParam(q.Get("blurred")); err == nil {
		f.IsFaceBlurred = v
	}
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}
	rows, err := s.meta.Query(r.Context(), f, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "metadata store unavailable")
		return
	}
	out := make([]statusResponse, 0, len(rows))
	for i := range rows {
		rec := rows[i]
		item := statusResponse{
			JobID:             rec.JobID,
			Status:            rec.Status,
			CreatedAt:         rec.CreatedAt,
			IsVehicleDetected: rec.IsVehicleDetected,
			IsFaceDetected:    rec.IsFaceDetected,
			IsFaceBlurred:     rec.IsFaceBlurred,
		}
		if rec.BlobOriginalURL.Valid {
			item.OriginalURL = rec.BlobOriginalURL.String
		}
		if rec.BlobProcessedURL.Valid && rec.Status == metastore.StatusCompleted {
			item.ProcessedURL = rec.BlobProcessedURL.String
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": out, "count": len(out)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.aggregator.Snapshot(r.Context()))
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	depth := int64(-1)
	if s.queueDepth != nil {
		if n, err := s.queueDepth(r.Context()); err == nil {
			depth = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"depth":          depth,
		"active_workers": s.workers(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.readiness != nil {
		if err := s.readiness(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type upload struct {
	Bytes       []byte
	Filename    string
	ContentType string
}

func readUpload(r *http.Request, field string) (*upload, error) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return nil, errors.New("invalid multipart form")
	}
	src, fh, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("missing %q file field", field)
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, errors.New("unreadable upload")
	}
	return &upload{Bytes: data, Filename: fh.Filename, ContentType: fh.Header.Get("Content-Type")}, nil
}

// statusForDecision maps admission outcomes to HTTP codes: accepted is
// 202, business rejections are 422, infrastructure rejections are 503.
func statusForDecision(d gate.Decision) int {
	if d.Accepted {
		return http.StatusAccepted
	}
	switch d.Reason {
	case gate.ReasonQueueUnavailable, gate.ReasonStorageUnavailable, gate.ReasonMetadataUnavailable:
		return http.StatusServiceUnavailable
	case gate.ReasonInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func parseBoolParam(raw string) (*bool, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
