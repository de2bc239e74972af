package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/piyushgit011/image-process/internal/blobstore"
	"github.com/piyushgit011/image-process/internal/config"
	"github.com/piyushgit011/image-process/internal/gate"
	"github.com/piyushgit011/image-process/internal/metastore"
	"github.com/piyushgit011/image-process/internal/model"
	"github.com/piyushgit011/image-process/internal/queue"
	"github.com/piyushgit011/image-process/internal/stats"
)

type stubDetector struct{ dets []model.Detection }

func (s *stubDetector) Detect(ctx context.Context, img []byte) ([]model.Detection, error) {
	return s.dets, nil
}

func (s *stubDetector) Version() string { return "stub" }

type fixture struct {
	server *Server
	mock   sqlmock.Sqlmock
}

func setupServer(t *testing.T, vehicle model.Detector) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	meta := metastore.NewWithDB(sqlx.NewDb(db, "sqlmock"))

	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	log := zap.NewNop()
	models := model.NewManager(
		func() (model.Detector, error) { return vehicle, nil },
		func() (model.Detector, error) { return &stubDetector{}, nil },
		cfg.Models.CarConfidenceThreshold, cfg.Models.FaceConfidenceThreshold, log,
	)
	blobs := blobstore.NewMemory()
	q := queue.New(rdb, cfg.Queue.Name, cfg.Queue.MaxSize, cfg.Queue.VisibilityTimeout, log)
	g := gate.New(cfg, models, blobs, meta, q, log)
	collector := stats.NewCollector()
	agg := stats.NewAggregator(collector, meta, func() int { return 2 }, q.Depth)
	srv := New(g, meta, models, agg, q.Depth, func() int { return 2 }, nil, log)
	return &fixture{server: srv, mock: mock}
}

func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatal(err)
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

func TestSubmitAccepted(t *testing.T) {
	f := setupServer(t, &stubDetector{dets: []model.Detection{{Class: "car", Confidence: 0.9}}})
	f.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processed_images")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body, ct := multipartBody(t, "image", "car.jpg", "image/jpeg", []byte("jpegbytes"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/images", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var d gate.Decision
	if err := json.Unmarshal(rr.Body.Bytes(), &d); err != nil {
		t.Fatal(err)
	}
	if !d.Accepted || d.JobID == "" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestSubmitNoVehicle(t *testing.T) {
	f := setupServer(t, &stubDetector{})
	body, ct := multipartBody(t, "image", "landscape.jpg", "image/jpeg", []byte("jpegbytes"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/images", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var d gate.Decision
	_ = json.Unmarshal(rr.Body.Bytes(), &d)
	if d.Reason != gate.ReasonNoVehicle {
		t.Fatalf("reason %q", d.Reason)
	}
}

func TestSubmitMissingFile(t *testing.T) {
	f := setupServer(t, &stubDetector{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/images", bytes.NewReader(nil))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	rr := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rr.Code)
	}
}

func recordColumns() []string {
	return []string{
		"id", "job_id", "original_filename", "content_type",
		"blob_original_url", "blob_processed_url",
		"is_vehicle_detected", "is_face_detected", "is_face_blurred",
		"file_size_original", "file_size_processed", "processing_time_seconds",
		"vehicle_detection_data", "face_detection_data", "failure_reason",
		"status", "created_at", "processed_at",
	}
}

func TestStatusCompleted(t *testing.T) {
	f := setupServer(t, &stubDetector{})
	now := time.Now().UTC()
	rows := sqlmock.NewRows(recordColumns()).AddRow(
		"id-1", "job-1", "car.jpg", "image/jpeg",
		"https://o", "https://p",
		true, true, true,
		int64(1024), int64(900), 1.5,
		[]byte(`{"vehicle_detected":true}`), []byte(`{"face_count":1}`), nil,
		string(metastore.StatusCompleted), now, now,
	)
	f.mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM processed_images WHERE job_id = $1")).
		WithArgs("job-1").WillReturnRows(rows)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/images/job-1", nil)
	rr := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var resp statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != metastore.StatusCompleted || resp.ProcessedURL != "https://p" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.BlurMetadata == nil {
		t.Fatal("blur metadata missing on completed job")
	}
}

func TestStatusFailedHidesProcessedURL(t *testing.T) {
	f := setupServer(t, &stubDetector{})
	rows := sqlmock.NewRows(recordColumns()).AddRow(
		"id-1", "job-2", "car.jpg", "image/jpeg",
		"https://o", "https://p",
		true, false, false,
		int64(1024), nil, 0.4,
		[]byte(`{}`), nil, "decode",
		string(metastore.StatusFailed), time.Now().UTC(), nil,
	)
	f.mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM processed_images WHERE job_id = $1")).
		WithArgs("job-2").WillReturnRows(rows)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/images/job-2", nil)
	rr := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rr, req)
	var resp statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != metastore.StatusFailed || resp.FailureReason != "decode" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.ProcessedURL != "" {
		t.Fatal("failed job must not expose a processed url")
	}
}

func TestStatusNotFound(t *testing.T) {
	f := setupServer(t, &stubDetector{})
	f.mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM processed_images WHERE job_id = $1")).
		WithArgs("nope").WillReturnError(sql.ErrNoRows)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/images/nope", nil)
	rr := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestQueryLimitValidation(t *testing.T) {
	f := setupServer(t, &stubDetector{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/images?limit=0", nil)
	rr := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	f := setupServer(t, &stubDetector{})
	rows := sqlmock.NewRows([]string{"total", "vehicles_detected", "faces_detected", "faces_blurred", "avg_processing_seconds"}).
		AddRow(int64(5), int64(5), int64(2), int64(2), 0.9)
	f.mock.ExpectQuery("SELECT").WillReturnRows(rows)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rr := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var snap stats.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.ActiveWorkers != 2 || snap.Durable == nil || snap.Durable.Total != 5 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestQueueStatusAndHealth(t *testing.T) {
	f := setupServer(t, &stubDetector{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil)
	rr := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("queue status %d", rr.Code)
	}
	var qs map[string]interface{}
	_ = json.Unmarshal(rr.Body.Bytes(), &qs)
	if qs["active_workers"].(float64) != 2 {
		t.Fatalf("unexpected queue payload: %v", qs)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rr = httptest.NewRecorder()
	f.server.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("health status %d", rr.Code)
	}
}
