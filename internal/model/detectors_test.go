package model

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPDetectorParsesDetections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model_version": "yolov8n-2024.1",
			"detections": [
				{"class": "car", "class_id": 2, "confidence": 0.91, "box": {"x1": 10, "y1": 20, "x2": 110, "y2": 90}}
			]
		}`))
	}))
	defer srv.Close()

	d := NewHTTPDetector("vehicle", srv.URL, time.Second)
	dets, err := d.Detect(context.Background(), []byte("img"))
	if err != nil {
		t.Fatal(err)
	}
	if len(dets) != 1 || dets[0].Class != "car" || dets[0].Box.X2 != 110 {
		t.Fatalf("unexpected detections: %+v", dets)
	}
	if d.Version() != "yolov8n-2024.1" {
		t.Fatalf("version not captured: %s", d.Version())
	}
}

func TestHTTPDetectorServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewHTTPDetector("face", srv.URL, time.Second)
	_, err := d.Detect(context.Background(), []byte("img"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestHTTPDetectorMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not-json"))
	}))
	defer srv.Close()

	d := NewHTTPDetector("face", srv.URL, time.Second)
	_, err := d.Detect(context.Background(), []byte("img"))
	if !errors.Is(err, ErrModel) {
		t.Fatalf("expected ErrModel, got %v", err)
	}
}

func TestHTTPLoaderRequiresEndpoint(t *testing.T) {
	if _, err := HTTPLoader("vehicle", "", time.Second)(); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}
