// Copyright 2025 Piyush Sharma
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPDetector calls an inference sidecar that accepts raw image bytes
// and answers with detections. Both models ship behind the same wire
// contract, so one client type serves them both.
type HTTPDetector struct {
	name     string
	endpoint string
	client   *http.Client
	version  string
}

type inferenceResponse struct {
	ModelVersion string      `json:"model_version"`
	Detections   []Detection `json:"detections"`
}

func NewHTTPDetector(name, endpoint string, timeout time.Duration) *HTTPDetector {
	return &HTTPDetector{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		version:  "unknown",
	}
}

// HTTPLoader returns a Loader that builds an HTTPDetector for endpoint.
// Only an empty endpoint fails at load time; the sidecar itself is not
// contacted until the first Detect call.
func HTTPLoader(name, endpoint string, timeout time.Duration) Loader {
	return func() (Detector, error) {
		if endpoint == "" {
			return nil, fmt.Errorf("%s model endpoint not configured", name)
		}
		return NewHTTPDetector(name, endpoint, timeout), nil
	}
}

func (d *HTTPDetector) Detect(ctx context.Context, img []byte) ([]Detection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, d.name, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, d.name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read body: %v", ErrUnavailable, d.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrUnavailable, d.name, resp.StatusCode)
	}

	var out inferenceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModel, d.name, err)
	}
	if out.ModelVersion != "" {
		d.version = out.ModelVersion
	}
	return out.Detections, nil
}

func (d *HTTPDetector) Version() string { return d.version }
