// Copyright 2025 Piyush Sharma
package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/piyushgit011/image-process/internal/obs"
)

var (
	// ErrDecode marks bytes that do not parse as an image. Fatal for the job.
	ErrDecode = errors.New("model: image decode failed")
	// ErrModel marks structurally invalid detector output. Fatal for the job.
	ErrModel = errors.New("model: invalid detector output")
	// ErrUnavailable wraps transient inference transport failures.
	ErrUnavailable = errors.New("model: inference unavailable")
)

// vehicleClasses are the detector classes that pass the admission gate.
var vehicleClasses = map[string]bool{
	"car":        true,
	"bus":        true,
	"truck":      true,
	"motorcycle": true,
}

// Box is a pixel-space bounding box.
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Detection is one detector hit.
type Detection struct {
	Class      string  `json:"class"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Detector runs one model over raw image bytes.
type Detector interface {
	Detect(ctx context.Context, img []byte) ([]Detection, error)
	Version() string
}

// Loader constructs a detector on first use.
type Loader func() (Detector, error)

// VehicleMeta is the persisted outcome of the vehicle pre-check.
type VehicleMeta struct {
	Boxes           []Box     `json:"boxes"`
	Confidences     []float64 `json:"confidences"`
	ClassIDs        []int     `json:"class_ids"`
	DetectionCount  int       `json:"detection_count"`
	VehicleDetected bool      `json:"vehicle_detected"`
}

// FaceMeta is the persisted outcome of the face pass.
type FaceMeta struct {
	FaceCount   int       `json:"face_count"`
	Boxes       []Box     `json:"boxes"`
	Confidences []float64 `json:"confidences"`
}

// Manager holds the two model functions. Both the admission gate and the
// workers call the same surface, so detection semantics cannot drift
// between them. Models load lazily on first demand and are reused; the
// mutex guards loading only, and Detect calls are not serialized.
type Manager struct {
	mu          sync.Mutex
	vehicle     Detector
	face        Detector
	loadVehicle Loader
	loadFace    Loader

	carThreshold  float64
	faceThreshold float64
	log           *zap.Logger
}

func NewManager(loadVehicle, loadFace Loader, carThreshold, faceThreshold float64, log *zap.Logger) *Manager {
	return &Manager{
		loadVehicle:   loadVehicle,
		loadFace:      loadFace,
		carThreshold:  carThreshold,
		faceThreshold: faceThreshold,
		log:           log,
	}
}

// detectors loads both models on first call, under the mutex, and hands
// back the shared instances.
func (m *Manager) detectors() (Detector, Detector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vehicle == nil {
		d, err := m.loadVehicle()
		if err != nil {
			return nil, nil, fmt.Errorf("load vehicle model: %w", err)
		}
		m.vehicle = d
		m.log.Info("vehicle model loaded", obs.String("version", d.Version()))
	}
	if m.face == nil {
		d, err := m.loadFace()
		if err != nil {
			return nil, nil, fmt.Errorf("load face model: %w", err)
		}
		m.face = d
		m.log.Info("face model loaded", obs.String("version", d.Version()))
	}
	return m.vehicle, m.face, nil
}

// DetectVehicles reports whether any detection with class in
// {car, bus, truck, motorcycle} clears the confidence threshold.
func (m *Manager) DetectVehicles(ctx context.Context, img []byte) (bool, VehicleMeta, error) {
	vehicle, _, err := m.detectors()
	if err != nil {
		return false, VehicleMeta{}, err
	}
	dets, err := vehicle.Detect(ctx, img)
	if err != nil {
		return false, VehicleMeta{}, err
	}
	meta := VehicleMeta{}
	for _, d := range dets {
		if !vehicleClasses[d.Class] || d.Confidence < m.carThreshold {
			continue
		}
		meta.Boxes = append(meta.Boxes, d.Box)
		meta.Confidences = append(meta.Confidences, d.Confidence)
		meta.ClassIDs = append(meta.ClassIDs, d.ClassID)
		meta.DetectionCount++
	}
	meta.VehicleDetected = meta.DetectionCount > 0
	return meta.VehicleDetected, meta, nil
}

// DetectAndBlurFaces runs the face model, blurs each region above the
// threshold and re-encodes in the original container format. With zero
// faces the image is re-encoded unchanged.
func (m *Manager) DetectAndBlurFaces(ctx context.Context, img []byte) ([]byte, FaceMeta, error) {
	_, face, err := m.detectors()
	if err != nil {
		return nil, FaceMeta{}, err
	}
	dets, err := face.Detect(ctx, img)
	if err != nil {
		return nil, FaceMeta{}, err
	}
	meta := FaceMeta{}
	var boxes []Box
	for _, d := range dets {
		if d.Confidence < m.faceThreshold {
			continue
		}
		if d.Box.X2 <= d.Box.X1 || d.Box.Y2 <= d.Box.Y1 {
			return nil, FaceMeta{}, fmt.Errorf("%w: degenerate box %+v", ErrModel, d.Box)
		}
		boxes = append(boxes, d.Box)
		meta.Boxes = append(meta.Boxes, d.Box)
		meta.Confidences = append(meta.Confidences, d.Confidence)
		meta.FaceCount++
	}
	out, err := blurRegions(img, boxes)
	if err != nil {
		return nil, FaceMeta{}, err
	}
	return out, meta, nil
}

// Versions reports the loaded model versions for status payloads. Models
// that have not loaded yet report as empty.
func (m *Manager) Versions() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := map[string]string{}
	if m.vehicle != nil {
		v["vehicle"] = m.vehicle.Version()
	}
	if m.face != nil {
		v["face"] = m.face.Version()
	}
	return v
}
