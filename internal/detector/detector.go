// Package detector wraps an object detection engine behind a small, ranked API.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"sort"

	"github.com/samber/lo"
)

// Box is an axis-aligned bounding box in pixel coordinates.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detection is one detected object. Box is nil when the engine reports none.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        *Box    `json:"box,omitempty"`
}

// Engine runs inference on a decoded image. Implementations may return
// detections in any order.
type Engine interface {
	Detect(ctx context.Context, img *image.NRGBA, confidence float64) ([]Detection, error)
	Close() error
}

// ErrModelUnavailable is matched by errors returned when the engine failed to
// initialize at startup.
var ErrModelUnavailable = errors.New("model unavailable")

// UnavailableError carries the initialization failure captured at boot.
type UnavailableError struct {
	ModelPath string
	Err       error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("model not loaded from '%s'. Error: %v", e.ModelPath, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrModelUnavailable }

// Adapter is the Inference Adapter: it owns the engine handle and the error
// captured while loading it. Initialization is never retried.
type Adapter struct {
	modelPath string
	engine    Engine
	loadErr   error
}

// NewAdapter wraps engine. A non-nil loadErr (or nil engine) makes every Detect
// call fail with ErrModelUnavailable.
func NewAdapter(modelPath string, engine Engine, loadErr error) *Adapter {
	if engine == nil && loadErr == nil {
		loadErr = errors.New("no detection engine configured")
	}
	return &Adapter{modelPath: modelPath, engine: engine, loadErr: loadErr}
}

// Ready reports whether the engine loaded successfully.
func (a *Adapter) Ready() bool {
	return a.loadErr == nil
}

// LoadError returns the captured initialization error, or nil.
func (a *Adapter) LoadError() error {
	if a.loadErr == nil {
		return nil
	}
	return &UnavailableError{ModelPath: a.modelPath, Err: a.loadErr}
}

// ModelPath returns the configured model path.
func (a *Adapter) ModelPath() string {
	return a.modelPath
}

// ModelName returns the base name of the model path.
func (a *Adapter) ModelName() string {
	return filepath.Base(a.modelPath)
}

// Detect runs the engine with a confidence threshold clamped to [0,1] and
// returns detections sorted by confidence, highest first.
func (a *Adapter) Detect(ctx context.Context, img *image.NRGBA, confidence float64) ([]Detection, error) {
	if err := a.LoadError(); err != nil {
		return nil, err
	}
	detections, err := a.engine.Detect(ctx, img, ClampConfidence(confidence))
	if err != nil {
		return nil, err
	}
	return Rank(detections), nil
}

// Close releases the engine.
func (a *Adapter) Close() error {
	if a.engine == nil {
		return nil
	}
	return a.engine.Close()
}

// Rank returns a copy of detections sorted by confidence descending. Equal
// confidences keep engine order.
func Rank(detections []Detection) []Detection {
	ranked := make([]Detection, len(detections))
	copy(ranked, detections)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})
	return ranked
}

// Top returns the first detection of a ranked slice, or nil.
func Top(ranked []Detection) *Detection {
	if len(ranked) == 0 {
		return nil
	}
	top := ranked[0]
	return &top
}

// ClampConfidence limits x to [0,1].
func ClampConfidence(x float64) float64 {
	return lo.Clamp(x, 0, 1)
}
