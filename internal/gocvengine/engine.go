//go:build gocv

package gocvengine

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/example/ecosort-vision/internal/detector"
)

const (
	inputSize    = 640
	nmsThreshold = 0.45
)

// Engine runs a YOLOv8-style ONNX export whose output is [1, 4+classes, anchors].
type Engine struct {
	mu      sync.Mutex
	net     gocv.Net
	classes []string
	logger  *zap.Logger
}

// Load reads the network and class names. The returned error is meant to be
// captured once at boot.
func Load(modelPath, classesPath string, logger *zap.Logger) (detector.Engine, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	classes, err := ReadClasses(classesPath)
	if err != nil {
		return nil, err
	}

	net := gocv.ReadNet(modelPath, "")
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", modelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("set target: %w", err)
	}

	logger.Info("detection network initialized", zap.String("model", modelPath), zap.Int("classes", len(classes)))
	return &Engine{net: net, classes: classes, logger: logger.Named("gocv_detector")}, nil
}

// Detect runs the network on img. gocv.Net is not safe for concurrent use, so
// forward passes are serialized.
func (e *Engine) Detect(ctx context.Context, img *image.NRGBA, confidence float64) ([]detector.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("convert image: %w", err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(inputSize, inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	e.mu.Lock()
	e.net.SetInput(blob, "")
	output := e.net.Forward("")
	e.mu.Unlock()
	defer output.Close()

	sizes := output.Size()
	if len(sizes) != 3 || sizes[1] < 5 {
		return nil, fmt.Errorf("unexpected output shape %v", sizes)
	}
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}

	rows, anchors := sizes[1], sizes[2]
	scaleX := float64(img.Bounds().Dx()) / inputSize
	scaleY := float64(img.Bounds().Dy()) / inputSize

	var (
		rects   []image.Rectangle
		scores  []float32
		classes []int
		boxes   []detector.Box
	)
	for i := 0; i < anchors; i++ {
		bestClass, bestScore := -1, float32(0)
		for c := 4; c < rows; c++ {
			if s := data[c*anchors+i]; s > bestScore {
				bestClass, bestScore = c-4, s
			}
		}
		if bestClass < 0 || float64(bestScore) < confidence {
			continue
		}

		cx, cy := float64(data[i]), float64(data[anchors+i])
		w, h := float64(data[2*anchors+i]), float64(data[3*anchors+i])
		box := detector.Box{
			X1: (cx - w/2) * scaleX,
			Y1: (cy - h/2) * scaleY,
			X2: (cx + w/2) * scaleX,
			Y2: (cy + h/2) * scaleY,
		}
		boxes = append(boxes, box)
		rects = append(rects, image.Rect(int(box.X1), int(box.Y1), int(box.X2), int(box.Y2)))
		scores = append(scores, bestScore)
		classes = append(classes, bestClass)
	}
	if len(rects) == 0 {
		return []detector.Detection{}, nil
	}

	keep := gocv.NMSBoxes(rects, scores, float32(confidence), nmsThreshold)
	detections := make([]detector.Detection, 0, len(keep))
	for _, idx := range keep {
		box := boxes[idx]
		detections = append(detections, detector.Detection{
			Label:      className(e.classes, classes[idx]),
			Confidence: float64(scores[idx]),
			Box:        &box,
		})
	}
	return detections, nil
}

// Close frees the network.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.net.Close()
}
