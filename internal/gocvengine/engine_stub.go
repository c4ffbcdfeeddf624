//go:build !gocv

package gocvengine

import (
	"go.uber.org/zap"

	"github.com/example/ecosort-vision/internal/detector"
)

// Load always fails without the gocv build tag.
func Load(modelPath, classesPath string, logger *zap.Logger) (detector.Engine, error) {
	return nil, ErrNotCompiled
}
