// Package httpengine implements a detection engine backed by an inference
// sidecar speaking JSON over HTTP.
package httpengine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/ecosort-vision/internal/detector"
	"github.com/example/ecosort-vision/internal/imagecodec"
	"github.com/example/ecosort-vision/internal/logging"
)

// Engine posts frames to <baseURL>/predict.
type Engine struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

var _ detector.Engine = (*Engine)(nil)

type predictRequest struct {
	Model string  `json:"model"`
	Image string  `json:"image"`
	Conf  float64 `json:"conf"`
}

type predictResponse struct {
	Detections []detector.Detection `json:"detections"`
}

// New builds an engine. A zero timeout disables the client timeout.
func New(baseURL, model string, timeout time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("http_detector"),
	}
}

// CheckHealth probes <baseURL>/health.
func (e *Engine) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return logging.NewOperationError("httpengine.health", "", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return logging.NewOperationError("httpengine.health", "", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return logging.NewOperationError("httpengine.health", "", fmt.Errorf("detector unhealthy: status %d", resp.StatusCode))
	}
	return nil
}

// Detect sends img to the sidecar.
func (e *Engine) Detect(ctx context.Context, img *image.NRGBA, confidence float64) ([]detector.Detection, error) {
	encoded, err := imagecodec.EncodeJPEG(img)
	if err != nil {
		return nil, logging.NewOperationError("httpengine.encode_image", "", err)
	}
	body, err := json.Marshal(predictRequest{
		Model: e.model,
		Image: base64.StdEncoding.EncodeToString(encoded),
		Conf:  confidence,
	})
	if err != nil {
		return nil, logging.NewOperationError("httpengine.build_request", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, logging.NewOperationError("httpengine.build_request", "", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError("httpengine.detect", "", err)
		e.logger.Error("detector call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		wrapped := logging.NewOperationError("httpengine.detect", "", fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
		e.logger.Error("detector returned error", zap.Error(wrapped))
		return nil, wrapped
	}

	var result predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, logging.NewOperationError("httpengine.decode_response", "", err)
	}
	if result.Detections == nil {
		result.Detections = []detector.Detection{}
	}
	return result.Detections, nil
}

// Close releases idle connections.
func (e *Engine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
