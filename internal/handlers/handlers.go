package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/ecosort-vision/internal/detector"
	"github.com/example/ecosort-vision/internal/imagecodec"
	"github.com/example/ecosort-vision/internal/repository"
	"github.com/example/ecosort-vision/internal/stability"
	"github.com/example/ecosort-vision/internal/usecase"
)

// DefaultMaxBodyBytes caps predict request bodies when no limit is configured.
const DefaultMaxBodyBytes int64 = 20 << 20

// Service is the prediction API consumed by the handlers.
type Service interface {
	Predict(ctx context.Context, req usecase.PredictRequest) (*usecase.PredictResult, error)
	GetResult(ctx context.Context, requestID string) (*repository.PredictionLog, error)
	GetHistorySummary(ctx context.Context) (*usecase.HistorySummary, error)
	StreamState(key string) (stability.StreamState, bool)
	Defaults() usecase.Defaults
}

// ModelStatus reports the detection engine state for /health.
type ModelStatus interface {
	ModelPath() string
	LoadError() error
}

// StreamServer upgrades a request to a live verdict feed for one stream key.
type StreamServer interface {
	ServeStream(w http.ResponseWriter, r *http.Request, key string)
}

// Options holds the optional pieces of the router.
type Options struct {
	MaxBodyBytes int64
	Model        ModelStatus
	Streams      StreamServer
	Metrics      http.Handler
}

type predictRequest struct {
	Image      string   `json:"image"`
	Conf       *float64 `json:"conf"`
	Source     string   `json:"source"`
	Vote       *bool    `json:"vote"`
	StreamID   string   `json:"streamId"`
	VoteWindow *int     `json:"voteWindow"`
	VoteMin    *int     `json:"voteMin"`
}

type healthResponse struct {
	OK                bool    `json:"ok"`
	ModelPath         string  `json:"modelPath"`
	DefaultConfidence float64 `json:"defaultConfidence"`
	VoteWindow        int     `json:"voteWindow"`
	VoteMin           int     `json:"voteMin"`
	Error             *string `json:"error"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router. guard protects the
// history and stream inspection endpoints.
func RegisterRoutes(router *gin.Engine, svc Service, guard gin.HandlerFunc, opts Options) {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if guard == nil {
		guard = func(c *gin.Context) { c.Next() }
	}

	router.GET("/", func(c *gin.Context) {
		endpoints := []string{"/health", "/predict"}
		if opts.Metrics != nil {
			endpoints = append(endpoints, "/metrics")
		}
		endpoints = append(endpoints, "/predictions/:id", "/predictions/summary", "/streams/:id")
		if opts.Streams != nil {
			endpoints = append(endpoints, "/streams/:id/ws")
		}
		c.JSON(http.StatusOK, gin.H{"service": "ecosort-vision", "endpoints": endpoints})
	})

	router.GET("/health", func(c *gin.Context) {
		defaults := svc.Defaults()
		resp := healthResponse{
			OK:                true,
			DefaultConfidence: defaults.Confidence,
			VoteWindow:        defaults.VoteWindow,
			VoteMin:           defaults.VoteMin,
		}
		if opts.Model != nil {
			resp.ModelPath = opts.Model.ModelPath()
			if err := opts.Model.LoadError(); err != nil {
				msg := err.Error()
				resp.OK = false
				resp.Error = &msg
			}
		}
		c.JSON(http.StatusOK, resp)
	})

	router.POST("/predict", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxBodyBytes)

		var body predictRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		result, err := svc.Predict(c.Request.Context(), usecase.PredictRequest{
			Image:      body.Image,
			Conf:       body.Conf,
			Source:     body.Source,
			Vote:       body.Vote,
			StreamID:   body.StreamID,
			VoteWindow: body.VoteWindow,
			VoteMin:    body.VoteMin,
		})
		if err != nil {
			switch {
			case errors.Is(err, imagecodec.ErrDecodeFailure):
				c.JSON(http.StatusBadRequest, gin.H{"error": imagecodec.ErrDecodeFailure.Error()})
			case errors.Is(err, detector.ErrModelUnavailable):
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusBadGateway, gin.H{"error": "inference failed"})
			}
			return
		}

		c.JSON(http.StatusOK, result)
	})

	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	predictions := router.Group("/predictions", guard)
	predictions.GET("/summary", func(c *gin.Context) {
		summary, err := svc.GetHistorySummary(c.Request.Context())
		if err != nil {
			if errors.Is(err, usecase.ErrHistoryDisabled) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate history"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	predictions.GET("/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		log, err := svc.GetResult(c.Request.Context(), requestID)
		if err != nil {
			switch {
			case errors.Is(err, usecase.ErrHistoryDisabled):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			case errors.Is(err, repository.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"requestId":      log.RequestID,
			"streamId":       log.StreamID,
			"source":         log.Source,
			"model":          log.Model,
			"topLabel":       log.TopLabel,
			"topConfidence":  log.TopConfidence,
			"detectionCount": log.DetectionCount,
			"voted":          log.Voted,
			"stableLabel":    log.StableLabel,
			"isStable":       log.IsStable,
			"latencyMs":      log.LatencyMs,
			"createdAt":      log.CreatedAt,
		})
	})

	router.GET("/streams/:id", guard, func(c *gin.Context) {
		state, ok := svc.StreamState(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
			return
		}
		c.JSON(http.StatusOK, state)
	})

	if opts.Streams != nil {
		router.GET("/streams/:id/ws", func(c *gin.Context) {
			opts.Streams.ServeStream(c.Writer, c.Request, c.Param("id"))
		})
	}
}
