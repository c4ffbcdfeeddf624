package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ecosort-vision/internal/detector"
	"github.com/example/ecosort-vision/internal/imagecodec"
	"github.com/example/ecosort-vision/internal/logging"
	"github.com/example/ecosort-vision/internal/metrics"
	"github.com/example/ecosort-vision/internal/repository"
	"github.com/example/ecosort-vision/internal/stability"
)

// SourceCamera marks requests coming from a live camera feed; voting is on by
// default for them.
const SourceCamera = "camera"

const resultTTL = 5 * time.Minute

// ErrHistoryDisabled is returned by history lookups when neither a database nor
// a cache is configured.
var ErrHistoryDisabled = errors.New("prediction history is not enabled")

// Detector is the part of detector.Adapter the use case relies on.
type Detector interface {
	Detect(ctx context.Context, img *image.NRGBA, confidence float64) ([]detector.Detection, error)
	LoadError() error
	ModelName() string
}

// HistoryRepository defines the persistence operations needed by the use case.
type HistoryRepository interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.Aggregation, error)
}

// Publisher receives every verdict, keyed by stream.
type Publisher interface {
	Publish(key string, payload interface{})
}

// Recorder collects request metrics.
type Recorder interface {
	ObservePrediction(outcome string)
	ObserveInference(d time.Duration)
	ObserveVerdict(stable bool)
}

// Defaults are the service-wide values a request may override.
type Defaults struct {
	Confidence float64
	VoteWindow int
	VoteMin    int
}

// PredictRequest is one predict call. Nil pointers mean "use the default".
type PredictRequest struct {
	Image      string
	Conf       *float64
	Source     string
	Vote       *bool
	StreamID   string
	VoteWindow *int
	VoteMin    *int
}

// PredictResult is returned to the caller.
type PredictResult struct {
	RequestID  string               `json:"requestId"`
	Model      string               `json:"model"`
	Detections []detector.Detection `json:"detections"`
	Top        *detector.Detection  `json:"top"`
	Stable     *stability.Verdict   `json:"stable,omitempty"`
}

// VerdictEvent is published for every verdict.
type VerdictEvent struct {
	RequestID string            `json:"requestId"`
	StreamID  string            `json:"streamId"`
	TopLabel  string            `json:"topLabel,omitempty"`
	Verdict   stability.Verdict `json:"verdict"`
	At        time.Time         `json:"at"`
}

// PredictionUseCase orchestrates decode, inference and stabilization. It keeps
// no state of its own; the tracker owns all stream state.
type PredictionUseCase struct {
	detector       Detector
	tracker        *stability.Tracker
	defaults       Defaults
	repo           HistoryRepository
	cache          Cache
	publisher      Publisher
	recorder       Recorder
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option configures optional collaborators.
type Option func(*PredictionUseCase)

// WithHistory persists every prediction.
func WithHistory(repo HistoryRepository) Option {
	return func(uc *PredictionUseCase) { uc.repo = repo }
}

// WithCache caches every prediction for quick lookup.
func WithCache(cache Cache) Option {
	return func(uc *PredictionUseCase) { uc.cache = cache }
}

// WithPublisher forwards verdicts to live subscribers.
func WithPublisher(p Publisher) Option {
	return func(uc *PredictionUseCase) { uc.publisher = p }
}

// WithRecorder records request metrics.
func WithRecorder(r Recorder) Option {
	return func(uc *PredictionUseCase) { uc.recorder = r }
}

// NewPredictionUseCase constructs a new use case instance.
func NewPredictionUseCase(det Detector, tracker *stability.Tracker, defaults Defaults, logger *zap.Logger, opts ...Option) *PredictionUseCase {
	uc := &PredictionUseCase{
		detector:       det,
		tracker:        tracker,
		defaults:       defaults,
		logger:         logger.Named("prediction_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Defaults returns the service-wide defaults.
func (uc *PredictionUseCase) Defaults() Defaults {
	return uc.defaults
}

// Predict runs one request end to end. Decode and model errors are returned
// as-is (match them with imagecodec.ErrDecodeFailure and
// detector.ErrModelUnavailable); history failures are only logged.
func (uc *PredictionUseCase) Predict(ctx context.Context, req PredictRequest) (*PredictResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)

	if err := uc.detector.LoadError(); err != nil {
		uc.observePrediction(metrics.OutcomeModelUnavailable)
		return nil, err
	}

	img, err := imagecodec.DecodePayload(req.Image)
	if err != nil {
		uc.observePrediction(metrics.OutcomeInvalidImage)
		opLogger.Info("rejected image payload", zap.Error(err))
		return nil, err
	}

	conf := uc.defaults.Confidence
	if req.Conf != nil {
		conf = *req.Conf
	}
	conf = detector.ClampConfidence(conf)

	started := time.Now()
	detections, err := uc.detector.Detect(ctx, img, conf)
	elapsed := time.Since(started)
	if uc.recorder != nil {
		uc.recorder.ObserveInference(elapsed)
	}
	if err != nil {
		if errors.Is(err, detector.ErrModelUnavailable) {
			uc.observePrediction(metrics.OutcomeModelUnavailable)
			return nil, err
		}
		uc.observePrediction(metrics.OutcomeEngineError)
		wrapped := logging.NewOperationError("usecase.detect", requestID, err)
		opLogger.Error("detection failed", zap.Error(wrapped))
		return nil, wrapped
	}
	uc.observePrediction(metrics.OutcomeOK)

	result := &PredictResult{
		RequestID:  requestID,
		Model:      uc.detector.ModelName(),
		Detections: detections,
		Top:        detector.Top(detections),
	}

	streamID := ""
	if voteEnabled(req) {
		streamID, result.Stable = uc.vote(req, result.Top)
		if uc.publisher != nil {
			event := VerdictEvent{RequestID: requestID, StreamID: streamID, Verdict: *result.Stable, At: time.Now().UTC()}
			if result.Top != nil {
				event.TopLabel = result.Top.Label
			}
			uc.publisher.Publish(streamID, event)
		}
	}

	uc.record(ctx, opLogger, req, streamID, result, elapsed)
	return result, nil
}

func voteEnabled(req PredictRequest) bool {
	if req.Vote != nil {
		return *req.Vote
	}
	return req.Source == SourceCamera
}

// StreamKey resolves the tracker key for a request: stream id, then source,
// then the shared default.
func StreamKey(req PredictRequest) string {
	switch {
	case req.StreamID != "":
		return req.StreamID
	case req.Source != "":
		return req.Source
	default:
		return stability.DefaultStreamKey
	}
}

func (uc *PredictionUseCase) vote(req PredictRequest, top *detector.Detection) (string, *stability.Verdict) {
	key := StreamKey(req)
	window := uc.defaults.VoteWindow
	if req.VoteWindow != nil {
		window = *req.VoteWindow
	}
	minVotes := uc.defaults.VoteMin
	if req.VoteMin != nil {
		minVotes = *req.VoteMin
	}

	label := stability.NoDetection()
	if top != nil {
		label = stability.Detected(top.Label)
	}
	verdict := uc.tracker.Observe(key, label, window, minVotes)
	if uc.recorder != nil {
		uc.recorder.ObserveVerdict(verdict.IsStable)
	}
	return key, &verdict
}

// StreamState returns the tracker snapshot for key.
func (uc *PredictionUseCase) StreamState(key string) (stability.StreamState, bool) {
	return uc.tracker.Snapshot(key)
}

func (uc *PredictionUseCase) observePrediction(outcome string) {
	if uc.recorder != nil {
		uc.recorder.ObservePrediction(outcome)
	}
}

type cachedPrediction struct {
	RequestID      string    `json:"request_id"`
	StreamID       string    `json:"stream_id"`
	Source         string    `json:"source"`
	Model          string    `json:"model"`
	TopLabel       string    `json:"top_label"`
	TopConfidence  float64   `json:"top_confidence"`
	DetectionCount int       `json:"detection_count"`
	StableLabel    string    `json:"stable_label"`
	IsStable       bool      `json:"is_stable"`
	Voted          bool      `json:"voted"`
	LatencyMs      float64   `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

func cacheKey(requestID string) string {
	return fmt.Sprintf("prediction:%s", requestID)
}

func (uc *PredictionUseCase) record(ctx context.Context, opLogger *zap.Logger, req PredictRequest, streamID string, result *PredictResult, elapsed time.Duration) {
	if uc.repo == nil && uc.cache == nil {
		return
	}

	log := &repository.PredictionLog{
		RequestID:      result.RequestID,
		StreamID:       streamID,
		Source:         req.Source,
		Model:          result.Model,
		DetectionCount: len(result.Detections),
		LatencyMs:      float64(elapsed.Microseconds()) / 1000,
		CreatedAt:      time.Now().UTC(),
	}
	if result.Top != nil {
		log.TopLabel = result.Top.Label
		log.TopConfidence = result.Top.Confidence
	}
	if result.Stable != nil {
		log.Voted = true
		log.StableLabel = result.Stable.Label
		log.IsStable = result.Stable.IsStable
	}

	if uc.repo != nil {
		if err := uc.repo.SaveLog(ctx, log); err != nil {
			opLogger.Warn("failed to persist prediction", zap.Error(err))
		}
	}

	if uc.cache != nil {
		serialized, err := json.Marshal(toCached(log))
		if err != nil {
			opLogger.Warn("failed to serialize prediction", zap.Error(err))
			return
		}
		if err := uc.withCacheRetry(ctx, result.RequestID, "cache.set.result", func() error {
			return uc.cache.Set(ctx, cacheKey(result.RequestID), string(serialized), resultTTL)
		}); err != nil {
			opLogger.Warn("failed to cache prediction", zap.Error(err))
		}
	}
}

func toCached(log *repository.PredictionLog) *cachedPrediction {
	return &cachedPrediction{
		RequestID:      log.RequestID,
		StreamID:       log.StreamID,
		Source:         log.Source,
		Model:          log.Model,
		TopLabel:       log.TopLabel,
		TopConfidence:  log.TopConfidence,
		DetectionCount: log.DetectionCount,
		StableLabel:    log.StableLabel,
		IsStable:       log.IsStable,
		Voted:          log.Voted,
		LatencyMs:      log.LatencyMs,
		CreatedAt:      log.CreatedAt,
	}
}

func fromCached(c *cachedPrediction) *repository.PredictionLog {
	return &repository.PredictionLog{
		RequestID:      c.RequestID,
		StreamID:       c.StreamID,
		Source:         c.Source,
		Model:          c.Model,
		TopLabel:       c.TopLabel,
		TopConfidence:  c.TopConfidence,
		DetectionCount: c.DetectionCount,
		StableLabel:    c.StableLabel,
		IsStable:       c.IsStable,
		Voted:          c.Voted,
		LatencyMs:      c.LatencyMs,
		CreatedAt:      c.CreatedAt,
	}
}

// GetResult retrieves a cached prediction or loads it from persistence.
func (uc *PredictionUseCase) GetResult(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	if uc.repo == nil && uc.cache == nil {
		return nil, ErrHistoryDisabled
	}

	if uc.cache != nil {
		cached, err := uc.withCacheGet(ctx, requestID, "cache.get.result", cacheKey(requestID))
		switch {
		case err == nil:
			var payload cachedPrediction
			if err := json.Unmarshal([]byte(cached), &payload); err != nil {
				logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached result", zap.Error(err))
			} else {
				return fromCached(&payload), nil
			}
		case !isCacheMiss(err):
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, repository.ErrNotFound
	}
	return uc.repo.FindByRequestID(ctx, requestID)
}

func (uc *PredictionUseCase) withCacheRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if isCacheMiss(err) {
			return logging.NewOperationError(operation, requestID, err)
		}

		if !logging.IsTransient(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *PredictionUseCase) withCacheGet(ctx context.Context, requestID, operation, key string) (string, error) {
	var result string
	err := uc.withCacheRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
