package usecase

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/ecosort-vision/internal/detector"
	"github.com/example/ecosort-vision/internal/imagecodec"
	"github.com/example/ecosort-vision/internal/metrics"
	"github.com/example/ecosort-vision/internal/repository"
	"github.com/example/ecosort-vision/internal/stability"
)

type stubDetector struct {
	mu         sync.Mutex
	detections []detector.Detection
	err        error
	loadErr    error
	calls      int
	lastConf   float64
}

func (s *stubDetector) Detect(ctx context.Context, img *image.NRGBA, confidence float64) ([]detector.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastConf = confidence
	if s.err != nil {
		return nil, s.err
	}
	return detector.Rank(s.detections), nil
}

func (s *stubDetector) LoadError() error { return s.loadErr }

func (s *stubDetector) ModelName() string { return "yolo_model.pt" }

type stubRepo struct {
	saved   []*repository.PredictionLog
	saveErr error
	found   *repository.PredictionLog
	findErr error
	agg     *repository.Aggregation
}

func (s *stubRepo) SaveLog(ctx context.Context, log *repository.PredictionLog) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, log)
	return nil
}

func (s *stubRepo) FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.found == nil {
		return nil, repository.ErrNotFound
	}
	return s.found, nil
}

func (s *stubRepo) AggregateMetrics(ctx context.Context) (*repository.Aggregation, error) {
	return s.agg, nil
}

type stubCache struct {
	data   map[string]string
	setErr error
}

func newStubCache() *stubCache {
	return &stubCache{data: make(map[string]string)}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.data[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	value, ok := s.data[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

type stubPublisher struct {
	keys   []string
	events []VerdictEvent
}

func (s *stubPublisher) Publish(key string, payload interface{}) {
	s.keys = append(s.keys, key)
	s.events = append(s.events, payload.(VerdictEvent))
}

type stubRecorder struct {
	outcomes []string
	verdicts []bool
}

func (s *stubRecorder) ObservePrediction(outcome string) { s.outcomes = append(s.outcomes, outcome) }
func (s *stubRecorder) ObserveInference(time.Duration)   {}
func (s *stubRecorder) ObserveVerdict(stable bool)       { s.verdicts = append(s.verdicts, stable) }

type timeoutError struct{}

func (timeoutError) Error() string { return "i/o timeout" }
func (timeoutError) Timeout() bool { return true }

func pngPayload(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.NRGBA{R: 200, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func defaults() Defaults {
	return Defaults{Confidence: 0.6, VoteWindow: 3, VoteMin: 2}
}

func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }
func intPtr(v int) *int           { return &v }

func TestPredictWithoutVoting(t *testing.T) {
	det := &stubDetector{detections: []detector.Detection{
		{Label: "can", Confidence: 0.7},
		{Label: "bottle", Confidence: 0.9},
	}}
	rec := &stubRecorder{}
	uc := NewPredictionUseCase(det, stability.NewTracker(), defaults(), zap.NewNop(), WithRecorder(rec))

	result, err := uc.Predict(context.Background(), PredictRequest{Image: pngPayload(t)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RequestID == "" {
		t.Fatal("expected request id")
	}
	if result.Model != "yolo_model.pt" {
		t.Fatalf("unexpected model %q", result.Model)
	}
	if result.Top == nil || result.Top.Label != "bottle" {
		t.Fatalf("expected bottle on top, got %+v", result.Top)
	}
	if result.Stable != nil {
		t.Fatalf("expected no verdict without voting, got %+v", result.Stable)
	}
	if det.lastConf != 0.6 {
		t.Fatalf("expected default confidence, got %v", det.lastConf)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != metrics.OutcomeOK {
		t.Fatalf("unexpected outcomes %v", rec.outcomes)
	}
}

func TestPredictCameraSourceVotesByDefault(t *testing.T) {
	det := &stubDetector{detections: []detector.Detection{{Label: "paper", Confidence: 0.8}}}
	pub := &stubPublisher{}
	tracker := stability.NewTracker()
	uc := NewPredictionUseCase(det, tracker, defaults(), zap.NewNop(), WithPublisher(pub))

	req := PredictRequest{Image: pngPayload(t), Source: SourceCamera}
	var last *PredictResult
	for i := 0; i < 3; i++ {
		result, err := uc.Predict(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		last = result
	}

	want := stability.Verdict{Label: "paper", Votes: 3, Window: 3, Frames: 3, Ready: true, IsStable: true}
	if last.Stable == nil || *last.Stable != want {
		t.Fatalf("expected %+v, got %+v", want, last.Stable)
	}
	if _, ok := tracker.Snapshot(SourceCamera); !ok {
		t.Fatal("expected votes keyed by source")
	}
	if len(pub.events) != 3 || pub.keys[2] != SourceCamera || pub.events[2].TopLabel != "paper" {
		t.Fatalf("unexpected published events %+v", pub.events)
	}
}

func TestPredictVoteOverrides(t *testing.T) {
	det := &stubDetector{}
	tracker := stability.NewTracker()
	uc := NewPredictionUseCase(det, tracker, defaults(), zap.NewNop())

	off, err := uc.Predict(context.Background(), PredictRequest{Image: pngPayload(t), Source: SourceCamera, Vote: boolPtr(false)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if off.Stable != nil || tracker.Len() != 0 {
		t.Fatal("explicit vote=false must skip the tracker")
	}

	on, err := uc.Predict(context.Background(), PredictRequest{
		Image:      pngPayload(t),
		Vote:       boolPtr(true),
		StreamID:   "belt-2",
		VoteWindow: intPtr(1),
		VoteMin:    intPtr(1),
		Conf:       floatPtr(3),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := stability.Verdict{Label: stability.UnknownLabel, Votes: 1, Window: 1, Frames: 1, Ready: true, IsStable: true}
	if on.Stable == nil || *on.Stable != want {
		t.Fatalf("expected %+v, got %+v", want, on.Stable)
	}
	if on.Detections == nil || len(on.Detections) != 0 || on.Top != nil {
		t.Fatalf("expected empty detections, got %+v", on.Detections)
	}
	if _, ok := tracker.Snapshot("belt-2"); !ok {
		t.Fatal("expected votes keyed by stream id")
	}
	if det.lastConf != 1 {
		t.Fatalf("expected clamped confidence 1, got %v", det.lastConf)
	}
}

func TestStreamKey(t *testing.T) {
	cases := []struct {
		req  PredictRequest
		want string
	}{
		{PredictRequest{StreamID: "s", Source: "camera"}, "s"},
		{PredictRequest{Source: "upload"}, "upload"},
		{PredictRequest{}, stability.DefaultStreamKey},
	}
	for _, tc := range cases {
		if got := StreamKey(tc.req); got != tc.want {
			t.Fatalf("StreamKey(%+v) = %q, expected %q", tc.req, got, tc.want)
		}
	}
}

func TestPredictModelUnavailableSkipsDecode(t *testing.T) {
	det := &stubDetector{loadErr: &detector.UnavailableError{ModelPath: "m.pt", Err: errors.New("missing")}}
	rec := &stubRecorder{}
	uc := NewPredictionUseCase(det, stability.NewTracker(), defaults(), zap.NewNop(), WithRecorder(rec))

	_, err := uc.Predict(context.Background(), PredictRequest{Image: "not base64"})
	if !errors.Is(err, detector.ErrModelUnavailable) {
		t.Fatalf("expected model unavailable, got %v", err)
	}
	if err.Error() != "model not loaded from 'm.pt'. Error: missing" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if det.calls != 0 {
		t.Fatal("detector must not run without a model")
	}
	if rec.outcomes[0] != metrics.OutcomeModelUnavailable {
		t.Fatalf("unexpected outcome %v", rec.outcomes)
	}
}

func TestPredictInvalidImage(t *testing.T) {
	det := &stubDetector{}
	tracker := stability.NewTracker()
	uc := NewPredictionUseCase(det, tracker, defaults(), zap.NewNop())

	_, err := uc.Predict(context.Background(), PredictRequest{Image: "aGVsbG8=", Source: SourceCamera})
	if !errors.Is(err, imagecodec.ErrDecodeFailure) {
		t.Fatalf("expected decode failure, got %v", err)
	}
	if det.calls != 0 || tracker.Len() != 0 {
		t.Fatal("invalid payload must not reach the detector or tracker")
	}
}

func TestPredictEngineError(t *testing.T) {
	det := &stubDetector{err: errors.New("backend down")}
	tracker := stability.NewTracker()
	uc := NewPredictionUseCase(det, tracker, defaults(), zap.NewNop())

	_, err := uc.Predict(context.Background(), PredictRequest{Image: pngPayload(t), Source: SourceCamera})
	if err == nil || errors.Is(err, detector.ErrModelUnavailable) {
		t.Fatalf("expected engine error, got %v", err)
	}
	if tracker.Len() != 0 {
		t.Fatal("failed inference must not record a vote")
	}
}

func TestPredictPersistsAndCaches(t *testing.T) {
	det := &stubDetector{detections: []detector.Detection{{Label: "glass", Confidence: 0.75}}}
	repo := &stubRepo{}
	cache := newStubCache()
	uc := NewPredictionUseCase(det, stability.NewTracker(), defaults(), zap.NewNop(), WithHistory(repo), WithCache(cache))

	result, err := uc.Predict(context.Background(), PredictRequest{Image: pngPayload(t), StreamID: "s1", Vote: boolPtr(true)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.saved) != 1 {
		t.Fatalf("expected one saved log, got %d", len(repo.saved))
	}
	saved := repo.saved[0]
	if saved.RequestID != result.RequestID || saved.StreamID != "s1" || saved.TopLabel != "glass" || !saved.Voted {
		t.Fatalf("unexpected saved log %+v", saved)
	}
	if saved.StableLabel != stability.PendingLabel || saved.IsStable {
		t.Fatalf("unexpected verdict fields %+v", saved)
	}

	raw, ok := cache.data[cacheKey(result.RequestID)]
	if !ok {
		t.Fatal("expected cached prediction")
	}
	var cached cachedPrediction
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		t.Fatalf("decode cached: %v", err)
	}
	if cached.TopLabel != "glass" || cached.DetectionCount != 1 {
		t.Fatalf("unexpected cached payload %+v", cached)
	}
}

func TestPredictSurvivesHistoryFailures(t *testing.T) {
	det := &stubDetector{}
	repo := &stubRepo{saveErr: errors.New("db down")}
	cache := newStubCache()
	cache.setErr = errors.New("redis down")
	uc := NewPredictionUseCase(det, stability.NewTracker(), defaults(), zap.NewNop(), WithHistory(repo), WithCache(cache))

	if _, err := uc.Predict(context.Background(), PredictRequest{Image: pngPayload(t)}); err != nil {
		t.Fatalf("history failures must not fail a prediction: %v", err)
	}
}

func TestGetResultPrefersCache(t *testing.T) {
	repo := &stubRepo{findErr: errors.New("should not be called")}
	cache := newStubCache()
	payload, _ := json.Marshal(cachedPrediction{RequestID: "r1", TopLabel: "can"})
	cache.data[cacheKey("r1")] = string(payload)
	uc := NewPredictionUseCase(&stubDetector{}, stability.NewTracker(), defaults(), zap.NewNop(), WithHistory(repo), WithCache(cache))

	log, err := uc.GetResult(context.Background(), "r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.TopLabel != "can" {
		t.Fatalf("unexpected log %+v", log)
	}
}

func TestGetResultFallsBackToRepository(t *testing.T) {
	repo := &stubRepo{found: &repository.PredictionLog{RequestID: "r2", TopLabel: "paper"}}
	uc := NewPredictionUseCase(&stubDetector{}, stability.NewTracker(), defaults(), zap.NewNop(), WithHistory(repo), WithCache(newStubCache()))

	log, err := uc.GetResult(context.Background(), "r2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.TopLabel != "paper" {
		t.Fatalf("unexpected log %+v", log)
	}

	repo.found = nil
	if _, err := uc.GetResult(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHistoryDisabled(t *testing.T) {
	uc := NewPredictionUseCase(&stubDetector{}, stability.NewTracker(), defaults(), zap.NewNop())
	if _, err := uc.GetResult(context.Background(), "x"); !errors.Is(err, ErrHistoryDisabled) {
		t.Fatalf("expected history disabled, got %v", err)
	}
	if _, err := uc.GetHistorySummary(context.Background()); !errors.Is(err, ErrHistoryDisabled) {
		t.Fatalf("expected history disabled, got %v", err)
	}
}

func TestGetHistorySummary(t *testing.T) {
	repo := &stubRepo{agg: &repository.Aggregation{TotalCount: 10, VotedCount: 4, StableCount: 3, AverageLatency: 12.5}}
	tracker := stability.NewTracker()
	tracker.Observe("a", stability.Detected("x"), 3, 2)
	uc := NewPredictionUseCase(&stubDetector{}, tracker, defaults(), zap.NewNop(), WithHistory(repo))

	summary, err := uc.GetHistorySummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := HistorySummary{TotalRequests: 10, VotedRequests: 4, StableVerdicts: 3, StableRate: 0.75, AverageLatencyMs: 12.5, TrackedStreams: 1}
	if *summary != want {
		t.Fatalf("expected %+v, got %+v", want, *summary)
	}
}

func TestWithCacheRetryRetriesTransient(t *testing.T) {
	uc := NewPredictionUseCase(&stubDetector{}, stability.NewTracker(), defaults(), zap.NewNop())
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond

	attempts := 0
	err := uc.withCacheRetry(context.Background(), "req", "cache.set.result", func() error {
		attempts++
		if attempts < 2 {
			return timeoutError{}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}
