package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/example/ecosort-vision/internal/logging"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("record not found")

// PredictionLog represents one persisted predict call.
type PredictionLog struct {
	ID             uint      `gorm:"primaryKey"`
	RequestID      string    `gorm:"column:request_id;uniqueIndex;size:64"`
	StreamID       string    `gorm:"column:stream_id;index;size:128"`
	Source         string    `gorm:"column:source;size:32"`
	Model          string    `gorm:"column:model;size:255"`
	TopLabel       string    `gorm:"column:top_label;size:128"`
	TopConfidence  float64   `gorm:"column:top_confidence"`
	DetectionCount int       `gorm:"column:detection_count"`
	StableLabel    string    `gorm:"column:stable_label;size:128"`
	IsStable       bool      `gorm:"column:is_stable"`
	Voted          bool      `gorm:"column:voted"`
	LatencyMs      float64   `gorm:"column:latency_ms"`
	CreatedAt      time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// Aggregation summarizes persisted predictions.
type Aggregation struct {
	TotalCount     int64
	VotedCount     int64
	StableCount    int64
	AverageLatency float64
}

// PredictionRepository persists prediction history.
type PredictionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Open picks a dialector from dsn: "sqlite:<path>" selects sqlite, anything
// else is handed to postgres.
func Open(dsn string, config *gorm.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if path, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		dialector = sqlite.Open(path)
	} else {
		dialector = postgres.Open(dsn)
	}
	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// NewPredictionRepository creates a new repository instance.
func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{
		db:             db,
		logger:         logger.Named("prediction_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&PredictionLog{})
}

// SaveLog persists a prediction log entry.
func (r *PredictionRepository) SaveLog(ctx context.Context, log *PredictionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the log for a request.
func (r *PredictionRepository) FindByRequestID(ctx context.Context, requestID string) (*PredictionLog, error) {
	var log PredictionLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes totals over all persisted predictions.
func (r *PredictionRepository) AggregateMetrics(ctx context.Context) (*Aggregation, error) {
	var row struct {
		TotalCount     int64
		VotedCount     int64
		StableCount    int64
		AverageLatency float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&PredictionLog{}).Select(
			"COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN voted THEN 1 ELSE 0 END), 0) AS voted_count, " +
				"COALESCE(SUM(CASE WHEN is_stable THEN 1 ELSE 0 END), 0) AS stable_count, " +
				"COALESCE(AVG(latency_ms), 0) AS average_latency",
		).Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &Aggregation{
		TotalCount:     row.TotalCount,
		VotedCount:     row.VotedCount,
		StableCount:    row.StableCount,
		AverageLatency: row.AverageLatency,
	}, nil
}

func (r *PredictionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if !logging.IsTransient(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
