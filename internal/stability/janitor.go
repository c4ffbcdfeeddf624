package stability

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Janitor periodically evicts streams that have been idle for longer than a TTL.
// Without a janitor the tracker retains every stream for the process lifetime.
type Janitor struct {
	tracker   *Tracker
	ttl       time.Duration
	interval  time.Duration
	logger    *zap.Logger
	onEvict   func(keys []string)
	scheduler gocron.Scheduler
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithEvictHook registers a callback invoked after each sweep that evicted streams.
func WithEvictHook(fn func(keys []string)) JanitorOption {
	return func(j *Janitor) {
		j.onEvict = fn
	}
}

// NewJanitor builds a janitor for tracker. It does nothing until Start.
func NewJanitor(tracker *Tracker, ttl, interval time.Duration, logger *zap.Logger, opts ...JanitorOption) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	j := &Janitor{
		tracker:  tracker,
		ttl:      ttl,
		interval: interval,
		logger:   logger.Named("stability_janitor"),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Sweep evicts idle streams once and returns the evicted keys.
func (j *Janitor) Sweep() []string {
	evicted := j.tracker.EvictIdle(j.ttl)
	if len(evicted) == 0 {
		return nil
	}
	j.logger.Info("evicted idle streams", zap.Int("count", len(evicted)), zap.Strings("keys", evicted))
	if j.onEvict != nil {
		j.onEvict(evicted)
	}
	return evicted
}

// Start schedules Sweep every interval. A non-positive TTL leaves the janitor idle.
func (j *Janitor) Start() error {
	if j.ttl <= 0 {
		return nil
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(j.interval),
		gocron.NewTask(func() { j.Sweep() }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	scheduler.Start()
	j.scheduler = scheduler
	j.logger.Info("stream eviction enabled", zap.Duration("ttl", j.ttl), zap.Duration("interval", j.interval))
	return nil
}

// Stop halts scheduled sweeps.
func (j *Janitor) Stop() error {
	if j.scheduler == nil {
		return nil
	}
	return j.scheduler.Shutdown()
}
