package usecase

import "context"

// HistorySummary represents aggregated prediction insights.
type HistorySummary struct {
	TotalRequests    int64   `json:"total_requests"`
	VotedRequests    int64   `json:"voted_requests"`
	StableVerdicts   int64   `json:"stable_verdicts"`
	StableRate       float64 `json:"stable_rate"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	TrackedStreams   int     `json:"tracked_streams"`
}

// GetHistorySummary aggregates prediction metrics from persisted logs.
func (uc *PredictionUseCase) GetHistorySummary(ctx context.Context) (*HistorySummary, error) {
	if uc.repo == nil {
		return nil, ErrHistoryDisabled
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &HistorySummary{
		TotalRequests:    aggregation.TotalCount,
		VotedRequests:    aggregation.VotedCount,
		StableVerdicts:   aggregation.StableCount,
		AverageLatencyMs: aggregation.AverageLatency,
		TrackedStreams:   uc.tracker.Len(),
	}
	if aggregation.VotedCount > 0 {
		summary.StableRate = float64(aggregation.StableCount) / float64(aggregation.VotedCount)
	}
	return summary, nil
}
