package usecase

import (
	"context"
	"time"

	"github.com/example/tremor-api/internal/apperr"
	"github.com/example/tremor-api/internal/decision"
)

// MetricsSummary represents aggregated insights over one user's tests.
type MetricsSummary struct {
	TotalTests    int64      `json:"total_tests"`
	ScoredTests   int64      `json:"scored_tests"`
	PositiveTests int64      `json:"positive_tests"`
	PositiveRate  float64    `json:"positive_rate"`
	AverageScore  float64    `json:"average_score"`
	LastTestAt    *time.Time `json:"last_test_at,omitempty"`
}

// GetMetricsSummary aggregates the persisted records of userID.
func (uc *RecordUseCase) GetMetricsSummary(ctx context.Context, userID string) (*MetricsSummary, error) {
	if userID == "" {
		return nil, apperr.ErrUnauthorized
	}
	aggregation, err := uc.repo.AggregateRecords(ctx, userID, decision.PositiveLabels)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalTests:    aggregation.TotalCount,
		ScoredTests:   aggregation.ScoredCount,
		PositiveTests: aggregation.PositiveCount,
		AverageScore:  aggregation.AverageScore,
		LastTestAt:    aggregation.LatestAt,
	}

	if aggregation.ScoredCount > 0 {
		summary.PositiveRate = float64(aggregation.PositiveCount) / float64(aggregation.ScoredCount)
	}

	return summary, nil
}
