package stats

import (
	"context"

	"fleetcron/internal/domain"
	"fleetcron/internal/store"
)

// Reporter is the read path over the execution log. Pure aggregation, no
// writes; authorization for the endpoints that expose it belongs to the
// host's API layer.
type Reporter struct {
	logs store.ExecutionLogStore
}

func New(logs store.ExecutionLogStore) *Reporter {
	return &Reporter{logs: logs}
}

func (r *Reporter) TaskStats(ctx context.Context, taskName string) (domain.TaskStats, error) {
	aggs, err := r.logs.AggregateByStatus(ctx, taskName)
	if err != nil {
		return domain.TaskStats{}, err
	}

	var stats domain.TaskStats
	var weighted float64
	var finished int64
	for _, a := range aggs {
		stats.TotalRuns += a.Count
		switch a.Status {
		case domain.StatusSuccess:
			stats.SuccessCount = a.Count
		case domain.StatusFailed:
			stats.FailedCount = a.Count
		default:
			continue // running rows have no duration yet
		}
		weighted += a.AvgDurationMs * float64(a.Count)
		finished += a.Count
	}
	if finished > 0 {
		stats.AverageDurationMs = weighted / float64(finished)
	}
	return stats, nil
}

func (r *Reporter) LatestExecution(ctx context.Context, taskName string) (*domain.ExecutionLogEntry, error) {
	return r.logs.Latest(ctx, taskName)
}
