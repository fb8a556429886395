// Package backfill selects archived captures that still lack a verdict
// and feeds them through the evaluation queue.
package backfill

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Record is a capture and its evaluation state.
type Record struct {
	CaptureID  string
	Function   string
	CapturedAt time.Time
	Evaluated  bool
}

// Summary captures backfill execution metrics.
type Summary struct {
	TotalCandidates     int `json:"total"`
	AlreadyEvaluated    int `json:"already_evaluated"`
	Pending             int `json:"pending"`
	SelectedForBackfill int `json:"selected"`
	AttemptedEnqueue    int `json:"attempted_enqueue"`
	EnqueueSucceeded    int `json:"enqueued"`
	EnqueueDroppedFull  int `json:"dropped_full"`
}

// EnqueueResult captures the queueing outcome for a record.
type EnqueueResult struct {
	Enqueued    bool
	DroppedFull bool
}

// Repository describes the data source needed for backfill.
type Repository interface {
	ListCandidates(ctx context.Context) ([]Record, error)
	QueueRecord(ctx context.Context, rec Record) EnqueueResult
	OnBackfillComplete(summary Summary)
}

// SelectPending returns up to limit unevaluated records, newest capture
// first, and reports a summary of the candidate set.
func SelectPending(records []Record, limit int) ([]Record, Summary) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].CapturedAt.After(records[j].CapturedAt)
	})

	summary := Summary{TotalCandidates: len(records)}
	pending := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Evaluated {
			summary.AlreadyEvaluated++
			continue
		}
		pending = append(pending, r)
	}

	summary.Pending = len(pending)
	if limit < summary.Pending {
		pending = pending[:limit]
	}
	summary.SelectedForBackfill = len(pending)
	return pending, summary
}

// Run executes the backfill asynchronously.
func Run(ctx context.Context, repo Repository, limit int, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	go func() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		records, err := repo.ListCandidates(ctx)
		if err != nil {
			log.Error("backfill list failed", zap.Error(err))
			return
		}

		selected, summary := SelectPending(records, limit)
		summary.AttemptedEnqueue = len(selected)

		for _, rec := range selected {
			result := repo.QueueRecord(ctx, rec)
			if result.Enqueued {
				summary.EnqueueSucceeded++
			}
			if result.DroppedFull {
				summary.EnqueueDroppedFull++
			}
		}

		log.Info("backfill summary",
			zap.Int("total", summary.TotalCandidates),
			zap.Int("pending", summary.Pending),
			zap.Int("selected", summary.SelectedForBackfill),
			zap.Int("enqueued", summary.EnqueueSucceeded),
			zap.Int("dropped_full", summary.EnqueueDroppedFull),
			zap.Int("already_evaluated", summary.AlreadyEvaluated))
		repo.OnBackfillComplete(summary)
	}()
}
