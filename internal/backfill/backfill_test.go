package backfill

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestSelectPendingRespectsLimitAndState(t *testing.T) {
	now := time.Now()
	var records []Record
	for i := 0; i < 30; i++ {
		records = append(records, Record{
			CaptureID:  fmt.Sprintf("cap-%02d", i),
			CapturedAt: now.Add(time.Duration(i) * time.Minute),
			Evaluated:  i%5 == 0,
		})
	}

	pending, summary := SelectPending(records, 15)
	if len(pending) != 15 {
		t.Fatalf("expected 15 pending records, got %d", len(pending))
	}
	if summary.AlreadyEvaluated != 6 {
		t.Fatalf("expected 6 already evaluated, got %d", summary.AlreadyEvaluated)
	}
	if summary.Pending != 24 {
		t.Fatalf("expected 24 pending, got %d", summary.Pending)
	}
	if summary.SelectedForBackfill != 15 {
		t.Fatalf("expected 15 selected, got %d", summary.SelectedForBackfill)
	}
	for _, rec := range pending {
		if rec.Evaluated {
			t.Fatalf("unexpected evaluated record in pending set: %v", rec.CaptureID)
		}
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].CapturedAt.After(pending[i-1].CapturedAt) {
			t.Fatalf("records not sorted by recency")
		}
	}
}

func TestBackfillRunReportsDrops(t *testing.T) {
	now := time.Now()
	candidates := []Record{}
	for i := 0; i < 5; i++ {
		candidates = append(candidates, Record{CaptureID: fmt.Sprintf("cap-%d", i), CapturedAt: now.Add(time.Duration(i) * time.Minute)})
	}

	summaryCh := make(chan Summary, 1)
	repo := &stubRepo{candidates: candidates, allowEnqueue: 2, summaries: summaryCh}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	Run(ctx, repo, 5, nil)

	select {
	case summary := <-summaryCh:
		if summary.EnqueueSucceeded != 2 {
			t.Fatalf("expected 2 enqueues, got %d", summary.EnqueueSucceeded)
		}
		if summary.EnqueueDroppedFull != 3 {
			t.Fatalf("expected 3 dropped jobs, got %d", summary.EnqueueDroppedFull)
		}
		if summary.SelectedForBackfill != 5 {
			t.Fatalf("expected 5 selected, got %d", summary.SelectedForBackfill)
		}
		if summary.Pending != 5 {
			t.Fatalf("expected pending count, got %d", summary.Pending)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for backfill summary")
	}
}

type stubRepo struct {
	candidates   []Record
	allowEnqueue int
	enqueued     int
	summaries    chan<- Summary
}

func (r *stubRepo) ListCandidates(ctx context.Context) ([]Record, error) {
	return r.candidates, nil
}

func (r *stubRepo) QueueRecord(ctx context.Context, rec Record) EnqueueResult {
	if r.enqueued < r.allowEnqueue {
		r.enqueued++
		return EnqueueResult{Enqueued: true}
	}
	return EnqueueResult{DroppedFull: true}
}

func (r *stubRepo) OnBackfillComplete(summary Summary) {
	r.summaries <- summary
}
