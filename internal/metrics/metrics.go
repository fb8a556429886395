// Package metrics captures shared operational stats for the replay
// engine and the worker queue.
package metrics

import "sync/atomic"

// Metrics holds atomically updated counters.
type Metrics struct {
	queueLength   int64
	queueCapacity int64
	workerCount   int64

	capturesProcessed int64
	capturesSkipped   int64
	divergences       int64
	runsCompleted     int64
}

// Snapshot provides a consistent view of the current metrics.
type Snapshot struct {
	QueueLength       int   `json:"queue_length"`
	QueueCapacity     int   `json:"queue_capacity"`
	WorkerCount       int   `json:"worker_count"`
	CapturesProcessed int64 `json:"captures_processed"`
	CapturesSkipped   int64 `json:"captures_skipped"`
	Divergences       int64 `json:"divergences"`
	RunsCompleted     int64 `json:"runs_completed"`
}

// New creates a zeroed Metrics instance.
func New() *Metrics {
	return &Metrics{}
}

// UpdateQueue records the current queue stats.
func (m *Metrics) UpdateQueue(length, capacity, workers int) {
	atomic.StoreInt64(&m.queueLength, int64(length))
	atomic.StoreInt64(&m.queueCapacity, int64(capacity))
	atomic.StoreInt64(&m.workerCount, int64(workers))
}

// RecordEvaluation tallies one capture evaluation outcome.
func (m *Metrics) RecordEvaluation(skipped, consistent bool) {
	if skipped {
		atomic.AddInt64(&m.capturesSkipped, 1)
		return
	}
	atomic.AddInt64(&m.capturesProcessed, 1)
	if !consistent {
		atomic.AddInt64(&m.divergences, 1)
	}
}

// RecordRunCompleted tallies a finished replay run.
func (m *Metrics) RecordRunCompleted() {
	atomic.AddInt64(&m.runsCompleted, 1)
}

// Snapshot returns a read-only view of metrics.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		QueueLength:       int(atomic.LoadInt64(&m.queueLength)),
		QueueCapacity:     int(atomic.LoadInt64(&m.queueCapacity)),
		WorkerCount:       int(atomic.LoadInt64(&m.workerCount)),
		CapturesProcessed: atomic.LoadInt64(&m.capturesProcessed),
		CapturesSkipped:   atomic.LoadInt64(&m.capturesSkipped),
		Divergences:       atomic.LoadInt64(&m.divergences),
		RunsCompleted:     atomic.LoadInt64(&m.runsCompleted),
	}
}
