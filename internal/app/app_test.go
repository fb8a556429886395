package app

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oref_parity/config"
	"oref_parity/internal/compare"
	"oref_parity/internal/corpus"
	"oref_parity/internal/oref"
	"oref_parity/internal/replay"
)

var clock = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	work := t.TempDir()
	return config.Config{
		HTTPPort:        ":0",
		CorpusDir:       t.TempDir(),
		WatchDir:        filepath.Join(work, "incoming"),
		WorkDir:         work,
		DBPath:          filepath.Join(work, "parity.db"),
		WorkerCount:     2,
		JobQueueSize:    16,
		JobTimeoutSec:   10,
		FetchRetries:    1,
		FetchTimeoutSec: 5,
		PageSize:        50,
		Tuning:          oref.DefaultTuning(),
	}
}

func seedCapture(t *testing.T, dir string, id string) {
	t.Helper()
	profile := oref.Profile{
		DIA:           5,
		InsulinPeak:   75,
		BasalSchedule: []oref.SchedulePoint{{Minutes: 0, Value: 1.0}},
		ISFSchedule:   []oref.SchedulePoint{{Minutes: 0, Value: 50}},
		CarbRatio:     10,
		TargetLow:     90,
		TargetHigh:    110,
	}
	iob := make([]oref.IobResult, 48)
	for i := range iob {
		ts := clock.Add(time.Duration(i) * 5 * time.Minute)
		iob[i] = oref.IobResult{Time: ts, ZeroTemp: &oref.IobResult{Time: ts}}
	}
	inputs, err := json.Marshal(replay.DetermineInputs{
		Clock:    clock,
		Glucose:  oref.GlucoseStatus{Glucose: 100, Date: clock},
		Iob:      iob,
		Autosens: oref.AutosensResult{Ratio: 1.0},
		Profile:  profile,
	})
	require.NoError(t, err)

	c := replay.Capture{
		ID:         id,
		Function:   compare.FuncDetermineBasal,
		Timezone:   "UTC",
		CapturedAt: clock,
		Inputs:     inputs,
		Recorded:   json.RawMessage(`{}`),
	}
	out, err := replay.Native{}.Invoke(context.Background(), &c)
	require.NoError(t, err)
	recorded, err := json.Marshal(out)
	require.NoError(t, err)
	c.Recorded = recorded

	raw, err := json.Marshal(c)
	require.NoError(t, err)

	store, err := corpus.OpenDir(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(id, raw))
}

func TestReplayBatchArchivesRun(t *testing.T) {
	cfg := testConfig(t)
	seedCapture(t, cfg.CorpusDir, "cap-1")
	seedCapture(t, cfg.CorpusDir, "cap-2")

	a, err := New(cfg, nil)
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	ctx := context.Background()
	report, err := a.ReplayBatch(ctx, replay.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.False(t, report.Inconsistent())

	runs, err := a.Store().ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].RunID)
	assert.Contains(t, runs[0].ReportText, "function=determine-basal errors=0")

	history, err := a.Store().CaptureHistory(ctx, "cap-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, report.RunID, history[0].RunID)
	assert.True(t, history[0].Consistent)
}

func TestReplayBatchNoCorpusFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.CorpusDir = filepath.Join(cfg.WorkDir, "missing")
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestBackfillEvaluatesPendingCaptures(t *testing.T) {
	cfg := testConfig(t)
	seedCapture(t, cfg.CorpusDir, "cap-1")

	a, err := New(cfg, nil)
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.queue.Start(ctx)
	require.NoError(t, a.Backfill(ctx, 10))

	deadline := time.After(3 * time.Second)
	for {
		history, err := a.Store().CaptureHistory(ctx, "cap-1", 10)
		require.NoError(t, err)
		if len(history) > 0 {
			assert.Equal(t, "backfill", history[0].RunID)
			return
		}
		select {
		case <-deadline:
			t.Fatal("backfill never evaluated the capture")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
