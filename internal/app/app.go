// Package app wires the parity service components together.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"oref_parity/config"
	"oref_parity/internal/backfill"
	"oref_parity/internal/compare"
	"oref_parity/internal/corpus"
	"oref_parity/internal/events"
	"oref_parity/internal/httpapi"
	"oref_parity/internal/metrics"
	"oref_parity/internal/notify"
	"oref_parity/internal/queue"
	"oref_parity/internal/replay"
	"oref_parity/internal/store"
	"oref_parity/internal/watch"
)

// App owns the replay engine, the evaluation queue, and the ops server.
type App struct {
	cfg      config.Config
	log      *zap.Logger
	store    *store.Store
	engine   *replay.Engine
	queue    *queue.Queue
	metrics  *metrics.Metrics
	bus      *events.Bus
	notifier *notify.Notifier
	watcher  *watch.Watcher
	mux      *http.ServeMux
}

func New(cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("work dir: %w", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	table := compare.Builtin()
	if cfg.CompareSpecPath != "" {
		table, err = compare.Load(cfg.CompareSpecPath)
		if err != nil {
			return nil, fmt.Errorf("comparison spec: %w", err)
		}
	}

	source, err := buildSource(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		metrics:  metrics.New(),
		bus:      events.NewBus(),
		notifier: notify.New(cfg.WebhookURL),
		queue:    queue.New(cfg.JobQueueSize, cfg.WorkerCount, time.Duration(cfg.JobTimeoutSec)*time.Second, log),
	}
	a.engine = replay.NewEngine(source, replay.Recorded{}, replay.Native{Tuning: cfg.Tuning}, table, log)
	a.watcher = watch.New(cfg.WatchDir, a.handleCaptureFile, log)

	a.mux = http.NewServeMux()
	httpapi.NewRouter(st, a.metrics, a.queue, log).Register(a.mux)
	corpusDir, err := corpus.OpenDir(cfg.CorpusDir)
	if err == nil {
		corpus.NewServer(corpusDir, log).Register(a.mux)
	}
	return a, nil
}

func buildSource(cfg config.Config) (replay.Source, error) {
	if cfg.CorpusURL != "" {
		return corpus.NewClient(cfg.CorpusURL, cfg.FetchRetries,
			time.Duration(cfg.FetchTimeoutSec)*time.Second), nil
	}
	return corpus.OpenDir(cfg.CorpusDir)
}

// Run starts workers, the capture watcher, and the HTTP server, and
// blocks until the server stops.
func (a *App) Run(ctx context.Context) error {
	a.queue.Start(ctx)
	if err := os.MkdirAll(a.cfg.WatchDir, 0o755); err != nil {
		return fmt.Errorf("watch dir: %w", err)
	}
	if err := a.watcher.Start(ctx); err != nil {
		return err
	}
	if err := a.watcher.Rescan(ctx); err != nil {
		a.log.Warn("watch dir rescan failed", zap.Error(err))
	}

	srv := &http.Server{Addr: a.cfg.HTTPPort, Handler: a.mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("http listening", zap.String("addr", a.cfg.HTTPPort))
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ReplayBatch runs the engine over the corpus and archives the outcome.
func (a *App) ReplayBatch(ctx context.Context, opts replay.Options) (*replay.Report, error) {
	started := time.Now().UTC()
	runID := uuid.NewString()
	opts.RunID = runID
	opts.Concurrency = a.cfg.WorkerCount
	opts.PageSize = a.cfg.PageSize
	opts.Observe = func(ev replay.Evaluation) {
		if ev.Filtered {
			return
		}
		a.recordEvaluation(ctx, runID, ev)
	}
	a.bus.Publish(events.RunStarted{RunID: runID, StartedAt: started})

	report, err := a.engine.Run(ctx, opts)
	if err != nil {
		return nil, err
	}

	run := store.Run{
		RunID:        report.RunID,
		StartedAt:    started,
		FinishedAt:   report.FinishedAt,
		Processed:    report.Processed,
		Skipped:      report.Skipped,
		Inconsistent: report.Inconsistent(),
		ReportText:   report.Render(),
	}
	if err := a.store.InsertRun(ctx, run); err != nil && err != store.ErrConflict {
		a.log.Error("archive run failed", zap.String("run_id", report.RunID), zap.Error(err))
	}
	a.metrics.RecordRunCompleted()
	a.bus.Publish(events.RunFinished{
		RunID:        report.RunID,
		Processed:    report.Processed,
		Skipped:      report.Skipped,
		Inconsistent: report.Inconsistent(),
		FinishedAt:   report.FinishedAt,
	})

	if report.Inconsistent() {
		divergences := 0
		for _, fr := range report.Functions {
			divergences += fr.Errors
		}
		if err := a.notifier.Send(ctx, notify.Message{
			Text:          fmt.Sprintf("replay run %s found %d divergent captures", report.RunID, divergences),
			RunID:         report.RunID,
			Divergences:   divergences,
			ReportExcerpt: report.Render(),
		}); err != nil {
			a.log.Warn("webhook delivery failed", zap.Error(err))
		}
	}
	return report, nil
}

func (a *App) recordEvaluation(ctx context.Context, runID string, ev replay.Evaluation) {
	a.metrics.RecordEvaluation(ev.Skipped, ev.Verdict.Consistent)
	v := store.Verdict{
		RunID:      runID,
		CaptureID:  ev.CaptureID,
		Function:   ev.Function,
		Timezone:   ev.Timezone,
		Consistent: ev.Verdict.Consistent,
		SkipReason: ev.SkipReason,
		Diffs:      ev.Verdict.Differences,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.store.RecordVerdict(ctx, v); err != nil {
		a.log.Error("record verdict failed", zap.String("capture_id", ev.CaptureID), zap.Error(err))
	}
	if !ev.Skipped && !ev.Verdict.Consistent {
		paths := make([]string, 0, len(ev.Verdict.Differences))
		for _, d := range ev.Verdict.Differences {
			paths = append(paths, d.Path)
		}
		a.bus.Publish(events.Divergence{
			RunID:     runID,
			CaptureID: ev.CaptureID,
			Function:  ev.Function,
			Timezone:  ev.Timezone,
			Paths:     paths,
		})
	}
}

// handleCaptureFile evaluates a single capture dropped into the watch
// directory, then archives it in the corpus directory.
func (a *App) handleCaptureFile(ctx context.Context, path string) {
	jobID := filepath.Base(path)
	enqueued, dropped := a.queue.EnqueueWithRetry(ctx, queue.Job{
		ID:     jobID,
		Source: "watcher",
		Work: func(jobCtx context.Context) error {
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			ev := a.engine.EvaluateRaw(jobCtx, raw)
			a.recordEvaluation(jobCtx, "watch", ev)
			if ev.Skipped {
				return fmt.Errorf("capture skipped: %s", ev.SkipReason)
			}
			a.archiveCapture(jobID, raw)
			return nil
		},
	}, 5*time.Second, 250*time.Millisecond)
	stats := a.queue.Stats()
	a.metrics.UpdateQueue(stats.Length, stats.Capacity, stats.WorkerCount)
	if !enqueued {
		a.log.Warn("capture evaluation not enqueued",
			zap.String("path", path), zap.Bool("queue_full", dropped))
	}
}

func (a *App) archiveCapture(filename string, raw []byte) {
	dir, err := corpus.OpenDir(a.cfg.CorpusDir)
	if err != nil {
		a.log.Warn("corpus dir unavailable, capture not archived", zap.Error(err))
		return
	}
	id := strings.TrimSuffix(filename, filepath.Ext(filename))
	if err := dir.Put(id, raw); err != nil {
		a.log.Warn("archive capture failed", zap.String("capture_id", id), zap.Error(err))
	}
}

// Backfill enqueues evaluations for archived captures without a verdict.
func (a *App) Backfill(ctx context.Context, limit int) error {
	source, err := buildSource(a.cfg)
	if err != nil {
		return err
	}
	repo := &backfillRepo{app: a, source: source}
	backfill.Run(ctx, repo, limit, a.log)
	return nil
}

// RunBackfillAndWait starts the workers, backfills pending captures, and
// drains the queue before returning. The CLI uses it for one-shot runs.
func (a *App) RunBackfillAndWait(ctx context.Context, limit int) error {
	a.queue.Start(ctx)
	source, err := buildSource(a.cfg)
	if err != nil {
		return err
	}
	done := make(chan backfill.Summary, 1)
	repo := &backfillRepo{app: a, source: source, done: done}
	backfill.Run(ctx, repo, limit, a.log)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.JobTimeoutSec)*time.Second)
	defer cancel()
	a.queue.Stop(drainCtx)
	return nil
}

// backfillRepo bridges the backfill selector to the corpus and the
// evaluation queue.
type backfillRepo struct {
	app    *App
	source replay.Source
	done   chan<- backfill.Summary
}

func (r *backfillRepo) ListCandidates(ctx context.Context) ([]backfill.Record, error) {
	evaluated, err := r.app.store.EvaluatedCaptureIDs(ctx)
	if err != nil {
		return nil, err
	}
	var records []backfill.Record
	offset := 0
	for {
		ids, err := r.source.List(ctx, offset, r.app.cfg.PageSize)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			rec := backfill.Record{CaptureID: id}
			if _, ok := evaluated[id]; ok {
				rec.Evaluated = true
			} else if raw, err := r.source.Fetch(ctx, id); err == nil {
				if c, err := replay.DecodeCapture(raw); err == nil {
					rec.Function = c.Function
					rec.CapturedAt = c.CapturedAt
				}
			}
			records = append(records, rec)
		}
		offset += len(ids)
		if len(ids) < r.app.cfg.PageSize {
			break
		}
	}
	return records, nil
}

func (r *backfillRepo) QueueRecord(ctx context.Context, rec backfill.Record) backfill.EnqueueResult {
	enqueued, dropped := r.app.queue.EnqueueWithRetry(ctx, queue.Job{
		ID:     rec.CaptureID,
		Source: "backfill",
		Work: func(jobCtx context.Context) error {
			raw, err := r.source.Fetch(jobCtx, rec.CaptureID)
			if err != nil {
				return err
			}
			ev := r.app.engine.EvaluateRaw(jobCtx, raw)
			r.app.recordEvaluation(jobCtx, "backfill", ev)
			return nil
		},
	}, 5*time.Second, 250*time.Millisecond)
	return backfill.EnqueueResult{Enqueued: enqueued, DroppedFull: dropped}
}

func (r *backfillRepo) OnBackfillComplete(summary backfill.Summary) {
	r.app.log.Info("backfill complete",
		zap.Int("selected", summary.SelectedForBackfill),
		zap.Int("enqueued", summary.EnqueueSucceeded))
	if r.done != nil {
		select {
		case r.done <- summary:
		default:
		}
	}
}

func (a *App) Store() *store.Store       { return a.store }
func (a *App) Bus() *events.Bus          { return a.bus }
func (a *App) Mux() *http.ServeMux       { return a.mux }
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Shutdown drains the queue and closes the store.
func (a *App) Shutdown(ctx context.Context) {
	a.queue.Stop(ctx)
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", zap.Error(err))
	}
}
