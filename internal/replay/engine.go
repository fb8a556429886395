package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"oref_parity/internal/compare"
)

const defaultPageSize = 100

// Source lists and fetches raw captures. The corpus HTTP client and the
// local file store both satisfy it.
type Source interface {
	List(ctx context.Context, offset, length int) ([]string, error)
	Fetch(ctx context.Context, id string) ([]byte, error)
}

// Options configures a replay run.
type Options struct {
	// RunID labels the run; a fresh UUID is generated when empty.
	RunID       string
	Concurrency int
	PageSize    int
	// Functions restricts the run to the named decision functions.
	// Empty means all.
	Functions []string
	// Day restricts the run to captures taken on the given UTC date.
	Day *time.Time
	// Observe, when set, receives every evaluation as it completes.
	Observe func(Evaluation)
}

// Engine replays a corpus through two implementations and compares the
// outputs capture by capture.
type Engine struct {
	source    Source
	reference Implementation
	candidate Implementation
	table     compare.Table
	log       *zap.Logger
}

func NewEngine(source Source, reference, candidate Implementation, table compare.Table, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		source:    source,
		reference: reference,
		candidate: candidate,
		table:     table,
		log:       log,
	}
}

// Run replays every selected capture and returns the aggregated report.
// It fails outright only when the corpus is unreachable before any work
// starts; cancellation mid-run lets in-flight evaluations finish and be
// counted, then returns the partial report.
func (e *Engine) Run(ctx context.Context, opts Options) (*Report, error) {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	acc := NewAccumulator(runID, time.Now().UTC())
	log := e.log.With(zap.String("run_id", runID))
	log.Info("replay run starting",
		zap.Int("concurrency", concurrency),
		zap.String("reference", e.reference.Name()),
		zap.String("candidate", e.candidate.Name()))

	ids, err := e.source.List(ctx, 0, pageSize)
	if err != nil {
		return nil, fmt.Errorf("corpus unreachable: %w", err)
	}

	wanted := make(map[string]struct{}, len(opts.Functions))
	for _, fn := range opts.Functions {
		wanted[fn] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	offset := 0
pages:
	for len(ids) > 0 {
		for _, id := range ids {
			if ctx.Err() != nil {
				log.Warn("run canceled, draining in-flight work")
				break pages
			}
			id := id
			g.Go(func() error {
				ev := e.evaluate(gctx, id, wanted, opts.Day)
				acc.Record(ev)
				if opts.Observe != nil {
					opts.Observe(ev)
				}
				return nil
			})
		}
		offset += len(ids)
		if len(ids) < pageSize {
			break
		}
		ids, err = e.source.List(ctx, offset, pageSize)
		if err != nil {
			log.Error("corpus listing failed mid-run", zap.Int("offset", offset), zap.Error(err))
			break
		}
	}
	// Workers never return errors; Wait only drains them.
	_ = g.Wait()

	report := acc.Snapshot(time.Now().UTC())
	log.Info("replay run finished",
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Bool("inconsistent", report.Inconsistent()))
	return report, nil
}

// EvaluateRaw replays a single raw capture. The watcher path uses it
// for captures dropped outside a batch run.
func (e *Engine) EvaluateRaw(ctx context.Context, raw []byte) Evaluation {
	c, err := DecodeCapture(raw)
	if err != nil {
		return Evaluation{Skipped: true, SkipReason: err.Error()}
	}
	return e.compareCapture(ctx, c)
}

func (e *Engine) evaluate(ctx context.Context, id string, wanted map[string]struct{}, day *time.Time) Evaluation {
	raw, err := e.source.Fetch(ctx, id)
	if err != nil {
		e.log.Warn("capture fetch failed", zap.String("capture_id", id), zap.Error(err))
		return Evaluation{CaptureID: id, Skipped: true, SkipReason: fmt.Sprintf("fetch: %v", err)}
	}
	c, err := DecodeCapture(raw)
	if err != nil {
		e.log.Warn("capture rejected", zap.String("capture_id", id), zap.Error(err))
		return Evaluation{CaptureID: id, Skipped: true, SkipReason: err.Error()}
	}
	if len(wanted) > 0 {
		if _, ok := wanted[c.Function]; !ok {
			return Evaluation{CaptureID: c.ID, Function: c.Function, Timezone: c.Timezone, Filtered: true}
		}
	}
	if day != nil {
		y, m, d := day.UTC().Date()
		cy, cm, cd := c.CapturedAt.UTC().Date()
		if y != cy || m != cm || d != cd {
			return Evaluation{CaptureID: c.ID, Function: c.Function, Timezone: c.Timezone, Filtered: true}
		}
	}
	return e.compareCapture(ctx, c)
}

func (e *Engine) compareCapture(ctx context.Context, c *Capture) Evaluation {
	ev := Evaluation{CaptureID: c.ID, Function: c.Function, Timezone: c.Timezone}

	expected, err := e.reference.Invoke(ctx, c)
	if err != nil {
		ev.Skipped = true
		ev.SkipReason = fmt.Sprintf("%s: %v", e.reference.Name(), err)
		return ev
	}
	actual, err := e.candidate.Invoke(ctx, c)
	if err != nil {
		ev.Skipped = true
		ev.SkipReason = fmt.Sprintf("%s: %v", e.candidate.Name(), err)
		return ev
	}

	ev.Verdict = e.table.Compare(c.Function, expected, actual)
	if !ev.Verdict.Consistent {
		fields := []zap.Field{
			zap.String("capture_id", c.ID),
			zap.String("function", c.Function),
			zap.String("timezone", c.Timezone),
			zap.Int("differences", len(ev.Verdict.Differences)),
		}
		for i, d := range ev.Verdict.Differences {
			if i == 3 {
				break
			}
			fields = append(fields, zap.String(fmt.Sprintf("diff_%d", i), d.Path))
		}
		e.log.Warn("capture diverged", fields...)
	}
	return ev
}
