package replay

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"oref_parity/internal/compare"
)

// Evaluation is the outcome of replaying one capture.
type Evaluation struct {
	CaptureID  string
	Function   string
	Timezone   string
	Verdict    compare.Verdict
	Skipped    bool
	SkipReason string
	// Filtered marks captures excluded by run selection rather than by
	// a defect; they are not tallied.
	Filtered bool
}

// TimezoneOutcome tallies results for a single function and timezone.
type TimezoneOutcome struct {
	Evaluated int `json:"evaluated"`
	Errors    int `json:"errors"`
}

// FunctionReport tallies results for a single decision function.
type FunctionReport struct {
	Evaluated int                         `json:"evaluated"`
	Errors    int                         `json:"errors"`
	Skipped   int                         `json:"skipped"`
	Timezones map[string]*TimezoneOutcome `json:"timezones"`
}

// Report is the aggregated outcome of a replay run.
type Report struct {
	RunID      string                     `json:"run_id"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at"`
	Processed  int                        `json:"processed"`
	Skipped    int                        `json:"skipped"`
	Functions  map[string]*FunctionReport `json:"functions"`
}

// Inconsistent reports whether any evaluated capture produced a
// difference.
func (r *Report) Inconsistent() bool {
	for _, fr := range r.Functions {
		if fr.Errors > 0 {
			return true
		}
	}
	return false
}

// Render emits the stable line-per-function text format. A function
// that never ran is reported as not-applicable rather than as a pass.
func (r *Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run=%s processed=%d skipped=%d\n", r.RunID, r.Processed, r.Skipped)

	names := make([]string, 0, len(r.Functions))
	for name := range r.Functions {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fr := r.Functions[name]
		if fr.Evaluated == 0 && fr.Skipped == 0 {
			fmt.Fprintf(&b, "function=%s result=not-applicable\n", name)
			continue
		}
		fmt.Fprintf(&b, "function=%s errors=%d skipped=%d", name, fr.Errors, fr.Skipped)

		zones := make([]string, 0, len(fr.Timezones))
		for tz := range fr.Timezones {
			zones = append(zones, tz)
		}
		sort.Strings(zones)
		for _, tz := range zones {
			state := "PASS"
			if fr.Timezones[tz].Errors > 0 {
				state = "FAIL"
			}
			fmt.Fprintf(&b, " %s=%s", tz, state)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Accumulator folds evaluations into a report. It is the single
// serialization point for worker results.
type Accumulator struct {
	mu     sync.Mutex
	report *Report
}

// NewAccumulator starts a report for the given run. Every known
// decision function gets an entry so functions that never run still
// appear in the rendered report.
func NewAccumulator(runID string, startedAt time.Time) *Accumulator {
	functions := make(map[string]*FunctionReport, len(knownFunctions))
	for name := range knownFunctions {
		functions[name] = &FunctionReport{Timezones: make(map[string]*TimezoneOutcome)}
	}
	return &Accumulator{report: &Report{
		RunID:     runID,
		StartedAt: startedAt,
		Functions: functions,
	}}
}

// Record folds one evaluation into the report.
func (a *Accumulator) Record(ev Evaluation) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ev.Filtered {
		return
	}
	if ev.Skipped {
		a.report.Skipped++
		// A capture too malformed to decode has no function to charge.
		if ev.Function != "" {
			a.function(ev.Function).Skipped++
		}
		return
	}
	fr := a.function(ev.Function)
	a.report.Processed++
	fr.Evaluated++
	tz := fr.Timezones[ev.Timezone]
	if tz == nil {
		tz = &TimezoneOutcome{}
		fr.Timezones[ev.Timezone] = tz
	}
	tz.Evaluated++
	if !ev.Verdict.Consistent {
		fr.Errors++
		tz.Errors++
	}
}

func (a *Accumulator) function(name string) *FunctionReport {
	fr := a.report.Functions[name]
	if fr == nil {
		fr = &FunctionReport{Timezones: make(map[string]*TimezoneOutcome)}
		a.report.Functions[name] = fr
	}
	return fr
}

// Snapshot finalizes and returns the report.
func (a *Accumulator) Snapshot(finishedAt time.Time) *Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.report.FinishedAt = finishedAt
	return a.report
}
