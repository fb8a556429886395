package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"oref_parity/internal/compare"
	"oref_parity/internal/oref"
)

var clock = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func testProfile() oref.Profile {
	return oref.Profile{
		DIA:           5,
		InsulinPeak:   75,
		BasalSchedule: []oref.SchedulePoint{{Minutes: 0, Value: 1.0}},
		ISFSchedule:   []oref.SchedulePoint{{Minutes: 0, Value: 50}},
		CarbRatio:     10,
		TargetLow:     90,
		TargetHigh:    110,
	}
}

func neutralDetermineInputs() DetermineInputs {
	iob := make([]oref.IobResult, 48)
	for i := range iob {
		ts := clock.Add(time.Duration(i) * 5 * time.Minute)
		iob[i] = oref.IobResult{Time: ts, ZeroTemp: &oref.IobResult{Time: ts}}
	}
	return DetermineInputs{
		Clock:    clock,
		Glucose:  oref.GlucoseStatus{Glucose: 100, Date: clock},
		Iob:      iob,
		Autosens: oref.AutosensResult{Ratio: 1.0},
		Profile:  testProfile(),
	}
}

// encodeCapture builds a raw capture file from typed parts.
func encodeCapture(t *testing.T, id, function, tz string, inputs, recorded any) []byte {
	t.Helper()
	in, err := json.Marshal(inputs)
	require.NoError(t, err)
	rec, err := json.Marshal(recorded)
	require.NoError(t, err)
	raw, err := json.Marshal(Capture{
		ID:         id,
		Function:   function,
		Timezone:   tz,
		CapturedAt: clock,
		Inputs:     in,
		Recorded:   rec,
	})
	require.NoError(t, err)
	return raw
}

// selfConsistentCapture runs the native implementation once and archives
// its own output as the recorded reference.
func selfConsistentCapture(t *testing.T, id, function, tz string, inputs any) []byte {
	t.Helper()
	placeholder := encodeCapture(t, id, function, tz, inputs, map[string]any{})
	c, err := DecodeCapture(placeholder)
	require.NoError(t, err)
	out, err := Native{}.Invoke(context.Background(), c)
	require.NoError(t, err)
	return encodeCapture(t, id, function, tz, inputs, out)
}

type memorySource struct {
	mu       sync.Mutex
	ids      []string
	captures map[string][]byte
	listErr  error
	fetches  int
}

func newMemorySource() *memorySource {
	return &memorySource{captures: make(map[string][]byte)}
}

func (s *memorySource) add(id string, raw []byte) {
	s.ids = append(s.ids, id)
	s.captures[id] = raw
}

func (s *memorySource) List(_ context.Context, offset, length int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	if offset >= len(s.ids) {
		return nil, nil
	}
	end := offset + length
	if end > len(s.ids) {
		end = len(s.ids)
	}
	return s.ids[offset:end], nil
}

func (s *memorySource) Fetch(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	raw, ok := s.captures[id]
	if !ok {
		return nil, fmt.Errorf("no such capture %s", id)
	}
	return raw, nil
}

func TestDecodeCaptureRejectsDefects(t *testing.T) {
	good := encodeCapture(t, "c1", compare.FuncDetermineBasal, "Europe/Berlin",
		neutralDetermineInputs(), map[string]any{"rate": 1.0})
	_, err := DecodeCapture(good)
	require.NoError(t, err)

	cases := map[string][]byte{
		"truncated json":   good[:len(good)/2],
		"unknown function": encodeCapture(t, "c2", "bolus-wizard", "UTC", 1, 2),
		"bad timezone":     encodeCapture(t, "c3", compare.FuncIob, "Mars/Olympus", 1, 2),
		"missing id":       encodeCapture(t, "", compare.FuncIob, "UTC", 1, 2),
	}
	for name, raw := range cases {
		_, err := DecodeCapture(raw)
		assert.Error(t, err, name)
	}
}

func TestNativeMatchesOwnOutput(t *testing.T) {
	engine := NewEngine(nil, Recorded{}, Native{}, compare.Builtin(), zap.NewNop())

	captures := map[string][]byte{
		compare.FuncDetermineBasal: selfConsistentCapture(t, "d1", compare.FuncDetermineBasal,
			"America/New_York", neutralDetermineInputs()),
		compare.FuncIob: selfConsistentCapture(t, "i1", compare.FuncIob, "UTC", IobInputs{
			Clock:   clock,
			Profile: testProfile(),
			Points:  4,
			PumpHistory: []oref.PumpHistoryEvent{
				{Type: oref.EventBolus, Date: clock.Add(-30 * time.Minute), Amount: 2.0},
			},
		}),
		compare.FuncMeal: selfConsistentCapture(t, "m1", compare.FuncMeal, "UTC", MealInputs{
			Clock:   clock,
			Profile: testProfile(),
			Carbs:   []oref.CarbEntry{{Date: clock.Add(-time.Hour), Carbs: 30}},
		}),
		compare.FuncAutosens: selfConsistentCapture(t, "a1", compare.FuncAutosens, "UTC", AutosensInputs{
			Clock:   clock,
			Profile: testProfile(),
		}),
	}
	for function, raw := range captures {
		ev := engine.EvaluateRaw(context.Background(), raw)
		require.False(t, ev.Skipped, "%s: %s", function, ev.SkipReason)
		assert.True(t, ev.Verdict.Consistent, "%s: %v", function, ev.Verdict.Differences)
	}
}

func TestDivergentRecordedOutputFails(t *testing.T) {
	in := neutralDetermineInputs()
	raw := selfConsistentCapture(t, "d1", compare.FuncDetermineBasal, "UTC", in)
	c, err := DecodeCapture(raw)
	require.NoError(t, err)
	var recorded map[string]any
	require.NoError(t, json.Unmarshal(c.Recorded, &recorded))
	recorded["rate"] = recorded["rate"].(float64) + 2.0

	engine := NewEngine(nil, Recorded{}, Native{}, compare.Builtin(), zap.NewNop())
	ev := engine.EvaluateRaw(context.Background(), encodeCapture(t, "d1", c.Function, c.Timezone, json.RawMessage(c.Inputs), recorded))
	require.False(t, ev.Skipped, ev.SkipReason)
	require.False(t, ev.Verdict.Consistent)
	assert.Equal(t, "rate", ev.Verdict.Differences[0].Path)
}

func TestRunSkipsCorruptCapture(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := newMemorySource()
	for i := 0; i < 9; i++ {
		id := fmt.Sprintf("c%d", i)
		tz := "Europe/Berlin"
		if i%2 == 0 {
			tz = "America/New_York"
		}
		source.add(id, selfConsistentCapture(t, id, compare.FuncDetermineBasal, tz, neutralDetermineInputs()))
	}
	source.add("broken", []byte(`{"id": "broken", "function":`))

	engine := NewEngine(source, Recorded{}, Native{}, compare.Builtin(), zap.NewNop())
	report, err := engine.Run(context.Background(), Options{Concurrency: 3, PageSize: 4})
	require.NoError(t, err)

	assert.Equal(t, 9, report.Processed)
	assert.Equal(t, 1, report.Skipped)
	assert.False(t, report.Inconsistent())

	fr := report.Functions[compare.FuncDetermineBasal]
	require.NotNil(t, fr)
	assert.Equal(t, 9, fr.Evaluated)
	assert.Equal(t, 0, fr.Errors)
	assert.Equal(t, 5, fr.Timezones["America/New_York"].Evaluated)
	assert.Equal(t, 4, fr.Timezones["Europe/Berlin"].Evaluated)
}

func TestRunFailsWhenCorpusUnreachable(t *testing.T) {
	source := newMemorySource()
	source.listErr = errors.New("connection refused")
	engine := NewEngine(source, Recorded{}, Native{}, compare.Builtin(), zap.NewNop())
	_, err := engine.Run(context.Background(), Options{})
	require.ErrorContains(t, err, "corpus unreachable")
}

func TestRunFunctionFilter(t *testing.T) {
	source := newMemorySource()
	source.add("d1", selfConsistentCapture(t, "d1", compare.FuncDetermineBasal, "UTC", neutralDetermineInputs()))
	source.add("a1", selfConsistentCapture(t, "a1", compare.FuncAutosens, "UTC", AutosensInputs{Clock: clock, Profile: testProfile()}))

	engine := NewEngine(source, Recorded{}, Native{}, compare.Builtin(), zap.NewNop())
	report, err := engine.Run(context.Background(), Options{Functions: []string{compare.FuncAutosens}})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, 1, report.Functions[compare.FuncAutosens].Evaluated)
	assert.Equal(t, 0, report.Functions[compare.FuncDetermineBasal].Evaluated)
}

func TestRunDayFilter(t *testing.T) {
	source := newMemorySource()
	inDay := encodeCapture(t, "d1", compare.FuncDetermineBasal, "UTC", neutralDetermineInputs(), map[string]any{})
	source.add("d1", inDay)

	day := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	engine := NewEngine(source, Recorded{}, Native{}, compare.Builtin(), zap.NewNop())
	report, err := engine.Run(context.Background(), Options{Day: &day})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Processed)
	assert.Equal(t, 0, report.Skipped)
}

func TestRunObserveCallback(t *testing.T) {
	source := newMemorySource()
	source.add("d1", selfConsistentCapture(t, "d1", compare.FuncDetermineBasal, "UTC", neutralDetermineInputs()))

	var mu sync.Mutex
	var seen []Evaluation
	engine := NewEngine(source, Recorded{}, Native{}, compare.Builtin(), zap.NewNop())
	_, err := engine.Run(context.Background(), Options{Observe: func(ev Evaluation) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	}})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, "d1", seen[0].CaptureID)
}

func TestRenderStableFormat(t *testing.T) {
	acc := NewAccumulator("run-1", clock)
	acc.Record(Evaluation{CaptureID: "c1", Function: compare.FuncDetermineBasal, Timezone: "Europe/Berlin",
		Verdict: compare.Verdict{Consistent: true}})
	acc.Record(Evaluation{CaptureID: "c2", Function: compare.FuncDetermineBasal, Timezone: "America/New_York",
		Verdict: compare.Verdict{Differences: []compare.DifferenceRecord{{Path: "rate"}}}})
	acc.Record(Evaluation{CaptureID: "c3", Function: compare.FuncIob, Timezone: "UTC",
		Verdict: compare.Verdict{Consistent: true}})
	acc.Record(Evaluation{CaptureID: "c4", Skipped: true, SkipReason: "malformed"})

	out := acc.Snapshot(clock).Render()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "run=run-1 processed=3 skipped=1", lines[0])
	assert.Equal(t, "function=autosens result=not-applicable", lines[1])
	assert.Equal(t, "function=determine-basal errors=1 skipped=0 America/New_York=FAIL Europe/Berlin=PASS", lines[2])
	assert.Equal(t, "function=iob errors=0 skipped=0 UTC=PASS", lines[3])
	assert.Equal(t, "function=meal result=not-applicable", lines[4])
}

func TestReportNotApplicableIsNotPass(t *testing.T) {
	report := NewAccumulator("run-2", clock).Snapshot(clock)
	assert.False(t, report.Inconsistent())
	out := report.Render()
	assert.Contains(t, out, "result=not-applicable")
	assert.NotContains(t, out, "PASS")
}
