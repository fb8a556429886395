package oref

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clock = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func testProfile() Profile {
	return Profile{
		DIA:           5,
		InsulinPeak:   75,
		BasalSchedule: []SchedulePoint{{Minutes: 0, Value: 1.0}},
		ISFSchedule:   []SchedulePoint{{Minutes: 0, Value: 50}},
		CarbRatio:     10,
		TargetLow:     90,
		TargetHigh:    110,
	}
}

func TestIobFreshBolus(t *testing.T) {
	events := []PumpHistoryEvent{
		{Type: EventBolus, Date: clock, Amount: 2},
	}
	res := Iob(events, testProfile(), clock)
	assert.InDelta(t, 2.0, res.Iob, 0.001)
	assert.InDelta(t, 2.0, res.BolusIob, 0.001)
	assert.Zero(t, res.BasalIob)
}

func TestIobExpiredBolus(t *testing.T) {
	events := []PumpHistoryEvent{
		{Type: EventBolus, Date: clock.Add(-6 * time.Hour), Amount: 5},
	}
	res := Iob(events, testProfile(), clock)
	assert.Zero(t, res.Iob)
	assert.Zero(t, res.Activity)
}

func TestIobComponentsSum(t *testing.T) {
	events := []PumpHistoryEvent{
		{Type: EventBolus, Date: clock.Add(-30 * time.Minute), Amount: 1.5},
		{Type: EventBolus, Date: clock.Add(-2 * time.Hour), Amount: 0.8},
		{Type: EventTempBasalStart, Date: clock.Add(-90 * time.Minute), Rate: 2.5, Duration: 60},
	}
	res := Iob(events, testProfile(), clock)
	assert.InDelta(t, res.Iob, res.BasalIob+res.BolusIob, 0.001)
	assert.GreaterOrEqual(t, res.Activity, 0.0)
}

func TestIobActivityNonNegativeUnderSuspend(t *testing.T) {
	// A long suspension delivers less than scheduled basal; the headline
	// activity must still not go negative.
	events := []PumpHistoryEvent{
		{Type: EventSuspend, Date: clock.Add(-2 * time.Hour)},
		{Type: EventResume, Date: clock.Add(-30 * time.Minute)},
	}
	res := Iob(events, testProfile(), clock)
	assert.Less(t, res.Iob, 0.0)
	assert.GreaterOrEqual(t, res.Activity, 0.0)
}

func TestIobZeroTempProjection(t *testing.T) {
	events := []PumpHistoryEvent{
		{Type: EventTempBasalStart, Date: clock.Add(-20 * time.Minute), Rate: 3.0, Duration: 60},
	}
	res := Iob(events, testProfile(), clock)
	require.NotNil(t, res.ZeroTemp)
	// Replacing the active high temp with zero delivery must lower IOB.
	assert.Less(t, res.ZeroTemp.Iob, res.Iob)
	require.NotNil(t, res.LastTemp)
	assert.InDelta(t, 3.0, res.LastTemp.Rate, 0.0001)
	assert.Equal(t, 60, res.LastTemp.Duration)
}

func TestIobTempEndClosesSegment(t *testing.T) {
	withEnd := []PumpHistoryEvent{
		{Type: EventTempBasalStart, Date: clock.Add(-60 * time.Minute), Rate: 3.0, Duration: 120},
		{Type: EventTempBasalEnd, Date: clock.Add(-40 * time.Minute)},
	}
	withoutEnd := []PumpHistoryEvent{
		{Type: EventTempBasalStart, Date: clock.Add(-60 * time.Minute), Rate: 3.0, Duration: 120},
	}
	a := Iob(withEnd, testProfile(), clock)
	b := Iob(withoutEnd, testProfile(), clock)
	assert.Less(t, a.Iob, b.Iob)
}

func TestIobSeriesDecays(t *testing.T) {
	events := []PumpHistoryEvent{
		{Type: EventBolus, Date: clock.Add(-10 * time.Minute), Amount: 3},
	}
	series := IobSeries(events, testProfile(), clock, 12)
	require.Len(t, series, 12)
	for i := 1; i < len(series); i++ {
		assert.LessOrEqual(t, series[i].Iob, series[i-1].Iob,
			"iob must decay with no further delivery")
	}
	assert.Equal(t, clock, series[0].Time)
}

func TestInsulinCurveBounds(t *testing.T) {
	c := newInsulinCurve(testProfile())
	assert.Equal(t, 1.0, c.Remaining(0))
	assert.Equal(t, 0.0, c.Remaining(c.dia))
	assert.Zero(t, c.Activity(0))
	assert.Zero(t, c.Activity(c.dia))

	// Integral of activity over the curve should consume the full dose.
	total := 0.0
	for m := 0.5; m < c.dia; m++ {
		total += c.Activity(m)
	}
	assert.InDelta(t, 1.0, total, 0.05)
	assert.True(t, math.Abs(c.Activity(c.peak)) > c.Activity(c.dia-1))
}
