package oref

import (
	"math"
	"sort"
	"time"
)

// deliverySegment is a reconstructed span of non-scheduled insulin
// delivery: a temp basal or a suspension.
type deliverySegment struct {
	start time.Time
	end   time.Time
	rate  float64
	temp  bool
}

// Iob walks pump history and returns the insulin-on-board state at clock,
// including the zero-temp safety projection.
func Iob(events []PumpHistoryEvent, profile Profile, clock time.Time) IobResult {
	profile = profile.WithDefaults()
	segments, lastTemp := deliverySegments(events, clock)

	res := iobAt(events, segments, profile, clock)
	res.LastTemp = lastTemp

	zt := iobAt(events, zeroTempSegments(segments, clock), profile, clock)
	res.ZeroTemp = &zt
	return res
}

// IobSeries samples IOB at successive 5-minute offsets from clock. The
// first element is the current state. Pump history is fixed; only the
// reference clock advances, so the series shows how on-board insulin
// decays with no further delivery decisions.
func IobSeries(events []PumpHistoryEvent, profile Profile, clock time.Time, points int) []IobResult {
	if points <= 0 {
		points = int(profile.WithDefaults().DIA * 12)
	}
	series := make([]IobResult, 0, points)
	for k := 0; k < points; k++ {
		series = append(series, Iob(events, profile, clock.Add(time.Duration(k)*5*time.Minute)))
	}
	return series
}

func iobAt(events []PumpHistoryEvent, segments []deliverySegment, profile Profile, clock time.Time) IobResult {
	curve := newInsulinCurve(profile)
	res := IobResult{Time: clock}

	for _, e := range events {
		if e.Type != EventBolus || e.Date.After(clock) {
			continue
		}
		age := clock.Sub(e.Date).Minutes()
		if age >= curve.dia {
			continue
		}
		res.BolusIob += e.Amount * curve.Remaining(age)
		res.Activity += e.Amount * curve.Activity(age)
		res.BolusInsulin += e.Amount
	}

	horizon := clock.Add(-time.Duration(curve.dia) * time.Minute)
	for _, seg := range segments {
		if !seg.end.After(horizon) {
			continue
		}
		for t := seg.start; t.Before(seg.end); t = t.Add(5 * time.Minute) {
			sliceEnd := seg.end
			if next := t.Add(5 * time.Minute); next.Before(sliceEnd) {
				sliceEnd = next
			}
			mins := sliceEnd.Sub(t).Minutes()
			if mins <= 0 {
				continue
			}
			net := (seg.rate - profile.BasalAt(t)) * mins / 60
			if net == 0 {
				continue
			}
			age := clock.Sub(t.Add(sliceEnd.Sub(t) / 2)).Minutes()
			res.BasalIob += net * curve.Remaining(age)
			res.Activity += net * curve.Activity(age)
			res.NetBasalInsulin += net
		}
	}

	res.BasalIob = roundTo(res.BasalIob, 0.001)
	res.BolusIob = roundTo(res.BolusIob, 0.001)
	res.Iob = roundTo(res.BasalIob+res.BolusIob, 0.001)
	res.NetBasalInsulin = roundTo(res.NetBasalInsulin, 0.001)
	res.BolusInsulin = roundTo(res.BolusInsulin, 0.001)
	res.Activity = math.Max(0, roundTo(res.Activity, 0.0001))
	return res
}

// deliverySegments reconstructs temp basal and suspension spans from the
// tagged event stream, clipped to clock. A new temp start or an explicit
// end closes the running temp; suspend zeroes delivery until resume.
func deliverySegments(events []PumpHistoryEvent, clock time.Time) ([]deliverySegment, *TempBasal) {
	sorted := make([]PumpHistoryEvent, 0, len(events))
	for _, e := range events {
		if e.Type != EventBolus && !e.Date.After(clock) {
			sorted = append(sorted, e)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	var segments []deliverySegment
	var open *deliverySegment
	var lastTemp *TempBasal

	closeOpen := func(at time.Time) {
		if open == nil {
			return
		}
		end := open.end
		if at.Before(end) {
			end = at
		}
		if end.After(open.start) {
			segments = append(segments, deliverySegment{start: open.start, end: end, rate: open.rate, temp: open.temp})
		}
		open = nil
	}

	for _, e := range sorted {
		switch e.Type {
		case EventTempBasalStart:
			closeOpen(e.Date)
			open = &deliverySegment{
				start: e.Date,
				end:   e.Date.Add(time.Duration(e.Duration) * time.Minute),
				rate:  e.Rate,
				temp:  true,
			}
			lastTemp = &TempBasal{Rate: e.Rate, Duration: e.Duration, Start: e.Date}
		case EventTempBasalEnd, EventResume:
			closeOpen(e.Date)
		case EventSuspend:
			closeOpen(e.Date)
			open = &deliverySegment{start: e.Date, end: clock, rate: 0}
		}
	}
	closeOpen(clock)
	return segments, lastTemp
}

// zeroTempSegments replaces any temp segment still covering clock with
// zero delivery, leaving historical segments untouched.
func zeroTempSegments(segments []deliverySegment, clock time.Time) []deliverySegment {
	out := make([]deliverySegment, len(segments))
	copy(out, segments)
	for i := range out {
		if out[i].temp && !out[i].end.Before(clock) {
			out[i].rate = 0
		}
	}
	return out
}
