package oref

import (
	"math"
	"sort"
	"time"
)

// Meal estimates remaining carbs-on-board from deviation-based
// absorption tracking. Carbs older than the configured lookback are
// treated as fully absorbed. The deviation extremes and slope trend feed
// the unannounced-meal model downstream; AbsorptionEvents is diagnostic
// only.
func Meal(carbs []CarbEntry, glucose []GlucoseReading, pump []PumpHistoryEvent, iob IobResult, profile Profile, tuning Tuning, clock time.Time) MealResult {
	tuning = tuning.WithDefaults()
	profile = profile.WithDefaults()
	res := MealResult{}

	var firstCarb time.Time
	for _, c := range carbs {
		since := clock.Sub(c.Date).Minutes()
		if since < 0 || since > tuning.CarbLookbackMin {
			continue
		}
		res.MealCarbs += c.Carbs
		if c.Date.After(res.LastCarbTime) {
			res.LastCarbTime = c.Date
		}
		if firstCarb.IsZero() || c.Date.Before(firstCarb) {
			firstCarb = c.Date
		}
	}

	ordered := make([]GlucoseReading, len(glucose))
	copy(ordered, glucose)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Date.Before(ordered[j].Date) })

	carbRatio := profile.CarbRatio
	if carbRatio <= 0 {
		carbRatio = 10
	}

	absorbed := 0.0
	maxDev, minDev := math.Inf(-1), math.Inf(1)
	var maxDevAt, minDevAt, lastPairAt time.Time
	var event *AbsorptionEvent

	for i := 1; i < len(ordered); i++ {
		cur, prev := ordered[i], ordered[i-1]
		if cur.Date.After(clock) {
			break
		}
		gap := cur.Date.Sub(prev.Date).Minutes()
		if gap < 2.5 || gap > 10 {
			continue
		}
		isf := profile.ISFAt(cur.Date)
		activity := Iob(pump, profile, cur.Date).Activity
		deviation := (cur.Glucose - prev.Glucose) + activity*isf*gap
		lastPairAt = cur.Date
		res.CurrentDeviation = roundTo(deviation, 0.01)

		if deviation > maxDev {
			maxDev, maxDevAt = deviation, cur.Date
		}
		if deviation < minDev {
			minDev, minDevAt = deviation, cur.Date
		}

		// Absorption is only attributed while announced carbs are on
		// the table; the minimum impact floor keeps COB decaying even
		// through flat deviations.
		if !firstCarb.IsZero() && !cur.Date.Before(firstCarb) {
			csf := isf / carbRatio
			ci := math.Max(deviation, tuning.Min5mCarbImpact*gap/5)
			grams := ci / csf
			absorbed += grams
			if deviation > tuning.Min5mCarbImpact {
				if event == nil {
					event = &AbsorptionEvent{Start: prev.Date}
				}
				event.End = cur.Date
				event.Grams += grams
			} else if event != nil {
				res.AbsorptionEvents = append(res.AbsorptionEvents, finishEvent(*event))
				event = nil
			}
		}
	}
	if event != nil {
		res.AbsorptionEvents = append(res.AbsorptionEvents, finishEvent(*event))
	}

	if !math.IsInf(maxDev, -1) {
		res.MaxDeviation = roundTo(maxDev, 0.01)
		res.MinDeviation = roundTo(minDev, 0.01)
		res.SlopeFromMax = deviationSlope(res.CurrentDeviation, maxDev, maxDevAt, lastPairAt, -1)
		res.SlopeFromMin = deviationSlope(res.CurrentDeviation, minDev, minDevAt, lastPairAt, 1)
	}

	res.Cob = roundTo(math.Max(0, res.MealCarbs-absorbed), 0.1)
	return res
}

func finishEvent(ev AbsorptionEvent) AbsorptionEvent {
	ev.Grams = roundTo(ev.Grams, 0.1)
	return ev
}

// deviationSlope is the deviation trend per 5 minutes since the given
// extreme. sign -1 clamps to descending (from the max), +1 to ascending
// (from the min).
func deviationSlope(current, extreme float64, extremeAt, lastAt time.Time, sign float64) float64 {
	intervals := lastAt.Sub(extremeAt).Minutes() / 5
	if intervals <= 0 {
		return 0
	}
	slope := (current - extreme) / intervals
	if sign < 0 {
		slope = math.Min(0, slope)
	} else {
		slope = math.Max(0, slope)
	}
	return roundTo(slope, 0.01)
}
