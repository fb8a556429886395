package oref

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Autosens derives a sensitivity ratio from rolling glucose deviations
// against an insulin/carb-only projection. Runs with fewer than the
// minimum sample count return the neutral ratio with a diagnostic, not a
// failure. When several deviation windows are evaluated the lower (more
// conservative) ratio wins.
func Autosens(glucose []GlucoseReading, pump []PumpHistoryEvent, carbs []CarbEntry, tempTargets []TempTarget, profile Profile, tuning Tuning, clock time.Time) AutosensResult {
	tuning = tuning.WithDefaults()
	profile = profile.WithDefaults()

	if len(glucose) < tuning.MinGlucoseSamples {
		return NeutralAutosens(fmt.Sprintf(
			"not enough glucose data to calculate autosens: %d of %d required samples",
			len(glucose), tuning.MinGlucoseSamples))
	}
	if !profile.Valid() {
		return NeutralAutosens("profile missing basal or sensitivity schedule")
	}

	ordered := make([]GlucoseReading, len(glucose))
	copy(ordered, glucose)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Date.Before(ordered[j].Date) })

	ratio := math.Inf(1)
	var widest []float64
	for _, window := range tuning.DeviationWindows {
		devs := windowDeviations(ordered, pump, carbs, tempTargets, profile, tuning, window)
		r := ratioFromDeviations(devs, profile, tuning, clock)
		if r < ratio {
			ratio = r
		}
		if len(devs) >= len(widest) {
			widest = devs
		}
	}
	if math.IsInf(ratio, 1) {
		ratio = 1.0
	}

	isf := profile.ISFAt(clock)
	return AutosensResult{
		Ratio:      roundTo(ratio, 0.01),
		NewISF:     roundTo(isf/ratio, 0.1),
		Deviations: widest,
	}
}

// windowDeviations computes per-interval deviations over the trailing
// window samples. Intervals attributable to announced carbs or to a
// raised temp target are excluded; large unexplained rises are
// downweighted as probable unannounced meals.
func windowDeviations(ordered []GlucoseReading, pump []PumpHistoryEvent, carbs []CarbEntry, tempTargets []TempTarget, profile Profile, tuning Tuning, window int) []float64 {
	if window < 2 {
		return nil
	}
	if window > len(ordered) {
		window = len(ordered)
	}
	samples := ordered[len(ordered)-window:]

	devs := make([]float64, 0, len(samples))
	for i := 1; i < len(samples); i++ {
		cur, prev := samples[i], samples[i-1]
		gap := cur.Date.Sub(prev.Date).Minutes()
		if gap < 2.5 || gap > 10 {
			continue
		}
		if mealAttributable(carbs, cur.Date, profile.CarbAbsorption) {
			continue
		}
		if raisedTempTarget(tempTargets, cur.Date, profile) {
			continue
		}
		activity := Iob(pump, profile, cur.Date).Activity
		bgi := -activity * profile.ISFAt(cur.Date) * gap
		deviation := (cur.Glucose - prev.Glucose) - bgi
		if deviation > tuning.Min5mCarbImpact {
			deviation *= 0.5
		}
		devs = append(devs, roundTo(deviation, 0.01))
	}
	return devs
}

func ratioFromDeviations(devs []float64, profile Profile, tuning Tuning, clock time.Time) float64 {
	if len(devs) == 0 {
		return 1.0
	}
	basalImpact := profile.BasalAt(clock) * profile.ISFAt(clock) / 12
	if basalImpact <= 0 {
		return 1.0
	}
	ratio := 1 + median(devs)/basalImpact
	return math.Max(tuning.AutosensMin, math.Min(tuning.AutosensMax, ratio))
}

func mealAttributable(carbs []CarbEntry, t time.Time, absorptionMinutes float64) bool {
	for _, c := range carbs {
		since := t.Sub(c.Date).Minutes()
		if since >= 0 && since <= absorptionMinutes {
			return true
		}
	}
	return false
}

// raisedTempTarget reports an active override above the profile range,
// the exercise-mode pattern whose glucose shifts should not bias
// sensitivity detection.
func raisedTempTarget(targets []TempTarget, t time.Time, profile Profile) bool {
	for _, tt := range targets {
		if tt.ActiveAt(t) && tt.TargetHigh > profile.TargetHigh {
			return true
		}
	}
	return false
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
