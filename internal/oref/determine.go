package oref

import (
	"fmt"
	"math"
	"time"
)

// DetermineInputs collects everything the dosing decision depends on.
// Iob is the 5-minute-spaced projection series; the first element is the
// current state and each element carries its zero-temp twin.
type DetermineInputs struct {
	Clock       time.Time
	Glucose     GlucoseStatus
	Iob         []IobResult
	Meal        MealResult
	Autosens    AutosensResult
	Profile     Profile
	CurrentTemp *TempBasal
	TempTargets []TempTarget
}

const (
	minPredDisplay = 39
	maxPredDisplay = 401
	tempDuration   = 30
	maxPredSteps   = 48
)

// DetermineBasal computes the dosing recommendation. It always returns a
// well-formed result: missing or stale inputs yield a conservative no-op
// with Error and Reason set rather than a Go error, since the caller is
// an automated dosing loop that must not crash.
func DetermineBasal(in DetermineInputs, tuning Tuning) Recommendation {
	tuning = tuning.WithDefaults()
	profile := in.Profile.WithDefaults()

	rec := Recommendation{Timestamp: in.Clock, SensitivityRatio: 1}
	if !profile.Valid() {
		rec.Error = "profile missing basal or sensitivity schedule"
		rec.Reason = "invalid profile, no action taken"
		return rec
	}
	scheduled := profile.BasalAt(in.Clock)
	noop := func(errMsg string) Recommendation {
		rec.Rate = roundTo(scheduled, 0.05)
		rec.Duration = 0
		rec.Error = errMsg
		rec.Reason = errMsg + "; maintaining scheduled basal"
		return rec
	}

	bg := in.Glucose.Glucose
	if bg < minPredDisplay {
		return noop(fmt.Sprintf("CGM data unavailable or implausible (%.0f)", bg))
	}
	if in.Clock.Sub(in.Glucose.Date).Minutes() > tuning.StaleGlucoseMin {
		return noop(fmt.Sprintf("glucose data is stale (%.0f min old)", in.Clock.Sub(in.Glucose.Date).Minutes()))
	}
	if len(in.Iob) == 0 {
		return noop("insulin-on-board data unavailable")
	}

	ratio := in.Autosens.Ratio
	if ratio <= 0 {
		ratio = 1
	}
	rec.SensitivityRatio = ratio
	isf := profile.ISFAt(in.Clock)
	effSens := isf / ratio
	low, high := profile.TargetAt(in.Clock, in.TempTargets)
	target := math.Round((low + high) / 2)

	preds := simulate(in, profile, tuning, effSens)
	rec.PredBGs = preds
	rec.MinGuardBG = minGuard(preds)
	rec.EventualBG = eventualBG(preds, tuning.EventualBGPolicy)

	bgi := roundTo(-in.Iob[0].Activity*effSens*5, 0.01)
	rec.Reason = fmt.Sprintf("COB: %.1f, Dev: %.1f, BGI: %.2f, ISF: %.0f→%.0f, Target: %.0f, minGuardBG: %.0f, eventualBG: %.0f; ",
		in.Meal.Cob, in.Meal.CurrentDeviation, bgi, isf, effSens, target, rec.MinGuardBG, rec.EventualBG)

	switch {
	case bg < tuning.LowGlucoseSuspend:
		// Unresolved low: never deliver above the zero-temp floor.
		rec.Rate = 0
		rec.Duration = tempDuration
		rec.Reason += fmt.Sprintf("BG %.0f < %.0f, suspending with zero temp", bg, tuning.LowGlucoseSuspend)

	case rec.MinGuardBG < tuning.MinPredBG:
		rec.Rate = 0
		rec.Duration = tempDuration
		rec.Reason += fmt.Sprintf("minGuardBG %.0f < %.0f, suspending with zero temp", rec.MinGuardBG, tuning.MinPredBG)

	case rec.EventualBG < low:
		insulinReq := (rec.EventualBG - target) / effSens
		rec.InsulinReq = roundTo(insulinReq, 0.01)
		rate := math.Max(0, scheduled+2*insulinReq)
		rec.Rate = roundTo(rate, 0.05)
		rec.Duration = tempDuration
		rec.Reason += fmt.Sprintf("eventualBG %.0f < target low %.0f, temping %.2f U/h", rec.EventualBG, low, rec.Rate)

	case rec.EventualBG > high:
		insulinReq := (rec.EventualBG - target) / effSens
		rec.InsulinReq = roundTo(insulinReq, 0.01)
		rate := scheduled + 2*insulinReq
		maxSafe := maxSafeBasal(profile, scheduled, tuning)
		if rate > maxSafe {
			rec.Reason += fmt.Sprintf("req. rate %.2f > maxSafeBasal %.2f, ", rate, maxSafe)
			rate = maxSafe
		}
		rec.Rate = roundTo(rate, 0.05)
		rec.Duration = tempDuration
		rec.Reason += fmt.Sprintf("eventualBG %.0f > target high %.0f, temping %.2f U/h", rec.EventualBG, high, rec.Rate)

	default:
		rec.Rate = roundTo(scheduled, 0.05)
		rec.Duration = 0
		if tempActive(in.CurrentTemp, in.Clock, scheduled) {
			rec.Reason += "in range, canceling temp and resuming scheduled basal"
		} else {
			rec.Reason += "in range, no temp required"
		}
	}
	return rec
}

// simulate forward-projects the predicted-BG trajectories at 5-minute
// steps under the distinct model assumptions. COB and UAM trajectories
// are only produced when their drivers are present.
func simulate(in DetermineInputs, profile Profile, tuning Tuning, effSens float64) PredBGs {
	bg := in.Glucose.Glucose
	steps := len(in.Iob)
	if steps > maxPredSteps {
		steps = maxPredSteps
	}

	carbRatio := profile.CarbRatio
	if carbRatio <= 0 {
		carbRatio = 10
	}
	csf := effSens / carbRatio

	withCOB := in.Meal.Cob > 0
	withUAM := tuning.UAMEnabled && in.Meal.CurrentDeviation > 0

	// Carb impact starts at the observed deviation (floored so announced
	// carbs always show up) and decays linearly so the cumulative rise
	// matches the remaining carb effect.
	ci := math.Max(in.Meal.CurrentDeviation, 0)
	if withCOB && ci < tuning.Min5mCarbImpact {
		ci = tuning.Min5mCarbImpact
	}
	carbSteps := 0
	if withCOB && ci > 0 {
		carbSteps = int(math.Ceil(2 * in.Meal.Cob * csf / ci))
	}

	uamci := math.Max(in.Meal.CurrentDeviation, 0)
	uamSteps := 12
	if in.Meal.SlopeFromMin > 0 {
		uamSteps = 24
	}

	preds := PredBGs{IOB: []float64{roundTo(bg, 1)}, ZT: []float64{roundTo(bg, 1)}}
	if withCOB {
		preds.COB = []float64{roundTo(bg, 1)}
	}
	if withUAM {
		preds.UAM = []float64{roundTo(bg, 1)}
	}

	iobBG, ztBG, cobBG, uamBG := bg, bg, bg, bg
	for k := 0; k < steps; k++ {
		point := in.Iob[k]
		impact := -point.Activity * effSens * 5
		ztActivity := point.Activity
		if point.ZeroTemp != nil {
			ztActivity = point.ZeroTemp.Activity
		}
		ztImpact := -ztActivity * effSens * 5

		iobBG = clampPred(iobBG + impact)
		ztBG = clampPred(ztBG + ztImpact)
		preds.IOB = append(preds.IOB, roundTo(iobBG, 1))
		preds.ZT = append(preds.ZT, roundTo(ztBG, 1))

		if withCOB {
			carbImpact := 0.0
			if carbSteps > 0 && k < carbSteps {
				carbImpact = ci * (1 - float64(k)/float64(carbSteps))
			}
			cobBG = clampPred(cobBG + impact + carbImpact)
			preds.COB = append(preds.COB, roundTo(cobBG, 1))
		}
		if withUAM {
			uamImpact := 0.0
			if k < uamSteps {
				uamImpact = uamci * (1 - float64(k)/float64(uamSteps))
			}
			uamBG = clampPred(uamBG + impact + uamImpact)
			preds.UAM = append(preds.UAM, roundTo(uamBG, 1))
		}
	}
	return preds
}

func clampPred(v float64) float64 {
	return math.Max(minPredDisplay, math.Min(maxPredDisplay, v))
}

// minGuard is the lowest point across every trajectory including the
// zero-temp floor.
func minGuard(p PredBGs) float64 {
	min := math.Inf(1)
	for _, curve := range [][]float64{p.IOB, p.ZT, p.COB, p.UAM} {
		for _, v := range curve {
			if v < min {
				min = v
			}
		}
	}
	if math.IsInf(min, 1) {
		return 0
	}
	return min
}

// eventualBG selects the projection endpoint per policy. The zero-temp
// trajectory is a guard, never a dosing target, so it is excluded here.
func eventualBG(p PredBGs, policy string) float64 {
	endpoint := func(curve []float64) (float64, bool) {
		if len(curve) == 0 {
			return 0, false
		}
		return curve[len(curve)-1], true
	}
	iobEnd, _ := endpoint(p.IOB)
	switch policy {
	case PolicyCobEndpoint:
		if v, ok := endpoint(p.COB); ok {
			return v
		}
		return iobEnd
	default: // PolicyMaxEndpoint
		eventual := iobEnd
		if v, ok := endpoint(p.COB); ok && v > eventual {
			eventual = v
		}
		if v, ok := endpoint(p.UAM); ok && v > eventual {
			eventual = v
		}
		return eventual
	}
}

func maxSafeBasal(profile Profile, scheduled float64, tuning Tuning) float64 {
	return math.Min(tuning.MaxBasalMultiplier*scheduled, tuning.MaxDailyMultiplier*profile.MaxScheduledBasal())
}

func tempActive(temp *TempBasal, clock time.Time, scheduled float64) bool {
	if temp == nil {
		return false
	}
	if !clock.Before(temp.Start.Add(time.Duration(temp.Duration) * time.Minute)) {
		return false
	}
	return math.Abs(temp.Rate-scheduled) > 0.01
}
