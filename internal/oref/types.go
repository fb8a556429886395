package oref

import "time"

// GlucoseReading is a single CGM sample. Readings are input-only and
// expected to be time-ordered oldest first.
type GlucoseReading struct {
	Date    time.Time `json:"date"`
	Glucose float64   `json:"glucose"`
	Trend   string    `json:"trend,omitempty"`
}

// PumpEventType discriminates pump history variants.
type PumpEventType string

const (
	EventBolus          PumpEventType = "bolus"
	EventTempBasalStart PumpEventType = "temp-basal-start"
	EventTempBasalEnd   PumpEventType = "temp-basal-end"
	EventSuspend        PumpEventType = "suspend"
	EventResume         PumpEventType = "resume"
)

// PumpHistoryEvent is a tagged pump history record. Amount applies to
// boluses; Rate and Duration apply to temp basal starts.
type PumpHistoryEvent struct {
	Type     PumpEventType `json:"type"`
	Date     time.Time     `json:"date"`
	Amount   float64       `json:"amount,omitempty"`
	Rate     float64       `json:"rate,omitempty"`
	Duration int           `json:"duration,omitempty"`
}

// CarbEntry is an announced carbohydrate intake.
type CarbEntry struct {
	Date    time.Time `json:"date"`
	Carbs   float64   `json:"carbs"`
	Protein float64   `json:"protein,omitempty"`
	Fat     float64   `json:"fat,omitempty"`
}

// TempTarget overrides the profile target range for a time window.
type TempTarget struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	TargetLow  float64   `json:"target_low"`
	TargetHigh float64   `json:"target_high"`
}

// ActiveAt reports whether the target window covers t.
func (tt TempTarget) ActiveAt(t time.Time) bool {
	return !t.Before(tt.Start) && t.Before(tt.End)
}

// TempBasal describes a running temporary basal.
type TempBasal struct {
	Rate     float64   `json:"rate"`
	Duration int       `json:"duration"`
	Start    time.Time `json:"start"`
}

// AutosensResult is the sensitivity-detection outcome. Ratio 1.0 is
// neutral. Error carries the diagnostic when the input history is too
// short; it is not a failure.
type AutosensResult struct {
	Ratio      float64   `json:"ratio"`
	NewISF     float64   `json:"newisf,omitempty"`
	Deviations []float64 `json:"deviations,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// NeutralAutosens returns the no-adjustment result with a diagnostic.
func NeutralAutosens(reason string) AutosensResult {
	return AutosensResult{Ratio: 1.0, Error: reason}
}

// IobResult is the insulin-on-board state at a point in time, split into
// basal- and bolus-originated components. ZeroTemp is the parallel
// projection with the active temp basal replaced by zero delivery, used
// downstream as a safety floor.
type IobResult struct {
	Iob             float64    `json:"iob"`
	Activity        float64    `json:"activity"`
	BasalIob        float64    `json:"basaliob"`
	BolusIob        float64    `json:"bolusiob"`
	NetBasalInsulin float64    `json:"netbasalinsulin"`
	BolusInsulin    float64    `json:"bolusinsulin"`
	LastTemp        *TempBasal `json:"lastTemp,omitempty"`
	Time            time.Time  `json:"time"`
	ZeroTemp        *IobResult `json:"zt,omitempty"`
}

// AbsorptionEvent marks a detected carb absorption interval.
type AbsorptionEvent struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Grams float64   `json:"grams"`
}

// MealResult is the carb/absorption state.
type MealResult struct {
	Cob              float64           `json:"cob"`
	MealCarbs        float64           `json:"mealCarbs"`
	CurrentDeviation float64           `json:"currentDeviation"`
	MaxDeviation     float64           `json:"maxDeviation"`
	MinDeviation     float64           `json:"minDeviation"`
	SlopeFromMax     float64           `json:"slopeFromMaxDeviation"`
	SlopeFromMin     float64           `json:"slopeFromMinDeviation"`
	LastCarbTime     time.Time         `json:"lastCarbTime,omitzero"`
	AbsorptionEvents []AbsorptionEvent `json:"absorptionEvents,omitempty"`
}

// PredBGs holds the forward-simulated trajectories keyed by model variant.
type PredBGs struct {
	IOB []float64 `json:"IOB,omitempty"`
	ZT  []float64 `json:"ZT,omitempty"`
	COB []float64 `json:"COB,omitempty"`
	UAM []float64 `json:"UAM,omitempty"`
}

// Recommendation is the determine-basal output. It is always well formed:
// missing or stale inputs set Error and a conservative no-op rate, they
// never surface as a Go error, because the caller is a live dosing loop.
type Recommendation struct {
	Rate             float64   `json:"rate"`
	Duration         int       `json:"duration"`
	Units            float64   `json:"units,omitempty"`
	EventualBG       float64   `json:"eventualBG"`
	MinGuardBG       float64   `json:"minGuardBG"`
	InsulinReq       float64   `json:"insulinReq"`
	SensitivityRatio float64   `json:"sensitivityRatio"`
	PredBGs          PredBGs   `json:"predBGs"`
	Reason           string    `json:"reason"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// GlucoseStatus summarizes the current CGM state for determine-basal.
type GlucoseStatus struct {
	Glucose       float64   `json:"glucose"`
	Delta         float64   `json:"delta"`
	ShortAvgDelta float64   `json:"short_avgdelta"`
	LongAvgDelta  float64   `json:"long_avgdelta"`
	Date          time.Time `json:"date"`
}

// NewGlucoseStatus derives the current glucose state from time-ordered
// readings. Deltas are per 5 minutes; gaps outside 2.5..17.5 minutes
// between samples are skipped the way sensor dropouts are.
func NewGlucoseStatus(readings []GlucoseReading, clock time.Time) GlucoseStatus {
	if len(readings) == 0 {
		return GlucoseStatus{}
	}
	last := readings[len(readings)-1]
	st := GlucoseStatus{Glucose: last.Glucose, Date: last.Date}

	var shortSum, shortN, longSum, longN float64
	for i := len(readings) - 2; i >= 0; i-- {
		r := readings[i]
		elapsed := last.Date.Sub(r.Date).Minutes()
		if elapsed < 2.5 {
			continue
		}
		if elapsed > 42.5 {
			break
		}
		avgDelta := (last.Glucose - r.Glucose) / elapsed * 5
		if elapsed <= 7.5 && st.Delta == 0 {
			st.Delta = roundTo(avgDelta, 0.01)
		}
		if elapsed <= 17.5 {
			shortSum += avgDelta
			shortN++
		} else {
			longSum += avgDelta
			longN++
		}
	}
	if shortN > 0 {
		st.ShortAvgDelta = roundTo(shortSum/shortN, 0.01)
	}
	if longN > 0 {
		st.LongAvgDelta = roundTo(longSum/longN, 0.01)
	}
	return st
}
