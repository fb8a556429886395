package oref

import "time"

// SchedulePoint maps minutes-from-midnight to a value. Schedules are
// sorted ascending and the first point is expected at minute 0.
type SchedulePoint struct {
	Minutes int     `json:"minutes"`
	Value   float64 `json:"value"`
}

// Profile is the versioned therapy profile: basal and ISF schedules,
// carb ratio, target range, and the insulin activity curve shape.
type Profile struct {
	DIA            float64         `json:"dia"`
	InsulinPeak    float64         `json:"insulinPeak"`
	BasalSchedule  []SchedulePoint `json:"basalSchedule"`
	ISFSchedule    []SchedulePoint `json:"isfSchedule"`
	CarbRatio      float64         `json:"carbRatio"`
	TargetLow      float64         `json:"targetLow"`
	TargetHigh     float64         `json:"targetHigh"`
	CarbAbsorption float64         `json:"carbAbsorptionMinutes,omitempty"`
	MaxDailyBasal  float64         `json:"maxDailyBasal,omitempty"`
	EffectiveAt    time.Time       `json:"effectiveAt,omitzero"`
}

const (
	defaultDIA            = 5.0   // hours
	defaultInsulinPeak    = 75.0  // minutes
	defaultCarbAbsorption = 180.0 // minutes
)

// WithDefaults fills unset curve and absorption parameters.
func (p Profile) WithDefaults() Profile {
	if p.DIA <= 0 {
		p.DIA = defaultDIA
	}
	if p.InsulinPeak <= 0 {
		p.InsulinPeak = defaultInsulinPeak
	}
	if p.InsulinPeak >= p.DIA*60 {
		p.InsulinPeak = p.DIA * 60 / 4
	}
	if p.CarbAbsorption <= 0 {
		p.CarbAbsorption = defaultCarbAbsorption
	}
	return p
}

// Valid reports whether the profile can drive a dosing decision.
func (p Profile) Valid() bool {
	return len(p.BasalSchedule) > 0 && len(p.ISFSchedule) > 0 &&
		p.TargetLow > 0 && p.TargetHigh >= p.TargetLow
}

// BasalAt returns the scheduled basal rate at t.
func (p Profile) BasalAt(t time.Time) float64 {
	return scheduleAt(p.BasalSchedule, t)
}

// ISFAt returns the scheduled insulin sensitivity at t.
func (p Profile) ISFAt(t time.Time) float64 {
	return scheduleAt(p.ISFSchedule, t)
}

// MaxScheduledBasal returns the configured max daily basal, falling back
// to the highest scheduled rate.
func (p Profile) MaxScheduledBasal() float64 {
	if p.MaxDailyBasal > 0 {
		return p.MaxDailyBasal
	}
	max := 0.0
	for _, pt := range p.BasalSchedule {
		if pt.Value > max {
			max = pt.Value
		}
	}
	return max
}

// TargetAt returns the effective target range at t, honoring an active
// temp target override.
func (p Profile) TargetAt(t time.Time, overrides []TempTarget) (low, high float64) {
	low, high = p.TargetLow, p.TargetHigh
	for _, tt := range overrides {
		if tt.ActiveAt(t) && tt.TargetLow > 0 {
			low, high = tt.TargetLow, tt.TargetHigh
		}
	}
	return low, high
}

func scheduleAt(sched []SchedulePoint, t time.Time) float64 {
	if len(sched) == 0 {
		return 0
	}
	minutes := t.Hour()*60 + t.Minute()
	value := sched[0].Value
	for _, pt := range sched {
		if pt.Minutes > minutes {
			break
		}
		value = pt.Value
	}
	return value
}
