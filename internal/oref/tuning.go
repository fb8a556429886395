package oref

// Tuning collects the safety clamps and policy knobs that are validated
// against the replay corpus rather than fixed in code: autosens clamp
// bounds, prediction thresholds, and the eventual-BG selection policy.
type Tuning struct {
	AutosensMin        float64 `yaml:"autosens_min" json:"autosens_min"`
	AutosensMax        float64 `yaml:"autosens_max" json:"autosens_max"`
	MinGlucoseSamples  int     `yaml:"min_glucose_samples" json:"min_glucose_samples"`
	DeviationWindows   []int   `yaml:"deviation_windows" json:"deviation_windows"`
	Min5mCarbImpact    float64 `yaml:"min_5m_carb_impact" json:"min_5m_carb_impact"`
	CarbLookbackMin    float64 `yaml:"carb_lookback_min" json:"carb_lookback_min"`
	LowGlucoseSuspend  float64 `yaml:"low_glucose_suspend" json:"low_glucose_suspend"`
	MinPredBG          float64 `yaml:"min_pred_bg" json:"min_pred_bg"`
	MaxBasalMultiplier float64 `yaml:"max_basal_multiplier" json:"max_basal_multiplier"`
	MaxDailyMultiplier float64 `yaml:"max_daily_multiplier" json:"max_daily_multiplier"`
	StaleGlucoseMin    float64 `yaml:"stale_glucose_min" json:"stale_glucose_min"`
	UAMEnabled         bool    `yaml:"uam_enabled" json:"uam_enabled"`
	EventualBGPolicy   string  `yaml:"eventual_bg_policy" json:"eventual_bg_policy"`
}

// Eventual-BG selection policies.
const (
	// PolicyMaxEndpoint picks the highest trajectory endpoint among the
	// enabled models, treating the trajectory needing the most insulin
	// as the one to defend against.
	PolicyMaxEndpoint = "max-endpoint"
	// PolicyCobEndpoint follows the carb-on-board trajectory when carbs
	// are active and falls back to insulin-only otherwise.
	PolicyCobEndpoint = "cob-endpoint"
)

// DefaultTuning returns the values used when no override is configured.
func DefaultTuning() Tuning {
	return Tuning{
		AutosensMin:        0.7,
		AutosensMax:        1.2,
		MinGlucoseSamples:  72,
		DeviationWindows:   []int{96, 288},
		Min5mCarbImpact:    8,
		CarbLookbackMin:    360,
		LowGlucoseSuspend:  70,
		MinPredBG:          65,
		MaxBasalMultiplier: 4,
		MaxDailyMultiplier: 3,
		StaleGlucoseMin:    12,
		UAMEnabled:         true,
		EventualBGPolicy:   PolicyMaxEndpoint,
	}
}

// WithDefaults fills unset tuning values.
func (t Tuning) WithDefaults() Tuning {
	d := DefaultTuning()
	if t.AutosensMin <= 0 {
		t.AutosensMin = d.AutosensMin
	}
	if t.AutosensMax <= 0 {
		t.AutosensMax = d.AutosensMax
	}
	if t.MinGlucoseSamples <= 0 {
		t.MinGlucoseSamples = d.MinGlucoseSamples
	}
	if len(t.DeviationWindows) == 0 {
		t.DeviationWindows = d.DeviationWindows
	}
	if t.Min5mCarbImpact <= 0 {
		t.Min5mCarbImpact = d.Min5mCarbImpact
	}
	if t.CarbLookbackMin <= 0 {
		t.CarbLookbackMin = d.CarbLookbackMin
	}
	if t.LowGlucoseSuspend <= 0 {
		t.LowGlucoseSuspend = d.LowGlucoseSuspend
	}
	if t.MinPredBG <= 0 {
		t.MinPredBG = d.MinPredBG
	}
	if t.MaxBasalMultiplier <= 0 {
		t.MaxBasalMultiplier = d.MaxBasalMultiplier
	}
	if t.MaxDailyMultiplier <= 0 {
		t.MaxDailyMultiplier = d.MaxDailyMultiplier
	}
	if t.StaleGlucoseMin <= 0 {
		t.StaleGlucoseMin = d.StaleGlucoseMin
	}
	if t.EventualBGPolicy == "" {
		t.EventualBGPolicy = d.EventualBGPolicy
	}
	return t
}
