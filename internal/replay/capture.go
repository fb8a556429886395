// Package replay re-executes archived real-world captures through two
// implementations of the decision functions and compares the results.
package replay

import (
	"encoding/json"
	"fmt"
	"time"

	"oref_parity/internal/compare"
	"oref_parity/internal/oref"
)

// Capture is one archived decision-function invocation: the inputs the
// production loop saw and the output its implementation produced.
type Capture struct {
	ID         string          `json:"id"`
	Function   string          `json:"function"`
	Timezone   string          `json:"timezone"`
	CapturedAt time.Time       `json:"captured_at"`
	Inputs     json.RawMessage `json:"inputs"`
	Recorded   json.RawMessage `json:"recorded"`
}

var knownFunctions = map[string]struct{}{
	compare.FuncIob:            {},
	compare.FuncMeal:           {},
	compare.FuncAutosens:       {},
	compare.FuncDetermineBasal: {},
}

// DecodeCapture parses and validates a raw capture file.
func DecodeCapture(raw []byte) (*Capture, error) {
	var c Capture
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("malformed capture: %w", err)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("capture missing id")
	}
	if _, ok := knownFunctions[c.Function]; !ok {
		return nil, fmt.Errorf("capture %s: unknown function %q", c.ID, c.Function)
	}
	if c.Timezone == "" {
		return nil, fmt.Errorf("capture %s: missing timezone", c.ID)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return nil, fmt.Errorf("capture %s: invalid timezone %q", c.ID, c.Timezone)
	}
	if len(c.Inputs) == 0 {
		return nil, fmt.Errorf("capture %s: missing inputs", c.ID)
	}
	if len(c.Recorded) == 0 {
		return nil, fmt.Errorf("capture %s: missing recorded output", c.ID)
	}
	return &c, nil
}

// Per-function input shapes, decoded at this single typed boundary.

// IobInputs feeds the iob projection series.
type IobInputs struct {
	Clock       time.Time               `json:"clock"`
	PumpHistory []oref.PumpHistoryEvent `json:"pump_history"`
	Profile     oref.Profile            `json:"profile"`
	Points      int                     `json:"points,omitempty"`
}

// AutosensInputs feeds sensitivity detection.
type AutosensInputs struct {
	Clock       time.Time               `json:"clock"`
	Glucose     []oref.GlucoseReading   `json:"glucose"`
	PumpHistory []oref.PumpHistoryEvent `json:"pump_history"`
	Carbs       []oref.CarbEntry        `json:"carbs"`
	TempTargets []oref.TempTarget       `json:"temp_targets"`
	Profile     oref.Profile            `json:"profile"`
}

// MealInputs feeds carb absorption modeling.
type MealInputs struct {
	Clock       time.Time               `json:"clock"`
	Carbs       []oref.CarbEntry        `json:"carbs"`
	Glucose     []oref.GlucoseReading   `json:"glucose"`
	PumpHistory []oref.PumpHistoryEvent `json:"pump_history"`
	Iob         oref.IobResult          `json:"iob"`
	Profile     oref.Profile            `json:"profile"`
}

// DetermineInputs feeds the dosing decision. Stage outputs travel with
// the capture the same way the production loop passes them between
// stages.
type DetermineInputs struct {
	Clock       time.Time           `json:"clock"`
	Glucose     oref.GlucoseStatus  `json:"glucose"`
	Iob         []oref.IobResult    `json:"iob"`
	Meal        oref.MealResult     `json:"meal"`
	Autosens    oref.AutosensResult `json:"autosens"`
	Profile     oref.Profile        `json:"profile"`
	CurrentTemp *oref.TempBasal     `json:"current_temp,omitempty"`
	TempTargets []oref.TempTarget   `json:"temp_targets,omitempty"`
}

func decodeInputs[T any](c *Capture) (T, error) {
	var in T
	if err := json.Unmarshal(c.Inputs, &in); err != nil {
		return in, fmt.Errorf("capture %s: decode %s inputs: %w", c.ID, c.Function, err)
	}
	return in, nil
}
