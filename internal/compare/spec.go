package compare

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Decision function identifiers used throughout the harness.
const (
	FuncIob            = "iob"
	FuncMeal           = "meal"
	FuncAutosens       = "autosens"
	FuncDetermineBasal = "determine-basal"
)

// Table maps function identifiers to their comparison policy. Loaded
// once per run; never mutated afterwards.
type Table map[string]Spec

// Builtin returns the default per-function comparison policy.
func Builtin() Table {
	return Table{
		FuncAutosens: {
			IgnoredKeys: []string{"error"},
			ApproxTolerance: map[string]float64{
				"ratio":  0.01,
				"newisf": 0.1,
			},
			// Deviation history is diagnostic only and never consumed
			// downstream.
			SkippedDuringTraversal: []string{"deviations"},
		},
		FuncIob: {
			// The iob result is an array of projection points; no
			// ignored keys here, a top-level filter could not reach
			// per-element records anyway.
			ApproxTolerance: map[string]float64{
				"*.iob":             0.001,
				"*.basaliob":        0.001,
				"*.bolusiob":        0.001,
				"*.netbasalinsulin": 0.001,
				"*.bolusinsulin":    0.001,
				"*.activity":        0.0005,
				"*.zt.iob":          0.001,
				"*.zt.basaliob":     0.001,
				"*.zt.bolusiob":     0.001,
				"*.zt.activity":     0.0005,
			},
		},
		FuncMeal: {
			ApproxTolerance: map[string]float64{
				"cob":                   0.1,
				"mealCarbs":             0.1,
				"currentDeviation":      0.05,
				"maxDeviation":          0.05,
				"minDeviation":          0.05,
				"slopeFromMaxDeviation": 0.05,
				"slopeFromMinDeviation": 0.05,
				"absorptionEvents.*.grams": 0.5,
			},
			// Absorption intervals come out in implementation-dependent
			// order.
			FlexibleArrayPaths: []string{"absorptionEvents"},
		},
		FuncDetermineBasal: {
			// Free-text reason and emission timestamp legitimately
			// differ between implementations.
			IgnoredKeys: []string{"reason", "timestamp"},
			ApproxTolerance: map[string]float64{
				"rate":             0.05,
				"eventualBG":       1,
				"minGuardBG":       1,
				"insulinReq":       0.01,
				"sensitivityRatio": 0.01,
				"units":            0.05,
				"predBGs.IOB.*":    1,
				"predBGs.ZT.*":     1,
				"predBGs.COB.*":    1,
				"predBGs.UAM.*":    1,
			},
			SkippedDuringTraversal: []string{"error"},
		},
	}
}

// Load reads a YAML table overriding or extending the builtin policies.
func Load(path string) (Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read comparison specs: %w", err)
	}
	var overrides Table
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("parse comparison specs %s: %w", path, err)
	}
	table := Builtin()
	for fn, spec := range overrides {
		table[fn] = spec
	}
	return table, nil
}

// Compare diffs two values under the policy registered for functionID.
// Unknown functions compare under the empty (strict) policy.
func (t Table) Compare(functionID string, expected, actual any) Verdict {
	return CompareWithSpec(expected, actual, t[functionID])
}
