package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"oref_parity/internal/compare"
	"oref_parity/internal/oref"
)

// Implementation produces a decision-function output for a capture as a
// decoded JSON tree, the shape the comparator walks.
type Implementation interface {
	Name() string
	Invoke(ctx context.Context, c *Capture) (any, error)
}

// Recorded replays the output archived with the capture itself.
type Recorded struct{}

func (Recorded) Name() string { return "recorded" }

func (Recorded) Invoke(_ context.Context, c *Capture) (any, error) {
	return decodeTree(c.Recorded)
}

// Native runs the in-process decision functions against the capture's
// inputs.
type Native struct {
	Tuning oref.Tuning
}

func (Native) Name() string { return "native" }

func (n Native) Invoke(ctx context.Context, c *Capture) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := n.run(c)
	if err != nil {
		return nil, err
	}
	return toTree(out)
}

func (n Native) run(c *Capture) (any, error) {
	tuning := n.Tuning.WithDefaults()
	switch c.Function {
	case compare.FuncIob:
		in, err := decodeInputs[IobInputs](c)
		if err != nil {
			return nil, err
		}
		points := in.Points
		if points <= 0 {
			points = 1
		}
		return oref.IobSeries(in.PumpHistory, in.Profile.WithDefaults(), in.Clock, points), nil
	case compare.FuncAutosens:
		in, err := decodeInputs[AutosensInputs](c)
		if err != nil {
			return nil, err
		}
		return oref.Autosens(in.Glucose, in.PumpHistory, in.Carbs, in.TempTargets, in.Profile.WithDefaults(), tuning, in.Clock), nil
	case compare.FuncMeal:
		in, err := decodeInputs[MealInputs](c)
		if err != nil {
			return nil, err
		}
		return oref.Meal(in.Carbs, in.Glucose, in.PumpHistory, in.Iob, in.Profile.WithDefaults(), tuning, in.Clock), nil
	case compare.FuncDetermineBasal:
		in, err := decodeInputs[DetermineInputs](c)
		if err != nil {
			return nil, err
		}
		return oref.DetermineBasal(oref.DetermineInputs{
			Clock:       in.Clock,
			Glucose:     in.Glucose,
			Iob:         in.Iob,
			Meal:        in.Meal,
			Autosens:    in.Autosens,
			Profile:     in.Profile.WithDefaults(),
			CurrentTemp: in.CurrentTemp,
			TempTargets: in.TempTargets,
		}, tuning), nil
	default:
		return nil, fmt.Errorf("capture %s: unknown function %q", c.ID, c.Function)
	}
}

// toTree round-trips a typed result through JSON so both sides of the
// comparison use identical scalar representations.
func toTree(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return decodeTree(raw)
}

func decodeTree(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode result tree: %w", err)
	}
	return tree, nil
}
