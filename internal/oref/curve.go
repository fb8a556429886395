package oref

import "math"

// insulinCurve is the exponential insulin activity model parameterized by
// duration of insulin action and peak time. The remaining fraction is
//
//	R(t) = 1 - S*(1 - (1 + t/tau)*exp(-t/tau))
//
// with tau = peak*(1 - peak/DIA), a = 2*tau/DIA and the normalization
// S = 1/(1 - a + (1+a)*exp(-DIA/tau)), so that R(0)=1 and R(DIA)=0.
type insulinCurve struct {
	dia  float64 // minutes
	peak float64 // minutes
	tau  float64
	s    float64
}

func newInsulinCurve(p Profile) insulinCurve {
	p = p.WithDefaults()
	dia := p.DIA * 60
	peak := p.InsulinPeak
	tau := peak * (1 - peak/dia)
	if tau <= 0 {
		tau = peak * 0.75
	}
	a := 2 * tau / dia
	s := 1 / (1 - a + (1+a)*math.Exp(-dia/tau))
	return insulinCurve{dia: dia, peak: peak, tau: tau, s: s}
}

// Remaining returns the fraction of a dose still active minutes after
// delivery.
func (c insulinCurve) Remaining(minutes float64) float64 {
	if minutes <= 0 {
		return 1
	}
	if minutes >= c.dia {
		return 0
	}
	r := 1 - c.s*(1-(1+minutes/c.tau)*math.Exp(-minutes/c.tau))
	return math.Max(0, math.Min(1, r))
}

// Activity returns the instantaneous activity (fraction consumed per
// minute) minutes after delivery.
func (c insulinCurve) Activity(minutes float64) float64 {
	if minutes <= 0 || minutes >= c.dia {
		return 0
	}
	return c.s * (minutes / (c.tau * c.tau)) * math.Exp(-minutes/c.tau)
}

// roundTo rounds v to the nearest multiple of step.
func roundTo(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return math.Round(v/step) * step
}
