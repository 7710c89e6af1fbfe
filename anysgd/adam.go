package anysgd

import (
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

const (
	adamDefaultDecayRate1 = 0.9
	adamDefaultDecayRate2 = 0.999
	adamDefaultDamping    = 1e-8
)

// Adam implements the adaptive moments SGD technique
// described in https://arxiv.org/pdf/1412.6980.pdf.
type Adam struct {
	// These are decay rates for the first and second
	// moments of the gradient.
	// If these are 0, defaults as suggested in the
	// original Adam paper are used.
	DecayRate1, DecayRate2 float64

	// Damping is used to prevent divisions by zero.
	// This should be very small.
	// If it is 0, a default is used.
	Damping float64

	firstMoment  anydiff.Grad
	secondMoment anydiff.Grad
	iteration    float64
}

// Transform replaces the gradient with the bias-corrected
// ratio of the moment estimates.
func (a *Adam) Transform(realGrad anydiff.Grad) anydiff.Grad {
	a.updateMoments(realGrad)

	a.iteration++
	scalingFactor := math.Sqrt(1-math.Pow(a.decayRate(2), a.iteration)) /
		(1 - math.Pow(a.decayRate(1), a.iteration))
	damping := valueOrDefault(a.Damping, adamDefaultDamping)
	for variable, vec := range realGrad {
		vec.Set(a.firstMoment[variable])
		vec.Scale(vec.Creator().MakeNumeric(scalingFactor))

		divisor := a.secondMoment[variable].Copy()
		anyvec.Pow(divisor, divisor.Creator().MakeNumeric(0.5))
		divisor.Add(constVector(divisor.Creator(), divisor.Len(), damping))
		vec.Div(divisor)
	}

	return realGrad
}

// MarshalState saves the moment estimates.
func (a *Adam) MarshalState(vars []*anydiff.Var) ([]byte, error) {
	return marshalState(a.iteration, vars, a.firstMoment, a.secondMoment)
}

// UnmarshalState restores the moment estimates.
func (a *Adam) UnmarshalState(vars []*anydiff.Var, data []byte) error {
	iter, moments, err := unmarshalState(vars, data, 2)
	if err != nil {
		return err
	}
	a.iteration = iter
	a.firstMoment, a.secondMoment = moments[0], moments[1]
	return nil
}

func (a *Adam) updateMoments(grad anydiff.Grad) {
	if a.firstMoment == nil {
		a.firstMoment = zeroGrad(grad)
		a.secondMoment = zeroGrad(grad)
	}
	for i, moment := range []anydiff.Grad{a.firstMoment, a.secondMoment} {
		decayRate := a.decayRate(i + 1)
		scaleGrad(moment, decayRate)
		for variable, vec := range grad {
			v := vec.Copy()
			if i == 1 {
				v.Mul(vec)
			}
			v.Scale(v.Creator().MakeNumeric(1 - decayRate))
			moment[variable].Add(v)
		}
	}
}

func (a *Adam) decayRate(moment int) float64 {
	if moment == 1 {
		return valueOrDefault(a.DecayRate1, adamDefaultDecayRate1)
	} else if moment == 2 {
		return valueOrDefault(a.DecayRate2, adamDefaultDecayRate2)
	} else {
		panic("invalid moment.")
	}
}
