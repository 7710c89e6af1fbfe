package anysgd

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

const (
	adaDeltaDefaultDecayRate = 0.95
	adaDeltaDefaultEpsilon   = 1e-6
)

// AdaDelta implements the update rule from
// https://arxiv.org/abs/1212.5701.
//
// The transformed gradient is the full step, so AdaDelta
// is meant to be used with a learning rate of 1.
type AdaDelta struct {
	// DecayRate is the decay rate of both running
	// averages.
	// If it is 0, 0.95 is used.
	DecayRate float64

	// Epsilon conditions the square roots.
	// If it is 0, 1e-6 is used.
	Epsilon float64

	gradSquares anydiff.Grad
	stepSquares anydiff.Grad
	iteration   float64
}

// Transform replaces the gradient with the AdaDelta step.
func (a *AdaDelta) Transform(realGrad anydiff.Grad) anydiff.Grad {
	if a.gradSquares == nil {
		a.gradSquares = zeroGrad(realGrad)
		a.stepSquares = zeroGrad(realGrad)
	}
	rho := valueOrDefault(a.DecayRate, adaDeltaDefaultDecayRate)
	eps := valueOrDefault(a.Epsilon, adaDeltaDefaultEpsilon)

	for variable, vec := range realGrad {
		c := vec.Creator()
		epsVec := constVector(c, vec.Len(), eps)

		gradSquares := a.gradSquares[variable]
		sq := vec.Copy()
		sq.Mul(vec)
		sq.Scale(c.MakeNumeric(1 - rho))
		gradSquares.Scale(c.MakeNumeric(rho))
		gradSquares.Add(sq)

		stepSquares := a.stepSquares[variable]
		ratio := stepSquares.Copy()
		ratio.Add(epsVec)
		divisor := gradSquares.Copy()
		divisor.Add(epsVec)
		ratio.Div(divisor)
		anyvec.Pow(ratio, c.MakeNumeric(0.5))
		vec.Mul(ratio)

		sq = vec.Copy()
		sq.Mul(vec)
		sq.Scale(c.MakeNumeric(1 - rho))
		stepSquares.Scale(c.MakeNumeric(rho))
		stepSquares.Add(sq)
	}
	a.iteration++

	return realGrad
}

// MarshalState saves the running averages.
func (a *AdaDelta) MarshalState(vars []*anydiff.Var) ([]byte, error) {
	return marshalState(a.iteration, vars, a.gradSquares, a.stepSquares)
}

// UnmarshalState restores the running averages.
func (a *AdaDelta) UnmarshalState(vars []*anydiff.Var, data []byte) error {
	iter, avgs, err := unmarshalState(vars, data, 2)
	if err != nil {
		return err
	}
	a.iteration = iter
	a.gradSquares, a.stepSquares = avgs[0], avgs[1]
	return nil
}
