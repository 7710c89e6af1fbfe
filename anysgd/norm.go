package anysgd

import (
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// GradNorm computes the L2 norm of the gradient for the
// given variables.
//
// Squared sums are accumulated separately for every
// anyvec.Creator (i.e. per device), and the partial sums
// are added in the order the creators first appear in
// vars.
// Variables without a gradient are ignored.
//
// The result is NaN or infinite if any gradient
// component is.
func GradNorm(vars []*anydiff.Var, g anydiff.Grad) float64 {
	var creators []anyvec.Creator
	partials := map[anyvec.Creator]float64{}
	for _, v := range vars {
		vec, ok := g[v]
		if !ok {
			continue
		}
		c := vec.Creator()
		if _, ok := partials[c]; !ok {
			creators = append(creators, c)
		}
		partials[c] += numericFloat(vec.Dot(vec))
	}
	var sum float64
	for _, c := range creators {
		sum += partials[c]
	}
	return math.Sqrt(sum)
}

// Finite reports whether x is neither NaN nor infinite.
func Finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func gradVars(g anydiff.Grad) []*anydiff.Var {
	res := make([]*anydiff.Var, 0, len(g))
	for v := range g {
		res = append(res, v)
	}
	return res
}

// GradClip is a hook which rescales gradients whose L2
// norm exceeds a threshold.
type GradClip struct {
	// Threshold is the maximum norm.
	// If it is not positive, gradients are left alone.
	Threshold float64
}

// Transform rescales g in place.
func (c *GradClip) Transform(g anydiff.Grad) anydiff.Grad {
	if c.Threshold <= 0 {
		return g
	}
	norm := GradNorm(gradVars(g), g)
	if norm > c.Threshold {
		scaleGrad(g, c.Threshold/norm)
	}
	return g
}
