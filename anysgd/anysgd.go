// Package anysgd performs synchronous gradient updates
// of a model, on one device or on several replicas which
// reduce their gradients before every step.
//
// Steps whose gradient norm is not finite are skipped,
// leaving the parameters untouched.
package anysgd

import (
	"github.com/unixpickle/anydiff"
)

// An Optimizer applies gradients to parameters.
type Optimizer struct {
	// Hooks transform the raw gradient before Transformer
	// sees it.
	// Gradient clipping is usually implemented as a hook.
	Hooks []Transformer

	// Transformer, if non-nil, is used to transform each
	// gradient before the step.
	Transformer Transformer

	// Rater determines the learning rate for each step.
	Rater Rater

	// Steps is the number of applied steps.
	Steps int
}

// Step applies a gradient at the given epoch.
//
// The gradient may be modified in the process.
func (o *Optimizer) Step(g anydiff.Grad, epoch float64) {
	for _, h := range o.Hooks {
		g = h.Transform(g)
	}
	if o.Transformer != nil {
		g = o.Transformer.Transform(g)
	}
	scaleGrad(g, -o.Rater.Rate(epoch))
	g.AddToVars()
	o.Steps++
}

// MarshalState saves the state of the Transformer, if it
// has any.
func (o *Optimizer) MarshalState(vars []*anydiff.Var) ([]byte, error) {
	if m, ok := o.Transformer.(StateMarshaler); ok {
		return m.MarshalState(vars)
	}
	return []byte{}, nil
}

// UnmarshalState restores the state saved by
// MarshalState.
func (o *Optimizer) UnmarshalState(vars []*anydiff.Var, data []byte) error {
	if m, ok := o.Transformer.(StateMarshaler); ok {
		return m.UnmarshalState(vars, data)
	}
	return nil
}
