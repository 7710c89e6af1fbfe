package anysgd

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// FlattenGrad concatenates the gradients of vars, in
// order, into one new vector.
// Missing gradients are filled with zeros.
func FlattenGrad(vars []*anydiff.Var, g anydiff.Grad) anyvec.Vector {
	parts := make([]anyvec.Vector, len(vars))
	for i, v := range vars {
		if vec, ok := g[v]; ok {
			parts[i] = vec
		} else {
			parts[i] = v.Vector.Creator().MakeVector(v.Vector.Len())
		}
	}
	return concat(vars, parts)
}

// ScatterGrad copies a vector from FlattenGrad back into
// the gradients of vars.
// Variables without a gradient are skipped.
func ScatterGrad(vars []*anydiff.Var, g anydiff.Grad, flat anyvec.Vector) {
	var offset int
	for _, v := range vars {
		n := v.Vector.Len()
		if vec, ok := g[v]; ok {
			vec.Set(flat.Slice(offset, offset+n))
		}
		offset += n
	}
	checkFlatLen(offset, flat)
}

// FlattenParams concatenates the values of vars, in
// order, into one new vector.
func FlattenParams(vars []*anydiff.Var) anyvec.Vector {
	parts := make([]anyvec.Vector, len(vars))
	for i, v := range vars {
		parts[i] = v.Vector
	}
	return concat(vars, parts)
}

// ScatterParams copies a vector from FlattenParams back
// into vars.
func ScatterParams(vars []*anydiff.Var, flat anyvec.Vector) {
	var offset int
	for _, v := range vars {
		n := v.Vector.Len()
		v.Vector.Set(flat.Slice(offset, offset+n))
		offset += n
	}
	checkFlatLen(offset, flat)
}

func concat(vars []*anydiff.Var, parts []anyvec.Vector) anyvec.Vector {
	if len(vars) == 0 {
		panic("no variables to flatten")
	}
	return vars[0].Vector.Creator().Concat(parts...)
}

func checkFlatLen(n int, flat anyvec.Vector) {
	if n != flat.Len() {
		panic("flattened vector does not match variables")
	}
}
