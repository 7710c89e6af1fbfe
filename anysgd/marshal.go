package anysgd

import (
	"errors"
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/serializer"
)

var errVarsGradMismatch = errors.New("variable list does not match gradients")

// marshalState encodes a step counter and a list of
// per-variable gradients (e.g. moment estimates).
// A nil gradient list means that no step has been taken.
func marshalState(step float64, vars []*anydiff.Var, grads ...anydiff.Grad) ([]byte, error) {
	objs := []serializer.Serializer{serializer.Float64(step)}
	if grads[0] == nil {
		return serializer.SerializeSlice(objs)
	}
	for _, grad := range grads {
		if len(vars) != len(grad) {
			return nil, errVarsGradMismatch
		}
		for _, v := range vars {
			vec, ok := grad[v]
			if !ok {
				return nil, errVarsGradMismatch
			}
			objs = append(objs, &anyvecsave.S{Vector: vec})
		}
	}
	return serializer.SerializeSlice(objs)
}

// unmarshalState decodes data from marshalState.
// If no step had been taken, the gradients are nil.
func unmarshalState(vars []*anydiff.Var, data []byte, numGrads int) (float64,
	[]anydiff.Grad, error) {
	objs, err := serializer.DeserializeSlice(data)
	if err != nil {
		return 0, nil, err
	}
	if len(objs) == 0 {
		return 0, nil, errors.New("unmarshal state: missing step")
	}
	step, ok := objs[0].(serializer.Float64)
	if !ok {
		return 0, nil, fmt.Errorf("unmarshal state: unexpected %T", objs[0])
	}
	res := make([]anydiff.Grad, numGrads)
	if len(objs) == 1 {
		return float64(step), res, nil
	}
	if len(objs) != 1+numGrads*len(vars) {
		return 0, nil, errVarsGradMismatch
	}
	objs = objs[1:]
	for i := range res {
		res[i] = anydiff.Grad{}
		for j, v := range vars {
			s, ok := objs[i*len(vars)+j].(*anyvecsave.S)
			if !ok {
				return 0, nil, fmt.Errorf("unmarshal state: unexpected %T", objs[j])
			}
			if s.Vector.Len() != v.Vector.Len() {
				return 0, nil, errors.New("unmarshal state: bad vector length")
			} else if s.Vector.Creator() != v.Vector.Creator() {
				return 0, nil, errors.New("unmarshal state: bad vector creator")
			}
			res[i][v] = s.Vector
		}
	}
	return float64(step), res, nil
}
