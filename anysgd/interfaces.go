package anysgd

import (
	"github.com/unixpickle/anydiff"
)

// A Transformer transforms gradients.
// For example, pre-conditioning could be implemented as a
// transformer.
//
// After its first call, a Transformer expects to see
// gradients of the same form (i.e. containing the same
// variables).
//
// A Transformer may modify its own input and return the
// same gradient as an output.
// However, a Transformer should not modify its input
// after Transform returns.
// If a Transformer needs to cache things relating to its
// inputs, it must allocate a separate gradient.
type Transformer interface {
	Transform(g anydiff.Grad) anydiff.Grad
}

// A StateMarshaler is a Transformer whose internal state
// can be saved and restored, e.g. in a checkpoint.
//
// The vars argument fixes the order in which per-variable
// state is stored.
type StateMarshaler interface {
	Transformer
	MarshalState(vars []*anydiff.Var) ([]byte, error)
	UnmarshalState(vars []*anydiff.Var, data []byte) error
}

// A Batch is a minibatch which has been placed on a
// device and is ready to be fed to a model.
type Batch interface{}

// A Fetcher produces the next Batch for a training step.
//
// Fetchers may block while data is loaded.
// When no more batches are available, Fetch returns
// io.EOF.
type Fetcher interface {
	Fetch() (Batch, error)
}

// A Coster computes differentiable costs for a Batch.
// The resulting cost vectors should have one component.
type Coster interface {
	TotalCost(b Batch) anydiff.Res
}

// A Model is a Coster with trainable parameters.
//
// Parameters must return the same variables, in the same
// order, every time it is called.
// Replicas of one model must list corresponding
// parameters in the same order.
type Model interface {
	Coster
	Parameters() []*anydiff.Var
}

// A Rater determines the learning rate given the epoch
// number.
// An "epoch" is a full pass over the training set, so
// fractional epochs are possible.
type Rater interface {
	Rate(epoch float64) float64
}

// A Releaser is a Batch which holds device memory that
// should be dropped as soon as a step is done with it.
type Releaser interface {
	Release()
}

// A Sizer is a Batch which knows how many utterances it
// contains.
type Sizer interface {
	NumUtts() int
}
