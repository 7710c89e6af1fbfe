package anysgd

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"log"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyspeech"
	"github.com/unixpickle/anyspeech/anycoll"
	"golang.org/x/sync/errgroup"
)

// A Replica is one copy of a model, fed by its own
// Fetcher and connected to the other replicas by a
// collective Channel.
type Replica struct {
	Device  anyspeech.Device
	Fetcher Fetcher
	Model   Model
	Channel anycoll.Channel
}

// A ParallelUpdater performs synchronous data-parallel
// training steps.
//
// Replica 0 is the primary: it receives the sum of all
// gradients, decides whether to skip the step, applies
// the optimizer, and broadcasts its parameters to the
// other replicas.
// Since every replica ends each step with a copy of the
// primary's parameters, replicas never diverge.
type ParallelUpdater struct {
	Replicas  []*Replica
	Optimizer *Optimizer

	// LossThreshold is the loss at or above which the loss
	// is not reported.
	// If it is 0, DefaultLossThreshold is used.
	LossThreshold float64

	// Epoch, if non-nil, returns the current fractional
	// epoch for the Rater.
	Epoch func() float64

	// StatusFunc, if non-nil, is called after every step
	// whose primary loss is finite and below
	// LossThreshold.
	StatusFunc func(r *StepResult)

	// Logger, if non-nil, receives warnings about skipped
	// steps and unreported losses.
	Logger *log.Logger

	// Verbose enables logging the gradient norm of every
	// step.
	Verbose bool

	Stats Stats
}

// Sync broadcasts the primary's parameters to every
// replica.
// It should be called once before training.
func (p *ParallelUpdater) Sync(ctx context.Context) error {
	return p.run(func(i int, r *Replica) error {
		params := r.Model.Parameters()
		flat := FlattenParams(params)
		if err := r.Channel.Broadcast(ctx, flat, 0); err != nil {
			return err
		}
		if i != 0 {
			ScatterParams(params, flat)
		}
		return nil
	})
}

// Update fetches a batch for every replica and performs
// one synchronous step.
//
// If every fetcher returns io.EOF, Update returns io.EOF
// without modifying anything.
// Any other failure aborts the collective group and is
// returned as a *anyspeech.DeviceError; the replicas can
// not be used afterwards.
func (p *ParallelUpdater) Update() (*StepResult, error) {
	batches := make([]Batch, len(p.Replicas))
	fetchErrs := make([]error, len(p.Replicas))
	var g errgroup.Group
	for i, r := range p.Replicas {
		g.Go(func() error {
			batches[i], fetchErrs[i] = r.Fetcher.Fetch()
			return nil
		})
	}
	g.Wait()

	var arena Arena
	defer arena.Release()
	var numEOF int
	for i, err := range fetchErrs {
		arena.Add(batches[i])
		if err == io.EOF {
			numEOF++
		} else if err != nil {
			return nil, p.deviceError(i, "fetch", err)
		}
	}
	if numEOF == len(p.Replicas) {
		return nil, io.EOF
	} else if numEOF > 0 {
		return nil, p.deviceError(0, "fetch", errors.New("replicas ran out of data unevenly"))
	}

	res := &StepResult{}
	losses := make([]float64, len(p.Replicas))
	ctx := context.Background()
	err := p.run(func(i int, r *Replica) error {
		params := r.Model.Parameters()
		grad, loss := backward(r.Model, batches[i], params)
		losses[i] = loss

		flat := FlattenGrad(params, grad)
		if err := r.Channel.ReduceSum(ctx, flat, 0); err != nil {
			return err
		}
		if i == 0 {
			ScatterGrad(params, grad, flat)
			p.applyPrimary(res, grad, params)
		}

		flat = FlattenParams(params)
		if err := r.Channel.Broadcast(ctx, flat, 0); err != nil {
			return err
		}
		if i != 0 {
			ScatterParams(params, flat)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Loss = losses[0]
	for _, b := range batches {
		res.NumUtts += numUtts(b)
	}
	res.Reported = report(res, p.LossThreshold, p.StatusFunc, p.Logger)
	return res, nil
}

// Checksums computes a hash of each replica's parameters.
// Replicas with bit-identical parameters have equal
// checksums.
func (p *ParallelUpdater) Checksums() []uint64 {
	res := make([]uint64, len(p.Replicas))
	for i, r := range p.Replicas {
		res[i] = ParamChecksum(r.Model.Parameters())
	}
	return res
}

// ParamChecksum computes a hash of the exact values of
// the parameters.
func ParamChecksum(params []*anydiff.Var) uint64 {
	h := fnv.New64a()
	buf := make([]byte, 8)
	for _, v := range params {
		for _, x := range vectorFloats(v.Vector) {
			bits := math.Float64bits(x)
			for i := range buf {
				buf[i] = byte(bits >> uint(8*i))
			}
			h.Write(buf)
		}
	}
	return h.Sum64()
}

func (p *ParallelUpdater) applyPrimary(res *StepResult, grad anydiff.Grad,
	params []*anydiff.Var) {
	res.GradNorm = GradNorm(params, grad)
	if p.Verbose {
		logf(p.Logger, "grad norm=%f", res.GradNorm)
	}
	if Finite(res.GradNorm) {
		p.Optimizer.Step(grad, epoch(p.Epoch))
	} else {
		logf(p.Logger, "grad norm is nan. Do not update model.")
		res.Skipped = true
		p.Stats.Skipped++
	}
	p.Stats.Steps++
}

// run calls f for every replica concurrently.
// The first failure aborts the collective group, which
// unblocks the other replicas.
func (p *ParallelUpdater) run(f func(i int, r *Replica) error) error {
	var g errgroup.Group
	for i, r := range p.Replicas {
		g.Go(func() error {
			if err := f(i, r); err != nil {
				err = p.deviceError(i, "replica step", err)
				r.Channel.Abort(err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *ParallelUpdater) deviceError(i int, op string, err error) error {
	var de *anyspeech.DeviceError
	if errors.As(err, &de) {
		return err
	}
	return &anyspeech.DeviceError{Device: p.Replicas[i].Device, Op: op, Err: err}
}
