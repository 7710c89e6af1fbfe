package anysgd

import (
	"io"
	"log"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// DefaultLossThreshold is the loss at or above which a
// step's loss is not reported.
const DefaultLossThreshold = 10000

// A StepResult describes one call to Update.
type StepResult struct {
	Loss     float64
	GradNorm float64

	// Skipped is true if the gradient norm was not finite,
	// in which case no parameter was modified.
	Skipped bool

	// Reported is true if the loss was passed to the
	// status function.
	Reported bool

	NumUtts int
}

// Stats accumulates step counts over many updates.
type Stats struct {
	Steps   int
	Skipped int
}

// An Updater performs training steps on a single device.
type Updater struct {
	Fetcher   Fetcher
	Model     Model
	Optimizer *Optimizer

	// LossThreshold is the loss at or above which the loss
	// is not reported.
	// If it is 0, DefaultLossThreshold is used.
	LossThreshold float64

	// Epoch, if non-nil, returns the current fractional
	// epoch for the Rater.
	Epoch func() float64

	// StatusFunc, if non-nil, is called after every step
	// whose loss is finite and below LossThreshold.
	StatusFunc func(r *StepResult)

	// Logger, if non-nil, receives warnings about skipped
	// steps and unreported losses.
	Logger *log.Logger

	// Verbose enables logging the gradient norm of every
	// step.
	Verbose bool

	Stats Stats
}

// Update fetches a batch and performs one step.
//
// If the fetcher returns io.EOF, Update returns io.EOF
// without modifying anything.
func (u *Updater) Update() (*StepResult, error) {
	var arena Arena
	defer arena.Release()

	batch, err := u.Fetcher.Fetch()
	if err == io.EOF {
		return nil, err
	} else if err != nil {
		return nil, essentials.AddCtx("update", err)
	}
	arena.Add(batch)

	params := u.Model.Parameters()
	grad, loss := backward(u.Model, batch, params)
	res := &StepResult{Loss: loss, NumUtts: numUtts(batch)}
	res.GradNorm = GradNorm(params, grad)
	if u.Verbose {
		logf(u.Logger, "grad norm=%f", res.GradNorm)
	}

	if Finite(res.GradNorm) {
		u.Optimizer.Step(grad, epoch(u.Epoch))
	} else {
		logf(u.Logger, "grad norm is nan. Do not update model.")
		res.Skipped = true
		u.Stats.Skipped++
	}
	u.Stats.Steps++

	res.Reported = report(res, u.LossThreshold, u.StatusFunc, u.Logger)
	return res, nil
}

// backward computes the cost of a batch and its gradient
// with respect to params.
// No reference to the cost graph outlives the call.
func backward(m Coster, b Batch, params []*anydiff.Var) (anydiff.Grad, float64) {
	grad := anydiff.NewGrad(params...)
	cost := m.TotalCost(b)
	loss := numericFloat(anyvec.Sum(cost.Output()))

	c := cost.Output().Creator()
	upstream := c.MakeVectorData(c.MakeNumericList([]float64{1}))
	cost.Propagate(upstream, grad)
	return grad, loss
}

// report passes r to the status function if its loss is
// usable.
func report(r *StepResult, threshold float64, f func(*StepResult), l *log.Logger) bool {
	if threshold == 0 {
		threshold = DefaultLossThreshold
	}
	if r.Loss >= threshold || math.IsNaN(r.Loss) {
		logf(l, "loss (=%f) is not correct", r.Loss)
		return false
	}
	if f != nil {
		f(r)
	}
	return true
}

func numUtts(b Batch) int {
	if s, ok := b.(Sizer); ok {
		return s.NumUtts()
	}
	return 0
}

func epoch(f func() float64) float64 {
	if f == nil {
		return 0
	}
	return f()
}

func logf(l *log.Logger, format string, args ...interface{}) {
	if l != nil {
		l.Printf(format, args...)
	}
}
