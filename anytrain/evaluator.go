package anytrain

import (
	"errors"
	"io"

	"github.com/unixpickle/anyspeech"
	"github.com/unixpickle/anyspeech/anyfeed"
	"github.com/unixpickle/anyspeech/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// An Evaluator computes the mean loss of a model over a
// validation set without updating it.
type Evaluator struct {
	// Iterator must not repeat.
	// It is reset before every evaluation.
	Iterator  anyfeed.Iterator
	Converter *anyfeed.Converter
	Model     anysgd.Coster
	Device    anyspeech.Device
}

// Evaluate returns the mean minibatch loss.
func (e *Evaluator) Evaluate() (float64, error) {
	e.Iterator.Reset()
	var total float64
	var count int
	for {
		raw, err := e.Iterator.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return 0, essentials.AddCtx("evaluate", err)
		}
		batch, err := e.Converter.Convert(raw, e.Device)
		if err != nil {
			return 0, essentials.AddCtx("evaluate", err)
		}
		total += e.batchLoss(batch)
		count++
	}
	if count == 0 {
		return 0, errors.New("evaluate: empty validation set")
	}
	return total / float64(count), nil
}

func (e *Evaluator) batchLoss(b *anyfeed.DeviceBatch) float64 {
	defer b.Release()
	switch x := anyvec.Sum(e.Model.TotalCost(b).Output()).(type) {
	case float32:
		return float64(x)
	case float64:
		return x
	default:
		panic("unsupported numeric type")
	}
}
