package anytrain

import (
	"io"
	"log"
	"math"

	"github.com/unixpickle/anyspeech/anysgd"
	"github.com/unixpickle/essentials"
)

// A StepUpdater performs one training step per call.
// Both *anysgd.Updater and *anysgd.ParallelUpdater are
// StepUpdaters.
type StepUpdater interface {
	Update() (*anysgd.StepResult, error)
}

// An EpochIterator exposes the epoch progress of the
// training iterator.
type EpochIterator interface {
	Epoch() int
	IsNewEpoch() bool
	EpochDetail() float64
}

// A Validator measures the loss of the model on held-out
// data.
type Validator interface {
	Evaluate() (float64, error)
}

// An Extension runs at the end of every epoch, after the
// model has been evaluated and checkpointed.
type Extension interface {
	Run(s *State) error
}

// A Trainer runs the training loop.
type Trainer struct {
	Updater  StepUpdater
	Iterator EpochIterator

	// Evaluator, if non-nil, produces the loss watched for
	// early stopping.
	// Otherwise, the mean training loss of the epoch is
	// watched.
	Evaluator Validator

	// Epochs is the epoch limit.
	// If it is 0, training runs until early stopping, a
	// stop signal, or the end of a non-repeating iterator.
	Epochs int

	// Patience is the number of epochs without improvement
	// after which training stops.
	// If it is 0, early stopping is disabled.
	Patience int

	// Reporter, if non-nil, aggregates step results.
	Reporter *Reporter

	// LogPath, if non-empty, is where the Reporter's epoch
	// entries are written after every epoch.
	LogPath string

	Extensions   []Extension
	Checkpointer *Checkpointer

	// Stop is checked between steps.
	// Once it is closed, Run returns.
	Stop <-chan struct{}

	Logger *log.Logger
}

// Run trains until a stopping condition is met, starting
// from the given state.
//
// The returned state is the same object as s.
// It is valid even if an error is returned.
func (t *Trainer) Run(s *State) (*State, error) {
	if t.Reporter == nil {
		t.Reporter = &Reporter{Logger: t.Logger}
	}
	base := float64(s.Epoch)
	for !t.reachedLimit(s) {
		if t.stopped() {
			t.logf("stopped at iteration %d", s.Iteration)
			return s, nil
		}
		res, err := t.Updater.Update()
		if err == io.EOF {
			return s, nil
		} else if err != nil {
			return s, essentials.AddCtx("train", err)
		}
		s.Iteration++
		if res.Skipped {
			s.Skipped++
		}
		t.Reporter.Add(s, base+t.Iterator.EpochDetail(), res)
		if !t.Iterator.IsNewEpoch() {
			continue
		}
		s.Epoch++
		if err := t.endEpoch(s); err != nil {
			return s, err
		}
		if t.Patience > 0 && s.Stale >= t.Patience {
			s.StoppedEarly = true
			return s, nil
		}
	}
	return s, nil
}

func (t *Trainer) endEpoch(s *State) error {
	validLoss := math.NaN()
	if t.Evaluator != nil {
		var err error
		validLoss, err = t.Evaluator.Evaluate()
		if err != nil {
			return essentials.AddCtx("train", err)
		}
	}
	trainLoss := t.Reporter.EndEpoch(s, validLoss)
	metric := validLoss
	if t.Evaluator == nil {
		metric = trainLoss
	}
	improved := s.observe(metric)
	if improved {
		t.logf("epoch %d: new best loss %f", s.Epoch, metric)
	}
	if t.LogPath != "" {
		if err := t.Reporter.WriteLog(t.LogPath); err != nil {
			return err
		}
	}
	if t.Checkpointer != nil {
		if err := t.Checkpointer.Save(s, improved); err != nil {
			return err
		}
	}
	for _, ext := range t.Extensions {
		if err := ext.Run(s); err != nil {
			return essentials.AddCtx("train", err)
		}
	}
	return nil
}

func (t *Trainer) reachedLimit(s *State) bool {
	return t.Epochs > 0 && s.Epoch >= t.Epochs
}

func (t *Trainer) stopped() bool {
	if t.Stop == nil {
		return false
	}
	select {
	case <-t.Stop:
		return true
	default:
		return false
	}
}

func (t *Trainer) logf(format string, args ...interface{}) {
	if t.Logger != nil {
		t.Logger.Printf(format, args...)
	}
}

// CheckEarlyStop reports whether a run ended before the
// epoch limit because of early stopping, logging a
// message if so.
func CheckEarlyStop(s *State, epochs int, l *log.Logger) bool {
	if !s.StoppedEarly || s.Epoch >= epochs {
		return false
	}
	if l != nil {
		l.Printf("Hit early stop at epoch %d. You can change the patience or set it to 0 "+
			"if you want.", s.Epoch)
	}
	return true
}
