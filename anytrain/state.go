// Package anytrain drives a training run: it performs
// update steps, evaluates and checkpoints the model at
// the end of every epoch, and stops early when the
// validation loss stops improving.
package anytrain

import (
	"math"

	"github.com/google/uuid"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var s State
	serializer.RegisterTypedDeserializer(s.SerializerType(), DeserializeState)
}

// State is the progress of a training run.
type State struct {
	// RunID identifies the run across resumptions.
	RunID string

	// Epoch is the number of completed epochs.
	Epoch     int
	Iteration int

	// BestLoss is the lowest validation loss seen so far,
	// reached at BestEpoch.
	// BestEpoch is 0 before the first evaluation.
	BestLoss  float64
	BestEpoch int

	// Stale counts the epochs since BestLoss improved.
	Stale int

	// Skipped counts steps skipped for a non-finite
	// gradient norm.
	Skipped int

	StoppedEarly bool
}

// NewState creates the state of a fresh run.
func NewState() *State {
	return &State{RunID: uuid.New().String()}
}

// DeserializeState deserializes a State.
func DeserializeState(d []byte) (*State, error) {
	var runID string
	var epoch, iter, bestEpoch, stale, skipped serializer.Int
	var best serializer.Float64
	var early bool
	err := serializer.DeserializeAny(d, &runID, &epoch, &iter, &best, &bestEpoch, &stale,
		&skipped, &early)
	if err != nil {
		return nil, essentials.AddCtx("deserialize State", err)
	}
	return &State{
		RunID:        runID,
		Epoch:        int(epoch),
		Iteration:    int(iter),
		BestLoss:     float64(best),
		BestEpoch:    int(bestEpoch),
		Stale:        int(stale),
		Skipped:      int(skipped),
		StoppedEarly: early,
	}, nil
}

// SerializerType returns the unique ID used to serialize
// a State with the serializer package.
func (s *State) SerializerType() string {
	return "github.com/unixpickle/anyspeech/anytrain.State"
}

// Serialize serializes the state.
func (s *State) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		s.RunID,
		serializer.Int(s.Epoch),
		serializer.Int(s.Iteration),
		serializer.Float64(s.BestLoss),
		serializer.Int(s.BestEpoch),
		serializer.Int(s.Stale),
		serializer.Int(s.Skipped),
		s.StoppedEarly,
	)
}

// observe records the validation loss of the epoch that
// just completed, returning true if it is a new best.
// A NaN loss is never an improvement.
func (s *State) observe(loss float64) bool {
	if !math.IsNaN(loss) && (s.BestEpoch == 0 || loss < s.BestLoss) {
		s.BestLoss = loss
		s.BestEpoch = s.Epoch
		s.Stale = 0
		return true
	}
	s.Stale++
	return false
}
