package anytrain

import "log"

// A Shuffler is an iterator whose minibatch order can be
// shuffled.
type Shuffler interface {
	SetShuffle(shuffle bool)
}

// A ShufflingEnabler turns on shuffling once Epoch epochs
// have completed.
// It is used to train on sorted minibatches for the first
// few epochs.
type ShufflingEnabler struct {
	Iterators []Shuffler
	Epoch     int
	Logger    *log.Logger

	done bool
}

// Run enables shuffling if the state has reached the
// target epoch.
func (s *ShufflingEnabler) Run(st *State) error {
	if s.done || st.Epoch < s.Epoch {
		return nil
	}
	for _, it := range s.Iterators {
		it.SetShuffle(true)
	}
	s.done = true
	if s.Logger != nil {
		s.Logger.Println("use shuffled batch.")
	}
	return nil
}
