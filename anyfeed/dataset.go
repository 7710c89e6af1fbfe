package anyfeed

import (
	"errors"
	"runtime"
	"strconv"
	"sync"

	"github.com/unixpickle/anyspeech"
	"github.com/unixpickle/anyspeech/anybatch"
	"github.com/unixpickle/essentials"
)

// A RawBatch is the list of loaded examples for one
// minibatch.
type RawBatch []*Example

// NumUtts returns the number of examples.
func (r RawBatch) NumUtts() int {
	return len(r)
}

// A Dataset is an indexed list of minibatches.
//
// Get may be called concurrently.
type Dataset interface {
	Len() int
	Get(i int) (RawBatch, error)
}

// A PlanDataset loads the minibatches of a Plan on
// demand.
type PlanDataset struct {
	Plan   anybatch.Plan
	Index  *anyspeech.CorpusIndex
	Loader Loader

	// MaxGos specifies the maximum goroutines to use
	// simultaneously for loading the examples of one
	// minibatch.
	// If it is 0, GOMAXPROCS is used.
	MaxGos int
}

// NewDataset creates a dataset which loads the
// minibatches of p with l.
func NewDataset(p anybatch.Plan, idx *anyspeech.CorpusIndex, l Loader) *PlanDataset {
	return &PlanDataset{Plan: p, Index: idx, Loader: l}
}

// Len returns the number of minibatches.
func (p *PlanDataset) Len() int {
	return len(p.Plan)
}

// Get loads the examples of the i-th minibatch, in the
// order of the plan.
func (p *PlanDataset) Get(i int) (RawBatch, error) {
	mb := p.Plan[i]
	if len(mb) == 0 {
		return nil, errors.New("load minibatch " + strconv.Itoa(i) + ": empty minibatch")
	}
	res := make(RawBatch, len(mb))

	idxChan := make(chan int, len(mb))
	for j := range mb {
		idxChan <- j
	}
	close(idxChan)

	maxGos := p.MaxGos
	if maxGos == 0 {
		maxGos = runtime.GOMAXPROCS(0)
	}
	if maxGos > len(mb) {
		maxGos = len(mb)
	}

	wg := sync.WaitGroup{}
	errChan := make(chan error, maxGos)
	for g := 0; g < maxGos; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range idxChan {
				u := p.Index.Get(mb[j])
				if u == nil {
					errChan <- errors.New("load minibatch: unknown utterance " + mb[j])
					return
				}
				ex, err := p.Loader.Load(u)
				if err != nil {
					errChan <- essentials.AddCtx("load minibatch", err)
					return
				}
				res[j] = ex
			}
		}()
	}

	wg.Wait()
	close(errChan)

	if err := <-errChan; err != nil {
		return nil, err
	}
	return res, nil
}
