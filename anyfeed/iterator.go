package anyfeed

import (
	"io"
	"math/rand"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"github.com/unixpickle/essentials"
	"golang.org/x/sync/errgroup"
)

// An Iterator produces minibatches of a Dataset, epoch
// after epoch.
//
// Iterators are not safe for concurrent use; a training
// loop drives one from a single goroutine.
type Iterator interface {
	// Next returns the next minibatch, wrapped in a list of
	// length 1 as expected by Converter.
	//
	// A non-repeating iterator returns io.EOF after one
	// epoch.
	Next() ([]RawBatch, error)

	// Epoch returns the number of completed epochs.
	Epoch() int

	// IsNewEpoch reports whether the last call to Next
	// completed an epoch.
	IsNewEpoch() bool

	// EpochDetail returns the fractional epoch.
	EpochDetail() float64

	// SetShuffle enables or disables shuffling of the
	// minibatch order.
	// It takes effect at the next epoch, which is the
	// upcoming one if the last call to Next ended an epoch.
	SetShuffle(shuffle bool)

	// Reset rewinds to the start of epoch 0.
	Reset()

	Close() error
}

// NewIterator creates a SerialIterator if workers is 0,
// or a PrefetchIterator otherwise.
// A negative workers count selects NumWorkers(-1).
func NewIterator(ds Dataset, workers, prefetch int, shuffle, repeat bool,
	r *rand.Rand) Iterator {
	if workers == 0 {
		return NewSerialIterator(ds, shuffle, repeat, r)
	}
	return NewPrefetchIterator(ds, NumWorkers(workers), prefetch, shuffle, repeat, r)
}

// NumWorkers resolves a worker count.
// A negative n means one worker per physical core.
func NumWorkers(n int) int {
	if n >= 0 {
		return n
	}
	if cores := cpuid.CPU.PhysicalCores; cores > 0 {
		return cores
	}
	if cores := cpuid.CPU.LogicalCores; cores > 0 {
		return cores
	}
	return 1
}

// schedule tracks the position of an iterator within
// the minibatch order of the current epoch.
type schedule struct {
	size    int
	repeat  bool
	shuffle bool
	rand    *rand.Rand

	order    []int
	pos      int
	epoch    int
	newEpoch bool
}

func newSchedule(size int, shuffle, repeat bool, r *rand.Rand) *schedule {
	if size == 0 {
		panic("cannot iterate over an empty dataset")
	}
	s := &schedule{size: size, shuffle: shuffle, repeat: repeat, rand: r}
	s.reorder()
	return s
}

func (s *schedule) reorder() {
	if !s.shuffle {
		s.order = make([]int, s.size)
		for i := range s.order {
			s.order[i] = i
		}
	} else if s.rand != nil {
		s.order = s.rand.Perm(s.size)
	} else {
		s.order = rand.Perm(s.size)
	}
}

func (s *schedule) done() bool {
	return !s.repeat && s.epoch > 0
}

// peek returns the dataset index at offset i of the
// current epoch.
func (s *schedule) peek(i int) int {
	return s.order[i]
}

// advance moves past the current minibatch.
func (s *schedule) advance() {
	s.pos++
	s.newEpoch = s.pos == s.size
	if s.newEpoch {
		s.epoch++
		s.pos = 0
		s.reorder()
	}
}

func (s *schedule) reset() {
	s.pos = 0
	s.epoch = 0
	s.newEpoch = false
	s.reorder()
}

func (s *schedule) Epoch() int {
	return s.epoch
}

func (s *schedule) IsNewEpoch() bool {
	return s.newEpoch
}

func (s *schedule) EpochDetail() float64 {
	return float64(s.epoch) + float64(s.pos)/float64(s.size)
}

// SetShuffle changes the shuffle setting.
// At the start of an epoch, the epoch's order is redrawn
// right away.
func (s *schedule) SetShuffle(shuffle bool) {
	changed := s.shuffle != shuffle
	s.shuffle = shuffle
	if changed && s.pos == 0 {
		s.reorder()
	}
}

// A SerialIterator loads every minibatch on the calling
// goroutine.
type SerialIterator struct {
	*schedule
	Dataset Dataset
}

// NewSerialIterator creates a SerialIterator.
// If r is nil, the global source is used for shuffling.
func NewSerialIterator(ds Dataset, shuffle, repeat bool, r *rand.Rand) *SerialIterator {
	return &SerialIterator{
		schedule: newSchedule(ds.Len(), shuffle, repeat, r),
		Dataset:  ds,
	}
}

// Next loads the next minibatch.
func (s *SerialIterator) Next() ([]RawBatch, error) {
	if s.done() {
		return nil, io.EOF
	}
	batch, err := s.Dataset.Get(s.peek(s.pos))
	if err != nil {
		return nil, err
	}
	s.advance()
	return []RawBatch{batch}, nil
}

// Reset rewinds the iterator.
func (s *SerialIterator) Reset() {
	s.reset()
}

// Close does nothing.
func (s *SerialIterator) Close() error {
	return nil
}

type future struct {
	idx   int
	done  chan struct{}
	batch RawBatch
	err   error
}

// A PrefetchIterator loads upcoming minibatches on a pool
// of worker goroutines.
//
// Minibatches are delivered in the same order as a
// SerialIterator with the same seed would deliver them.
// Prefetching stops at the end of each epoch, so a call
// to SetShuffle between epochs affects the next one.
type PrefetchIterator struct {
	*schedule
	Dataset  Dataset
	Workers  int
	Prefetch int

	startOnce sync.Once
	closeOnce sync.Once
	jobs      chan *future
	group     errgroup.Group

	pending []*future
	queued  int
}

// NewPrefetchIterator creates a PrefetchIterator with the
// given number of workers and queue depth.
// Workers are started on the first call to Next.
func NewPrefetchIterator(ds Dataset, workers, prefetch int, shuffle, repeat bool,
	r *rand.Rand) *PrefetchIterator {
	if workers < 1 {
		workers = 1
	}
	if prefetch < 1 {
		prefetch = 1
	}
	return &PrefetchIterator{
		schedule: newSchedule(ds.Len(), shuffle, repeat, r),
		Dataset:  ds,
		Workers:  workers,
		Prefetch: prefetch,
		jobs:     make(chan *future, prefetch),
	}
}

// Next returns the next minibatch, blocking until it has
// been loaded.
func (p *PrefetchIterator) Next() ([]RawBatch, error) {
	if p.done() {
		return nil, io.EOF
	}
	p.startOnce.Do(p.start)
	p.fill()

	f := p.pending[0]
	p.pending[0] = nil
	p.pending = p.pending[1:]
	<-f.done
	if f.err != nil {
		// Drop the loads queued after the failed one, so the
		// next call retries it.
		for _, pf := range p.pending {
			<-pf.done
		}
		p.pending = nil
		p.queued = p.pos
		return nil, essentials.AddCtx("prefetch", f.err)
	}

	p.advance()
	if p.newEpoch {
		p.queued = 0
	}
	return []RawBatch{f.batch}, nil
}

// Reset waits for pending loads and rewinds the iterator.
func (p *PrefetchIterator) Reset() {
	for _, f := range p.pending {
		<-f.done
	}
	p.pending = nil
	p.queued = 0
	p.reset()
}

// Close stops the workers once pending loads finish.
func (p *PrefetchIterator) Close() error {
	p.closeOnce.Do(func() {
		close(p.jobs)
	})
	return p.group.Wait()
}

func (p *PrefetchIterator) start() {
	for i := 0; i < p.Workers; i++ {
		p.group.Go(func() error {
			for f := range p.jobs {
				f.batch, f.err = p.Dataset.Get(f.idx)
				close(f.done)
			}
			return nil
		})
	}
}

// fill queues loads up to the prefetch depth without
// crossing the end of the epoch.
func (p *PrefetchIterator) fill() {
	for len(p.pending) < p.Prefetch && p.pos+len(p.pending) < p.size {
		f := &future{idx: p.peek(p.queued), done: make(chan struct{})}
		p.queued++
		p.pending = append(p.pending, f)
		p.jobs <- f
	}
}
