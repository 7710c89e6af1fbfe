// Package anybatch plans variable-size minibatches from
// the length metadata of a corpus.
//
// Sorting utterances by length and shrinking batches of
// long utterances keeps the memory and time of every
// step bounded without wasting throughput on short ones.
package anybatch

import (
	"fmt"
	"log"
	"math/rand"
	"sort"

	"github.com/unixpickle/anyspeech"
)

// A SortKey decides the order in which utterances are
// grouped into minibatches.
type SortKey int

const (
	// SortShuffle groups utterances in random order with a
	// fixed batch size.
	SortShuffle SortKey = iota

	// SortInput groups utterances by input length, with an
	// adaptive batch size.
	SortInput

	// SortOutput groups utterances by output length, with an
	// adaptive batch size.
	SortOutput
)

// ParseSortKey parses "shuffle", "input", or "output".
func ParseSortKey(s string) (SortKey, error) {
	switch s {
	case "shuffle":
		return SortShuffle, nil
	case "input":
		return SortInput, nil
	case "output":
		return SortOutput, nil
	}
	return 0, &anyspeech.ConfigError{
		Key: "batch_sort_key",
		Err: fmt.Errorf("%w: %q", anyspeech.ErrInvalidSortKey, s),
	}
}

// String returns the configuration name of the key.
func (s SortKey) String() string {
	switch s {
	case SortShuffle:
		return "shuffle"
	case SortInput:
		return "input"
	case SortOutput:
		return "output"
	}
	return fmt.Sprintf("SortKey(%d)", int(s))
}

// A Minibatch is a list of utterance IDs processed in one
// step.
type Minibatch []string

// A Plan is an ordered list of minibatches.
type Plan []Minibatch

// NumUtts returns the total number of IDs in the plan,
// counting padding repeats.
func (p Plan) NumUtts() int {
	var n int
	for _, mb := range p {
		n += len(mb)
	}
	return n
}

// Options configures Make.
type Options struct {
	// BatchSize is the size of minibatches of short
	// utterances.
	BatchSize int

	// MaxLenIn and MaxLenOut are the encoder and target
	// lengths above which minibatches shrink.
	// They are ignored by SortShuffle.
	MaxLenIn  int
	MaxLenOut int

	// NumBatches, if non-zero, truncates the plan.
	// This is meant for debugging.
	NumBatches int

	SortKey SortKey

	// MinBatchSize is the minimum number of IDs in every
	// minibatch.
	// Small minibatches are padded with random IDs from
	// earlier in the plan.
	// If it is 0, 1 is used.
	MinBatchSize int

	// ShortestFirst sorts utterances from short to long
	// (SortaGrad).
	ShortestFirst bool

	// Rand is the source for shuffling and padding.
	// If nil, the global source is used, and SortShuffle
	// plans are not reproducible.
	Rand *rand.Rand

	// Logger, if non-nil, receives progress messages.
	Logger *log.Logger
}

// Make creates a Plan for the corpus.
//
// The SortInput and SortOutput keys adapt the batch size
// to the longest utterance of each minibatch: with
//
//     factor = max(in/MaxLenIn, out/MaxLenOut)
//
// the minibatch has max(1, BatchSize/(1+factor)) IDs.
func Make(idx *anyspeech.CorpusIndex, o Options) (Plan, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	minBatch := o.minBatchSize()

	var sorted []*anyspeech.Utterance
	switch o.SortKey {
	case SortShuffle:
		o.logf("use shuffled batch.")
		sorted = shuffled(idx, o.Rand)
	case SortInput:
		o.logf("use batch sorted by input length and adaptive batch size.")
		sorted = sortedBy(idx, (*anyspeech.Utterance).EncoderLen, o.ShortestFirst)
	case SortOutput:
		o.logf("use batch sorted by output length and adaptive batch size.")
		sorted = sortedBy(idx, (*anyspeech.Utterance).TargetLen, o.ShortestFirst)
	default:
		return nil, &anyspeech.ConfigError{
			Key: "batch_sort_key",
			Err: fmt.Errorf("%w: %s", anyspeech.ErrInvalidSortKey, o.SortKey),
		}
	}
	o.logf("# utts: %d", len(sorted))

	if len(sorted) < minBatch {
		return nil, &anyspeech.CorpusError{
			Op: "make batchset",
			Err: fmt.Errorf("%w: %d utterances is less than min_batch_size %d",
				anyspeech.ErrInvalidCorpus, len(sorted), minBatch),
		}
	}

	var res Plan
	for start := 0; start < len(sorted); {
		size := o.windowSize(sorted[start])
		if start == 0 && size < minBatch {
			size = minBatch
		}
		end := start + size
		if end > len(sorted) {
			end = len(sorted)
		}

		mb := make(Minibatch, 0, end-start)
		for _, u := range sorted[start:end] {
			mb = append(mb, u.ID)
		}
		if o.ShortestFirst {
			reverse(mb)
		}
		if len(mb) < minBatch {
			mb = append(mb, o.padding(sorted, start, minBatch-len(mb)%minBatch)...)
		}
		res = append(res, mb)
		start = end
	}

	if o.NumBatches > 0 {
		res = res.Truncate(o.NumBatches)
	}
	o.logf("# minibatches: %d", len(res))
	return res, nil
}

// Truncate returns the first n minibatches.
func (p Plan) Truncate(n int) Plan {
	if n >= len(p) {
		return p
	}
	return p[:n]
}

func (o *Options) validate() error {
	if o.BatchSize < 1 {
		return &anyspeech.ConfigError{Key: "batch_size", Err: fmt.Errorf("must be positive")}
	}
	if o.SortKey != SortShuffle && (o.MaxLenIn < 1 || o.MaxLenOut < 1) {
		return &anyspeech.ConfigError{Key: "maxlen_in", Err: fmt.Errorf("maximum lengths must be positive")}
	}
	if o.MinBatchSize < 0 {
		return &anyspeech.ConfigError{Key: "min_batch_size", Err: fmt.Errorf("must not be negative")}
	}
	return nil
}

func (o *Options) minBatchSize() int {
	if o.MinBatchSize == 0 {
		return 1
	}
	return o.MinBatchSize
}

func (o *Options) windowSize(first *anyspeech.Utterance) int {
	if o.SortKey == SortShuffle {
		return o.BatchSize
	}
	factor := first.EncoderLen() / o.MaxLenIn
	if f := first.TargetLen() / o.MaxLenOut; f > factor {
		factor = f
	}
	size := o.BatchSize / (1 + factor)
	if size < 1 {
		return 1
	}
	return size
}

// padding draws n IDs, with replacement, from the part of
// the plan before start.
func (o *Options) padding(sorted []*anyspeech.Utterance, start, n int) Minibatch {
	res := make(Minibatch, n)
	for i := range res {
		res[i] = sorted[o.intn(start)].ID
	}
	if o.ShortestFirst {
		reverse(res)
	}
	return res
}

func (o *Options) intn(n int) int {
	if o.Rand != nil {
		return o.Rand.Intn(n)
	}
	return rand.Intn(n)
}

func (o *Options) logf(format string, args ...interface{}) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}

func shuffled(idx *anyspeech.CorpusIndex, r *rand.Rand) []*anyspeech.Utterance {
	perm := rand.Perm
	if r != nil {
		perm = r.Perm
	}
	res := make([]*anyspeech.Utterance, idx.Len())
	for i, j := range perm(idx.Len()) {
		res[i] = idx.Get(idx.IDs[j])
	}
	return res
}

func sortedBy(idx *anyspeech.CorpusIndex, key func(*anyspeech.Utterance) int,
	ascending bool) []*anyspeech.Utterance {
	res := make([]*anyspeech.Utterance, idx.Len())
	for i, id := range idx.IDs {
		res[i] = idx.Get(id)
	}
	sort.SliceStable(res, func(i, j int) bool {
		if ascending {
			return key(res[i]) < key(res[j])
		}
		return key(res[i]) > key(res[j])
	})
	return res
}

func reverse(mb Minibatch) {
	for i, j := 0, len(mb)-1; i < j; i, j = i+1, j-1 {
		mb[i], mb[j] = mb[j], mb[i]
	}
}
