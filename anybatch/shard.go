package anybatch

import (
	"strconv"

	"github.com/unixpickle/anyspeech"
	"github.com/unixpickle/essentials"
)

// MakeShards plans one disjoint shard of the corpus per
// device and equalizes the plans, so that every device
// takes the same number of steps per epoch.
//
// The corpus is split with CorpusIndex.Shard.
func MakeShards(idx *anyspeech.CorpusIndex, n int, o Options) ([]Plan, error) {
	var res []Plan
	for i, shard := range idx.Shard(n) {
		plan, err := Make(shard, o)
		if err != nil {
			return nil, essentials.AddCtx("shard "+strconv.Itoa(i), err)
		}
		res = append(res, plan)
	}
	Equalize(res)
	return res, nil
}

// Equalize extends every plan to the length of the
// longest one by cyclically repeating its first
// minibatches.
func Equalize(plans []Plan) {
	var maxLen int
	for _, p := range plans {
		if len(p) > maxLen {
			maxLen = len(p)
		}
	}
	for i, p := range plans {
		orig := len(p)
		if orig == 0 {
			continue
		}
		for j := 0; len(p) < maxLen; j++ {
			p = append(p, p[j%orig])
		}
		plans[i] = p
	}
}

// Scatter splits a minibatch into n contiguous parts,
// one per device.
// The minibatch must have at least n IDs, which Make
// guarantees when MinBatchSize is n.
func Scatter(mb Minibatch, n int) []Minibatch {
	if len(mb) < n {
		panic("minibatch smaller than device count")
	}
	res := make([]Minibatch, n)
	for i := range res {
		start := i * len(mb) / n
		end := (i + 1) * len(mb) / n
		res[i] = mb[start:end]
	}
	return res
}

// ScatterPlan applies Scatter to every minibatch, giving
// one plan per device.
func ScatterPlan(p Plan, n int) []Plan {
	res := make([]Plan, n)
	for _, mb := range p {
		for i, part := range Scatter(mb, n) {
			res[i] = append(res[i], part)
		}
	}
	return res
}
