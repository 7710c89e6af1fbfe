package anyspeech

import "crypto/sha256"

// HashSplit partitions the index deterministically by
// hashing utterance IDs.
// It is used to carve a validation set out of a training
// corpus when no separate validation file is given.
//
// The leftRatio argument specifies the expected fraction
// of utterances in the left partition.
// Both partitions keep the file order of the index.
func (c *CorpusIndex) HashSplit(leftRatio float64) (left, right *CorpusIndex) {
	if leftRatio <= 0 {
		return c.Subset(nil), c
	} else if leftRatio >= 1 {
		return c, c.Subset(nil)
	}
	cutoff := hashCutoff(leftRatio)
	var leftIDs, rightIDs []string
	for _, id := range c.IDs {
		hash := sha256.Sum256([]byte(id))
		if compareHashes(hash[:], cutoff) < 0 {
			leftIDs = append(leftIDs, id)
		} else {
			rightIDs = append(rightIDs, id)
		}
	}
	return c.Subset(leftIDs), c.Subset(rightIDs)
}

func hashCutoff(ratio float64) []byte {
	res := make([]byte, 8)
	for i := range res {
		ratio *= 256
		value := int(ratio)
		ratio -= float64(value)
		if value == 256 {
			value = 255
		}
		res[i] = byte(value)
	}
	return res
}

func compareHashes(h1, h2 []byte) int {
	max := len(h1)
	if len(h2) > max {
		max = len(h2)
	}
	for i := 0; i < max; i++ {
		var h1Val, h2Val byte
		if i < len(h1) {
			h1Val = h1[i]
		}
		if i < len(h2) {
			h2Val = h2[i]
		}
		if h1Val < h2Val {
			return -1
		} else if h1Val > h2Val {
			return 1
		}
	}
	return 0
}
