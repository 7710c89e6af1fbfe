package anyfeed

import (
	"errors"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"testing"

	"github.com/unixpickle/anyspeech/anybatch"
)

type indexDataset struct {
	n       int
	failing int
}

func (i *indexDataset) Len() int {
	return i.n
}

func (i *indexDataset) Get(idx int) (RawBatch, error) {
	if idx == i.failing {
		return nil, errors.New("load failed")
	}
	return RawBatch{{ID: strconv.Itoa(idx)}}, nil
}

func drain(t *testing.T, it Iterator, n int) []string {
	var res []string
	for i := 0; i < n; i++ {
		batch, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if len(batch) != 1 {
			t.Fatalf("expected one minibatch but got %d", len(batch))
		}
		res = append(res, batch[0][0].ID)
	}
	return res
}

func TestSerialIteratorOrder(t *testing.T) {
	it := NewSerialIterator(&indexDataset{n: 3, failing: -1}, false, true, nil)
	ids := drain(t, it, 7)
	expected := []string{"0", "1", "2", "0", "1", "2", "0"}
	for i, id := range expected {
		if ids[i] != id {
			t.Fatalf("expected %v but got %v", expected, ids)
		}
	}
	if it.Epoch() != 2 || it.IsNewEpoch() {
		t.Errorf("unexpected epoch state: %d %v", it.Epoch(), it.IsNewEpoch())
	}
	if d := it.EpochDetail(); d < 2.33 || d > 2.34 {
		t.Errorf("unexpected epoch detail: %f", d)
	}
}

func TestSerialIteratorNoRepeat(t *testing.T) {
	it := NewSerialIterator(&indexDataset{n: 2, failing: -1}, false, false, nil)
	drain(t, it, 2)
	if !it.IsNewEpoch() {
		t.Error("expected new epoch")
	}
	if _, err := it.Next(); err != io.EOF {
		t.Errorf("expected EOF but got %v", err)
	}
	it.Reset()
	if ids := drain(t, it, 2); ids[0] != "0" || ids[1] != "1" {
		t.Errorf("unexpected order after reset: %v", ids)
	}
}

func TestIteratorSetShuffle(t *testing.T) {
	const n = 50
	iterators := map[string]Iterator{
		"serial": NewSerialIterator(&indexDataset{n: n, failing: -1}, false, true,
			rand.New(rand.NewSource(1))),
		"prefetch": NewPrefetchIterator(&indexDataset{n: n, failing: -1}, 2, 8, false, true,
			rand.New(rand.NewSource(1))),
	}
	for name, it := range iterators {
		first := drain(t, it, n)
		for i, id := range first {
			if id != strconv.Itoa(i) {
				t.Fatalf("%s: first epoch is shuffled: %v", name, first)
			}
		}
		it.SetShuffle(true)
		for epoch := 2; epoch <= 3; epoch++ {
			ids := drain(t, it, n)
			if !isShuffle(ids) {
				t.Errorf("%s: epoch %d is not a shuffle: %v", name, epoch, ids)
			}
		}
		it.Close()
	}
}

func TestIteratorSetShuffleMidEpoch(t *testing.T) {
	const n = 50
	it := NewSerialIterator(&indexDataset{n: n, failing: -1}, false, true,
		rand.New(rand.NewSource(1)))
	drain(t, it, 1)
	it.SetShuffle(true)
	rest := drain(t, it, n-1)
	for i, id := range rest {
		if id != strconv.Itoa(i+1) {
			t.Fatalf("current epoch was reordered: %v", rest)
		}
	}
	if ids := drain(t, it, n); !isShuffle(ids) {
		t.Errorf("second epoch is not a shuffle: %v", ids)
	}
}

func isShuffle(ids []string) bool {
	var inOrder int
	seen := map[string]bool{}
	for i, id := range ids {
		seen[id] = true
		if id == strconv.Itoa(i) {
			inOrder++
		}
	}
	return inOrder < len(ids) && len(seen) == len(ids)
}

func TestPrefetchMatchesSerial(t *testing.T) {
	ds := &indexDataset{n: 17, failing: -1}
	for _, workers := range []int{1, 3} {
		for _, prefetch := range []int{1, 4, 32} {
			serial := NewSerialIterator(ds, true, true, rand.New(rand.NewSource(5)))
			prefetcher := NewPrefetchIterator(ds, workers, prefetch, true, true,
				rand.New(rand.NewSource(5)))
			expected := drain(t, serial, 60)
			actual := drain(t, prefetcher, 60)
			for i := range expected {
				if expected[i] != actual[i] {
					t.Fatalf("workers=%d prefetch=%d: batch %d: expected %s but got %s",
						workers, prefetch, i, expected[i], actual[i])
				}
			}
			if prefetcher.Epoch() != serial.Epoch() {
				t.Errorf("epoch mismatch: %d vs %d", prefetcher.Epoch(), serial.Epoch())
			}
			if err := prefetcher.Close(); err != nil {
				t.Error(err)
			}
		}
	}
}

func TestPrefetchNoRepeat(t *testing.T) {
	it := NewPrefetchIterator(&indexDataset{n: 5, failing: -1}, 2, 3, false, false, nil)
	defer it.Close()
	drain(t, it, 5)
	if _, err := it.Next(); err != io.EOF {
		t.Errorf("expected EOF but got %v", err)
	}
	it.Reset()
	if ids := drain(t, it, 5); ids[4] != "4" {
		t.Errorf("unexpected order after reset: %v", ids)
	}
}

func TestPrefetchError(t *testing.T) {
	it := NewPrefetchIterator(&indexDataset{n: 5, failing: 2}, 2, 4, false, true, nil)
	defer it.Close()
	drain(t, it, 2)
	for i := 0; i < 3; i++ {
		if _, err := it.Next(); err == nil || !strings.Contains(err.Error(), "load failed") {
			t.Fatalf("attempt %d: unexpected error: %v", i, err)
		}
		if it.EpochDetail() != 0.4 {
			t.Fatalf("attempt %d: position moved to %f", i, it.EpochDetail())
		}
	}

	it = NewPrefetchIterator(&indexDataset{n: 2, failing: 0}, 1, 4, false, true, nil)
	defer it.Close()
	for i := 0; i < 2; i++ {
		if _, err := it.Next(); err == nil {
			t.Fatalf("attempt %d: expected load error", i)
		}
	}
}

func TestPrefetchRetry(t *testing.T) {
	ds := &indexDataset{n: 5, failing: 2}
	it := NewPrefetchIterator(ds, 2, 4, false, true, nil)
	defer it.Close()
	drain(t, it, 2)
	if _, err := it.Next(); err == nil {
		t.Fatal("expected load error")
	}
	ds.failing = -1
	ids := drain(t, it, 5)
	expected := []string{"2", "3", "4", "0", "1"}
	for i, id := range expected {
		if ids[i] != id {
			t.Fatalf("expected %v but got %v", expected, ids)
		}
	}
}

func TestPlanDataset(t *testing.T) {
	idx := testCorpus(t, 3, 4, 5, 6)
	plan := anybatch.Plan{{"utt3", "utt1", "utt0"}, {"utt2"}}
	ds := NewDataset(plan, idx, SyntheticLoader{})
	ds.MaxGos = 2
	batch, err := ds.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 3 || batch[0].ID != "utt3" || batch[1].ID != "utt1" ||
		batch[2].ID != "utt0" || len(batch[0].Frames) != 6 {
		t.Errorf("unexpected batch: %v", batch)
	}

	ds.Plan = anybatch.Plan{{"utt0", "missing"}}
	if _, err := ds.Get(0); err == nil {
		t.Error("expected error for unknown utterance")
	}
}
