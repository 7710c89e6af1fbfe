package anyspeech

import (
	"errors"
	"strings"
	"testing"
)

const testCorpus = `{
  "utts": {
    "u3": {"input": [{"shape": [300, 83], "feat": "a.ark:1"}], "output": [{"shape": [20, 52], "tokenid": "1 2"}]},
    "u1": {"input": [{"shape": [100, 83]}], "output": [{"shape": [10, 52]}]},
    "u2": {"input": [{"shape": [200, 83]}], "output": [{"shape": [15, 52]}]}
  },
  "version": 2
}`

func TestReadCorpusOrder(t *testing.T) {
	idx, err := ReadCorpus(strings.NewReader(testCorpus), TaskASR)
	if err != nil {
		t.Fatal(err)
	}
	expected := []string{"u3", "u1", "u2"}
	if strings.Join(idx.IDs, ",") != strings.Join(expected, ",") {
		t.Fatalf("expected order %v but got %v", expected, idx.IDs)
	}
	u := idx.Get("u3")
	if u.EncoderLen() != 300 || u.TargetLen() != 20 {
		t.Errorf("unexpected lengths: %d, %d", u.EncoderLen(), u.TargetLen())
	}
	if u.Output[0].TokenID != "1 2" {
		t.Errorf("unexpected tokenid: %q", u.Output[0].TokenID)
	}
	idim, odim, err := idx.Dimensions()
	if err != nil {
		t.Fatal(err)
	}
	if idim != 83 || odim != 52 {
		t.Errorf("unexpected dimensions: %d, %d", idim, odim)
	}
}

func TestReadCorpusTTS(t *testing.T) {
	idx, err := ReadCorpus(strings.NewReader(testCorpus), TaskTTS)
	if err != nil {
		t.Fatal(err)
	}
	u := idx.Get("u1")
	if u.EncoderLen() != 10 || u.TargetLen() != 100 {
		t.Errorf("unexpected lengths: %d, %d", u.EncoderLen(), u.TargetLen())
	}
}

func TestReadCorpusErrors(t *testing.T) {
	docs := []string{
		`{"version": 1}`,
		`{"utts": {"a": {"input": [{"shape": [1]}], "output": [{"shape": [1, 2]}]}}}`,
		`{"utts": {"a": {"input": [], "output": [{"shape": [1, 2]}]}}}`,
		`{"utts": {
			"a": {"input": [{"shape": [1, 2]}], "output": [{"shape": [1, 2]}]},
			"a": {"input": [{"shape": [1, 2]}], "output": [{"shape": [1, 2]}]}
		}}`,
	}
	for i, doc := range docs {
		_, err := ReadCorpus(strings.NewReader(doc), TaskASR)
		if !errors.Is(err, ErrInvalidCorpus) {
			t.Errorf("doc %d: expected invalid corpus but got %v", i, err)
		}
		var ce *CorpusError
		if !errors.As(err, &ce) {
			t.Errorf("doc %d: expected *CorpusError", i)
		}
	}
}

func TestCorpusShard(t *testing.T) {
	idx, err := ReadCorpus(strings.NewReader(testCorpus), TaskASR)
	if err != nil {
		t.Fatal(err)
	}
	shards := idx.Shard(2)
	if strings.Join(shards[0].IDs, ",") != "u3,u2" {
		t.Errorf("unexpected shard 0: %v", shards[0].IDs)
	}
	if strings.Join(shards[1].IDs, ",") != "u1" {
		t.Errorf("unexpected shard 1: %v", shards[1].IDs)
	}
}

func TestHashSplit(t *testing.T) {
	var utts []*Utterance
	for i := 0; i < 1000; i++ {
		utts = append(utts, &Utterance{
			ID:           strings.Repeat("x", i%7) + string(rune('a'+i%26)) + string(rune(i)),
			EncoderShape: Shape{i + 1, 3},
			TargetShape:  Shape{1, 2},
		})
	}
	idx, err := NewCorpusIndex(utts)
	if err != nil {
		t.Fatal(err)
	}
	left, right := idx.HashSplit(0.3)
	if left.Len()+right.Len() != idx.Len() {
		t.Fatalf("split lost utterances: %d + %d", left.Len(), right.Len())
	}
	if left.Len() < 200 || left.Len() > 400 {
		t.Errorf("unexpected left size: %d", left.Len())
	}
	for _, id := range left.IDs {
		if right.Get(id) != nil {
			t.Errorf("utterance %q in both partitions", id)
		}
	}
	left2, _ := idx.HashSplit(0.3)
	if strings.Join(left.IDs, ",") != strings.Join(left2.IDs, ",") {
		t.Error("split is not deterministic")
	}
}
