package anyfeed

import (
	"path/filepath"
	"reflect"
	"strconv"
	"testing"

	"github.com/unixpickle/anyspeech"
)

func testCorpus(t *testing.T, lens ...int) *anyspeech.CorpusIndex {
	var utts []*anyspeech.Utterance
	for i, l := range lens {
		utts = append(utts, &anyspeech.Utterance{
			ID:           "utt" + strconv.Itoa(i),
			EncoderShape: anyspeech.Shape{l, 3},
			TargetShape:  anyspeech.Shape{2, 5},
			Output:       []anyspeech.Feature{{Shape: []int{2, 5}, TokenID: "4 1"}},
		})
	}
	idx, err := anyspeech.NewCorpusIndex(utts)
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func TestArchiveSaveLoad(t *testing.T) {
	archive := NewArchive(
		&Example{
			ID:     "a",
			Frames: [][]float32{{1, 2, 3}, {4, 5, 6}},
			Labels: []int{3, 1, 2},
		},
		&Example{
			ID:     "b",
			Frames: [][]float32{{-1, 0.5, 7}},
			Labels: []int{0},
		},
	)
	path := filepath.Join(t.TempDir(), "feats.archive")
	if err := archive.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadArchive(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(loaded, archive) {
		t.Errorf("expected %v but got %v", archive.Examples, loaded.Examples)
	}
}

func TestArchiveTokenIDs(t *testing.T) {
	idx := testCorpus(t, 2)
	archive := NewArchive(&Example{ID: "utt0", Frames: [][]float32{{1, 2, 3}, {4, 5, 6}}})
	ex, err := archive.Load(idx.Get("utt0"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ex.Labels, []int{4, 1}) {
		t.Errorf("unexpected labels: %v", ex.Labels)
	}

	missing := &anyspeech.Utterance{ID: "utt9"}
	if _, err := archive.Load(missing); err == nil {
		t.Error("expected error for missing utterance")
	}
}

func TestSyntheticLoader(t *testing.T) {
	idx := testCorpus(t, 7, 4)
	l := SyntheticLoader{Seed: 3}
	ex1, err := l.Load(idx.Get("utt0"))
	if err != nil {
		t.Fatal(err)
	}
	ex2, _ := l.Load(idx.Get("utt0"))
	if !reflect.DeepEqual(ex1, ex2) {
		t.Error("loader is not deterministic")
	}
	if len(ex1.Frames) != 7 || ex1.Dim() != 3 || len(ex1.Labels) != 2 {
		t.Errorf("bad shapes: %d frames, dim %d, %d labels", len(ex1.Frames), ex1.Dim(),
			len(ex1.Labels))
	}
	for _, label := range ex1.Labels {
		if label < 0 || label >= 5 {
			t.Errorf("label out of range: %d", label)
		}
	}
	other, _ := l.Load(idx.Get("utt1"))
	if len(other.Frames) != 4 {
		t.Errorf("expected 4 frames but got %d", len(other.Frames))
	}
}
