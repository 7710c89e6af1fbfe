package anyasr

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/unixpickle/anyspeech"
	"github.com/unixpickle/anyspeech/anyfeed"
	"github.com/unixpickle/anyspeech/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
)

func testBatch(t *testing.T) *anyfeed.DeviceBatch {
	batch := anyfeed.RawBatch{
		{
			ID:     "a",
			Frames: [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {1, 1, 0}, {0, 1, 1}},
			Labels: []int{0, 1},
		},
		{
			ID:     "b",
			Frames: [][]float32{{0, 0, 1}, {1, 0, 1}, {0, 1, 0}},
			Labels: []int{2},
		},
	}
	conv := &anyfeed.Converter{Devices: anyspeech.NewDeviceSet(0)}
	res, err := conv.Convert([]anyfeed.RawBatch{batch}, anyspeech.Host)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func costValue(m *Model, b *anyfeed.DeviceBatch) float64 {
	out := anyvec.Sum(m.TotalCost(b).Output())
	return float64(out.(float32))
}

// batchFetcher converts a fresh copy of the test batch
// for every step, since steps release their batches.
type batchFetcher struct {
	t *testing.T
}

func (b *batchFetcher) Fetch() (anysgd.Batch, error) {
	return testBatch(b.t), nil
}

func TestModelTraining(t *testing.T) {
	m := NewModel(anyvec32.CurrentCreator(), 3, 3, 2, 8)
	b := testBatch(t)
	initial := costValue(m, b)
	if math.IsNaN(initial) || initial <= 0 {
		t.Fatalf("bad initial cost: %f", initial)
	}
	u := &anysgd.Updater{
		Fetcher:   &batchFetcher{t: t},
		Model:     m,
		Optimizer: &anysgd.Optimizer{Transformer: &anysgd.Adam{}, Rater: anysgd.ConstRater(0.01)},
	}
	for i := 0; i < 50; i++ {
		if _, err := u.Update(); err != nil {
			t.Fatal(err)
		}
	}
	if final := costValue(m, b); final >= initial {
		t.Errorf("cost did not decrease: %f -> %f", initial, final)
	}
	labels := m.Recognize(b)
	if len(labels) != 2 {
		t.Errorf("expected 2 label sequences but got %d", len(labels))
	}
	for _, seq := range labels {
		for _, l := range seq {
			if l < 0 || l >= 3 {
				t.Errorf("label out of range: %d", l)
			}
		}
	}
}

func TestModelSaveClone(t *testing.T) {
	m := NewModel(anyvec32.CurrentCreator(), 3, 3, 1, 4)
	b := testBatch(t)
	expected := costValue(m, b)

	path := filepath.Join(t.TempDir(), "model")
	if err := m.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadModel(path)
	if err != nil {
		t.Fatal(err)
	}
	clone, err := m.Clone()
	if err != nil {
		t.Fatal(err)
	}
	for _, other := range []*Model{loaded, clone} {
		if other.InputDim != 3 || other.NumLabels != 3 || len(other.Encoder) != 1 {
			t.Fatalf("unexpected architecture: %+v", other)
		}
		if anysgd.ParamChecksum(other.Parameters()) != anysgd.ParamChecksum(m.Parameters()) {
			t.Error("parameters differ from the original")
		}
		if actual := costValue(other, b); math.Abs(actual-expected) > 1e-4 {
			t.Errorf("expected cost %f but got %f", expected, actual)
		}
	}
	if clone.Parameters()[0] == m.Parameters()[0] {
		t.Error("clone shares variables with the original")
	}
}
