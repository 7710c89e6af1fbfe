package anytrain

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/unixpickle/anyspeech/anysgd"
)

// fakeRun is both the updater and the epoch iterator of
// a training run with a fixed number of steps per epoch.
type fakeRun struct {
	epochSize int
	steps     int
	maxSteps  int
	skip      map[int]bool
}

func (f *fakeRun) Update() (*anysgd.StepResult, error) {
	if f.maxSteps > 0 && f.steps == f.maxSteps {
		return nil, errIterDone
	}
	f.steps++
	res := &anysgd.StepResult{Loss: 1 / float64(f.steps), GradNorm: 1, Reported: true}
	if f.skip[f.steps] {
		res.Skipped = true
		res.GradNorm = math.NaN()
	}
	return res, nil
}

func (f *fakeRun) Epoch() int {
	return f.steps / f.epochSize
}

func (f *fakeRun) IsNewEpoch() bool {
	return f.steps > 0 && f.steps%f.epochSize == 0
}

func (f *fakeRun) EpochDetail() float64 {
	return float64(f.steps) / float64(f.epochSize)
}

var errIterDone = errors.New("iterator exhausted")

type fakeValidator struct {
	losses []float64
	calls  int
}

func (f *fakeValidator) Evaluate() (float64, error) {
	f.calls++
	return f.losses[f.calls-1], nil
}

type fakeShuffler struct {
	shuffle bool
}

func (f *fakeShuffler) SetShuffle(s bool) {
	f.shuffle = s
}

func TestTrainerEpochs(t *testing.T) {
	run := &fakeRun{epochSize: 4, skip: map[int]bool{2: true, 7: true}}
	logPath := filepath.Join(t.TempDir(), "log")
	trainer := &Trainer{
		Updater:  run,
		Iterator: run,
		Epochs:   3,
		Patience: 3,
		Reporter: &Reporter{Interval: 2},
		LogPath:  logPath,
	}
	s, err := trainer.Run(NewState())
	if err != nil {
		t.Fatal(err)
	}
	if s.Epoch != 3 || s.Iteration != 12 || s.Skipped != 2 || s.StoppedEarly {
		t.Errorf("unexpected state: %+v", s)
	}
	if len(trainer.Reporter.Entries) != 3 {
		t.Fatalf("expected 3 log entries but got %d", len(trainer.Reporter.Entries))
	}
	// Training losses decrease, so every epoch improves.
	if s.BestEpoch != 3 || s.Stale != 0 {
		t.Errorf("unexpected best epoch %d (stale %d)", s.BestEpoch, s.Stale)
	}
	expected := (1.0/9 + 1.0/10 + 1.0/11 + 1.0/12) / 4
	if actual := trainer.Reporter.Entries[2].TrainLoss; math.Abs(actual-expected) > 1e-9 {
		t.Errorf("expected train loss %f but got %f", expected, actual)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	var entries []map[string]interface{}
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries but got %d", len(entries))
	}
	if entries[0]["validation/main/loss"] != nil {
		t.Error("missing validation loss should be null")
	}
	if entries[2]["iteration"].(float64) != 12 {
		t.Errorf("unexpected iteration: %v", entries[2]["iteration"])
	}

	// Resuming a finished run does nothing.
	if _, err := trainer.Run(s); err != nil {
		t.Fatal(err)
	}
	if run.steps != 12 {
		t.Errorf("resumed run took %d extra steps", run.steps-12)
	}
}

func TestTrainerEarlyStop(t *testing.T) {
	run := &fakeRun{epochSize: 2}
	validator := &fakeValidator{losses: []float64{3, 2, 2.5, math.NaN(), 2.7, 1}}
	shuffler := &fakeShuffler{}
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	trainer := &Trainer{
		Updater:    run,
		Iterator:   run,
		Evaluator:  validator,
		Epochs:     10,
		Patience:   3,
		Extensions: []Extension{&ShufflingEnabler{Iterators: []Shuffler{shuffler}, Epoch: 2}},
		Logger:     logger,
	}
	s, err := trainer.Run(NewState())
	if err != nil {
		t.Fatal(err)
	}
	if s.Epoch != 5 || !s.StoppedEarly || s.Stale != 3 {
		t.Errorf("unexpected state: %+v", s)
	}
	if s.BestEpoch != 2 || s.BestLoss != 2 {
		t.Errorf("unexpected best: epoch %d loss %f", s.BestEpoch, s.BestLoss)
	}
	if validator.calls != 5 {
		t.Errorf("expected 5 evaluations but got %d", validator.calls)
	}
	if !shuffler.shuffle {
		t.Error("shuffling was not enabled")
	}
	if !CheckEarlyStop(s, trainer.Epochs, logger) {
		t.Error("early stop not detected")
	}
	if !strings.Contains(buf.String(), "Hit early stop at epoch 5.") {
		t.Errorf("unexpected log: %s", buf.String())
	}
	if CheckEarlyStop(&State{Epoch: 10}, 10, nil) {
		t.Error("completed run reported as early stop")
	}
}

func TestTrainerStop(t *testing.T) {
	run := &fakeRun{epochSize: 2}
	stop := make(chan struct{})
	close(stop)
	trainer := &Trainer{Updater: run, Iterator: run, Epochs: 5, Stop: stop}
	s, err := trainer.Run(NewState())
	if err != nil {
		t.Fatal(err)
	}
	if s.Iteration != 0 || run.steps != 0 {
		t.Errorf("expected no steps but got %d", run.steps)
	}
}

func TestTrainerUpdateError(t *testing.T) {
	run := &fakeRun{epochSize: 4, maxSteps: 3}
	trainer := &Trainer{Updater: run, Iterator: run, Epochs: 5}
	s, err := trainer.Run(NewState())
	if err == nil || !strings.Contains(err.Error(), errIterDone.Error()) {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Iteration != 3 || s.Epoch != 0 {
		t.Errorf("unexpected state: %+v", s)
	}
}

func TestShufflingEnablerOnce(t *testing.T) {
	var buf bytes.Buffer
	shuffler := &fakeShuffler{}
	ext := &ShufflingEnabler{
		Iterators: []Shuffler{shuffler},
		Epoch:     1,
		Logger:    log.New(&buf, "", 0),
	}
	for epoch := 1; epoch <= 3; epoch++ {
		if err := ext.Run(&State{Epoch: epoch}); err != nil {
			t.Fatal(err)
		}
		shuffler.shuffle = false
	}
	if n := strings.Count(buf.String(), "use shuffled batch."); n != 1 {
		t.Errorf("expected one log message but got %d", n)
	}
}

func TestStateSerialize(t *testing.T) {
	s := NewState()
	s.Epoch = 4
	s.Iteration = 400
	s.BestLoss = 1.25
	s.BestEpoch = 3
	s.Stale = 1
	s.Skipped = 2
	s.StoppedEarly = true
	data, err := s.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	s1, err := DeserializeState(data)
	if err != nil {
		t.Fatal(err)
	}
	if *s1 != *s {
		t.Errorf("expected %+v but got %+v", s, s1)
	}
	if NewState().RunID == s.RunID {
		t.Error("run IDs should be unique")
	}
}
