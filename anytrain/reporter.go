package anytrain

import (
	"encoding/json"
	"log"
	"math"
	"os"
	"time"

	"github.com/unixpickle/anyspeech/anysgd"
	"github.com/unixpickle/essentials"
	"gonum.org/v1/gonum/stat"
)

// A LogEntry summarizes one epoch.
type LogEntry struct {
	Epoch     int     `json:"epoch"`
	Iteration int     `json:"iteration"`
	TrainLoss float64 `json:"main/loss"`
	ValidLoss float64 `json:"validation/main/loss"`
	GradNorm  float64 `json:"grad_norm"`
	Skipped   int     `json:"skipped"`
	Elapsed   float64 `json:"elapsed_time"`
}

// A Reporter aggregates step results, logging a summary
// every Interval iterations and keeping one LogEntry per
// epoch.
type Reporter struct {
	// Interval is the number of iterations between log
	// messages.
	// If it is 0, nothing is logged until the end of an
	// epoch.
	Interval int

	// Logger, if non-nil, receives summaries.
	Logger *log.Logger

	Entries []LogEntry

	start time.Time

	intervalLosses []float64
	intervalNorms  []float64
	epochLosses    []float64
	epochNorms     []float64
}

// Add records the result of a step.
// The loss is only recorded if the step reported it.
func (r *Reporter) Add(s *State, epochDetail float64, res *anysgd.StepResult) {
	if r.start.IsZero() {
		r.start = time.Now()
	}
	if res.Reported {
		r.intervalLosses = append(r.intervalLosses, res.Loss)
		r.epochLosses = append(r.epochLosses, res.Loss)
	}
	if anysgd.Finite(res.GradNorm) {
		r.intervalNorms = append(r.intervalNorms, res.GradNorm)
		r.epochNorms = append(r.epochNorms, res.GradNorm)
	}
	if r.Interval > 0 && s.Iteration%r.Interval == 0 {
		mean, std := meanStd(r.intervalLosses)
		norm, _ := meanStd(r.intervalNorms)
		r.logf("iteration %d (epoch %.2f): loss=%f (std %f) grad norm=%f skipped=%d",
			s.Iteration, epochDetail, mean, std, norm, s.Skipped)
		r.intervalLosses = r.intervalLosses[:0]
		r.intervalNorms = r.intervalNorms[:0]
	}
}

// EndEpoch adds a LogEntry for the epoch that just
// completed and returns the mean training loss.
func (r *Reporter) EndEpoch(s *State, validLoss float64) float64 {
	trainLoss, _ := meanStd(r.epochLosses)
	norm, _ := meanStd(r.epochNorms)
	entry := LogEntry{
		Epoch:     s.Epoch,
		Iteration: s.Iteration,
		TrainLoss: trainLoss,
		ValidLoss: validLoss,
		GradNorm:  norm,
		Skipped:   s.Skipped,
		Elapsed:   time.Since(r.start).Seconds(),
	}
	r.Entries = append(r.Entries, entry)
	r.logf("epoch %d: main/loss=%f validation/main/loss=%f", s.Epoch, trainLoss, validLoss)
	r.epochLosses = r.epochLosses[:0]
	r.epochNorms = r.epochNorms[:0]
	return trainLoss
}

// WriteLog writes the epoch entries to a JSON file.
// Losses which are not finite are written as null.
func (r *Reporter) WriteLog(path string) error {
	var entries []map[string]interface{}
	for _, e := range r.Entries {
		entries = append(entries, map[string]interface{}{
			"epoch":                e.Epoch,
			"iteration":            e.Iteration,
			"main/loss":            jsonFloat(e.TrainLoss),
			"validation/main/loss": jsonFloat(e.ValidLoss),
			"grad_norm":            jsonFloat(e.GradNorm),
			"skipped":              e.Skipped,
			"elapsed_time":         e.Elapsed,
		})
	}
	data, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return essentials.AddCtx("write log", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return essentials.AddCtx("write log", err)
	}
	return nil
}

func (r *Reporter) logf(format string, args ...interface{}) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}

func meanStd(x []float64) (float64, float64) {
	if len(x) == 0 {
		return math.NaN(), math.NaN()
	}
	if len(x) == 1 {
		return x[0], 0
	}
	return stat.MeanStdDev(x, nil)
}

func jsonFloat(x float64) interface{} {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil
	}
	return x
}
