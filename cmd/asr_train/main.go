// Command asr_train trains a CTC speech recognizer on a
// corpus of length metadata and archived features.
//
// Every configuration key can be set with a flag of the
// same name, which takes precedence over -env and -config.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/unixpickle/anyspeech"
	"github.com/unixpickle/anyspeech/anyasr"
	"github.com/unixpickle/anyspeech/anybatch"
	"github.com/unixpickle/anyspeech/anycoll"
	"github.com/unixpickle/anyspeech/anyfeed"
	"github.com/unixpickle/anyspeech/anysgd"
	"github.com/unixpickle/anyspeech/anytrain"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/rip"
)

func main() {
	var configPath, envPath, resumePath string
	var verbose bool
	flag.StringVar(&configPath, "config", "", "JSON configuration file")
	flag.StringVar(&envPath, "env", "", "dotenv file with "+anyspeech.EnvPrefix+" overrides")
	flag.StringVar(&resumePath, "resume", "", "snapshot to resume from")
	flag.BoolVar(&verbose, "verbose", false, "log the gradient norm of every step")

	overrides := map[string]string{}
	defaults := anyspeech.DefaultConfig()
	for _, key := range defaults.Keys() {
		value, _ := defaults.Get(key)
		flag.Func(key, fmt.Sprintf("config key (default %q)", value), func(s string) error {
			overrides[key] = s
			return nil
		})
	}
	flag.Parse()

	cfg, err := loadConfig(configPath, envPath, overrides)
	if err != nil {
		essentials.Die(err)
	}

	logger := log.Default()
	r := &run{Config: cfg, Logger: logger, Verbose: verbose}
	if err := r.Setup(); err != nil {
		essentials.Die(err)
	}
	defer r.Close()

	state := anytrain.NewState()
	if resumePath != "" {
		state, err = r.Checkpointer.Load(resumePath)
		if err != nil {
			essentials.Die(err)
		}
		logger.Printf("resumed run %s at epoch %d", state.RunID, state.Epoch)
	}
	if err := r.Sync(); err != nil {
		essentials.Die(err)
	}

	logger.Println("Press ctrl+c once to stop...")
	r.Trainer.Stop = rip.NewRIP().Chan()
	state, err = r.Trainer.Run(state)
	if err != nil {
		essentials.Die(err)
	}
	anytrain.CheckEarlyStop(state, cfg.Epochs, logger)
	logger.Printf("finished at epoch %d, iteration %d (best loss %f at epoch %d)",
		state.Epoch, state.Iteration, state.BestLoss, state.BestEpoch)
}

func loadConfig(path, envPath string, overrides map[string]string) (*anyspeech.Config, error) {
	cfg := anyspeech.DefaultConfig()
	if path != "" {
		var err error
		cfg, err = anyspeech.LoadConfig(path)
		if err != nil {
			return nil, err
		}
	}
	if envPath != "" {
		if err := cfg.ApplyEnv(envPath); err != nil {
			return nil, err
		}
	}
	for key, value := range overrides {
		if err := cfg.Set(key, value); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run holds every component of a training run.
type run struct {
	Config  *anyspeech.Config
	Logger  *log.Logger
	Verbose bool

	Devices   *anyspeech.DeviceSet
	Converter *anyfeed.Converter
	Iterators []anyfeed.Iterator
	ValidIter anyfeed.Iterator

	Models   []*anyasr.Model
	Parallel *anysgd.ParallelUpdater

	Checkpointer *anytrain.Checkpointer
	Trainer      *anytrain.Trainer
}

func (r *run) Setup() error {
	cfg := r.Config
	task, err := anyspeech.ParseTask(cfg.Task)
	if err != nil {
		return err
	}
	if task != anyspeech.TaskASR {
		return &anyspeech.ConfigError{Key: "task", Err: fmt.Errorf("unsupported task: %s", task)}
	}
	train, valid, err := r.loadCorpora(task)
	if err != nil {
		return err
	}
	r.Logger.Printf("# utts: %d (train), %d (valid)", train.Len(), valid.Len())
	idim, odim, err := train.Dimensions()
	if err != nil {
		return err
	}

	loader, err := r.loader()
	if err != nil {
		return err
	}
	r.Devices = anyspeech.NewDeviceSet(cfg.NGPU)
	r.Converter = &anyfeed.Converter{SubsampleFactor: cfg.SubsamplingFactor, Devices: r.Devices}
	devices := r.Devices.Devices()

	plans, err := r.trainPlans(train, len(devices))
	if err != nil {
		return err
	}
	for _, plan := range plans {
		// Identical seeds keep scattered parts of a minibatch
		// together when the order is shuffled.
		gen := rand.New(rand.NewSource(cfg.Seed + 1))
		ds := anyfeed.NewDataset(plan, train, loader)
		it := anyfeed.NewIterator(ds, cfg.NIterProcesses, cfg.NPrefetch, !cfg.ShortestFirst(),
			true, gen)
		r.Iterators = append(r.Iterators, it)
	}

	primary := anyasr.NewModel(r.creator(devices[0]), idim, odim, cfg.ELayers, cfg.EUnits)
	r.Models = []*anyasr.Model{primary}
	for range devices[1:] {
		replica, err := primary.Clone()
		if err != nil {
			return err
		}
		r.Models = append(r.Models, replica)
	}

	opt := r.optimizer()
	r.Checkpointer = &anytrain.Checkpointer{Dir: cfg.OutDir, Model: primary, Optimizer: opt}
	r.Trainer = &anytrain.Trainer{
		Updater:      r.updater(opt, devices),
		Iterator:     r.Iterators[0],
		Epochs:       cfg.Epochs,
		Patience:     cfg.Patience,
		Reporter:     &anytrain.Reporter{Interval: cfg.ReportInterval, Logger: r.Logger},
		LogPath:      filepath.Join(cfg.OutDir, "log"),
		Checkpointer: r.Checkpointer,
		Logger:       r.Logger,
	}
	if valid.Len() > 0 {
		validPlan, err := anybatch.Make(valid, r.planOptions(1))
		if err != nil {
			return err
		}
		ds := anyfeed.NewDataset(validPlan, valid, loader)
		r.ValidIter = anyfeed.NewIterator(ds, cfg.NIterProcesses, cfg.NPrefetch, false, false, nil)
		r.Trainer.Evaluator = &anytrain.Evaluator{
			Iterator:  r.ValidIter,
			Converter: r.Converter,
			Model:     primary,
			Device:    devices[0],
		}
	}
	if cfg.Sortagrad > 0 {
		var shufflers []anytrain.Shuffler
		for _, it := range r.Iterators {
			shufflers = append(shufflers, it)
		}
		r.Trainer.Extensions = append(r.Trainer.Extensions, &anytrain.ShufflingEnabler{
			Iterators: shufflers,
			Epoch:     cfg.Sortagrad,
			Logger:    r.Logger,
		})
	}
	return os.MkdirAll(cfg.OutDir, 0755)
}

// Sync copies the primary parameters to every replica.
func (r *run) Sync() error {
	if r.Parallel == nil {
		return nil
	}
	return r.Parallel.Sync(context.Background())
}

func (r *run) Close() {
	for _, it := range r.Iterators {
		it.Close()
	}
	if r.ValidIter != nil {
		r.ValidIter.Close()
	}
}

func (r *run) loadCorpora(task anyspeech.Task) (train, valid *anyspeech.CorpusIndex,
	err error) {
	cfg := r.Config
	train, err = anyspeech.LoadCorpus(cfg.TrainJSON, task)
	if err != nil {
		return nil, nil, err
	}
	if cfg.ValidJSON != "" {
		valid, err = anyspeech.LoadCorpus(cfg.ValidJSON, task)
		if err != nil {
			return nil, nil, err
		}
		return train, valid, nil
	}
	valid, train = train.HashSplit(cfg.ValidRatio)
	return train, valid, nil
}

func (r *run) loader() (anyfeed.Loader, error) {
	if r.Config.Archive == "" {
		r.Logger.Println("no archive given; using synthetic features")
		return anyfeed.SyntheticLoader{Seed: r.Config.Seed}, nil
	}
	return anyfeed.LoadArchive(r.Config.Archive)
}

func (r *run) planOptions(minBatch int) anybatch.Options {
	cfg := r.Config
	sortKey, _ := anybatch.ParseSortKey(cfg.BatchSortKey)
	return anybatch.Options{
		BatchSize:     cfg.BatchSize,
		MaxLenIn:      cfg.MaxLenIn,
		MaxLenOut:     cfg.MaxLenOut,
		NumBatches:    cfg.Minibatches,
		SortKey:       sortKey,
		MinBatchSize:  minBatch,
		ShortestFirst: cfg.ShortestFirst(),
		Rand:          rand.New(rand.NewSource(cfg.Seed)),
		Logger:        r.Logger,
	}
}

func (r *run) trainPlans(train *anyspeech.CorpusIndex, numDevices int) ([]anybatch.Plan,
	error) {
	opts := r.planOptions(r.Config.EffectiveMinBatchSize())
	if numDevices == 1 {
		plan, err := anybatch.Make(train, opts)
		if err != nil {
			return nil, err
		}
		return []anybatch.Plan{plan}, nil
	}
	if r.Config.Scatter {
		plan, err := anybatch.Make(train, opts)
		if err != nil {
			return nil, err
		}
		return anybatch.ScatterPlan(plan, numDevices), nil
	}
	return anybatch.MakeShards(train, numDevices, opts)
}

func (r *run) creator(dev anyspeech.Device) anyvec.Creator {
	c, err := r.Devices.Creator(dev)
	if err != nil {
		panic(err)
	}
	return c
}

func (r *run) optimizer() *anysgd.Optimizer {
	cfg := r.Config
	opt := &anysgd.Optimizer{}
	switch cfg.Opt {
	case "adadelta":
		opt.Transformer = &anysgd.AdaDelta{Epsilon: cfg.Eps}
		opt.Rater = anysgd.ConstRater(1)
	case "adam":
		opt.Transformer = &anysgd.Adam{}
		opt.Rater = anysgd.ConstRater(cfg.LR)
	}
	if cfg.GradClip > 0 {
		opt.Hooks = append(opt.Hooks, &anysgd.GradClip{Threshold: cfg.GradClip})
	}
	return opt
}

func (r *run) updater(opt *anysgd.Optimizer, devices []anyspeech.Device) anytrain.StepUpdater {
	epoch := r.Iterators[0].EpochDetail
	if len(devices) == 1 {
		return &anysgd.Updater{
			Fetcher: &anyfeed.Feeder{
				Iterator:  r.Iterators[0],
				Converter: r.Converter,
				Device:    devices[0],
			},
			Model:     r.Models[0],
			Optimizer: opt,
			Epoch:     epoch,
			Logger:    r.Logger,
			Verbose:   r.Verbose,
		}
	}
	channels := anycoll.NewLocalGroup(len(devices))
	r.Parallel = &anysgd.ParallelUpdater{
		Optimizer: opt,
		Epoch:     epoch,
		Logger:    r.Logger,
		Verbose:   r.Verbose,
	}
	for i, dev := range devices {
		r.Parallel.Replicas = append(r.Parallel.Replicas, &anysgd.Replica{
			Device: dev,
			Fetcher: &anyfeed.Feeder{
				Iterator:  r.Iterators[i],
				Converter: r.Converter,
				Device:    dev,
			},
			Model:   r.Models[i],
			Channel: channels[i],
		})
	}
	return r.Parallel
}
