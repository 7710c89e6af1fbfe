package anyspeech

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/unixpickle/essentials"
)

// EnvPrefix prefixes configuration keys in environment
// files, e.g. ANYSPEECH_BATCH_SIZE.
const EnvPrefix = "ANYSPEECH_"

// Config enumerates every recognized training option.
type Config struct {
	TrainJSON  string  `json:"train_json"`
	ValidJSON  string  `json:"valid_json"`
	ValidRatio float64 `json:"valid_ratio"`
	Archive    string  `json:"archive"`
	OutDir     string  `json:"outdir"`
	Task       string  `json:"task"`

	BatchSize    int    `json:"batch_size"`
	MaxLenIn     int    `json:"maxlen_in"`
	MaxLenOut    int    `json:"maxlen_out"`
	Minibatches  int    `json:"minibatches"`
	BatchSortKey string `json:"batch_sort_key"`
	Sortagrad    int    `json:"sortagrad"`
	MinBatchSize int    `json:"min_batch_size"`
	Scatter      bool   `json:"scatter"`

	SubsamplingFactor int `json:"subsampling_factor"`

	GradClip float64 `json:"grad_clip"`
	Opt      string  `json:"opt"`
	Eps      float64 `json:"eps"`
	LR       float64 `json:"lr"`

	NGPU           int `json:"ngpu"`
	NIterProcesses int `json:"n_iter_processes"`
	NPrefetch      int `json:"n_prefetch"`

	ELayers int `json:"elayers"`
	EUnits  int `json:"eunits"`

	Epochs         int   `json:"epochs"`
	Patience       int   `json:"patience"`
	ReportInterval int   `json:"report_interval"`
	Seed           int64 `json:"seed"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ValidRatio:        0.05,
		OutDir:            "exp",
		Task:              "asr",
		BatchSize:         32,
		MaxLenIn:          800,
		MaxLenOut:         150,
		BatchSortKey:      "input",
		SubsamplingFactor: 1,
		GradClip:          5,
		Opt:               "adadelta",
		Eps:               1e-8,
		LR:                1e-3,
		NPrefetch:         8,
		ELayers:           2,
		EUnits:            64,
		Epochs:            30,
		Patience:          3,
		ReportInterval:    100,
		Seed:              1,
	}
}

// LoadConfig reads a JSON config file on top of the
// defaults.
// Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, essentials.AddCtx("load config", err)
	}
	defer f.Close()
	return ReadConfig(f)
}

// ReadConfig decodes a JSON config on top of the defaults
// and validates it.
func ReadConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, essentials.AddCtx("read config", err)
	}
	c := DefaultConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return nil, &ConfigError{Err: err}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv reads a dotenv file and applies every
// EnvPrefix entry as a configuration override.
// Other entries are ignored, but prefixed entries with
// unknown keys are rejected.
func (c *Config) ApplyEnv(path string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		return essentials.AddCtx("apply env", err)
	}
	return c.ApplyEnvMap(env)
}

// ApplyEnvMap is like ApplyEnv, but for an already parsed
// environment.
func (c *Config) ApplyEnvMap(env map[string]string) error {
	var names []string
	for name := range env {
		if strings.HasPrefix(name, EnvPrefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
		if err := c.Set(key, env[name]); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns every recognized key, sorted.
func (c *Config) Keys() []string {
	var res []string
	for k := range c.fields() {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

// Get returns the string form of a key's value.
func (c *Config) Get(key string) (string, error) {
	ptr, ok := c.fields()[key]
	if !ok {
		return "", &ConfigError{Key: key, Err: ErrUnknownKey}
	}
	switch p := ptr.(type) {
	case *string:
		return *p, nil
	case *int:
		return strconv.Itoa(*p), nil
	case *int64:
		return strconv.FormatInt(*p, 10), nil
	case *float64:
		return strconv.FormatFloat(*p, 'g', -1, 64), nil
	case *bool:
		return strconv.FormatBool(*p), nil
	}
	panic(fmt.Sprintf("unexpected field type %T", ptr))
}

// Set parses and assigns a single key.
func (c *Config) Set(key, value string) error {
	ptr, ok := c.fields()[key]
	if !ok {
		return &ConfigError{Key: key, Err: ErrUnknownKey}
	}
	var err error
	switch p := ptr.(type) {
	case *string:
		*p = value
	case *int:
		*p, err = strconv.Atoi(value)
	case *int64:
		*p, err = strconv.ParseInt(value, 10, 64)
	case *float64:
		*p, err = strconv.ParseFloat(value, 64)
	case *bool:
		*p, err = strconv.ParseBool(value)
	}
	if err != nil {
		return &ConfigError{Key: key, Err: err}
	}
	return nil
}

func (c *Config) fields() map[string]interface{} {
	return map[string]interface{}{
		"train_json":         &c.TrainJSON,
		"valid_json":         &c.ValidJSON,
		"valid_ratio":        &c.ValidRatio,
		"archive":            &c.Archive,
		"outdir":             &c.OutDir,
		"task":               &c.Task,
		"batch_size":         &c.BatchSize,
		"maxlen_in":          &c.MaxLenIn,
		"maxlen_out":         &c.MaxLenOut,
		"minibatches":        &c.Minibatches,
		"batch_sort_key":     &c.BatchSortKey,
		"sortagrad":          &c.Sortagrad,
		"min_batch_size":     &c.MinBatchSize,
		"scatter":            &c.Scatter,
		"subsampling_factor": &c.SubsamplingFactor,
		"grad_clip":          &c.GradClip,
		"opt":                &c.Opt,
		"eps":                &c.Eps,
		"lr":                 &c.LR,
		"ngpu":               &c.NGPU,
		"n_iter_processes":   &c.NIterProcesses,
		"n_prefetch":         &c.NPrefetch,
		"elayers":            &c.ELayers,
		"eunits":             &c.EUnits,
		"epochs":             &c.Epochs,
		"patience":           &c.Patience,
		"report_interval":    &c.ReportInterval,
		"seed":               &c.Seed,
	}
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	positive := []struct {
		key string
		val int
	}{
		{"batch_size", c.BatchSize},
		{"maxlen_in", c.MaxLenIn},
		{"maxlen_out", c.MaxLenOut},
		{"subsampling_factor", c.SubsamplingFactor},
		{"n_prefetch", c.NPrefetch},
		{"elayers", c.ELayers},
		{"eunits", c.EUnits},
		{"epochs", c.Epochs},
		{"report_interval", c.ReportInterval},
	}
	for _, p := range positive {
		if p.val < 1 {
			return &ConfigError{Key: p.key, Err: fmt.Errorf("must be positive, got %d", p.val)}
		}
	}
	nonNegative := []struct {
		key string
		val int
	}{
		{"minibatches", c.Minibatches},
		{"min_batch_size", c.MinBatchSize},
		{"ngpu", c.NGPU},
		{"patience", c.Patience},
	}
	for _, p := range nonNegative {
		if p.val < 0 {
			return &ConfigError{Key: p.key, Err: fmt.Errorf("must not be negative, got %d", p.val)}
		}
	}
	if c.Sortagrad < -1 {
		return &ConfigError{Key: "sortagrad", Err: errors.New("must be -1, 0, or a positive epoch count")}
	}
	if c.NIterProcesses < -1 {
		return &ConfigError{Key: "n_iter_processes", Err: errors.New("must be -1 or more")}
	}
	if c.ValidRatio < 0 || c.ValidRatio >= 1 {
		return &ConfigError{Key: "valid_ratio", Err: errors.New("must be in [0, 1)")}
	}
	switch c.BatchSortKey {
	case "shuffle", "input", "output":
	default:
		return &ConfigError{Key: "batch_sort_key", Err: ErrInvalidSortKey}
	}
	switch c.Opt {
	case "adadelta", "adam":
	default:
		return &ConfigError{Key: "opt", Err: fmt.Errorf("unsupported optimizer: %q", c.Opt)}
	}
	if _, err := ParseTask(c.Task); err != nil {
		return err
	}
	return nil
}

// ShortestFirst reports whether minibatches are planned
// shortest first (SortaGrad).
func (c *Config) ShortestFirst() bool {
	return c.Sortagrad != 0
}

// EffectiveMinBatchSize returns the minimum minibatch
// size, which defaults to the device count when one
// minibatch is scattered across several devices.
func (c *Config) EffectiveMinBatchSize() int {
	if c.MinBatchSize > 0 {
		return c.MinBatchSize
	}
	if c.Scatter && c.NGPU > 1 {
		return c.NGPU
	}
	return 1
}
