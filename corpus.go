package anyspeech

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/unixpickle/essentials"
)

// A Task decides how the input and output entries of a
// corpus file map onto encoder and target sequences.
type Task int

const (
	// TaskASR encodes acoustic features (JSON "input") and
	// predicts tokens (JSON "output").
	TaskASR Task = iota

	// TaskTTS encodes tokens (JSON "output") and predicts
	// acoustic features (JSON "input").
	// The JSON files are shared with ASR, hence the swap.
	TaskTTS
)

// ParseTask parses "asr" or "tts".
func ParseTask(s string) (Task, error) {
	switch s {
	case "asr":
		return TaskASR, nil
	case "tts":
		return TaskTTS, nil
	}
	return 0, &ConfigError{Key: "task", Err: fmt.Errorf("unsupported task: %q", s)}
}

// String returns the task name.
func (t Task) String() string {
	if t == TaskTTS {
		return "tts"
	}
	return "asr"
}

// A Shape is a (length, dimension) pair.
type Shape [2]int

// A Feature is one entry of an utterance's "input" or
// "output" list in a corpus file.
type Feature struct {
	Name    string `json:"name,omitempty"`
	Shape   []int  `json:"shape"`
	Feat    string `json:"feat,omitempty"`
	Text    string `json:"text,omitempty"`
	Token   string `json:"token,omitempty"`
	TokenID string `json:"tokenid,omitempty"`
}

// An Utterance is the length metadata of one example.
type Utterance struct {
	ID string

	// EncoderShape is the shape of the sequence fed to
	// the encoder, whichever JSON field it came from.
	EncoderShape Shape

	// TargetShape is the shape of the sequence the model
	// predicts.
	TargetShape Shape

	// Input and Output are the raw corpus entries, in the
	// naming of the file.
	Input  []Feature
	Output []Feature
}

// EncoderLen returns the encoder sequence length.
func (u *Utterance) EncoderLen() int {
	return u.EncoderShape[0]
}

// TargetLen returns the target sequence length.
func (u *Utterance) TargetLen() int {
	return u.TargetShape[0]
}

// A CorpusIndex maps utterance IDs to length metadata.
// IDs keeps the order in which utterances appeared in the
// corpus file.
//
// A CorpusIndex should not be modified after it is
// created.
type CorpusIndex struct {
	IDs  []string
	Utts map[string]*Utterance
}

// NewCorpusIndex creates an index from utterances in
// order.
// Duplicate IDs are an error.
func NewCorpusIndex(utts []*Utterance) (*CorpusIndex, error) {
	res := &CorpusIndex{Utts: map[string]*Utterance{}}
	for _, u := range utts {
		if _, ok := res.Utts[u.ID]; ok {
			return nil, &CorpusError{
				Op:  "new corpus index",
				Err: fmt.Errorf("%w: duplicate utterance %q", ErrInvalidCorpus, u.ID),
			}
		}
		res.IDs = append(res.IDs, u.ID)
		res.Utts[u.ID] = u
	}
	return res, nil
}

// LoadCorpus reads a corpus file from disk.
func LoadCorpus(path string, task Task) (*CorpusIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, essentials.AddCtx("load corpus", err)
	}
	defer f.Close()
	res, err := ReadCorpus(f, task)
	if err != nil {
		return nil, essentials.AddCtx("load corpus "+path, err)
	}
	return res, nil
}

// ReadCorpus decodes a JSON document with a top-level
// "utts" object.
// The order of utterances in the document is preserved.
func ReadCorpus(r io.Reader, task Task) (*CorpusIndex, error) {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	var res *CorpusIndex
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if key != "utts" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
			continue
		}
		res, err = readUtts(dec, task)
		if err != nil {
			return nil, err
		}
	}
	if res == nil {
		return nil, &CorpusError{
			Op:  "read corpus",
			Err: fmt.Errorf("%w: missing utts object", ErrInvalidCorpus),
		}
	}
	return res, nil
}

func readUtts(dec *json.Decoder, task Task) (*CorpusIndex, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	var utts []*Utterance
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		id, ok := tok.(string)
		if !ok {
			return nil, errors.New("read corpus: expected utterance id")
		}
		var entry struct {
			Input  []Feature `json:"input"`
			Output []Feature `json:"output"`
		}
		if err := dec.Decode(&entry); err != nil {
			return nil, essentials.AddCtx("read corpus: utterance "+id, err)
		}
		u, err := newUtterance(id, entry.Input, entry.Output, task)
		if err != nil {
			return nil, err
		}
		utts = append(utts, u)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return NewCorpusIndex(utts)
}

func newUtterance(id string, in, out []Feature, task Task) (*Utterance, error) {
	inShape, err := firstShape(id, "input", in)
	if err != nil {
		return nil, err
	}
	outShape, err := firstShape(id, "output", out)
	if err != nil {
		return nil, err
	}
	u := &Utterance{ID: id, Input: in, Output: out}
	if task == TaskTTS {
		u.EncoderShape, u.TargetShape = outShape, inShape
	} else {
		u.EncoderShape, u.TargetShape = inShape, outShape
	}
	return u, nil
}

func firstShape(id, field string, f []Feature) (Shape, error) {
	if len(f) == 0 || len(f[0].Shape) != 2 {
		return Shape{}, &CorpusError{
			Op:  "read corpus",
			Err: fmt.Errorf("%w: utterance %q: %s needs a 2-D shape", ErrInvalidCorpus, id, field),
		}
	}
	return Shape{f[0].Shape[0], f[0].Shape[1]}, nil
}

func expectDelim(dec *json.Decoder, d json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok != d {
		return fmt.Errorf("read corpus: expected %v but got %v", d, tok)
	}
	return nil
}

// Len returns the number of utterances.
func (c *CorpusIndex) Len() int {
	return len(c.IDs)
}

// Get returns the utterance for an ID, or nil.
func (c *CorpusIndex) Get(id string) *Utterance {
	return c.Utts[id]
}

// Dimensions returns the encoder feature dimension and
// the target dimension, taken from the first utterance.
func (c *CorpusIndex) Dimensions() (idim, odim int, err error) {
	if len(c.IDs) == 0 {
		return 0, 0, &CorpusError{Op: "dimensions", Err: ErrInvalidCorpus}
	}
	u := c.Utts[c.IDs[0]]
	return u.EncoderShape[1], u.TargetShape[1], nil
}

// Subset creates an index with the given IDs, in order.
func (c *CorpusIndex) Subset(ids []string) *CorpusIndex {
	res := &CorpusIndex{Utts: make(map[string]*Utterance, len(ids))}
	for _, id := range ids {
		if u, ok := c.Utts[id]; ok {
			res.IDs = append(res.IDs, id)
			res.Utts[id] = u
		}
	}
	return res
}

// Shard splits the index into n disjoint subsets.
// The i-th utterance of the file goes to shard i%n.
func (c *CorpusIndex) Shard(n int) []*CorpusIndex {
	ids := make([][]string, n)
	for i, id := range c.IDs {
		ids[i%n] = append(ids[i%n], id)
	}
	res := make([]*CorpusIndex, n)
	for i, x := range ids {
		res[i] = c.Subset(x)
	}
	return res
}
