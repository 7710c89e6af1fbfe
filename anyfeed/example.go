package anyfeed

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/unixpickle/anyspeech"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	serializer.RegisterTypedDeserializer((&Example{}).SerializerType(), DeserializeExample)
	serializer.RegisterTypedDeserializer((&Archive{}).SerializerType(), DeserializeArchive)
}

// An Example is a loaded utterance: a sequence of
// feature frames and a sequence of label IDs.
type Example struct {
	ID     string
	Frames [][]float32
	Labels []int
}

// DeserializeExample deserializes an Example.
func DeserializeExample(d []byte) (*Example, error) {
	var id string
	var dim serializer.Int
	var frames, labels *anyvecsave.S
	if err := serializer.DeserializeAny(d, &id, &dim, &frames, &labels); err != nil {
		return nil, essentials.AddCtx("deserialize Example", err)
	}
	flat := vectorFloats(frames.Vector)
	if dim == 0 && len(flat) != 0 || dim != 0 && len(flat)%int(dim) != 0 {
		return nil, errors.New("deserialize Example: bad frame dimension")
	}
	res := &Example{ID: id}
	for i := 0; i < len(flat); i += int(dim) {
		frame := make([]float32, dim)
		for j := range frame {
			frame[j] = float32(flat[i+j])
		}
		res.Frames = append(res.Frames, frame)
	}
	for _, x := range vectorFloats(labels.Vector) {
		res.Labels = append(res.Labels, int(x))
	}
	return res, nil
}

// Dim returns the dimension of the frames, or 0 if there
// are none.
func (e *Example) Dim() int {
	if len(e.Frames) == 0 {
		return 0
	}
	return len(e.Frames[0])
}

// SerializerType returns the unique ID used to serialize
// an Example with the serializer package.
func (e *Example) SerializerType() string {
	return "github.com/unixpickle/anyspeech/anyfeed.Example"
}

// Serialize serializes the example.
func (e *Example) Serialize() ([]byte, error) {
	var flat []float32
	for _, f := range e.Frames {
		if len(f) != e.Dim() {
			return nil, errors.New("serialize Example: ragged frames")
		}
		flat = append(flat, f...)
	}
	labels := make([]float64, len(e.Labels))
	for i, l := range e.Labels {
		labels[i] = float64(l)
	}
	return serializer.SerializeAny(
		e.ID,
		serializer.Int(e.Dim()),
		&anyvecsave.S{Vector: anyvec32.CurrentCreator().MakeVectorData(flat)},
		&anyvecsave.S{Vector: anyvec64.DefaultCreator{}.MakeVectorData(labels)},
	)
}

// A Loader loads the example for an utterance.
//
// Loaders are called concurrently by prefetching
// iterators, so they must be safe for concurrent use.
type Loader interface {
	Load(u *anyspeech.Utterance) (*Example, error)
}

// An Archive is an in-memory feature store that can be
// saved to and loaded from disk.
type Archive struct {
	Examples map[string]*Example
}

// NewArchive creates an archive of the examples.
func NewArchive(examples ...*Example) *Archive {
	res := &Archive{Examples: map[string]*Example{}}
	for _, e := range examples {
		res.Examples[e.ID] = e
	}
	return res
}

// LoadArchive reads an archive file.
func LoadArchive(path string) (*Archive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, essentials.AddCtx("load archive", err)
	}
	var res *Archive
	if err := serializer.DeserializeAny(data, &res); err != nil {
		return nil, essentials.AddCtx("load archive", err)
	}
	return res, nil
}

// DeserializeArchive deserializes an Archive.
func DeserializeArchive(d []byte) (*Archive, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Archive", err)
	}
	res := NewArchive()
	for _, x := range slice {
		e, ok := x.(*Example)
		if !ok {
			return nil, fmt.Errorf("deserialize Archive: not an Example: %T", x)
		}
		res.Examples[e.ID] = e
	}
	return res, nil
}

// Save writes the archive to a file.
func (a *Archive) Save(path string) error {
	data, err := serializer.SerializeAny(a)
	if err != nil {
		return essentials.AddCtx("save archive", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return essentials.AddCtx("save archive", err)
	}
	return nil
}

// SerializerType returns the unique ID used to serialize
// an Archive with the serializer package.
func (a *Archive) SerializerType() string {
	return "github.com/unixpickle/anyspeech/anyfeed.Archive"
}

// Serialize serializes the archive, ordered by ID.
func (a *Archive) Serialize() ([]byte, error) {
	var ids []string
	for id := range a.Examples {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	slice := make([]serializer.Serializer, len(ids))
	for i, id := range ids {
		slice[i] = a.Examples[id]
	}
	return serializer.SerializeSlice(slice)
}

// Load returns the archived example.
// If the example has no labels, they are parsed from the
// utterance's "tokenid" field.
func (a *Archive) Load(u *anyspeech.Utterance) (*Example, error) {
	e, ok := a.Examples[u.ID]
	if !ok {
		return nil, fmt.Errorf("load %s: not in archive", u.ID)
	}
	if e.Labels != nil {
		return e, nil
	}
	labels, err := TokenIDs(u)
	if err != nil {
		return nil, err
	}
	return &Example{ID: e.ID, Frames: e.Frames, Labels: labels}, nil
}

// TokenIDs parses the space-separated "tokenid" field of
// an utterance's output entry.
func TokenIDs(u *anyspeech.Utterance) ([]int, error) {
	if len(u.Output) == 0 {
		return nil, fmt.Errorf("load %s: no output entry", u.ID)
	}
	fields := strings.Fields(u.Output[0].TokenID)
	res := make([]int, len(fields))
	for i, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, essentials.AddCtx("load "+u.ID, err)
		}
		res[i] = id
	}
	return res, nil
}

// A SyntheticLoader generates random examples with the
// shapes recorded in the corpus index.
// The same utterance always yields the same example.
//
// It is useful for smoke tests and benchmarks of the
// training pipeline without feature files.
type SyntheticLoader struct {
	Seed int64
}

// Load generates the example for u.
// Labels are drawn from [0, TargetShape[1]).
func (s SyntheticLoader) Load(u *anyspeech.Utterance) (*Example, error) {
	h := fnv.New64a()
	h.Write([]byte(u.ID))
	gen := rand.New(rand.NewSource(s.Seed ^ int64(h.Sum64())))

	res := &Example{ID: u.ID}
	for i := 0; i < u.EncoderShape[0]; i++ {
		frame := make([]float32, u.EncoderShape[1])
		for j := range frame {
			frame[j] = float32(gen.NormFloat64())
		}
		res.Frames = append(res.Frames, frame)
	}
	numLabels := u.TargetShape[1]
	if numLabels < 1 {
		numLabels = 1
	}
	res.Labels = make([]int, u.TargetShape[0])
	for i := range res.Labels {
		res.Labels[i] = gen.Intn(numLabels)
	}
	return res, nil
}

func vectorFloats(v anyvec.Vector) []float64 {
	switch data := v.Data().(type) {
	case []float32:
		res := make([]float64, len(data))
		for i, x := range data {
			res[i] = float64(x)
		}
		return res
	case []float64:
		return data
	default:
		panic(fmt.Sprintf("unsupported numeric type: %T", data))
	}
}
