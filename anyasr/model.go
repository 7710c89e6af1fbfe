// Package anyasr implements a speech recognition model
// trained with connectionist temporal classification.
package anyasr

import (
	"fmt"
	"os"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyctc"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyspeech/anyfeed"
	"github.com/unixpickle/anyspeech/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

// DefaultBlankThresh is the blank threshold used for
// greedy decoding.
const DefaultBlankThresh = -1e-3

func init() {
	var m Model
	serializer.RegisterTypedDeserializer(m.SerializerType(), DeserializeModel)
}

// A Model maps feature frames to per-frame label log
// probabilities with a stack of LSTMs.
//
// The output has one more class than there are labels;
// the last class is the CTC blank.
type Model struct {
	InputDim  int
	NumLabels int

	Encoder []*anyrnn.LSTM
	Output  anynet.Net
}

// NewModel creates a randomly initialized model with
// layers LSTMs of units cells each.
func NewModel(c anyvec.Creator, inputDim, numLabels, layers, units int) *Model {
	res := &Model{InputDim: inputDim, NumLabels: numLabels}
	in := inputDim
	for i := 0; i < layers; i++ {
		res.Encoder = append(res.Encoder, anyrnn.NewLSTM(c, in, units))
		in = units
	}
	res.Output = anynet.Net{
		anynet.NewFC(c, in, numLabels+1),
		anynet.LogSoftmax,
	}
	return res
}

// DeserializeModel deserializes a Model.
func DeserializeModel(d []byte) (*Model, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Model", err)
	}
	if len(slice) < 3 {
		return nil, fmt.Errorf("deserialize Model: expected at least 3 items but got %d",
			len(slice))
	}
	inDim, ok1 := slice[0].(serializer.Int)
	numLabels, ok2 := slice[1].(serializer.Int)
	output, ok3 := slice[2].(anynet.Net)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("deserialize Model: unexpected types %T, %T, %T",
			slice[0], slice[1], slice[2])
	}
	res := &Model{InputDim: int(inDim), NumLabels: int(numLabels), Output: output}
	for _, x := range slice[3:] {
		lstm, ok := x.(*anyrnn.LSTM)
		if !ok {
			return nil, fmt.Errorf("deserialize Model: not an LSTM: %T", x)
		}
		res.Encoder = append(res.Encoder, lstm)
	}
	return res, nil
}

// LoadModel reads a model file.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, essentials.AddCtx("load model", err)
	}
	var res *Model
	if err := serializer.DeserializeAny(data, &res); err != nil {
		return nil, essentials.AddCtx("load model", err)
	}
	return res, nil
}

// Save writes the model to a file.
func (m *Model) Save(path string) error {
	data, err := serializer.SerializeAny(m)
	if err != nil {
		return essentials.AddCtx("save model", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return essentials.AddCtx("save model", err)
	}
	return nil
}

// Clone creates a deep copy of the model.
func (m *Model) Clone() (*Model, error) {
	data, err := m.Serialize()
	if err != nil {
		return nil, essentials.AddCtx("clone model", err)
	}
	res, err := DeserializeModel(data)
	if err != nil {
		return nil, essentials.AddCtx("clone model", err)
	}
	return res, nil
}

// Apply computes the label log probabilities for a batch
// of input sequences.
func (m *Model) Apply(in anyseq.Seq) anyseq.Seq {
	var block anyrnn.Stack
	for _, l := range m.Encoder {
		block = append(block, l)
	}
	block = append(block, &anyrnn.LayerBlock{Layer: m.Output})
	return anyrnn.Map(in, block)
}

// TotalCost computes the mean CTC cost of a batch.
// The batch must be a *anyfeed.DeviceBatch.
func (m *Model) TotalCost(b anysgd.Batch) anydiff.Res {
	db := b.(*anyfeed.DeviceBatch)
	if db.NumUtts() == 0 {
		panic("cannot compute the cost of an empty batch")
	}
	costs := anyctc.Cost(m.Apply(db.Inputs), db.Targets)
	sum := anydiff.Sum(costs)
	scaler := sum.Output().Creator().MakeNumeric(1 / float64(db.NumUtts()))
	return anydiff.Scale(sum, scaler)
}

// Recognize greedily decodes the labels of every example
// in a batch.
func (m *Model) Recognize(b *anyfeed.DeviceBatch) [][]int {
	return anyctc.BestLabels(m.Apply(b.Inputs), DefaultBlankThresh)
}

// Parameters returns the encoder parameters followed by
// the output layer parameters.
func (m *Model) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, l := range m.Encoder {
		res = append(res, l.Parameters()...)
	}
	return append(res, m.Output.Parameters()...)
}

// SerializerType returns the unique ID used to serialize
// a Model with the serializer package.
func (m *Model) SerializerType() string {
	return "github.com/unixpickle/anyspeech/anyasr.Model"
}

// Serialize serializes the model.
func (m *Model) Serialize() ([]byte, error) {
	slice := []serializer.Serializer{
		serializer.Int(m.InputDim),
		serializer.Int(m.NumLabels),
		m.Output,
	}
	for _, l := range m.Encoder {
		slice = append(slice, l)
	}
	return serializer.SerializeSlice(slice)
}
