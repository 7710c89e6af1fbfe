package anytrain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyspeech/anysgd"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

// BestModelName is the file name of the best model in a
// checkpoint directory.
const BestModelName = "model.best"

func init() {
	var o optimizerState
	serializer.RegisterTypedDeserializer(o.SerializerType(), deserializeOptimizerState)
}

// A Snapshotter is a model which can be saved in a
// checkpoint.
type Snapshotter interface {
	serializer.Serializer
	Parameters() []*anydiff.Var
}

// A Checkpointer saves the state, model, and optimizer of
// a run at the end of every epoch.
type Checkpointer struct {
	Dir       string
	Model     Snapshotter
	Optimizer *anysgd.Optimizer
}

// SnapshotPath returns the path of the snapshot taken
// after the given epoch.
func (c *Checkpointer) SnapshotPath(epoch int) string {
	return filepath.Join(c.Dir, "snapshot.ep."+strconv.Itoa(epoch))
}

// Save writes a snapshot for the state's epoch.
// If best is true, the model is also saved as
// BestModelName.
func (c *Checkpointer) Save(s *State, best bool) error {
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return essentials.AddCtx("save checkpoint", err)
	}
	optData, err := c.Optimizer.MarshalState(c.Model.Parameters())
	if err != nil {
		return essentials.AddCtx("save checkpoint", err)
	}
	data, err := serializer.SerializeAny(s, c.Model, optimizerState(optData))
	if err != nil {
		return essentials.AddCtx("save checkpoint", err)
	}
	if err := os.WriteFile(c.SnapshotPath(s.Epoch), data, 0644); err != nil {
		return essentials.AddCtx("save checkpoint", err)
	}
	if best {
		data, err := serializer.SerializeAny(c.Model)
		if err != nil {
			return essentials.AddCtx("save checkpoint", err)
		}
		if err := os.WriteFile(filepath.Join(c.Dir, BestModelName), data, 0644); err != nil {
			return essentials.AddCtx("save checkpoint", err)
		}
	}
	return nil
}

// Load restores a snapshot into the model and optimizer,
// returning the saved state.
func (c *Checkpointer) Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, essentials.AddCtx("load checkpoint", err)
	}
	slice, err := serializer.DeserializeSlice(data)
	if err != nil {
		return nil, essentials.AddCtx("load checkpoint", err)
	}
	if len(slice) != 3 {
		return nil, errors.New("load checkpoint: unexpected snapshot format")
	}
	state, ok := slice[0].(*State)
	if !ok {
		return nil, fmt.Errorf("load checkpoint: unexpected %T", slice[0])
	}
	saved, ok := slice[1].(Snapshotter)
	if !ok {
		return nil, fmt.Errorf("load checkpoint: unexpected %T", slice[1])
	}
	optData, ok := slice[2].(optimizerState)
	if !ok {
		return nil, fmt.Errorf("load checkpoint: unexpected %T", slice[2])
	}

	params := c.Model.Parameters()
	savedParams := saved.Parameters()
	if len(params) != len(savedParams) {
		return nil, errors.New("load checkpoint: parameter count mismatch")
	}
	for i, p := range params {
		if p.Vector.Len() != savedParams[i].Vector.Len() {
			return nil, errors.New("load checkpoint: parameter shape mismatch")
		}
	}
	anysgd.ScatterParams(params, anysgd.FlattenParams(savedParams))
	if err := c.Optimizer.UnmarshalState(params, optData); err != nil {
		return nil, essentials.AddCtx("load checkpoint", err)
	}
	return state, nil
}

// optimizerState wraps marshaled optimizer state so that
// it can be stored next to other serializable objects.
type optimizerState []byte

func deserializeOptimizerState(d []byte) (optimizerState, error) {
	return append(optimizerState{}, d...), nil
}

func (o optimizerState) SerializerType() string {
	return "github.com/unixpickle/anyspeech/anytrain.optimizerState"
}

func (o optimizerState) Serialize() ([]byte, error) {
	return o, nil
}
