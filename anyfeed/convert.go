package anyfeed

import (
	"fmt"

	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyspeech"
	"github.com/unixpickle/anyvec"
)

// A DeviceBatch is a minibatch placed on a device, ready
// for a model's forward pass.
type DeviceBatch struct {
	Device anyspeech.Device
	IDs    []string

	// Frames stores the subsampled input frames of each
	// example.
	Frames [][]anyvec.Vector

	// Inputs packs Frames into a sequence batch.
	Inputs anyseq.Seq

	// InputLens stores the subsampled lengths of each
	// example, before any padding.
	InputLens []int

	Targets [][]int
	Dim     int

	creator anyvec.Creator
}

// NumUtts returns the number of examples in the batch.
func (d *DeviceBatch) NumUtts() int {
	return len(d.IDs)
}

// MaxLen returns the longest subsampled input length.
func (d *DeviceBatch) MaxLen() int {
	var res int
	for _, l := range d.InputLens {
		if l > res {
			res = l
		}
	}
	return res
}

// Padded creates a dense row-major tensor of shape
// [NumUtts, MaxLen, Dim], with zeros past the end of
// each example.
func (d *DeviceBatch) Padded() anyvec.Vector {
	maxLen := d.MaxLen()
	c := d.creator
	var parts []anyvec.Vector
	for _, frames := range d.Frames {
		parts = append(parts, frames...)
		if pad := maxLen - len(frames); pad > 0 {
			parts = append(parts, c.MakeVector(pad*d.Dim))
		}
	}
	if len(parts) == 0 {
		return c.MakeVector(0)
	}
	return c.Concat(parts...)
}

// Release drops every tensor reference held by the batch.
func (d *DeviceBatch) Release() {
	d.Frames = nil
	d.Inputs = nil
}

// A Converter turns the single-element minibatch lists
// produced by an Iterator into DeviceBatches.
type Converter struct {
	// SubsampleFactor keeps every k-th input frame.
	// If it is 0, 1 is used.
	SubsampleFactor int

	Devices *anyspeech.DeviceSet
}

// Convert places batch[0] on dev.
//
// Exactly one minibatch must be given, and it must not
// be empty.
func (c *Converter) Convert(batch []RawBatch, dev anyspeech.Device) (*DeviceBatch, error) {
	if len(batch) != 1 {
		return nil, fmt.Errorf("convert: expected 1 minibatch but got %d", len(batch))
	}
	if len(batch[0]) == 0 {
		return nil, fmt.Errorf("convert: empty minibatch")
	}
	creator, err := c.Devices.Creator(dev)
	if err != nil {
		return nil, err
	}

	stride := c.SubsampleFactor
	if stride < 1 {
		stride = 1
	}

	// Examples without frames have no dimension.
	res := &DeviceBatch{Device: dev, creator: creator}
	for _, ex := range batch[0] {
		if d := ex.Dim(); res.Dim == 0 {
			res.Dim = d
		} else if d != 0 && d != res.Dim {
			return nil, fmt.Errorf("convert: inconsistent feature dimension in %s: %d != %d",
				ex.ID, d, res.Dim)
		}
		var frames []anyvec.Vector
		for t := 0; t < len(ex.Frames); t += stride {
			frames = append(frames, creator.MakeVectorData(
				creator.MakeNumericList(float32To64(ex.Frames[t])),
			))
		}
		res.IDs = append(res.IDs, ex.ID)
		res.Frames = append(res.Frames, frames)
		res.InputLens = append(res.InputLens, len(frames))
		res.Targets = append(res.Targets, append([]int{}, ex.Labels...))
	}
	res.Inputs = anyseq.ConstSeqList(creator, res.Frames)
	return res, nil
}

func float32To64(x []float32) []float64 {
	res := make([]float64, len(x))
	for i, v := range x {
		res[i] = float64(v)
	}
	return res
}
