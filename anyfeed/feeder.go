package anyfeed

import (
	"github.com/unixpickle/anyspeech"
	"github.com/unixpickle/anyspeech/anysgd"
)

// A Feeder fetches minibatches from an Iterator and
// places them on a device.
// It implements anysgd.Fetcher.
type Feeder struct {
	Iterator  Iterator
	Converter *Converter
	Device    anyspeech.Device
}

// Fetch returns the next *DeviceBatch.
// Errors from the iterator, including io.EOF, are passed
// through unchanged.
func (f *Feeder) Fetch() (anysgd.Batch, error) {
	raw, err := f.Iterator.Next()
	if err != nil {
		return nil, err
	}
	batch, err := f.Converter.Convert(raw, f.Device)
	if err != nil {
		return nil, err
	}
	return batch, nil
}
