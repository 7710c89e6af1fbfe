package anyspeech

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSortKey indicates that a minibatch sort key
	// is not one of "shuffle", "input", or "output".
	ErrInvalidSortKey = errors.New("invalid batch sort key")

	// ErrInvalidCorpus is wrapped by corpus loading and
	// planning errors caused by malformed or empty corpora.
	ErrInvalidCorpus = errors.New("invalid corpus")

	// ErrUnsupportedDevice indicates that a device is not
	// in the DeviceSet.
	ErrUnsupportedDevice = errors.New("unsupported device")

	// ErrUnknownKey indicates that a configuration key does
	// not exist.
	ErrUnknownKey = errors.New("unknown configuration key")
)

// A ConfigError indicates an invalid or unsupported
// configuration.
// It is always raised before any training step runs.
type ConfigError struct {
	Key string
	Err error
}

func (c *ConfigError) Error() string {
	if c.Key == "" {
		return "config: " + c.Err.Error()
	}
	return fmt.Sprintf("config: %s: %s", c.Key, c.Err.Error())
}

func (c *ConfigError) Unwrap() error {
	return c.Err
}

// A CorpusError indicates that a corpus cannot be used,
// for example because it has too few utterances.
type CorpusError struct {
	Op  string
	Err error
}

func (c *CorpusError) Error() string {
	return c.Op + ": " + c.Err.Error()
}

func (c *CorpusError) Unwrap() error {
	return c.Err
}

// A DeviceError indicates a bad device index or a failed
// collective operation.
//
// DeviceErrors are never recovered from, since replicas
// may hold inconsistent parameters after a partial
// collective failure.
type DeviceError struct {
	Device Device
	Op     string
	Err    error
}

func (d *DeviceError) Error() string {
	return fmt.Sprintf("%s (%s): %s", d.Op, d.Device, d.Err.Error())
}

func (d *DeviceError) Unwrap() error {
	return d.Err
}
