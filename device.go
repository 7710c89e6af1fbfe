package anyspeech

import (
	"fmt"

	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
)

// A Device identifies where tensors live.
// Non-negative values are accelerator indices.
type Device int

// Host is the device for host memory.
const Host Device = -1

// String returns a human-readable device name.
func (d Device) String() string {
	if d == Host {
		return "host"
	}
	return fmt.Sprintf("device %d", int(d))
}

// A DeviceSet enumerates the devices available to a run
// and the anyvec.Creator used to place tensors on each.
type DeviceSet struct {
	host     anyvec.Creator
	creators []anyvec.Creator
}

// NewDeviceSet creates a set with n accelerators.
// With n == 0, only the host is available.
//
// Every device is backed by a float32 creator, so
// replicas on different devices exchange buffers without
// conversion.
func NewDeviceSet(n int) *DeviceSet {
	res := &DeviceSet{host: anyvec32.CurrentCreator()}
	for i := 0; i < n; i++ {
		res.creators = append(res.creators, anyvec32.CurrentCreator())
	}
	return res
}

// Count returns the number of accelerators.
func (d *DeviceSet) Count() int {
	return len(d.creators)
}

// Devices returns the devices that replicas should run
// on: every accelerator, or just the host if there are
// none.
func (d *DeviceSet) Devices() []Device {
	if len(d.creators) == 0 {
		return []Device{Host}
	}
	res := make([]Device, len(d.creators))
	for i := range res {
		res[i] = Device(i)
	}
	return res
}

// Check returns a *DeviceError if dev is not part of the
// set.
func (d *DeviceSet) Check(dev Device) error {
	if dev == Host || (dev >= 0 && int(dev) < len(d.creators)) {
		return nil
	}
	return &DeviceError{Device: dev, Op: "check device", Err: ErrUnsupportedDevice}
}

// Creator returns the creator for a device.
func (d *DeviceSet) Creator(dev Device) (anyvec.Creator, error) {
	if err := d.Check(dev); err != nil {
		return nil, err
	}
	if dev == Host {
		return d.host, nil
	}
	return d.creators[dev], nil
}
