// SPDX-License-Identifier: MIT
package device

import "errors"

// Handle is the transient platform identifier of a device. The OS reassigns
// handles when a device reconnects, so handles must never be persisted.
type Handle int

// InvalidHandle marks the absence of a device.
const InvalidHandle Handle = -1

// ErrDeviceNotFound is returned when a UID does not resolve to a connected device.
var ErrDeviceNotFound = errors.New("device not found")

// Ref is a value snapshot of one device taken during an enumeration.
// Identity within an enumeration is Handle; identity across reconnections is UID.
type Ref struct {
	Handle         Handle
	UID            string
	Name           string
	InputChannels  int
	OutputChannels int
	SampleRate     float64
	IsAggregate    bool
}

// HasInput reports whether the device can capture audio.
func (r Ref) HasInput() bool {
	return r.InputChannels > 0
}

// HasOutput reports whether the device can play audio.
func (r Ref) HasOutput() bool {
	return r.OutputChannels > 0
}

// Valid reports whether r refers to a device at all.
func (r Ref) Valid() bool {
	return r.Handle != InvalidHandle && r.UID != ""
}

// Platform is the hardware abstraction layer the catalog enumerates through.
type Platform interface {
	// Devices enumerates every connected device, aggregates included.
	Devices() ([]Ref, error)
	// DefaultDevices returns the system default input and output handles.
	DefaultDevices() (input, output Handle, err error)
	// AggregateMembers returns the full declared member UID list of an
	// aggregate, in configured order, including disconnected members.
	AggregateMembers(aggregate Handle) ([]string, error)
	// Watch registers notify for device list or default device changes.
	// notify may be invoked from any goroutine.
	Watch(notify func()) (stop func(), err error)
}

// Dispatcher marshals work onto the control thread.
type Dispatcher interface {
	Post(fn func()) error
}

// Inline is a Dispatcher that runs work on the caller's goroutine.
type Inline struct{}

// Post runs fn immediately.
func (Inline) Post(fn func()) error {
	fn()
	return nil
}
