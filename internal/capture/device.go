// Package capture owns the recording session: exclusive device ownership,
// duration/level sampling, and the interruption/recovery state machine.
package capture

import (
	"context"
	"errors"
	"time"
)

// Capture failures surfaced to callers.
var (
	ErrDeviceBusy       = errors.New("capture device busy")
	ErrPermissionDenied = errors.New("capture permission denied")
	ErrStartFailed      = errors.New("capture start failed")
	ErrResumeFailed     = errors.New("capture resume failed")
	ErrNoActiveSession  = errors.New("no active capture session")
)

// DeviceEventKind identifies an asynchronous device signal.
type DeviceEventKind int

const (
	// DeviceInterrupted means a higher-priority client took the device.
	DeviceInterrupted DeviceEventKind = iota
	// DeviceInterruptionEnded means the device may be reacquired.
	DeviceInterruptionEnded
	// DeviceFailed means capture died and cannot continue.
	DeviceFailed
)

// DeviceEvent is an asynchronous signal from the capture hardware.
type DeviceEvent struct {
	Kind      DeviceEventKind
	Resumable bool
	Err       error
}

// Device is one hardware capture device, exclusively owned by a session
// between Acquire and Stop. Position is the device's own record-position
// counter; elapsed time is always read from it, never from wall-clock
// deltas, so OS suspensions cannot drift the reported duration.
type Device interface {
	// Acquire grabs the device exclusively and starts writing destination.
	Acquire(ctx context.Context, destination string) error
	// Resume reattaches to the same file after an interruption.
	Resume() error
	// Position returns the device's internal record position.
	Position() time.Duration
	// Level returns the current input level in [0,1].
	Level() float64
	// Stop finalizes the file and returns the measured duration.
	Stop() (time.Duration, error)
	// Events delivers interruption and failure signals.
	Events() <-chan DeviceEvent
}
