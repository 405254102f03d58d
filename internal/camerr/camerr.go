// Package camerr holds the error taxonomy shared by the session, capture and
// orchestrator layers. Callers are expected to use errors.Is / errors.As.
package camerr

import (
	"errors"
	"fmt"
)

var (
	ErrNoDeviceAvailable       = errors.New("no capture device available")
	ErrConfigure               = errors.New("session configuration failed")
	ErrStillCaptureUnavailable = errors.New("still capture unavailable")
	ErrCaptureInProgress       = errors.New("capture already in progress")
	ErrCaptureTimeout          = errors.New("capture timed out waiting for a matching image")
	ErrSessionClosed           = errors.New("session closed")
	ErrCancelled               = errors.New("operation cancelled")
	ErrInvalidState            = errors.New("invalid session state")

	// ErrDeviceDisconnected is fatal for the whole camera feature, not only the
	// current operation.
	ErrDeviceDisconnected = errors.New("device disconnected")
)

// OpenReason classifies why a device could not be opened.
type OpenReason int

const (
	DeviceBusy OpenReason = iota + 1
	DeviceDisabled
	ServiceFatal
	DeviceFatal
	MaxDevicesInUse
	DeviceDisconnected
)

func (r OpenReason) String() string {
	switch r {
	case DeviceBusy:
		return "device busy"
	case DeviceDisabled:
		return "device disabled"
	case ServiceFatal:
		return "camera service fatal error"
	case DeviceFatal:
		return "device fatal error"
	case MaxDevicesInUse:
		return "max devices in use"
	case DeviceDisconnected:
		return "device disconnected"
	default:
		return fmt.Sprintf("unknown open reason %d", int(r))
	}
}

// OpenError is returned when opening a device fails.
type OpenError struct {
	DeviceID string
	Reason   OpenReason
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open device %q: %s", e.DeviceID, e.Reason)
}

// Is lets errors.Is(err, ErrDeviceDisconnected) match a disconnect during open.
func (e *OpenError) Is(target error) bool {
	return target == ErrDeviceDisconnected && e.Reason == DeviceDisconnected
}

// CaptureFailedError reports a hardware-level failure of a still request.
type CaptureFailedError struct {
	Reason      string
	FrameNumber int64
}

func (e *CaptureFailedError) Error() string {
	return fmt.Sprintf("capture failed (frame %d): %s", e.FrameNumber, e.Reason)
}

// IsFatal reports whether err means the camera feature must be shut down
// rather than retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDeviceDisconnected)
}
