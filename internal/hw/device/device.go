// Package device defines the callback-driven hardware interface the orchestrator
// drives. Implementations deliver device, session and per-frame callbacks
// serially on a device-event context, and image-availability callbacks on an
// independent image-delivery context.
//
// This allows plugging in a real backend or the simulator in package sim.
package device

import "fmt"

// Capability is a capability tag advertised by a device.
type Capability string

const (
	CapBackwardCompatible Capability = "BACKWARD_COMPATIBLE"
	CapManualSensor       Capability = "MANUAL_SENSOR"
	CapRaw                Capability = "RAW"
	CapDepthOutput        Capability = "DEPTH_OUTPUT"
)

// HardwareLevel is the device's self-reported support tier.
type HardwareLevel int

const (
	LevelLegacy HardwareLevel = iota
	LevelLimited
	LevelFull
	Level3
)

func (l HardwareLevel) String() string {
	switch l {
	case LevelLegacy:
		return "LEGACY"
	case LevelLimited:
		return "LIMITED"
	case LevelFull:
		return "FULL"
	case Level3:
		return "LEVEL_3"
	default:
		return fmt.Sprintf("HardwareLevel(%d)", int(l))
	}
}

// TimestampSource says whether image and result timestamps share a clock.
type TimestampSource int

const (
	TimestampRealtime TimestampSource = iota
	TimestampUnknown
)

// PixelFormat of the still-capture surface.
type PixelFormat string

const (
	FormatJPEG      PixelFormat = "JPEG"
	FormatDepthJPEG PixelFormat = "DEPTH_JPEG"
	FormatRAW       PixelFormat = "RAW_SENSOR"
	FormatYUV       PixelFormat = "YUV_420_888"
)

// Extension returns the file extension used when persisting this format.
func (f PixelFormat) Extension() string {
	switch f {
	case FormatJPEG, FormatDepthJPEG:
		return "jpg"
	case FormatRAW:
		return "dng"
	default:
		return "bin"
	}
}

// Characteristics describe a device as reported by the Manager.
type Characteristics struct {
	Capabilities      []Capability
	HardwareLevel     HardwareLevel
	TimestampSource   TimestampSource
	SensorOrientation int
}

// Has reports whether the capability tag is present.
func (c Characteristics) Has(capability Capability) bool {
	for _, have := range c.Capabilities {
		if have == capability {
			return true
		}
	}
	return false
}

// ErrorCode is reported by StateCallback.OnError.
type ErrorCode int

const (
	ErrorCameraInUse ErrorCode = iota + 1
	ErrorMaxCamerasInUse
	ErrorCameraDisabled
	ErrorCameraDevice
	ErrorCameraService
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCameraInUse:
		return "CAMERA_IN_USE"
	case ErrorMaxCamerasInUse:
		return "MAX_CAMERAS_IN_USE"
	case ErrorCameraDisabled:
		return "CAMERA_DISABLED"
	case ErrorCameraDevice:
		return "CAMERA_DEVICE"
	case ErrorCameraService:
		return "CAMERA_SERVICE"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// Manager enumerates and opens devices.
type Manager interface {
	DeviceIDs() ([]string, error)
	Characteristics(id string) (Characteristics, error)

	// Open starts opening the device. The outcome arrives on cb; a non-nil
	// return means no callback will follow.
	Open(id string, cb StateCallback) error
}

// StateCallback receives device lifecycle events.
type StateCallback struct {
	OnOpened       func(Device)
	OnDisconnected func(Device)
	OnError        func(Device, ErrorCode)
}

// Surface is an output target a session can be configured with.
type Surface interface {
	Name() string
}

// Device is an open device handle.
type Device interface {
	ID() string

	// NewImageReader allocates a still-capture surface holding at most
	// maxImages unreleased images.
	NewImageReader(width, height int, format PixelFormat, maxImages int) (ImageReader, error)

	// CreateSession configures a session over outputs; the outcome arrives
	// on cb.
	CreateSession(outputs []Surface, cb SessionCallback) error

	Close() error
}

// SessionCallback receives session configuration events.
type SessionCallback struct {
	OnConfigured      func(Session)
	OnConfigureFailed func(Session)
}

// Session is a configured capture session.
type Session interface {
	SetRepeatingRequest(req Request, cb CaptureCallback) (int, error)
	StopRepeating() error
	Capture(req Request, cb CaptureCallback) (int, error)
	Close() error
}

// CaptureCallback receives per-frame results for one request.
type CaptureCallback struct {
	OnCompleted func(Request, Result)
	OnFailed    func(Request, Failure)
}

// Result is per-frame metadata. Timestamp shares the clock of Image.Timestamp
// unless the device reports TimestampUnknown.
type Result struct {
	Timestamp   int64
	FrameNumber int64
	SequenceID  int
}

// Failure describes a hardware-level request failure.
type Failure struct {
	FrameNumber int64
	Reason      string
}

// Image is a frame held by an ImageReader. Close must be called exactly once
// to return the buffer slot to the producer.
type Image interface {
	Timestamp() int64
	Format() PixelFormat
	Bytes() []byte
	Close()
}

// ImageReader is the still-capture surface.
type ImageReader interface {
	Surface

	// SetOnImageAvailable installs fn as the image listener, or clears it
	// when fn is nil. It blocks until any in-flight delivery to the previous
	// listener has returned. Images produced while no listener is set stay in
	// the reader.
	SetOnImageAvailable(fn func(Image))

	// AcquireNextImage pops the oldest image held by the reader.
	AcquireNextImage() (Image, bool)

	Format() PixelFormat

	// Close releases every image still held and stops delivery.
	Close() error
}
