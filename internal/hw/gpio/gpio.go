// Package gpio abstracts the header pins used by the shutter button and the
// busy LED.
package gpio

import (
	"sync"

	"github.com/cjeanneret/shutterbridge/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Driver controls GPIO pins. NewDriver returns the Raspberry Pi driver or
// an in-memory one for development.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// EdgeDetector is implemented by drivers that latch High to Low transitions,
// so a press shorter than the sampling period is still seen.
type EdgeDetector interface {
	DetectFalling(pin int) error
	// FallingEdge reports whether pin fell since the last call.
	FallingEdge(pin int) (bool, error)
}

// NewDriver returns a MockDriver when mock is set, the go-rpio driver
// otherwise.
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return &MockDriver{}, nil
	}
	return NewRPiRealDriver()
}

// MockDriver keeps pin levels in memory. Inputs read High until set
// otherwise, like a pulled-up line with nothing pressing it.
type MockDriver struct {
	mu      sync.Mutex
	levels  map[int]Level
	watched map[int]bool
	fell    map[int]bool
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.Set(pin, level)
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	level, ok := m.levels[pin]
	m.mu.Unlock()
	if !ok {
		level = High
	}
	debug.GPIO("ReadPin", pin, level)
	return level, nil
}

// Set forces the level of pin, e.g. to simulate a button press. A High to
// Low change on a watched pin is latched for FallingEdge.
func (m *MockDriver) Set(pin int, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels == nil {
		m.levels = make(map[int]Level)
	}
	prev, ok := m.levels[pin]
	if !ok {
		prev = High
	}
	m.levels[pin] = level
	if m.watched[pin] && prev == High && level == Low {
		if m.fell == nil {
			m.fell = make(map[int]bool)
		}
		m.fell[pin] = true
	}
}

func (m *MockDriver) DetectFalling(pin int) error {
	debug.GPIO("DetectFalling", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watched == nil {
		m.watched = make(map[int]bool)
	}
	m.watched[pin] = true
	return nil
}

func (m *MockDriver) FallingEdge(pin int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fell := m.fell[pin]
	delete(m.fell, pin)
	return fell, nil
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
