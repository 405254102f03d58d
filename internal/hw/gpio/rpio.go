package gpio

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/cjeanneret/shutterbridge/internal/debug"
)

// RPiDriver drives the Raspberry Pi header through go-rpio's memory-mapped
// registers. Inputs are pulled up, so an active-low button reads High when
// released.
type RPiDriver struct {
	mu    sync.Mutex
	pins  map[int]rpio.Pin
	edges map[int]bool // pins with falling-edge detection armed
}

// NewRPiRealDriver maps the GPIO registers. It needs /dev/gpiomem or root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open GPIO: %w (is this a Raspberry Pi?)", err)
	}
	debug.Verbose("GPIO registers mapped")
	return &RPiDriver{
		pins:  make(map[int]rpio.Pin),
		edges: make(map[int]bool),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.setup(pin, mode)
	return err
}

// setup configures pin; r.mu must be held.
func (r *RPiDriver) setup(pin int, mode PinMode) (rpio.Pin, error) {
	debug.GPIO("SetupPin", pin, mode)
	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
		p.PullUp()
	case Output:
		p.Output()
	default:
		return p, fmt.Errorf("unknown pin mode: %d", mode)
	}
	r.pins[pin] = p
	return p, nil
}

// pin returns the configured pin, setting it up in mode on first use.
func (r *RPiDriver) pin(pin int, mode PinMode) (rpio.Pin, error) {
	if p, ok := r.pins[pin]; ok {
		return p, nil
	}
	return r.setup(pin, mode)
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.pin(pin, Output)
	if err != nil {
		return err
	}
	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.pin(pin, Input)
	if err != nil {
		return Low, err
	}
	level := Level(p.Read() == rpio.High)
	debug.GPIO("ReadPin", pin, level)
	return level, nil
}

// DetectFalling arms the SoC edge latch on pin.
func (r *RPiDriver) DetectFalling(pin int) error {
	debug.GPIO("DetectFalling", pin, nil)
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.pin(pin, Input)
	if err != nil {
		return err
	}
	p.Detect(rpio.FallEdge)
	r.edges[pin] = true
	return nil
}

// FallingEdge reports and clears the latched edge of pin.
func (r *RPiDriver) FallingEdge(pin int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.edges[pin] {
		return false, fmt.Errorf("pin %d: edge detection not armed", pin)
	}
	return r.pins[pin].EdgeDetected(), nil
}

// Close disarms edge detection, returns every pin to input and unmaps the
// registers.
func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")
	r.mu.Lock()
	defer r.mu.Unlock()
	for pin := range r.edges {
		r.pins[pin].Detect(rpio.NoEdge)
	}
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		p.Input()
	}
	return rpio.Close()
}
