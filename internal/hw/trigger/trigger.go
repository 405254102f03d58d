// Package trigger wires a physical shutter button and busy LED to the
// capture pipeline.
//
// The button is active-low on a pulled-up input: a press is a High to Low
// edge. Drivers that latch edges are asked for them; others are sampled and
// compared with the previous level. The LED is lit for the whole duration of
// a capture.
package trigger

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/cjeanneret/shutterbridge/internal/debug"
	"github.com/cjeanneret/shutterbridge/internal/hw/gpio"
)

// Shooter takes one picture and returns where it was stored.
type Shooter interface {
	Shoot(ctx context.Context) (string, error)
}

type Config struct {
	ButtonPin    int
	LEDPin       int
	PollInterval time.Duration // button sampling period
	Debounce     time.Duration // minimum time between accepted presses
}

// Button polls the shutter button and runs one capture per accepted press.
type Button struct {
	gpio    gpio.Driver
	shooter Shooter
	cfg     Config
	limiter *rate.Limiter
	edges   gpio.EdgeDetector // nil when the driver cannot latch edges
}

// New configures the button input and LED output. The LED starts off.
func New(g gpio.Driver, s Shooter, cfg Config) (*Button, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	if err := g.SetupPin(cfg.ButtonPin, gpio.Input); err != nil {
		return nil, fmt.Errorf("setup button pin %d: %w", cfg.ButtonPin, err)
	}
	if err := g.SetupPin(cfg.LEDPin, gpio.Output); err != nil {
		return nil, fmt.Errorf("setup led pin %d: %w", cfg.LEDPin, err)
	}
	if err := g.WritePin(cfg.LEDPin, gpio.Low); err != nil {
		return nil, fmt.Errorf("reset led pin %d: %w", cfg.LEDPin, err)
	}
	b := &Button{
		gpio:    g,
		shooter: s,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.Debounce), 1),
	}
	if ed, ok := g.(gpio.EdgeDetector); ok {
		if err := ed.DetectFalling(cfg.ButtonPin); err != nil {
			return nil, fmt.Errorf("arm edge detection on pin %d: %w", cfg.ButtonPin, err)
		}
		b.edges = ed
	}
	return b, nil
}

// Run samples the button until ctx is done. Captures run on the polling
// goroutine, so presses made while one is in flight are not seen.
func (b *Button) Run(ctx context.Context) error {
	debug.Info("Trigger: watching button on pin %d (led %d)", b.cfg.ButtonPin, b.cfg.LEDPin)
	defer func() { _ = b.gpio.WritePin(b.cfg.LEDPin, gpio.Low) }()

	tick := time.NewTicker(b.cfg.PollInterval)
	defer tick.Stop()

	last := gpio.High
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}

		var pressed bool
		if b.edges != nil {
			fell, err := b.edges.FallingEdge(b.cfg.ButtonPin)
			if err != nil {
				return fmt.Errorf("read button edge %d: %w", b.cfg.ButtonPin, err)
			}
			pressed = fell
		} else {
			level, err := b.gpio.ReadPin(b.cfg.ButtonPin)
			if err != nil {
				return fmt.Errorf("read button pin %d: %w", b.cfg.ButtonPin, err)
			}
			pressed = last == gpio.High && level == gpio.Low
			last = level
		}
		if !pressed {
			continue
		}
		if !b.limiter.Allow() {
			debug.Trace("Trigger: press ignored (bounce)")
			continue
		}
		b.press(ctx)
	}
}

func (b *Button) press(ctx context.Context) {
	debug.Live("Trigger: button pressed")
	if err := b.gpio.WritePin(b.cfg.LEDPin, gpio.High); err != nil {
		debug.Warn("Trigger: led on: %v", err)
	}
	defer func() {
		if err := b.gpio.WritePin(b.cfg.LEDPin, gpio.Low); err != nil {
			debug.Warn("Trigger: led off: %v", err)
		}
	}()

	path, err := b.shooter.Shoot(ctx)
	if err != nil {
		debug.Error(fmt.Errorf("trigger: shoot: %w", err))
		return
	}
	debug.Live("Trigger: saved %s", path)
}
