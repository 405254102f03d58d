// Package sim is a simulated device backend. It behaves like a real
// callback-driven camera stack: device, session and result callbacks are
// serialized on one event goroutine, images are delivered on a separate
// goroutine per still surface, and a repeating request keeps producing preview
// results until it is stopped.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/shutterbridge/internal/debug"
	"github.com/cjeanneret/shutterbridge/internal/hw/device"
)

// DeviceSpec describes one simulated device.
type DeviceSpec struct {
	ID                string
	Capabilities      []device.Capability
	HardwareLevel     device.HardwareLevel
	TimestampSource   device.TimestampSource
	SensorOrientation int
}

// Faults injects failures into a device. The zero value is a healthy device.
type Faults struct {
	OpenError          device.ErrorCode // reported through OnError instead of opening
	ConfigureFail      bool             // every session reports OnConfigureFailed
	DropStill          bool             // still results arrive without an image
	StillFailure       string           // still requests report OnFailed with this reason
	CharacteristicsErr bool             // characteristics lookup fails
}

type Options struct {
	Devices       []DeviceSpec
	FrameInterval time.Duration // repeating request period
	OpenLatency   time.Duration // delay before open and configure callbacks
	StillLatency  time.Duration // delay between a still request and its result
}

// DefaultDevices is a legacy device lacking the backward-compatible tag
// followed by a full one.
func DefaultDevices() []DeviceSpec {
	return []DeviceSpec{
		{ID: "0", HardwareLevel: device.LevelLegacy, SensorOrientation: 90},
		{
			ID:                "1",
			Capabilities:      []device.Capability{device.CapBackwardCompatible, device.CapManualSensor},
			HardwareLevel:     device.LevelFull,
			SensorOrientation: 90,
		},
	}
}

// Preview is a named preview target. Preview frames sent to it are counted
// by the session manager and otherwise discarded.
type Preview string

func (p Preview) Name() string { return string(p) }

// Manager is a simulated device.Manager.
type Manager struct {
	opts   Options
	events *loop
	start  time.Time
	lastTS atomic.Int64

	mu      sync.Mutex
	specs   map[string]DeviceSpec
	order   []string
	faults  map[string]Faults
	devices map[string]*Device
}

// New starts the event goroutine. Close stops it.
func New(opts Options) *Manager {
	if len(opts.Devices) == 0 {
		opts.Devices = DefaultDevices()
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 33 * time.Millisecond
	}
	m := &Manager{
		opts:    opts,
		events:  newLoop(64),
		start:   time.Now(),
		specs:   make(map[string]DeviceSpec),
		faults:  make(map[string]Faults),
		devices: make(map[string]*Device),
	}
	for _, spec := range opts.Devices {
		m.specs[spec.ID] = spec
		m.order = append(m.order, spec.ID)
	}
	return m
}

// SetFaults replaces the injected failures for id.
func (m *Manager) SetFaults(id string, f Faults) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[id] = f
}

func (m *Manager) faultsFor(id string) Faults {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.faults[id]
}

// Disconnect reports the open device id as disconnected.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	d := m.devices[id]
	m.mu.Unlock()
	if d == nil {
		return fmt.Errorf("sim: device %s is not open", id)
	}
	return m.events.post(func() {
		debug.Info("sim: device %s disconnected", id)
		d.stopAll()
		d.state.OnDisconnected(d)
	})
}

// Close stops the event goroutine and every open device.
func (m *Manager) Close() {
	m.mu.Lock()
	devs := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devs = append(devs, d)
	}
	m.mu.Unlock()
	for _, d := range devs {
		_ = d.Close()
	}
	m.events.close()
}

// timestamp returns a strictly increasing nanosecond timestamp.
func (m *Manager) timestamp() int64 {
	now := time.Since(m.start).Nanoseconds()
	for {
		last := m.lastTS.Load()
		if now <= last {
			now = last + 1
		}
		if m.lastTS.CompareAndSwap(last, now) {
			return now
		}
	}
}

func (m *Manager) DeviceIDs() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out, nil
}

func (m *Manager) Characteristics(id string) (device.Characteristics, error) {
	m.mu.Lock()
	spec, ok := m.specs[id]
	fail := m.faults[id].CharacteristicsErr
	m.mu.Unlock()
	if !ok {
		return device.Characteristics{}, fmt.Errorf("sim: unknown device %q", id)
	}
	if fail {
		return device.Characteristics{}, fmt.Errorf("sim: characteristics of %q unavailable", id)
	}
	caps := make([]device.Capability, len(spec.Capabilities))
	copy(caps, spec.Capabilities)
	return device.Characteristics{
		Capabilities:      caps,
		HardwareLevel:     spec.HardwareLevel,
		TimestampSource:   spec.TimestampSource,
		SensorOrientation: spec.SensorOrientation,
	}, nil
}

func (m *Manager) Open(id string, cb device.StateCallback) error {
	m.mu.Lock()
	if _, ok := m.specs[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("sim: unknown device %q", id)
	}
	if prev := m.devices[id]; prev != nil && !prev.closed.Load() {
		m.mu.Unlock()
		return m.after(m.opts.OpenLatency, func() { cb.OnError(&Device{id: id, mgr: m, state: cb}, device.ErrorCameraInUse) })
	}
	d := &Device{id: id, mgr: m, state: cb}
	m.devices[id] = d
	f := m.faults[id]
	m.mu.Unlock()

	debug.Verbose("sim: opening device %s", id)
	return m.after(m.opts.OpenLatency, func() {
		if f.OpenError != 0 {
			cb.OnError(d, f.OpenError)
			return
		}
		cb.OnOpened(d)
	})
}

// after posts fn to the event loop once delay has elapsed.
func (m *Manager) after(delay time.Duration, fn func()) error {
	if delay <= 0 {
		return m.events.post(fn)
	}
	select {
	case <-m.events.ctx.Done():
		return errLoopClosed
	default:
	}
	time.AfterFunc(delay, func() { _ = m.events.post(fn) })
	return nil
}

// Device is a simulated open device.
type Device struct {
	id     string
	mgr    *Manager
	state  device.StateCallback
	closed atomic.Bool

	mu       sync.Mutex
	sessions []*Session
	readers  []*reader
}

var errDeviceClosed = errors.New("sim: device closed")

func (d *Device) ID() string { return d.id }

func (d *Device) NewImageReader(width, height int, format device.PixelFormat, maxImages int) (device.ImageReader, error) {
	if d.closed.Load() {
		return nil, errDeviceClosed
	}
	if width <= 0 || height <= 0 || maxImages <= 0 {
		return nil, fmt.Errorf("sim: invalid still surface %dx%d max %d", width, height, maxImages)
	}
	r := newReader(width, height, format, maxImages)
	d.mu.Lock()
	d.readers = append(d.readers, r)
	d.mu.Unlock()
	return r, nil
}

func (d *Device) CreateSession(outputs []device.Surface, cb device.SessionCallback) error {
	if d.closed.Load() {
		return errDeviceClosed
	}
	if len(outputs) == 0 {
		return errors.New("sim: session needs at least one output")
	}
	s := &Session{dev: d, outputs: outputs}
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()

	fail := d.mgr.faultsFor(d.id).ConfigureFail
	return d.mgr.after(d.mgr.opts.OpenLatency, func() {
		if fail {
			cb.OnConfigureFailed(s)
			return
		}
		cb.OnConfigured(s)
	})
}

// stopAll stops every session's repeating request and closes the readers.
func (d *Device) stopAll() {
	d.mu.Lock()
	sessions, readers := d.sessions, d.readers
	d.sessions, d.readers = nil, nil
	d.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
	for _, r := range readers {
		_ = r.Close()
	}
}

func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.stopAll()
	debug.Verbose("sim: device %s closed", d.id)
	return nil
}

// Session is a simulated capture session.
type Session struct {
	dev     *Device
	outputs []device.Surface

	mu       sync.Mutex
	closed   bool
	seq      int
	frame    int64
	stopPrev context.CancelFunc
}

var errSessionClosed = errors.New("sim: session closed")

func (s *Session) nextFrame() int64 {
	s.frame++
	return s.frame
}

func (s *Session) SetRepeatingRequest(req device.Request, cb device.CaptureCallback) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errSessionClosed
	}
	if s.stopPrev != nil {
		s.stopPrev()
	}
	s.seq++
	seq := s.seq
	ctx, cancel := context.WithCancel(s.dev.mgr.events.ctx)
	s.stopPrev = cancel

	m := s.dev.mgr
	go func() {
		tick := time.NewTicker(m.opts.FrameInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
			s.mu.Lock()
			frame := s.nextFrame()
			s.mu.Unlock()
			result := device.Result{Timestamp: m.timestamp(), FrameNumber: frame, SequenceID: seq}
			_ = m.events.post(func() {
				if ctx.Err() == nil {
					cb.OnCompleted(req, result)
				}
			})
		}
	}()
	return seq, nil
}

func (s *Session) StopRepeating() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopPrev != nil {
		s.stopPrev()
		s.stopPrev = nil
	}
	return nil
}

// Capture produces one still result on the event goroutine and, unless
// dropped, an image with the same timestamp on every targeted still surface.
func (s *Session) Capture(req device.Request, cb device.CaptureCallback) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, errSessionClosed
	}
	s.seq++
	seq := s.seq
	frame := s.nextFrame()
	s.mu.Unlock()

	m := s.dev.mgr
	f := m.faultsFor(s.dev.id)
	err := m.after(m.opts.StillLatency, func() {
		if f.StillFailure != "" {
			cb.OnFailed(req, device.Failure{FrameNumber: frame, Reason: f.StillFailure})
			return
		}
		ts := m.timestamp()
		if !f.DropStill {
			for _, target := range req.Targets {
				if r, ok := target.(*reader); ok {
					r.produce(ts)
				}
			}
		}
		cb.OnCompleted(req, device.Result{Timestamp: ts, FrameNumber: frame, SequenceID: seq})
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.stopPrev != nil {
		s.stopPrev()
		s.stopPrev = nil
	}
	return nil
}

// Outputs returns the surfaces the session was configured with.
func (s *Session) Outputs() []device.Surface { return s.outputs }
