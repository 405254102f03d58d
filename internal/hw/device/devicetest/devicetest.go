// Package devicetest provides a hand-driven fake of the device HAL.
//
// Device-event callbacks are fired on their own goroutine, like a real backend.
// Still results and images are only produced when the test asks for them, so
// delivery order is fully under test control.
package devicetest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cjeanneret/shutterbridge/internal/hw/device"
)

// Manager is a fake device.Manager.
type Manager struct {
	mu       sync.Mutex
	ids      []string
	chars    map[string]device.Characteristics
	charErrs map[string]error
	devices  map[string]*Device

	// OpenError, when set, is reported through OnError instead of opening.
	OpenError device.ErrorCode
	// OpenDisconnect reports OnDisconnected instead of opening.
	OpenDisconnect bool
	// HoldOpen keeps Open from answering until ReleaseOpen is called.
	HoldOpen bool
	// ConfigureFail makes every CreateSession report OnConfigureFailed.
	ConfigureFail bool
	// OnCapture, when set, is invoked for every still Capture call.
	OnCapture func(*CaptureCall)

	opens    atomic.Int32
	heldOpen []func()
}

// NewManager returns an empty fake manager.
func NewManager() *Manager {
	return &Manager{
		chars:    make(map[string]device.Characteristics),
		charErrs: make(map[string]error),
		devices:  make(map[string]*Device),
	}
}

// AddDevice registers a device in enumeration order.
func (m *Manager) AddDevice(id string, chars device.Characteristics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, id)
	m.chars[id] = chars
}

// FailCharacteristics makes lookups for id fail.
func (m *Manager) FailCharacteristics(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charErrs[id] = fmt.Errorf("characteristics for %s unavailable", id)
}

func (m *Manager) DeviceIDs() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.ids))
	copy(out, m.ids)
	return out, nil
}

func (m *Manager) Characteristics(id string) (device.Characteristics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.charErrs[id]; err != nil {
		return device.Characteristics{}, err
	}
	chars, ok := m.chars[id]
	if !ok {
		return device.Characteristics{}, fmt.Errorf("unknown device %s", id)
	}
	return chars, nil
}

// Open answers asynchronously according to the configured behaviour.
func (m *Manager) Open(id string, cb device.StateCallback) error {
	m.mu.Lock()
	if _, ok := m.chars[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown device %s", id)
	}
	m.opens.Add(1)
	dev := &Device{id: id, mgr: m, state: cb}
	m.devices[id] = dev
	errCode, disconnect, hold := m.OpenError, m.OpenDisconnect, m.HoldOpen

	answer := func() {
		switch {
		case errCode != 0:
			cb.OnError(dev, errCode)
		case disconnect:
			cb.OnDisconnected(dev)
		default:
			cb.OnOpened(dev)
		}
	}
	if hold {
		m.heldOpen = append(m.heldOpen, answer)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	go answer()
	return nil
}

// ReleaseOpen answers every held Open call.
func (m *Manager) ReleaseOpen() {
	m.mu.Lock()
	held := m.heldOpen
	m.heldOpen = nil
	m.mu.Unlock()
	for _, answer := range held {
		go answer()
	}
}

// Opens returns how many times Open was called.
func (m *Manager) Opens() int {
	return int(m.opens.Load())
}

// Device returns the last device opened with id.
func (m *Manager) Device(id string) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[id]
}

// Device is a fake device.Device.
type Device struct {
	id     string
	mgr    *Manager
	state  device.StateCallback
	closed atomic.Bool

	mu      sync.Mutex
	outputs []device.Surface
	session *Session
	reader  *Reader
}

func (d *Device) ID() string { return d.id }

func (d *Device) NewImageReader(width, height int, format device.PixelFormat, maxImages int) (device.ImageReader, error) {
	if d.closed.Load() {
		return nil, errors.New("device closed")
	}
	r := NewReader(format, maxImages)
	d.mu.Lock()
	d.reader = r
	d.mu.Unlock()
	return r, nil
}

func (d *Device) CreateSession(outputs []device.Surface, cb device.SessionCallback) error {
	if d.closed.Load() {
		return errors.New("device closed")
	}
	s := &Session{dev: d}
	d.mu.Lock()
	d.outputs = outputs
	d.session = s
	d.mu.Unlock()

	d.mgr.mu.Lock()
	fail := d.mgr.ConfigureFail
	d.mgr.mu.Unlock()

	go func() {
		if fail {
			cb.OnConfigureFailed(s)
			return
		}
		cb.OnConfigured(s)
	}()
	return nil
}

// Disconnect fires OnDisconnected as if the hardware went away.
func (d *Device) Disconnect() {
	go d.state.OnDisconnected(d)
}

func (d *Device) Close() error {
	d.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (d *Device) Closed() bool { return d.closed.Load() }

// Outputs returns the surfaces the last session was configured with.
func (d *Device) Outputs() []device.Surface {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outputs
}

// Session returns the last configured session.
func (d *Device) Session() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// Reader returns the last allocated image reader.
func (d *Device) Reader() *Reader {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reader
}

// Session is a fake device.Session.
type Session struct {
	dev *Device

	mu        sync.Mutex
	repeating *device.Request
	captures  []*CaptureCall
	closed    bool
	seq       int
}

// CaptureCall is a recorded still request; the test settles it.
type CaptureCall struct {
	Request device.Request
	cb      device.CaptureCallback
}

// Complete fires OnCompleted with the given metadata on a new goroutine and
// waits for the callback to return.
func (c *CaptureCall) Complete(meta device.Result) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.cb.OnCompleted(c.Request, meta)
	}()
	<-done
}

// Fail fires OnFailed.
func (c *CaptureCall) Fail(reason string) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.cb.OnFailed(c.Request, device.Failure{Reason: reason})
	}()
	<-done
}

func (s *Session) SetRepeatingRequest(req device.Request, cb device.CaptureCallback) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("session closed")
	}
	s.repeating = &req
	s.seq++
	return s.seq, nil
}

func (s *Session) StopRepeating() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repeating = nil
	return nil
}

func (s *Session) Capture(req device.Request, cb device.CaptureCallback) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, errors.New("session closed")
	}
	call := &CaptureCall{Request: req, cb: cb}
	s.captures = append(s.captures, call)
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	s.dev.mgr.mu.Lock()
	hook := s.dev.mgr.OnCapture
	s.dev.mgr.mu.Unlock()
	if hook != nil {
		go hook(call)
	}
	return seq, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.repeating = nil
	return nil
}

// Repeating returns the active repeating request, if any.
func (s *Session) Repeating() (device.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repeating == nil {
		return device.Request{}, false
	}
	return *s.repeating, true
}

// Captures returns the recorded still requests.
func (s *Session) Captures() []*CaptureCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*CaptureCall, len(s.captures))
	copy(out, s.captures)
	return out
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Surface is a named opaque surface, e.g. a preview target.
type Surface string

func (s Surface) Name() string { return string(s) }
