// Package session owns the device-open, session-configure, preview and
// teardown lifecycle of a single device.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/cjeanneret/shutterbridge/internal/camerr"
	"github.com/cjeanneret/shutterbridge/internal/debug"
	"github.com/cjeanneret/shutterbridge/internal/hw/device"
	"github.com/cjeanneret/shutterbridge/internal/logic/pending"
	"github.com/cjeanneret/shutterbridge/internal/logic/request"
)

// Options configures the still surface and request parameters.
type Options struct {
	StillWidth  int
	StillHeight int
	StillFormat device.PixelFormat
	MaxImages   int
	Request     request.Options

	// OnTransition, if set, observes every state change. It is called with
	// the manager lock held and must not call back into the Manager.
	OnTransition func(from, to State)
}

// Manager drives one device through its session lifecycle. State changes
// only happen through its methods and device callbacks.
type Manager struct {
	hw     device.Manager
	opts   Options
	flight singleflight.Group

	// openMu guards the callers waiting on the shared open attempt and the
	// cancel func of that attempt's context.
	openMu      sync.Mutex
	openWaiters int
	openCancel  context.CancelFunc

	previewFrames atomic.Int64

	mu         sync.Mutex
	state      State
	failure    error
	guard      Guard
	profile    device.Profile
	dev        device.Device
	lostDev    device.Device
	sess       device.Session
	reader     device.ImageReader
	aborts     map[int]func(error)
	nextAbort  int
	disconnect chan struct{}
	discOnce   sync.Once
}

// NewManager creates a manager in the Unopened state.
func NewManager(hw device.Manager, opts Options) *Manager {
	if opts.MaxImages <= 0 {
		opts.MaxImages = 3
	}
	if opts.StillFormat == "" {
		opts.StillFormat = device.FormatJPEG
	}
	return &Manager{
		hw:         hw,
		opts:       opts,
		aborts:     make(map[int]func(error)),
		disconnect: make(chan struct{}),
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Guard returns a copy of the guard flags.
func (m *Manager) Guard() Guard {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guard
}

// Profile returns the profile of the last open attempt.
func (m *Manager) Profile() device.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// Failure returns the reason for the Failed state, if any.
func (m *Manager) Failure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

// PreviewFrames returns the number of completed repeating-request frames.
func (m *Manager) PreviewFrames() int64 {
	return m.previewFrames.Load()
}

// Disconnected is closed once the device reports a disconnect. The camera
// feature must be shut down when that happens; retrying will not help.
func (m *Manager) Disconnected() <-chan struct{} {
	return m.disconnect
}

// NeedsReopen reports whether no usable device handle exists.
func (m *Manager) NeedsReopen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dev == nil || m.state.canOpen()
}

func (m *Manager) setState(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	debug.Transition(from, to)
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(from, to)
	}
}

// track registers an abort hook run on teardown or device loss. Caller
// holds m.mu.
func (m *Manager) track(abort func(error)) func() {
	id := m.nextAbort
	m.nextAbort++
	m.aborts[id] = abort
	return func() {
		m.mu.Lock()
		delete(m.aborts, id)
		m.mu.Unlock()
	}
}

func (m *Manager) takeAborts() []func(error) {
	out := make([]func(error), 0, len(m.aborts))
	for id, abort := range m.aborts {
		out = append(out, abort)
		delete(m.aborts, id)
	}
	return out
}

type handles struct {
	sess   device.Session
	reader device.ImageReader
	dev    device.Device
}

// detach hands the device resources to the caller and clears the guard
// flags. Caller holds m.mu.
func (m *Manager) detach() handles {
	h := handles{sess: m.sess, reader: m.reader, dev: m.dev}
	m.sess, m.reader, m.dev = nil, nil, nil
	m.guard.StillCaptureReady = false
	return h
}

func (h handles) release() {
	if h.sess != nil {
		if err := h.sess.StopRepeating(); err != nil {
			debug.Warn("session: stop repeating: %v", err)
		}
		if err := h.sess.Close(); err != nil {
			debug.Warn("session: close session: %v", err)
		}
	}
	if h.reader != nil {
		if err := h.reader.Close(); err != nil {
			debug.Warn("session: close still surface: %v", err)
		}
	}
	if h.dev != nil {
		if err := h.dev.Close(); err != nil {
			debug.Warn("session: close device: %v", err)
		}
	}
}

func (m *Manager) signalDisconnect() {
	m.discOnce.Do(func() {
		debug.Info("session: device disconnected, camera feature must stop")
		close(m.disconnect)
	})
}

func openReason(code device.ErrorCode) camerr.OpenReason {
	switch code {
	case device.ErrorCameraInUse:
		return camerr.DeviceBusy
	case device.ErrorMaxCamerasInUse:
		return camerr.MaxDevicesInUse
	case device.ErrorCameraDisabled:
		return camerr.DeviceDisabled
	case device.ErrorCameraService:
		return camerr.ServiceFatal
	default:
		return camerr.DeviceFatal
	}
}

// Open opens the device described by p. A call made while another open
// attempt is in flight does not start a second one; it waits for and returns
// the outcome of the attempt already running. The attempt does not run under
// any single caller's context: it is cancelled only once every caller
// waiting on it has given up, and a caller whose ctx ends earlier gets
// camerr.ErrCancelled without affecting the others.
func (m *Manager) Open(ctx context.Context, p device.Profile) error {
	m.openMu.Lock()
	m.openWaiters++
	m.openMu.Unlock()

	ch := m.flight.DoChan("open", func() (any, error) {
		actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		m.openMu.Lock()
		m.openCancel = cancel
		if m.openWaiters == 0 {
			cancel()
		}
		m.openMu.Unlock()
		defer func() {
			m.openMu.Lock()
			m.openCancel = nil
			m.openMu.Unlock()
			cancel()
		}()
		return nil, m.open(actx, p)
	})

	select {
	case r := <-ch:
		m.leaveOpen()
		if r.Shared {
			debug.Verbose("session: open of %s coalesced with in-flight attempt", p.ID)
		}
		return r.Err
	case <-ctx.Done():
	}
	if m.leaveOpen() {
		// Last waiter: abort the attempt and report how it ended.
		return (<-ch).Err
	}
	return fmt.Errorf("%w: %w", camerr.ErrCancelled, ctx.Err())
}

// leaveOpen drops one waiter. When none remain the running attempt is
// cancelled and leaveOpen reports true.
func (m *Manager) leaveOpen() bool {
	m.openMu.Lock()
	defer m.openMu.Unlock()
	m.openWaiters--
	if m.openWaiters > 0 {
		return false
	}
	if m.openCancel != nil {
		m.openCancel()
	}
	return true
}

func (m *Manager) open(ctx context.Context, p device.Profile) error {
	m.mu.Lock()
	if m.guard.Initializing || !m.state.canOpen() {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("open from %s: %w", state, camerr.ErrInvalidState)
	}
	m.guard.Initializing = true
	m.profile = p
	m.failure = nil
	m.lostDev = nil
	m.setState(Opening)

	op := pending.New[device.Device]()
	untrack := m.track(func(err error) { op.Reject(err) })
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.guard.Initializing = false
		m.mu.Unlock()
	}()
	defer untrack()

	debug.Live("session: opening device %s (%s)", p.ID, p.Topology)
	err := m.hw.Open(p.ID, device.StateCallback{
		OnOpened: func(d device.Device) {
			if !op.Resolve(d) {
				debug.Verbose("session: device %s opened after caller gave up, closing", d.ID())
				_ = d.Close()
			}
		},
		OnDisconnected: func(d device.Device) {
			_ = d.Close()
			if !op.Reject(&camerr.OpenError{DeviceID: p.ID, Reason: camerr.DeviceDisconnected}) {
				m.deviceLost(d, camerr.ErrDeviceDisconnected)
			}
		},
		OnError: func(d device.Device, code device.ErrorCode) {
			_ = d.Close()
			oe := &camerr.OpenError{DeviceID: p.ID, Reason: openReason(code)}
			if !op.Reject(oe) {
				m.deviceLost(d, oe)
			}
		},
	})
	if err != nil {
		op.Reject(fmt.Errorf("open device %q: %w", p.ID, err))
	}

	dev, err := op.Wait(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if errors.Is(err, camerr.ErrDeviceDisconnected) {
			m.signalDisconnect()
		}
		if m.state == Opening {
			m.failure = err
			m.setState(Failed)
		}
		return err
	}
	if m.state != Opening {
		_ = dev.Close()
		return camerr.ErrSessionClosed
	}
	if m.lostDev == dev {
		m.failure = camerr.ErrDeviceDisconnected
		m.setState(Failed)
		return m.failure
	}
	m.dev = dev
	m.setState(Open)
	return nil
}

// deviceLost handles a disconnect or error reported after the device opened.
func (m *Manager) deviceLost(d device.Device, cause error) {
	if errors.Is(cause, camerr.ErrDeviceDisconnected) {
		m.signalDisconnect()
	}

	m.mu.Lock()
	if m.dev != d {
		if m.state == Opening {
			m.lostDev = d
		}
		m.mu.Unlock()
		return
	}
	aborts := m.takeAborts()
	h := m.detach()
	m.failure = cause
	m.setState(Failed)
	m.mu.Unlock()

	debug.Error(fmt.Errorf("session: device %s lost: %w", d.ID(), cause))
	for _, abort := range aborts {
		abort(cause)
	}
	h.release()
}

// StartPreview configures a session over preview (and, for the dual-surface
// topology, a newly allocated still surface) and starts the repeating preview
// request.
func (m *Manager) StartPreview(ctx context.Context, preview device.Surface) error {
	m.mu.Lock()
	if m.state != Open {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("start preview from %s: %w", state, camerr.ErrInvalidState)
	}
	dev, p := m.dev, m.profile
	m.setState(Configuring)

	outputs := []device.Surface{preview}
	if p.Topology == device.DualSurface {
		reader, err := dev.NewImageReader(m.opts.StillWidth, m.opts.StillHeight, m.opts.StillFormat, m.opts.MaxImages)
		if err != nil {
			err = fmt.Errorf("%w: allocate still surface: %v", camerr.ErrConfigure, err)
			m.failure = err
			h := m.detach()
			m.setState(Failed)
			m.mu.Unlock()
			h.release()
			return err
		}
		m.reader = reader
		m.guard.StillCaptureReady = true
		outputs = append(outputs, reader)
	}

	op := pending.New[device.Session]()
	untrack := m.track(func(err error) { op.Reject(err) })
	m.mu.Unlock()
	defer untrack()

	debug.Verbose("session: configuring %d output(s)", len(outputs))
	err := dev.CreateSession(outputs, device.SessionCallback{
		OnConfigured: func(s device.Session) {
			if !op.Resolve(s) {
				_ = s.Close()
			}
		},
		OnConfigureFailed: func(device.Session) {
			op.Reject(camerr.ErrConfigure)
		},
	})
	if err != nil {
		op.Reject(fmt.Errorf("%w: %v", camerr.ErrConfigure, err))
	}

	sess, err := op.Wait(ctx)

	m.mu.Lock()
	if err != nil {
		var h handles
		if m.state == Configuring {
			m.failure = err
			h = m.detach()
			m.setState(Failed)
		}
		m.mu.Unlock()
		h.release()
		return err
	}
	if m.state != Configuring {
		m.mu.Unlock()
		_ = sess.Close()
		return camerr.ErrSessionClosed
	}
	m.sess = sess
	m.setState(Configured)

	req := request.New(p, request.Preview, m.opts.Request, preview)
	debug.Verbose("session: preview request %v", req.Params)
	_, err = sess.SetRepeatingRequest(req, device.CaptureCallback{
		OnCompleted: func(_ device.Request, r device.Result) {
			m.previewFrames.Add(1)
			debug.Frame("preview", r.Timestamp)
		},
		OnFailed: func(_ device.Request, f device.Failure) {
			debug.Trace("preview frame %d failed: %s", f.FrameNumber, f.Reason)
		},
	})
	if err != nil {
		err = fmt.Errorf("start repeating request: %w", err)
		m.failure = err
		h := m.detach()
		m.setState(Failed)
		m.mu.Unlock()
		h.release()
		return err
	}
	m.setState(Previewing)
	m.mu.Unlock()
	return nil
}

// Target is what a still capture needs from the live session.
type Target struct {
	Profile device.Profile
	Session device.Session
	Reader  device.ImageReader
	Request request.Options
}

// BeginCapture moves Previewing to Capturing and hands out the still target.
// abort is run if the session is torn down or lost before the returned end
// function is called; end moves the session back to Previewing.
func (m *Manager) BeginCapture(abort func(error)) (Target, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state == Capturing:
		return Target{}, nil, camerr.ErrCaptureInProgress
	case m.state == Closing || m.state == Closed:
		return Target{}, nil, camerr.ErrSessionClosed
	case m.state == Failed && m.failure != nil:
		return Target{}, nil, fmt.Errorf("%w: %w", camerr.ErrStillCaptureUnavailable, m.failure)
	case m.state != Previewing:
		return Target{}, nil, fmt.Errorf("%w: session is %s", camerr.ErrStillCaptureUnavailable, m.state)
	case !m.guard.StillCaptureReady || m.reader == nil:
		return Target{}, nil, fmt.Errorf("%w: %s topology", camerr.ErrStillCaptureUnavailable, m.profile.Topology)
	}

	m.setState(Capturing)
	untrack := m.track(abort)
	t := Target{Profile: m.profile, Session: m.sess, Reader: m.reader, Request: m.opts.Request}

	var once sync.Once
	end := func() {
		once.Do(func() {
			untrack()
			m.mu.Lock()
			if m.state == Capturing {
				m.setState(Previewing)
			}
			m.mu.Unlock()
		})
	}
	return t, end, nil
}

// Teardown closes everything the manager owns and settles every pending
// operation with camerr.ErrSessionClosed. It is idempotent and best effort.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.state == Unopened || m.state == Closed {
		m.guard = Guard{}
		m.mu.Unlock()
		return
	}
	aborts := m.takeAborts()
	m.setState(Closing)
	h := m.detach()
	m.guard = Guard{}
	m.mu.Unlock()

	for _, abort := range aborts {
		abort(camerr.ErrSessionClosed)
	}
	h.release()

	m.mu.Lock()
	m.guard = Guard{}
	if m.state == Closing {
		m.setState(Closed)
	}
	m.mu.Unlock()
	debug.Live("session: torn down")
}

// Pause is the host pause hook: whatever the state, the session is closed and
// the guard flags cleared so a later resume starts clean.
func (m *Manager) Pause() {
	m.Teardown()
}
