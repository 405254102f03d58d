// Package camera is the facade the command and the web API drive: device
// selection, session handles, preview, still capture, persistence and the
// pause/resume lifecycle hooks.
package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cjeanneret/shutterbridge/internal/camerr"
	"github.com/cjeanneret/shutterbridge/internal/debug"
	"github.com/cjeanneret/shutterbridge/internal/hw/device"
	"github.com/cjeanneret/shutterbridge/internal/logic/capture"
	"github.com/cjeanneret/shutterbridge/internal/logic/selector"
	"github.com/cjeanneret/shutterbridge/internal/logic/session"
	"github.com/cjeanneret/shutterbridge/internal/metrics"
	"github.com/cjeanneret/shutterbridge/internal/storage"
)

const tracerName = "github.com/cjeanneret/shutterbridge/internal/camera"

// Options wires the orchestrator to its collaborators.
type Options struct {
	RequiredCapability device.Capability
	Topology           device.TopologyMode
	Session            session.Options

	// Capture.Observer is ignored; released images are counted by Metrics.
	Capture capture.Options

	// Preview is the surface used by Start and Resume.
	Preview device.Surface
	Sink    storage.Sink
	Metrics *metrics.Recorder
	Tracer  trace.Tracer
}

// Handle identifies one successful open. It goes stale when the session is
// closed, fails or is reopened.
type Handle struct {
	ID       uuid.UUID      `json:"id"`
	DeviceID string         `json:"device_id"`
	Profile  device.Profile `json:"-"`
}

// Status is a snapshot for the control API.
type Status struct {
	State             string `json:"state"`
	Session           string `json:"session,omitempty"`
	DeviceID          string `json:"device_id,omitempty"`
	Topology          string `json:"topology,omitempty"`
	Legacy            bool   `json:"legacy"`
	Initializing      bool   `json:"initializing"`
	StillCaptureReady bool   `json:"still_capture_ready"`
	PreviewFrames     int64  `json:"preview_frames"`
	Failure           string `json:"failure,omitempty"`
	Disconnected      bool   `json:"disconnected"`
	LastCapture       string `json:"last_capture,omitempty"`
}

// Orchestrator owns one session manager and one capture synchronizer.
//
// Lock order: the session manager calls transition with its own lock held,
// so o.mu is never held while calling into the session manager.
type Orchestrator struct {
	hw       device.Manager
	opts     Options
	sessions *session.Manager
	stills   *capture.Synchronizer
	tracer   trace.Tracer

	mu          sync.Mutex
	live        bool
	handle      *Handle
	preview     device.Surface
	lastCapture string
}

// New builds an orchestrator over hw. Nothing is opened until Start or
// OpenSession.
func New(hw device.Manager, opts Options) *Orchestrator {
	if opts.RequiredCapability == "" {
		opts.RequiredCapability = device.CapBackwardCompatible
	}
	if opts.Topology == "" {
		opts.Topology = device.TopologyAuto
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}

	o := &Orchestrator{hw: hw, opts: opts, tracer: opts.Tracer, preview: opts.Preview}

	sessOpts := opts.Session
	observe := sessOpts.OnTransition
	sessOpts.OnTransition = func(from, to session.State) {
		o.transition(from, to)
		if observe != nil {
			observe(from, to)
		}
	}
	o.sessions = session.NewManager(hw, sessOpts)

	capOpts := opts.Capture
	capOpts.Observer = opts.Metrics
	if capOpts.Orientation == nil {
		capOpts.Orientation = capture.OrientationFunc(func() int {
			return o.sessions.Profile().Characteristics.SensorOrientation
		})
	}
	o.stills = capture.NewSynchronizer(o.sessions, capOpts)
	return o
}

// transition runs under the session manager lock.
func (o *Orchestrator) transition(from, to session.State) {
	o.opts.Metrics.SessionTransition(from, to)

	o.mu.Lock()
	defer o.mu.Unlock()
	switch to {
	case session.Open:
		o.live = true
	case session.Opening, session.Closing, session.Closed, session.Failed:
		o.live = false
		o.handle = nil
	}
}

// check returns camerr.ErrSessionClosed unless h is the current handle.
func (o *Orchestrator) check(h *Handle) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h == nil || h != o.handle {
		return camerr.ErrSessionClosed
	}
	return nil
}

// Current returns the live handle, or nil.
func (o *Orchestrator) Current() *Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handle
}

// SelectDevice picks the first device advertising the required capability,
// falling back to the first enumerated one.
func (o *Orchestrator) SelectDevice() (string, error) {
	return selector.Select(o.hw, o.opts.RequiredCapability)
}

// OpenSession classifies and opens id. Concurrent calls share one attempt
// and receive the same handle.
func (o *Orchestrator) OpenSession(ctx context.Context, id string) (h *Handle, err error) {
	ctx, span := o.tracer.Start(ctx, "camera.open", trace.WithAttributes(attribute.String("device.id", id)))
	defer func() { endSpan(span, err) }()

	chars, err := o.hw.Characteristics(id)
	if err != nil {
		return nil, fmt.Errorf("characteristics of %q: %w", id, err)
	}
	profile := device.NewProfile(id, chars, o.opts.Topology)
	span.SetAttributes(
		attribute.String("device.topology", profile.Topology.String()),
		attribute.Bool("device.legacy", profile.Legacy),
	)

	if err := o.sessions.Open(ctx, profile); err != nil {
		return nil, err
	}
	opened := o.sessions.Profile()

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.live {
		return nil, camerr.ErrSessionClosed
	}
	if o.handle == nil {
		o.handle = &Handle{ID: uuid.New(), DeviceID: opened.ID, Profile: opened}
		debug.Info("camera: session %s on device %s (%s)", o.handle.ID, opened.ID, opened.Topology)
	}
	return o.handle, nil
}

// StartPreview configures the session over preview and starts the repeating
// preview request.
func (o *Orchestrator) StartPreview(ctx context.Context, h *Handle, preview device.Surface) (err error) {
	if err := o.check(h); err != nil {
		return err
	}
	ctx, span := o.tracer.Start(ctx, "camera.preview", trace.WithAttributes(attribute.String("session.id", h.ID.String())))
	defer func() { endSpan(span, err) }()

	o.mu.Lock()
	o.preview = preview
	o.mu.Unlock()
	return o.sessions.StartPreview(ctx, preview)
}

// CaptureStill issues one still request and returns the matched image. The
// caller must Release the result.
func (o *Orchestrator) CaptureStill(ctx context.Context, h *Handle) (res *capture.Result, err error) {
	if err := o.check(h); err != nil {
		return nil, err
	}
	ctx, span := o.tracer.Start(ctx, "camera.capture", trace.WithAttributes(attribute.String("session.id", h.ID.String())))
	start := time.Now()
	defer func() {
		o.opts.Metrics.ObserveCapture(err, time.Since(start))
		if res != nil {
			span.SetAttributes(
				attribute.Int64("capture.timestamp", res.Metadata.Timestamp),
				attribute.Int("capture.orientation", res.Orientation),
			)
		}
		endSpan(span, err)
	}()

	return o.stills.Capture(ctx)
}

// Teardown closes the session h refers to. A stale handle is ignored while a
// newer session is live. It is idempotent.
func (o *Orchestrator) Teardown(h *Handle) {
	o.mu.Lock()
	current := o.handle
	o.mu.Unlock()
	if current != nil && h != current {
		debug.Verbose("camera: ignoring teardown of stale session")
		return
	}
	o.sessions.Teardown()
}

// Start selects a device, opens it and starts the preview on the configured
// preview surface.
func (o *Orchestrator) Start(ctx context.Context) (*Handle, error) {
	id, err := o.SelectDevice()
	if err != nil {
		return nil, err
	}
	h, err := o.OpenSession(ctx, id)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	preview := o.preview
	o.mu.Unlock()
	if preview == nil {
		return h, nil
	}
	if err := o.StartPreview(ctx, h, preview); err != nil {
		return nil, err
	}
	return h, nil
}

// Pause closes whatever is open and clears the guard flags.
func (o *Orchestrator) Pause() {
	debug.Live("camera: pause")
	o.sessions.Pause()
}

// Resume reruns the full open path when no usable device handle exists and
// returns the live handle otherwise.
func (o *Orchestrator) Resume(ctx context.Context) (*Handle, error) {
	if !o.sessions.NeedsReopen() {
		if h := o.Current(); h != nil {
			return h, nil
		}
	}
	debug.Live("camera: resume, reopening")
	return o.Start(ctx)
}

// Shoot captures one still, hands it to the sink and releases it. It returns
// the stored artifact reference.
func (o *Orchestrator) Shoot(ctx context.Context) (path string, err error) {
	if o.opts.Sink == nil {
		return "", errors.New("camera: no persistence sink configured")
	}
	ctx, span := o.tracer.Start(ctx, "camera.shoot")
	defer func() { endSpan(span, err) }()

	res, err := o.CaptureStill(ctx, o.Current())
	if err != nil {
		return "", err
	}
	defer res.Release()

	path, err = o.opts.Sink.Save(res)
	if err != nil {
		return "", fmt.Errorf("store capture: %w", err)
	}
	span.SetAttributes(attribute.String("capture.path", path))

	o.mu.Lock()
	o.lastCapture = path
	o.mu.Unlock()
	debug.Live("camera: stored %s", path)
	return path, nil
}

// Disconnected is closed once the device reports a disconnect. The camera
// feature must then be shut down.
func (o *Orchestrator) Disconnected() <-chan struct{} {
	return o.sessions.Disconnected()
}

// Status returns a snapshot of the session.
func (o *Orchestrator) Status() Status {
	state := o.sessions.State()
	guard := o.sessions.Guard()
	p := o.sessions.Profile()

	s := Status{
		State:             state.String(),
		Initializing:      guard.Initializing,
		StillCaptureReady: guard.StillCaptureReady,
		PreviewFrames:     o.sessions.PreviewFrames(),
	}
	if state != session.Unopened {
		s.DeviceID = p.ID
		s.Topology = p.Topology.String()
		s.Legacy = p.Legacy
	}
	if err := o.sessions.Failure(); err != nil {
		s.Failure = err.Error()
	}
	select {
	case <-o.sessions.Disconnected():
		s.Disconnected = true
	default:
	}

	o.mu.Lock()
	if o.handle != nil {
		s.Session = o.handle.ID.String()
	}
	s.LastCapture = o.lastCapture
	o.mu.Unlock()
	return s
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
