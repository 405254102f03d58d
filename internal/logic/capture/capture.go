// Package capture issues one-shot still requests and pairs the image the
// still surface delivers with the frame metadata of that request.
package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/shutterbridge/internal/camerr"
	"github.com/cjeanneret/shutterbridge/internal/debug"
	"github.com/cjeanneret/shutterbridge/internal/hw/device"
	"github.com/cjeanneret/shutterbridge/internal/logic/pending"
	"github.com/cjeanneret/shutterbridge/internal/logic/request"
	"github.com/cjeanneret/shutterbridge/internal/logic/session"
)

const (
	DefaultTimeout       = 5 * time.Second
	DefaultQueueCapacity = 3
)

// Reasons reported to Observer.ImageReleased.
const (
	ReleaseStale     = "stale"     // left in the reader by an earlier capture
	ReleaseUnmatched = "unmatched" // timestamp did not match the request
	ReleaseOverflow  = "overflow"  // dropped to make room in the queue
	ReleaseLate      = "late"      // arrived after the capture settled
	ReleaseDrained   = "drained"   // still queued when the capture ended
)

// Sessions hands out the live still target. *session.Manager implements it.
type Sessions interface {
	BeginCapture(abort func(error)) (session.Target, func(), error)
}

// OrientationProvider returns the current device orientation in degrees.
type OrientationProvider interface {
	Orientation() int
}

// OrientationFunc adapts a function to OrientationProvider.
type OrientationFunc func() int

func (f OrientationFunc) Orientation() int { return f() }

// Observer is notified of every image the synchronizer releases on the
// caller's behalf.
type Observer interface {
	ImageReleased(reason string)
}

type Options struct {
	Timeout       time.Duration
	QueueCapacity int
	Orientation   OrientationProvider
	Observer      Observer
}

// Result is a matched image and its metadata. The caller owns Image and must
// call Release.
type Result struct {
	Image       device.Image
	Metadata    device.Result
	Orientation int
	Format      device.PixelFormat
	DeviceID    string
}

// Release returns the image to the producer. It is safe to call more than once.
func (r *Result) Release() {
	if r == nil || r.Image == nil {
		return
	}
	r.Image.Close()
	r.Image = nil
}

// Synchronizer runs at most one still capture at a time.
type Synchronizer struct {
	sessions Sessions
	opts     Options
	inFlight atomic.Bool
}

func NewSynchronizer(s Sessions, opts Options) *Synchronizer {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	return &Synchronizer{sessions: s, opts: opts}
}

// Capture submits one still request and waits for its matched image. A call
// made while another capture is outstanding fails with
// camerr.ErrCaptureInProgress.
func (s *Synchronizer) Capture(ctx context.Context) (*Result, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, camerr.ErrCaptureInProgress
	}
	defer s.inFlight.Store(false)

	op := pending.New[*Result]()
	target, end, err := s.sessions.BeginCapture(func(err error) { op.Reject(err) })
	if err != nil {
		return nil, err
	}
	defer end()

	reader := target.Reader
	s.drainStale(reader)

	pc := &pendingCapture{
		op:       op,
		fifo:     make(chan device.Image, s.opts.QueueCapacity),
		observer: s.opts.Observer,
	}
	reader.SetOnImageAvailable(pc.enqueue)

	timer := time.AfterFunc(s.opts.Timeout, func() {
		if op.Reject(camerr.ErrCaptureTimeout) {
			debug.Live("capture: no matching image within %s", s.opts.Timeout)
		}
	})

	exempt := exemptFromMatching(target.Profile, reader.Format())
	req := request.New(target.Profile, request.Still, target.Request, reader)
	debug.Verbose("capture: still request %v", req.Params)

	_, err = target.Session.Capture(req, device.CaptureCallback{
		OnCompleted: func(_ device.Request, meta device.Result) {
			debug.Frame("still result", meta.Timestamp)
			pc.startMatch(func() {
				pc.match(meta, exempt, func(img device.Image) *Result {
					return &Result{
						Image:       img,
						Metadata:    meta,
						Orientation: s.orientation(target.Request),
						Format:      reader.Format(),
						DeviceID:    target.Profile.ID,
					}
				})
			})
		},
		OnFailed: func(_ device.Request, f device.Failure) {
			op.Reject(&camerr.CaptureFailedError{Reason: f.Reason, FrameNumber: f.FrameNumber})
		},
	})
	if err != nil {
		op.Reject(fmt.Errorf("submit still request: %w", err))
	}

	res, err := op.Wait(ctx)

	timer.Stop()
	// Images for this request can still arrive; release them as they come.
	reader.SetOnImageAvailable(s.releaseLate)
	pc.finish()

	if err != nil {
		return nil, err
	}
	debug.Shot(res.Metadata.Timestamp, res.Metadata.FrameNumber, res.Orientation)
	return res, nil
}

func (s *Synchronizer) drainStale(reader device.ImageReader) {
	for {
		img, ok := reader.AcquireNextImage()
		if !ok {
			return
		}
		debug.Trace("capture: releasing stale image %d", img.Timestamp())
		img.Close()
		s.released(ReleaseStale)
	}
}

// releaseLate is the listener left on the still reader between captures.
func (s *Synchronizer) releaseLate(img device.Image) {
	debug.Trace("capture: releasing late image %d", img.Timestamp())
	img.Close()
	s.released(ReleaseLate)
}

func (s *Synchronizer) released(reason string) {
	if s.opts.Observer != nil {
		s.opts.Observer.ImageReleased(reason)
	}
}

func (s *Synchronizer) orientation(opts request.Options) int {
	deg := 0
	if s.opts.Orientation != nil {
		deg = s.opts.Orientation.Orientation()
	}
	if opts.UpsideDown {
		deg += request.UpsideDownRotation
	}
	return NormalizeOrientation(deg)
}

// NormalizeOrientation rounds deg to the nearest multiple of 90 in [0, 360).
func NormalizeOrientation(deg int) int {
	deg = ((deg % 360) + 360) % 360
	return (deg + 45) / 90 * 90 % 360
}

// exemptFromMatching reports whether result and image timestamps cannot be
// compared, in which case the first delivered image is accepted.
func exemptFromMatching(p device.Profile, format device.PixelFormat) bool {
	return format == device.FormatDepthJPEG || p.Characteristics.TimestampSource == device.TimestampUnknown
}

// pendingCapture correlates one outstanding still request with the images
// queued for it.
type pendingCapture struct {
	op       *pending.Operation[*Result]
	fifo     chan device.Image
	observer Observer

	mu       sync.Mutex
	finished bool
	started  bool
	matching sync.WaitGroup
}

func (pc *pendingCapture) released(reason string) {
	if pc.observer != nil {
		pc.observer.ImageReleased(reason)
	}
}

// enqueue runs on the image-delivery goroutine. When the queue is full the
// oldest image is released before the new one is accepted.
func (pc *pendingCapture) enqueue(img device.Image) {
	debug.Frame("still image", img.Timestamp())
	if pc.op.Settled() {
		img.Close()
		pc.released(ReleaseLate)
		return
	}
	for {
		select {
		case pc.fifo <- img:
			return
		default:
		}
		select {
		case old := <-pc.fifo:
			debug.Trace("capture: queue full, releasing image %d", old.Timestamp())
			old.Close()
			pc.released(ReleaseOverflow)
		default:
		}
	}
}

// startMatch runs fn on its own goroutine, once, unless the capture has
// already finished.
func (pc *pendingCapture) startMatch(fn func()) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.finished || pc.started {
		return
	}
	pc.started = true
	pc.matching.Add(1)
	go func() {
		defer pc.matching.Done()
		fn()
	}()
}

// match dequeues images until one carries meta's timestamp, releasing every
// other image it sees. It returns once the operation is settled.
func (pc *pendingCapture) match(meta device.Result, exempt bool, build func(device.Image) *Result) {
	for {
		select {
		case img := <-pc.fifo:
			if !exempt && img.Timestamp() != meta.Timestamp {
				debug.Trace("capture: image %d does not match %d, releasing", img.Timestamp(), meta.Timestamp)
				img.Close()
				pc.released(ReleaseUnmatched)
				continue
			}
			if !pc.op.Resolve(build(img)) {
				img.Close()
				pc.released(ReleaseLate)
			} else {
				debug.Verbose("capture: matched image %d to frame %d", img.Timestamp(), meta.FrameNumber)
			}
			return
		case <-pc.op.Done():
			return
		}
	}
}

// finish stops new matchers, waits for a running one and releases whatever is
// still queued. The image listener must already be replaced.
func (pc *pendingCapture) finish() {
	pc.mu.Lock()
	pc.finished = true
	pc.mu.Unlock()
	pc.matching.Wait()
	for {
		select {
		case img := <-pc.fifo:
			img.Close()
			pc.released(ReleaseDrained)
		default:
			return
		}
	}
}
