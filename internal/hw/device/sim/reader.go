package sim

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"sync"

	"github.com/cjeanneret/shutterbridge/internal/debug"
	"github.com/cjeanneret/shutterbridge/internal/hw/device"
)

const maxPatternSide = 320

// reader is a still surface. Images are handed to the listener on the
// reader's own goroutine.
type reader struct {
	width, height int
	format        device.PixelFormat
	maxImages     int

	queue chan *simImage
	done  chan struct{}

	deliver sync.Mutex // held while the listener runs

	mu          sync.Mutex
	listener    func(device.Image)
	held        []*simImage
	outstanding int
	closed      bool
}

func newReader(width, height int, format device.PixelFormat, maxImages int) *reader {
	r := &reader{
		width:     width,
		height:    height,
		format:    format,
		maxImages: maxImages,
		queue:     make(chan *simImage, maxImages),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *reader) Name() string               { return "still" }
func (r *reader) Format() device.PixelFormat { return r.format }

// produce claims a buffer slot for an image stamped ts. When every slot is in
// use the frame is dropped, as a real producer would.
func (r *reader) produce(ts int64) {
	r.mu.Lock()
	if r.closed || r.outstanding >= r.maxImages {
		r.mu.Unlock()
		debug.Trace("sim: still surface full, dropping frame %d", ts)
		return
	}
	r.outstanding++
	r.mu.Unlock()

	img := &simImage{ts: ts, format: r.format, data: r.pattern(ts), reader: r}
	select {
	case r.queue <- img:
	case <-r.done:
		img.Close()
	}
}

func (r *reader) run() {
	for {
		select {
		case <-r.done:
			return
		case img := <-r.queue:
			r.dispatch(img)
		}
	}
}

func (r *reader) dispatch(img *simImage) {
	r.deliver.Lock()
	defer r.deliver.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		img.Close()
		return
	}
	fn := r.listener
	if fn == nil {
		r.held = append(r.held, img)
	}
	r.mu.Unlock()

	if fn != nil {
		fn(img)
	}
}

func (r *reader) SetOnImageAvailable(fn func(device.Image)) {
	r.deliver.Lock()
	defer r.deliver.Unlock()
	r.mu.Lock()
	r.listener = fn
	r.mu.Unlock()
}

func (r *reader) AcquireNextImage() (device.Image, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.held) == 0 {
		return nil, false
	}
	img := r.held[0]
	r.held = r.held[1:]
	return img, true
}

func (r *reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	held := r.held
	r.held = nil
	r.mu.Unlock()

	close(r.done)
	for _, img := range held {
		img.Close()
	}
	for {
		select {
		case img := <-r.queue:
			img.Close()
		default:
			return nil
		}
	}
}

func (r *reader) release() {
	r.mu.Lock()
	r.outstanding--
	r.mu.Unlock()
}

// pattern renders a gradient test card whose blue channel carries the low
// byte of ts, so consecutive frames differ.
func (r *reader) pattern(ts int64) []byte {
	w, h := r.width, r.height
	if w > maxPatternSide {
		h = h * maxPatternSide / w
		w = maxPatternSide
	}
	if h > maxPatternSide {
		w = w * maxPatternSide / h
		h = maxPatternSide
	}
	w, h = max(w, 1), max(h, 1)

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: uint8(ts),
				A: 0xff,
			})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		debug.Error(err)
		return nil
	}
	return buf.Bytes()
}

type simImage struct {
	ts     int64
	format device.PixelFormat
	data   []byte
	reader *reader
	once   sync.Once
}

func (i *simImage) Timestamp() int64           { return i.ts }
func (i *simImage) Format() device.PixelFormat { return i.format }
func (i *simImage) Bytes() []byte              { return i.data }

func (i *simImage) Close() {
	i.once.Do(i.reader.release)
}
