package devicetest

import (
	"sync"
	"sync/atomic"

	"github.com/cjeanneret/shutterbridge/internal/hw/device"
)

// Reader is a fake device.ImageReader with a bounded pool of buffer slots.
type Reader struct {
	format    device.PixelFormat
	maxImages int

	deliver sync.Mutex // held while the listener runs

	mu          sync.Mutex
	listener    func(device.Image)
	held        []*Image
	outstanding int
	dropped     int
	closed      bool
}

// NewReader returns a reader holding at most maxImages unreleased images.
func NewReader(format device.PixelFormat, maxImages int) *Reader {
	return &Reader{format: format, maxImages: maxImages}
}

func (r *Reader) Name() string { return "still-reader" }

func (r *Reader) Format() device.PixelFormat { return r.format }

// Deliver produces an image with timestamp ts on the calling goroutine. It
// returns nil when every buffer slot is in use and the frame is dropped.
func (r *Reader) Deliver(ts int64) *Image {
	r.mu.Lock()
	if r.closed || r.outstanding >= r.maxImages {
		r.dropped++
		r.mu.Unlock()
		return nil
	}
	r.outstanding++
	img := &Image{ts: ts, format: r.format, reader: r}
	r.mu.Unlock()

	r.deliver.Lock()
	defer r.deliver.Unlock()

	r.mu.Lock()
	fn := r.listener
	if fn == nil {
		r.held = append(r.held, img)
	}
	r.mu.Unlock()

	if fn != nil {
		fn(img)
	}
	return img
}

func (r *Reader) SetOnImageAvailable(fn func(device.Image)) {
	// Wait for any delivery in progress.
	r.deliver.Lock()
	defer r.deliver.Unlock()
	r.mu.Lock()
	r.listener = fn
	r.mu.Unlock()
}

func (r *Reader) AcquireNextImage() (device.Image, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.held) == 0 {
		return nil, false
	}
	img := r.held[0]
	r.held = r.held[1:]
	return img, true
}

func (r *Reader) Close() error {
	r.mu.Lock()
	held := r.held
	r.held = nil
	r.closed = true
	r.mu.Unlock()
	for _, img := range held {
		img.Close()
	}
	return nil
}

// Outstanding returns the number of delivered but unreleased images.
func (r *Reader) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outstanding
}

// Held returns the number of images waiting in the reader.
func (r *Reader) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}

// HasListener reports whether a listener is installed.
func (r *Reader) HasListener() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listener != nil
}

func (r *Reader) release() {
	r.mu.Lock()
	r.outstanding--
	r.mu.Unlock()
}

// Image is a fake device.Image that records its release.
type Image struct {
	ts     int64
	format device.PixelFormat
	reader *Reader
	closes atomic.Int32
}

func (i *Image) Timestamp() int64 { return i.ts }
func (i *Image) Format() device.PixelFormat { return i.format }
func (i *Image) Bytes() []byte { return []byte{0xFF, 0xD8, byte(i.ts), 0xFF, 0xD9} }

func (i *Image) Close() {
	if i.closes.Add(1) == 1 && i.reader != nil {
		i.reader.release()
	}
}

// Released reports whether Close was called at least once.
func (i *Image) Released() bool { return i.closes.Load() > 0 }

// Closes returns how many times Close was called.
func (i *Image) Closes() int { return int(i.closes.Load()) }
