package sim

import (
	"bytes"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/shutterbridge/internal/hw/device"
)

type surface string

func (s surface) Name() string { return string(s) }

func newSim(t *testing.T) *Manager {
	t.Helper()
	m := New(Options{FrameInterval: 2 * time.Millisecond})
	t.Cleanup(m.Close)
	return m
}

func open(t *testing.T, m *Manager, id string) (*Device, device.StateCallback, chan error) {
	t.Helper()
	opened := make(chan device.Device, 1)
	lost := make(chan error, 1)
	cb := device.StateCallback{
		OnOpened:       func(d device.Device) { opened <- d },
		OnDisconnected: func(device.Device) { lost <- nil },
		OnError: func(_ device.Device, code device.ErrorCode) {
			lost <- assert.AnError
			t.Logf("open error %s", code)
		},
	}
	require.NoError(t, m.Open(id, cb))
	select {
	case d := <-opened:
		return d.(*Device), cb, lost
	case <-time.After(time.Second):
		t.Fatal("device did not open")
		return nil, cb, lost
	}
}

func configure(t *testing.T, d *Device, outputs ...device.Surface) device.Session {
	t.Helper()
	ch := make(chan device.Session, 1)
	require.NoError(t, d.CreateSession(outputs, device.SessionCallback{
		OnConfigured:      func(s device.Session) { ch <- s },
		OnConfigureFailed: func(device.Session) { ch <- nil },
	}))
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("session not configured")
		return nil
	}
}

// ---------- enumeration ----------

func TestDeviceIDsAndCharacteristics(t *testing.T) {
	m := newSim(t)

	ids, err := m.DeviceIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1"}, ids)

	c, err := m.Characteristics("1")
	require.NoError(t, err)
	assert.True(t, c.Has(device.CapBackwardCompatible))
	assert.Equal(t, device.LevelFull, c.HardwareLevel)

	c.Capabilities[0] = "MUTATED"
	again, _ := m.Characteristics("1")
	assert.Equal(t, device.CapBackwardCompatible, again.Capabilities[0])

	m.SetFaults("1", Faults{CharacteristicsErr: true})
	_, err = m.Characteristics("1")
	assert.Error(t, err)

	_, err = m.Characteristics("9")
	assert.Error(t, err)
}

// ---------- open ----------

func TestOpen_SecondOpenIsBusy(t *testing.T) {
	m := newSim(t)
	open(t, m, "1")

	codes := make(chan device.ErrorCode, 1)
	require.NoError(t, m.Open("1", device.StateCallback{
		OnError: func(_ device.Device, code device.ErrorCode) { codes <- code },
	}))
	select {
	case code := <-codes:
		assert.Equal(t, device.ErrorCameraInUse, code)
	case <-time.After(time.Second):
		t.Fatal("no error reported")
	}
}

func TestOpen_InjectedError(t *testing.T) {
	m := newSim(t)
	m.SetFaults("0", Faults{OpenError: device.ErrorCameraDisabled})

	codes := make(chan device.ErrorCode, 1)
	require.NoError(t, m.Open("0", device.StateCallback{
		OnError: func(_ device.Device, code device.ErrorCode) { codes <- code },
	}))
	select {
	case code := <-codes:
		assert.Equal(t, device.ErrorCameraDisabled, code)
	case <-time.After(time.Second):
		t.Fatal("no error reported")
	}
}

func TestOpen_UnknownDevice(t *testing.T) {
	m := newSim(t)
	assert.Error(t, m.Open("nope", device.StateCallback{}))
}

// ---------- sessions ----------

func TestRepeatingRequestProducesResults(t *testing.T) {
	m := newSim(t)
	d, _, _ := open(t, m, "1")
	s := configure(t, d, surface("preview"))
	require.NotNil(t, s)

	results := make(chan device.Result, 16)
	_, err := s.SetRepeatingRequest(device.Request{Template: device.TemplatePreview}, device.CaptureCallback{
		OnCompleted: func(_ device.Request, r device.Result) {
			select {
			case results <- r:
			default:
			}
		},
	})
	require.NoError(t, err)

	first := <-results
	second := <-results
	assert.Greater(t, second.Timestamp, first.Timestamp)
	assert.Greater(t, second.FrameNumber, first.FrameNumber)

	require.NoError(t, s.StopRepeating())
	require.NoError(t, s.Close())
	_, err = s.SetRepeatingRequest(device.Request{}, device.CaptureCallback{})
	assert.Error(t, err)
}

func TestConfigureFailure(t *testing.T) {
	m := newSim(t)
	m.SetFaults("1", Faults{ConfigureFail: true})
	d, _, _ := open(t, m, "1")
	assert.Nil(t, configure(t, d, surface("preview")))
}

func TestStillCaptureDeliversMatchingImage(t *testing.T) {
	m := newSim(t)
	d, _, _ := open(t, m, "1")
	r, err := d.NewImageReader(640, 480, device.FormatJPEG, 2)
	require.NoError(t, err)
	s := configure(t, d, surface("preview"), r)

	images := make(chan device.Image, 1)
	r.SetOnImageAvailable(func(img device.Image) { images <- img })

	results := make(chan device.Result, 1)
	_, err = s.Capture(device.Request{Template: device.TemplateStillCapture, Targets: []device.Surface{r}}, device.CaptureCallback{
		OnCompleted: func(_ device.Request, res device.Result) { results <- res },
	})
	require.NoError(t, err)

	res := <-results
	img := <-images
	assert.Equal(t, res.Timestamp, img.Timestamp())
	assert.Equal(t, device.FormatJPEG, img.Format())

	decoded, err := jpeg.Decode(bytes.NewReader(img.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, maxPatternSide, decoded.Bounds().Dx())
	assert.Equal(t, 240, decoded.Bounds().Dy())

	img.Close()
	img.Close()
	r.SetOnImageAvailable(nil)
}

func TestStillCaptureHeldWithoutListener(t *testing.T) {
	m := newSim(t)
	d, _, _ := open(t, m, "1")
	r, err := d.NewImageReader(64, 48, device.FormatJPEG, 1)
	require.NoError(t, err)
	s := configure(t, d, surface("preview"), r)

	done := make(chan struct{}, 2)
	req := device.Request{Targets: []device.Surface{r}}
	cb := device.CaptureCallback{OnCompleted: func(device.Request, device.Result) { done <- struct{}{} }}
	_, err = s.Capture(req, cb)
	require.NoError(t, err)
	<-done

	var img device.Image
	require.Eventually(t, func() bool {
		var ok bool
		img, ok = r.AcquireNextImage()
		return ok
	}, time.Second, time.Millisecond)

	// The single slot is still in use, so the next frame is dropped.
	_, err = s.Capture(req, cb)
	require.NoError(t, err)
	<-done
	time.Sleep(10 * time.Millisecond)
	_, ok := r.AcquireNextImage()
	assert.False(t, ok)

	img.Close()
	require.NoError(t, r.Close())
}

func TestStillCaptureFaults(t *testing.T) {
	m := newSim(t)
	m.SetFaults("1", Faults{StillFailure: "focus lost"})
	d, _, _ := open(t, m, "1")
	s := configure(t, d, surface("preview"))

	failures := make(chan device.Failure, 1)
	_, err := s.Capture(device.Request{}, device.CaptureCallback{
		OnFailed: func(_ device.Request, f device.Failure) { failures <- f },
	})
	require.NoError(t, err)
	f := <-failures
	assert.Equal(t, "focus lost", f.Reason)
	assert.NotZero(t, f.FrameNumber)
}

func TestDisconnect(t *testing.T) {
	m := newSim(t)
	d, _, lost := open(t, m, "1")
	r, err := d.NewImageReader(64, 48, device.FormatJPEG, 1)
	require.NoError(t, err)
	configure(t, d, surface("preview"), r)

	require.NoError(t, m.Disconnect("1"))
	select {
	case err := <-lost:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("no disconnect callback")
	}
	_, ok := r.AcquireNextImage()
	assert.False(t, ok)

	assert.Error(t, m.Disconnect("0"), "device 0 was never opened")
}

func TestClosedDeviceRejectsWork(t *testing.T) {
	m := newSim(t)
	d, _, _ := open(t, m, "1")
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err := d.NewImageReader(64, 48, device.FormatJPEG, 1)
	assert.Error(t, err)
	assert.Error(t, d.CreateSession([]device.Surface{surface("p")}, device.SessionCallback{}))

	// A closed device can be opened again.
	open(t, m, "1")
}
