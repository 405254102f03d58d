package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/shutterbridge/internal/hw/device"
	"github.com/cjeanneret/shutterbridge/internal/hw/device/devicetest"
	"github.com/cjeanneret/shutterbridge/internal/logic/capture"
)

func result(ts int64, format device.PixelFormat) *capture.Result {
	img := devicetest.NewReader(format, 1).Deliver(ts)
	return &capture.Result{
		Image:       img,
		Metadata:    device.Result{Timestamp: ts, FrameNumber: 12},
		Orientation: 90,
		Format:      format,
		DeviceID:    "1",
	}
}

func TestFileSink_WritesImageAndSidecar(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "captures")
	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sink.Now = func() time.Time { return fixed }

	res := result(123456, device.FormatJPEG)
	path, err := sink.Save(res)
	require.NoError(t, err)

	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "IMG_123456_"))
	assert.Equal(t, ".jpg", filepath.Ext(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, res.Image.Bytes(), data)

	meta, err := ReadSidecar(path)
	require.NoError(t, err)
	assert.Equal(t, "1", meta.DeviceID)
	assert.Equal(t, int64(123456), meta.Timestamp)
	assert.Equal(t, int64(12), meta.FrameNumber)
	assert.Equal(t, 90, meta.Orientation)
	assert.Equal(t, "JPEG", meta.Format)
	assert.Equal(t, len(data), meta.Bytes)
	assert.True(t, fixed.Equal(meta.SavedAt))
	assert.Contains(t, filepath.Base(path), meta.ID)

	assert.False(t, res.Image.(*devicetest.Image).Released(), "the sink must not release the image")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temporary files left behind")
}

func TestFileSink_UniqueNames(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	a, err := sink.Save(result(1, device.FormatRAW))
	require.NoError(t, err)
	b, err := sink.Save(result(1, device.FormatRAW))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, ".dng", filepath.Ext(a))
}

func TestFileSink_Errors(t *testing.T) {
	_, err := NewFileSink("")
	assert.Error(t, err)

	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	_, err = sink.Save(nil)
	assert.Error(t, err)
	_, err = sink.Save(&capture.Result{})
	assert.Error(t, err)
}

func TestFileSink_SidecarFailureRemovesImage(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	id := uuid.MustParse("6f1c2c7e-3a43-4a8e-9b52-0d6c1f0a9e11")
	sink.NewID = func() uuid.UUID { return id }

	// A directory in the sidecar's place makes its rename fail.
	blocker := filepath.Join(dir, "IMG_42_"+id.String()+".yaml")
	require.NoError(t, os.Mkdir(blocker, 0o755))

	path, err := sink.Save(result(42, device.FormatJPEG))
	require.Error(t, err)
	assert.Empty(t, path)

	_, statErr := os.Stat(filepath.Join(dir, "IMG_42_"+id.String()+".jpg"))
	assert.True(t, os.IsNotExist(statErr), "image must not be left without its sidecar")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(blocker), entries[0].Name())
}
