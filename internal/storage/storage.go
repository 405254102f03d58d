// Package storage persists matched still captures.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/shutterbridge/internal/debug"
	"github.com/cjeanneret/shutterbridge/internal/logic/capture"
)

// Sink stores a capture and returns a reference to the stored artifact. It
// does not release the image.
type Sink interface {
	Save(res *capture.Result) (string, error)
}

// Sidecar is the metadata written next to every image.
type Sidecar struct {
	ID          string    `yaml:"id"`
	DeviceID    string    `yaml:"device_id"`
	Timestamp   int64     `yaml:"timestamp_ns"`
	FrameNumber int64     `yaml:"frame_number"`
	Orientation int       `yaml:"orientation"`
	Format      string    `yaml:"format"`
	Bytes       int       `yaml:"bytes"`
	SavedAt     time.Time `yaml:"saved_at"`
}

// FileSink writes images as IMG_<timestamp>_<uuid>.<ext> with a .yaml
// sidecar in Dir.
type FileSink struct {
	Dir   string
	Now   func() time.Time
	NewID func() uuid.UUID
}

func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, errors.New("storage: empty output directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", dir, err)
	}
	return &FileSink{Dir: dir, Now: time.Now, NewID: uuid.New}, nil
}

func (s *FileSink) Save(res *capture.Result) (string, error) {
	if res == nil || res.Image == nil {
		return "", errors.New("storage: nothing to save")
	}
	data := res.Image.Bytes()
	if len(data) == 0 {
		return "", errors.New("storage: image has no data")
	}

	id := s.NewID()
	base := fmt.Sprintf("IMG_%d_%s", res.Metadata.Timestamp, id)
	path := filepath.Join(s.Dir, base+"."+res.Format.Extension())

	if err := writeFile(path, data); err != nil {
		return "", err
	}

	meta := Sidecar{
		ID:          id.String(),
		DeviceID:    res.DeviceID,
		Timestamp:   res.Metadata.Timestamp,
		FrameNumber: res.Metadata.FrameNumber,
		Orientation: res.Orientation,
		Format:      string(res.Format),
		Bytes:       len(data),
		SavedAt:     s.Now().UTC(),
	}
	out, err := yaml.Marshal(&meta)
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("storage: encode sidecar: %w", err)
	}
	if err := writeFile(filepath.Join(s.Dir, base+".yaml"), out); err != nil {
		// An image without its sidecar is not a stored capture.
		_ = os.Remove(path)
		return "", err
	}

	debug.Verbose("Storage: wrote %s (%d bytes)", path, len(data))
	return path, nil
}

// ReadSidecar loads the sidecar stored next to imagePath.
func ReadSidecar(imagePath string) (Sidecar, error) {
	ext := filepath.Ext(imagePath)
	data, err := os.ReadFile(imagePath[:len(imagePath)-len(ext)] + ".yaml")
	if err != nil {
		return Sidecar{}, fmt.Errorf("storage: read sidecar: %w", err)
	}
	var meta Sidecar
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return Sidecar{}, fmt.Errorf("storage: parse sidecar: %w", err)
	}
	return meta, nil
}

// writeFile writes through a temporary file so readers never see a partial
// image.
func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("storage: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("storage: rename %s: %w", tmp, err)
	}
	return nil
}
