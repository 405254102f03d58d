package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// SimDeviceConfig describes one simulated device.
type SimDeviceConfig struct {
	ID                string   `yaml:"id"`
	Capabilities      []string `yaml:"capabilities"`
	HardwareLevel     string   `yaml:"hardware_level"`     // LEGACY, LIMITED, FULL, LEVEL_3
	TimestampSource   string   `yaml:"timestamp_source"`   // REALTIME or UNKNOWN
	SensorOrientation int      `yaml:"sensor_orientation"` // degrees
}

// SimConfig configures the simulated backend.
type SimConfig struct {
	Devices         []SimDeviceConfig `yaml:"devices"`           // empty = built-in pair
	FrameIntervalMs int               `yaml:"frame_interval_ms"` // repeating request period
	OpenLatencyMs   int               `yaml:"open_latency_ms"`   // delay before open/configure callbacks
	StillLatencyMs  int               `yaml:"still_latency_ms"`  // delay before a still result
}

// DeviceConfig selects and shapes the capture device.
type DeviceConfig struct {
	Backend            string    `yaml:"backend"`             // only "sim" ships
	RequiredCapability string    `yaml:"required_capability"` // e.g. BACKWARD_COMPATIBLE
	Topology           string    `yaml:"topology"`            // auto, single or dual
	UpsideDown         bool      `yaml:"upside_down"`         // optics mounted upside down
	Sim                SimConfig `yaml:"sim"`
}

// CaptureConfig holds still-capture parameters.
type CaptureConfig struct {
	TimeoutMs     int    `yaml:"timeout_ms" json:"timeout_ms"`         // deadline for a matching image
	QueueCapacity int    `yaml:"queue_capacity" json:"queue_capacity"` // bounded image queue
	PixelFormat   string `yaml:"pixel_format" json:"pixel_format"`     // JPEG, DEPTH_JPEG, RAW_SENSOR, YUV_420_888
	Width         int    `yaml:"width" json:"width"`
	Height        int    `yaml:"height" json:"height"`
	OutputDir     string `yaml:"output_dir" json:"output_dir"`
}

// TriggerConfig describes the hardware shutter button.
type TriggerConfig struct {
	Enabled    bool `yaml:"enabled"`
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	ButtonPin  int  `yaml:"button_pin"`  // BCM, active low
	LEDPin     int  `yaml:"led_pin"`     // BCM, busy indicator
	DebounceMs int  `yaml:"debounce_ms"` // minimum time between presses
}

// WebConfig configures the control API.
type WebConfig struct {
	Addr string `yaml:"addr"`
}

// Config aggregates all application configuration.
type Config struct {
	Device     DeviceConfig  `yaml:"device"`
	Capture    CaptureConfig `yaml:"capture"`
	Trigger    TriggerConfig `yaml:"trigger"`
	Web        WebConfig     `yaml:"web"`
	DebugLevel int           `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
}

var (
	hardwareLevels = []string{"LEGACY", "LIMITED", "FULL", "LEVEL_3"}
	pixelFormats   = []string{"JPEG", "DEPTH_JPEG", "RAW_SENSOR", "YUV_420_888"}
	topologies     = []string{"auto", "single", "dual"}
)

// ValidateConfigPath accepts only .yaml files directly inside a directory
// named "configs", with no parent traversal.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	clean := filepath.Clean(path)
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("config file is empty")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Device.Backend == "" {
		c.Device.Backend = "sim"
	}
	if c.Device.RequiredCapability == "" {
		c.Device.RequiredCapability = "BACKWARD_COMPATIBLE"
	}
	if c.Device.Topology == "" {
		c.Device.Topology = "auto"
	}
	if c.Device.Sim.FrameIntervalMs <= 0 {
		c.Device.Sim.FrameIntervalMs = 33 // ~30 fps preview
	}
	if c.Device.Sim.OpenLatencyMs < 0 {
		c.Device.Sim.OpenLatencyMs = 0
	}
	if c.Capture.TimeoutMs <= 0 {
		c.Capture.TimeoutMs = 5000
	}
	if c.Capture.QueueCapacity <= 0 {
		c.Capture.QueueCapacity = 3
	}
	if c.Capture.PixelFormat == "" {
		c.Capture.PixelFormat = "JPEG"
	}
	if c.Capture.Width <= 0 {
		c.Capture.Width = 1920
	}
	if c.Capture.Height <= 0 {
		c.Capture.Height = 1080
	}
	if c.Capture.OutputDir == "" {
		c.Capture.OutputDir = "captures"
	}
	if c.Trigger.ButtonPin == 0 {
		c.Trigger.ButtonPin = 17
	}
	if c.Trigger.LEDPin == 0 {
		c.Trigger.LEDPin = 27
	}
	if c.Trigger.DebounceMs <= 0 {
		c.Trigger.DebounceMs = 250
	}
	if c.Web.Addr == "" {
		c.Web.Addr = ":8080"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Device.Backend != "sim" {
		return fmt.Errorf("device.backend %q is not supported", c.Device.Backend)
	}
	if !contains(topologies, c.Device.Topology) {
		return fmt.Errorf("device.topology must be one of %v, got %q", topologies, c.Device.Topology)
	}
	if !contains(pixelFormats, c.Capture.PixelFormat) {
		return fmt.Errorf("capture.pixel_format must be one of %v, got %q", pixelFormats, c.Capture.PixelFormat)
	}
	if c.Capture.QueueCapacity > 64 {
		return fmt.Errorf("capture.queue_capacity must be <= 64, got %d", c.Capture.QueueCapacity)
	}
	if c.DebugLevel < 0 || c.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be between 0 and 4, got %d", c.DebugLevel)
	}
	if c.Trigger.Enabled && c.Trigger.ButtonPin == c.Trigger.LEDPin {
		return fmt.Errorf("trigger.button_pin and trigger.led_pin must differ, both are %d", c.Trigger.ButtonPin)
	}
	seen := make(map[string]bool)
	for i, d := range c.Device.Sim.Devices {
		if d.ID == "" {
			return fmt.Errorf("device.sim.devices[%d].id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("device.sim.devices[%d].id %q is duplicated", i, d.ID)
		}
		seen[d.ID] = true
		if d.HardwareLevel != "" && !contains(hardwareLevels, d.HardwareLevel) {
			return fmt.Errorf("device.sim.devices[%d].hardware_level must be one of %v, got %q", i, hardwareLevels, d.HardwareLevel)
		}
		if d.TimestampSource != "" && d.TimestampSource != "REALTIME" && d.TimestampSource != "UNKNOWN" {
			return fmt.Errorf("device.sim.devices[%d].timestamp_source must be REALTIME or UNKNOWN, got %q", i, d.TimestampSource)
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Overrides are command-line adjustments. Zero values mean "use config".
type Overrides struct {
	TimeoutMs     int
	QueueCapacity int
	OutputDir     string
	DebugLevel    float64
}

// ValidateOverrides checks that non-zero overrides are within valid ranges.
func ValidateOverrides(o Overrides) error {
	if o.TimeoutMs < 0 || o.TimeoutMs > 60000 {
		return fmt.Errorf("timeout_ms must be between 1 and 60000, got %d", o.TimeoutMs)
	}
	if o.QueueCapacity < 0 || o.QueueCapacity > 64 {
		return fmt.Errorf("queue_capacity must be between 1 and 64, got %d", o.QueueCapacity)
	}
	if d := o.DebugLevel; d != 0 {
		if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 || d > 4 || d != math.Trunc(d) {
			return fmt.Errorf("debug level must be an integer between 0 and 4, got %g", d)
		}
	}
	return nil
}

// ApplyOverrides returns a copy of c with the non-zero overrides applied.
func (c *Config) ApplyOverrides(o Overrides) *Config {
	cfg := *c
	if o.TimeoutMs > 0 {
		cfg.Capture.TimeoutMs = o.TimeoutMs
	}
	if o.QueueCapacity > 0 {
		cfg.Capture.QueueCapacity = o.QueueCapacity
	}
	if o.OutputDir != "" {
		cfg.Capture.OutputDir = o.OutputDir
	}
	if o.DebugLevel > 0 {
		cfg.DebugLevel = int(o.DebugLevel)
	}
	return &cfg
}

// CaptureTimeout returns the deadline for a matching still image.
func (c *Config) CaptureTimeout() time.Duration {
	return time.Duration(c.Capture.TimeoutMs) * time.Millisecond
}

// FrameInterval returns the simulated preview period.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(c.Device.Sim.FrameIntervalMs) * time.Millisecond
}

// OpenLatency returns the simulated open and configure delay.
func (c *Config) OpenLatency() time.Duration {
	return time.Duration(c.Device.Sim.OpenLatencyMs) * time.Millisecond
}

// StillLatency returns the simulated delay before a still result.
func (c *Config) StillLatency() time.Duration {
	return time.Duration(c.Device.Sim.StillLatencyMs) * time.Millisecond
}

// Debounce returns the minimum time between accepted button presses.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Trigger.DebounceMs) * time.Millisecond
}
