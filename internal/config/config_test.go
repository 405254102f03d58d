package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// ---------- ValidateConfigPath ----------

func TestValidateConfigPath_Valid(t *testing.T) {
	// Create a real configs/ directory so filepath.Abs resolves correctly.
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "default.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ValidateConfigPath(path); err != nil {
		t.Errorf("expected valid path, got error: %v", err)
	}
}

func TestValidateConfigPath_PathTraversal(t *testing.T) {
	cases := []string{
		"../../etc/passwd",
		"configs/../../../etc/shadow",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for traversal path %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_WrongExtension(t *testing.T) {
	cases := []string{
		"configs/default.json",
		"configs/default.yml",
		"configs/default.txt",
		"configs/default",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for extension in %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_NotInConfigsDir(t *testing.T) {
	cases := []string{
		"other/default.yaml",
		"default.yaml",
		"/tmp/default.yaml",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for path outside configs/ %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_EmptyPath(t *testing.T) {
	if err := ValidateConfigPath(""); err == nil {
		t.Error("expected error for empty path, got nil")
	}
}

func TestValidateConfigPath_VeryLongPath(t *testing.T) {
	long := "configs/" + strings.Repeat("a", 1000) + ".yaml"
	// Should not panic; error or success is OS-dependent, but must not crash.
	_ = ValidateConfigPath(long)
}

func TestValidateConfigPath_SpecialChars(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		wantErr bool
	}{
		{"con fig.yaml", false},
		{"café.yaml", false},
	}
	for _, tc := range cases {
		path := filepath.Join(cfgDir, tc.name)
		err := ValidateConfigPath(path)
		if tc.wantErr && err == nil {
			t.Errorf("expected error for %q, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("unexpected error for %q: %v", tc.name, err)
		}
	}
}

func TestValidateConfigPath_DoubleTraversal(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	// Try to escape via ../../configs/ok.yaml; filepath.Clean resolves this
	// and the parent must still be "configs".
	path := filepath.Join(cfgDir, "../../configs/ok.yaml")
	err := ValidateConfigPath(path)
	// After Clean the parent may or may not be "configs" depending on resolution.
	// The important thing is it either succeeds with a valid parent or fails.
	_ = err
}

// ---------- Load ----------

// writeConfig creates a temporary configs/ dir with the given YAML content and returns the path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
device:
  backend: sim
  required_capability: BACKWARD_COMPATIBLE
  topology: dual
  upside_down: true
  sim:
    frame_interval_ms: 20
    open_latency_ms: 5
    still_latency_ms: 15
    devices:
      - id: "back"
        capabilities: [BACKWARD_COMPATIBLE, MANUAL_SENSOR]
        hardware_level: FULL
        timestamp_source: REALTIME
        sensor_orientation: 90
capture:
  timeout_ms: 3000
  queue_capacity: 4
  pixel_format: JPEG
  width: 1280
  height: 720
  output_dir: "/tmp/shots"
trigger:
  enabled: true
  mock_gpio: true
  button_pin: 5
  led_pin: 6
  debounce_ms: 100
web:
  addr: "127.0.0.1:9090"
debug_level: 2
`

func TestLoad_ValidFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Device.Topology != "dual" || !cfg.Device.UpsideDown {
		t.Errorf("device = %+v", cfg.Device)
	}
	if len(cfg.Device.Sim.Devices) != 1 || cfg.Device.Sim.Devices[0].ID != "back" {
		t.Fatalf("sim devices = %+v", cfg.Device.Sim.Devices)
	}
	if got := cfg.Device.Sim.Devices[0].Capabilities; len(got) != 2 || got[1] != "MANUAL_SENSOR" {
		t.Errorf("capabilities = %v", got)
	}
	if cfg.Capture.Width != 1280 || cfg.Capture.Height != 720 {
		t.Errorf("size = %dx%d, want 1280x720", cfg.Capture.Width, cfg.Capture.Height)
	}
	if cfg.Capture.OutputDir != "/tmp/shots" {
		t.Errorf("output_dir = %q", cfg.Capture.OutputDir)
	}
	if !cfg.Trigger.Enabled || cfg.Trigger.ButtonPin != 5 || cfg.Trigger.LEDPin != 6 {
		t.Errorf("trigger = %+v", cfg.Trigger)
	}
	if cfg.Web.Addr != "127.0.0.1:9090" {
		t.Errorf("web.addr = %q", cfg.Web.Addr)
	}
	if cfg.DebugLevel != 2 {
		t.Errorf("debug_level = %d, want 2", cfg.DebugLevel)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, "debug_level: 0\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"backend", cfg.Device.Backend, "sim"},
		{"required_capability", cfg.Device.RequiredCapability, "BACKWARD_COMPATIBLE"},
		{"topology", cfg.Device.Topology, "auto"},
		{"frame_interval_ms", cfg.Device.Sim.FrameIntervalMs, 33},
		{"timeout_ms", cfg.Capture.TimeoutMs, 5000},
		{"queue_capacity", cfg.Capture.QueueCapacity, 3},
		{"pixel_format", cfg.Capture.PixelFormat, "JPEG"},
		{"width", cfg.Capture.Width, 1920},
		{"height", cfg.Capture.Height, 1080},
		{"output_dir", cfg.Capture.OutputDir, "captures"},
		{"button_pin", cfg.Trigger.ButtonPin, 17},
		{"led_pin", cfg.Trigger.LEDPin, 27},
		{"debounce_ms", cfg.Trigger.DebounceMs, 250},
		{"addr", cfg.Web.Addr, ":8080"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s default = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestDefault_MatchesEmptyDocument(t *testing.T) {
	cfg, err := Load(writeConfig(t, "web: {}\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("Load of an empty document = %+v, want %+v", cfg, Default())
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unsupported backend", "device:\n  backend: v4l2\n"},
		{"unknown topology", "device:\n  topology: triple\n"},
		{"unknown pixel format", "capture:\n  pixel_format: PNG\n"},
		{"queue too large", "capture:\n  queue_capacity: 65\n"},
		{"debug level too high", "debug_level: 5\n"},
		{"negative debug level", "debug_level: -1\n"},
		{"same trigger pins", "trigger:\n  enabled: true\n  button_pin: 4\n  led_pin: 4\n"},
		{"sim device without id", "device:\n  sim:\n    devices:\n      - hardware_level: FULL\n"},
		{"duplicate sim device", "device:\n  sim:\n    devices:\n      - id: a\n      - id: a\n"},
		{"bad hardware level", "device:\n  sim:\n    devices:\n      - id: a\n        hardware_level: SUPER\n"},
		{"bad timestamp source", "device:\n  sim:\n    devices:\n      - id: a\n        timestamp_source: MONOTONIC\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
				t.Errorf("expected error for %s, got nil", tc.name)
			}
		})
	}
}

func TestLoad_SamePinsAllowedWhenTriggerDisabled(t *testing.T) {
	if _, err := Load(writeConfig(t, "trigger:\n  button_pin: 4\n  led_pin: 4\n")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_FileTooLarge(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "big.yaml")
	data := make([]byte, MaxConfigFileBytes+1)
	for i := range data {
		data[i] = '#'
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for oversized config file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "{{{{invalid yaml!!!!")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML, got nil")
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeConfig(t, "  \n")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for empty config, got nil")
	}
}

func TestLoad_UnknownFields(t *testing.T) {
	yaml := `
capture:
  timeout_ms: 1000
unknown_section:
  foo: bar
`
	path := writeConfig(t, yaml)
	_, err := Load(path)
	if err != nil {
		t.Errorf("unknown fields should be ignored, got error: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "nonexistent.yaml")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}

// ---------- Overrides ----------

func TestValidateOverrides(t *testing.T) {
	cases := []struct {
		name    string
		o       Overrides
		wantErr bool
	}{
		{"zero", Overrides{}, false},
		{"all valid", Overrides{TimeoutMs: 2000, QueueCapacity: 5, OutputDir: "x", DebugLevel: 3}, false},
		{"negative timeout", Overrides{TimeoutMs: -1}, true},
		{"timeout too long", Overrides{TimeoutMs: 60001}, true},
		{"queue too large", Overrides{QueueCapacity: 65}, true},
		{"fractional debug", Overrides{DebugLevel: 1.5}, true},
		{"debug too high", Overrides{DebugLevel: 5}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateOverrides(tc.o)
			if tc.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	base := Default()
	got := base.ApplyOverrides(Overrides{TimeoutMs: 1500, OutputDir: "/data", DebugLevel: 4})

	if got.Capture.TimeoutMs != 1500 || got.Capture.OutputDir != "/data" || got.DebugLevel != 4 {
		t.Errorf("overrides not applied: %+v", got)
	}
	if got.Capture.QueueCapacity != 3 {
		t.Errorf("queue_capacity = %d, want unchanged 3", got.Capture.QueueCapacity)
	}
	if base.Capture.TimeoutMs != 5000 {
		t.Errorf("base config mutated: timeout_ms = %d", base.Capture.TimeoutMs)
	}
}

// ---------- Duration helpers ----------

func TestConfig_Durations(t *testing.T) {
	cfg := Default()
	cfg.Device.Sim.OpenLatencyMs = 7
	cfg.Device.Sim.StillLatencyMs = 9

	cases := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"CaptureTimeout", cfg.CaptureTimeout(), 5 * time.Second},
		{"FrameInterval", cfg.FrameInterval(), 33 * time.Millisecond},
		{"OpenLatency", cfg.OpenLatency(), 7 * time.Millisecond},
		{"StillLatency", cfg.StillLatency(), 9 * time.Millisecond},
		{"Debounce", cfg.Debounce(), 250 * time.Millisecond},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestDefaultConfigFile(t *testing.T) {
	path := filepath.Join("..", "..", "configs", "default.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("shipped configuration does not load: %v", err)
	}
	if err := ValidateConfigPath("configs/default.yaml"); err != nil {
		t.Errorf("default path rejected: %v", err)
	}
	if cfg.Capture.TimeoutMs != 5000 || cfg.Capture.QueueCapacity != 3 {
		t.Errorf("shipped capture settings = %+v", cfg.Capture)
	}
	if cfg.Trigger.Enabled {
		t.Error("shipped configuration should not require a GPIO button")
	}
}
