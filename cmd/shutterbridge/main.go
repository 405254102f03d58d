package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/shutterbridge/internal/camera"
	"github.com/cjeanneret/shutterbridge/internal/camerr"
	"github.com/cjeanneret/shutterbridge/internal/config"
	"github.com/cjeanneret/shutterbridge/internal/debug"
	"github.com/cjeanneret/shutterbridge/internal/hw/device"
	"github.com/cjeanneret/shutterbridge/internal/hw/device/sim"
	"github.com/cjeanneret/shutterbridge/internal/hw/gpio"
	"github.com/cjeanneret/shutterbridge/internal/hw/trigger"
	"github.com/cjeanneret/shutterbridge/internal/logic/capture"
	"github.com/cjeanneret/shutterbridge/internal/logic/request"
	"github.com/cjeanneret/shutterbridge/internal/logic/session"
	"github.com/cjeanneret/shutterbridge/internal/metrics"
	"github.com/cjeanneret/shutterbridge/internal/storage"
	"github.com/cjeanneret/shutterbridge/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "override the web port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	once := flag.Bool("once", false, "open the camera, store one capture and exit")
	timeoutMs := flag.Int("timeout_ms", 0, "override the capture timeout in milliseconds (1-60000)")
	queueCapacity := flag.Int("queue_capacity", 0, "override the image queue capacity (1-64)")
	outputDir := flag.String("output_dir", "", "override the capture output directory")
	debugLevel := flag.Float64("debug", 0, "override the debug level (0-4)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Only non-zero values are applied; zero means "use config".
	overrides := config.Overrides{
		TimeoutMs:     *timeoutMs,
		QueueCapacity: *queueCapacity,
		OutputDir:     *outputDir,
		DebugLevel:    *debugLevel,
	}
	if err := config.ValidateOverrides(overrides); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	cfg = cfg.ApplyOverrides(overrides)
	if port := webPort.port(); port > 0 {
		cfg.Web.Addr = fmt.Sprintf(":%d", port)
	}

	debug.Init(cfg.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.DebugLevel)
	debug.PrintStruct("Config", cfg)

	a, err := newApp(cfg)
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}

	if *once {
		path, err := a.shootOnce(ctx)
		a.close()
		if err != nil {
			log.Fatalf("capture failed: %v", err)
		}
		fmt.Println(path)
		return
	}

	broadcaster := web.NewStatusBroadcaster()
	debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

	err = a.run(ctx, broadcaster)
	a.close()
	if err != nil {
		log.Fatalf("shutterbridge: %v", err)
	}
}

// app holds the wired components for one process lifetime.
type app struct {
	cfg     *config.Config
	hw      *sim.Manager
	gpio    gpio.Driver
	cam     *camera.Orchestrator
	metrics *metrics.Recorder
}

func newApp(cfg *config.Config) (*app, error) {
	specs, err := deviceSpecs(cfg.Device.Sim.Devices)
	if err != nil {
		return nil, err
	}

	debug.Step(1, "Starting simulated device backend")
	hw := sim.New(sim.Options{
		Devices:       specs,
		FrameInterval: cfg.FrameInterval(),
		OpenLatency:   cfg.OpenLatency(),
		StillLatency:  cfg.StillLatency(),
	})

	debug.Step(2, "Preparing capture storage")
	sink, err := storage.NewFileSink(cfg.Capture.OutputDir)
	if err != nil {
		hw.Close()
		return nil, err
	}
	debug.Value("Output dir", cfg.Capture.OutputDir)

	rec := metrics.New()
	cam := camera.New(hw, cameraOptions(cfg, sink, rec))

	a := &app{cfg: cfg, hw: hw, cam: cam, metrics: rec}
	if cfg.Trigger.Enabled {
		debug.Step(3, "Initializing GPIO driver")
		debug.Value("Mock GPIO", cfg.Trigger.MockGPIO)
		a.gpio, err = gpio.NewDriver(cfg.Trigger.MockGPIO)
		if err != nil {
			hw.Close()
			return nil, fmt.Errorf("init GPIO: %w", err)
		}
	}
	return a, nil
}

// cameraOptions maps the configuration onto the orchestrator.
func cameraOptions(cfg *config.Config, sink storage.Sink, rec *metrics.Recorder) camera.Options {
	return camera.Options{
		RequiredCapability: device.Capability(cfg.Device.RequiredCapability),
		Topology:           device.TopologyMode(cfg.Device.Topology),
		Session: session.Options{
			StillWidth:  cfg.Capture.Width,
			StillHeight: cfg.Capture.Height,
			StillFormat: device.PixelFormat(cfg.Capture.PixelFormat),
			MaxImages:   cfg.Capture.QueueCapacity,
			Request:     request.Options{UpsideDown: cfg.Device.UpsideDown},
		},
		Capture: capture.Options{
			Timeout:       cfg.CaptureTimeout(),
			QueueCapacity: cfg.Capture.QueueCapacity,
		},
		Preview: sim.Preview("preview"),
		Sink:    sink,
		Metrics: rec,
	}
}

// shootOnce opens the camera, stores one capture and tears the session down.
func (a *app) shootOnce(ctx context.Context) (string, error) {
	h, err := a.cam.Start(ctx)
	if err != nil {
		return "", err
	}
	defer a.cam.Teardown(h)
	return a.cam.Shoot(ctx)
}

// run opens the camera and serves until ctx is done or the device is lost.
// A lost device is returned as an error so the process exits non-zero.
func (a *app) run(ctx context.Context, broadcaster *web.StatusBroadcaster) error {
	// The trigger is set up first so a GPIO failure leaves nothing running.
	var button *trigger.Button
	if a.gpio != nil {
		var err error
		button, err = trigger.New(a.gpio, a.cam, trigger.Config{
			ButtonPin: a.cfg.Trigger.ButtonPin,
			LEDPin:    a.cfg.Trigger.LEDPin,
			Debounce:  a.cfg.Debounce(),
		})
		if err != nil {
			return fmt.Errorf("init trigger: %w", err)
		}
	}

	debug.Section("Opening camera")
	h, err := a.cam.Start(ctx)
	if err != nil {
		if camerr.IsFatal(err) {
			return err
		}
		// The control API can retry through POST /session.
		debug.Error(fmt.Errorf("initial open: %w", err))
	} else {
		debug.Info("camera ready: session %s on device %s", h.ID, h.DeviceID)
	}

	g, gctx := errgroup.WithContext(ctx)

	srv := web.NewServer(a.cam, broadcaster, web.Options{
		Addr:     a.cfg.Web.Addr,
		Settings: a.cfg.Capture,
		Metrics:  a.metrics.Handler(),
	})
	g.Go(func() error { return srv.Run(gctx) })
	if button != nil {
		g.Go(func() error { return button.Run(gctx) })
	}

	g.Go(func() error {
		select {
		case <-a.cam.Disconnected():
			return camerr.ErrDeviceDisconnected
		case <-gctx.Done():
			return nil
		}
	})

	err = g.Wait()
	debug.Section("Shutting down")
	a.cam.Teardown(a.cam.Current())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// close releases the device backend and GPIO.
func (a *app) close() {
	a.cam.Teardown(a.cam.Current())
	a.hw.Close()
	if a.gpio != nil {
		if err := a.gpio.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
		a.gpio = nil
	}
}

// deviceSpecs converts configured simulated devices. An empty list selects
// the built-in pair.
func deviceSpecs(devs []config.SimDeviceConfig) ([]sim.DeviceSpec, error) {
	specs := make([]sim.DeviceSpec, 0, len(devs))
	for _, d := range devs {
		level, err := hardwareLevel(d.HardwareLevel)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.ID, err)
		}
		spec := sim.DeviceSpec{
			ID:                d.ID,
			HardwareLevel:     level,
			SensorOrientation: d.SensorOrientation,
		}
		if d.TimestampSource == "UNKNOWN" {
			spec.TimestampSource = device.TimestampUnknown
		}
		for _, c := range d.Capabilities {
			spec.Capabilities = append(spec.Capabilities, device.Capability(c))
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func hardwareLevel(name string) (device.HardwareLevel, error) {
	switch name {
	case "LEGACY":
		return device.LevelLegacy, nil
	case "LIMITED":
		return device.LevelLimited, nil
	case "", "FULL":
		return device.LevelFull, nil
	case "LEVEL_3":
		return device.Level3, nil
	default:
		return 0, fmt.Errorf("unknown hardware level %q", name)
	}
}

// webPortFlag implements flag.Value for -web: 0 = use web.addr from config, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
