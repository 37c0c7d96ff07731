package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"zigbee-window-go/internal/automation"
	"zigbee-window-go/internal/events"
	"zigbee-window-go/internal/hub"
	"zigbee-window-go/internal/motion"
	"zigbee-window-go/internal/ota"
	"zigbee-window-go/internal/power"
	"zigbee-window-go/internal/sense"
	"zigbee-window-go/internal/servo"
	"zigbee-window-go/internal/store"
	"zigbee-window-go/internal/web"
	"zigbee-window-go/internal/window"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Servo struct {
		Driver string `yaml:"driver"` // "gpio" or "serial"
		GPIO   struct {
			Chip      string `yaml:"chip"`
			HandlePin int    `yaml:"handle_pin"`
			GapPin    int    `yaml:"gap_pin"`
		} `yaml:"gpio"`
		Serial struct {
			Port     string `yaml:"port"`
			Baud     int    `yaml:"baud"`
			HandleID int    `yaml:"handle_id"`
			GapID    int    `yaml:"gap_id"`
		} `yaml:"serial"`
		StepDelayMs int `yaml:"step_delay_ms"`
	} `yaml:"servo"`
	Sense struct {
		Threshold  uint16 `yaml:"threshold"`
		SamplePath string `yaml:"sample_path"`
	} `yaml:"sense"`
	Window struct {
		SettleWindow     string `yaml:"settle_window"`
		AutosaveInterval string `yaml:"autosave_interval"`
	} `yaml:"window"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Hub struct {
		ReportInterval string `yaml:"report_interval"`
	} `yaml:"hub"`
	Web struct {
		Listen string `yaml:"listen"`
		APIKey string `yaml:"api_key"`
	} `yaml:"web"`
	Power struct {
		VoltagePath  string  `yaml:"voltage_path"`
		ExternalPath string  `yaml:"external_path"`
		Scale        float64 `yaml:"scale"`
		LowMV        uint16  `yaml:"low_mv"`
		CriticalMV   uint16  `yaml:"critical_mv"`
		PollInterval string  `yaml:"poll_interval"`
	} `yaml:"power"`
	OTA struct {
		ManifestURL   string `yaml:"manifest_url"`
		ImagePath     string `yaml:"image_path"`
		CheckInterval string `yaml:"check_interval"`
	} `yaml:"ota"`
	ScriptsDir string `yaml:"scripts_dir"`
	Log        struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	switch c.Servo.Driver {
	case "gpio":
		if c.Servo.GPIO.Chip == "" {
			return fmt.Errorf("servo.gpio.chip is required")
		}
		if c.Servo.GPIO.HandlePin == c.Servo.GPIO.GapPin {
			return fmt.Errorf("servo.gpio handle_pin and gap_pin must differ")
		}
	case "serial":
		if c.Servo.Serial.Port == "" {
			return fmt.Errorf("servo.serial.port is required")
		}
		if c.Servo.Serial.HandleID == c.Servo.Serial.GapID {
			return fmt.Errorf("servo.serial handle_id and gap_id must differ")
		}
		if c.Servo.Serial.HandleID < 0 || c.Servo.Serial.HandleID > 253 ||
			c.Servo.Serial.GapID < 0 || c.Servo.Serial.GapID > 253 {
			return fmt.Errorf("servo.serial ids must be 0-253")
		}
	default:
		return fmt.Errorf("servo.driver must be %q or %q, got %q", "gpio", "serial", c.Servo.Driver)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.OTA.ManifestURL != "" && c.OTA.ImagePath == "" {
		return fmt.Errorf("ota.image_path is required when ota.manifest_url is set")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("windowd starting", "version", version, "driver", cfg.Servo.Driver)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	bus := events.NewBus(logger)

	// Actuators and the resistance proxy source, per drive board variant.
	handle, gap, sample, closeServos, err := buildActuators(cfg, logger)
	if err != nil {
		logger.Error("init actuators", "err", err)
		os.Exit(1)
	}
	defer closeServos()

	if err := handle.Enable(); err != nil {
		logger.Error("enable handle servo", "err", err)
		os.Exit(1)
	}
	if err := gap.Enable(); err != nil {
		logger.Error("enable gap servo", "err", err)
		os.Exit(1)
	}

	sensor := sense.NewThreshold(sample, logger)
	if cfg.Sense.Threshold != 0 {
		sensor.SetThreshold(cfg.Sense.Threshold)
	}

	mc := motion.New(sensor, logger)
	if cfg.Servo.StepDelayMs > 0 {
		mc.SetStepDelay(time.Duration(cfg.Servo.StepDelayMs) * time.Millisecond)
	}

	machine := window.New(handle, gap, mc, db, bus, window.Config{
		SettleWindow:     duration(cfg.Window.SettleWindow, 0),
		AutosaveInterval: duration(cfg.Window.AutosaveInterval, 0),
	}, logger)

	// Boot sequence: restore the persisted state onto the actuators; a
	// fresh device stays at factory defaults and runs a calibration sweep.
	if err := machine.Restore(); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Info("no saved state, starting at factory defaults")
		} else {
			logger.Error("restore state", "err", err)
		}
	}
	if !machine.State().Calibrated {
		logger.Info("device uncalibrated, running calibration sweep")
		if err := machine.Calibrate(); err != nil {
			logger.Error("calibration sweep", "err", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Battery monitor, when a voltage source is wired.
	powerMon := power.NewMonitor(powerSource(cfg), bus, power.Config{
		LowThreshold:      cfg.Power.LowMV,
		CriticalThreshold: cfg.Power.CriticalMV,
		PollInterval:      duration(cfg.Power.PollInterval, 0),
	}, logger)
	if cfg.Power.VoltagePath != "" {
		go powerMon.Run(ctx)
	}

	// Hub coordinator and the MQTT link to the wireless hub. Without MQTT
	// the reports go to the log.
	submit, installCoord := submitGate()

	var reporter hub.Reporter = &logReporter{logger: logger}
	var mqttLink *hub.MQTTLink
	if cfg.MQTT.Enabled {
		mqttLink, err = hub.NewMQTTLink(hub.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    cfg.MQTT.ClientID,
		}, submit, logger)
		if err != nil {
			logger.Error("connect MQTT", "err", err)
			os.Exit(1)
		}
		reporter = mqttLink
	}

	coord := hub.New(machine, reporter, bus, hub.Config{
		ReportInterval: duration(cfg.Hub.ReportInterval, 0),
	}, logger)
	installCoord(coord)
	coord.Start()
	go coord.Run(ctx)

	// OTA updater. Applying a staged image stays a manual step on this
	// hardware, so no apply hook is installed.
	updater := ota.New(ota.Config{
		ManifestURL:    cfg.OTA.ManifestURL,
		CurrentVersion: version,
		ImagePath:      cfg.OTA.ImagePath,
		CheckInterval:  duration(cfg.OTA.CheckInterval, time.Hour),
	}, nil, bus, logger)
	if cfg.OTA.ManifestURL != "" {
		go updater.Run(ctx)
	}

	// Automation scripts
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir)
	if err != nil {
		logger.Error("init script manager", "err", err)
		os.Exit(1)
	}
	auto := automation.NewEngine(machine, bus, scriptMgr, logger)
	auto.Start()

	// Diagnostics web server
	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	webServer := web.NewServer(machine, powerMon, updater, bus, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	cancel()
	auto.Stop()
	coord.Stop()
	if mqttLink != nil {
		mqttLink.Close()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Close()

	// One last write-through so the restart resumes where we left off.
	if err := machine.Save(); err != nil {
		logger.Error("final state save", "err", err)
	}

	logger.Info("goodbye")
}

// buildActuators creates the two actuators and the resistance proxy sample
// source for the configured drive board variant.
func buildActuators(cfg *Config, logger *slog.Logger) (handle, gap servo.Actuator, sample sense.SampleFunc, closeFn func(), err error) {
	switch cfg.Servo.Driver {
	case "serial":
		bus, err := servo.OpenBus(cfg.Servo.Serial.Port, cfg.Servo.Serial.Baud)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		h := bus.Actuator(byte(cfg.Servo.Serial.HandleID))
		g := bus.Actuator(byte(cfg.Servo.Serial.GapID))

		// Bus servos report their own load; sample whichever is higher
		// since only one moves at a time.
		sample := func() (uint16, error) {
			hl, err := h.ReadLoad()
			if err != nil {
				return 0, err
			}
			gl, err := g.ReadLoad()
			if err != nil {
				return 0, err
			}
			if gl > hl {
				return gl, nil
			}
			return hl, nil
		}
		closeFn := func() {
			h.Disable()
			g.Disable()
			bus.Close()
		}
		return h, g, sample, closeFn, nil

	case "gpio":
		h, err := servo.NewGPIO(cfg.Servo.GPIO.Chip, cfg.Servo.GPIO.HandlePin)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		g, err := servo.NewGPIO(cfg.Servo.GPIO.Chip, cfg.Servo.GPIO.GapPin)
		if err != nil {
			h.Close()
			return nil, nil, nil, nil, err
		}

		// Hobby servos have no load feedback; the proxy signal comes
		// from an ADC attribute file when one is wired, otherwise the
		// resistance check never trips.
		var sample sense.SampleFunc
		if path := cfg.Sense.SamplePath; path != "" {
			src := &power.SysfsSource{VoltagePath: path}
			sample = src.Voltage
		} else {
			logger.Warn("no resistance sample source configured, detection disabled")
			sample = func() (uint16, error) { return 0, nil }
		}
		closeFn := func() {
			h.Close()
			g.Close()
		}
		return h, g, sample, closeFn, nil

	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown servo driver %q", cfg.Servo.Driver)
	}
}

// powerSource builds the battery source. Without a voltage path the device
// is treated as externally powered at full voltage.
func powerSource(cfg *Config) power.Source {
	if cfg.Power.VoltagePath == "" {
		return externalSource{}
	}
	return &power.SysfsSource{
		VoltagePath:  cfg.Power.VoltagePath,
		Scale:        cfg.Power.Scale,
		ExternalPath: cfg.Power.ExternalPath,
	}
}

// externalSource stands in when no battery is wired.
type externalSource struct{}

func (externalSource) Voltage() (uint16, error)     { return power.FullVoltage, nil }
func (externalSource) ExternalPower() (bool, error) { return true, nil }

// submitGate decouples the MQTT link's inbound callback from coordinator
// construction: the link needs its submit function before the coordinator
// exists, and paho can deliver commands from its own goroutine as soon as
// the subscription lands. Commands arriving before install are dropped.
func submitGate() (submit func(hub.Command), install func(*hub.Coordinator)) {
	var coord atomic.Pointer[hub.Coordinator]
	submit = func(cmd hub.Command) {
		if c := coord.Load(); c != nil {
			c.Submit(cmd)
		}
	}
	return submit, coord.Store
}

// logReporter is the Reporter used when MQTT is disabled.
type logReporter struct {
	logger *slog.Logger
}

func (r *logReporter) ReportWindowState(modeTag uint8, percentage uint8) error {
	r.logger.Debug("state report", "mode_tag", modeTag, "percentage", percentage)
	return nil
}

func (r *logReporter) SendAlert(alert hub.AlertType, value uint8) error {
	r.logger.Info("alert", "alert", alert.String(), "value", value)
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Servo.Driver == "" {
		cfg.Servo.Driver = "gpio"
	}
	if cfg.Servo.Serial.Baud == 0 {
		cfg.Servo.Serial.Baud = 1000000
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "windowd.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "window"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// duration parses a config duration string, falling back when empty or
// malformed. Component defaults apply when the fallback is zero.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("bad duration in config, using default", "value", s)
		return fallback
	}
	return d
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
