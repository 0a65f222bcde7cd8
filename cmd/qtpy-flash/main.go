package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"qtpy-flash/internal/bootloader"
	"qtpy-flash/internal/firmware"
	"qtpy-flash/internal/flash"
	"qtpy-flash/internal/platform"
	"qtpy-flash/internal/programmer"
	"qtpy-flash/internal/store"
	"qtpy-flash/internal/usbdev"
	"qtpy-flash/internal/volume"
	"qtpy-flash/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Board struct {
		VolumeName string   `yaml:"volume_name"`
		AllowList  []string `yaml:"allow_list"` // "VID:PID" in hex
	} `yaml:"board"`
	Bootloader struct {
		Hold string `yaml:"hold"`
	} `yaml:"bootloader"`
	Mount struct {
		Timeout      string `yaml:"timeout"`
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"mount"`
	Programmer struct {
		Path string   `yaml:"path"`
		Args []string `yaml:"args"` // {port} and {firmware} are substituted
	} `yaml:"programmer"`
	Firmware struct {
		Dir string `yaml:"dir"`
	} `yaml:"firmware"`
	Web struct {
		Enabled        *bool    `yaml:"enabled"`
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
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
		Discovery   bool   `yaml:"discovery"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`

	// Parsed by validate.
	allow        usbdev.AllowList
	hold         time.Duration
	mountTimeout time.Duration
	pollInterval time.Duration
}

func (c *Config) validate() error {
	var err error
	if c.hold, err = parseDuration("bootloader.hold", c.Bootloader.Hold); err != nil {
		return err
	}
	if c.hold < bootloader.MinHold {
		return fmt.Errorf("bootloader.hold must be at least %s, got %s", bootloader.MinHold, c.hold)
	}
	if c.mountTimeout, err = parseDuration("mount.timeout", c.Mount.Timeout); err != nil {
		return err
	}
	if c.mountTimeout <= 0 {
		return fmt.Errorf("mount.timeout must be positive")
	}
	if c.pollInterval, err = parseDuration("mount.poll_interval", c.Mount.PollInterval); err != nil {
		return err
	}
	if c.pollInterval < 200*time.Millisecond || c.pollInterval > 500*time.Millisecond {
		return fmt.Errorf("mount.poll_interval must be 200ms-500ms, got %s", c.pollInterval)
	}

	c.allow = nil
	for _, s := range c.Board.AllowList {
		id, err := parseUSBID(s)
		if err != nil {
			return fmt.Errorf("board.allow_list: %w", err)
		}
		c.allow = append(c.allow, id)
	}

	if len(c.Programmer.Args) > 0 && !slices.ContainsFunc(c.Programmer.Args, func(a string) bool {
		return strings.Contains(a, platform.FirmwarePlaceholder)
	}) {
		return fmt.Errorf("programmer.args must contain %s", platform.FirmwarePlaceholder)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func (c *Config) webEnabled() bool {
	return c.Web.Enabled == nil || *c.Web.Enabled
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// parseUSBID parses "239A:80CB".
func parseUSBID(s string) (usbdev.ID, error) {
	vid, pid, ok := strings.Cut(s, ":")
	if !ok {
		return usbdev.ID{}, fmt.Errorf("usb id %q: want VID:PID", s)
	}
	v, err := usbdev.ParseHexID(vid)
	if err != nil {
		return usbdev.ID{}, fmt.Errorf("usb id %q: %w", s, err)
	}
	p, err := usbdev.ParseHexID(pid)
	if err != nil {
		return usbdev.ID{}, fmt.Errorf("usb id %q: %w", s, err)
	}
	return usbdev.ID{Vendor: v, Product: p}, nil
}

func usage(w io.Writer) {
	fmt.Fprint(w, `usage:
  qtpy-flash [config.yaml]                       run the service (same as serve)
  qtpy-flash serve [config.yaml]
  qtpy-flash flash [-config file] -serial SN|-port PATH -firmware ID
  qtpy-flash devices [-config file] [-all]
  qtpy-flash version
`)
}

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		switch args[0] {
		case "serve", "flash", "devices", "version":
			cmd, args = args[0], args[1:]
		case "-h", "-help", "--help", "help":
			usage(os.Stdout)
			return
		}
	}

	var code int
	switch cmd {
	case "serve":
		cfgPath := "config.yaml"
		if len(args) > 0 {
			cfgPath = args[0]
		}
		code = runServe(cfgPath)
	case "flash":
		code = runFlash(args)
	case "devices":
		code = runDevices(args)
	case "version":
		fmt.Println(version)
	}
	os.Exit(code)
}

// app is the flash stack shared by every subcommand.
type app struct {
	cfg      *Config
	logger   *slog.Logger
	registry *usbdev.Registry
	catalog  *firmware.Catalog
	events   *flash.EventBus
	service  *flash.Service
	history  *store.BoltStore
}

// setup loads the config and builds the flash stack. withHistory opens the
// session store.
func setup(cfgPath string, withHistory bool) (*app, error) {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		return nil, err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	host := platform.New(platform.ProgrammerConfig{
		Path: cfg.Programmer.Path,
		Args: cfg.Programmer.Args,
	})
	registry := usbdev.NewRegistry(usbdev.SerialEnumerator{}, cfg.allow, logger)

	catalog, err := firmware.LoadCatalog(cfg.Firmware.Dir, logger)
	if err != nil {
		logger.Error("load firmware catalog", "err", err)
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		catalog:  catalog,
		events:   flash.NewEventBus(logger),
	}

	var st store.Store
	if withHistory {
		db, err := store.NewBoltStore(cfg.Store.Path)
		if err != nil {
			logger.Error("open store", "err", err)
			return nil, err
		}
		a.history = db
		st = db
	}

	deps := flash.Deps{
		Locator:      registry,
		Requester:    bootloader.NewRequester(logger, bootloader.WithHold(cfg.hold)),
		Mount:        volume.NewPoller(host, cfg.Board.VolumeName, cfg.pollInterval, logger),
		Flasher:      programmer.NewInvoker(host, logger),
		MountTimeout: cfg.mountTimeout,
	}
	a.service = flash.NewService(deps, registry, catalog, st, a.events, logger)
	return a, nil
}

func (a *app) close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Error("close store", "err", err)
		}
	}
}

func runServe(cfgPath string) int {
	a, err := setup(cfgPath, true)
	if err != nil {
		return 1
	}
	defer a.close()
	cfg, logger := a.cfg, a.logger
	logger.Info("qtpy-flash starting", "version", version, "firmware", len(a.catalog.Entries()))

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(a.service, a.registry, cfg, logger)

	var (
		webServer  *web.Server
		httpServer *http.Server
	)
	if cfg.webEnabled() {
		var webOpts []web.ServerOption
		if cfg.Web.APIKey != "" {
			webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
		}
		if len(cfg.Web.AllowedOrigins) > 0 {
			webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
		}
		webOpts = append(webOpts, web.WithVersion(version))
		webOpts = append(webOpts, autoWebOpts...)

		webServer = web.NewServer(a.service, a.registry, a.catalog, a.history, logger, webOpts...)
		// POST /api/flash with wait=true holds the response for a whole session.
		httpServer = &http.Server{
			Addr:         cfg.Web.Listen,
			Handler:      webServer,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 2 * time.Minute,
			IdleTimeout:  120 * time.Second,
		}

		go func() {
			logger.Info("web server starting", "addr", cfg.Web.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server", "err", err)
			}
		}()
	}

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(a.service, a.registry, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		webServer.Stop()
	}
	// A session in progress is allowed to finish: interrupting bossac
	// mid-write leaves the board without an application.
	if err := a.service.Stop(shutdownCtx); err != nil {
		logger.Error("flash service shutdown", "err", err)
	}

	logger.Info("goodbye")
	return 0
}

func runFlash(args []string) int {
	fs := flag.NewFlagSet("flash", flag.ContinueOnError)
	cfgPath := fs.String("config", "config.yaml", "config file")
	serial := fs.String("serial", "", "board serial number")
	port := fs.String("port", "", "board serial port (when the serial is unknown)")
	fw := fs.String("firmware", "", "firmware id from the catalog")
	file := fs.String("file", "", "firmware binary path (instead of -firmware)")
	noHistory := fs.Bool("no-history", false, "do not record the session")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *serial == "" && *port == "" {
		fmt.Fprintln(os.Stderr, "flash: -serial or -port is required")
		return 2
	}
	if (*fw == "") == (*file == "") {
		fmt.Fprintln(os.Stderr, "flash: exactly one of -firmware and -file is required")
		return 2
	}

	// A bad path must fail before the board is reset into its bootloader.
	var img firmware.Image
	if *file != "" {
		var err error
		if img, err = firmware.ResolveFile(*file); err != nil {
			fmt.Fprintln(os.Stderr, "flash:", err)
			return 1
		}
	}

	a, err := setup(*cfgPath, !*noHistory)
	if err != nil {
		return 1
	}
	defer a.close()

	var h *flash.Handle
	if *file != "" {
		dev, err := findDevice(a.registry, *serial, *port)
		if err != nil {
			a.logger.Error("find board", "err", err)
			return 1
		}
		h, err = a.service.BeginImage(dev, img)
		if err != nil {
			a.logger.Error("start flash", "err", err)
			return 1
		}
	} else {
		h, err = a.service.Start(flash.Request{Serial: *serial, Port: *port, Firmware: *fw})
		if err != nil {
			a.logger.Error("start flash", "err", err)
			return 1
		}
	}

	var final flash.Progress
	for p := range h.Events() {
		level := slog.LevelInfo
		if p.Terminal() && !p.Success {
			level = slog.LevelError
		}
		attrs := []any{"session", p.SessionID, "state", p.State.String()}
		if p.Stderr != "" {
			attrs = append(attrs, "stderr", p.Stderr)
		}
		a.logger.Log(context.Background(), level, p.Text, attrs...)
		final = p
	}
	<-h.Done()

	if !final.Success {
		return 1
	}
	return 0
}

func findDevice(r *usbdev.Registry, serial, port string) (usbdev.Device, error) {
	if serial != "" {
		return r.FindBySerial(serial)
	}
	return r.FindByPort(port)
}

func runDevices(args []string) int {
	fs := flag.NewFlagSet("devices", flag.ContinueOnError)
	cfgPath := fs.String("config", "config.yaml", "config file")
	all := fs.Bool("all", false, "list every USB serial device, not just allowed boards")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := setup(*cfgPath, false)
	if err != nil {
		return 1
	}
	defer a.close()

	devices := a.registry.List()
	if *all {
		devices = a.registry.All()
	}
	printDevices(os.Stdout, devices)
	return 0
}

func printDevices(w io.Writer, devices []usbdev.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "no boards found")
		return
	}
	for _, d := range devices {
		serial := d.SerialNumber
		if serial == "" {
			serial = "-"
		}
		fmt.Fprintf(w, "%-20s %s  %-18s %s\n", d.Port, d.ID(), serial, d.Name)
	}
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
	if cfg.Board.VolumeName == "" {
		cfg.Board.VolumeName = volume.BootloaderVolumeName
	}
	if cfg.Bootloader.Hold == "" {
		cfg.Bootloader.Hold = bootloader.MinHold.String()
	}
	if cfg.Mount.Timeout == "" {
		cfg.Mount.Timeout = volume.DefaultTimeout.String()
	}
	if cfg.Mount.PollInterval == "" {
		cfg.Mount.PollInterval = volume.DefaultInterval.String()
	}
	if cfg.Firmware.Dir == "" {
		cfg.Firmware.Dir = "firmware"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "qtpy-flash.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "qtpy-flash"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
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
