// cmd/labctl/app.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"labinstr/internal/config"
	"labinstr/internal/discovery"
	"labinstr/internal/discovery/lan"
	"labinstr/internal/discovery/serial"
	"labinstr/internal/discovery/usb"
	"labinstr/internal/instrument"
	"labinstr/internal/model"
	"labinstr/internal/protocol"
	"labinstr/internal/routes"
	"labinstr/internal/session"
	"labinstr/internal/utils"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}
	return logger, nil
}

// cliSession is one instrument opened for the lifetime of a command.
type cliSession struct {
	id     string
	inst   *instrument.Instrument
	logger *zap.Logger
}

// withInstrument opens the instrument selected by t, runs fn with a
// context cancelled on SIGINT, and closes the instrument.
func withInstrument(t *target, fn func(ctx context.Context, s *cliSession) error) (err error) {
	cfg, logger, err := t.load()
	if err != nil {
		return err
	}
	defer func() { _ = utils.CloseLogger(logger) }()

	id, conn, err := t.resolve(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inst, err := instrument.New(ctx, conn, instrument.WithID(id), instrument.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, inst.Close()) }()

	return fn(ctx, &cliSession{id: id, inst: inst, logger: logger})
}

// scanners builds the discovery scanners. LAN targets come from the
// socket and gateway entries of the address table.
func scanners(cfg *config.Config, logger *zap.Logger, timeout time.Duration) *discovery.ScannerManager {
	manager := discovery.NewScannerManager(logger)
	manager.RegisterScanner(serial.NewScanner(logger))

	usbConfig := &usb.Config{ScanTimeout: timeout, MaxConcurrent: 4}
	manager.RegisterScanner(usb.NewScanner(logger, usbConfig))

	table := cfg.AddressTable()
	configs := make(map[string]protocol.ConnectionConfig)
	for _, id := range table.IDs() {
		if c, err := table.Lookup(id); err == nil {
			configs[id] = c
		}
	}
	manager.RegisterScanner(lan.NewScanner(logger, &lan.Config{Targets: lan.TargetsFromConfigs(configs)}))
	return manager
}

func runScan(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file")
	kind := fs.String("type", "", "only this scanner: serial, usb or lan")
	timeout := fs.Duration("timeout", 10*time.Second, "overall scan timeout")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = utils.CloseLogger(logger) }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	manager := scanners(cfg, logger, *timeout)
	var found []*discovery.DiscoveredInstrument
	if *kind != "" {
		found, err = manager.ScanByType(ctx, *kind)
	} else {
		found, err = manager.ScanAll(ctx)
	}
	// ScanAll reports partial results together with per-scanner failures.
	for _, e := range multierr.Errors(err) {
		fmt.Fprintf(os.Stderr, "warning: %v\n", e)
	}
	if *kind != "" && err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(found)
	}
	for _, inst := range found {
		fmt.Fprintf(out, "%-7s %-6s %-44s %s %s\n", inst.ConnectionType, inst.Scanner, inst.Resource, inst.Vendor, inst.Product)
	}
	if len(found) == 0 {
		fmt.Fprintln(out, "no instruments found")
	}
	return nil
}

// Application is the long running HTTP and WebSocket bridge
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	sessions *session.Manager
	server   *http.Server
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file")
	addr := fs.String("addr", "", "listen address, overrides server.host and server.port")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		app.server.Addr = *addr
	}
	return app.Start()
}

// NewApplication creates the bridge from the config file at path
func NewApplication(path string) (*Application, error) {
	app := &Application{}

	if err := app.initializeConfig(path); err != nil {
		return nil, err
	}
	if err := app.initializeLogger(); err != nil {
		return nil, err
	}
	app.initializeSessions()
	app.initializeServer()

	serviceLogger := utils.NewServiceLogger(app.logger, app.config.App.Name)
	serviceLogger.LogServiceStart(app.config.App.Version, map[string]interface{}{
		"address":     app.config.GetServerAddr(),
		"instruments": len(app.config.Instruments),
		"gateways":    len(app.config.Gateways),
	})
	return app, nil
}

func (app *Application) initializeConfig(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	app.config = cfg
	return nil
}

func (app *Application) initializeLogger() error {
	logger, err := newLogger(app.config)
	if err != nil {
		return err
	}
	app.logger = logger
	return nil
}

func (app *Application) initializeSessions() {
	app.sessions = session.NewManager(app.config.AddressTable(), app.logger)
	app.logger.Info("Session manager initialized", zap.Strings("instruments", app.config.AddressTable().IDs()))
}

func (app *Application) initializeServer() {
	router := routes.NewRouter(
		app.config,
		app.logger,
		app.sessions,
		scanners(app.config, app.logger, 10*time.Second),
	)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}
}

// Start serves until SIGINT or SIGTERM, then shuts down
func (app *Application) Start() error {
	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("%w: %v", model.ErrConnection, err)
		}
	}()

	go app.startIdleReaper()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		return app.shutdown("shutdown signal received")
	case err := <-errCh:
		app.logger.Error("HTTP server failed", zap.Error(err))
		return multierr.Append(err, app.shutdown("server error"))
	}
}

// startIdleReaper closes sessions unused for longer than the server idle
// timeout so instruments are released for other controllers.
func (app *Application) startIdleReaper() {
	idle := app.config.Server.IdleTimeout
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()

	for range ticker.C {
		if n := app.sessions.CloseIdle(idle); n > 0 {
			app.logger.Info("Closed idle sessions", zap.Int("count", n))
		}
	}
}

func (app *Application) shutdown(reason string) error {
	serviceLogger := utils.NewServiceLogger(app.logger, app.config.App.Name)
	serviceLogger.LogServiceStop(reason)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs error
	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
		errs = multierr.Append(errs, err)
	} else {
		app.logger.Info("HTTP server stopped")
	}

	if err := app.sessions.CloseAll(); err != nil {
		app.logger.Error("Failed to close instrument sessions", zap.Error(err))
		errs = multierr.Append(errs, err)
	} else {
		app.logger.Info("Instrument sessions closed")
	}

	app.logger.Info("Application shutdown completed")
	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Fprintf(os.Stderr, "Logger close error: %v\n", err)
	}
	return errs
}
