// Package main is the entry point for proxyd.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/nugget/proxyd/examples"
	"github.com/nugget/proxyd/internal/browse"
	"github.com/nugget/proxyd/internal/buildinfo"
	"github.com/nugget/proxyd/internal/config"
	"github.com/nugget/proxyd/internal/events"
	"github.com/nugget/proxyd/internal/linkserver"
	"github.com/nugget/proxyd/internal/nameservice"
	"github.com/nugget/proxyd/internal/prxerr"
	"github.com/nugget/proxyd/internal/scheduler"
	"github.com/nugget/proxyd/internal/transport"
	"github.com/nugget/proxyd/internal/transport/mqtt"
	"github.com/nugget/proxyd/internal/transport/ws"
	"github.com/nugget/proxyd/internal/wire"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	install := flag.Bool("install", false, "register this proxy with the hub and record it locally")
	flag.BoolVar(install, "i", false, "shorthand for -install")
	uninstall := flag.Bool("uninstall", false, "reverse a previous -install")
	flag.BoolVar(uninstall, "u", false, "shorthand for -uninstall")
	connectionString := flag.String("connection-string", "", "hub connection string (falls back to $_HUB_CS)")
	flag.StringVar(connectionString, "c", "", "shorthand for -connection-string")
	name := flag.String("name", "", "proxy name recorded in the name-service registries")
	flag.StringVar(name, "n", "", "shorthand for -name")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *showVersion {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	switch {
	case *install:
		os.Exit(int(runInstall(logger, *configPath, *name, *connectionString)))
	case *uninstall:
		os.Exit(int(runUninstall(logger, *configPath, *name, *connectionString)))
	default:
		os.Exit(int(runDaemon(logger, *configPath)))
	}
}

// resolveConnectionString returns explicit, falling back to $_HUB_CS per
// spec.md §6.
func resolveConnectionString(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return os.Getenv("_HUB_CS")
}

func runInstall(logger *slog.Logger, configPath, name, cs string) prxerr.Code {
	cs = resolveConnectionString(cs)
	if cs == "" {
		fmt.Fprintln(os.Stderr, "proxyd -install: -connection-string (or $_HUB_CS) is required")
		return prxerr.Arg
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "proxyd -install: -name is required")
		return prxerr.Arg
	}

	cfg, err := loadOrDefaultConfig(logger, configPath)
	if err != nil {
		logger.Error("config", "error", err)
		return prxerr.InvalidFormat
	}

	store, err := nameservice.OpenStore(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open name-service store", "error", err)
		return prxerr.DiskIO
	}

	id, err := store.Install(name, cs)
	if err != nil {
		logger.Error("install failed", "error", err)
		return prxerr.CodeOf(err)
	}

	logger.Info("proxy installed", "id", id.String(), "name", name)
	printPairingQR(cs)
	return prxerr.Ok
}

func runUninstall(logger *slog.Logger, configPath, name, cs string) prxerr.Code {
	cs = resolveConnectionString(cs)

	cfg, err := loadOrDefaultConfig(logger, configPath)
	if err != nil {
		logger.Error("config", "error", err)
		return prxerr.InvalidFormat
	}

	store, err := nameservice.OpenStore(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open name-service store", "error", err)
		return prxerr.DiskIO
	}

	if err := store.Uninstall(name, cs); err != nil {
		logger.Error("uninstall failed", "error", err)
		return prxerr.CodeOf(err)
	}

	logger.Info("proxy uninstalled", "name", name)
	return prxerr.Ok
}

// printPairingQR renders the connection string as an ASCII QR code so an
// operator can scan it with a phone during an interactive install,
// mirroring the teacher's terminal-output conventions for anything meant
// to be read at a glance.
func printPairingQR(connectionString string) {
	qr, err := qrcode.New(connectionString, qrcode.Medium)
	if err != nil {
		return // cosmetic only; installation has already succeeded
	}
	fmt.Println(qr.ToString(false))
}

// loadOrDefaultConfig loads the config file, writing out the embedded
// example as a starting point if none is found.
func loadOrDefaultConfig(logger *slog.Logger, explicit string) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		path = "config.yaml"
		if writeErr := os.WriteFile(path, examples.ConfigYAML, 0o644); writeErr != nil {
			return nil, writeErr
		}
		logger.Info("no config file found, wrote default", "path", path)
	}
	return config.Load(path)
}

func runDaemon(logger *slog.Logger, configPath string) prxerr.Code {
	logger.Info("starting proxyd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, err := loadOrDefaultConfig(logger, configPath)
	if err != nil {
		logger.Error("config", "error", err)
		return prxerr.InvalidFormat
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			return prxerr.Arg
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		return prxerr.DiskIO
	}

	store, err := nameservice.OpenStore(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open name-service store", "error", err)
		return prxerr.DiskIO
	}
	self, ok := store.Local.ByName(cfg.Transport.DeviceName)
	if ok {
		logger.Info("proxy identity loaded", "id", self.ID.String(), "name", self.Name)
	} else {
		logger.Warn("no local name-service entry for this device; run proxyd -install first", "device_name", cfg.Transport.DeviceName)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.New()
	sched := scheduler.New(nil, logger)
	defer sched.AtExit()

	srv := linkserver.New(sched, bus, logger)

	tport, entry, err := buildTransport(cfg, logger)
	if err != nil {
		logger.Error("failed to configure transport", "error", err)
		return prxerr.Arg
	}

	conn, err := tport.CreateConnection(ctx, entry, func(ev transport.Event) error {
		sched.Queue("dispatch-transport-event", func(context.Context) {
			_ = srv.HandleEvent(ev)
		}, srv, 0)
		return nil
	}, sched)
	if err != nil {
		logger.Error("failed to create transport connection", "error", err)
		return prxerr.Network
	}
	srv.Attach(conn)
	logger.Info("transport connected", "kind", cfg.Transport.Kind, "broker", cfg.Transport.Broker)

	browseSched := scheduler.New(nil, logger)
	defer browseSched.AtExit()
	browseSrv := browse.New(browseSched, bus, logger, cfg.Browse)
	socketPath := cfg.DataDir + "/browse.sock"
	os.Remove(socketPath)
	if err := browseSrv.Listen(ctx, socketPath); err != nil {
		logger.Error("failed to start browse server", "error", err)
		return prxerr.Comm
	}
	defer browseSrv.Close()
	logger.Info("browse server listening", "socket", socketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = srv.Close(context.Background())
	}()

	<-ctx.Done()
	time.Sleep(50 * time.Millisecond) // let in-flight teardown events settle
	logger.Info("proxyd stopped")
	return prxerr.Ok
}

// buildTransport selects and configures the mqtt or ws transport.Transport
// per cfg.Transport.Kind (spec.md §4.3, §6).
func buildTransport(cfg *config.Config, logger *slog.Logger) (transport.Transport, transport.Entry, error) {
	entry := transport.Entry{
		Address:  cfg.Transport.Broker,
		Username: cfg.Transport.Username,
		Password: cfg.Transport.Password,
	}

	switch cfg.Transport.Kind {
	case "mqtt":
		return mqtt.New(mqtt.Config{
			DeviceName:        cfg.Transport.DeviceName,
			HeartbeatInterval: cfg.Transport.HeartbeatInterval(),
			TelemetryInterval: cfg.Transport.TelemetryInterval(),
			Codec:             wire.NewBinaryCodec(),
			Logger:            logger,
		}), entry, nil
	case "ws":
		return ws.New(ws.Config{
			Codec:  wire.NewBinaryCodec(),
			Logger: logger,
		}), entry, nil
	default:
		return nil, entry, fmt.Errorf("unsupported transport.kind %q", cfg.Transport.Kind)
	}
}
