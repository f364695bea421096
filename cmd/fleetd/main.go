package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

DAEMON MODE:
  %[1]s -daemon                         Reconcile, then run the monitor and outbox worker

SUBCOMMANDS:
  %[1]s spawn -request <file.json>      Admit a task and bring an agent up for it
                                        Flags: -tier <tier>, -prompt-file <file>
  %[1]s reconcile                       Compare live tasks with running agents once
  %[1]s outbox drain                    Deliver pending outbox entries and exit
  %[1]s limit <tier> <n>                Set a tier's concurrency limit in config.yaml
  %[1]s status                          Show task, outbox and daemon health
  %[1]s doctor [-json]                  Check git, tmux or docker, gh and the event bus

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  FLEET_HOME              Data directory (default: ~/.fleet)
  FLEET_BUS_URL           External event bus websocket URL
  FLEET_MODE              Agent hosting: local (tmux) or container (docker)
  TELEGRAM_TOKEN          Bot token for failure alerts
`)
}

func main() {
	daemon := flag.Bool("daemon", false, "run the fleet daemon (logs to stdout)")
	flag.Usage = printUsage
	flag.Parse()

	// Subcommands print results on stdout, so logs stay in the file when a human is watching.
	quietLogs := !*daemon && isatty.IsTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if !*daemon && len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if *daemon {
		if err := runDaemon(ctx, cfg, logger); err != nil {
			fatalStartup(logger, "E_DAEMON", err)
		}
		return
	}

	var code int
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "spawn":
		code = runSpawnCommand(ctx, cfg, logger, args[1:])
	case "reconcile":
		code = runReconcileCommand(ctx, cfg, logger, args[1:])
	case "outbox":
		code = runOutboxCommand(ctx, cfg, logger, args[1:])
	case "limit":
		code = runLimitCommand(cfg, args[1:])
	case "status":
		code = runStatusCommand(ctx, cfg, logger, args[1:])
	case "doctor":
		code = runDoctorCommand(ctx, cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		code = 2
	}
	closer.Close()
	os.Exit(code)
}

func runDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "fingerprint", cfg.Fingerprint())

	rt, err := newRuntime(ctx, cfg, logger, runtimeOptions{externalBus: true, agents: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.close(); err != nil {
			logger.Warn("shutdown cleanup failed", "error", err)
		}
	}()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	// Start reconciles before the first cycle.
	rt.monitor.Start(ctx)
	logger.Info("startup phase", "phase", "monitor_started", "interval", cfg.Monitor.Interval().String())

	worker := rt.outboxWorker()
	worker.Start(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	}

	var server *http.Server
	if cfg.HealthAddr != "" {
		server = &http.Server{
			Addr:              cfg.HealthAddr,
			Handler:           healthHandler(rt),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server failed", "addr", cfg.HealthAddr, "error", err)
			}
		}()
	}
	logger.Info("startup phase", "phase", "ready", "health_addr", cfg.HealthAddr)

	for {
		select {
		case ev, ok := <-watcher.Events():
			if !ok {
				// The watcher stops with ctx; fall through to the shutdown wait.
				<-ctx.Done()
				return shutdown(logger, rt, worker, server)
			}
			next, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Warn("config reload rejected", "path", ev.Path, "error", err)
				continue
			}
			rt.applyReload(next)
			logger.Info("config reloaded", "fingerprint", next.Fingerprint())
		case <-ctx.Done():
			return shutdown(logger, rt, worker, server)
		}
	}
}

// shutdown stops intake first, then waits for the in-flight cycle and batch.
func shutdown(logger *slog.Logger, rt *runtime, worker interface{ Stop() context.Context }, server *http.Server) error {
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}
	for _, done := range []context.Context{rt.monitor.Stop(), worker.Stop()} {
		select {
		case <-done.Done():
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timed out waiting for background work")
			return nil
		}
	}
	logger.Info("shutdown complete")
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
