// Command bot runs the market-making engine.
//
// Architecture:
//
//	main.go                    — entry point: subcommands, config load, signal-based shutdown
//	internal/engine/engine.go  — orchestrator: wires every component and owns their goroutines
//	internal/pipeline/         — per-tick quoting pipeline: spread, guards, skew, queue-awareness
//	internal/lifecycle/        — Order Lifecycle Manager: amend-vs-cancel write path
//	internal/orderstore/       — durable local order record, snapshot + recovery
//	internal/exchange/         — REST + WebSocket adapter: auth, rate limiting, circuit gate
//	internal/risk/             — composite guard levels (OK/SOFT/HARD) from live signals
//	internal/reconciler/       — periodic store-vs-exchange diff and hard-desync escalation
//	internal/api/              — health/metrics/snapshot HTTP surface + operator WS push feed
//
// Subcommands:
//
//	run           — start the engine and trade live until a shutdown signal
//	paper         — like run, but forces dry_run regardless of config
//	recover       — load the order store's last snapshot and report recovered state, then exit
//	snapshot-now  — force an immediate order store snapshot and exit
//
// Exit codes: 0 clean shutdown, 1 runtime error, 2 configuration validation error.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketmaker/internal/api"
	"marketmaker/internal/config"
	"marketmaker/internal/engine"
	"marketmaker/internal/orderstore"
	"marketmaker/internal/secrets"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	sub := "run"
	if len(args) > 0 {
		sub = args[0]
	}

	cfgPath := configPath()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 2
	}

	logger, logLevel := newLogger(cfg.Logging)

	switch sub {
	case "run":
		return runEngine(cfg, logger, logLevel, false)
	case "paper":
		return runEngine(cfg, logger, logLevel, true)
	case "recover":
		return runRecover(cfg, logger)
	case "snapshot-now":
		return runSnapshotNow(cfg, logger)
	default:
		logger.Error("unknown subcommand", "subcommand", sub)
		return 2
	}
}

// newLogger builds the process logger. The returned LevelVar backs the
// handler's level so a hot-reload of logging.level takes effect without
// rebuilding the handler chain.
func newLogger(cfg config.LoggingConfig) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(parseLogLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(secrets.NewRedactingHandler(handler)), level
}

func runEngine(cfg *config.Config, logger *slog.Logger, logLevel *slog.LevelVar, forceDryRun bool) int {
	if forceDryRun && !cfg.DryRun {
		logger.Warn("paper mode: forcing dry_run regardless of config")
		cfg.DryRun = true
	}

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		return 1
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("observability server failed", "error", err)
			}
		}()
		logger.Info("observability server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	// The engine derives its own long-lived context from this one and owns
	// its cancellation through Stop.
	if err := eng.Start(context.Background()); err != nil {
		logger.Error("failed to start engine", "error", err)
		return 1
	}

	if err := config.WatchAndReload(configPath(), func(newCfg *config.Config, reloadErr error) {
		if reloadErr != nil {
			logger.Error("config reload rejected", "error", reloadErr)
			return
		}
		eng.ApplyRuntimeConfig(newCfg)
		logLevel.Set(parseLogLevel(newCfg.Logging.Level))
		logger.Info("config reloaded", "log_level", newCfg.Logging.Level)
	}); err != nil {
		logger.Warn("config hot-reload watch failed to start", "error", err)
	}

	logger.Info("market maker started", "symbols", cfg.Symbols, "dry_run", cfg.DryRun)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop observability server", "error", err)
		}
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStop()
	if err := eng.Stop(stopCtx); err != nil {
		logger.Error("engine shutdown reported an error", "error", err)
		return 1
	}
	return 0
}

func runRecover(cfg *config.Config, logger *slog.Logger) int {
	store, err := orderstore.Open(cfg.Store.SnapshotDir)
	if err != nil {
		logger.Error("failed to open order store", "error", err)
		return 1
	}
	defer store.Close()

	nonTerminal, err := store.Recover()
	if err != nil {
		logger.Error("recovery failed", "error", err)
		return 1
	}
	logger.Info("recovery complete", "non_terminal_orders", len(nonTerminal))
	for _, ord := range nonTerminal {
		logger.Info("recovered order", "client_order_id", ord.ClientOrderID,
			"symbol", ord.Symbol, "side", ord.Side, "state", ord.State)
	}
	return 0
}

func runSnapshotNow(cfg *config.Config, logger *slog.Logger) int {
	store, err := orderstore.Open(cfg.Store.SnapshotDir)
	if err != nil {
		logger.Error("failed to open order store", "error", err)
		return 1
	}
	defer store.Close()

	if _, err := store.Recover(); err != nil {
		logger.Error("recovery before snapshot failed", "error", err)
		return 1
	}
	if err := store.Snapshot(); err != nil {
		logger.Error("snapshot failed", "error", err)
		return 1
	}
	logger.Info("snapshot written", "dir", cfg.Store.SnapshotDir)
	return 0
}

func configPath() string {
	if p := os.Getenv("MM_CONFIG"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
