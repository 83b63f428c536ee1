// Command meetscribe is the real-time transcription gateway for conference
// rooms.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/meetscribe/internal/app"
	"github.com/MrWong99/meetscribe/internal/config"
	"github.com/MrWong99/meetscribe/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	shutdownTimeout := flag.Duration("shutdown-timeout", 30*time.Second, "how long to wait for rooms to finish on shutdown")
	reload := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "meetscribe: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "meetscribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	level.Set(logLevel(cfg.Server.LogLevel))

	slog.Info("meetscribe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg,
		app.WithLogger(logger),
		app.WithLevel(level),
		app.WithMetricsHandler(telemetry.MetricsHandler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *reload {
		watcher, err := config.NewWatcher(*configPath, application.Reload, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := application.Run(ctx, *shutdownTimeout); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       meetscribe startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("STT", providerLabel(cfg.Providers.STT))
	for i, fb := range cfg.Providers.Fallbacks {
		printRow(fmt.Sprintf("Fallback %d", i+1), providerLabel(fb))
	}
	for lang, entry := range cfg.Providers.Languages {
		printRow("Lang "+lang, providerLabel(entry))
	}
	if cfg.Transcription.Silence != nil {
		printRow("Silence", string(cfg.Transcription.Silence.Mode))
	} else {
		printRow("Silence", "(disabled)")
	}
	if cfg.Sinks.Kafka.Enabled() {
		printRow("Kafka", fmt.Sprintf("%d broker(s)", len(cfg.Sinks.Kafka.Brokers)))
	} else {
		printRow("Kafka", "(log only)")
	}
	if cfg.Sinks.Postgres.DSN != "" {
		printRow("Postgres", "configured")
	} else {
		printRow("Postgres", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + e.Model
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func logLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
