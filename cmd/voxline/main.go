// Command voxline is the realtime voice client: it captures microphone
// audio, detects and transcribes speech, relays it to a demo call session,
// and plays back the audio the server returns.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/MrWong99/voxline/internal/app"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/observe"
	paudio "github.com/MrWong99/voxline/pkg/audio/portaudio"
)

// version is stamped via -ldflags at release time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags + environment ───────────────────────────────────────────────
	// A .env in the working directory keeps endpoints out of the config file.
	_ = godotenv.Load()

	configPath := pflag.String("config", "voxline.yaml", "path to the YAML configuration file")
	callID := pflag.String("call", "", "call ID to join (overrides the config)")
	pflag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxline: %v\n", err)
		}
		return 1
	}
	applyEnvOverrides(cfg)
	if *callID != "" {
		cfg.Session.CallID = *callID
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voxline: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voxline starting",
		"version", version,
		"config", *configPath,
		"call", cfg.Session.CallID,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "error", err)
		}
	}()

	// ── Audio host ────────────────────────────────────────────────────────────
	if err := paudio.Init(); err != nil {
		slog.Error("audio subsystem init failed", "error", err)
		return 1
	}
	defer func() {
		if err := paudio.Terminate(); err != nil {
			slog.Warn("audio subsystem terminate error", "error", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialise application", "error", err)
		return 1
	}

	// Hot reload: log level and playback volume apply immediately, the rest
	// waits for a restart.
	watcher, err := config.NewWatcher(*configPath, func(_ *config.Config, change config.Change) {
		if change.LogLevelChanged {
			level.Set(slogLevel(change.NewLogLevel))
			slog.Info("log level changed", "log_level", change.NewLogLevel)
		}
		application.ApplyConfigChange(change)
	})
	if err != nil {
		slog.Warn("config watcher not started", "error", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("ready — press Ctrl+C to leave the call")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "error", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyEnvOverrides lets deployments keep endpoints and call identity out of
// the config file. Values loaded from .env are visible here too.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("VOXLINE_SESSION_ENDPOINT"); v != "" {
		cfg.Session.Endpoint = v
	}
	if v := os.Getenv("VOXLINE_CALL_ID"); v != "" {
		cfg.Session.CallID = v
	}
	if v := os.Getenv("VOXLINE_STREAMING_ENDPOINT"); v != "" {
		cfg.Transcription.StreamingEndpoint = v
	}
	if v := os.Getenv("VOXLINE_UPLOAD_ENDPOINT"); v != "" {
		cfg.Transcription.UploadEndpoint = v
	}
}

func slogLevel(level config.LogLevel) slog.Level {
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
