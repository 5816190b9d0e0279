// Command scribelink is the dictation client: it streams microphone audio to
// a transcription server and prints the final transcripts.
//
// Raw 16 kHz mono 16-bit PCM is read from stdin when -capture is set, e.g.
//
//	arecord -f S16_LE -r 16000 -c 1 -t raw | scribelink -capture
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

	"github.com/MrWong99/scribelink/internal/app"
	"github.com/MrWong99/scribelink/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "scribelink.yaml", "path to the YAML configuration file")
	capture := flag.Bool("capture", false, "stream raw PCM from stdin")
	frameBytes := flag.Int("frame-bytes", app.DefaultFrameBytes, "bytes per captured audio frame")
	watch := flag.Bool("watch", true, "reload the log level when the config file changes")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("scribelink", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "scribelink: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "scribelink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := &slog.LevelVar{}
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))

	slog.Info("scribelink starting",
		"version", version,
		"config", *configPath,
		"endpoint", cfg.Client.Endpoint,
		"status_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"incognito", cfg.Client.Incognito,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []app.Option{app.WithVersion(version)}
	if *capture {
		opts = append(opts, app.WithCapture(os.Stdin, *frameBytes))
	}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath, level))
	}

	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("client ready, press Ctrl+C to stop")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// newLogger writes text logs to stderr so stdout carries only transcripts.
func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
