// Package app wires the scribelink subsystems into a running client.
//
// The App struct owns the full lifecycle: New acquires the single-instance
// lock, initialises telemetry and builds the connection orchestrator, Run
// drives the orchestrator, the audio capture pump and the local status
// server, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithCredentials,
// WithCapture, WithOrchestratorOptions). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/scribelink/internal/backoff"
	"github.com/MrWong99/scribelink/internal/config"
	"github.com/MrWong99/scribelink/internal/credential"
	"github.com/MrWong99/scribelink/internal/health"
	"github.com/MrWong99/scribelink/internal/lock"
	"github.com/MrWong99/scribelink/internal/observe"
	"github.com/MrWong99/scribelink/internal/orchestrator"
)

// DefaultFrameBytes is 20 ms of 16 kHz mono 16-bit PCM.
const DefaultFrameBytes = 640

// banLogEvery spaces the cooldown log lines while banned.
const banLogEvery = 30 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	version string

	creds      credential.Provider
	orchOpts   []orchestrator.Option
	orch       *orchestrator.Orchestrator
	tel        *observe.Telemetry
	instance   *lock.Instance
	watcher    *config.Watcher
	levelVar   *slog.LevelVar
	cfgPath    string
	transcript io.Writer

	capture    io.Reader
	frameBytes int

	statusLn  net.Listener
	statusSrv *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithVersion sets the client version used when the config names none.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithCredentials injects a credential provider instead of building one from
// the auth config.
func WithCredentials(p credential.Provider) Option {
	return func(a *App) { a.creds = p }
}

// WithCapture streams raw PCM from r to the server in frames of frameBytes.
// Capture starts when Run starts and stops at EOF. A frameBytes of zero uses
// [DefaultFrameBytes].
func WithCapture(r io.Reader, frameBytes int) Option {
	return func(a *App) {
		a.capture = r
		a.frameBytes = frameBytes
	}
}

// WithTranscriptWriter sets where final transcripts are written, one per
// line. Defaults to stdout.
func WithTranscriptWriter(w io.Writer) Option {
	return func(a *App) { a.transcript = w }
}

// WithConfigWatch polls path for changes. Log level changes are applied to
// lv; other changes are reported as requiring a restart.
func WithConfigWatch(path string, lv *slog.LevelVar) Option {
	return func(a *App) {
		a.cfgPath = path
		a.levelVar = lv
	}
}

// WithOrchestratorOptions passes extra options to the orchestrator.
func WithOrchestratorOptions(opts ...orchestrator.Option) Option {
	return func(a *App) { a.orchOpts = append(a.orchOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It validates the
// endpoint but opens no connection; a second instance for the same lock file
// fails with [lock.ErrAlreadyRunning].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:        cfg,
		transcript: os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.frameBytes <= 0 {
		a.frameBytes = DefaultFrameBytes
	}
	if cfg.Client.Version != "" {
		a.version = cfg.Client.Version
	}
	if a.version == "" {
		return nil, errors.New("app: client version is required")
	}

	ok := false
	defer func() {
		if !ok {
			a.runClosers()
		}
	}()

	// ── 1. Single-instance lock ──────────────────────────────────────────
	lockPath := cfg.Client.LockPath
	if lockPath == "" {
		lockPath = lock.DefaultPath()
	}
	inst, err := lock.Acquire(lockPath)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.instance = inst
	a.closers = append(a.closers, inst.Close)

	// ── 2. Telemetry ─────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: a.version})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.tel = tel
	a.closers = append([]func() error{func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(sctx)
	}}, a.closers...)

	// ── 3. Orchestrator ──────────────────────────────────────────────────
	if a.creds == nil {
		a.creds = credentialsFromConfig(cfg.Client.Auth)
	}
	orchOpts := append([]orchestrator.Option{
		orchestrator.WithCredentials(a.creds),
		orchestrator.WithMetrics(tel.Metrics),
	}, a.orchOpts...)
	orch, err := orchestrator.New(ctx, orchestratorConfig(cfg, a.version), orchOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}
	a.orch = orch
	a.closers = append([]func() error{orch.Close}, a.closers...)
	if w, ok := a.creds.(interface{ Wipe() }); ok {
		a.closers = append(a.closers, func() error { w.Wipe(); return nil })
	}

	// ── 4. Status server ─────────────────────────────────────────────────
	if cfg.Server.ListenAddr != config.StatusDisabled {
		if err := a.initStatus(); err != nil {
			return nil, fmt.Errorf("app: init status server: %w", err)
		}
	}

	// ── 5. Config watcher ────────────────────────────────────────────────
	if a.cfgPath != "" {
		w, err := config.NewWatcher(a.cfgPath, a.onConfigChange)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
		a.closers = append([]func() error{func() error { w.Stop(); return nil }}, a.closers...)
	}

	ok = true
	return a, nil
}

// initStatus binds the status listener so that address errors surface at
// startup.
func (a *App) initStatus() error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return err
	}
	a.statusLn = ln

	h := health.New([]health.Checker{
		{Name: "connection", Check: func(context.Context) error { return a.orch.Healthy() }},
		{Name: "credentials", Check: a.checkCredentials},
	}, health.WithSnapshot(func() any { return a.orch.Snapshot() }))

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", a.tel.MetricsHandler)

	a.statusSrv = &http.Server{
		Handler:           observe.Middleware(a.tel.Metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// checkCredentials reports whether a token is currently available. The
// secret is wiped immediately.
func (a *App) checkCredentials(ctx context.Context) error {
	tok, err := a.creds.Token(ctx)
	if err != nil {
		return err
	}
	tok.Zero()
	return nil
}

func (a *App) onConfigChange(d config.ConfigDiff, _ *config.Config) {
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
}

// Orchestrator returns the connection orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// StatusAddr returns the bound status server address, or "" when disabled.
func (a *App) StatusAddr() string {
	if a.statusLn == nil {
		return ""
	}
	return a.statusLn.Addr().String()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run drives the orchestrator and blocks until ctx is cancelled or the
// orchestrator stops. With a capture source configured, audio is streamed
// from it; otherwise the client connects immediately and waits for
// transcripts.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// Subscribe before the loop starts so no early event is missed.
	events, unsubscribe := a.orch.Subscribe()
	countdown, stopCountdown := a.orch.BanCountdown()

	g.Go(func() error {
		defer cancel()
		err := a.orch.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		defer unsubscribe()
		a.consumeEvents(gctx, events)
		return nil
	})

	g.Go(func() error {
		defer stopCountdown()
		logCountdown(gctx, countdown)
		return nil
	})

	if a.statusSrv != nil {
		g.Go(func() error {
			slog.Info("status server listening", "addr", a.StatusAddr())
			if err := a.statusSrv.Serve(a.statusLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return a.statusSrv.Shutdown(sctx)
		})
	}

	rejected := false
	if a.cfg.Client.Preflight {
		if _, err := a.orch.Preflight(gctx); err != nil {
			var f *orchestrator.Fault
			if errors.As(err, &f) {
				rejected = true
				slog.Error("preflight rejected this client, not connecting", "err", err)
			} else {
				slog.Warn("preflight failed, connecting anyway", "err", err)
			}
		}
	}

	switch {
	case rejected:
	case a.capture != nil:
		// The pump blocks in Read and is not waited for; it ends at EOF or
		// once the orchestrator refuses frames.
		go a.pump(a.capture)
	default:
		if err := a.orch.Connect(); err != nil {
			slog.Warn("connect refused", "err", err)
		}
	}

	slog.Info("app running", "endpoint", a.orch.Target().String(), "capture", a.capture != nil)
	return g.Wait()
}

// pump reads fixed-size frames from r and hands them to the orchestrator.
// A short final frame is sent as is.
func (a *App) pump(r io.Reader) {
	if err := a.orch.StartCapture(); err != nil {
		slog.Warn("start capture failed", "err", err)
		return
	}
	buf := make([]byte, a.frameBytes)
	var frames int
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			_, cerr := a.orch.Capture(buf[:n], time.Now())
			switch {
			case errors.Is(cerr, orchestrator.ErrNoSession):
				// Banned or torn down; the frame is lost.
			case errors.Is(cerr, orchestrator.ErrNotCapturing):
				slog.Info("capture stopped by orchestrator", "frames", frames)
				return
			case cerr == nil:
				frames++
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("capture source failed", "err", err)
			}
			break
		}
	}
	clear(buf)
	slog.Info("capture finished", "frames", frames)
	if err := a.orch.StopCapture(); err != nil && !errors.Is(err, orchestrator.ErrClosed) {
		slog.Warn("stop capture failed", "err", err)
	}
}

// consumeEvents writes final transcripts and surfaces notices until the
// subscription closes.
func (a *App) consumeEvents(ctx context.Context, events <-chan orchestrator.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case orchestrator.EventTranscript:
				if !ev.Final {
					continue
				}
				if _, err := fmt.Fprintln(a.transcript, ev.Text); err != nil {
					slog.Warn("write transcript failed", "err", err)
				}
			case orchestrator.EventNotice:
				slog.Info("server notice", "text", ev.Text)
			case orchestrator.EventFault:
				if ev.Fault != nil && ev.Fault.Fatal {
					slog.Error("connection stopped", "kind", ev.Fault.Kind, "err", ev.Fault.Err)
				}
			}
		}
	}
}

// logCountdown logs the remaining ban cooldown on round intervals and on
// expiry.
func logCountdown(ctx context.Context, ch <-chan time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case rem, ok := <-ch:
			if !ok {
				return
			}
			switch {
			case rem == 0:
				slog.Info("ban cooldown elapsed")
			case rem%banLogEvery == 0:
				slog.Info("banned by server", "remaining", rem)
			}
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if a.statusSrv != nil {
			if err := a.statusSrv.Shutdown(ctx); err != nil {
				slog.Warn("status server shutdown error", "err", err)
			}
			// Unused when Run was never called.
			_ = a.statusLn.Close()
		}
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases whatever New had acquired before failing.
func (a *App) runClosers() {
	if a.statusLn != nil {
		_ = a.statusLn.Close()
	}
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to a slog level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
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

// credentialsFromConfig builds the provider for the configured token source.
// A token file takes precedence over the environment.
func credentialsFromConfig(auth config.AuthConfig) credential.Provider {
	kind := credential.Kind(auth.Kind)
	if auth.TokenFile != "" {
		return credential.File{Kind: kind, Path: auth.TokenFile}
	}
	return credential.Env{Kind: kind, Var: auth.TokenEnv}
}

func orchestratorConfig(cfg *config.Config, version string) orchestrator.Config {
	bo := backoff.Config{
		Base:   cfg.Backoff.Base,
		Max:    cfg.Backoff.Max,
		Jitter: cfg.Backoff.Jitter,
	}
	return orchestrator.Config{
		Endpoint:             cfg.Client.Endpoint,
		ClientVersion:        version,
		MinCompatibleVersion: cfg.Client.MinCompatibleVersion,
		Incognito:            cfg.Client.Incognito,
		HandshakeTimeout:     cfg.Timeouts.Handshake,
		IdleTimeout:          cfg.Timeouts.Idle,
		WriteTimeout:         cfg.Timeouts.Write,
		CloseTimeout:         cfg.Timeouts.Close,
		HeartbeatInterval:    cfg.Heartbeat.Interval,
		HeartbeatMaxMissed:   cfg.Heartbeat.MaxMissed,
		Backoff:              bo,
		MaxRetries:           cfg.Backoff.MaxAttempts,
		BufferMaxBytes:       cfg.Buffer.MaxBytes,
		BufferPolicy:         cfg.Buffer.Policy,
		BanCooldown:          cfg.Ban.DefaultCooldown,
	}
}
