// Package app wires all Parley subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the admission API until the context is cancelled,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSessionFactory).
// When an option is not provided, New creates real implementations from the
// config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/health"
	"github.com/parley-ai/parley/internal/server"
	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/audio/track"
	"github.com/parley-ai/parley/pkg/provider/stt"
	"github.com/parley-ai/parley/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry. Both slots are required to run sessions.
type Providers struct {
	STT stt.Provider
	TTS tts.Provider
}

// App owns all subsystem lifetimes and serves the Parley admission API.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	sessions  *Sessions
	admission *server.Server

	// sessionFactory is set by WithSessionFactory; nil means real sessions.
	sessionFactory SessionFactory

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionFactory overrides how the registry constructs sessions. With a
// factory injected, New no longer requires STT/TTS providers.
func WithSessionFactory(f SessionFactory) Option {
	return func(a *App) { a.sessionFactory = f }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles.
//
// New performs all initialisation synchronously: media format verification,
// session registry construction, and admission server assembly. Nothing
// listens until Run.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Media format ──────────────────────────────────────────────────
	if err := verifyAudioFormat(cfg.Audio); err != nil {
		return nil, fmt.Errorf("app: verify audio format: %w", err)
	}

	// ── 2. Providers ─────────────────────────────────────────────────────
	if a.sessionFactory == nil {
		if providers.STT == nil {
			return nil, errors.New("app: no STT provider configured")
		}
		if providers.TTS == nil {
			return nil, errors.New("app: no TTS provider configured")
		}
	}

	// ── 3. Session registry ──────────────────────────────────────────────
	a.initSessions()

	// ── 4. Admission server ──────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSessions creates the session registry and schedules its teardown.
func (a *App) initSessions() {
	a.sessions = NewSessions(SessionsConfig{
		Config:     a.cfg,
		Providers:  a.providers,
		NewSession: a.sessionFactory,
	})
	a.closers = append(a.closers, a.sessions.CloseAll)
}

// initServer assembles the admission HTTP server with its readiness checkers.
func (a *App) initServer() error {
	var certFile, keyFile string
	if tls := a.cfg.Server.TLS; tls != nil {
		certFile, keyFile = tls.CertFile, tls.KeyFile
	}

	srv, err := server.New(server.Config{
		Addr:     a.cfg.Server.ListenAddr,
		CertFile: certFile,
		KeyFile:  keyFile,
		Invite:   a.sessions.Invite,
		Health:   health.New(a.readinessCheckers()...),
	})
	if err != nil {
		return err
	}
	a.admission = srv
	return nil
}

// readinessCheckers reports whether the deployment has named the upstreams a
// session will need. The transcription URL only matters for the "rpc"
// provider; other STT providers carry their own endpoints.
func (a *App) readinessCheckers() []health.Checker {
	upstreams := a.cfg.Upstreams
	checkers := []health.Checker{
		{
			Name: "signaling",
			Check: func(context.Context) error {
				if upstreams.SignalingURL == "" {
					return errors.New("no signaling URL configured")
				}
				return nil
			},
		},
		{
			Name: "token_stream",
			Check: func(context.Context) error {
				if upstreams.TokenStreamURL == "" {
					return errors.New("no token stream URL configured")
				}
				return nil
			},
		},
	}
	if a.cfg.Providers.STT.Name == "rpc" {
		baseURL := a.cfg.Providers.STT.BaseURL
		checkers = append(checkers, health.Checker{
			Name: "transcription",
			Check: func(context.Context) error {
				if upstreams.TranscriptionURL == "" && baseURL == "" {
					return errors.New("no transcription URL configured")
				}
				return nil
			},
		})
	}
	return checkers
}

// verifyAudioFormat rejects media settings that do not match the fixed
// transport format.
func verifyAudioFormat(cfg config.AudioConfig) error {
	want := audio.TransportFormat
	got := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if got != want {
		return fmt.Errorf("configured media format %s does not match the transport format %s", got, want)
	}
	if ms := int(track.FrameDuration / time.Millisecond); cfg.FrameDurationMS != ms {
		return fmt.Errorf("configured frame duration %d ms does not match the transport cadence %d ms", cfg.FrameDurationMS, ms)
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the admission server and blocks until ctx is cancelled or the
// listener fails. On cancellation it returns context.Canceled; call Shutdown
// to stop the server and close live sessions.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := a.admission.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: admission server: %w", err)
		}
		return nil
	}
}

// Sessions returns the session registry.
func (a *App) Sessions() *Sessions {
	return a.sessions
}

// ApplyConfig installs a reloaded configuration. Only session policy, VAD
// tuning and ICE servers are picked up, and only by sessions created after
// the call; live sessions keep the values they started with. Structural
// fields (listen address, providers, upstream URLs) take a restart.
func (a *App) ApplyConfig(cfg *config.Config) {
	d := config.Diff(a.sessions.Config(), cfg)
	a.sessions.SetConfig(cfg)
	if d.VADChanged || d.SessionChanged || d.ICEChanged {
		slog.Info("app: session defaults updated",
			"vad_changed", d.VADChanged,
			"session_changed", d.SessionChanged,
			"ice_changed", d.ICEChanged)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order: the admission
// server stops accepting invites, then every live session is closed. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Count())

		if err := a.admission.Shutdown(ctx); err != nil {
			slog.Warn("admission server shutdown error", "err", err)
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
