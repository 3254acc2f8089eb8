package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/session"
)

// Conversation is the slice of a live session the registry drives.
// *session.Session satisfies it; tests substitute their own through
// [SessionsConfig.NewSession].
type Conversation interface {
	Initialize(ctx context.Context) error
	Close() error
	PeerCount() int
}

var _ Conversation = (*session.Session)(nil)

// SessionFactory constructs a session from its assembled configuration.
type SessionFactory func(cfg session.Config) (Conversation, error)

// liveSession is one registry entry.
type liveSession struct {
	conv      Conversation
	startedAt time.Time
}

// Sessions tracks every live conversation keyed by context id. One session
// per context: a second invite while the first is live is rejected.
// All exported methods are safe for concurrent use.
type Sessions struct {
	providers  *Providers
	newSession SessionFactory
	metrics    *observe.Metrics

	// cfg is the configuration snapshot new sessions are built from;
	// config reloads swap it.
	cfg atomic.Pointer[config.Config]

	mu     sync.Mutex
	active map[string]liveSession
}

// SessionsConfig holds the dependencies for a [Sessions] registry.
type SessionsConfig struct {
	Config    *config.Config
	Providers *Providers

	// NewSession overrides session construction for tests. nil uses
	// [session.New].
	NewSession SessionFactory
}

// NewSessions creates an empty registry.
func NewSessions(cfg SessionsConfig) *Sessions {
	m := &Sessions{
		providers:  cfg.Providers,
		newSession: cfg.NewSession,
		metrics:    observe.DefaultMetrics(),
		active:     make(map[string]liveSession),
	}
	m.cfg.Store(cfg.Config)
	if m.newSession == nil {
		m.newSession = func(sc session.Config) (Conversation, error) {
			return session.New(sc)
		}
	}
	return m
}

// Invite admits the agent into the conversation identified by contextID and
// blocks until the session is initialized: room joined, upstream context
// bound, speech producer running. The access token travels to the upstreams
// verbatim.
func (m *Sessions) Invite(ctx context.Context, contextID, accessToken string) error {
	scfg := m.sessionConfig(contextID, accessToken)

	var conv Conversation
	scfg.OnClose = func(id string) { m.release(id, conv) }

	conv, err := m.newSession(scfg)
	if err != nil {
		return fmt.Errorf("app: create session: %w", err)
	}

	m.mu.Lock()
	if _, ok := m.active[contextID]; ok {
		m.mu.Unlock()
		conv.Close()
		return fmt.Errorf("app: a session is already active for context %q", contextID)
	}
	m.active[contextID] = liveSession{conv: conv, startedAt: time.Now()}
	m.mu.Unlock()
	m.metrics.ActiveSessions.Add(ctx, 1)

	if err := conv.Initialize(ctx); err != nil {
		conv.Close()
		return fmt.Errorf("app: initialize session: %w", err)
	}

	slog.Info("app: agent invited", "context_id", contextID, "sessions", m.Count())
	return nil
}

// release drops a closed session's registry entry. The identity check keeps
// the close of a rejected duplicate from evicting the live entry.
func (m *Sessions) release(contextID string, conv Conversation) {
	m.mu.Lock()
	ls, ok := m.active[contextID]
	if !ok || ls.conv != conv {
		m.mu.Unlock()
		return
	}
	delete(m.active, contextID)
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("app: session released",
		"context_id", contextID,
		"uptime", time.Since(ls.startedAt).Round(time.Second))
}

// CloseAll closes every live session and waits for each to wind down.
// Invites may still land while it runs; only the snapshot is closed.
func (m *Sessions) CloseAll() error {
	m.mu.Lock()
	convs := make([]Conversation, 0, len(m.active))
	for _, ls := range m.active {
		convs = append(convs, ls.conv)
	}
	m.mu.Unlock()

	var errs []error
	for _, conv := range convs {
		if err := conv.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Count reports how many sessions are live.
func (m *Sessions) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// SetConfig installs the configuration snapshot used for sessions created
// from now on. Live sessions keep the values they started with.
func (m *Sessions) SetConfig(cfg *config.Config) {
	m.cfg.Store(cfg)
}

// Config returns the current configuration snapshot.
func (m *Sessions) Config() *config.Config {
	return m.cfg.Load()
}

// sessionConfig assembles a session.Config from the current snapshot.
// Policy fields are captured here, not referenced live.
func (m *Sessions) sessionConfig(contextID, accessToken string) session.Config {
	cfg := m.cfg.Load()
	return session.Config{
		ContextID:           contextID,
		AccessToken:         accessToken,
		SignalingToken:      cfg.Upstreams.SignalingToken,
		SignalingURL:        cfg.Upstreams.SignalingURL,
		TokenStreamURL:      cfg.Upstreams.TokenStreamURL,
		STT:                 m.providers.STT,
		TTS:                 m.providers.TTS,
		VoiceID:             cfg.Session.VoiceID,
		SelfDescription:     cfg.Session.SelfDescription,
		AllowsInterruptions: cfg.Session.AllowsInterruptions,
		ICEServers:          cfg.ICE.Servers,
		CalibrationWindow:   cfg.VAD.CalibrationWindow,
		CalibrationFactor:   cfg.VAD.CalibrationFactor,
		InitialThreshold:    cfg.VAD.InitialThreshold,
		SilenceDuration:     cfg.VAD.SilenceDuration(),
		MinSpeechRatio:      cfg.VAD.MinSpeechRatio,
		RejectTranscripts:   cfg.VAD.RejectTranscripts,
	}
}
