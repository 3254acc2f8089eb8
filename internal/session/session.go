// Package session orchestrates one live conversation: a room of WebRTC
// participants on one side, the token-streaming upstream on the other, and
// the audio pipelines between them.
//
// A [Session] joins the signaling room named after the conversation context
// and builds a runtime for every participant who connects: a voice-activity
// segmenter feeding the transcription service, a paced synthesized-speech
// track played back over WebRTC, and a JSON-RPC peer on the data channel
// carrying status and transcript notifications. Upstream tokens are
// assembled into sentences, synthesized, and fanned out to every connected
// track. When the last participant leaves, the session closes itself and
// reports through [Config.OnClose].
//
// Voice-activity calibration is session-wide: the first ambient-energy
// measurement from any participant fixes the detection threshold for the
// whole conversation, and until it lands no microphone audio reaches the
// segmenters.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/peer"
	"github.com/parley-ai/parley/internal/pipeline"
	"github.com/parley-ai/parley/internal/room"
	"github.com/parley-ai/parley/internal/speech"
	"github.com/parley-ai/parley/internal/tokenstream"
	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/audio/track"
	"github.com/parley-ai/parley/pkg/provider/stt"
	"github.com/parley-ai/parley/pkg/provider/tts"
	"github.com/parley-ai/parley/pkg/rpc"
)

const (
	// DefaultSelfDescription is announced to the room when the
	// configuration names none.
	DefaultSelfDescription = "Agent"

	// DefaultInitialThreshold gates voice detection until ambient
	// calibration lands. It is deliberately gentle: before calibration the
	// segmenters never see audio anyway.
	DefaultInitialThreshold = 0.001

	// DefaultCalibrationFactor scales the measured ambient energy into the
	// voice-activity threshold.
	DefaultCalibrationFactor = 0.4

	// tokenQueueSize bounds buffered upstream tokens. A full queue blocks
	// the token dispatch loop, pushing back on the upstream connection.
	tokenQueueSize = 256
)

// PeerSession is the slice of a WebRTC peer session the orchestrator drives.
// *peer.Session satisfies it; tests substitute their own through
// [Config.NewPeerSession].
type PeerSession interface {
	CreateOffer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	CreateAnswer() (webrtc.SessionDescription, error)
	AddICECandidate(*peer.Candidate) error
	SendText(msg string)
	Close() error
}

var _ PeerSession = (*peer.Session)(nil)

// Config describes one conversation session.
type Config struct {
	// ContextID identifies the conversation. It doubles as the signaling
	// room id and the upstream context binding. Required.
	ContextID string

	// AccessToken is forwarded opaquely with the room join and the
	// upstream context binding.
	AccessToken string

	// SignalingToken, when set, replaces AccessToken on the room join
	// only. Lets deployments authenticate against the signaling server
	// with a credential separate from the conversation's own token.
	SignalingToken string

	// SignalingURL is the ws(s):// address of the signaling server.
	// Required.
	SignalingURL string

	// TokenStreamURL is the ws(s):// address of the token-streaming
	// upstream. Required.
	TokenStreamURL string

	// STT builds one transcriber per participant. Required.
	STT stt.Provider

	// TTS synthesizes the agent's sentences. Required.
	TTS tts.Provider

	// VoiceID is the fallback synthesis voice, used when the upstream
	// agent profile names none.
	VoiceID string

	// SelfDescription is the role announced to other participants.
	// Defaults to [DefaultSelfDescription].
	SelfDescription string

	// AllowsInterruptions keeps microphone audio flowing to the
	// segmenters while the agent is speaking. When false, participant
	// speech is ignored for as long as synthesized audio is playing.
	AllowsInterruptions bool

	// ICEServers lists STUN/TURN URLs handed to every peer connection.
	ICEServers []string

	// CalibrationWindow is the chunk count per ambient measurement.
	// Values <= 0 select [audio.DefaultCalibrationWindow].
	CalibrationWindow int

	// CalibrationFactor scales ambient energy into the detection
	// threshold. Values <= 0 select [DefaultCalibrationFactor].
	CalibrationFactor float64

	// InitialThreshold is the detection threshold before calibration.
	// Values <= 0 select [DefaultInitialThreshold].
	InitialThreshold float64

	// SilenceDuration, MinSpeechRatio and RejectTranscripts tune the
	// per-participant segmenters. Zero values select the pipeline
	// defaults.
	SilenceDuration   time.Duration
	MinSpeechRatio    float64
	RejectTranscripts []string

	// OnClose is called once, after the session has fully shut down.
	// Optional.
	OnClose func(contextID string)

	// RoomDialer and TokenDialer override the websocket dials, letting
	// tests wire in-memory transports. nil uses rpc.Dial.
	RoomDialer  func(ctx context.Context, url string) (rpc.Conn, error)
	TokenDialer func(ctx context.Context, url string) (rpc.Conn, error)

	// NewPeerSession overrides WebRTC session construction for tests.
	// nil uses peer.New.
	NewPeerSession func(peerID string, out *track.Track, cfg peer.Config, events peer.Events) (PeerSession, error)
}

// Session is one live conversation. Create with [New], start with
// [Session.Initialize] and stop with [Session.Close]. A session also closes
// itself when its last participant leaves.
type Session struct {
	cfg            Config
	metrics        *observe.Metrics
	newPeerSession func(peerID string, out *track.Track, cfg peer.Config, events peer.Events) (PeerSession, error)

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	room   *room.Room
	tokens *tokenstream.Client

	tokenCh chan string

	mu            sync.Mutex
	peers         map[string]*peerRuntime
	hasCalibrated bool
	threshold     float64
	closed        bool

	closeOnce sync.Once
	closeErr  error
}

// New validates the configuration and prepares a session. No I/O happens
// until Initialize.
func New(cfg Config) (*Session, error) {
	if cfg.ContextID == "" {
		return nil, errors.New("session: context id must not be empty")
	}
	if cfg.SignalingURL == "" {
		return nil, errors.New("session: signaling URL must not be empty")
	}
	if cfg.TokenStreamURL == "" {
		return nil, errors.New("session: token stream URL must not be empty")
	}
	if cfg.STT == nil {
		return nil, errors.New("session: STT provider must not be nil")
	}
	if cfg.TTS == nil {
		return nil, errors.New("session: TTS provider must not be nil")
	}
	if cfg.SelfDescription == "" {
		cfg.SelfDescription = DefaultSelfDescription
	}
	if cfg.CalibrationFactor <= 0 {
		cfg.CalibrationFactor = DefaultCalibrationFactor
	}
	if cfg.InitialThreshold <= 0 {
		cfg.InitialThreshold = DefaultInitialThreshold
	}
	if cfg.SignalingToken == "" {
		cfg.SignalingToken = cfg.AccessToken
	}

	base, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(base)
	s := &Session{
		cfg:       cfg,
		metrics:   observe.DefaultMetrics(),
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
		tokenCh:   make(chan string, tokenQueueSize),
		peers:     make(map[string]*peerRuntime),
		threshold: cfg.InitialThreshold,
	}
	s.newPeerSession = cfg.NewPeerSession
	if s.newPeerSession == nil {
		s.newPeerSession = func(peerID string, out *track.Track, cfg peer.Config, events peer.Events) (PeerSession, error) {
			return peer.New(peerID, out, cfg, events)
		}
	}

	r, err := room.New(room.Config{
		SignalingURL:    cfg.SignalingURL,
		RoomID:          cfg.ContextID,
		SelfDescription: cfg.SelfDescription,
		AuthToken:       cfg.SignalingToken,
		CreatePeer:      s.createPeer,
		OnStatus: func(status rpc.Status) {
			s.broadcast("room_connection_status", statusParams{Status: status.String()})
		},
		Dialer: cfg.RoomDialer,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("session: create room: %w", err)
	}
	s.room = r

	var opts []tokenstream.Option
	if cfg.TokenDialer != nil {
		opts = append(opts, tokenstream.WithDialer(cfg.TokenDialer))
	}
	ts, err := tokenstream.New(cfg.TokenStreamURL, tokenstream.Callbacks{
		OnToken:        s.onToken,
		OnToolCall:     s.onToolCall,
		OnToolResponse: s.onToolResponse,
		OnStatus: func(status rpc.Status) {
			s.broadcast("token_streaming_service_connection_status", statusParams{Status: status.String()})
		},
	}, opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("session: create token client: %w", err)
	}
	s.tokens = ts
	return s, nil
}

// Initialize joins the signaling room, binds the upstream context and starts
// the speech producer. On error everything opened so far is torn down; the
// session is not usable afterwards.
func (s *Session) Initialize(ctx context.Context) error {
	if err := s.room.Connect(ctx); err != nil {
		s.cancel()
		return fmt.Errorf("session: join room: %w", err)
	}

	agent, err := s.tokens.Connect(ctx, s.cfg.ContextID, s.cfg.AccessToken)
	if err != nil {
		s.room.Close()
		s.cancel()
		return fmt.Errorf("session: bind context: %w", err)
	}

	voiceID := agent.VoiceID
	if voiceID == "" {
		voiceID = s.cfg.VoiceID
	}

	producer, err := speech.NewProducer(speech.Config{
		Tokens:    s.tokenCh,
		Synth:     s.cfg.TTS,
		Voice:     tts.VoiceProfile{ID: voiceID},
		Broadcast: s.broadcast,
		Sinks:     s.sinks,
	})
	if err != nil {
		s.tokens.Close()
		s.room.Close()
		s.cancel()
		return fmt.Errorf("session: create speech producer: %w", err)
	}
	s.group.Go(func() error { return producer.Run(s.ctx) })

	slog.Info("session: initialized",
		"context_id", s.cfg.ContextID,
		"voice_id", voiceID)
	return nil
}

// Close shuts the session down: every peer runtime, the room membership and
// the upstream connection. Safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		peers := s.peers
		s.peers = make(map[string]*peerRuntime)
		s.mu.Unlock()

		s.cancel()
		for id, rt := range peers {
			rt.release()
			s.room.RemovePeer(id)
		}
		roomErr := s.room.Close()
		tokensErr := s.tokens.Close()
		s.closeErr = errors.Join(roomErr, tokensErr, s.group.Wait())

		slog.Info("session: closed", "context_id", s.cfg.ContextID)
		if s.cfg.OnClose != nil {
			s.cfg.OnClose(s.cfg.ContextID)
		}
	})
	return s.closeErr
}

// PeerCount reports how many participants are currently connected.
func (s *Session) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// onToken queues one upstream token for the speech producer. A full queue
// blocks, which backpressures the upstream dispatch loop.
func (s *Session) onToken(token, _ string) {
	select {
	case s.tokenCh <- token:
	case <-s.ctx.Done():
	}
}

func (s *Session) onToolCall(toolID, toolName string, input json.RawMessage) {
	s.broadcast("tool_call", toolCallParams{
		ToolID:    toolID,
		ToolName:  toolName,
		ToolInput: input,
	})
}

func (s *Session) onToolResponse(toolID, toolName string, output json.RawMessage) {
	s.broadcast("tool_response", toolResponseParams{
		ToolID:     toolID,
		ToolName:   toolName,
		ToolOutput: output,
	})
}

// onAudioData handles one decoded microphone chunk. Every chunk feeds the
// peer's calibrator; until calibration lands nothing reaches the segmenter,
// and while the agent is speaking chunks are dropped unless interruptions
// are allowed.
func (s *Session) onAudioData(peerID string, samples []int16, sampleRate int) {
	rt := s.runtime(peerID)
	if rt == nil {
		return
	}
	if energy, ok := rt.calibrator.Add(samples); ok {
		s.completeCalibration(rt, energy)
	}

	s.mu.Lock()
	calibrated := s.hasCalibrated
	s.mu.Unlock()
	if !calibrated {
		return
	}
	if !s.cfg.AllowsInterruptions && rt.track.IsSpeaking() {
		return
	}
	if err := rt.segmenter.AddAudio(s.ctx, samples, sampleRate); err != nil && !errors.Is(err, pipeline.ErrClosed) {
		slog.Warn("session: feed segmenter", "peer_id", peerID, "error", err)
	}
}

// completeCalibration fixes the session threshold from the first ambient
// measurement. Later measurements are ignored.
func (s *Session) completeCalibration(rt *peerRuntime, energy float64) {
	s.mu.Lock()
	if s.hasCalibrated || s.closed {
		s.mu.Unlock()
		return
	}
	s.hasCalibrated = true
	threshold := audio.ThresholdFromAmbient(energy, s.cfg.CalibrationFactor)
	s.threshold = threshold
	s.mu.Unlock()

	rt.segmenter.SetThreshold(threshold)
	slog.Info("session: ambient calibration complete",
		"context_id", s.cfg.ContextID,
		"peer_id", rt.id,
		"threshold", threshold)
	s.notifyPeer(rt.id, "calibration_status", statusParams{Status: "complete"})
}

// onDataChannelStatus forwards data-channel state and kicks off the
// calibration announcement when the channel opens.
func (s *Session) onDataChannelStatus(peerID string, connected bool) {
	status := "disconnected"
	if connected {
		status = "connected"
	}
	s.notifyPeer(peerID, "data_channel_connection_status", statusParams{Status: status})
	if connected {
		s.notifyPeer(peerID, "calibration_status", statusParams{Status: "started"})
	}
}

// onConnectionStatus forwards peer connection state; terminal states release
// the runtime instead.
func (s *Session) onConnectionStatus(peerID string, state string) {
	if state == "disconnected" || state == "failed" {
		s.releasePeer(peerID)
		return
	}
	s.notifyPeer(peerID, "connection_status", statusParams{Status: state})
}

// onSpeech reports one finalized utterance back to its speaker and pushes it
// into the upstream conversation.
func (s *Session) onSpeech(peerID, text string) {
	slog.Info("session: speech detected",
		"context_id", s.cfg.ContextID,
		"peer_id", peerID,
		"text", text)
	s.notifyPeer(peerID, "speech_detected", textParams{Text: text})
	if err := s.tokens.AddMessage(s.ctx, text); err != nil {
		if errors.Is(err, rpc.ErrTimeout) {
			s.metrics.RecordRPCTimeout(s.ctx, "add_message")
		}
		slog.Warn("session: push utterance upstream", "peer_id", peerID, "error", err)
	}
}

// releasePeer removes one participant. Unknown ids are a no-op, so repeated
// terminal states are harmless. When the map empties the session closes
// itself.
func (s *Session) releasePeer(peerID string) {
	s.mu.Lock()
	rt, ok := s.peers[peerID]
	if ok {
		delete(s.peers, peerID)
	}
	remaining := len(s.peers)
	closed := s.closed
	s.mu.Unlock()
	if !ok {
		return
	}

	slog.Info("session: peer left",
		"context_id", s.cfg.ContextID,
		"peer_id", peerID,
		"remaining", remaining)
	rt.release()
	s.room.RemovePeer(peerID)

	if remaining == 0 && !closed {
		slog.Info("session: last peer left, closing", "context_id", s.cfg.ContextID)
		if err := s.Close(); err != nil {
			slog.Warn("session: close after last peer", "context_id", s.cfg.ContextID, "error", err)
		}
	}
}

func (s *Session) runtime(peerID string) *peerRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[peerID]
}

// notifyPeer sends one notification over a participant's data channel.
// Unknown ids are silently dropped.
func (s *Session) notifyPeer(peerID, method string, params any) {
	rt := s.runtime(peerID)
	if rt == nil {
		return
	}
	if err := rt.rpc.Notify(s.ctx, method, params); err != nil {
		slog.Warn("session: notify peer", "peer_id", peerID, "method", method, "error", err)
	}
}

// broadcast sends one notification to every connected participant.
func (s *Session) broadcast(method string, params any) {
	s.mu.Lock()
	peers := make([]*peerRuntime, 0, len(s.peers))
	for _, rt := range s.peers {
		peers = append(peers, rt)
	}
	s.mu.Unlock()
	for _, rt := range peers {
		if err := rt.rpc.Notify(s.ctx, method, params); err != nil {
			slog.Warn("session: broadcast", "peer_id", rt.id, "method", method, "error", err)
		}
	}
}

// sinks snapshots the connected tracks for the speech producer. It is
// consulted per synthesized chunk, so late joiners pick up mid-sentence.
func (s *Session) sinks() []speech.Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]speech.Sink, 0, len(s.peers))
	for _, rt := range s.peers {
		out = append(out, rt.track)
	}
	return out
}

// Wire shapes of the data-channel notifications.
type (
	statusParams struct {
		Status string `json:"status"`
	}

	speakingParams struct {
		IsSpeaking bool `json:"is_speaking"`
	}

	textParams struct {
		Text string `json:"text"`
	}

	sentenceIDParams struct {
		SentenceID uint64 `json:"sentence_id"`
	}

	toolCallParams struct {
		ToolID    string          `json:"tool_id"`
		ToolName  string          `json:"tool_name"`
		ToolInput json.RawMessage `json:"tool_input"`
	}

	toolResponseParams struct {
		ToolID     string          `json:"tool_id"`
		ToolName   string          `json:"tool_name"`
		ToolOutput json.RawMessage `json:"tool_output"`
	}
)
