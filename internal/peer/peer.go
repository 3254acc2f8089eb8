// Package peer manages a single WebRTC peer connection: SDP negotiation,
// trickle ICE, the "chat" data channel, the outbound synthesized audio track
// and the inbound microphone tap.
//
// A [Session] is signaling-agnostic. Offers, answers and candidates travel
// through whatever channel the caller wires up (the room supervisor relays
// them over the signaling websocket). Inbound audio is Opus-decoded and
// delivered one mono chunk at a time through [Events.AudioData]; outbound
// audio is pulled from a [track.Track], Opus-encoded and written to the
// connection at 20 ms intervals.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/audio/track"
)

const (
	// dataChannelLabel is the label the remote peer uses for the control
	// channel. Channels with any other label are ignored.
	dataChannelLabel = "chat"

	// opusPayloadType is the dynamic RTP payload type offered for Opus.
	opusPayloadType = 111

	// rtpBufferSize fits any RTP packet up to the usual MTU.
	rtpBufferSize = 1500
)

// DefaultSTUNServer is used when the configuration lists no ICE servers.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// Config carries the transport settings for one peer connection.
type Config struct {
	// ICEServers lists STUN/TURN URLs for candidate gathering. When empty,
	// [DefaultSTUNServer] is used.
	ICEServers []string
}

// Events receives peer callbacks. Individual fields may be nil. Handlers run
// on the session's internal goroutines; slow work must be handed off.
type Events struct {
	// AudioData delivers one decoded chunk of inbound microphone audio as
	// mono PCM at the given sample rate.
	AudioData func(peerID string, samples []int16, sampleRate int)

	// DataChannelStatus reports the "chat" channel opening or closing.
	DataChannelStatus func(peerID string, connected bool)

	// DataChannelMessage delivers one inbound text message from the "chat"
	// channel.
	DataChannelMessage func(peerID string, text string)

	// ConnectionStatus reports connection state transitions using Pion's
	// lowercase names (new, connecting, connected, disconnected, failed,
	// closed).
	ConnectionStatus func(peerID string, state string)

	// ICECandidate delivers locally gathered candidates for relaying to
	// the remote peer.
	ICECandidate func(peerID string, cand *Candidate)
}

// Session is one WebRTC peer connection to a remote participant. Create it
// with [New], negotiate with [Session.CreateOffer] or [Session.CreateAnswer],
// and feed relayed candidates through [Session.AddICECandidate].
type Session struct {
	peerID  string
	events  Events
	metrics *observe.Metrics

	pc         *webrtc.PeerConnection
	localTrack *webrtc.TrackLocalStaticSample
	out        *track.Track

	cancel context.CancelFunc

	mu      sync.Mutex
	channel *webrtc.DataChannel

	closeOnce sync.Once
	closeErr  error
}

// New builds a peer connection for the given remote peer and starts the
// outbound audio pump reading from out. Events fire until Close.
func New(peerID string, out *track.Track, cfg Config, events Events) (*Session, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   opusSampleRate,
			Channels:    opusChannels,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: opusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("peer: register opus codec: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("peer: register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	urls := cfg.ICEServers
	if len(urls) == 0 {
		urls = []string{DefaultSTUNServer}
	}
	servers := make([]webrtc.ICEServer, len(urls))
	for i, u := range urls {
		servers[i] = webrtc.ICEServer{URLs: []string{u}}
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("peer: create peer connection: %w", err)
	}

	localTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusSampleRate,
		Channels:  opusChannels,
	}, "audio", "parley")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: create local track: %w", err)
	}
	if _, err := pc.AddTrack(localTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: add local track: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		peerID:     peerID,
		events:     events,
		metrics:    observe.DefaultMetrics(),
		pc:         pc,
		localTrack: localTrack,
		out:        out,
		cancel:     cancel,
	}
	s.wireCallbacks(ctx)
	go s.pump(ctx)
	return s, nil
}

// PeerID returns the remote peer's identifier.
func (s *Session) PeerID() string {
	return s.peerID
}

func (s *Session) wireCallbacks(ctx context.Context) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// A nil candidate means local gathering finished; the remote
		// learns that from its own ICE timeout.
		if c == nil || s.events.ICECandidate == nil {
			return
		}
		init := c.ToJSON()
		var mid string
		if init.SDPMid != nil {
			mid = *init.SDPMid
		}
		var idx uint16
		if init.SDPMLineIndex != nil {
			idx = *init.SDPMLineIndex
		}
		cand, err := ParseCandidate(init.Candidate, mid, idx)
		if err != nil {
			slog.Warn("peer: dropping unparsable local candidate", "peer_id", s.peerID, "err", err)
			return
		}
		s.events.ICECandidate(s.peerID, cand)
	})

	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if s.events.ConnectionStatus != nil {
			s.events.ConnectionStatus(s.peerID, state.String())
		}
	})

	s.pc.OnDataChannel(func(ch *webrtc.DataChannel) {
		if ch.Label() != dataChannelLabel {
			slog.Warn("peer: ignoring unexpected data channel", "peer_id", s.peerID, "label", ch.Label())
			return
		}
		s.mu.Lock()
		s.channel = ch
		s.mu.Unlock()
		ch.OnOpen(func() {
			if s.events.DataChannelStatus != nil {
				s.events.DataChannelStatus(s.peerID, true)
			}
		})
		ch.OnClose(func() {
			if s.events.DataChannelStatus != nil {
				s.events.DataChannelStatus(s.peerID, false)
			}
		})
		ch.OnMessage(func(msg webrtc.DataChannelMessage) {
			if msg.IsString && s.events.DataChannelMessage != nil {
				s.events.DataChannelMessage(s.peerID, string(msg.Data))
			}
		})
	})

	s.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go s.tap(ctx, remote)
	})
}

// CreateOffer creates an SDP offer and installs it as the local description.
// Candidates gathered afterwards trickle out through [Events.ICECandidate].
func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: set local description: %w", err)
	}
	return offer, nil
}

// SetRemoteDescription applies the remote peer's offer or answer.
func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("peer: set remote description: %w", err)
	}
	return nil
}

// CreateAnswer answers a remote offer and installs the answer as the local
// description. The remote description must already be set.
func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: set local description: %w", err)
	}
	return answer, nil
}

// AddICECandidate feeds one relayed remote candidate into the connection.
// A nil candidate marks the end of the remote's candidates.
func (s *Session) AddICECandidate(cand *Candidate) error {
	init := webrtc.ICECandidateInit{}
	if cand != nil {
		init = cand.Init()
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("peer: add ice candidate: %w", err)
	}
	return nil
}

// SendText sends one text message over the "chat" data channel. Messages
// are dropped with a warning while the channel is not open.
func (s *Session) SendText(msg string) {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil || ch.ReadyState() != webrtc.DataChannelStateOpen {
		slog.Warn("peer: data channel not open, dropping message", "peer_id", s.peerID)
		return
	}
	if err := ch.SendText(msg); err != nil {
		slog.Warn("peer: send data channel message", "peer_id", s.peerID, "err", err)
	}
}

// Close tears down the connection and stops the audio goroutines. Safe to
// call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.pc.Close(); err != nil {
			s.closeErr = fmt.Errorf("peer: close peer connection: %w", err)
		}
	})
	return s.closeErr
}

// pump drains the synthetic track and writes one Opus sample per 20 ms
// frame. ReadFrame paces delivery against the track clock, so the loop ticks
// in real time. Before the connection binds the track the samples go
// nowhere, which matches the real-time contract: audio that plays while
// nobody listens is gone.
func (s *Session) pump(ctx context.Context) {
	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("peer: audio pump disabled", "peer_id", s.peerID, "err", err)
		return
	}
	var dropped uint64
	for {
		frame, err := s.out.ReadFrame(ctx)
		if err != nil {
			return
		}
		pkt, err := enc.encode(frame.Data)
		if err != nil {
			slog.Warn("peer: opus encode failed, dropping frame", "peer_id", s.peerID, "err", err)
			continue
		}
		if err := s.localTrack.WriteSample(media.Sample{Data: pkt, Duration: track.FrameDuration}); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("peer: write audio sample", "peer_id", s.peerID, "err", err)
			continue
		}
		s.metrics.FramesEmitted.Add(ctx, 1)
		// The track counts overflow drops where they happen; surfacing the
		// delta here keeps the counter off the enqueue path.
		if d := s.out.Dropped(); d > dropped {
			s.metrics.AudioDropped.Add(ctx, int64(d-dropped))
			dropped = d
		}
	}
}

// tap decodes the remote microphone track and forwards the left channel as
// mono PCM. A read error ends the tap for this track only.
func (s *Session) tap(ctx context.Context, remote *webrtc.TrackRemote) {
	dec, err := newOpusDecoder()
	if err != nil {
		slog.Error("peer: audio tap disabled", "peer_id", s.peerID, "err", err)
		return
	}
	buf := make([]byte, rtpBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, _, err := remote.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Warn("peer: audio tap ended", "peer_id", s.peerID, "err", err)
			}
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			slog.Warn("peer: bad rtp packet", "peer_id", s.peerID, "err", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		stereo, err := dec.decode(pkt.Payload)
		if err != nil {
			slog.Warn("peer: opus decode failed", "peer_id", s.peerID, "err", err)
			continue
		}
		if s.events.AudioData != nil {
			s.events.AudioData(s.peerID, audio.LeftChannel(stereo), opusSampleRate)
		}
	}
}
