package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parley-ai/parley/internal/peer"
	"github.com/parley-ai/parley/internal/pipeline"
	"github.com/parley-ai/parley/internal/room"
	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/audio/track"
	"github.com/parley-ai/parley/pkg/rpc"
)

// peerRuntime bundles everything the session owns for one participant: the
// WebRTC session, the outbound track it plays, the calibrator and segmenter
// fed by its microphone, and the RPC peer speaking over its data channel.
type peerRuntime struct {
	id         string
	session    PeerSession
	track      *track.Track
	calibrator *audio.Calibrator
	segmenter  *pipeline.Segmenter
	rpc        *rpc.Peer
	channel    *dataChannelConn

	releaseOnce sync.Once
}

// release tears down the runtime's own resources. The WebRTC session itself
// is closed by the room when the peer is removed.
func (rt *peerRuntime) release() {
	rt.releaseOnce.Do(func() {
		if err := rt.segmenter.Close(); err != nil {
			slog.Warn("session: close segmenter", "peer_id", rt.id, "error", err)
		}
		if err := rt.track.Close(); err != nil {
			slog.Warn("session: close track", "peer_id", rt.id, "error", err)
		}
		// Closing the RPC peer closes the channel adapter, which ends the
		// dispatch loop.
		rt.rpc.Close()
	})
}

// createPeer assembles the runtime for a newly announced participant. It is
// installed as the room's [room.CreatePeerFunc] and runs on the signaling
// dispatch goroutine, so everything here must finish without waiting on
// other signaling traffic.
func (s *Session) createPeer(peerID, selfDescription string, relayICE func(*peer.Candidate)) (room.PeerHandle, error) {
	s.mu.Lock()
	closed := s.closed
	threshold := s.threshold
	s.mu.Unlock()
	if closed {
		return nil, errors.New("session: closed")
	}

	transcriber, err := s.cfg.STT.NewTranscriber(s.ctx, func(status rpc.Status) {
		s.notifyPeer(peerID, "transcription_service_connection_status", statusParams{Status: status.String()})
	})
	if err != nil {
		return nil, fmt.Errorf("session: create transcriber: %w", err)
	}

	segmenter, err := pipeline.New(pipeline.Config{
		Transcriber:       transcriber,
		Threshold:         threshold,
		SilenceDuration:   s.cfg.SilenceDuration,
		MinSpeechRatio:    s.cfg.MinSpeechRatio,
		RejectTranscripts: s.cfg.RejectTranscripts,
		OnSpeaking: func(speaking bool) {
			s.notifyPeer(peerID, "is_speaking_status", speakingParams{IsSpeaking: speaking})
		},
		OnSpeech: func(text string) { s.onSpeech(peerID, text) },
	})
	if err != nil {
		transcriber.Close()
		return nil, fmt.Errorf("session: create segmenter: %w", err)
	}

	out := track.New(
		track.WithOnSentence(func(sentenceID uint64) {
			s.notifyPeer(peerID, "is_speaking_sentence", sentenceIDParams{SentenceID: sentenceID})
		}),
		track.WithOnStoppedSpeaking(func() {
			s.notifyPeer(peerID, "stoped_speaking", struct{}{})
		}),
	)

	rt := &peerRuntime{
		id:         peerID,
		track:      out,
		calibrator: audio.NewCalibrator(s.cfg.CalibrationWindow),
		segmenter:  segmenter,
	}
	// rt.session is assigned below before the runtime is published; the
	// closure only runs for frames written after registration.
	rt.channel = newDataChannelConn(func(text string) { rt.session.SendText(text) })

	events := peer.Events{
		AudioData:         s.onAudioData,
		DataChannelStatus: s.onDataChannelStatus,
		DataChannelMessage: func(_ string, text string) {
			rt.channel.deliver(text)
		},
		ConnectionStatus: s.onConnectionStatus,
		ICECandidate: func(_ string, cand *peer.Candidate) {
			relayICE(cand)
		},
	}

	rt.session, err = s.newPeerSession(peerID, out, peer.Config{ICEServers: s.cfg.ICEServers}, events)
	if err != nil {
		segmenter.Close()
		out.Close()
		rt.channel.Close()
		return nil, fmt.Errorf("session: create peer session: %w", err)
	}

	rt.rpc = rpc.NewPeer(rt.channel, rpc.WithName("datachannel"))
	go func() { _ = rt.rpc.DispatchLoop(s.ctx) }()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		rt.release()
		rt.session.Close()
		return nil, errors.New("session: closed")
	}
	s.peers[peerID] = rt
	total := len(s.peers)
	s.mu.Unlock()

	slog.Info("session: peer joined",
		"context_id", s.cfg.ContextID,
		"peer_id", peerID,
		"description", selfDescription,
		"peers", total)
	return rt.session, nil
}
