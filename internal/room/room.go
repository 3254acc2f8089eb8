// Package room joins a signaling-server room and negotiates WebRTC sessions
// with the other participants in it.
//
// A [Room] owns one websocket to the signaling server, framed by [rpc.Peer].
// It reacts to three inbound methods: peer_added (we make the offer),
// connection_request (we answer a remote offer) and add_ice_candidate
// (relayed trickle ICE). Peer runtimes themselves are built by the caller
// through [Config.CreatePeer]; the room only mediates negotiation and tracks
// the live handles.
//
// Candidates can arrive before the peer they belong to has finished
// negotiating. Each peer gets a small ordered delivery queue whose worker
// waits for the peer to appear, so early candidates are applied exactly once
// and in arrival order.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/peer"
	"github.com/parley-ai/parley/pkg/rpc"
)

const (
	// DefaultPeerWaitTimeout bounds how long a relayed candidate waits for
	// its peer to finish negotiating before it is dropped.
	DefaultPeerWaitTimeout = 5 * time.Second

	// DefaultPeerWaitPoll is the interval at which a waiting candidate
	// rechecks for its peer.
	DefaultPeerWaitPoll = 50 * time.Millisecond

	// candidateQueueSize bounds the per-peer queue of relayed candidates.
	candidateQueueSize = 64
)

// PeerHandle is the slice of a negotiated peer session the room drives.
// *peer.Session satisfies it.
type PeerHandle interface {
	CreateOffer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	CreateAnswer() (webrtc.SessionDescription, error)
	AddICECandidate(*peer.Candidate) error
	Close() error
}

var _ PeerHandle = (*peer.Session)(nil)

// CreatePeerFunc builds the runtime for a newly announced peer. relayICE
// must be installed as the peer's local-candidate callback so gathered
// candidates reach the remote end through the signaling server. Returning an
// error skips the peer.
type CreatePeerFunc func(peerID, selfDescription string, relayICE func(*peer.Candidate)) (PeerHandle, error)

// Config describes one room membership.
type Config struct {
	// SignalingURL is the ws(s):// address of the signaling server.
	SignalingURL string

	// RoomID identifies the room to join. The orchestrator uses the
	// conversation context id.
	RoomID string

	// SelfDescription is the human-readable role announced to other
	// participants.
	SelfDescription string

	// AuthToken, when set, is forwarded opaquely with the join request.
	AuthToken string

	// CreatePeer builds peer runtimes. Required.
	CreatePeer CreatePeerFunc

	// OnStatus observes the signaling connection lifecycle. Optional.
	OnStatus func(rpc.Status)

	// PeerWaitTimeout and PeerWaitPoll tune how relayed candidates wait
	// for their peer. Zero values select the defaults.
	PeerWaitTimeout time.Duration
	PeerWaitPoll    time.Duration

	// Dialer overrides the websocket dial, letting tests wire an
	// in-memory transport. nil uses rpc.Dial.
	Dialer func(ctx context.Context, url string) (rpc.Conn, error)
}

// Room is one signaling-server membership. Create with New, then Connect.
type Room struct {
	cfg     Config
	metrics *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	signal  *rpc.Peer
	peers   map[string]PeerHandle
	pending map[string]chan *peer.Candidate

	closeOnce sync.Once
}

// New validates the configuration and prepares a room. No I/O happens until
// Connect.
func New(cfg Config) (*Room, error) {
	if cfg.SignalingURL == "" {
		return nil, errors.New("room: signaling URL must not be empty")
	}
	if cfg.RoomID == "" {
		return nil, errors.New("room: room id must not be empty")
	}
	if cfg.CreatePeer == nil {
		return nil, errors.New("room: CreatePeer must not be nil")
	}
	if cfg.PeerWaitTimeout == 0 {
		cfg.PeerWaitTimeout = DefaultPeerWaitTimeout
	}
	if cfg.PeerWaitPoll == 0 {
		cfg.PeerWaitPoll = DefaultPeerWaitPoll
	}
	if cfg.Dialer == nil {
		cfg.Dialer = func(ctx context.Context, url string) (rpc.Conn, error) {
			return rpc.Dial(ctx, url, nil)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Room{
		cfg:     cfg,
		metrics: observe.DefaultMetrics(),
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[string]PeerHandle),
		pending: make(map[string]chan *peer.Candidate),
	}, nil
}

// wire shapes of the signaling protocol.
type (
	joinParams struct {
		RoomID          string `json:"room_id"`
		SelfDescription string `json:"self_description"`
		Token           string `json:"token,omitempty"`
	}
	peerAddedParams struct {
		PeerID          string `json:"peer_id"`
		SelfDescription string `json:"self_description"`
	}
	connectionRequestParams struct {
		PeerID          string                     `json:"peer_id"`
		SelfDescription string                     `json:"self_description"`
		Offer           *webrtc.SessionDescription `json:"offer"`
	}
	connectionRequestResult struct {
		Answer *webrtc.SessionDescription `json:"answer"`
	}
	relayCandidateParams struct {
		PeerID    string          `json:"peer_id"`
		Candidate *peer.Candidate `json:"candidate"`
	}
	addCandidateParams struct {
		PeerID    string          `json:"peer_id"`
		Candidate *peer.Candidate `json:"candidate"`
	}
)

// Connect dials the signaling server, starts the dispatch loop and joins the
// room. The status callback sees connecting, then connected once the join
// call is acknowledged, and disconnected when the connection later ends.
func (r *Room) Connect(ctx context.Context) error {
	r.emit(rpc.StatusConnecting)

	conn, err := r.cfg.Dialer(ctx, r.cfg.SignalingURL)
	if err != nil {
		r.emit(rpc.StatusFailed)
		return fmt.Errorf("room: dial signaling server: %w", err)
	}

	signal := rpc.NewPeer(conn, rpc.WithName("signaling"))
	signal.Handle("peer_added", r.handlePeerAdded)
	signal.Handle("connection_request", r.handleConnectionRequest)
	signal.Handle("add_ice_candidate", r.handleAddICECandidate)

	r.mu.Lock()
	r.signal = signal
	r.mu.Unlock()

	go func() {
		_ = signal.DispatchLoop(r.ctx)
		r.emit(rpc.StatusDisconnected)
	}()

	if _, err := signal.Call(ctx, "join", joinParams{
		RoomID:          r.cfg.RoomID,
		SelfDescription: r.cfg.SelfDescription,
		Token:           r.cfg.AuthToken,
	}); err != nil {
		signal.Close()
		r.emit(rpc.StatusFailed)
		return fmt.Errorf("room: join room %q: %w", r.cfg.RoomID, err)
	}

	r.emit(rpc.StatusConnected)
	return nil
}

// handlePeerAdded reacts to a participant joining after us: we create the
// peer and make the offer. The exchange calls back into the signaling server,
// so it runs off the dispatch goroutine.
func (r *Room) handlePeerAdded(_ context.Context, params json.RawMessage) (any, error) {
	var p peerAddedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("room: peer_added params: %w", err)
	}
	go r.negotiateOffer(p.PeerID, p.SelfDescription)
	return nil, nil
}

func (r *Room) negotiateOffer(peerID, selfDescription string) {
	handle, err := r.cfg.CreatePeer(peerID, selfDescription, r.candidateRelay(peerID))
	if err != nil {
		slog.Warn("room: create peer failed", "peer_id", peerID, "err", err)
		return
	}

	offer, err := handle.CreateOffer()
	if err != nil {
		slog.Warn("room: create offer failed", "peer_id", peerID, "err", err)
		handle.Close()
		return
	}

	signal := r.signalPeer()
	if signal == nil {
		handle.Close()
		return
	}
	raw, err := signal.Call(r.ctx, "request_connection", connectionRequestParams{
		PeerID:          peerID,
		SelfDescription: r.cfg.SelfDescription,
		Offer:           &offer,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrTimeout) {
			r.metrics.RecordRPCTimeout(r.ctx, "request_connection")
		}
		slog.Warn("room: request_connection failed", "peer_id", peerID, "err", err)
		handle.Close()
		return
	}
	var result connectionRequestResult
	if err := json.Unmarshal(raw, &result); err != nil || result.Answer == nil {
		slog.Warn("room: peer did not answer", "peer_id", peerID, "err", err)
		handle.Close()
		return
	}
	if err := handle.SetRemoteDescription(*result.Answer); err != nil {
		slog.Warn("room: apply answer failed", "peer_id", peerID, "err", err)
		handle.Close()
		return
	}

	r.addPeer(peerID, handle)
	slog.Info("room: peer negotiated", "peer_id", peerID, "role", "offerer")
}

// handleConnectionRequest reacts to a remote offer: we create the peer and
// return the answer as the call result. Everything here is local, so it runs
// inline on the dispatch goroutine.
func (r *Room) handleConnectionRequest(_ context.Context, params json.RawMessage) (any, error) {
	var p connectionRequestParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("room: connection_request params: %w", err)
	}
	if p.Offer == nil {
		return nil, errors.New("room: connection_request carries no offer")
	}

	handle, err := r.cfg.CreatePeer(p.PeerID, p.SelfDescription, r.candidateRelay(p.PeerID))
	if err != nil {
		return nil, fmt.Errorf("room: create peer: %w", err)
	}
	if err := handle.SetRemoteDescription(*p.Offer); err != nil {
		handle.Close()
		return nil, err
	}
	answer, err := handle.CreateAnswer()
	if err != nil {
		handle.Close()
		return nil, err
	}

	r.addPeer(p.PeerID, handle)
	slog.Info("room: peer negotiated", "peer_id", p.PeerID, "role", "answerer")
	return answer, nil
}

// handleAddICECandidate queues a relayed candidate for ordered delivery. The
// peer may still be negotiating, so delivery happens on the per-peer worker.
func (r *Room) handleAddICECandidate(_ context.Context, params json.RawMessage) (any, error) {
	var p addCandidateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("room: add_ice_candidate params: %w", err)
	}

	r.mu.Lock()
	queue, ok := r.pending[p.PeerID]
	if !ok {
		queue = make(chan *peer.Candidate, candidateQueueSize)
		r.pending[p.PeerID] = queue
		go r.deliverCandidates(p.PeerID, queue)
	}
	r.mu.Unlock()

	select {
	case queue <- p.Candidate:
	default:
		slog.Warn("room: candidate queue full, dropping candidate", "peer_id", p.PeerID)
	}
	return nil, nil
}

// deliverCandidates applies queued candidates to their peer in arrival
// order, waiting for the peer to appear first.
func (r *Room) deliverCandidates(peerID string, queue <-chan *peer.Candidate) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case cand := <-queue:
			handle := r.waitForPeer(peerID)
			if handle == nil {
				if r.ctx.Err() == nil {
					slog.Warn("room: peer never appeared, dropping candidate", "peer_id", peerID)
				}
				continue
			}
			if err := handle.AddICECandidate(cand); err != nil {
				slog.Warn("room: add ice candidate failed", "peer_id", peerID, "err", err)
			}
		}
	}
}

// waitForPeer polls until the peer is tracked, the wait times out, or the
// room closes.
func (r *Room) waitForPeer(peerID string) PeerHandle {
	if handle := r.getPeer(peerID); handle != nil {
		return handle
	}
	deadline := time.NewTimer(r.cfg.PeerWaitTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(r.cfg.PeerWaitPoll)
	defer tick.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-tick.C:
			if handle := r.getPeer(peerID); handle != nil {
				return handle
			}
		}
	}
}

// candidateRelay returns the trickle-out callback for one peer: every
// locally gathered candidate is forwarded to the remote end.
func (r *Room) candidateRelay(peerID string) func(*peer.Candidate) {
	return func(cand *peer.Candidate) {
		signal := r.signalPeer()
		if signal == nil {
			return
		}
		err := signal.Notify(r.ctx, "relay_ice_candidate", relayCandidateParams{
			PeerID:    peerID,
			Candidate: cand,
		})
		if err != nil {
			slog.Warn("room: relay ice candidate failed", "peer_id", peerID, "err", err)
		}
	}
}

func (r *Room) signalPeer() *rpc.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.signal
}

func (r *Room) addPeer(peerID string, handle PeerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.peers[peerID]; ok {
		old.Close()
	} else {
		r.metrics.ActivePeers.Add(r.ctx, 1)
	}
	r.peers[peerID] = handle
}

func (r *Room) getPeer(peerID string) PeerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[peerID]
}

// RemovePeer closes and forgets one peer. Unknown ids are a no-op.
func (r *Room) RemovePeer(peerID string) {
	r.mu.Lock()
	handle, ok := r.peers[peerID]
	delete(r.peers, peerID)
	r.mu.Unlock()
	if ok {
		handle.Close()
		r.metrics.ActivePeers.Add(r.ctx, -1)
		slog.Info("room: removed peer", "peer_id", peerID)
	}
}

// PeerCount reports how many peers are currently negotiated.
func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Close leaves the room: the signaling connection and every peer are torn
// down. Safe to call multiple times.
func (r *Room) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()

		r.mu.Lock()
		signal := r.signal
		r.signal = nil
		handles := make([]PeerHandle, 0, len(r.peers))
		for _, h := range r.peers {
			handles = append(handles, h)
		}
		r.peers = make(map[string]PeerHandle)
		r.mu.Unlock()

		if signal != nil {
			signal.Close()
		}
		for _, h := range handles {
			h.Close()
		}
		if len(handles) > 0 {
			r.metrics.ActivePeers.Add(r.ctx, -int64(len(handles)))
		}
	})
	return nil
}

func (r *Room) emit(status rpc.Status) {
	if r.cfg.OnStatus != nil {
		r.cfg.OnStatus(status)
	}
}
