package session

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ttcs/connectme-client/internal/media"
	"github.com/ttcs/connectme-client/internal/util"
)

// peerHooks are the callbacks a Peer raises on pion's goroutines. All are
// set before negotiation starts and never mutated afterwards.
type peerHooks struct {
	// onLocalCandidate fires for every gathered local candidate.
	onLocalCandidate func(cand webrtc.ICECandidateInit)
	// onRemoteStream fires once, when the first remote track arrives.
	onRemoteStream func(stream *media.RemoteStream)
	// onICEState reports ICE connection state changes for supervision.
	onICEState func(state webrtc.ICEConnectionState)
}

// Peer is one session with a remote participant. Its lifetime spans a
// single PeerConnection: once closed it is never reused; the manager
// replaces it with a fresh Peer for the same remote user.
type Peer struct {
	remoteUserID string
	pc           *webrtc.PeerConnection
	stream       *media.RemoteStream

	mu            sync.Mutex
	state         State
	pending       []webrtc.ICECandidateInit // candidates queued before the remote description
	remoteSet     bool
	offerSentAt   time.Time
	videoSender   *webrtc.RTPSender
	streamEmitted bool

	closeOnce sync.Once
	closeErr  error
}

// newPeer creates the underlying PeerConnection and wires the hooks.
// Local tracks (if any) are attached afterwards via attachLocalTracks.
func newPeer(remoteUserID string, iceServers []string, hooks peerHooks) (*Peer, error) {
	var cfg webrtc.Configuration
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, &NegotiationError{RemoteUserID: remoteUserID, Op: "create peer connection", Err: err}
	}

	p := &Peer{
		remoteUserID: remoteUserID,
		pc:           pc,
		stream:       media.NewRemoteStream(remoteUserID),
		state:        StateNone,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		hooks.onLocalCandidate(c.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.stream.AddTrack(track)
		p.mu.Lock()
		first := !p.streamEmitted
		p.streamEmitted = true
		p.mu.Unlock()
		// The stream is announced once; later tracks land on the same
		// object, which consumers re-derive by remote user id.
		if first && hooks.onRemoteStream != nil {
			hooks.onRemoteStream(p.stream)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		util.LogPeer(remoteUserID, "ICE state: %s", state)
		if hooks.onICEState != nil {
			hooks.onICEState(state)
		}
	})

	return p, nil
}

// attachLocalTracks adds the shared local tracks to this session's sender
// set. With no tracks available the session still offers to receive, so a
// media-denied client can watch and listen.
func (p *Peer) attachLocalTracks(tracks []media.Track) error {
	if len(tracks) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return &NegotiationError{RemoteUserID: p.remoteUserID, Op: "add recvonly transceiver", Err: err}
			}
		}
		return nil
	}

	for _, t := range tracks {
		sender, err := p.pc.AddTrack(t.Local())
		if err != nil {
			return &NegotiationError{RemoteUserID: p.remoteUserID, Op: "attach local track", Err: err}
		}
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			p.mu.Lock()
			p.videoSender = sender
			p.mu.Unlock()
		}
	}
	return nil
}

// replaceVideoTrack swaps the outbound video track in place (screen share
// start/stop). No-op when this session sends no video.
func (p *Peer) replaceVideoTrack(t media.Track) error {
	p.mu.Lock()
	sender := p.videoSender
	p.mu.Unlock()
	if sender == nil {
		return nil
	}
	if err := sender.ReplaceTrack(t.Local()); err != nil {
		return &NegotiationError{RemoteUserID: p.remoteUserID, Op: "replace video track", Err: err}
	}
	return nil
}

// transition moves the state machine, rejecting illegal edges.
func (p *Peer) transition(to State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transitionLocked(to)
}

func (p *Peer) transitionLocked(to State) error {
	if p.state == to {
		return nil
	}
	if !canTransition(p.state, to) {
		return &InvalidTransitionError{RemoteUserID: p.remoteUserID, From: p.state, To: to}
	}
	util.LogDebug("[%s] session state: %s -> %s", p.remoteUserID, p.state, to)
	p.state = to
	return nil
}

// State returns the current negotiation state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// RemoteStream returns the stream object remote tracks accumulate on.
func (p *Peer) RemoteStream() *media.RemoteStream { return p.stream }

// offerAge reports how long the in-flight offer has been unanswered.
func (p *Peer) offerAge() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offerSentAt.IsZero() {
		return 0
	}
	return time.Since(p.offerSentAt)
}

// createOffer generates and applies a local offer, moving the session to
// CONNECTING. Only valid from NONE, or as an ICE restart on a live session.
func (p *Peer) createOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{RemoteUserID: p.remoteUserID, Op: "create offer", Err: err}
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{RemoteUserID: p.remoteUserID, Op: "set local offer", Err: err}
	}

	p.mu.Lock()
	p.offerSentAt = time.Now()
	p.remoteSet = false
	if !iceRestart {
		if err := p.transitionLocked(StateConnecting); err != nil {
			p.mu.Unlock()
			return webrtc.SessionDescription{}, err
		}
	}
	p.mu.Unlock()
	return offer, nil
}

// acceptOffer applies a remote offer and produces the answer. The session
// moves to CONNECTED once the local description is set.
func (p *Peer) acceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{RemoteUserID: p.remoteUserID, Op: "set remote offer", Err: err}
	}
	p.flushPendingCandidates()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{RemoteUserID: p.remoteUserID, Op: "create answer", Err: err}
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{RemoteUserID: p.remoteUserID, Op: "set local answer", Err: err}
	}

	if err := p.transition(StateConnected); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// acceptAnswer applies a remote answer. Valid while CONNECTING, or while a
// restart offer is pending on a live session; in any other state the answer
// is dropped with a log, since late and duplicate answers are expected under
// retry. Returns whether it was applied.
func (p *Peer) acceptAnswer(answer webrtc.SessionDescription) (bool, error) {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	// An ICE restart offer does not leave CONNECTED or DISCONNECTED; its
	// answer is recognized by the local offer still pending on the
	// connection.
	restartPending := (state == StateConnected || state == StateDisconnected) &&
		p.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
	if state != StateConnecting && !restartPending {
		util.LogDebug("[%s] dropping answer in state %s", p.remoteUserID, state)
		return false, nil
	}

	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return false, &NegotiationError{RemoteUserID: p.remoteUserID, Op: "set remote answer", Err: err}
	}
	p.flushPendingCandidates()

	if err := p.transition(StateConnected); err != nil {
		return false, err
	}
	return true, nil
}

// addRemoteCandidate applies a candidate, or queues it until the remote
// description is set.
func (p *Peer) addRemoteCandidate(cand webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, cand)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(cand); err != nil {
		return &NegotiationError{RemoteUserID: p.remoteUserID, Op: "add ICE candidate", Err: err}
	}
	return nil
}

// flushPendingCandidates applies queued candidates in receipt order.
// Best-effort: an individual failure is logged, not escalated, so one bad
// candidate cannot sink the rest of the queue.
func (p *Peer) flushPendingCandidates() {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, cand := range pending {
		if err := p.pc.AddICECandidate(cand); err != nil {
			util.LogWarning("[%s] queued candidate rejected: %v", p.remoteUserID, err)
		}
	}
}

// close releases the connection and marks the session terminal. Idempotent.
func (p *Peer) close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = StateClosed
		p.pending = nil
		p.mu.Unlock()
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}
