package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ttcs/connectme-client/internal/event"
	"github.com/ttcs/connectme-client/internal/media"
	"github.com/ttcs/connectme-client/internal/metrics"
	"github.com/ttcs/connectme-client/internal/protocol"
	"github.com/ttcs/connectme-client/internal/util"
)

// ErrManagerClosed is returned once CloseAll has run; a closed manager
// never creates new sessions.
var ErrManagerClosed = errors.New("session: manager closed")

// SendSignal publishes an addressed signaling message through the
// transport. The manager treats failures as best-effort: signaling retries
// ride on the negotiation retry policy, not on the send path.
type SendSignal func(msg protocol.SignalMessage) error

// LocalTracks returns the local tracks to attach to a new session. Called
// lazily per session so media acquisition can happen on first need; an
// empty result produces a receive-only session.
type LocalTracks func() []media.Track

// Config carries the manager's identity and timing policy.
type Config struct {
	LocalUserID     string
	MeetingCode     string
	ICEServers      []string
	ICEGracePeriod  time.Duration // wait on ICE "disconnected" before restarting
	StaleOfferAfter time.Duration // age at which an unanswered offer may be superseded
	MaxRetries      int           // teardown-and-retry ceiling per peer
}

// Manager owns the remoteUserID → Peer map. All mutating operations for
// one remote user serialize on a per-peer lock, so concurrent negotiation
// attempts for the same peer never interleave their intermediate steps.
type Manager struct {
	cfg         Config
	send        SendSignal
	events      *event.Emitter
	localTracks LocalTracks

	mu      sync.Mutex
	peers   map[string]*Peer
	locks   map[string]*sync.Mutex
	retries map[string]int
	closed  bool
}

// NewManager creates an empty session manager.
func NewManager(cfg Config, send SendSignal, events *event.Emitter, localTracks LocalTracks) *Manager {
	return &Manager{
		cfg:         cfg,
		send:        send,
		events:      events,
		localTracks: localTracks,
		peers:       make(map[string]*Peer),
		locks:       make(map[string]*sync.Mutex),
		retries:     make(map[string]int),
	}
}

// lockFor returns the serialization lock for one remote user, creating it
// on first use. Locks persist for the meeting; the map stays bounded by
// the participant count.
func (m *Manager) lockFor(remoteUserID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[remoteUserID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[remoteUserID] = l
	}
	return l
}

// EnsureSession returns the existing healthy session for a remote user or
// creates a fresh one. Concurrent callers for the same id are serialized
// and observe the same Peer.
func (m *Manager) EnsureSession(remoteUserID string) (*Peer, error) {
	l := m.lockFor(remoteUserID)
	l.Lock()
	defer l.Unlock()
	return m.ensureLocked(remoteUserID)
}

// ensureLocked requires the per-peer lock to be held.
func (m *Manager) ensureLocked(remoteUserID string) (*Peer, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	existing := m.peers[remoteUserID]
	m.mu.Unlock()

	if existing != nil {
		switch existing.State() {
		case StateFailed, StateClosed:
			// Stale; replace below.
		default:
			return existing, nil
		}
	}

	return m.replaceLocked(remoteUserID, existing)
}

// replaceLocked tears down old (if any) and installs a fresh Peer. The new
// session fully replaces the stale one; they never coexist in the map.
func (m *Manager) replaceLocked(remoteUserID string, old *Peer) (*Peer, error) {
	if old != nil {
		old.close()
	}

	// The ICE hook closes over p, assigned below; ICE activity cannot start
	// before a description is applied, well after newPeer returns.
	var p *Peer
	p, err := newPeer(remoteUserID, m.cfg.ICEServers, peerHooks{
		onLocalCandidate: func(cand webrtc.ICECandidateInit) {
			m.publishCandidate(remoteUserID, cand)
		},
		onRemoteStream: func(stream *media.RemoteStream) {
			m.events.RemoteStreamAdded(remoteUserID, stream)
		},
		onICEState: func(state webrtc.ICEConnectionState) {
			m.superviseICE(remoteUserID, p, state)
		},
	})
	if err != nil {
		return nil, err
	}

	if err := p.attachLocalTracks(m.localTracks()); err != nil {
		p.close()
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		p.close()
		return nil, ErrManagerClosed
	}
	m.peers[remoteUserID] = p
	metrics.ActivePeers.Set(float64(len(m.peers)))
	m.mu.Unlock()
	return p, nil
}

// Peer returns the live session for a remote user, if any.
func (m *Manager) Peer(remoteUserID string) (*Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[remoteUserID]
	return p, ok
}

// Sessions returns the remote user ids with live sessions.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	return out
}

// RemoteStream looks up the remote stream for a participant. Stream
// identity is always re-derived from the session, never cached by the UI.
func (m *Manager) RemoteStream(remoteUserID string) (*media.RemoteStream, bool) {
	p, ok := m.Peer(remoteUserID)
	if !ok {
		return nil, false
	}
	return p.RemoteStream(), true
}

// ---------------------------------------------------------------------------
// Outbound negotiation
// ---------------------------------------------------------------------------

// SendOffer ensures a session and publishes a local offer toward the
// remote user. Duplicate calls while a fresh offer is in flight are no-ops;
// an offer past the staleness threshold is superseded by a new one.
func (m *Manager) SendOffer(remoteUserID string) error {
	l := m.lockFor(remoteUserID)
	l.Lock()
	defer l.Unlock()

	p, err := m.ensureLocked(remoteUserID)
	if err != nil {
		return err
	}

	switch p.State() {
	case StateConnected:
		return nil
	case StateConnecting:
		if p.offerAge() < m.cfg.StaleOfferAfter {
			return nil
		}
		util.LogPeer(remoteUserID, "offer unanswered for %s, superseding", p.offerAge().Round(time.Second))
	}

	offer, err := p.createOffer(false)
	if err != nil {
		return err
	}
	return m.publishSDP(protocol.SignalOffer, remoteUserID, offer)
}

// ---------------------------------------------------------------------------
// Inbound signaling
// ---------------------------------------------------------------------------

// HandleOffer applies a remote offer and publishes the answer.
//
// Glare: if our own offer is in flight for the same peer, exactly one side
// yields. The designated offerer (lexicographically lower user id) ignores
// the colliding offer and lets its own stand; the other side tears down its
// attempt and answers.
func (m *Manager) HandleOffer(from string, payload string) error {
	offer, err := parseSDP(payload)
	if err != nil {
		return &NegotiationError{RemoteUserID: from, Op: "parse offer", Err: err}
	}

	l := m.lockFor(from)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	existing := m.peers[from]
	m.mu.Unlock()

	p := existing
	if existing != nil && existing.State() == StateConnecting {
		metrics.GlareTotal.Inc()
		if m.cfg.LocalUserID < from {
			util.LogPeer(from, "simultaneous offers, keeping ours (designated offerer)")
			return nil
		}
		util.LogPeer(from, "simultaneous offers, yielding to remote")
		p = nil // force a fresh session below
		existing.close()
		m.mu.Lock()
		delete(m.peers, from)
		m.mu.Unlock()
	}

	if p == nil || p.State() == StateFailed || p.State() == StateClosed {
		var err error
		if p, err = m.ensureLocked(from); err != nil {
			return err
		}
	}

	answer, err := p.acceptOffer(offer)
	if err != nil {
		return err
	}
	m.resetRetries(from)
	return m.publishSDP(protocol.SignalAnswer, from, answer)
}

// HandleAnswer applies a remote answer to the in-flight offer. Late or
// duplicate answers are dropped silently; they are expected under retry.
func (m *Manager) HandleAnswer(from string, payload string) error {
	answer, err := parseSDP(payload)
	if err != nil {
		return &NegotiationError{RemoteUserID: from, Op: "parse answer", Err: err}
	}

	l := m.lockFor(from)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	p := m.peers[from]
	m.mu.Unlock()
	if p == nil {
		util.LogDebug("[%s] answer for unknown session, dropping", from)
		return nil
	}

	applied, err := p.acceptAnswer(answer)
	if err != nil {
		return err
	}
	if applied {
		m.resetRetries(from)
	}
	return nil
}

// HandleCandidate routes a remote ICE candidate to its session. Candidates
// arriving before the remote description queue inside the Peer; candidates
// for unknown sessions are dropped with a log.
func (m *Manager) HandleCandidate(from string, payload string) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &cand); err != nil {
		return &NegotiationError{RemoteUserID: from, Op: "parse candidate", Err: err}
	}

	l := m.lockFor(from)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	p := m.peers[from]
	m.mu.Unlock()
	if p == nil {
		util.LogDebug("[%s] candidate for unknown session, dropping", from)
		return nil
	}
	return p.addRemoteCandidate(cand)
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// CloseSession releases one peer session. Idempotent; unknown ids are a
// no-op.
func (m *Manager) CloseSession(remoteUserID string) {
	l := m.lockFor(remoteUserID)
	l.Lock()
	defer l.Unlock()
	m.closeSessionLocked(remoteUserID)
}

func (m *Manager) closeSessionLocked(remoteUserID string) {
	m.mu.Lock()
	p := m.peers[remoteUserID]
	delete(m.peers, remoteUserID)
	delete(m.retries, remoteUserID)
	metrics.ActivePeers.Set(float64(len(m.peers)))
	m.mu.Unlock()
	if p != nil {
		p.close()
	}
}

// CloseAll tears down every session and marks the manager closed. Called
// on leave; the manager cannot be reused afterwards.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	peers := m.peers
	m.peers = make(map[string]*Peer)
	m.retries = make(map[string]int)
	metrics.ActivePeers.Set(0)
	m.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

// ---------------------------------------------------------------------------
// Recovery
// ---------------------------------------------------------------------------

// superviseICE drives the recovery policy from ICE connection state.
// Transient "disconnected" gets a grace period to self-heal, then an
// in-place restart; "failed" tears down and recreates with bounded retries.
func (m *Manager) superviseICE(remoteUserID string, p *Peer, state webrtc.ICEConnectionState) {
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		if p.State() == StateDisconnected {
			if err := p.transition(StateConnected); err == nil {
				util.LogPeer(remoteUserID, "connection recovered")
			}
		}
		m.resetRetries(remoteUserID)

	case webrtc.ICEConnectionStateDisconnected:
		if err := p.transition(StateDisconnected); err != nil {
			return // e.g. already closed
		}
		time.AfterFunc(m.cfg.ICEGracePeriod, func() {
			if !m.isCurrent(remoteUserID, p) || p.State() != StateDisconnected {
				return // self-healed or replaced in the meantime
			}
			m.restartICE(remoteUserID, p)
		})

	case webrtc.ICEConnectionStateFailed:
		m.recoverFailed(remoteUserID, p)
	}
}

// isCurrent reports whether p is still the live session for the id.
func (m *Manager) isCurrent(remoteUserID string, p *Peer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[remoteUserID] == p
}

// restartICE attempts an in-place ICE restart over the existing session.
func (m *Manager) restartICE(remoteUserID string, p *Peer) {
	l := m.lockFor(remoteUserID)
	l.Lock()
	defer l.Unlock()

	if !m.isCurrent(remoteUserID, p) {
		return
	}
	util.LogPeer(remoteUserID, "ICE disconnected past grace period, restarting")
	metrics.ICERestartsTotal.Inc()

	offer, err := p.createOffer(true)
	if err != nil {
		util.LogWarning("[%s] ICE restart failed: %v", remoteUserID, err)
		m.recoverFailedLocked(remoteUserID, p)
		return
	}
	if err := m.publishSDP(protocol.SignalOffer, remoteUserID, offer); err != nil {
		util.LogWarning("[%s] ICE restart offer not sent: %v", remoteUserID, err)
	}
}

// recoverFailed tears the session down and retries from scratch with
// backoff, up to the retry ceiling. Exhaustion surfaces a scoped error;
// other peers are never affected.
func (m *Manager) recoverFailed(remoteUserID string, p *Peer) {
	l := m.lockFor(remoteUserID)
	l.Lock()
	defer l.Unlock()
	m.recoverFailedLocked(remoteUserID, p)
}

func (m *Manager) recoverFailedLocked(remoteUserID string, p *Peer) {
	if !m.isCurrent(remoteUserID, p) {
		return
	}
	if err := p.transition(StateFailed); err != nil {
		util.LogDebug("%v", err)
	}

	m.mu.Lock()
	m.retries[remoteUserID]++
	attempt := m.retries[remoteUserID]
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	m.closeSessionLocked(remoteUserID)

	if attempt > m.cfg.MaxRetries {
		metrics.NegotiationFailuresTotal.Inc()
		m.events.Error(&NegotiationError{
			RemoteUserID: remoteUserID,
			Op:           "recover",
			Err:          errors.New("retry ceiling reached, giving up on this peer"),
		})
		return
	}

	delay := time.Second << (attempt - 1)
	util.LogPeer(remoteUserID, "connection failed, retry %d/%d in %s", attempt, m.cfg.MaxRetries, delay)
	time.AfterFunc(delay, func() {
		// Keep the retry count across the rebuild.
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.retries[remoteUserID] = attempt
		m.mu.Unlock()

		if err := m.SendOffer(remoteUserID); err != nil && !errors.Is(err, ErrManagerClosed) {
			m.events.Error(err)
		}
	})
}

func (m *Manager) resetRetries(remoteUserID string) {
	m.mu.Lock()
	delete(m.retries, remoteUserID)
	m.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Outbound publishing
// ---------------------------------------------------------------------------

func (m *Manager) publishSDP(typ protocol.SignalType, remoteUserID string, sdp webrtc.SessionDescription) error {
	payload, err := json.Marshal(sdp)
	if err != nil {
		return &NegotiationError{RemoteUserID: remoteUserID, Op: "encode " + string(typ), Err: err}
	}
	metrics.SignalsTotal.WithLabelValues(string(typ), "out").Inc()
	return m.send(protocol.SignalMessage{
		Type:         typ,
		From:         m.cfg.LocalUserID,
		TargetUserID: remoteUserID,
		MeetingCode:  m.cfg.MeetingCode,
		Payload:      string(payload),
	})
}

func (m *Manager) publishCandidate(remoteUserID string, cand webrtc.ICECandidateInit) {
	payload, err := json.Marshal(cand)
	if err != nil {
		return
	}
	metrics.SignalsTotal.WithLabelValues(string(protocol.SignalCandidate), "out").Inc()
	if err := m.send(protocol.SignalMessage{
		Type:         protocol.SignalCandidate,
		From:         m.cfg.LocalUserID,
		TargetUserID: remoteUserID,
		MeetingCode:  m.cfg.MeetingCode,
		Payload:      string(payload),
	}); err != nil {
		// Candidate publishing is best-effort; the eventual renegotiation
		// retry covers a lost candidate.
		util.LogDebug("[%s] candidate not sent: %v", remoteUserID, err)
	}
}

// parseSDP decodes the JSON-encoded session description from a signal
// payload.
func parseSDP(payload string) (webrtc.SessionDescription, error) {
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal([]byte(payload), &sdp); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return sdp, nil
}

// ReplaceVideoTrack swaps the outbound video track on every live session.
// Best-effort per sender: one peer's failure does not stop the swap on the
// others.
func (m *Manager) ReplaceVideoTrack(t media.Track) {
	m.mu.Lock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	for _, p := range peers {
		if err := p.replaceVideoTrack(t); err != nil {
			util.LogWarning("%v", err)
		}
	}
}
