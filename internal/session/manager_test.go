package session

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ttcs/connectme-client/internal/event"
	"github.com/ttcs/connectme-client/internal/media"
	"github.com/ttcs/connectme-client/internal/protocol"
)

func testConfig(localUserID string) Config {
	return Config{
		LocalUserID: localUserID,
		MeetingCode: "demo",
		// Generous timers so no recovery machinery fires mid-test.
		ICEGracePeriod:  time.Minute,
		StaleOfferAfter: time.Minute,
		MaxRetries:      1,
	}
}

func noTracks() []media.Track { return nil }

// recorder captures outbound signal messages.
type recorder struct {
	mu   sync.Mutex
	msgs []protocol.SignalMessage
}

func (r *recorder) send(msg protocol.SignalMessage) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count(typ protocol.SignalType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

// link wires two managers back to back: everything one sends is routed to
// the other on a pump goroutine, the way the broker would deliver it.
func link(t *testing.T, idA, idB string) (*Manager, *Manager) {
	t.Helper()

	chToA := make(chan protocol.SignalMessage, 128)
	chToB := make(chan protocol.SignalMessage, 128)
	done := make(chan struct{})

	sendVia := func(ch chan protocol.SignalMessage) SendSignal {
		return func(msg protocol.SignalMessage) error {
			select {
			case ch <- msg:
			case <-done:
			}
			return nil
		}
	}

	mA := NewManager(testConfig(idA), sendVia(chToB), &event.Emitter{}, noTracks)
	mB := NewManager(testConfig(idB), sendVia(chToA), &event.Emitter{}, noTracks)

	pump := func(ch chan protocol.SignalMessage, m *Manager) {
		for {
			select {
			case msg := <-ch:
				var err error
				switch msg.Type {
				case protocol.SignalOffer:
					err = m.HandleOffer(msg.From, msg.Payload)
				case protocol.SignalAnswer:
					err = m.HandleAnswer(msg.From, msg.Payload)
				case protocol.SignalCandidate:
					err = m.HandleCandidate(msg.From, msg.Payload)
				}
				if err != nil {
					t.Logf("pump: %s from %s: %v", msg.Type, msg.From, err)
				}
			case <-done:
				return
			}
		}
	}
	go pump(chToA, mA)
	go pump(chToB, mB)

	t.Cleanup(func() {
		close(done)
		mA.CloseAll()
		mB.CloseAll()
	})
	return mA, mB
}

func waitForState(t *testing.T, m *Manager, remoteUserID string, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := m.Peer(remoteUserID); ok && p.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	p, ok := m.Peer(remoteUserID)
	if !ok {
		t.Fatalf("no session for %s while waiting for state %s", remoteUserID, want)
	}
	t.Fatalf("session for %s stuck in %s, want %s", remoteUserID, p.State(), want)
}

// TestEnsureSessionConcurrent verifies that racing callers for the same
// remote user observe a single session object.
func TestEnsureSessionConcurrent(t *testing.T) {
	rec := &recorder{}
	m := NewManager(testConfig("alice"), rec.send, &event.Emitter{}, noTracks)
	defer m.CloseAll()

	const n = 16
	peers := make([]*Peer, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := m.EnsureSession("bob")
			if err != nil {
				t.Errorf("EnsureSession failed: %v", err)
				return
			}
			peers[i] = p
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if peers[i] != peers[0] {
			t.Fatalf("caller %d observed a different session object", i)
		}
	}
	if got := m.Sessions(); len(got) != 1 || got[0] != "bob" {
		t.Errorf("Sessions() = %v, want [bob]", got)
	}
}

// TestOfferAnswerLoopback verifies a full negotiation between two managers:
// one offers, the other answers, both reach Connected.
func TestOfferAnswerLoopback(t *testing.T) {
	mA, mB := link(t, "alice", "bob")

	if err := mA.SendOffer("bob"); err != nil {
		t.Fatalf("SendOffer failed: %v", err)
	}

	waitForState(t, mB, "alice", StateConnected)
	waitForState(t, mA, "bob", StateConnected)
}

// TestGlareResolution verifies simultaneous offers collapse to one session
// per side, with the lexicographically lower user id keeping its offer.
func TestGlareResolution(t *testing.T) {
	mA, mB := link(t, "alice", "bob")

	offerers := []struct {
		m      *Manager
		target string
	}{
		{mA, "bob"},
		{mB, "alice"},
	}

	var wg sync.WaitGroup
	for _, o := range offerers {
		wg.Add(1)
		go func(m *Manager, target string) {
			defer wg.Done()
			if err := m.SendOffer(target); err != nil {
				t.Errorf("SendOffer failed: %v", err)
			}
		}(o.m, o.target)
	}
	wg.Wait()

	waitForState(t, mA, "bob", StateConnected)
	waitForState(t, mB, "alice", StateConnected)

	if got := mA.Sessions(); len(got) != 1 {
		t.Errorf("alice has %d sessions, want 1", len(got))
	}
	if got := mB.Sessions(); len(got) != 1 {
		t.Errorf("bob has %d sessions, want 1", len(got))
	}
}

// TestDuplicateAnswerDropped verifies that re-delivered answers are ignored
// once a session is connected.
func TestDuplicateAnswerDropped(t *testing.T) {
	rec := &recorder{}
	mA := NewManager(testConfig("alice"), rec.send, &event.Emitter{}, noTracks)
	defer mA.CloseAll()
	mB := NewManager(testConfig("bob"), (&recorder{}).send, &event.Emitter{}, noTracks)
	defer mB.CloseAll()

	if err := mA.SendOffer("bob"); err != nil {
		t.Fatalf("SendOffer failed: %v", err)
	}
	rec.mu.Lock()
	offer := rec.msgs[0]
	rec.mu.Unlock()

	if err := mB.HandleOffer("alice", offer.Payload); err != nil {
		t.Fatalf("HandleOffer failed: %v", err)
	}
	p, _ := mB.Peer("alice")
	answer := p.pc.LocalDescription()
	if answer == nil {
		t.Fatal("answering side has no local description")
	}
	data, err := json.Marshal(answer)
	if err != nil {
		t.Fatalf("encoding answer: %v", err)
	}
	payload := string(data)

	if err := mA.HandleAnswer("bob", payload); err != nil {
		t.Fatalf("HandleAnswer failed: %v", err)
	}
	waitForState(t, mA, "bob", StateConnected)

	// Second delivery of the same answer: silently dropped.
	if err := mA.HandleAnswer("bob", payload); err != nil {
		t.Fatalf("duplicate answer surfaced an error: %v", err)
	}
	waitForState(t, mA, "bob", StateConnected)
}

// TestSignalsForUnknownSessionDropped verifies answers and candidates for
// peers with no session are no-ops, not errors, and create no session.
func TestSignalsForUnknownSessionDropped(t *testing.T) {
	m := NewManager(testConfig("alice"), (&recorder{}).send, &event.Emitter{}, noTracks)
	defer m.CloseAll()

	if err := m.HandleCandidate("ghost", `{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}`); err != nil {
		t.Errorf("HandleCandidate for unknown session: %v", err)
	}
	if err := m.HandleAnswer("ghost", `{"type":"answer","sdp":"v=0"}`); err != nil {
		t.Errorf("HandleAnswer for unknown session: %v", err)
	}
	if got := m.Sessions(); len(got) != 0 {
		t.Errorf("dropped signals created sessions: %v", got)
	}
}

// TestSendOfferIdempotentWhileFresh verifies a second SendOffer inside the
// staleness window is a no-op.
func TestSendOfferIdempotentWhileFresh(t *testing.T) {
	rec := &recorder{}
	m := NewManager(testConfig("alice"), rec.send, &event.Emitter{}, noTracks)
	defer m.CloseAll()

	for i := 0; i < 3; i++ {
		if err := m.SendOffer("bob"); err != nil {
			t.Fatalf("SendOffer %d failed: %v", i, err)
		}
	}
	if n := rec.count(protocol.SignalOffer); n != 1 {
		t.Errorf("published %d offers, want 1", n)
	}
}

// TestPendingCandidatesFlushInOrder verifies candidates arriving before the
// remote description queue and flush in receipt order.
func TestPendingCandidatesFlushInOrder(t *testing.T) {
	p, err := newPeer("bob", nil, peerHooks{onLocalCandidate: func(webrtc.ICECandidateInit) {}})
	if err != nil {
		t.Fatalf("newPeer failed: %v", err)
	}
	defer p.close()
	if err := p.attachLocalTracks(nil); err != nil {
		t.Fatalf("attachLocalTracks failed: %v", err)
	}

	cands := []webrtc.ICECandidateInit{
		{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50001 typ host"},
		{Candidate: "candidate:2 1 udp 2130706431 127.0.0.1 50002 typ host"},
		{Candidate: "candidate:3 1 udp 2130706431 127.0.0.1 50003 typ host"},
	}
	for _, c := range cands {
		if err := p.addRemoteCandidate(c); err != nil {
			t.Fatalf("addRemoteCandidate failed: %v", err)
		}
	}

	p.mu.Lock()
	queued := make([]webrtc.ICECandidateInit, len(p.pending))
	copy(queued, p.pending)
	p.mu.Unlock()

	if len(queued) != len(cands) {
		t.Fatalf("queued %d candidates, want %d", len(queued), len(cands))
	}
	for i := range cands {
		if queued[i].Candidate != cands[i].Candidate {
			t.Errorf("queue order broken at %d: got %q, want %q", i, queued[i].Candidate, cands[i].Candidate)
		}
	}

	// Applying a remote offer flushes the queue.
	offerer, err := newPeer("alice", nil, peerHooks{onLocalCandidate: func(webrtc.ICECandidateInit) {}})
	if err != nil {
		t.Fatalf("newPeer (offerer) failed: %v", err)
	}
	defer offerer.close()
	if err := offerer.attachLocalTracks(nil); err != nil {
		t.Fatalf("attachLocalTracks failed: %v", err)
	}
	offer, err := offerer.createOffer(false)
	if err != nil {
		t.Fatalf("createOffer failed: %v", err)
	}
	if _, err := p.acceptOffer(offer); err != nil {
		t.Fatalf("acceptOffer failed: %v", err)
	}

	p.mu.Lock()
	remaining, remoteSet := len(p.pending), p.remoteSet
	p.mu.Unlock()
	if remaining != 0 || !remoteSet {
		t.Errorf("queue not flushed: %d pending, remoteSet=%v", remaining, remoteSet)
	}

	// Post-description candidates apply directly, nothing queues.
	if err := p.addRemoteCandidate(cands[0]); err != nil {
		t.Fatalf("direct addRemoteCandidate failed: %v", err)
	}
	p.mu.Lock()
	remaining = len(p.pending)
	p.mu.Unlock()
	if remaining != 0 {
		t.Errorf("candidate queued after remote description: %d pending", remaining)
	}
}

// TestCloseSessionAndCloseAll verifies per-peer teardown and the terminal
// CloseAll behavior.
func TestCloseSessionAndCloseAll(t *testing.T) {
	m := NewManager(testConfig("alice"), (&recorder{}).send, &event.Emitter{}, noTracks)

	pBob, err := m.EnsureSession("bob")
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if _, err := m.EnsureSession("carol"); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}

	m.CloseSession("bob")
	if pBob.State() != StateClosed {
		t.Errorf("closed session in state %s", pBob.State())
	}
	if _, ok := m.Peer("bob"); ok {
		t.Error("closed session still in the map")
	}
	if got := m.Sessions(); len(got) != 1 || got[0] != "carol" {
		t.Errorf("Sessions() = %v, want [carol]", got)
	}
	// Idempotent, unknown ids included.
	m.CloseSession("bob")
	m.CloseSession("nobody")

	m.CloseAll()
	if got := m.Sessions(); len(got) != 0 {
		t.Errorf("Sessions() = %v after CloseAll", got)
	}
	if _, err := m.EnsureSession("dave"); err != ErrManagerClosed {
		t.Errorf("EnsureSession after CloseAll = %v, want ErrManagerClosed", err)
	}
}

// TestICERestartRecoversInPlace verifies that a session past the disconnect
// grace period renegotiates over its existing connection: the restart answer
// is applied and the session returns to Connected without being replaced.
func TestICERestartRecoversInPlace(t *testing.T) {
	mA, mB := link(t, "alice", "bob")

	if err := mA.SendOffer("bob"); err != nil {
		t.Fatalf("SendOffer failed: %v", err)
	}
	waitForState(t, mA, "bob", StateConnected)
	waitForState(t, mB, "alice", StateConnected)

	p, ok := mA.Peer("bob")
	if !ok {
		t.Fatal("no session for bob")
	}
	if err := p.transition(StateDisconnected); err != nil {
		t.Fatalf("transition to disconnected: %v", err)
	}

	mA.restartICE("bob", p)

	waitForState(t, mA, "bob", StateConnected)
	if got, ok := mA.Peer("bob"); !ok || got != p {
		t.Fatal("restart replaced the session instead of recovering it in place")
	}
}

// TestFailedICETearsDownAndRetries verifies the failed-connection policy:
// teardown plus a re-offer after backoff, then a scoped error once the retry
// ceiling is reached. Other state is untouched either way.
func TestFailedICETearsDownAndRetries(t *testing.T) {
	rec := &recorder{}
	var mu sync.Mutex
	var errs []error
	events := &event.Emitter{}
	events.Subscribe(&event.Observer{
		Error: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})

	cfg := testConfig("alice")
	cfg.MaxRetries = 1
	m := NewManager(cfg, rec.send, events, noTracks)
	defer m.CloseAll()

	if err := m.SendOffer("bob"); err != nil {
		t.Fatalf("SendOffer failed: %v", err)
	}
	p1, ok := m.Peer("bob")
	if !ok {
		t.Fatal("no session for bob")
	}

	m.superviseICE("bob", p1, webrtc.ICEConnectionStateFailed)

	if p1.State() != StateClosed {
		t.Errorf("failed session in state %s, want closed", p1.State())
	}
	if _, ok := m.Peer("bob"); ok {
		t.Error("failed session still in the map")
	}

	// The retry re-offers after the backoff delay.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && rec.count(protocol.SignalOffer) < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if n := rec.count(protocol.SignalOffer); n != 2 {
		t.Fatalf("published %d offers, want 2 (initial + retry)", n)
	}

	// A second failure exceeds the ceiling and surfaces a peer-scoped error.
	p2, ok := m.Peer("bob")
	if !ok {
		t.Fatal("no session for bob after retry")
	}
	m.superviseICE("bob", p2, webrtc.ICEConnectionStateFailed)

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 {
		t.Fatalf("emitted %d errors, want 1", len(errs))
	}
	var negErr *NegotiationError
	if !errors.As(errs[0], &negErr) || negErr.RemoteUserID != "bob" {
		t.Errorf("error = %v, want a NegotiationError scoped to bob", errs[0])
	}
}

// TestFailedSessionReplaced verifies EnsureSession swaps out a session in a
// terminal state instead of returning it.
func TestFailedSessionReplaced(t *testing.T) {
	m := NewManager(testConfig("alice"), (&recorder{}).send, &event.Emitter{}, noTracks)
	defer m.CloseAll()

	p1, err := m.EnsureSession("bob")
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	p1.close()

	p2, err := m.EnsureSession("bob")
	if err != nil {
		t.Fatalf("EnsureSession after close failed: %v", err)
	}
	if p2 == p1 {
		t.Fatal("closed session returned instead of a replacement")
	}
	if p2.State() != StateNone {
		t.Errorf("replacement session in state %s, want none", p2.State())
	}
}
