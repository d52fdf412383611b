// Package client assembles the realtime meeting core: one Client per
// joined meeting, owning the broker session, the local media stream, and
// the peer session mesh. Constructed on join, discarded on leave; consumers
// observe it exclusively through the event emitter.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ttcs/connectme-client/internal/config"
	"github.com/ttcs/connectme-client/internal/event"
	"github.com/ttcs/connectme-client/internal/media"
	"github.com/ttcs/connectme-client/internal/metrics"
	"github.com/ttcs/connectme-client/internal/protocol"
	"github.com/ttcs/connectme-client/internal/session"
	"github.com/ttcs/connectme-client/internal/signaling"
	"github.com/ttcs/connectme-client/internal/util"
)

// Transport is the broker session the client drives. *signaling.Client is
// the production implementation; tests substitute an in-memory one.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, handler signaling.Handler) (func(), error)
	Publish(destination string, body []byte) error
	Disconnect()
	Connected() bool
	OnReconnect(fn func())
}

// ErrNotJoined is returned by operations that need an active meeting
// session.
var ErrNotJoined = errors.New("client: not joined to a meeting")

// Client is the local session: the current user's identity, the active
// meeting, the local media stream, and the peer mesh. At most one meeting
// is active per Client; joining again leaves the previous meeting first.
type Client struct {
	cfg       *config.Config
	transport Transport
	source    media.Source
	events    event.Emitter

	mu           sync.Mutex
	joined       bool
	userID       string
	meetingCode  string
	displayName  string
	stream       *media.Stream
	mediaFailed  bool // acquisition failed; do not re-prompt this session
	sessions     *session.Manager
	unsubscribes []func()
}

// New creates a client around a transport and a media source. Nothing
// connects until Join.
func New(cfg *config.Config, transport Transport, source media.Source) *Client {
	return &Client{cfg: cfg, transport: transport, source: source}
}

// Events returns the observable surface. Subscribe before Join to see the
// full session.
func (c *Client) Events() *event.Emitter { return &c.events }

// Join connects to the broker, subscribes the meeting topics, and
// announces presence. Peer sessions form as user-joined events arrive and
// as existing participants offer toward us.
func (c *Client) Join(ctx context.Context, userID, meetingCode, displayName string) error {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		// Initializing a second session replaces the first.
		c.Leave()
		c.mu.Lock()
	}
	c.userID = userID
	c.meetingCode = meetingCode
	c.displayName = displayName
	c.sessions = session.NewManager(session.Config{
		LocalUserID:     userID,
		MeetingCode:     meetingCode,
		ICEServers:      c.cfg.STUNServers,
		ICEGracePeriod:  c.cfg.ICEGracePeriod,
		StaleOfferAfter: c.cfg.StaleOfferAfter,
		MaxRetries:      c.cfg.MaxNegotiationRetries,
	}, c.sendSignal, &c.events, c.localTracks)
	c.mu.Unlock()

	c.transport.OnReconnect(c.announcePresence)

	if err := c.transport.Connect(ctx); err != nil {
		c.teardown()
		return err
	}

	if err := c.subscribeAll(userID, meetingCode); err != nil {
		c.teardown()
		return err
	}

	c.announcePresence()

	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	util.LogInfo("joined meeting %s as %s", meetingCode, userID)
	return nil
}

// Leave tears the session down completely: presence withdrawal, every peer
// session closed, all local tracks stopped, topics unsubscribed, transport
// deactivated. By the time Leave returns no capture hardware is held.
func (c *Client) Leave() {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	c.joined = false
	userID, meetingCode := c.userID, c.meetingCode
	c.mu.Unlock()

	// Best-effort: if the broker is down the left-event is lost, peers
	// notice via connection failure instead.
	if body, err := protocol.Marshal(protocol.LeaveRequest{UserID: userID, MeetingCode: meetingCode}); err == nil {
		if err := c.transport.Publish(protocol.DestLeave, body); err != nil {
			util.LogDebug("leave announcement not sent: %v", err)
		}
	}

	c.teardown()
	util.LogInfo("left meeting %s", meetingCode)
}

// teardown releases everything Join acquired, in dependency order.
func (c *Client) teardown() {
	c.mu.Lock()
	sessions := c.sessions
	stream := c.stream
	unsubs := c.unsubscribes
	c.sessions = nil
	c.stream = nil
	c.mediaFailed = false
	c.unsubscribes = nil
	c.mu.Unlock()

	if sessions != nil {
		sessions.CloseAll()
	}
	if stream != nil {
		if err := stream.Stop(); err != nil {
			util.LogWarning("%v", err)
		}
	}
	for _, unsub := range unsubs {
		unsub()
	}
	c.transport.Disconnect()
}

// announcePresence publishes the join event. Also invoked after an
// automatic broker reconnect, so remaining participants re-offer toward us.
func (c *Client) announcePresence() {
	c.mu.Lock()
	userID, meetingCode := c.userID, c.meetingCode
	c.mu.Unlock()

	body, err := protocol.Marshal(protocol.JoinRequest{UserID: userID, MeetingCode: meetingCode})
	if err != nil {
		return
	}
	if err := c.transport.Publish(protocol.DestJoin, body); err != nil {
		util.LogWarning("presence announcement failed: %v", err)
	}
}

// sendSignal is the session manager's outbound path.
func (c *Client) sendSignal(msg protocol.SignalMessage) error {
	body, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return c.transport.Publish(protocol.DestSignal, body)
}

// localTracks lazily acquires the local stream the first time a peer
// session needs it. Acquisition failure degrades, never blocks: the error
// is surfaced once as a MediaAccessError and sessions proceed
// receive-only (with an audio-only fallback attempt in between).
func (c *Client) localTracks() []media.Track {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil && !c.mediaFailed {
		stream, err := c.source.AcquireUserMedia(true, true)
		if err != nil {
			c.events.Error(err)
			// Camera unavailable does not have to cost the microphone.
			stream, err = c.source.AcquireUserMedia(true, false)
		}
		if err != nil {
			c.mediaFailed = true
			return nil
		}
		c.stream = stream
	}
	if c.stream == nil {
		return nil
	}
	return c.stream.Tracks()
}

// ---------------------------------------------------------------------------
// Media controls
// ---------------------------------------------------------------------------

// ToggleAudio flips the microphone and broadcasts the new state.
func (c *Client) ToggleAudio(enabled bool) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil || !stream.SetAudioEnabled(enabled) {
		return ErrNotJoined
	}
	return c.publishMediaState(protocol.MediaAudio, enabled)
}

// ToggleVideo flips the camera (or active screen track) and broadcasts the
// new state.
func (c *Client) ToggleVideo(enabled bool) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil || !stream.SetVideoEnabled(enabled) {
		return ErrNotJoined
	}
	return c.publishMediaState(protocol.MediaVideo, enabled)
}

func (c *Client) publishMediaState(mediaType protocol.MediaType, enabled bool) error {
	c.mu.Lock()
	update := protocol.MediaStateUpdate{
		UserID:      c.userID,
		MeetingCode: c.meetingCode,
		MediaType:   mediaType,
		Enabled:     enabled,
	}
	c.mu.Unlock()

	body, err := protocol.Marshal(update)
	if err != nil {
		return err
	}
	return c.transport.Publish(protocol.DestMediaState, body)
}

// ShareScreen starts screen capture and swaps it onto every peer's video
// sender in place. When the capture ends on its own (user stops sharing at
// the OS level) the camera is restored automatically.
func (c *Client) ShareScreen() error {
	c.mu.Lock()
	stream := c.stream
	sessions := c.sessions
	c.mu.Unlock()
	if stream == nil || sessions == nil {
		return ErrNotJoined
	}

	screen, err := c.source.AcquireScreen()
	if err != nil {
		c.events.Error(err)
		return err
	}
	if _, err := stream.StartScreen(screen); err != nil {
		screen.Stop()
		return err
	}
	if notifier, ok := screen.(media.EndedNotifier); ok {
		notifier.OnEnded(func(error) {
			if err := c.StopScreenShare(); err != nil && !errors.Is(err, ErrNotJoined) {
				util.LogWarning("screen share revert: %v", err)
			}
		})
	}

	sessions.ReplaceVideoTrack(screen)
	return nil
}

// StopScreenShare ends the screen capture and reverts every sender to the
// camera track. No-op when no share is active.
func (c *Client) StopScreenShare() error {
	c.mu.Lock()
	stream := c.stream
	sessions := c.sessions
	c.mu.Unlock()
	if stream == nil || sessions == nil {
		return ErrNotJoined
	}

	camera, active := stream.StopScreen()
	if !active {
		return nil
	}
	if camera != nil {
		sessions.ReplaceVideoTrack(camera)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Auxiliary channels
// ---------------------------------------------------------------------------

// SendChat broadcasts a chat message. The broker echoes broadcasts back to
// the sender, so there is no optimistic local append: consumers render
// messages exclusively from the chat topic.
func (c *Client) SendChat(text string) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return ErrNotJoined
	}
	msg := protocol.ChatMessage{
		ID:          uuid.NewString(),
		SenderID:    c.userID,
		SenderName:  c.displayName,
		MeetingCode: c.meetingCode,
		Text:        text,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Type:        "user",
	}
	c.mu.Unlock()

	body, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	metrics.RelayBytesTotal.WithLabelValues("chat", "out").Add(float64(len(body)))
	return c.transport.Publish(protocol.DestChat, body)
}

// SendFile relays a file to every participant over the broker. Files ride
// the signaling channel, so the configured size cap applies; oversized
// payloads are rejected outright.
func (c *Client) SendFile(name, mimeType string, data []byte) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return ErrNotJoined
	}
	userID, displayName, meetingCode := c.userID, c.displayName, c.meetingCode
	maxSize := c.cfg.MaxFileSize
	c.mu.Unlock()

	ft, err := protocol.EncodeFile(name, mimeType, data, userID, displayName, meetingCode, maxSize)
	if err != nil {
		return err
	}
	body, err := protocol.Marshal(ft)
	if err != nil {
		return err
	}
	metrics.RelayBytesTotal.WithLabelValues("file", "out").Add(float64(len(body)))
	return c.transport.Publish(protocol.DestFile, body)
}

// ---------------------------------------------------------------------------
// Read surface
// ---------------------------------------------------------------------------

// RemoteStream re-derives the remote stream for a participant from its
// peer session. Returns false when no session (or no media yet) exists.
func (c *Client) RemoteStream(remoteUserID string) (*media.RemoteStream, bool) {
	c.mu.Lock()
	sessions := c.sessions
	c.mu.Unlock()
	if sessions == nil {
		return nil, false
	}
	return sessions.RemoteStream(remoteUserID)
}

// ActivePeers returns the remote user ids with live peer sessions.
func (c *Client) ActivePeers() []string {
	c.mu.Lock()
	sessions := c.sessions
	c.mu.Unlock()
	if sessions == nil {
		return nil
	}
	return sessions.Sessions()
}

// Joined reports whether a meeting session is active.
func (c *Client) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// String identifies the session in logs.
func (c *Client) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("client(%s@%s)", c.userID, c.meetingCode)
}
