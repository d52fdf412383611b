package client

import (
	"errors"
	"fmt"

	"github.com/ttcs/connectme-client/internal/metrics"
	"github.com/ttcs/connectme-client/internal/protocol"
	"github.com/ttcs/connectme-client/internal/session"
	"github.com/ttcs/connectme-client/internal/util"
)

// ProtocolError reports a broker message that could not be interpreted.
// Malformed messages are dropped and counted, never fatal: one bad frame
// must not take the session down.
type ProtocolError struct {
	Topic string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: bad message on %s: %v", e.Topic, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// subscribeAll wires every meeting topic to its handler. Handlers run on
// per-topic dispatch goroutines; ordering is guaranteed within a topic and
// nowhere else.
func (c *Client) subscribeAll(userID, meetingCode string) error {
	subs := []struct {
		topic   string
		handler func([]byte)
	}{
		{protocol.TopicUserJoined(meetingCode), c.handleUserJoined},
		{protocol.TopicUserLeft(meetingCode), c.handleUserLeft},
		{protocol.TopicSignal(userID, meetingCode), c.handleSignal},
		{protocol.TopicChat(meetingCode), c.handleChat},
		{protocol.TopicFile(meetingCode), c.handleFile},
		{protocol.TopicMediaState(meetingCode), c.handleMediaState},
	}

	var cancels []func()
	for _, s := range subs {
		cancel, err := c.transport.Subscribe(s.topic, s.handler)
		if err != nil {
			for _, undo := range cancels {
				undo()
			}
			return err
		}
		cancels = append(cancels, cancel)
	}

	c.mu.Lock()
	c.unsubscribes = cancels
	c.mu.Unlock()
	return nil
}

// dropMalformed counts and logs an undecodable broker message.
func (c *Client) dropMalformed(topic string, err error) {
	metrics.DroppedMessagesTotal.WithLabelValues("malformed").Inc()
	util.LogWarning("%v", &ProtocolError{Topic: topic, Err: err})
}

// handleUserJoined reacts to a participant entering the meeting. Existing
// participants always initiate toward the newcomer, so hearing someone
// else join means we send the offer. Our own join echo only confirms the
// announcement round-tripped.
func (c *Client) handleUserJoined(body []byte) {
	var ev protocol.UserJoinedEvent
	if err := protocol.Unmarshal(body, &ev); err != nil || ev.UserID == "" {
		c.dropMalformed("user.joined", errOrEmpty(err))
		return
	}

	c.mu.Lock()
	self := ev.UserID == c.userID
	sessions := c.sessions
	c.mu.Unlock()
	if self || sessions == nil {
		return
	}

	c.events.ParticipantJoined(ev)
	if err := sessions.SendOffer(ev.UserID); err != nil {
		c.events.Error(err)
	}
}

// handleUserLeft tears down the departed participant's session.
func (c *Client) handleUserLeft(body []byte) {
	var ev protocol.UserLeftEvent
	if err := protocol.Unmarshal(body, &ev); err != nil || ev.UserID == "" {
		c.dropMalformed("user.left", errOrEmpty(err))
		return
	}

	c.mu.Lock()
	self := ev.UserID == c.userID
	sessions := c.sessions
	c.mu.Unlock()
	if self || sessions == nil {
		return
	}

	sessions.CloseSession(ev.UserID)
	c.events.ParticipantLeft(ev)
}

// handleSignal routes an addressed offer/answer/candidate to the session
// manager. The broker already scopes the topic to this user, but the
// envelope's target is still checked; a mismatch is a routing fault worth
// knowing about.
func (c *Client) handleSignal(body []byte) {
	var msg protocol.SignalMessage
	if err := protocol.Unmarshal(body, &msg); err != nil || msg.From == "" {
		c.dropMalformed("signal", errOrEmpty(err))
		return
	}

	c.mu.Lock()
	userID := c.userID
	sessions := c.sessions
	c.mu.Unlock()
	if sessions == nil {
		return
	}
	if msg.TargetUserID != userID || msg.From == userID {
		metrics.DroppedMessagesTotal.WithLabelValues("misrouted").Inc()
		util.LogWarning("signal for %s delivered to %s, dropped", msg.TargetUserID, userID)
		return
	}

	metrics.SignalsTotal.WithLabelValues(string(msg.Type), "in").Inc()

	var err error
	switch msg.Type {
	case protocol.SignalOffer:
		err = sessions.HandleOffer(msg.From, msg.Payload)
	case protocol.SignalAnswer:
		err = sessions.HandleAnswer(msg.From, msg.Payload)
	case protocol.SignalCandidate:
		err = sessions.HandleCandidate(msg.From, msg.Payload)
	default:
		c.dropMalformed("signal", fmt.Errorf("unknown signal type %q", msg.Type))
		return
	}
	if err != nil && !errors.Is(err, session.ErrManagerClosed) {
		c.events.Error(err)
	}
}

// handleChat surfaces chat broadcasts, including the broker's echo of our
// own messages. System notices carry type "system" and an empty sender.
func (c *Client) handleChat(body []byte) {
	var msg protocol.ChatMessage
	if err := protocol.Unmarshal(body, &msg); err != nil || msg.Text == "" {
		c.dropMalformed("chat", errOrEmpty(err))
		return
	}
	metrics.RelayBytesTotal.WithLabelValues("chat", "in").Add(float64(len(body)))
	c.events.MessageReceived(msg)
}

// handleFile surfaces relayed files. The payload stays base64; decoding is
// the consumer's call via protocol.DecodeFile.
func (c *Client) handleFile(body []byte) {
	var ft protocol.FileTransfer
	if err := protocol.Unmarshal(body, &ft); err != nil || ft.FileName == "" {
		c.dropMalformed("file", errOrEmpty(err))
		return
	}
	metrics.RelayBytesTotal.WithLabelValues("file", "in").Add(float64(len(body)))
	c.events.FileReceived(ft)
}

// handleMediaState surfaces remote mute/unmute toggles. Our own echo is
// skipped; local toggle state already changed synchronously.
func (c *Client) handleMediaState(body []byte) {
	var update protocol.MediaStateUpdate
	if err := protocol.Unmarshal(body, &update); err != nil || update.UserID == "" {
		c.dropMalformed("media.state", errOrEmpty(err))
		return
	}

	c.mu.Lock()
	self := update.UserID == c.userID
	c.mu.Unlock()
	if self {
		return
	}

	switch update.MediaType {
	case protocol.MediaAudio:
		c.events.AudioToggled(update.UserID, update.Enabled)
	case protocol.MediaVideo:
		c.events.VideoToggled(update.UserID, update.Enabled)
	default:
		c.dropMalformed("media.state", fmt.Errorf("unknown media type %q", update.MediaType))
	}
}

// errOrEmpty normalizes the two malformed cases: undecodable JSON and a
// decoded message missing its identifying field.
func errOrEmpty(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("missing required field")
}
