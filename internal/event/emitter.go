// Package event is the observable output surface of the meeting core.
// Consumers subscribe an Observer and receive everything the core reports:
// roster changes, remote media, chat, files, media toggles, and errors.
package event

import (
	"sync"

	"github.com/ttcs/connectme-client/internal/media"
	"github.com/ttcs/connectme-client/internal/protocol"
)

// Observer carries the callbacks a consumer cares about. Nil fields are
// skipped. Callbacks run on core goroutines and must not block.
type Observer struct {
	ParticipantJoined func(ev protocol.UserJoinedEvent)
	ParticipantLeft   func(ev protocol.UserLeftEvent)
	RemoteStreamAdded func(remoteUserID string, stream *media.RemoteStream)
	MessageReceived   func(msg protocol.ChatMessage)
	FileReceived      func(ft protocol.FileTransfer)
	AudioToggled      func(remoteUserID string, enabled bool)
	VideoToggled      func(remoteUserID string, enabled bool)
	Error             func(err error)
}

// Emitter fans events out to any number of subscribed observers.
// The zero value is ready to use.
type Emitter struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*Observer
}

// Subscribe registers an observer and returns its disposer. Events emitted
// after the disposer runs are no longer delivered to that observer.
func (e *Emitter) Subscribe(obs *Observer) func() {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[int]*Observer)
	}
	e.nextID++
	id := e.nextID
	e.subs[id] = obs
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// snapshot returns the current observers without holding the lock during
// callback dispatch.
func (e *Emitter) snapshot() []*Observer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Observer, 0, len(e.subs))
	for _, obs := range e.subs {
		out = append(out, obs)
	}
	return out
}

func (e *Emitter) ParticipantJoined(ev protocol.UserJoinedEvent) {
	for _, obs := range e.snapshot() {
		if obs.ParticipantJoined != nil {
			obs.ParticipantJoined(ev)
		}
	}
}

func (e *Emitter) ParticipantLeft(ev protocol.UserLeftEvent) {
	for _, obs := range e.snapshot() {
		if obs.ParticipantLeft != nil {
			obs.ParticipantLeft(ev)
		}
	}
}

func (e *Emitter) RemoteStreamAdded(remoteUserID string, stream *media.RemoteStream) {
	for _, obs := range e.snapshot() {
		if obs.RemoteStreamAdded != nil {
			obs.RemoteStreamAdded(remoteUserID, stream)
		}
	}
}

func (e *Emitter) MessageReceived(msg protocol.ChatMessage) {
	for _, obs := range e.snapshot() {
		if obs.MessageReceived != nil {
			obs.MessageReceived(msg)
		}
	}
}

func (e *Emitter) FileReceived(ft protocol.FileTransfer) {
	for _, obs := range e.snapshot() {
		if obs.FileReceived != nil {
			obs.FileReceived(ft)
		}
	}
}

func (e *Emitter) AudioToggled(remoteUserID string, enabled bool) {
	for _, obs := range e.snapshot() {
		if obs.AudioToggled != nil {
			obs.AudioToggled(remoteUserID, enabled)
		}
	}
}

func (e *Emitter) VideoToggled(remoteUserID string, enabled bool) {
	for _, obs := range e.snapshot() {
		if obs.VideoToggled != nil {
			obs.VideoToggled(remoteUserID, enabled)
		}
	}
}

func (e *Emitter) Error(err error) {
	for _, obs := range e.snapshot() {
		if obs.Error != nil {
			obs.Error(err)
		}
	}
}
