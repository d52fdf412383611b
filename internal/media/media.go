// Package media owns local media acquisition and the track objects attached
// to peer sessions. Exactly one Stream is live per local session; peer
// sessions share its tracks read-only and never stop them.
package media

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/ttcs/connectme-client/internal/util"
)

// DeniedKind identifies which capture device an acquisition failure is about.
type DeniedKind string

const (
	KindCamera     DeniedKind = "camera"
	KindMicrophone DeniedKind = "microphone"
	KindScreen     DeniedKind = "screen"
)

// AccessReason refines a MediaAccessError for actionable user messaging.
type AccessReason string

const (
	ReasonPermissionDenied AccessReason = "permission-denied"
	ReasonDeviceNotFound   AccessReason = "device-not-found"
	ReasonDeviceBusy       AccessReason = "device-busy"
)

// MediaAccessError reports a failed camera/microphone/screen acquisition.
// Not retried automatically; the consumer decides whether to re-prompt.
type MediaAccessError struct {
	DeniedKind DeniedKind
	Reason     AccessReason
	Err        error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media: %s access failed (%s): %v", e.DeniedKind, e.Reason, e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// Track is one local audio or video track. Enabled is presentation state —
// a disabled track stays attached to senders, matching browser semantics,
// and the change is announced over the media-state topic instead.
type Track interface {
	Kind() webrtc.RTPCodecType
	Local() webrtc.TrackLocal
	SetEnabled(enabled bool)
	Enabled() bool
	Stop() error
	Stopped() bool
}

// EndedNotifier is implemented by tracks whose capture can end on its own,
// such as a screen share the user stops at the OS level. The callback fires
// at most once.
type EndedNotifier interface {
	OnEnded(fn func(error))
}

// Source acquires local media. DeviceSource captures real hardware;
// StaticSource provides synthetic tracks for tests and headless runs.
type Source interface {
	AcquireUserMedia(audio, video bool) (*Stream, error)
	AcquireScreen() (Track, error)
}

// Stream is the local media stream: at most one audio track, one camera
// video track, and optionally one screen track that substitutes for the
// camera on every video sender while screen sharing is active.
type Stream struct {
	mu     sync.Mutex
	audio  Track
	camera Track
	screen Track
}

// NewStream assembles a stream from acquired tracks. Either may be nil —
// a stream with no tracks is valid (audio/video-unavailable fallback).
func NewStream(audio, camera Track) *Stream {
	return &Stream{audio: audio, camera: camera}
}

// AudioTrack returns the audio track or nil.
func (s *Stream) AudioTrack() Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

// VideoTrack returns the track currently feeding video senders: the screen
// track while sharing, the camera otherwise. Nil when video is unavailable.
func (s *Stream) VideoTrack() Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.screen != nil {
		return s.screen
	}
	return s.camera
}

// Tracks returns the tracks to attach to a new peer session.
func (s *Stream) Tracks() []Track {
	var out []Track
	if a := s.AudioTrack(); a != nil {
		out = append(out, a)
	}
	if v := s.VideoTrack(); v != nil {
		out = append(out, v)
	}
	return out
}

// SetAudioEnabled toggles the audio track. Reports whether a track existed.
func (s *Stream) SetAudioEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio == nil {
		return false
	}
	s.audio.SetEnabled(enabled)
	return true
}

// SetVideoEnabled toggles the active video track.
func (s *Stream) SetVideoEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.camera
	if s.screen != nil {
		t = s.screen
	}
	if t == nil {
		return false
	}
	t.SetEnabled(enabled)
	return true
}

// StartScreen installs a screen track as the active video. The camera track
// stays alive for the revert. Returns the track video senders must switch
// to, or an error if a share is already active.
func (s *Stream) StartScreen(screen Track) (Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.screen != nil {
		return nil, fmt.Errorf("media: screen share already active")
	}
	s.screen = screen
	return screen, nil
}

// StopScreen stops the screen track and reverts to the camera. Returns the
// camera track (possibly nil) that senders must switch back to, and whether
// a share was active.
func (s *Stream) StopScreen() (Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.screen == nil {
		return nil, false
	}
	if err := s.screen.Stop(); err != nil {
		util.LogWarning("stopping screen track: %v", err)
	}
	s.screen = nil
	return s.camera, true
}

// ScreenActive reports whether a screen share is in progress.
func (s *Stream) ScreenActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen != nil
}

// Stop stops every track. After Stop all capture hardware is released;
// callers verify via Track.Stopped.
func (s *Stream) Stop() error {
	s.mu.Lock()
	tracks := []Track{s.audio, s.camera, s.screen}
	s.audio, s.camera, s.screen = nil, nil, nil
	s.mu.Unlock()

	var errs []error
	for _, t := range tracks {
		if t == nil || t.Stopped() {
			continue
		}
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("media: stopping tracks: %v", errs)
	}
	return nil
}

// RemoteStream collects the remote tracks negotiated with one participant.
// Identity comes from the signaling envelope, never inferred from the
// stream itself; consumers look streams up by remote user id.
type RemoteStream struct {
	UserID string

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

// NewRemoteStream creates an empty stream owned by the peer session for
// the given participant.
func NewRemoteStream(userID string) *RemoteStream {
	return &RemoteStream{UserID: userID}
}

// AddTrack appends a negotiated remote track.
func (r *RemoteStream) AddTrack(t *webrtc.TrackRemote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks = append(r.tracks, t)
}

// Tracks returns a snapshot of the remote tracks received so far.
func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(r.tracks))
	copy(out, r.tracks)
	return out
}
