package media

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// StaticSource provides synthetic VP8/Opus tracks backed by
// TrackLocalStaticSample. Used by tests and headless runs, where grabbing
// real capture hardware is unwanted; sessions negotiate and connect exactly
// as they would with device media.
type StaticSource struct{}

func NewStaticSource() *StaticSource { return &StaticSource{} }

func (s *StaticSource) AcquireUserMedia(audio, video bool) (*Stream, error) {
	var audioTrack, videoTrack Track
	if audio {
		t, err := newStaticTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  1,
		}, "audio", webrtc.RTPCodecTypeAudio)
		if err != nil {
			return nil, &MediaAccessError{DeniedKind: KindMicrophone, Reason: ReasonDeviceNotFound, Err: err}
		}
		audioTrack = t
	}
	if video {
		t, err := newStaticTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", webrtc.RTPCodecTypeVideo)
		if err != nil {
			return nil, &MediaAccessError{DeniedKind: KindCamera, Reason: ReasonDeviceNotFound, Err: err}
		}
		videoTrack = t
	}
	return NewStream(audioTrack, videoTrack), nil
}

func (s *StaticSource) AcquireScreen() (Track, error) {
	t, err := newStaticTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, "screen", webrtc.RTPCodecTypeVideo)
	if err != nil {
		return nil, &MediaAccessError{DeniedKind: KindScreen, Reason: ReasonDeviceNotFound, Err: err}
	}
	return t, nil
}

type staticTrack struct {
	local *webrtc.TrackLocalStaticSample
	kind  webrtc.RTPCodecType

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func newStaticTrack(cap webrtc.RTPCodecCapability, id string, kind webrtc.RTPCodecType) (*staticTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(cap, id, "connectme-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	return &staticTrack{local: local, kind: kind, enabled: true}, nil
}

func (t *staticTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *staticTrack) Local() webrtc.TrackLocal  { return t.local }

func (t *staticTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *staticTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Stop marks the track ended. Static tracks hold no hardware, so stopping
// is pure bookkeeping.
func (t *staticTrack) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	return nil
}

func (t *staticTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
