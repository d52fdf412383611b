package media

import (
	"strings"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // register camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // register microphone adapter
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // register screen adapter
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures real camera, microphone, and screen devices through
// pion/mediadevices with VP8 video and Opus audio.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceSource builds the codec selector once; acquisition happens per
// call in AcquireUserMedia / AcquireScreen.
func NewDeviceSource() (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, &MediaAccessError{DeniedKind: KindCamera, Reason: ReasonDeviceNotFound, Err: err}
	}
	vpxParams.BitRate = 500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, &MediaAccessError{DeniedKind: KindMicrophone, Reason: ReasonDeviceNotFound, Err: err}
	}

	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// AcquireUserMedia opens the requested capture devices. A failure names the
// device kind so the consumer can message the user precisely.
func (d *DeviceSource) AcquireUserMedia(audio, video bool) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
			c.FrameRate = prop.Float(30)
		}
	}
	if audio {
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(20 * time.Millisecond)
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		kind := KindCamera
		if audio && !video {
			kind = KindMicrophone
		}
		return nil, &MediaAccessError{DeniedKind: kind, Reason: classifyAccessFailure(err), Err: err}
	}

	var audioTrack, videoTrack Track
	if tracks := stream.GetAudioTracks(); len(tracks) > 0 {
		audioTrack = newDeviceTrack(tracks[0].(mediadevices.Track), webrtc.RTPCodecTypeAudio)
	}
	if tracks := stream.GetVideoTracks(); len(tracks) > 0 {
		videoTrack = newDeviceTrack(tracks[0].(mediadevices.Track), webrtc.RTPCodecTypeVideo)
	}
	return NewStream(audioTrack, videoTrack), nil
}

// AcquireScreen opens a screen capture track.
func (d *DeviceSource) AcquireScreen() (Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(15)
		},
	})
	if err != nil {
		return nil, &MediaAccessError{DeniedKind: KindScreen, Reason: classifyAccessFailure(err), Err: err}
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, &MediaAccessError{DeniedKind: KindScreen, Reason: ReasonDeviceNotFound, Err: err}
	}
	return newDeviceTrack(tracks[0].(mediadevices.Track), webrtc.RTPCodecTypeVideo), nil
}

// classifyAccessFailure maps driver errors onto the access taxonomy.
// Driver error strings are not a stable API, so unknown failures default
// to device-not-found.
func classifyAccessFailure(err error) AccessReason {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		return ReasonPermissionDenied
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return ReasonDeviceBusy
	default:
		return ReasonDeviceNotFound
	}
}

// deviceTrack adapts a mediadevices track to the Track interface.
type deviceTrack struct {
	src  mediadevices.Track
	kind webrtc.RTPCodecType

	mu       sync.Mutex
	enabled  bool
	stopped  bool
	stopOnce sync.Once
	stopErr  error
}

func newDeviceTrack(src mediadevices.Track, kind webrtc.RTPCodecType) *deviceTrack {
	return &deviceTrack{src: src, kind: kind, enabled: true}
}

func (t *deviceTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *deviceTrack) Local() webrtc.TrackLocal  { return t.src }

func (t *deviceTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *deviceTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *deviceTrack) Stop() error {
	t.stopOnce.Do(func() {
		t.stopErr = t.src.Close()
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
	})
	return t.stopErr
}

// OnEnded reports capture ending outside our control, e.g. the user
// closing an OS-level screen share. Delegates to the driver track.
func (t *deviceTrack) OnEnded(fn func(error)) {
	t.src.OnEnded(fn)
}

func (t *deviceTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
