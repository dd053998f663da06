package device

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/lanikai/protectbridge/internal/config"
)

var ErrUnknownChannel = errors.New("unknown channel")

// BitrateUpdater pushes a new channel bitrate to the controller.
type BitrateUpdater interface {
	UpdateChannelBitrate(ctx context.Context, deviceID string, channelID, bitrate int) error
}

// Camera is the variant for camera and doorbell devices.
type Camera struct {
	info

	SmartDetect    []string
	DynamicBitrate bool
	Updater        BitrateUpdater

	mu       sync.Mutex
	channels []Channel

	// Accessory-level switches.
	hksvRecording bool
	detectMotion  bool

	motion motionState
}

func NewCamera(kind Kind, id, mac, name string, channels []Channel) *Camera {
	cam := &Camera{
		info:          info{kind, id, config.NormalizeMAC(mac), name},
		hksvRecording: true,
		detectMotion:  true,
	}
	for _, ch := range channels {
		if ch.Enabled {
			cam.channels = append(cam.channels, ch)
		}
	}
	sortChannels(cam.channels)
	return cam
}

// Channels returns the enabled channels, widest first.
func (cam *Camera) Channels() []Channel {
	cam.mu.Lock()
	defer cam.mu.Unlock()
	return append([]Channel(nil), cam.channels...)
}

func (cam *Camera) SmartDetectTypes() []string {
	return cam.SmartDetect
}

// FindRecordingChannel selects a channel for a recording of the given size.
func (cam *Camera) FindRecordingChannel(width, height int, preferred string) (Channel, bool) {
	return FindChannel(cam.Channels(), width, height, preferred)
}

// SetBitrate sets the encoder bitrate of a channel, clamped to the channel's
// limits. It does nothing unless dynamic bitrates are enabled.
func (cam *Camera) SetBitrate(ctx context.Context, channelID, bitrate int) error {
	if !cam.DynamicBitrate {
		return nil
	}

	cam.mu.Lock()
	idx := -1
	for i := range cam.channels {
		if cam.channels[i].ID == channelID {
			idx = i
			break
		}
	}
	if idx < 0 {
		cam.mu.Unlock()
		return errors.Wrapf(ErrUnknownChannel, "channel %d", channelID)
	}

	ch := cam.channels[idx]
	if bitrate < ch.MinBitrate {
		bitrate = ch.MinBitrate
	} else if ch.MaxBitrate > 0 && bitrate > ch.MaxBitrate {
		bitrate = ch.MaxBitrate
	}
	if ch.Bitrate == bitrate {
		cam.mu.Unlock()
		return nil
	}
	cam.mu.Unlock()

	if cam.Updater == nil {
		return errors.New("no controller connection for bitrate updates")
	}
	if err := cam.Updater.UpdateChannelBitrate(ctx, cam.id, channelID, bitrate); err != nil {
		return errors.Wrapf(err, "setting channel %d bitrate", channelID)
	}

	cam.mu.Lock()
	cam.channels[idx].Bitrate = bitrate
	cam.mu.Unlock()

	log.WithName(cam.name).Debug("Channel %d bitrate set to %d.", channelID, bitrate)
	return nil
}

// HKSVRecording reports the state of the accessory-level recording switch.
func (cam *Camera) HKSVRecording() bool {
	cam.mu.Lock()
	defer cam.mu.Unlock()
	return cam.hksvRecording
}

func (cam *Camera) SetHKSVRecording(enabled bool) {
	cam.mu.Lock()
	cam.hksvRecording = enabled
	cam.mu.Unlock()
}

// DetectMotion reports whether motion events are delivered for this camera.
func (cam *Camera) DetectMotion() bool {
	cam.mu.Lock()
	defer cam.mu.Unlock()
	return cam.detectMotion
}

func (cam *Camera) SetDetectMotion(enabled bool) {
	cam.mu.Lock()
	cam.detectMotion = enabled
	cam.mu.Unlock()
}

func (cam *Camera) SetMotionDetected(detected bool) { cam.motion.set(detected) }

func (cam *Camera) MotionDetected() bool { return cam.motion.get() }

func (cam *Camera) SetSmartDetected(object string, detected bool) {
	cam.motion.setSmart(object, detected)
}

// SmartDetected reports whether the smart-motion contact for object is active.
func (cam *Camera) SmartDetected(object string) bool {
	return cam.motion.getSmart(object)
}

type motionState struct {
	mu       sync.Mutex
	detected bool
	smart    map[string]bool
}

func (m *motionState) set(v bool) {
	m.mu.Lock()
	m.detected = v
	m.mu.Unlock()
}

func (m *motionState) get() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detected
}

func (m *motionState) setSmart(object string, v bool) {
	m.mu.Lock()
	if m.smart == nil {
		m.smart = make(map[string]bool)
	}
	m.smart[object] = v
	m.mu.Unlock()
}

func (m *motionState) getSmart(object string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.smart[object]
}
