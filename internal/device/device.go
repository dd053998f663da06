// Package device models the controller's devices. Each kind of device is its
// own variant; consumers depend only on the capabilities they need.
package device

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/lanikai/protectbridge/internal/config"
	"github.com/lanikai/protectbridge/internal/logging"
)

var log = logging.DefaultLogger.WithTag("device")

type Kind int

const (
	KindCamera Kind = iota
	KindDoorbell
	KindLight
	KindSensor
	KindViewer
	KindChime
)

var kindNames = [...]string{"camera", "doorbell", "light", "sensor", "viewer", "chime"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// HasVideo reports whether devices of this kind carry camera channels.
func (k Kind) HasVideo() bool {
	return k == KindCamera || k == KindDoorbell
}

func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if strings.EqualFold(s, name) {
			return Kind(i), nil
		}
	}
	return 0, errors.Errorf("unknown device kind %q", s)
}

// Device is implemented by every device variant.
type Device interface {
	Kind() Kind
	ID() string
	MAC() string
	Name() string
}

// MotionSensor is implemented by devices that expose motion state.
type MotionSensor interface {
	Device
	SetMotionDetected(detected bool)
	MotionDetected() bool
	SetSmartDetected(object string, detected bool)
}

type info struct {
	kind Kind
	id   string
	mac  string
	name string
}

func (i info) Kind() Kind   { return i.kind }
func (i info) ID() string   { return i.id }
func (i info) MAC() string  { return i.mac }
func (i info) Name() string { return i.name }

// Sensor is a standalone motion/contact sensor, or a motion-triggered light.
type Sensor struct {
	info
	motion motionState
}

func NewSensor(kind Kind, id, mac, name string) *Sensor {
	return &Sensor{info: info{kind, id, config.NormalizeMAC(mac), name}}
}

func (s *Sensor) SetMotionDetected(detected bool) { s.motion.set(detected) }

func (s *Sensor) MotionDetected() bool { return s.motion.get() }

func (s *Sensor) SetSmartDetected(object string, detected bool) {}

// FromConfig builds the device variant described by a camera config entry.
func FromConfig(c config.Camera, opts config.Options, updater BitrateUpdater) (Device, error) {
	kind, err := ParseKind(c.Kind)
	if err != nil {
		return nil, err
	}
	if !kind.HasVideo() {
		return NewSensor(kind, c.ID, c.MAC, c.Name), nil
	}

	channels := make([]Channel, 0, len(c.Channels))
	for _, ch := range c.Channels {
		channels = append(channels, channelFromConfig(ch))
	}
	cam := NewCamera(kind, c.ID, c.MAC, c.Name, channels)
	cam.SmartDetect = c.SmartDetectTypes
	cam.DynamicBitrate = opts.DynamicBitrate
	cam.Updater = updater
	if cam.DynamicBitrate && updater == nil {
		log.WithName(cam.name).Warn("Dynamic bitrates need a controller connection, disabling them.")
		cam.DynamicBitrate = false
	}
	return cam, nil
}
