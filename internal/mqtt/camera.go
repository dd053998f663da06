package mqtt

import (
	"encoding/json"
	"time"

	"github.com/lanikai/protectbridge/internal/device"
	"github.com/lanikai/protectbridge/internal/hksv"
)

// Camera is the device side of the per-camera commands.
type Camera interface {
	MAC() string
	Name() string
	Channels() []device.Channel
	HKSVRecording() bool
	SetHKSVRecording(enabled bool)
}

// Recorder reports a camera's recording delegate state.
type Recorder interface {
	State() hksv.State
	TimeshiftLength() time.Duration
}

// MotionTrigger injects a motion event, as if the controller reported it.
type MotionTrigger interface {
	Motion(mac string, at time.Time, objects []string)
}

type hksvCommand struct {
	Recording *bool `json:"recording"`
}

type hksvStatus struct {
	State     string `json:"state"`
	Timeshift int64  `json:"timeshift"` // ms
	Recording bool   `json:"recording"`
}

// CameraOptions configures RegisterCamera. Nil fields disable the
// corresponding commands.
type CameraOptions struct {
	Recorder Recorder
	Trigger  MotionTrigger

	// Controller address and port serving RTSP, for rtsp/get.
	RTSPHost string
	RTSPPort int
}

// RegisterCamera subscribes to a camera's command topics:
//
//	hksv/set        {"recording": bool} toggles HKSV recording
//	hksv/get        publishes the recording state on hksv
//	motion/trigger  "true" triggers a motion event
//	rtsp/get        publishes the RTSP URL of each channel on rtsp
func (b *Bridge) RegisterCamera(cam Camera, opts CameraOptions) {
	mac := cam.MAC()
	clog := log.WithName(cam.Name())

	b.Subscribe(mac, "hksv/set", func(payload []byte) {
		var cmd hksvCommand
		if err := json.Unmarshal(payload, &cmd); err != nil || cmd.Recording == nil {
			clog.Error("Unable to process MQTT HKSV setting: %s.", payload)
			return
		}
		cam.SetHKSVRecording(*cmd.Recording)
		clog.Info("HKSV recording %s via MQTT.", enabledString(*cmd.Recording))
	})

	if opts.Recorder != nil {
		rec := opts.Recorder
		b.SubscribeGet(mac, cam.Name(), "hksv", "HKSV", func() string {
			return hksvJSON(cam, rec)
		})
	}

	if opts.Trigger != nil {
		trigger := opts.Trigger
		b.Subscribe(mac, "motion/trigger", func(payload []byte) {
			if !isTrue(payload) {
				return
			}
			trigger.Motion(mac, time.Now(), nil)
			clog.Info("Motion event triggered via MQTT.")
		})
	}

	if opts.RTSPHost != "" {
		b.SubscribeGet(mac, cam.Name(), "rtsp", "RTSP", func() string {
			return rtspJSON(cam.Channels(), opts.RTSPHost, opts.RTSPPort)
		})
	}
}

func hksvJSON(cam Camera, rec Recorder) string {
	b, _ := json.Marshal(hksvStatus{
		State:     rec.State().String(),
		Timeshift: rec.TimeshiftLength().Milliseconds(),
		Recording: cam.HKSVRecording(),
	})
	return string(b)
}

func rtspJSON(channels []device.Channel, host string, port int) string {
	urls := make(map[string]string)
	for _, ch := range channels {
		if u := ch.RTSPURL(host, port); u != "" {
			urls[ch.Name] = u
		}
	}
	b, _ := json.Marshal(urls)
	return string(b)
}

func enabledString(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
