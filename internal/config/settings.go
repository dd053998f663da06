package config

import "time"

// Built-in defaults and fixed intervals.
const (
	// Default resolution of timeshift buffer fragments.
	SegmentResolution    = 200 * time.Millisecond
	MinSegmentResolution = 100 * time.Millisecond
	MaxSegmentResolution = 1500 * time.Millisecond

	// Fragment length HomeKit Secure Video asks for, and the default pre-buffer
	// window (two fragments).
	HKSVSegmentLength = 4000 * time.Millisecond
	HKSVBufferLength  = 2 * HKSVSegmentLength

	// Key-frame interval requested from the recording transcoder.
	HomeKitIDRInterval = 4 * time.Second

	// Heartbeat interval for two-way audio return streams.
	TwoWayHeartbeatInterval = 3 * time.Second

	MotionDuration  = 10 * time.Second
	RingDuration    = 3 * time.Second
	RefreshInterval = 10 * time.Second

	// Controller's RTSPS port.
	RTSPPort = 7441

	MQTTTopic             = "unifi/protect"
	MQTTReconnectInterval = 60 * time.Second

	DefaultPath           = "/etc/protectbridge/config.yaml"
	DefaultVideoProcessor = "ffmpeg"
)

// ValidSegmentResolution reports whether d may be used as a timeshift fragment
// resolution. A known consumer fragment length adds a ceiling of half that
// length; pass zero when it is not known.
func ValidSegmentResolution(d, fragmentLength time.Duration) bool {
	if d < MinSegmentResolution || d > MaxSegmentResolution {
		return false
	}
	if fragmentLength > 0 && d > fragmentLength/2 {
		return false
	}
	return true
}
