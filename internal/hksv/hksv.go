// Package hksv implements the camera side of HomeKit Secure Video: the
// recording delegate that turns timeshifted livestream fragments into
// recording streams, and the live-view streaming delegate.
package hksv

import (
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/protectbridge/internal/config"
	"github.com/lanikai/protectbridge/internal/ffmpeg"
	"github.com/lanikai/protectbridge/internal/logging"
)

var log = logging.DefaultLogger.WithTag("hksv")

var (
	ErrNoConfiguration = errors.New("hksv: no recording configuration")
	ErrNoChannel       = errors.New("hksv: no valid stream profile")
	ErrUnknownSession  = errors.New("hksv: unknown streaming session")
)

// RecordingConfiguration is the stream format negotiated with the HomeKit hub.
type RecordingConfiguration struct {
	// How much video before the triggering event the hub wants.
	PrebufferLength time.Duration

	// Length of each fragment the hub receives.
	FragmentLength time.Duration

	Video VideoConfiguration
	Audio AudioConfiguration
}

type VideoConfiguration struct {
	Profile string
	Level   string
	Width   int
	Height  int
	FPS     int

	// In kbps.
	Bitrate int

	IFrameInterval time.Duration
}

type AudioConfiguration struct {
	Codec    ffmpeg.AudioCodec
	Channels int

	// In kHz.
	SampleRate int

	// In kbps.
	Bitrate int
}

// ConfigurationFromConfig builds a recording configuration from a locally
// configured recording profile.
func ConfigurationFromConfig(r *config.Recording) *RecordingConfiguration {
	if r == nil {
		return nil
	}
	c := &RecordingConfiguration{
		PrebufferLength: time.Duration(r.PrebufferLength) * time.Millisecond,
		FragmentLength:  time.Duration(r.FragmentLength) * time.Millisecond,
		Video: VideoConfiguration{
			Profile:        "high",
			Level:          "4.0",
			Width:          r.Width,
			Height:         r.Height,
			FPS:            r.FPS,
			Bitrate:        r.Bitrate,
			IFrameInterval: config.HomeKitIDRInterval,
		},
		Audio: AudioConfiguration{
			Codec:      ffmpeg.AudioAACLC,
			Channels:   1,
			SampleRate: 32,
			Bitrate:    64,
		},
	}
	if c.PrebufferLength <= 0 {
		c.PrebufferLength = config.HKSVBufferLength
	}
	if c.FragmentLength <= 0 {
		c.FragmentLength = config.HKSVSegmentLength
	}
	return c
}

// CloseReason is the reason code a hub gives when it closes a recording
// stream.
type CloseReason int

const (
	ReasonNormal CloseReason = iota
	ReasonNotAllowed
	ReasonBusy
	ReasonCancelled
	ReasonUnsupported
	ReasonUnexpectedFailure
	ReasonTimeout
	ReasonBadData
	ReasonProtocolError
	ReasonInvalidConfiguration
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNormal:
		return "Normal."
	case ReasonCancelled:
		return "HomeKit canceled the request."
	case ReasonUnexpectedFailure:
		return "An unexpected protocol failure has occurred."
	case ReasonTimeout:
		return "The request timed out."
	}
	return "Reason code " + strconv.Itoa(int(r)) + "."
}

// RecordingPacket is one item of a recording stream.
type RecordingPacket struct {
	Data   []byte
	IsLast bool
}

// State of a recording delegate.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateBuffering
	StateTransmitting
)

var stateNames = [...]string{"idle", "armed", "buffering", "transmitting"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
