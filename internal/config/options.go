package config

import "time"

// OptionSet is one layer of feature options. Unset fields defer to the layer
// below.
type OptionSet struct {
	TimeshiftBuffer      *bool   `yaml:"timeshiftBuffer"`
	MaxRecordingDuration *int    `yaml:"maxRecordingDuration"` // seconds, 0 = unlimited
	SegmentResolution    *int    `yaml:"segmentResolution"`    // ms
	DynamicBitrate       *bool   `yaml:"dynamicBitrate"`
	RecordingAudio       *bool   `yaml:"recordingAudio"`
	RecordingChannel     *string `yaml:"recordingChannel"`
	MotionDuration       *int    `yaml:"motionDuration"` // seconds
	RingDuration         *int    `yaml:"ringDuration"`   // seconds
	NvrEvents            *bool   `yaml:"nvrEvents"`
	SmartDetectEvents    *bool   `yaml:"smartDetectEvents"`
	LogMotion            *bool   `yaml:"logMotion"`
	LogDoorbell          *bool   `yaml:"logDoorbell"`
	LogHKSV              *bool   `yaml:"logHKSV"`
}

// Options is the read-only feature snapshot for a single device. It is
// resolved once and handed to the components serving that device.
type Options struct {
	TimeshiftBuffer      bool
	MaxRecordingDuration time.Duration
	SegmentResolution    time.Duration
	DynamicBitrate       bool
	RecordingAudio       bool
	RecordingChannel     string
	MotionDuration       time.Duration
	RingDuration         time.Duration
	NvrEvents            bool
	SmartDetectEvents    bool
	LogMotion            bool
	LogDoorbell          bool
	LogHKSV              bool

	VideoProcessor  string
	VerboseFfmpeg   bool
	RefreshInterval time.Duration
}

// DefaultOptions returns the built-in option values.
func DefaultOptions() Options {
	return Options{
		TimeshiftBuffer:   true,
		SegmentResolution: SegmentResolution,
		RecordingAudio:    true,
		MotionDuration:    MotionDuration,
		RingDuration:      RingDuration,
		NvrEvents:         true,
		SmartDetectEvents: true,
		LogHKSV:           true,
		VideoProcessor:    DefaultVideoProcessor,
		RefreshInterval:   RefreshInterval,
	}
}

// Resolve builds the option snapshot for the device with the given MAC:
// built-in defaults, then the defaults section, then the device override.
func (cfg *Config) Resolve(mac string) Options {
	opts := DefaultOptions()
	opts.VideoProcessor = cfg.VideoProcessor
	opts.VerboseFfmpeg = cfg.VerboseFfmpeg
	opts.RefreshInterval = time.Duration(cfg.RefreshInterval) * time.Second

	cfg.Defaults.apply(&opts)
	if set, ok := cfg.Devices[NormalizeMAC(mac)]; ok {
		set.apply(&opts)
	}

	if !ValidSegmentResolution(opts.SegmentResolution, 0) {
		opts.SegmentResolution = SegmentResolution
	}
	return opts
}

func (set OptionSet) apply(opts *Options) {
	setBool(&opts.TimeshiftBuffer, set.TimeshiftBuffer)
	setBool(&opts.DynamicBitrate, set.DynamicBitrate)
	setBool(&opts.RecordingAudio, set.RecordingAudio)
	setBool(&opts.NvrEvents, set.NvrEvents)
	setBool(&opts.SmartDetectEvents, set.SmartDetectEvents)
	setBool(&opts.LogMotion, set.LogMotion)
	setBool(&opts.LogDoorbell, set.LogDoorbell)
	setBool(&opts.LogHKSV, set.LogHKSV)

	if set.MaxRecordingDuration != nil && *set.MaxRecordingDuration >= 0 {
		opts.MaxRecordingDuration = time.Duration(*set.MaxRecordingDuration) * time.Second
	}
	if set.SegmentResolution != nil {
		opts.SegmentResolution = time.Duration(*set.SegmentResolution) * time.Millisecond
	}
	if set.MotionDuration != nil && *set.MotionDuration > 0 {
		opts.MotionDuration = time.Duration(*set.MotionDuration) * time.Second
	}
	if set.RingDuration != nil && *set.RingDuration > 0 {
		opts.RingDuration = time.Duration(*set.RingDuration) * time.Second
	}
	if set.RecordingChannel != nil {
		opts.RecordingChannel = *set.RecordingChannel
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
