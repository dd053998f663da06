package hksv

import (
	"github.com/lanikai/protectbridge/internal/config"
	"github.com/lanikai/protectbridge/internal/device"
	"github.com/lanikai/protectbridge/internal/ffmpeg"
)

// Transcoder re-encodes the fragments written to it into the format the hub
// asked for.
type Transcoder interface {
	Write(p []byte) (int, error)

	// Re-encoded fragments, the initialization segment first. Closed when
	// the transcoder's output ends.
	Segments() <-chan []byte

	Stop()
}

type TranscoderFactory func(params ffmpeg.RecordingParams) (Transcoder, error)

// FFmpegTranscoder returns a factory for FFmpeg recording processes.
func FFmpegTranscoder(opts config.Options, name string) TranscoderFactory {
	return func(params ffmpeg.RecordingParams) (Transcoder, error) {
		rp, err := ffmpeg.NewRecordingProcess(ffmpeg.Options{
			Path:    opts.VideoProcessor,
			Name:    name,
			Verbose: opts.VerboseFfmpeg,
		}, params)
		if err != nil {
			return nil, err
		}
		return rp, nil
	}
}

func recordingParams(cfg *RecordingConfiguration, ch device.Channel, audio bool) ffmpeg.RecordingParams {
	keyFrames := cfg.Video.IFrameInterval
	if keyFrames <= 0 {
		keyFrames = cfg.FragmentLength
	}
	fps := cfg.Video.FPS
	if fps <= 0 {
		fps = ch.FPS
	}
	return ffmpeg.RecordingParams{
		Width:            cfg.Video.Width,
		Height:           cfg.Video.Height,
		FPS:              fps,
		Bitrate:          cfg.Video.Bitrate,
		Profile:          cfg.Video.Profile,
		Level:            cfg.Video.Level,
		KeyFrameInterval: keyFrames,
		Audio:            audio,
		AudioCodec:       cfg.Audio.Codec,
		AudioChannels:    cfg.Audio.Channels,
		SampleRate:       cfg.Audio.SampleRate,
		AudioBitrate:     cfg.Audio.Bitrate,
	}
}
