package ffmpeg

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/protectbridge/internal/fmp4"
)

type AudioCodec int

const (
	AudioAACLC AudioCodec = iota
	AudioAACELD
)

// RecordingParams describes the stream a recording transcoder must produce.
type RecordingParams struct {
	Width  int
	Height int
	FPS    int

	// Video bitrate, in kbps.
	Bitrate int

	// H.264 profile ("baseline", "main", "high") and level ("3.1", "4.0", ...).
	Profile string
	Level   string

	// Spacing of forced key frames, normally the consumer's fragment length.
	KeyFrameInterval time.Duration

	Audio         bool
	AudioCodec    AudioCodec
	AudioChannels int
	// Sample rate, in kHz.
	SampleRate int
	// Audio bitrate, in kbps.
	AudioBitrate int
}

// RecordingArgs builds the command line for a transcoder reading fMP4 on
// stdin and writing fragmented MP4 on stdout.
func RecordingArgs(p RecordingParams) []string {
	args := []string{
		"-hide_banner",
		"-nostats",
		"-fflags", "+discardcorrupt+genpts",
		"-f", "mp4", "-i", "pipe:0",
		"-map", "0:v:0",
		"-codec:v", "libx264",
		"-preset", "veryfast",
	}

	if p.Profile != "" {
		args = append(args, "-profile:v", p.Profile)
	}
	if p.Level != "" {
		args = append(args, "-level:v", p.Level)
	}

	if p.Bitrate > 0 {
		kbps := strconv.Itoa(p.Bitrate) + "k"
		args = append(args,
			"-b:v", kbps,
			"-maxrate", kbps,
			"-bufsize", strconv.Itoa(2*p.Bitrate)+"k")
	}

	args = append(args, "-bf", "0", "-pix_fmt", "yuvj420p")

	var filters []string
	if p.FPS > 0 {
		filters = append(filters, "fps="+strconv.Itoa(p.FPS))
	}
	if p.Width > 0 && p.Height > 0 {
		filters = append(filters, "scale="+strconv.Itoa(p.Width)+":"+strconv.Itoa(p.Height))
	}
	if len(filters) > 0 {
		args = append(args, "-filter:v", strings.Join(filters, ","))
	}

	if p.KeyFrameInterval > 0 {
		secs := strconv.FormatFloat(p.KeyFrameInterval.Seconds(), 'f', -1, 64)
		args = append(args, "-force_key_frames", "expr:gte(t,n_forced*"+secs+")")
	}

	if p.Audio {
		args = append(args, "-map", "0:a:0?")
		switch p.AudioCodec {
		case AudioAACELD:
			args = append(args, "-codec:a", "libfdk_aac", "-profile:a", "aac_eld")
		default:
			args = append(args, "-codec:a", "aac", "-profile:a", "aac_low")
		}
		if p.SampleRate > 0 {
			args = append(args, "-ar", strconv.Itoa(p.SampleRate)+"k")
		}
		if p.AudioBitrate > 0 {
			args = append(args, "-b:a", strconv.Itoa(p.AudioBitrate)+"k")
		}
		if p.AudioChannels > 0 {
			args = append(args, "-ac", strconv.Itoa(p.AudioChannels))
		}
	} else {
		args = append(args, "-an")
	}

	return append(args,
		"-fflags", "+flush_packets", "-flush_packets", "1",
		"-reset_timestamps", "1",
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		"-f", "mp4", "pipe:1")
}

// RecordingProcess transcodes a recording. Input fragments are written to it;
// re-encoded fragments are pulled from Segments, the initialization segment
// first.
type RecordingProcess struct {
	*Process

	segments chan []byte
	quit     chan struct{}
	quitOnce sync.Once
}

// NewRecordingProcess starts a recording transcoder.
func NewRecordingProcess(opts Options, params RecordingParams) (*RecordingProcess, error) {
	rp := &RecordingProcess{
		Process:  NewProcess(opts, RecordingArgs(params)),
		segments: make(chan []byte),
		quit:     make(chan struct{}),
	}
	if err := rp.Start(); err != nil {
		return nil, err
	}
	go rp.readLoop()
	return rp, nil
}

// Segments yields each fragment FFmpeg produces. Nothing is read ahead of the
// consumer. The channel is closed when the output ends.
func (rp *RecordingProcess) Segments() <-chan []byte {
	return rp.segments
}

func (rp *RecordingProcess) Stop() {
	rp.quitOnce.Do(func() { close(rp.quit) })
	rp.Process.Stop()
}

var errStopped = errors.New("ffmpeg: recording stopped")

func (rp *RecordingProcess) readLoop() {
	defer close(rp.segments)

	err := fmp4.ReadSegments(rp.Stdout(), 0, func(seg fmp4.Segment) error {
		select {
		case rp.segments <- seg.Data:
			return nil
		case <-rp.quit:
			return errStopped
		}
	})
	if err != nil && err != errStopped && !rp.IsEnded() {
		select {
		case <-rp.quit:
		default:
			rp.log.Error("Unable to read the recording output: %v", err)
		}
	}
}
