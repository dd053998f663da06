package hksv

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/protectbridge/internal/config"
	"github.com/lanikai/protectbridge/internal/device"
	"github.com/lanikai/protectbridge/internal/logging"
)

// Camera is what the recording delegate needs from the camera it serves.
// *device.Camera implements it.
type Camera interface {
	Name() string
	FindRecordingChannel(width, height int, preferred string) (device.Channel, bool)
	SetBitrate(ctx context.Context, channelID, bitrate int) error
	SetMotionDetected(detected bool)

	// The accessory-level recording switch.
	HKSVRecording() bool
}

// Timeshift is the delegate's view of a timeshift buffer. *timeshift.Buffer
// implements it.
type Timeshift interface {
	Start(ctx context.Context, channel int) error
	Stop()
	Started() bool
	Attach(fn func([]byte)) (detach func())
	BeginDrain(ctx context.Context) error
	EndDrain()
	IsInitFragment(p []byte) bool
	GetInitSegment(ctx context.Context) []byte
	SetLength(d time.Duration)
	Length() time.Duration
	Resolution() time.Duration
	SetFragmentLength(d time.Duration)
}

// RecordingDelegate answers a HomeKit hub's recording requests for one camera.
// It lives as long as the camera does; recording is armed and disarmed on it
// repeatedly.
type RecordingDelegate struct {
	camera    Camera
	timeshift Timeshift
	opts      config.Options
	log       *logging.Logger

	// Starts the recording transcoder for each recording. Defaults to FFmpeg.
	NewTranscoder TranscoderFactory

	// Serializes activation and configuration changes.
	activateMu sync.Mutex

	mu          sync.Mutex
	desired     bool
	active      bool
	initialized bool
	audio       bool
	config      *RecordingConfiguration
	channel     *device.Channel
	current     *transmission
}

// transmission is one recording in progress.
type transmission struct {
	transcoder Transcoder
	channel    device.Channel
	detach     func()

	// Fragments handed to the hub, and fragments fed from the buffer.
	sent        int64
	timeshifted int64

	stopped  chan struct{}
	stopOnce sync.Once
}

func (t *transmission) stop() {
	t.stopOnce.Do(func() {
		if t.detach != nil {
			t.detach()
		}
		t.transcoder.Stop()
		close(t.stopped)
	})
}

func NewRecordingDelegate(camera Camera, buffer Timeshift, opts config.Options) *RecordingDelegate {
	return &RecordingDelegate{
		camera:        camera,
		timeshift:     buffer,
		opts:          opts,
		log:           log.WithName(camera.Name()),
		NewTranscoder: FFmpegTranscoder(opts, camera.Name()),
		audio:         opts.RecordingAudio,
	}
}

// UpdateRecordingActive arms or disarms recording. Arming without a
// configuration only records the wish; the buffer starts once a configuration
// arrives.
func (d *RecordingDelegate) UpdateRecordingActive(ctx context.Context, active bool) error {
	d.activateMu.Lock()
	defer d.activateMu.Unlock()
	return d.activate(ctx, active)
}

func (d *RecordingDelegate) activate(ctx context.Context, active bool) error {
	if !active {
		d.timeshift.Stop()

		d.mu.Lock()
		wasActive := d.active
		d.desired = false
		d.active = false
		d.mu.Unlock()

		if wasActive {
			d.log.Info("Disabling HomeKit Secure Video event recording.")
		}

		// Clear any motion event that might still be in flight.
		d.camera.SetMotionDetected(false)
		return nil
	}

	d.mu.Lock()
	d.desired = true
	cfg := d.config
	wasActive, initialized := d.active, d.initialized
	d.mu.Unlock()

	if cfg == nil {
		return nil
	}

	ch, ok := d.camera.FindRecordingChannel(cfg.Video.Width, cfg.Video.Height, d.opts.RecordingChannel)
	if !ok {
		d.setActive(false, nil)
		d.log.Error("Unable to start the HomeKit Secure Video timeshift buffer: no valid stream profile was found.")
		return ErrNoChannel
	}

	if d.opts.TimeshiftBuffer {
		// Align the livestream with the bitrate HomeKit records at.
		if err := d.camera.SetBitrate(ctx, ch.ID, cfg.Video.Bitrate*1000); err != nil {
			d.setActive(false, &ch)
			d.log.Error("Unable to set the bitrate to %dkbps for HomeKit Secure Video event recording: %v", cfg.Video.Bitrate, err)
			return err
		}
		if err := d.timeshift.Start(ctx, ch.ID); err != nil {
			d.setActive(false, &ch)
			d.log.Error("Unable to start the timeshift buffer for HomeKit Secure Video: %v", err)
			return err
		}
	}

	if !wasActive || !initialized {
		buffer := "no timeshift buffer. Warning: this may provide a suboptimal HKSV experience."
		if d.opts.TimeshiftBuffer {
			buffer = "a " + strconv.FormatFloat(d.timeshift.Length().Seconds(), 'f', -1, 64) + " second timeshift buffer."
		}
		d.log.Info("HomeKit Secure Video event recording enabled: %s, %d kbps with %s", ch.Resolution(), cfg.Video.Bitrate, buffer)
		if d.opts.MaxRecordingDuration > 0 {
			d.log.Info("HomeKit Secure Video recordings will be no longer than ~%d seconds.", int(d.opts.MaxRecordingDuration.Seconds()))
		}
	}

	d.mu.Lock()
	d.initialized = true
	d.mu.Unlock()
	d.setActive(true, &ch)
	return nil
}

func (d *RecordingDelegate) setActive(active bool, ch *device.Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = active
	if ch != nil {
		d.channel = ch
	}
}

// UpdateRecordingConfiguration installs the configuration negotiated with the
// hub and re-runs activation with the last requested state. A nil
// configuration means the hub found no usable one; the buffer is stopped.
func (d *RecordingDelegate) UpdateRecordingConfiguration(ctx context.Context, cfg *RecordingConfiguration) error {
	d.activateMu.Lock()
	defer d.activateMu.Unlock()

	if cfg == nil {
		d.mu.Lock()
		d.config = nil
		d.active = false
		d.mu.Unlock()
		d.timeshift.Stop()
		return nil
	}

	d.mu.Lock()
	d.config = cfg
	desired := d.desired
	d.mu.Unlock()

	d.timeshift.SetFragmentLength(cfg.FragmentLength)
	d.timeshift.SetLength(cfg.PrebufferLength)
	return d.activate(ctx, desired)
}

// SetAudioActive sets whether recordings include audio. It applies from the
// next recording.
func (d *RecordingDelegate) SetAudioActive(active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.audio = active
}

// HandleRecordingStreamRequest returns the stream for a recording the hub has
// asked for. Nothing starts until the first call to Next. Canceling ctx ends
// the stream.
func (d *RecordingDelegate) HandleRecordingStreamRequest(ctx context.Context, streamID int) *RecordingStream {
	return &RecordingStream{d: d, id: streamID, ctx: ctx}
}

// AcknowledgeStream is called once the hub has seen the final packet.
func (d *RecordingDelegate) AcknowledgeStream(streamID int) {
	d.stopTransmitting(ReasonNormal)
}

// CloseRecordingStream is called when the hub ends a recording itself.
func (d *RecordingDelegate) CloseRecordingStream(streamID int, reason CloseReason) {
	d.stopTransmitting(reason)
}

// IsRecording reports whether recording is armed and the buffer is running.
func (d *RecordingDelegate) IsRecording() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// RecordingArmed reports whether HomeKit has asked for recording, whether or
// not a configuration has arrived to start it.
func (d *RecordingDelegate) RecordingArmed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.desired
}

func (d *RecordingDelegate) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.current != nil:
		return StateTransmitting
	case d.active:
		return StateBuffering
	case d.desired:
		return StateArmed
	}
	return StateIdle
}

func (d *RecordingDelegate) Configuration() *RecordingConfiguration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// TimeshiftLength returns the effective length of the timeshift window.
func (d *RecordingDelegate) TimeshiftLength() time.Duration {
	return d.timeshift.Length()
}

// startTransmitting replaces any previous recording with a new transcoder fed
// from the timeshift buffer.
func (d *RecordingDelegate) startTransmitting(ctx context.Context) (*transmission, error) {
	d.mu.Lock()
	prev := d.current
	d.current = nil
	cfg, ch, audio := d.config, d.channel, d.audio
	d.mu.Unlock()

	if prev != nil {
		prev.stop()
	}
	if cfg == nil || ch == nil {
		return nil, ErrNoConfiguration
	}

	tc, err := d.NewTranscoder(recordingParams(cfg, *ch, audio))
	if err != nil {
		return nil, errors.Wrap(err, "starting the recording transcoder")
	}
	t := &transmission{
		transcoder: tc,
		channel:    *ch,
		stopped:    make(chan struct{}),
	}

	if !d.opts.TimeshiftBuffer {
		// Without a timeshift window, record from the live edge.
		d.timeshift.SetLength(0)
		if err := d.timeshift.Start(ctx, ch.ID); err != nil {
			tc.Stop()
			return nil, err
		}
	}

	// The listener runs on a single goroutine.
	seenInit := false
	t.detach = d.timeshift.Attach(func(p []byte) {
		if d.timeshift.IsInitFragment(p) {
			// FFmpeg takes the stream header once only.
			if !seenInit {
				seenInit = true
				tc.Write(p)
			}
			return
		}
		tc.Write(p)
		atomic.AddInt64(&t.timeshifted, 1)
	})

	d.mu.Lock()
	d.current = t
	d.mu.Unlock()

	if err := d.timeshift.BeginDrain(ctx); err != nil {
		return nil, err
	}

	d.log.Debug("Beginning a HomeKit Secure Video recording event.")
	return t, nil
}

// stopTransmitting ends the current recording, if any, and returns the buffer
// to ring mode.
func (d *RecordingDelegate) stopTransmitting(reason CloseReason) {
	d.mu.Lock()
	t := d.current
	d.current = nil
	d.mu.Unlock()

	if d.opts.TimeshiftBuffer {
		d.timeshift.EndDrain()
	} else if t != nil {
		d.timeshift.Stop()
	}

	if t != nil {
		t.stop()
		d.logRecorded(t)
	}

	if reason != ReasonNormal {
		d.log.Error("HomeKit Secure Video event recording ended abnormally: %v", reason)
	}
}

func (d *RecordingDelegate) logRecorded(t *transmission) {
	// The stream header was counted too.
	sent := atomic.LoadInt64(&t.sent)
	if sent > 0 {
		sent--
	}
	if sent == 0 || !d.camera.HKSVRecording() {
		return
	}
	if !d.opts.LogHKSV && !d.opts.LogMotion {
		return
	}

	article := "an approximately"
	recorded := time.Duration(sent) * t.channel.IDRInterval
	if n := atomic.LoadInt64(&t.timeshifted); n > 0 {
		article = "a"
		recorded = time.Duration(n) * d.timeshift.Resolution()
	}
	d.log.Info("HomeKit Secure Video has recorded %s %s motion event.", article, formatRecorded(recorded))
}

// maxDurationReached reports whether a recording that has sent the given
// number of fragments has reached the configured maximum length. Each
// fragment holds one key frame.
func (d *RecordingDelegate) maxDurationReached(t *transmission, sent int64) bool {
	limit := d.opts.MaxRecordingDuration
	return limit > 0 && time.Duration(sent)*t.channel.IDRInterval >= limit
}

func (d *RecordingDelegate) isCurrent(t *transmission) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current == t
}

// formatRecorded renders a recording length as "12 second", "1:05 minute" or
// "1:02:03 hour".
func formatRecorded(d time.Duration) string {
	secs := d.Seconds()
	switch {
	case secs < 1:
		return strconv.FormatFloat(secs, 'f', 1, 64) + " second"
	case secs < 60:
		return strconv.Itoa(int(math.Round(secs))) + " second"
	}

	total := int(secs)
	h, m, s := total/3600, total%3600/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d hour", h, m, s)
	}
	return fmt.Sprintf("%d:%02d minute", m, s)
}
