package hksv

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lanikai/protectbridge/internal/config"
	"github.com/lanikai/protectbridge/internal/device"
	"github.com/lanikai/protectbridge/internal/ffmpeg"
	"github.com/lanikai/protectbridge/internal/logging"
	"github.com/lanikai/protectbridge/internal/rtpdemux"
)

// StreamingCamera is what live view needs from a camera.
type StreamingCamera interface {
	Name() string
	FindRecordingChannel(width, height int, preferred string) (device.Channel, bool)
}

// PrepareRequest is a hub's first message for a live view: where to send the
// streams, and the keys to send them with.
type PrepareRequest struct {
	// Generated when empty.
	SessionID string

	// "ipv4" or "ipv6".
	AddressVersion string

	TargetAddress string
	VideoPort     int
	AudioPort     int

	// Base64 SRTP key and salt for each stream. Empty means plain RTP.
	VideoSRTP string
	AudioSRTP string
}

// PrepareResponse tells the hub where to send its own traffic.
type PrepareResponse struct {
	SessionID string

	// Local port receiving the hub's video RTCP.
	VideoPort int

	// Local port receiving the hub's audio, two-way audio included.
	AudioPort int

	VideoSSRC uint32
	AudioSSRC uint32
}

// StartRequest carries the stream parameters the hub picked.
type StartRequest struct {
	Width   int
	Height  int
	FPS     int
	Bitrate int // kbps
	MTU     int

	VideoPayloadType int

	Audio            bool
	AudioPayloadType int
	TwoWayAudio      bool
}

type streamSession struct {
	prepare  PrepareRequest
	response PrepareResponse

	// Local pair two-way audio is demultiplexed onto.
	talkRTP  int
	talkRTCP int

	video    *ffmpeg.StreamingProcess
	demuxer  *rtpdemux.Demuxer
	talkback *ffmpeg.Process

	// Two-way audio packets received.
	returnPackets int64
}

// StreamingDelegate runs live views for one camera. Every session owns its own
// transcoder.
type StreamingDelegate struct {
	camera StreamingCamera
	opts   config.Options
	log    *logging.Logger

	// InputURL returns the transcoder input for a channel.
	InputURL func(ch device.Channel) string

	// Where decoded two-way audio is written. Two-way audio is refused when
	// empty.
	TalkbackOutput string

	// Called when a session had to be ended from this side.
	OnForceStop func(sessionID string)

	mu       sync.Mutex
	sessions map[string]*streamSession
}

func NewStreamingDelegate(camera StreamingCamera, opts config.Options) *StreamingDelegate {
	return &StreamingDelegate{
		camera:   camera,
		opts:     opts,
		log:      log.WithName(camera.Name()),
		sessions: make(map[string]*streamSession),
	}
}

// PrepareStream allocates the local ports for a new session.
func (d *StreamingDelegate) PrepareStream(req PrepareRequest) (PrepareResponse, error) {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	videoPort, _, err := reservePortPair(req.AddressVersion)
	if err != nil {
		return PrepareResponse{}, errors.Wrap(err, "reserving video return port")
	}
	audioPort, _, err := reservePortPair(req.AddressVersion)
	if err != nil {
		return PrepareResponse{}, errors.Wrap(err, "reserving audio return port")
	}
	talkRTP, talkRTCP, err := reservePortPair(req.AddressVersion)
	if err != nil {
		return PrepareResponse{}, errors.Wrap(err, "reserving two-way audio ports")
	}

	s := &streamSession{
		prepare: req,
		response: PrepareResponse{
			SessionID: req.SessionID,
			VideoPort: videoPort,
			AudioPort: audioPort,
			VideoSSRC: rand.Uint32(),
			AudioSSRC: rand.Uint32(),
		},
		talkRTP:  talkRTP,
		talkRTCP: talkRTCP,
	}

	d.mu.Lock()
	prev := d.sessions[req.SessionID]
	d.sessions[req.SessionID] = s
	d.mu.Unlock()

	if prev != nil {
		d.stopSession(prev)
	}
	return s.response, nil
}

// StartStream launches the transcoder for a prepared session.
func (d *StreamingDelegate) StartStream(ctx context.Context, sessionID string, req StartRequest) error {
	d.mu.Lock()
	s := d.sessions[sessionID]
	d.mu.Unlock()
	if s == nil {
		return ErrUnknownSession
	}

	ch, ok := d.camera.FindRecordingChannel(req.Width, req.Height, "")
	if !ok {
		d.log.Error("Unable to start video stream: no valid stream profile was found.")
		return ErrNoChannel
	}
	input := ""
	if d.InputURL != nil {
		input = d.InputURL(ch)
	}

	mtu := req.MTU
	if mtu <= 0 {
		mtu = 1316
	}
	params := ffmpeg.StreamingParams{
		Input:   input,
		Width:   req.Width,
		Height:  req.Height,
		FPS:     req.FPS,
		Bitrate: req.Bitrate,
		Video: ffmpeg.RTPTarget{
			Address:     s.prepare.TargetAddress,
			Port:        s.prepare.VideoPort,
			PayloadType: req.VideoPayloadType,
			SSRC:        s.response.VideoSSRC,
			SRTPParams:  s.prepare.VideoSRTP,
			MTU:         mtu,
		},
	}
	if req.Audio {
		params.Audio = &ffmpeg.RTPTarget{
			Address:     s.prepare.TargetAddress,
			Port:        s.prepare.AudioPort,
			PayloadType: req.AudioPayloadType,
			SSRC:        s.response.AudioSSRC,
			SRTPParams:  s.prepare.AudioSRTP,
			MTU:         188,
		}
	}

	opts := ffmpeg.Options{
		Path:    d.opts.VideoProcessor,
		Name:    d.camera.Name(),
		Verbose: d.opts.VerboseFfmpeg,
		OnError: func(string) { d.forceStop(sessionID) },
	}
	returnPort := &ffmpeg.ReturnPort{AddressVersion: s.prepare.AddressVersion, Port: s.response.VideoPort}
	video, err := ffmpeg.NewStreamingProcess(opts, ffmpeg.StreamingArgs(params), returnPort, func() {
		d.forceStop(sessionID)
	})
	if err != nil {
		return errors.Wrap(err, "starting the streaming transcoder")
	}

	d.mu.Lock()
	current := d.sessions[sessionID] == s
	if current {
		s.video = video
	}
	d.mu.Unlock()
	if !current {
		video.Stop()
		return ErrUnknownSession
	}

	d.log.Info("Streaming request from %s: %dx%d@%dfps, %d kbps, using %s.",
		s.prepare.TargetAddress, req.Width, req.Height, req.FPS, req.Bitrate, ch.Resolution())

	if req.TwoWayAudio {
		if err := d.startTalkback(s, req); err != nil {
			d.log.Error("Unable to start two-way audio: %v", err)
		}
	}
	return nil
}

// startTalkback splits the hub's combined two-way audio flow so the return
// audio transcoder can read it.
func (d *StreamingDelegate) startTalkback(s *streamSession, req StartRequest) error {
	if d.TalkbackOutput == "" {
		return errors.New("no talkback output configured")
	}

	talkback := ffmpeg.NewProcess(ffmpeg.Options{
		Path:    d.opts.VideoProcessor,
		Name:    d.camera.Name(),
		Verbose: d.opts.VerboseFfmpeg,
	}, ffmpeg.ReturnAudioArgs(d.TalkbackOutput))
	if err := talkback.Start(); err != nil {
		return err
	}
	sdp := ffmpeg.ReturnAudioSDP(s.prepare.AddressVersion, s.talkRTP, s.talkRTCP, req.AudioPayloadType, s.prepare.AudioSRTP)
	if _, err := talkback.Write([]byte(sdp)); err != nil {
		talkback.Stop()
		return errors.Wrap(err, "writing the session description")
	}
	talkback.CloseInput()

	demuxer, err := rtpdemux.New(rtpdemux.Options{
		AddressVersion: s.prepare.AddressVersion,
		InputPort:      s.response.AudioPort,
		RTPPort:        s.talkRTP,
		RTCPPort:       s.talkRTCP,
		OnActivity:     func() { atomic.AddInt64(&s.returnPackets, 1) },
		Name:           d.camera.Name(),
	})
	if err != nil {
		talkback.Stop()
		return err
	}

	d.mu.Lock()
	current := d.sessions[s.prepare.SessionID] == s
	if current {
		s.talkback = talkback
		s.demuxer = demuxer
	}
	d.mu.Unlock()
	if !current {
		demuxer.Close()
		talkback.Stop()
		return ErrUnknownSession
	}
	return nil
}

// StopStream ends a session. Unknown sessions are ignored.
func (d *StreamingDelegate) StopStream(sessionID string) {
	d.mu.Lock()
	s := d.sessions[sessionID]
	delete(d.sessions, sessionID)
	d.mu.Unlock()

	if s == nil {
		return
	}
	if d.stopSession(s) {
		d.log.Debug("Two-way audio session %s ended after %d packets.", sessionID, atomic.LoadInt64(&s.returnPackets))
	}
	d.log.Debug("Stopped video stream %s.", sessionID)
}

// stopSession stops a session's processes, and reports whether it had two-way
// audio.
func (d *StreamingDelegate) stopSession(s *streamSession) (talkback bool) {
	d.mu.Lock()
	video, demuxer, talk := s.video, s.demuxer, s.talkback
	s.video, s.demuxer, s.talkback = nil, nil, nil
	d.mu.Unlock()

	if video != nil {
		video.Stop()
	}
	if demuxer != nil {
		demuxer.Close()
		st := demuxer.Stats()
		d.log.Debug("Two-way audio: %d RTP and %d RTCP packets, %d malformed.", st.RTPPackets, st.RTCPPackets, st.Malformed)
	}
	if talk != nil {
		talk.Stop()
	}
	return demuxer != nil
}

func (d *StreamingDelegate) forceStop(sessionID string) {
	d.mu.Lock()
	_, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		return
	}

	if d.OnForceStop != nil {
		d.OnForceStop(sessionID)
	}
	d.StopStream(sessionID)
}

// Sessions returns the IDs of the sessions currently prepared or running.
func (d *StreamingDelegate) Sessions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close ends every session.
func (d *StreamingDelegate) Close() {
	for _, id := range d.Sessions() {
		d.StopStream(id)
	}
}
