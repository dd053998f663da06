package ffmpeg

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// A live stream that delivers nothing for this long is presumed dead.
const streamInactivityTimeout = 5 * time.Second

// ReturnPort is the local UDP port FFmpeg's outbound stream is mirrored to, used
// to detect streams that have silently died.
type ReturnPort struct {
	// "ipv4" or "ipv6".
	AddressVersion string
	Port           int
}

// SRTP suite used on every HomeKit stream.
const srtpSuite = "AES_CM_128_HMAC_SHA1_80"

// RTPTarget is one outbound RTP stream to a HomeKit hub.
type RTPTarget struct {
	Address     string
	Port        int
	PayloadType int
	SSRC        uint32

	// Base64 SRTP key and salt. Empty sends plain RTP.
	SRTPParams string

	// Maximum packet size.
	MTU int
}

func (t RTPTarget) args() []string {
	args := []string{
		"-payload_type", strconv.Itoa(t.PayloadType),
		"-ssrc", strconv.FormatUint(uint64(t.SSRC), 10),
		"-f", "rtp",
	}
	scheme := "rtp"
	if t.SRTPParams != "" {
		scheme = "srtp"
		args = append(args, "-srtp_out_suite", srtpSuite, "-srtp_out_params", t.SRTPParams)
	}
	host := net.JoinHostPort(t.Address, strconv.Itoa(t.Port))
	return append(args, fmt.Sprintf("%s://%s?rtcpport=%d&pkt_size=%d", scheme, host, t.Port, t.MTU))
}

// StreamingParams describes a live view.
type StreamingParams struct {
	// Source URL, normally the controller's RTSPS stream for a channel.
	Input string

	Width   int
	Height  int
	FPS     int
	Bitrate int // kbps

	Video RTPTarget

	// Audio is sent only when set.
	Audio *RTPTarget
}

// StreamingArgs builds the command line for a live-view transcoder.
func StreamingArgs(p StreamingParams) []string {
	args := []string{
		"-hide_banner",
		"-nostats",
		"-fflags", "+discardcorrupt+genpts",
		"-rtsp_transport", "tcp",
		"-i", p.Input,
		"-map", "0:v:0",
		"-codec:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-profile:v", "high",
		"-bf", "0",
		"-pix_fmt", "yuvj420p",
	}

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
	if p.Bitrate > 0 {
		kbps := strconv.Itoa(p.Bitrate) + "k"
		args = append(args, "-b:v", kbps, "-maxrate", kbps, "-bufsize", strconv.Itoa(2*p.Bitrate)+"k")
	}
	args = append(args, p.Video.args()...)

	if p.Audio != nil {
		args = append(args,
			"-map", "0:a:0?",
			"-codec:a", "libfdk_aac",
			"-profile:a", "aac_eld",
			"-flags", "+global_header",
			"-ar", "16k",
			"-b:a", "24k",
			"-ac", "1")
		args = append(args, p.Audio.args()...)
	}
	return args
}

// ReturnAudioSDP describes the two-way audio RTP stream a hub sends, for an
// FFmpeg process reading it with "-f sdp -i pipe:0".
func ReturnAudioSDP(addressVersion string, rtpPort, rtcpPort, payloadType int, srtpParams string) string {
	ipver, addr := "IP4", "127.0.0.1"
	if addressVersion == "ipv6" {
		ipver, addr = "IP6", "::1"
	}
	lines := []string{
		"v=0",
		"o=- 0 0 IN " + ipver + " " + addr,
		"s=Talk",
		"c=IN " + ipver + " " + addr,
		"t=0 0",
		fmt.Sprintf("m=audio %d RTP/AVP %d", rtpPort, payloadType),
		"b=AS:24",
		fmt.Sprintf("a=rtpmap:%d MPEG4-GENERIC/16000/1", payloadType),
		fmt.Sprintf("a=rtcp:%d", rtcpPort),
		fmt.Sprintf("a=fmtp:%d profile-level-id=1;mode=AAC-hbr;sizelength=13;indexlength=3;indexdeltalength=3;config=F8F0212C00BC00", payloadType),
	}
	if srtpParams != "" {
		lines = append(lines, "a=crypto:1 "+srtpSuite+" inline:"+srtpParams)
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

// ReturnAudioArgs builds the command line for the process that decodes a
// hub's two-way audio, described on stdin, and writes it to output.
func ReturnAudioArgs(output string) []string {
	return []string{
		"-hide_banner",
		"-nostats",
		"-protocol_whitelist", "crypto,file,pipe,rtp,udp",
		"-f", "sdp",
		"-codec:a", "libfdk_aac",
		"-i", "pipe:0",
		"-map", "0:a:0",
		"-codec:a", "aac",
		"-flags", "+global_header",
		"-ar", "22050",
		"-b:a", "64k",
		"-ac", "1",
		"-f", "adts",
		output,
	}
}

// StreamingProcess is a live-view transcoder.
type StreamingProcess struct {
	*Process

	onInactive func()

	mu     sync.Mutex
	conn   net.PacketConn
	canary *time.Timer
}

// NewStreamingProcess starts a live-view transcoder. When returnPort is set,
// onInactive is called if nothing arrives on it for five seconds, or if the
// socket fails.
func NewStreamingProcess(opts Options, args []string, returnPort *ReturnPort, onInactive func()) (*StreamingProcess, error) {
	sp := &StreamingProcess{
		Process:    NewProcess(opts, args),
		onInactive: onInactive,
	}

	if returnPort != nil {
		if err := sp.listen(returnPort); err != nil {
			return nil, err
		}
	}

	if err := sp.Start(); err != nil {
		sp.closeSocket()
		return nil, err
	}
	return sp, nil
}

func (sp *StreamingProcess) listen(rp *ReturnPort) error {
	network := "udp4"
	if rp.AddressVersion == "ipv6" {
		network = "udp6"
	}
	conn, err := net.ListenPacket(network, ":"+strconv.Itoa(rp.Port))
	if err != nil {
		return errors.Wrapf(err, "binding return port %d", rp.Port)
	}

	sp.mu.Lock()
	sp.conn = conn
	sp.mu.Unlock()

	go sp.watch(conn)
	return nil
}

func (sp *StreamingProcess) watch(conn net.PacketConn) {
	buf := make([]byte, 2048)
	for {
		if _, _, err := conn.ReadFrom(buf); err != nil {
			sp.mu.Lock()
			current := sp.conn == conn
			sp.mu.Unlock()

			if current {
				sp.log.Error("Socket error: %v", err)
				sp.inactive()
			}
			return
		}

		sp.mu.Lock()
		if sp.canary != nil {
			sp.canary.Stop()
		}
		sp.canary = time.AfterFunc(streamInactivityTimeout, func() {
			sp.log.Debug("Video stream appears to be inactive for 5 seconds. Stopping stream.")
			sp.inactive()
		})
		sp.mu.Unlock()
	}
}

func (sp *StreamingProcess) inactive() {
	if sp.onInactive != nil {
		sp.onInactive()
	}
}

func (sp *StreamingProcess) closeSocket() {
	sp.mu.Lock()
	conn := sp.conn
	sp.conn = nil
	if sp.canary != nil {
		sp.canary.Stop()
		sp.canary = nil
	}
	sp.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Stop terminates the transcoder and closes the return port.
func (sp *StreamingProcess) Stop() {
	sp.closeSocket()
	sp.Process.Stop()
}
