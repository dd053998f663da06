package ffmpeg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamingArgs(t *testing.T) {
	args := StreamingArgs(StreamingParams{
		Input:   "rtsps://nvr:7441/abc?enableSrtp",
		Width:   1280,
		Height:  720,
		FPS:     30,
		Bitrate: 299,
		Video: RTPTarget{
			Address: "192.168.1.20", Port: 51000, PayloadType: 99, SSRC: 42,
			SRTPParams: "a2V5c2FsdA==", MTU: 1378,
		},
		Audio: &RTPTarget{Address: "fe80::1", Port: 51002, PayloadType: 110, SSRC: 43, MTU: 188},
	})
	line := strings.Join(args, " ")

	assert.Contains(t, line, "-i rtsps://nvr:7441/abc?enableSrtp")
	assert.Contains(t, line, "-filter:v fps=30,scale=1280:720")
	assert.Contains(t, line, "-b:v 299k -maxrate 299k -bufsize 598k")
	assert.Contains(t, line, "-payload_type 99 -ssrc 42 -f rtp -srtp_out_suite AES_CM_128_HMAC_SHA1_80 -srtp_out_params a2V5c2FsdA== "+
		"srtp://192.168.1.20:51000?rtcpport=51000&pkt_size=1378")
	assert.Contains(t, line, "-payload_type 110 -ssrc 43 -f rtp rtp://[fe80::1]:51002?rtcpport=51002&pkt_size=188")
}

func TestReturnAudioSDP(t *testing.T) {
	sdp := ReturnAudioSDP("ipv6", 40000, 40001, 110, "c2VjcmV0")

	assert.True(t, strings.HasPrefix(sdp, "v=0\r\n"))
	assert.Contains(t, sdp, "c=IN IP6 ::1\r\n")
	assert.Contains(t, sdp, "m=audio 40000 RTP/AVP 110\r\n")
	assert.Contains(t, sdp, "a=rtcp:40001\r\n")
	assert.Contains(t, sdp, "a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:c2VjcmV0\r\n")

	assert.NotContains(t, ReturnAudioSDP("ipv4", 40000, 40001, 110, ""), "a=crypto")
}

func TestReturnAudioArgs(t *testing.T) {
	args := ReturnAudioArgs("/tmp/talk.aac")
	assert.Equal(t, "/tmp/talk.aac", args[len(args)-1])
	assert.Contains(t, strings.Join(args, " "), "-f sdp -codec:a libfdk_aac -i pipe:0")
}
