package hksv

import (
	"context"
	"io/ioutil"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/protectbridge/internal/config"
	"github.com/lanikai/protectbridge/internal/device"
)

func fakeFFmpeg(t *testing.T, body string) string {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell available")
	}
	dir, err := ioutil.TempDir("", "ffmpeg")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "ffmpeg")
	require.NoError(t, ioutil.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func streamingDelegate(t *testing.T, script string) *StreamingDelegate {
	opts := config.DefaultOptions()
	opts.VideoProcessor = fakeFFmpeg(t, script)
	cam := &fakeCamera{channels: []device.Channel{
		{ID: 1, Name: "Medium", Width: 1280, Height: 720, FPS: 30, RTSPAlias: "abc", Enabled: true},
	}}
	d := NewStreamingDelegate(cam, opts)
	d.InputURL = func(ch device.Channel) string { return "rtsps://nvr:7441/" + ch.RTSPAlias }
	t.Cleanup(d.Close)
	return d
}

func prepare(t *testing.T, d *StreamingDelegate) PrepareResponse {
	resp, err := d.PrepareStream(PrepareRequest{
		AddressVersion: "ipv4",
		TargetAddress:  "127.0.0.1",
		VideoPort:      50000,
		AudioPort:      50002,
	})
	require.NoError(t, err)
	return resp
}

var startRequest = StartRequest{
	Width: 1280, Height: 720, FPS: 30, Bitrate: 300, MTU: 1378,
	VideoPayloadType: 99, Audio: true, AudioPayloadType: 110,
}

func TestReservePortPair(t *testing.T) {
	even, odd, err := reservePortPair("ipv4")
	require.NoError(t, err)
	assert.Equal(t, 0, even%2)
	assert.Equal(t, even+1, odd)
}

func TestStreamingSessionLifecycle(t *testing.T) {
	d := streamingDelegate(t, "echo ready >&2; exec sleep 30")

	resp := prepare(t, d)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, 0, resp.VideoPort%2)
	assert.Equal(t, 0, resp.AudioPort%2)

	require.NoError(t, d.StartStream(context.Background(), resp.SessionID, startRequest))
	assert.Equal(t, []string{resp.SessionID}, d.Sessions())

	d.StopStream(resp.SessionID)
	d.StopStream(resp.SessionID)
	assert.Empty(t, d.Sessions())

	assert.Equal(t, ErrUnknownSession, d.StartStream(context.Background(), resp.SessionID, startRequest))
}

func TestStreamingNoChannel(t *testing.T) {
	d := streamingDelegate(t, "exec sleep 30")
	d.camera.(*fakeCamera).channels = nil

	resp := prepare(t, d)
	assert.Equal(t, ErrNoChannel, d.StartStream(context.Background(), resp.SessionID, startRequest))
}

func TestStreamingAbnormalExitForcesStop(t *testing.T) {
	d := streamingDelegate(t, "echo 'Connection refused' >&2; sleep 0.2; exit 1")

	var mu sync.Mutex
	var forced []string
	d.OnForceStop = func(id string) {
		mu.Lock()
		forced = append(forced, id)
		mu.Unlock()
	}

	resp := prepare(t, d)
	require.NoError(t, d.StartStream(context.Background(), resp.SessionID, startRequest))

	assert.Eventually(t, func() bool { return len(d.Sessions()) == 0 }, 10*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{resp.SessionID}, forced)
	mu.Unlock()
}

func TestStreamingTwoWayAudio(t *testing.T) {
	d := streamingDelegate(t, "echo ready >&2; cat >/dev/null; exec sleep 30")
	d.TalkbackOutput = "/dev/null"

	resp := prepare(t, d)
	d.mu.Lock()
	s := d.sessions[resp.SessionID]
	d.mu.Unlock()

	rtp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.talkRTP})
	require.NoError(t, err)
	defer rtp.Close()

	req := startRequest
	req.TwoWayAudio = true
	require.NoError(t, d.StartStream(context.Background(), resp.SessionID, req))

	hub, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: resp.AudioPort})
	require.NoError(t, err)
	defer hub.Close()

	pkt := []byte{0x80, 110, 0, 1, 'a'}
	_, err = hub.Write(pkt)
	require.NoError(t, err)

	buf := make([]byte, 64)
	rtp.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, _, err := rtp.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, pkt, buf[:n])

	d.StopStream(resp.SessionID)
	assert.Empty(t, d.Sessions())
}
