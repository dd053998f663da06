package main

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/protectbridge/internal/config"
	"github.com/lanikai/protectbridge/internal/device"
	"github.com/lanikai/protectbridge/internal/events"
	"github.com/lanikai/protectbridge/internal/hksv"
)

const testConfig = `
controller:
  address: 10.0.0.1
  livestreamURL: wss://10.0.0.1/proxy/protect/ws/livestream
cameras:
  - id: cam1
    mac: aa:bb:cc:00:11:22
    name: Front Door
    kind: doorbell
    channels:
      - {id: 0, name: High, width: 1920, height: 1080, fps: 30, bitrate: 4000000, rtspAlias: abc}
    recording:
      width: 1920
      height: 1080
      fps: 30
      bitrate: 2000
  - id: cam2
    mac: aa:bb:cc:00:11:33
    name: Garage
    channels:
      - {id: 0, name: High, width: 1280, height: 720, fps: 30}
  - id: sensor1
    mac: aa:bb:cc:00:11:44
    name: Hallway
    kind: sensor
`

func testInventory(t *testing.T) (*config.Config, *inventory) {
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	inv, err := buildInventory(cfg)
	require.NoError(t, err)
	return cfg, inv
}

func TestBuildInventory(t *testing.T) {
	_, inv := testInventory(t)
	require.Len(t, inv.cameras, 2)
	require.Len(t, inv.sensors, 1)
	assert.Equal(t, device.KindSensor, inv.sensors[0].Kind())

	front := inv.camera("AA-BB-CC-00-11-22")
	require.NotNil(t, front)
	assert.Equal(t, "Front Door", front.camera.Name())
	require.NotNil(t, front.profile)
	assert.Equal(t, config.HKSVBufferLength, front.profile.PrebufferLength)

	ch, ok := front.camera.FindRecordingChannel(1920, 1080, "")
	require.True(t, ok)
	assert.Equal(t, "rtsps://10.0.0.1:7441/abc?enableSrtp", front.streaming.InputURL(ch))

	garage := inv.camera("aa:bb:cc:00:11:33")
	require.NotNil(t, garage)
	assert.Nil(t, garage.profile)

	assert.Nil(t, inv.camera("aa:bb:cc:00:11:44"))
}

func TestBuildInventoryRejectsUnknownKind(t *testing.T) {
	cfg, err := config.Parse([]byte("cameras:\n  - {id: x, mac: '01', kind: toaster}\n"))
	require.NoError(t, err)
	_, err = buildInventory(cfg)
	assert.Error(t, err)
}

func TestLookupCamera(t *testing.T) {
	cfg, _ := testInventory(t)

	_, err := lookupCamera(cfg, "")
	assert.Error(t, err)
	_, err = lookupCamera(cfg, "ff:ff:ff:ff:ff:ff")
	assert.Error(t, err)

	b, err := lookupCamera(cfg, "aabbcc001133")
	require.NoError(t, err)
	assert.Equal(t, "Garage", b.camera.Name())
}

func TestCameraRunWithoutProfile(t *testing.T) {
	_, inv := testInventory(t)
	garage := inv.camera("aa:bb:cc:00:11:33")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, garage.run(ctx))
	assert.False(t, garage.recording.IsRecording())
}

func TestArmedCameraUsesPlainMotion(t *testing.T) {
	_, inv := testInventory(t)
	garage := inv.camera("aa:bb:cc:00:11:33")
	garage.camera.SmartDetect = []string{"person"}

	handler := events.NewHandler(time.Second, nil)
	defer handler.Close()
	handler.Register(garage.camera, garage.opts, garage.recording)

	// Smart detection owns motion until HomeKit arms recording.
	handler.CameraUpdate(garage.camera.MAC(), events.Update{IsMotionDetected: true, LastMotion: time.Now()})
	assert.False(t, garage.camera.MotionDetected())

	// Armed without a configuration: the buffer has not started yet.
	require.NoError(t, garage.recording.UpdateRecordingActive(context.Background(), true))
	assert.Equal(t, hksv.StateArmed, garage.recording.State())
	assert.False(t, garage.recording.IsRecording())

	handler.CameraUpdate(garage.camera.MAC(), events.Update{IsMotionDetected: true, LastMotion: time.Now()})
	assert.True(t, garage.camera.MotionDetected())
}

func TestClipRecorderIgnoresIdleCameras(t *testing.T) {
	_, inv := testInventory(t)
	clips := newClipRecorder(context.Background(), t.TempDir(), inv)

	clips.motion("AABBCC001122", true)
	clips.motion("FFFFFFFFFFFF", true)
	clips.motion("AABBCC001122", false)
	clips.wait()
	assert.Empty(t, clips.active)
}

func TestClipEndedBeforeStartIsSkipped(t *testing.T) {
	_, inv := testInventory(t)
	front := inv.camera("aa:bb:cc:00:11:22")
	dir := t.TempDir()
	clips := newClipRecorder(context.Background(), dir, inv)

	cl := &clip{id: 1}
	cl.ctx, cl.cancel = context.WithCancel(context.Background())
	clips.active[front.camera.MAC()] = cl
	cl.cancel()

	clips.wg.Add(1)
	clips.record(front, front.camera.MAC(), cl)

	assert.Empty(t, clips.active)
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Equal(t, hksv.StateIdle, front.recording.State())
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"run", "record", "stream", "doctor"})

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "protectbridged dev")
}

func TestDoctorMissingProcessor(t *testing.T) {
	assert.False(t, doctor(context.Background(), "/nonexistent/ffmpeg"))
}
