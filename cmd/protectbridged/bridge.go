package main

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"github.com/lanikai/protectbridge/internal/config"
	"github.com/lanikai/protectbridge/internal/device"
	"github.com/lanikai/protectbridge/internal/hksv"
	"github.com/lanikai/protectbridge/internal/livestream"
	"github.com/lanikai/protectbridge/internal/logging"
	"github.com/lanikai/protectbridge/internal/timeshift"
)

// cameraBridge is everything serving one camera.
type cameraBridge struct {
	camera  *device.Camera
	opts    config.Options
	profile *hksv.RecordingConfiguration
	log     *logging.Logger

	source    *livestream.Client
	buffer    *timeshift.Buffer
	recording *hksv.RecordingDelegate
	streaming *hksv.StreamingDelegate
}

func newCameraBridge(cfg *config.Config, c config.Camera, cam *device.Camera, opts config.Options) *cameraBridge {
	header := make(http.Header)
	for k, v := range cfg.Controller.Headers {
		header.Set(k, v)
	}

	source := livestream.NewClient(cfg.Controller.LivestreamURL, header, cfg.Controller.InsecureSkipVerify, cam.Name())
	buffer := timeshift.New(source, cam.ID(), opts, cam.Name())

	streaming := hksv.NewStreamingDelegate(cam, opts)
	streaming.InputURL = func(ch device.Channel) string {
		return ch.RTSPURL(cfg.Controller.Address, config.RTSPPort)
	}

	return &cameraBridge{
		camera:    cam,
		opts:      opts,
		profile:   hksv.ConfigurationFromConfig(c.Recording),
		log:       log.WithName(cam.Name()),
		source:    source,
		buffer:    buffer,
		recording: hksv.NewRecordingDelegate(cam, buffer, opts),
		streaming: streaming,
	}
}

// arm configures recording with the camera's profile and enables it.
func (b *cameraBridge) arm(ctx context.Context, profile *hksv.RecordingConfiguration) error {
	if profile == nil {
		return hksv.ErrNoConfiguration
	}
	if err := b.recording.UpdateRecordingConfiguration(ctx, profile); err != nil {
		return err
	}
	return b.recording.UpdateRecordingActive(ctx, true)
}

// run keeps recording armed until ctx is done.
func (b *cameraBridge) run(ctx context.Context) error {
	if b.profile == nil {
		b.log.Debug("No recording profile configured, recording stays disarmed.")
	} else if err := b.arm(ctx, b.profile); err != nil {
		b.log.Error("Unable to arm recording: %v", err)
	}

	<-ctx.Done()

	b.streaming.Close()
	if err := b.recording.UpdateRecordingActive(context.Background(), false); err != nil {
		b.log.Debug("Disarming recording: %v", err)
	}
	return nil
}

type inventory struct {
	cameras []*cameraBridge
	sensors []device.MotionSensor
}

func (inv *inventory) camera(mac string) *cameraBridge {
	mac = config.NormalizeMAC(mac)
	for _, b := range inv.cameras {
		if b.camera.MAC() == mac {
			return b
		}
	}
	return nil
}

// buildInventory creates a bridge for every configured camera, and a plain
// device for everything else.
func buildInventory(cfg *config.Config) (*inventory, error) {
	inv := new(inventory)
	for _, c := range cfg.Cameras {
		opts := cfg.Resolve(c.MAC)
		dev, err := device.FromConfig(c, opts, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "camera %s", c.Name)
		}

		switch d := dev.(type) {
		case *device.Camera:
			inv.cameras = append(inv.cameras, newCameraBridge(cfg, c, d, opts))
		case device.MotionSensor:
			inv.sensors = append(inv.sensors, d)
		default:
			log.Debug("%s: %s devices have no motion state, skipping.", dev.Name(), dev.Kind())
		}
	}
	return inv, nil
}
