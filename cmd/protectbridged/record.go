package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/lanikai/protectbridge/internal/config"
	"github.com/lanikai/protectbridge/internal/hksv"
)

func cameraFlag(flags *flag.FlagSet, mac *string) {
	flags.StringVarP(mac, "camera", "m", "", "MAC address of the camera")
}

// lookupCamera builds the bridge for a single configured camera.
func lookupCamera(cfg *config.Config, mac string) (*cameraBridge, error) {
	if mac == "" {
		return nil, errors.New("no camera given, use --camera")
	}
	inv, err := buildInventory(cfg)
	if err != nil {
		return nil, err
	}
	b := inv.camera(mac)
	if b == nil {
		return nil, errors.Errorf("no camera with MAC %s", mac)
	}
	return b, nil
}

func newRecordCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		mac      string
		duration time.Duration
		out      string
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one event clip, timeshift included, to a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			b, err := lookupCamera(cfg, mac)
			if err != nil {
				return err
			}
			if out == "" {
				out = b.camera.MAC() + ".mp4"
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
			defer stop()
			return record(ctx, b, duration, out)
		},
	}

	flags := cmd.Flags()
	cameraFlag(flags, &mac)
	flags.DurationVarP(&duration, "duration", "d", 10*time.Second, "Length of the recording after the prebuffer")
	flags.StringVarP(&out, "out", "o", "", "Output file (default: <mac>.mp4)")
	return cmd
}

func record(ctx context.Context, b *cameraBridge, duration time.Duration, out string) error {
	profile := b.profile
	if profile == nil {
		profile = hksv.ConfigurationFromConfig(&config.Recording{Width: 1920, Height: 1080, FPS: 30, Bitrate: 2000})
	}
	if err := b.arm(ctx, profile); err != nil {
		return errors.Wrap(err, "arming recording")
	}
	defer b.recording.UpdateRecordingActive(context.Background(), false)

	b.log.Info("Filling the %v timeshift buffer.", profile.PrebufferLength)
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(profile.PrebufferLength):
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	rctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()
	n, err := writeRecording(rctx, b.recording, 1, f)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	b.log.Info("Saved %s (%d bytes).", out, n)
	return nil
}
