package main

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/lanikai/protectbridge/internal/config"
	"github.com/lanikai/protectbridge/internal/hksv"
)

func newStreamCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		mac     string
		prepare hksv.PrepareRequest
		start   hksv.StartRequest
	)

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Send a live view to an RTP receiver until interrupted",
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

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
			defer stop()
			return stream(ctx, b, prepare, start)
		},
	}

	flags := cmd.Flags()
	cameraFlag(flags, &mac)
	flags.StringVarP(&prepare.TargetAddress, "target", "t", "127.0.0.1", "Receiver address")
	flags.StringVar(&prepare.AddressVersion, "address-version", "ipv4", "Receiver address family (ipv4 or ipv6)")
	flags.IntVarP(&prepare.VideoPort, "video-port", "p", 5004, "Receiver video port")
	flags.IntVar(&prepare.AudioPort, "audio-port", 5006, "Receiver audio port")
	flags.IntVarP(&start.Width, "width", "x", 1280, "Video width")
	flags.IntVarP(&start.Height, "height", "y", 720, "Video height")
	flags.IntVarP(&start.FPS, "fps", "f", 30, "Video frame rate")
	flags.IntVarP(&start.Bitrate, "bitrate", "b", 2000, "Video bitrate, in kbps")
	flags.IntVar(&start.VideoPayloadType, "payload-type", 99, "Video RTP payload type")
	flags.BoolVarP(&start.Audio, "audio", "a", false, "Send audio")
	flags.IntVar(&start.AudioPayloadType, "audio-payload-type", 110, "Audio RTP payload type")
	return cmd
}

func stream(ctx context.Context, b *cameraBridge, prepare hksv.PrepareRequest, start hksv.StartRequest) error {
	ended := make(chan struct{})
	var once sync.Once
	b.streaming.OnForceStop = func(string) { once.Do(func() { close(ended) }) }

	resp, err := b.streaming.PrepareStream(prepare)
	if err != nil {
		return err
	}
	if err := b.streaming.StartStream(ctx, resp.SessionID, start); err != nil {
		b.streaming.StopStream(resp.SessionID)
		return err
	}

	select {
	case <-ctx.Done():
		b.streaming.StopStream(resp.SessionID)
	case <-ended:
		b.log.Warn("Live view ended by the transcoder.")
	}
	return nil
}
