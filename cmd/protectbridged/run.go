package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/lanikai/protectbridge/internal/config"
	"github.com/lanikai/protectbridge/internal/events"
	"github.com/lanikai/protectbridge/internal/mqtt"
)

func newRunCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bridge until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	inv, err := buildInventory(cfg)
	if err != nil {
		return err
	}

	var bus *mqtt.Bridge
	var publisher events.Publisher
	if cfg.MQTT.URL != "" {
		if bus, err = mqtt.New(cfg.MQTT); err != nil {
			return err
		}
		bus.Connect()
		defer bus.Close()
		publisher = bus
	}

	handler := events.NewHandler(time.Duration(cfg.RefreshInterval)*time.Second, publisher)
	defer handler.Close()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.ClipDirectory != "" {
		if err := os.MkdirAll(cfg.ClipDirectory, 0755); err != nil {
			return err
		}
		clips := newClipRecorder(ctx, cfg.ClipDirectory, inv)
		handler.OnMotion = clips.motion
		defer clips.wait()
	}

	for _, b := range inv.cameras {
		b := b
		handler.Register(b.camera, b.opts, b.recording)
		if bus != nil {
			bus.RegisterCamera(b.camera, mqtt.CameraOptions{
				Recorder: b.recording,
				Trigger:  handler,
				RTSPHost: cfg.Controller.Address,
				RTSPPort: config.RTSPPort,
			})
		}
		g.Go(func() error { return b.run(ctx) })
	}
	for _, s := range inv.sensors {
		handler.Register(s, cfg.Resolve(s.MAC()), nil)
	}

	log.Info("Bridging %d camera(s) and %d sensor(s).", len(inv.cameras), len(inv.sensors))

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down.")
		return nil
	})
	return g.Wait()
}
