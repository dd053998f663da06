package main

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/lanikai/protectbridge/internal/config"
	"github.com/lanikai/protectbridge/internal/ffmpeg"
)

func newDoctorCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the video processor and its codecs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			processor := config.DefaultVideoProcessor
			if cfg, err := load(); err != nil {
				check("Configuration", false, err.Error())
			} else {
				check("Configuration", true, fmt.Sprintf("%d device(s)", len(cfg.Cameras)))
				if cfg.VideoProcessor != "" {
					processor = cfg.VideoProcessor
				}
			}

			if !doctor(cmd.Context(), processor) {
				return errors.New("some prerequisites are missing")
			}
			color.Green("\nAll prerequisites met.")
			return nil
		},
	}
}

func doctor(ctx context.Context, processor string) bool {
	path, err := exec.LookPath(processor)
	if err != nil {
		check("Video processor", false, processor+" not found")
		return false
	}
	check("Video processor", true, path)

	ok := true
	has := func(codec string) bool {
		enabled, err := ffmpeg.CodecEnabled(ctx, path, codec, log)
		return err == nil && enabled
	}

	if has("libx264") {
		check("H.264 encoder", true, "libx264")
	} else {
		check("H.264 encoder", false, "libx264 not available")
		ok = false
	}

	switch {
	case has("libfdk_aac"):
		check("AAC encoder", true, "libfdk_aac")
	case has("aac"):
		check("AAC encoder", true, "aac (AAC-ELD audio needs libfdk_aac)")
	default:
		check("AAC encoder", false, "no AAC encoder available")
		ok = false
	}
	return ok
}

func check(name string, ok bool, detail string) {
	if ok {
		fmt.Printf("%s %s: %s\n", color.GreenString("✓"), name, detail)
	} else {
		fmt.Printf("%s %s: %s\n", color.RedString("✗"), name, detail)
	}
}
