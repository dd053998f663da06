package ffmpeg

import (
	"context"
	"io/fs"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"github.com/lanikai/protectbridge/internal/logging"
)

// CodecEnabled reports whether the FFmpeg at path lists codec among its
// supported codecs.
func CodecEnabled(ctx context.Context, path, codec string, log *logging.Logger) (bool, error) {
	out, err := exec.CommandContext(ctx, path, "-hide_banner", "-codecs").Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			log.Error("Unable to find FFmpeg at: '%s'. Please make sure that you have a working version of FFmpeg installed.", path)
		} else {
			log.Error("Error running FFmpeg: %v", err)
		}
		return false, errors.Wrapf(err, "probing %s", path)
	}
	return strings.Contains(string(out), codec), nil
}
