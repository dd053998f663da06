package device

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lanikai/protectbridge/internal/config"
)

// Channel is one of the quality variants a camera can stream.
type Channel struct {
	ID         int
	Name       string
	Width      int
	Height     int
	FPS        int
	Bitrate    int
	MinBitrate int
	MaxBitrate int
	RTSPAlias  string

	// Spacing between key frames.
	IDRInterval time.Duration

	Enabled bool
}

// Resolution returns a label such as "1920x1080@30fps (High)".
func (c Channel) Resolution() string {
	return fmt.Sprintf("%dx%d@%dfps (%s)", c.Width, c.Height, c.FPS, c.Name)
}

// RTSPURL returns the controller's secure RTSP URL for the channel, or "" if
// the channel has no RTSP alias.
func (c Channel) RTSPURL(host string, port int) string {
	if c.RTSPAlias == "" {
		return ""
	}
	return fmt.Sprintf("rtsps://%s:%d/%s?enableSrtp", host, port, c.RTSPAlias)
}

func channelFromConfig(c config.Channel) Channel {
	ch := Channel{
		ID:          c.ID,
		Name:        c.Name,
		Width:       c.Width,
		Height:      c.Height,
		FPS:         c.FPS,
		Bitrate:     c.Bitrate,
		MinBitrate:  c.MinBitrate,
		MaxBitrate:  c.MaxBitrate,
		RTSPAlias:   c.RTSPAlias,
		IDRInterval: time.Duration(c.IDRInterval) * time.Second,
		Enabled:     c.Enabled == nil || *c.Enabled,
	}
	if ch.IDRInterval <= 0 {
		ch.IDRInterval = config.HomeKitIDRInterval
	}
	if ch.MaxBitrate == 0 {
		ch.MaxBitrate = ch.Bitrate
	}
	return ch
}

// sortChannels orders channels widest first, then tallest, then fastest.
func sortChannels(channels []Channel) {
	sort.SliceStable(channels, func(i, j int) bool {
		a, b := channels[i], channels[j]
		if a.Width != b.Width {
			return a.Width > b.Width
		}
		if a.Height != b.Height {
			return a.Height > b.Height
		}
		return a.FPS > b.FPS
	})
}

// FindChannel picks the channel best suited to a requested output resolution.
// Channels must already be sorted by sortChannels. A non-empty preferred
// channel name wins outright; if it names no channel, nothing is found.
func FindChannel(channels []Channel, width, height int, preferred string) (Channel, bool) {
	if len(channels) == 0 {
		return Channel{}, false
	}

	if preferred != "" {
		for _, c := range channels {
			if strings.EqualFold(c.Name, preferred) {
				return c, true
			}
		}
		return Channel{}, false
	}

	for _, c := range channels {
		if c.Width == width && c.Height == height {
			return c, true
		}
	}

	// HD-class requests get an HD channel before anything lower.
	if width >= 1280 && height >= 720 {
		for _, c := range channels {
			if c.Width >= 1280 {
				return c, true
			}
		}
	}

	for _, c := range channels {
		if width >= c.Width {
			return c, true
		}
	}

	return channels[len(channels)-1], true
}
