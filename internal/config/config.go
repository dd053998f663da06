package config

import (
	"io/ioutil"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Path to the FFmpeg executable.
	VideoProcessor string `yaml:"videoProcessor"`

	// Echo all FFmpeg diagnostics.
	VerboseFfmpeg bool `yaml:"verboseFfmpeg"`

	// Controller event refresh interval, in seconds.
	RefreshInterval int `yaml:"refreshInterval"`

	// Where motion-triggered clips are saved. Clips are not saved when empty.
	ClipDirectory string `yaml:"clipDirectory"`

	Controller Controller `yaml:"controller"`
	MQTT       MQTT       `yaml:"mqtt"`

	// Feature options applied to every device, and overrides keyed by MAC.
	Defaults OptionSet            `yaml:"defaults"`
	Devices  map[string]OptionSet `yaml:"devices"`

	Cameras []Camera `yaml:"cameras"`
}

type Controller struct {
	Address string `yaml:"address"`

	// WebSocket endpoint serving fragmented MP4 livestreams.
	LivestreamURL string `yaml:"livestreamURL"`

	// Extra headers sent when dialing, e.g. an authentication cookie.
	Headers map[string]string `yaml:"headers"`

	InsecureSkipVerify bool `yaml:"insecureSkipVerify"`
}

type MQTT struct {
	URL      string `yaml:"url"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"clientID"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Camera is a statically configured camera-like device.
type Camera struct {
	ID               string     `yaml:"id"`
	MAC              string     `yaml:"mac"`
	Name             string     `yaml:"name"`
	Kind             string     `yaml:"kind"`
	SmartDetectTypes []string   `yaml:"smartDetectTypes"`
	Channels         []Channel  `yaml:"channels"`
	Recording        *Recording `yaml:"recording"`
}

type Channel struct {
	ID         int    `yaml:"id"`
	Name       string `yaml:"name"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	FPS        int    `yaml:"fps"`
	Bitrate    int    `yaml:"bitrate"`
	MinBitrate int    `yaml:"minBitrate"`
	MaxBitrate int    `yaml:"maxBitrate"`

	// Stream alias on the controller's RTSPS server, used for live view.
	RTSPAlias string `yaml:"rtspAlias"`

	// Key-frame interval, in seconds.
	IDRInterval int `yaml:"idrInterval"`

	Enabled *bool `yaml:"enabled"`
}

// Recording is a locally configured recording profile, used when no HomeKit
// controller negotiates one.
type Recording struct {
	PrebufferLength int  `yaml:"prebufferLength"` // ms
	FragmentLength  int  `yaml:"fragmentLength"`  // ms
	Width           int  `yaml:"width"`
	Height          int  `yaml:"height"`
	FPS             int  `yaml:"fps"`
	Bitrate         int  `yaml:"bitrate"` // kbps
	Audio           bool `yaml:"audio"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	return Parse(data)
}

// Parse decodes YAML configuration data and fills in defaults.
func Parse(data []byte) (*Config, error) {
	cfg := new(Config)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.VideoProcessor == "" {
		cfg.VideoProcessor = DefaultVideoProcessor
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = int(RefreshInterval.Seconds())
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = MQTTTopic
	}
	if cfg.MQTT.ClientID == "" {
		host, _ := os.Hostname()
		cfg.MQTT.ClientID = "protectbridge-" + host
	}

	// Device overrides are keyed by normalized MAC.
	devices := make(map[string]OptionSet, len(cfg.Devices))
	for mac, opts := range cfg.Devices {
		devices[NormalizeMAC(mac)] = opts
	}
	cfg.Devices = devices

	for i := range cfg.Cameras {
		c := &cfg.Cameras[i]
		c.MAC = NormalizeMAC(c.MAC)
		if c.Kind == "" {
			c.Kind = "camera"
		}
		if c.Name == "" {
			c.Name = c.MAC
		}
		if r := c.Recording; r != nil {
			if r.PrebufferLength == 0 {
				r.PrebufferLength = int(HKSVBufferLength.Milliseconds())
			}
			if r.FragmentLength == 0 {
				r.FragmentLength = int(HKSVSegmentLength.Milliseconds())
			}
		}
	}
}

func (cfg *Config) validate() error {
	seen := make(map[string]bool)
	for _, c := range cfg.Cameras {
		if c.MAC == "" {
			return errors.Errorf("camera %q: missing mac", c.Name)
		}
		if seen[c.MAC] {
			return errors.Errorf("camera %s: duplicate mac", c.MAC)
		}
		seen[c.MAC] = true
		if c.ID == "" {
			return errors.Errorf("camera %s: missing controller id", c.MAC)
		}
	}
	return nil
}

// Camera returns the configured camera with the given MAC.
func (cfg *Config) Camera(mac string) (*Camera, bool) {
	mac = NormalizeMAC(mac)
	for i := range cfg.Cameras {
		if cfg.Cameras[i].MAC == mac {
			return &cfg.Cameras[i], true
		}
	}
	return nil, false
}

// NormalizeMAC strips separators and upper-cases a MAC address.
func NormalizeMAC(mac string) string {
	return strings.ToUpper(strings.NewReplacer(":", "", "-", "", ".", "").Replace(mac))
}
