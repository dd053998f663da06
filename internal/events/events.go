// Package events turns the controller's motion, smart detection and doorbell
// events into device state changes and published messages.
package events

import (
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/lanikai/protectbridge/internal/config"
	"github.com/lanikai/protectbridge/internal/device"
	"github.com/lanikai/protectbridge/internal/logging"
)

var log = logging.DefaultLogger.WithTag("events")

// Devices whose last event times are remembered.
const maxTracked = 512

// Publisher sends a device event to the message bus.
type Publisher interface {
	Publish(mac, topic, payload string)
}

// Recorder reports whether HomeKit Secure Video recording is enabled for a
// camera. Recording counts as enabled as soon as the hub arms it.
type Recorder interface {
	RecordingArmed() bool
}

// Update is the part of a controller device update that carries events.
type Update struct {
	IsMotionDetected bool
	LastMotion       time.Time
	LastRing         time.Time
}

type target struct {
	dev   device.MotionSensor
	opts  config.Options
	rec   Recorder
	smart []string
	log   *logging.Logger
}

func (t *target) recording() bool {
	return t.rec != nil && t.rec.RecordingArmed()
}

// detectMotion reports the state of the device's motion detection switch.
func (t *target) detectMotion() bool {
	if sw, ok := t.dev.(interface{ DetectMotion() bool }); ok {
		return sw.DetectMotion()
	}
	return true
}

type Handler struct {
	publisher Publisher
	refresh   time.Duration

	// Called when a device's motion state changes.
	OnMotion func(mac string, detected bool)

	now func() time.Time

	mu         sync.Mutex
	targets    map[string]*target
	lastMotion *lru.Cache
	lastRing   *lru.Cache
	timers     map[string]*time.Timer
}

// NewHandler creates a handler. Events older than two refresh intervals are
// dropped as stale. The publisher may be nil.
func NewHandler(refresh time.Duration, publisher Publisher) *Handler {
	if refresh <= 0 {
		refresh = config.RefreshInterval
	}
	return &Handler{
		publisher:  publisher,
		refresh:    refresh,
		now:        time.Now,
		targets:    make(map[string]*target),
		lastMotion: lru.New(maxTracked),
		lastRing:   lru.New(maxTracked),
		timers:     make(map[string]*time.Timer),
	}
}

// Register makes a device known to the handler. rec may be nil for devices
// without recording.
func (h *Handler) Register(dev device.MotionSensor, opts config.Options, rec Recorder) {
	t := &target{dev: dev, opts: opts, rec: rec, log: log.WithName(dev.Name())}
	if sd, ok := dev.(interface{ SmartDetectTypes() []string }); ok {
		t.smart = sd.SmartDetectTypes()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.targets[dev.MAC()] = t
}

func (h *Handler) target(mac string) *target {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.targets[config.NormalizeMAC(mac)]
}

// CameraUpdate handles a device update from the controller.
func (h *Handler) CameraUpdate(mac string, u Update) {
	t := h.target(mac)
	if t == nil {
		return
	}

	// Smart detections arrive as events of their own. Plain motion is only
	// used when HKSV records, or when there are no smart detections to wait
	// for.
	if u.IsMotionDetected {
		recording := t.recording()
		if !u.LastMotion.IsZero() &&
			(recording || (!recording && len(t.smart) == 0)) &&
			t.opts.NvrEvents {
			h.Motion(mac, u.LastMotion, nil)
		}
	}

	if !u.LastRing.IsZero() && t.opts.NvrEvents {
		h.Ring(mac, u.LastRing)
	}
}

// SmartDetect handles a smart detection event that began at start.
func (h *Handler) SmartDetect(mac string, start time.Time, objects []string) {
	t := h.target(mac)
	if t == nil || !t.opts.SmartDetectEvents {
		return
	}
	h.Motion(mac, start, objects)
}

// Motion handles a motion event at the given time, with the smart detection
// objects that caused it, if any.
func (h *Handler) Motion(mac string, at time.Time, objects []string) {
	t := h.target(mac)
	if t == nil || at.IsZero() {
		return
	}
	mac = t.dev.MAC()

	h.mu.Lock()
	if last, ok := h.lastMotion.Get(mac); ok && !last.(time.Time).Before(at) {
		h.mu.Unlock()
		t.log.Debug("Skipping duplicate motion event.")
		return
	}
	if h.now().Sub(at) > 2*h.refresh {
		h.mu.Unlock()
		t.log.Debug("Skipping motion event due to stale data.")
		return
	}
	h.lastMotion.Add(mac, at)

	// Let an event in flight run its course.
	if h.timers[mac] != nil {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	h.deliver(t, objects)
}

func (h *Handler) deliver(t *target, objects []string) {
	if !t.detectMotion() {
		return
	}
	mac := t.dev.MAC()

	// With HKSV off, a smart detection only counts as motion if it is one the
	// camera is set to detect; otherwise both would trigger.
	recording := t.recording()
	if len(objects) == 0 || recording ||
		(!recording && len(objects) > 0 && intersects(objects, t.smart)) {
		t.dev.SetMotionDetected(true)
		h.publish(mac, "motion", "true")
		h.motionChanged(mac, true)

		if t.opts.LogMotion {
			detail := ""
			if !recording && len(objects) > 0 {
				detail = ": " + strings.Join(objects, ", ")
			}
			t.log.Info("Motion detected%s.", detail)
		}
	}

	for _, obj := range objects {
		t.dev.SetSmartDetected(obj, true)
		h.publish(mac, "motion/smart/"+obj, "true")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.timers[mac] == nil {
		h.timers[mac] = time.AfterFunc(t.opts.MotionDuration, func() {
			t.dev.SetMotionDetected(false)
			h.publish(mac, "motion", "false")
			h.motionChanged(mac, false)
			t.log.Debug("Resetting motion event.")

			h.mu.Lock()
			delete(h.timers, mac)
			h.mu.Unlock()
		})
	}

	smartKey := mac + ".smart"
	if h.timers[smartKey] == nil {
		h.timers[smartKey] = time.AfterFunc(t.opts.MotionDuration, func() {
			for _, obj := range objects {
				t.dev.SetSmartDetected(obj, false)
				h.publish(mac, "motion/smart/"+obj, "false")
				t.log.Debug("Resetting smart object motion event.")
			}

			h.mu.Lock()
			delete(h.timers, smartKey)
			h.mu.Unlock()
		})
	}
}

// Ring handles a doorbell ring at the given time.
func (h *Handler) Ring(mac string, at time.Time) {
	t := h.target(mac)
	if t == nil || at.IsZero() {
		return
	}
	mac = t.dev.MAC()

	h.mu.Lock()
	if last, ok := h.lastRing.Get(mac); ok && !last.(time.Time).Before(at) {
		h.mu.Unlock()
		t.log.Debug("Skipping duplicate doorbell ring.")
		return
	}
	if h.now().Sub(at) > 2*h.refresh {
		h.mu.Unlock()
		t.log.Debug("Skipping doorbell ring due to stale data.")
		return
	}
	h.lastRing.Add(mac, at)
	h.mu.Unlock()

	if t.dev.Kind() != device.KindDoorbell {
		return
	}

	h.publish(mac, "doorbell", "true")
	if t.opts.LogDoorbell {
		t.log.Info("Doorbell ring detected.")
	}

	key := mac + ".ring"
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev := h.timers[key]; prev != nil {
		prev.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(t.opts.RingDuration, func() {
		h.publish(mac, "doorbell", "false")

		h.mu.Lock()
		if h.timers[key] == timer {
			delete(h.timers, key)
		}
		h.mu.Unlock()
	})
	h.timers[key] = timer
}

// Close cancels every pending reset.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, timer := range h.timers {
		timer.Stop()
		delete(h.timers, key)
	}
}

func (h *Handler) publish(mac, topic, payload string) {
	if h.publisher != nil {
		h.publisher.Publish(mac, topic, payload)
	}
}

func (h *Handler) motionChanged(mac string, detected bool) {
	if h.OnMotion != nil {
		h.OnMotion(mac, detected)
	}
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
