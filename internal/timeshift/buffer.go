// Package timeshift keeps a rolling window of a camera's most recent fMP4
// fragments, so that a recording can begin before the event that triggered it.
package timeshift

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/protectbridge/internal/config"
	"github.com/lanikai/protectbridge/internal/logging"
	"github.com/lanikai/protectbridge/internal/media"
)

var log = logging.DefaultLogger.WithTag("timeshift")

// Source supplies live fMP4 fragments, e.g. a livestream.Client.
type Source interface {
	Start(ctx context.Context, deviceID string, channel int, segmentLength time.Duration) error
	Stop()

	// Cached initialization segment, or nil.
	InitSegment() []byte

	// Like InitSegment, but waits briefly for one to arrive.
	GetInitSegment(ctx context.Context) []byte

	// Every fragment received, initialization segments included.
	Segments() *media.Feed

	// Fires when the current session ends.
	Closed() *media.Signal
}

// Buffer is a ring of live fragments that can be switched into drain mode, in
// which every fragment is handed to the attached listener as it arrives.
type Buffer struct {
	source   Source
	deviceID string
	log      *logging.Logger

	// Drained fragments.
	feed media.Feed

	// Serializes emission so fragments reach the listener in arrival order.
	emitMu sync.Mutex

	mu             sync.Mutex
	started        bool
	draining       bool
	channel        int
	fragments      [][]byte
	window         time.Duration
	bufferSize     int
	resolution     time.Duration
	baseResolution time.Duration
	fragmentLength time.Duration
	detachSource   func()
	quit           chan struct{}
}

// New creates a stopped buffer for the given device. The initial window is
// config.HKSVBufferLength.
func New(source Source, deviceID string, opts config.Options, name string) *Buffer {
	res := opts.SegmentResolution
	if !config.ValidSegmentResolution(res, 0) {
		res = config.SegmentResolution
	}
	b := &Buffer{
		source:         source,
		deviceID:       deviceID,
		log:            log.WithName(name),
		resolution:     res,
		baseResolution: res,
	}
	b.SetLength(config.HKSVBufferLength)
	return b
}

// Start opens the live source on the given channel and begins retaining
// fragments. A running session is stopped first.
func (b *Buffer) Start(ctx context.Context, channel int) error {
	b.Stop()

	b.mu.Lock()
	// The resolution must leave room for at least two fragments per consumer
	// fragment.
	res := b.baseResolution
	if !config.ValidSegmentResolution(res, b.fragmentLength) {
		res = config.SegmentResolution
	}
	b.setResolution(res)
	b.fragments = nil
	b.channel = channel
	b.mu.Unlock()

	detach := b.source.Segments().Attach(b.ingest)
	if err := b.source.Start(ctx, b.deviceID, channel, res); err != nil {
		detach()
		return errors.Wrap(err, "starting livestream")
	}

	quit := make(chan struct{})
	b.mu.Lock()
	b.started = true
	b.detachSource = detach
	b.quit = quit
	b.mu.Unlock()

	go b.watch(b.source.Closed(), quit)
	return nil
}

// Stop closes the live source and discards the window. It is always safe to
// call.
func (b *Buffer) Stop() {
	b.mu.Lock()
	wasStarted := b.started
	detach := b.detachSource
	quit := b.quit
	b.started = false
	b.draining = false
	b.fragments = nil
	b.detachSource = nil
	b.quit = nil
	b.mu.Unlock()

	if quit != nil {
		close(quit)
	}
	if detach != nil {
		detach()
	}
	if wasStarted {
		b.source.Stop()
	}
}

func (b *Buffer) watch(closed *media.Signal, quit <-chan struct{}) {
	select {
	case <-closed.Done():
	case <-quit:
		return
	}

	if closed.Err() == nil {
		return
	}
	b.log.Error("The livestream closed unexpectedly (%v) and will be retried on the next recording event. "+
		"This is usually due to a controller or camera restart and can be safely ignored.", closed.Err())
	b.Stop()
}

// ingest handles one fragment from the live source.
func (b *Buffer) ingest(p []byte) {
	if b.IsInitFragment(p) {
		return
	}

	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.fragments = append(b.fragments, p)
	pending := b.takeLocked()
	b.mu.Unlock()

	for _, f := range pending {
		b.feed.Emit(f)
	}
}

// takeLocked trims the window in ring mode, or removes and returns everything
// queued in drain mode. Called with b.mu held.
func (b *Buffer) takeLocked() [][]byte {
	if !b.draining {
		capacity := b.bufferSize
		if capacity <= 0 {
			capacity = 1
		}
		if n := len(b.fragments) - capacity; n > 0 {
			b.fragments = append(b.fragments[:0:0], b.fragments[n:]...)
		}
		return nil
	}

	if !b.feed.Attached() {
		return nil
	}
	pending := b.fragments
	b.fragments = nil
	return pending
}

// Attach registers the listener for drained fragments, replacing any previous
// one. Attach before calling BeginDrain.
func (b *Buffer) Attach(fn func([]byte)) (detach func()) {
	return b.feed.Attach(fn)
}

// BeginDrain switches to drain mode. The initialization segment is put at the
// front of the window, and the window and every later fragment are emitted in
// order. A stopped buffer is restarted on its last channel first.
func (b *Buffer) BeginDrain(ctx context.Context) error {
	b.mu.Lock()
	started, channel := b.started, b.channel
	b.mu.Unlock()

	if !started {
		if err := b.Start(ctx, channel); err != nil {
			b.log.Error("Unable to access the livestream: %v. "+
				"This is usually due to the controller or camera restarting. Will retry again on the next recording event.", err)
			return err
		}
	}

	init := b.source.GetInitSegment(ctx)
	if init == nil {
		b.log.Error("Unable to get the fMP4 stream header.")
	}

	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	if init != nil {
		b.fragments = append([][]byte{init}, b.fragments...)
	}
	b.draining = true
	pending := b.takeLocked()
	b.mu.Unlock()

	for _, f := range pending {
		b.feed.Emit(f)
	}
	return nil
}

// EndDrain returns to ring mode. Fragments already queued for the listener are
// still delivered.
func (b *Buffer) EndDrain() {
	b.mu.Lock()
	b.draining = false
	b.mu.Unlock()
}

func (b *Buffer) Draining() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.draining
}

func (b *Buffer) Started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

// IsInitFragment reports whether p is the source's initialization segment.
func (b *Buffer) IsInitFragment(p []byte) bool {
	init := b.source.InitSegment()
	return init != nil && bytes.Equal(init, p)
}

// GetInitSegment returns the source's initialization segment, or nil.
func (b *Buffer) GetInitSegment(ctx context.Context) []byte {
	return b.source.GetInitSegment(ctx)
}

// Fragments returns a copy of the retained window.
func (b *Buffer) Fragments() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.fragments...)
}

// SetLength sets the window length. It is stored as a fragment count, so the
// effective length is a multiple of the fragment resolution.
func (b *Buffer) SetLength(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window = d
	b.bufferSize = int(d / b.resolution)
}

// Length returns the effective window length.
func (b *Buffer) Length() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(b.bufferSize) * b.resolution
}

// Resolution returns the duration of a single buffered fragment.
func (b *Buffer) Resolution() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolution
}

// SetFragmentLength records the fragment length the consumer asked for. It
// caps the resolution used by the next Start at half that length.
func (b *Buffer) SetFragmentLength(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fragmentLength = d
}

func (b *Buffer) setResolution(res time.Duration) {
	b.resolution = res
	b.bufferSize = int(b.window / res)
}
