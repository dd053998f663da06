package timeshift

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/protectbridge/internal/config"
	"github.com/lanikai/protectbridge/internal/media"
)

type fakeSource struct {
	mu       sync.Mutex
	init     []byte
	feed     media.Feed
	closed   *media.Signal
	startErr error
	starts   int
	stops    int
	channel  int
	segment  time.Duration
}

func (s *fakeSource) Start(ctx context.Context, deviceID string, channel int, segmentLength time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.starts++
	s.channel = channel
	s.segment = segmentLength
	s.closed = new(media.Signal)
	return nil
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	s.stops++
	closed := s.closed
	s.mu.Unlock()
	if closed != nil {
		closed.Fire(nil)
	}
}

func (s *fakeSource) InitSegment() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.init
}

func (s *fakeSource) GetInitSegment(ctx context.Context) []byte { return s.InitSegment() }

func (s *fakeSource) Segments() *media.Feed { return &s.feed }

func (s *fakeSource) Closed() *media.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed == nil {
		s.closed = new(media.Signal)
	}
	return s.closed
}

func (s *fakeSource) send(frags ...string) {
	for _, f := range frags {
		s.feed.Emit([]byte(f))
	}
}

type collector struct {
	mu  sync.Mutex
	got []string
}

func (c *collector) add(p []byte) {
	c.mu.Lock()
	c.got = append(c.got, string(p))
	c.mu.Unlock()
}

func (c *collector) items() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func strs(frags [][]byte) []string {
	var out []string
	for _, f := range frags {
		out = append(out, string(f))
	}
	return out
}

func newBuffer(t *testing.T) (*Buffer, *fakeSource) {
	src := &fakeSource{init: []byte("INIT")}
	b := New(src, "cam-1", config.DefaultOptions(), "Test")
	require.NoError(t, b.Start(context.Background(), 1))
	return b, src
}

func waitForLast(t *testing.T, b *Buffer, last string) {
	assert.Eventually(t, func() bool {
		frags := b.Fragments()
		return len(frags) > 0 && string(frags[len(frags)-1]) == last
	}, time.Second, time.Millisecond)
}

func TestRingKeepsMostRecent(t *testing.T) {
	b, src := newBuffer(t)
	b.SetLength(time.Second)
	assert.Equal(t, 200*time.Millisecond, src.segment)

	var sent []string
	for i := 0; i < 12; i++ {
		sent = append(sent, fmt.Sprintf("f%d", i))
	}
	src.send(sent...)

	waitForLast(t, b, "f11")
	assert.Equal(t, sent[7:], strs(b.Fragments()))
}

func TestInitFragmentSkipped(t *testing.T) {
	b, src := newBuffer(t)
	src.send("INIT", "a", "INIT", "b")

	waitForLast(t, b, "b")
	assert.Equal(t, []string{"a", "b"}, strs(b.Fragments()))
	assert.True(t, b.IsInitFragment([]byte("INIT")))
	assert.False(t, b.IsInitFragment([]byte("a")))
}

func TestDrain(t *testing.T) {
	b, src := newBuffer(t)
	src.send("a", "b", "c")
	waitForLast(t, b, "c")

	c := new(collector)
	detach := b.Attach(c.add)
	defer detach()

	require.NoError(t, b.BeginDrain(context.Background()))
	assert.True(t, b.Draining())

	src.send("INIT", "d", "INIT", "e")
	assert.Eventually(t, func() bool { return len(c.items()) == 6 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"INIT", "a", "b", "c", "d", "e"}, c.items())
	assert.Empty(t, b.Fragments())

	// Back in ring mode nothing more is emitted.
	b.EndDrain()
	src.send("f")
	waitForLast(t, b, "f")
	assert.Len(t, c.items(), 6)
}

func TestDrainWithoutListenerKeepsFragments(t *testing.T) {
	b, src := newBuffer(t)
	b.SetLength(400 * time.Millisecond)

	require.NoError(t, b.BeginDrain(context.Background()))
	src.send("a", "b", "c", "d")
	waitForLast(t, b, "d")

	// Unbounded while draining.
	assert.Equal(t, []string{"INIT", "a", "b", "c", "d"}, strs(b.Fragments()))
}

func TestDrainRestartsStoppedBuffer(t *testing.T) {
	b, src := newBuffer(t)
	b.Stop()
	assert.False(t, b.Started())
	assert.Equal(t, 1, src.stops)

	require.NoError(t, b.BeginDrain(context.Background()))
	assert.True(t, b.Started())
	assert.Equal(t, 2, src.starts)
	assert.Equal(t, 1, src.channel)
	assert.True(t, b.Draining())

	b.Stop()
	assert.False(t, b.Draining())
	src.startErr = errors.New("controller rebooting")
	assert.Error(t, b.BeginDrain(context.Background()))
	assert.False(t, b.Draining())
}

func TestRestartAfterDrainUsesRing(t *testing.T) {
	b, src := newBuffer(t)
	b.SetLength(400 * time.Millisecond)
	require.NoError(t, b.BeginDrain(context.Background()))

	b.Stop()
	require.NoError(t, b.Start(context.Background(), 1))
	assert.False(t, b.Draining())

	src.send("a", "b", "c", "d")
	waitForLast(t, b, "d")
	assert.Equal(t, []string{"c", "d"}, strs(b.Fragments()))
}

func TestSourceCloseStopsBuffer(t *testing.T) {
	b, src := newBuffer(t)
	src.send("a")
	waitForLast(t, b, "a")

	src.Closed().Fire(errors.New("connection reset"))
	assert.Eventually(t, func() bool { return !b.Started() }, time.Second, time.Millisecond)
	assert.Empty(t, b.Fragments())
}

func TestStopWhenNeverStarted(t *testing.T) {
	src := new(fakeSource)
	b := New(src, "cam-1", config.DefaultOptions(), "Test")
	b.Stop()
	b.Stop()
	assert.Equal(t, 0, src.stops)
}

func TestLengthRoundTrip(t *testing.T) {
	src := new(fakeSource)
	b := New(src, "cam-1", config.DefaultOptions(), "Test")
	assert.Equal(t, config.HKSVBufferLength, b.Length())

	for _, ms := range []int{200, 1000, 4100, 8000, 12345} {
		l := time.Duration(ms) * time.Millisecond
		b.SetLength(l)
		got := b.Length()
		assert.True(t, got <= l && l-got < b.Resolution(), "length %v read back as %v", l, got)
	}
}

func TestResolutionFallback(t *testing.T) {
	opts := config.DefaultOptions()
	opts.SegmentResolution = 5 * time.Second
	b := New(new(fakeSource), "cam-1", opts, "Test")
	assert.Equal(t, config.SegmentResolution, b.Resolution())

	// Valid on its own, but more than half the consumer's fragment length.
	opts.SegmentResolution = time.Second
	src := new(fakeSource)
	b = New(src, "cam-1", opts, "Test")
	b.SetLength(8 * time.Second)
	assert.Equal(t, 8*time.Second, b.Length())

	b.SetFragmentLength(1500 * time.Millisecond)
	require.NoError(t, b.Start(context.Background(), 0))
	assert.Equal(t, config.SegmentResolution, b.Resolution())
	assert.Equal(t, config.SegmentResolution, src.segment)
	assert.Equal(t, 8*time.Second, b.Length())
}
