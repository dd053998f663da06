package media

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

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

func TestFeedOrder(t *testing.T) {
	var f Feed
	c := new(collector)
	detach := f.Attach(c.add)
	defer detach()

	for _, s := range []string{"a", "b", "c", "d"} {
		assert.True(t, f.Emit([]byte(s)))
	}

	assert.Eventually(t, func() bool { return len(c.items()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c", "d"}, c.items())
}

func TestFeedReplace(t *testing.T) {
	var f Feed
	first := new(collector)
	second := new(collector)

	f.Attach(first.add)
	assert.True(t, f.Emit([]byte("1")))
	assert.Eventually(t, func() bool { return len(first.items()) == 1 }, time.Second, time.Millisecond)

	detach := f.Attach(second.add)
	assert.True(t, f.Emit([]byte("2")))
	assert.Eventually(t, func() bool { return len(second.items()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"1"}, first.items())

	detach()
	detach()
	assert.False(t, f.Attached())
	assert.False(t, f.Emit([]byte("3")))
}

func TestFeedDetachUnblocksEmit(t *testing.T) {
	f := Feed{Capacity: 1}
	block := make(chan struct{})
	detach := f.Attach(func([]byte) { <-block })
	defer close(block)

	// One in flight, one queued, the third blocks until detached.
	f.Emit([]byte("1"))
	f.Emit([]byte("2"))

	done := make(chan bool)
	go func() { done <- f.Emit([]byte("3")) }()

	time.Sleep(10 * time.Millisecond)
	detach()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Emit still blocked after detach")
	}
}

func TestSignal(t *testing.T) {
	var s Signal
	select {
	case <-s.Done():
		t.Fatal("signal fired early")
	default:
	}

	closed := errors.New("closed")
	assert.True(t, s.Fire(closed))
	assert.False(t, s.Fire(nil))
	<-s.Done()
	assert.Equal(t, closed, s.Err())
}
