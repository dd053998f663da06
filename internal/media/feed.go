package media

import (
	"sync"
)

// Default number of fragments queued for a listener before Emit blocks.
const DefaultFeedCapacity = 64

// Feed delivers fragments, in order, to at most one listener. Attaching a
// listener detaches the previous one first, so a fragment stream is never
// consumed twice.
type Feed struct {
	// Queue capacity for each listener. Zero means DefaultFeedCapacity.
	Capacity int

	listener *listener

	sync.Mutex
}

type listener struct {
	queue chan []byte
	quit  chan struct{}
	once  sync.Once
}

func (l *listener) stop() {
	l.once.Do(func() { close(l.quit) })
}

func (l *listener) run(fn func([]byte)) {
	for {
		select {
		case <-l.quit:
			return
		case p := <-l.queue:
			// Detach wins over a queued fragment.
			select {
			case <-l.quit:
				return
			default:
			}
			fn(p)
		}
	}
}

// Attach registers fn to receive every subsequently emitted fragment on its
// own goroutine. The returned function detaches it; calling it more than once
// is harmless.
func (f *Feed) Attach(fn func([]byte)) (detach func()) {
	capacity := f.Capacity
	if capacity <= 0 {
		capacity = DefaultFeedCapacity
	}
	l := &listener{
		queue: make(chan []byte, capacity),
		quit:  make(chan struct{}),
	}

	f.Lock()
	prev := f.listener
	f.listener = l
	f.Unlock()

	if prev != nil {
		log.Debug("media.Feed: replacing attached listener")
		prev.stop()
	}
	go l.run(fn)

	return func() {
		f.Lock()
		if f.listener == l {
			f.listener = nil
		}
		f.Unlock()
		l.stop()
	}
}

// Attached reports whether a listener is currently attached.
func (f *Feed) Attached() bool {
	f.Lock()
	defer f.Unlock()
	return f.listener != nil
}

// Emit queues p for the current listener, blocking while its queue is full.
// Returns false if there is no listener, or it was detached before p could be
// queued. Callers must not emit from more than one goroutine at a time.
func (f *Feed) Emit(p []byte) bool {
	f.Lock()
	l := f.listener
	f.Unlock()

	if l == nil {
		return false
	}

	select {
	case l.queue <- p:
		return true
	case <-l.quit:
		return false
	}
}

// Close detaches the current listener.
func (f *Feed) Close() error {
	f.Lock()
	l := f.listener
	f.listener = nil
	f.Unlock()

	if l != nil {
		l.stop()
	}
	return nil
}
