package media

import "sync"

// Signal is a one-shot notification carrying an optional error, e.g. a source
// closing underneath its consumer.
type Signal struct {
	mu    sync.Mutex
	ch    chan struct{}
	err   error
	fired bool
}

func (s *Signal) init() {
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
}

// Fire triggers the signal. Only the first call has any effect; it reports
// whether this call fired it.
func (s *Signal) Fire(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.init()
	if s.fired {
		return false
	}
	s.fired = true
	s.err = err
	close(s.ch)
	return true
}

// Done returns a channel that is closed once the signal fires.
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.init()
	return s.ch
}

func (s *Signal) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
