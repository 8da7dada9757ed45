package mount

import (
	"io"
	"sync"

	"go.uber.org/multierr"
)

// Stack releases scoped resources in reverse order of acquisition.
//
// Close runs every registered closer exactly once, continuing past failures,
// and returns the combined error. A closer pushed after Close runs
// immediately.
type Stack struct {
	mu      sync.Mutex
	closers []func() error
	closed  bool
}

// Push registers fn to run on Close.
func (s *Stack) Push(fn func() error) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = fn()
		return
	}
	s.closers = append(s.closers, fn)
	s.mu.Unlock()
}

// PushCloser registers c.Close to run on Close.
func (s *Stack) PushCloser(c io.Closer) {
	if c == nil {
		return
	}
	s.Push(c.Close)
}

// Len returns the number of pending closers.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.closers)
}

// Close runs all closers last-in first-out. Later calls return nil.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i]())
	}
	return err
}
