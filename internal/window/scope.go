package window

import "sync"

// scope collects the release functions of everything a session acquires.
// Release runs them once, most recent first.
type scope struct {
	mu       sync.Mutex
	fns      []func()
	released bool
}

// Defer registers fn. After Release, fn runs right away.
func (s *scope) Defer(fn func()) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		fn()
		return
	}
	s.fns = append(s.fns, fn)
	s.mu.Unlock()
}

func (s *scope) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

func (s *scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}
