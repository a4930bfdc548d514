package network

import "sync"

// slots caps how many of something one remote host may hold at once.
// A max of zero or less means no cap.
type slots struct {
	mu   sync.Mutex
	max  int
	held map[string]int
}

func newSlots(max int) *slots {
	return &slots{max: max, held: make(map[string]int)}
}

func (s *slots) acquire(host string) bool {
	if s.max <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[host] >= s.max {
		return false
	}
	s.held[host]++
	return true
}

func (s *slots) release(host string) {
	if s.max <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.held[host]; n > 1 {
		s.held[host] = n - 1
		return
	}
	delete(s.held, host)
}

func (s *slots) inUse(host string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held[host]
}
