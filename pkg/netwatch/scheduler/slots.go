package scheduler

import "sync"

// Slots is a keyed, non-blocking counting semaphore. Each key gets its own
// buffered channel of capacity limit; an empty key or a non-positive limit
// means unlimited.
type Slots struct {
	limit int

	mu   sync.Mutex
	sems map[string]chan struct{}
}

// NewSlots creates a semaphore set allowing limit holders per key.
func NewSlots(limit int) *Slots {
	return &Slots{limit: limit, sems: make(map[string]chan struct{})}
}

// TryAcquire takes a slot for key without blocking.
func (s *Slots) TryAcquire(key string) bool {
	if s == nil || s.limit <= 0 || key == "" {
		return true
	}
	select {
	case s.sem(key) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot taken by TryAcquire.
func (s *Slots) Release(key string) {
	if s == nil || s.limit <= 0 || key == "" {
		return
	}
	select {
	case <-s.sem(key):
	default:
	}
}

// InUse reports the number of held slots for key.
func (s *Slots) InUse(key string) int {
	if s == nil || s.limit <= 0 || key == "" {
		return 0
	}
	return len(s.sem(key))
}

func (s *Slots) sem(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.sems[key]
	if !ok {
		ch = make(chan struct{}, s.limit)
		s.sems[key] = ch
	}
	return ch
}
