package archon

import "sync"

// Status is the controller's coarse operating state.
type Status int

const (
	StatusUnknown Status = iota
	StatusIdle
	StatusExposing
	StatusReading
	StatusFetching
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusIdle:
		return "IDLE"
	case StatusExposing:
		return "EXPOSING"
	case StatusReading:
		return "READING"
	case StatusFetching:
		return "FETCHING"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// statusStream holds the current status and fans out change notifications
// to subscribers. Writers call set(); a one-shot wake is signaled to every
// subscriber and then cleared, so a subscriber that falls behind simply
// observes the latest value rather than every intermediate one.
type statusStream struct {
	mu          sync.RWMutex
	current     Status
	subscribers map[chan Status]struct{}
}

func newStatusStream(initial Status) *statusStream {
	return &statusStream{
		current:     initial,
		subscribers: make(map[chan Status]struct{}),
	}
}

func (s *statusStream) get() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// set updates the current status and, if it changed, wakes subscribers.
// ERROR is sticky: once set, only a transition driven by reset() (status
// IDLE passed in explicitly by the caller) clears it. Enforcing that
// stickiness is the caller's responsibility (see Device.setStatus); this
// type only stores and broadcasts.
func (s *statusStream) set(next Status) {
	s.mu.Lock()
	if s.current == next {
		s.mu.Unlock()
		return
	}
	s.current = next
	subs := make([]chan Status, 0, len(s.subscribers))
	for ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		replaceBuffered(ch, next)
	}
}

// replaceBuffered sends next into a size-1 channel, discarding whatever
// stale value is sitting in the buffer so a slow reader always observes
// the latest status rather than whichever one happened to arrive first.
func replaceBuffered(ch chan Status, next Status) {
	select {
	case ch <- next:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- next:
	default:
	}
}

// subscribe registers a listener for status changes and immediately seeds
// the channel with the current value, so a range over the returned channel
// observes the state at subscription time before any later transition.
// The cancel function unsubscribes and closes the channel.
func (s *statusStream) subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	s.mu.Lock()
	ch <- s.current
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}
