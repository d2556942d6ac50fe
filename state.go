package chatsync

import (
	"reflect"
	"sync"
)

// Observable is the read side of a StateFlow.
type Observable[T any] interface {
	// Value returns the current snapshot. Snapshots must not be modified.
	Value() T
	// Subscribe returns a channel that receives the current value right away
	// and every later distinct value. Slow subscribers only see the latest
	// value. Call cancel to stop and close the channel.
	Subscribe() (updates <-chan T, cancel func())
}

// StateFlow holds a single current value and notifies subscribers when it
// changes. Setting a value equal to the current one is a no-op.
type StateFlow[T any] struct {
	mu     sync.RWMutex
	value  T
	equal  func(a, b T) bool
	subs   map[int]chan T
	nextID int
}

// NewStateFlow creates a flow. equal may be nil, in which case values are
// compared with reflect.DeepEqual.
func NewStateFlow[T any](initial T, equal func(a, b T) bool) *StateFlow[T] {
	if equal == nil {
		equal = func(a, b T) bool { return reflect.DeepEqual(a, b) }
	}
	return &StateFlow[T]{
		value: initial,
		equal: equal,
		subs:  make(map[int]chan T),
	}
}

func (s *StateFlow[T]) Value() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Set publishes v and reports whether it differed from the current value.
func (s *StateFlow[T]) Set(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.equal(s.value, v) {
		return false
	}
	s.value = v
	for _, ch := range s.subs {
		offerLatest(ch, v)
	}
	return true
}

// Update applies fn to the current value atomically and publishes the result.
func (s *StateFlow[T]) Update(fn func(T) T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := fn(s.value)
	if s.equal(s.value, v) {
		return false
	}
	s.value = v
	for _, ch := range s.subs {
		offerLatest(ch, v)
	}
	return true
}

func (s *StateFlow[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan T, 1)
	ch <- s.value
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// offerLatest replaces any unread value in ch with v. Callers hold the flow
// lock, so there is a single sender per channel.
func offerLatest[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}
