package reactor

import (
	"container/list"
	"time"
)

// seenSet remembers recently handled event keys. It holds at most capacity
// keys, evicting the oldest first, and forgets keys older than ttl.
type seenSet struct {
	capacity int
	ttl      time.Duration
	order    *list.List
	index    map[string]*list.Element
}

type seenEntry struct {
	key string
	at  time.Time
}

func newSeenSet(capacity int, ttl time.Duration) *seenSet {
	if capacity <= 0 {
		capacity = 1024
	}
	return &seenSet{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// observe records key and reports whether it had already been seen.
func (s *seenSet) observe(key string, now time.Time) bool {
	s.prune(now)
	if _, ok := s.index[key]; ok {
		return true
	}
	s.index[key] = s.order.PushBack(seenEntry{key: key, at: now})
	for s.order.Len() > s.capacity {
		s.remove(s.order.Front())
	}
	return false
}

// forget drops key so a redelivery of the same change is handled again.
func (s *seenSet) forget(key string) {
	if element, ok := s.index[key]; ok {
		s.remove(element)
	}
}

func (s *seenSet) prune(now time.Time) {
	if s.ttl <= 0 {
		return
	}
	for front := s.order.Front(); front != nil; front = s.order.Front() {
		if now.Sub(front.Value.(seenEntry).at) < s.ttl {
			return
		}
		s.remove(front)
	}
}

func (s *seenSet) remove(element *list.Element) {
	delete(s.index, element.Value.(seenEntry).key)
	s.order.Remove(element)
}

func (s *seenSet) len() int {
	return s.order.Len()
}
