package session

import "sync"

// SeenSet holds the dedup keys of identities that already produced a visit event.
// It is safe for concurrent use; sessions that share one log each identity once between them.
type SeenSet struct {
	mu   sync.Mutex
	keys map[string]bool
}

// NewSeenSet returns an empty set.
func NewSeenSet() *SeenSet {
	return &SeenSet{keys: make(map[string]bool)}
}

// Add marks key and reports whether it was new.
func (s *SeenSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[key] {
		return false
	}
	s.keys[key] = true
	return true
}

// Remove forgets key, so the next sighting is logged again.
func (s *SeenSet) Remove(key string) {
	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()
}

// Has reports whether key is marked.
func (s *SeenSet) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[key]
}

func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
