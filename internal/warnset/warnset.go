// Package warnset tracks which warnings have already been emitted so that
// high-volume paths log each distinct condition once.
package warnset

import (
	"sort"
	"sync"
)

// Set is a process-lifetime record of emitted warning keys.
// The zero value is ready to use.
type Set struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// New returns an empty Set.
func New() *Set {
	return &Set{}
}

// First reports whether key has not been seen before, marking it seen.
func (s *Set) First(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// Seen reports whether key has been marked.
func (s *Set) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok
}

// Keys returns the marked keys in sorted order.
func (s *Set) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.seen))
	for k := range s.seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reset forgets every key.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = nil
}
