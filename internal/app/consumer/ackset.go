package consumer

import (
	"sync"

	"sqs-relay/internal/pkg/queue"
)

// AckSet collects the deliveries of one cycle whose handler succeeded.
// Entries are unique by message ID. Once sealed, further adds are ignored.
type AckSet struct {
	mu      sync.Mutex
	entries []queue.DeleteEntry
	seen    map[string]struct{}
	sealed  bool
}

func NewAckSet() *AckSet {
	return &AckSet{seen: make(map[string]struct{})}
}

// Add records e and reports whether it was accepted.
func (s *AckSet) Add(e queue.DeleteEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return false
	}
	if _, ok := s.seen[e.ID]; ok {
		return false
	}
	s.seen[e.ID] = struct{}{}
	s.entries = append(s.entries, e)
	return true
}

// Seal stops accepting entries and returns what was collected.
func (s *AckSet) Seal() []queue.DeleteEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	return append([]queue.DeleteEntry(nil), s.entries...)
}

func (s *AckSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
