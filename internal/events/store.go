package events

import (
	"sort"
	"sync"
	"time"
)

// Store keeps the latest event per worker for activity displays. Entries
// older than ttl are dropped when a snapshot is taken.
type Store struct {
	mu   sync.RWMutex
	ttl  time.Duration
	data map[string]Event
}

func NewStore(ttl time.Duration) *Store {
	return &Store{ttl: ttl, data: make(map[string]Event)}
}

// Upsert records e as the latest event of its worker. Events without a
// subject are ignored.
func (s *Store) Upsert(e Event) {
	id := e.Subject()
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.data[id]; ok && prev.Seq > e.Seq && e.Seq != 0 {
		return
	}
	s.data[id] = e
}

// Latest returns the latest live event for a worker.
func (s *Store) Latest(workerID string, now time.Time) (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[workerID]
	if !ok || (s.ttl > 0 && now.Sub(e.Time) > s.ttl) {
		return Event{}, false
	}
	return e, true
}

// Forget drops a worker's entry.
func (s *Store) Forget(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, workerID)
}

// Snapshot returns live entries ordered by worker id.
func (s *Store) Snapshot(now time.Time) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ttl > 0 {
		for id, e := range s.data {
			if now.Sub(e.Time) > s.ttl {
				delete(s.data, id)
			}
		}
	}
	result := make([]Event, 0, len(s.data))
	for _, e := range s.data {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Subject() < result[j].Subject()
	})
	return result
}
