// Package session implements a bounded, TTL-expiring store of conversation
// metadata with optional atomic file snapshot and restore.
package session

import (
	"container/list"
	"sync"
	"time"
)

// Record is the metadata kept for one conversation.
type Record struct {
	SessionID        string    `json:"sessionId"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivity     time.Time `json:"lastActivity"`
	WorkingDirectory string    `json:"workingDirectory,omitempty"`
	Model            string    `json:"model,omitempty"`
	PromptCount      int       `json:"promptCount"`
	TotalCostUSD     float64   `json:"totalCostUsd"`
}

type entry struct {
	record Record
	elem   *list.Element // position in the LRU list; front = most recent
}

// Store is a concurrency-safe LRU+TTL session store. Insertion beyond
// capacity evicts the least-recently-used entry; every entry independently
// expires ttl after its last touch. The table is small and operations are
// O(1), so one coarse mutex covers everything.
type Store struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time // injectable for tests

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // of string session ids
}

// NewStore creates an empty store.
func NewStore(maxSize int, ttl time.Duration) *Store {
	return &Store{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*entry),
		lru:     list.New(),
	}
}

// Save inserts or replaces the record for rec.SessionID and marks it most
// recently used. At capacity the least-recently-used entry is evicted first.
func (s *Store) Save(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[rec.SessionID]; ok {
		e.record = rec
		s.lru.MoveToFront(e.elem)
		return
	}

	if len(s.entries) >= s.maxSize {
		s.evictOldestLocked()
	}
	s.entries[rec.SessionID] = &entry{
		record: rec,
		elem:   s.lru.PushFront(rec.SessionID),
	}
}

// Get returns the record for id. Expired entries are removed on access and
// reported absent.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Record{}, false
	}
	if s.expiredLocked(e) {
		s.removeLocked(id, e)
		return Record{}, false
	}
	s.lru.MoveToFront(e.elem)
	return e.record, true
}

// Delete removes id, reporting whether it was present (and not expired).
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	expired := s.expiredLocked(e)
	s.removeLocked(id, e)
	return !expired
}

// UpdateActivity atomically bumps LastActivity to now, increments the prompt
// count and adds costDelta to the cost accumulator. Returns false when id is
// absent or expired; it never creates a record implicitly.
func (s *Store) UpdateActivity(id string, costDelta float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	if s.expiredLocked(e) {
		s.removeLocked(id, e)
		return false
	}
	e.record.LastActivity = s.now()
	e.record.PromptCount++
	e.record.TotalCostUSD += costDelta
	s.lru.MoveToFront(e.elem)
	return true
}

// List returns all live records, most recently used first. Expired entries
// are dropped as a side effect.
func (s *Store) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.entries))
	for elem := s.lru.Front(); elem != nil; {
		next := elem.Next()
		id := elem.Value.(string)
		e := s.entries[id]
		if s.expiredLocked(e) {
			s.removeLocked(id, e)
		} else {
			out = append(out, e.record)
		}
		elem = next
	}
	return out
}

// Clear removes every entry and returns how many were removed.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	s.entries = make(map[string]*entry)
	s.lru.Init()
	return n
}

// Len returns the number of entries, including any not yet swept as expired.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) expiredLocked(e *entry) bool {
	return s.now().Sub(e.record.LastActivity) > s.ttl
}

func (s *Store) removeLocked(id string, e *entry) {
	s.lru.Remove(e.elem)
	delete(s.entries, id)
}

func (s *Store) evictOldestLocked() {
	back := s.lru.Back()
	if back == nil {
		return
	}
	id := back.Value.(string)
	s.removeLocked(id, s.entries[id])
}
