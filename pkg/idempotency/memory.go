package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-instance tools.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return &e, nil
}

func (s *MemoryStore) Claim(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[e.Key]; ok {
		if existing.Status != StatusRecoverable {
			return ErrDuplicateMessage
		}
		existing.Status = StatusStarted
		existing.Handler = e.Handler
		existing.UpdatedAt = e.UpdatedAt
		s.entries[e.Key] = existing
		return nil
	}
	s.entries[e.Key] = *e
	return nil
}

func (s *MemoryStore) Finish(_ context.Context, key string, status Status, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return ErrEntryNotFound
	}
	e.Status = status
	e.Result = result
	e.UpdatedAt = s.now()
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.Status == StatusStarted {
		e.Status = StatusRecoverable
		e.UpdatedAt = s.now()
		s.entries[key] = e
	}
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, now, finishedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.entries {
		if e.ExpiresAt.Before(now) || (e.Status == StatusFinished && e.UpdatedAt.Before(finishedBefore)) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ReleaseStale(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.entries {
		if e.Status == StatusStarted && e.UpdatedAt.Before(cutoff) {
			e.Status = StatusRecoverable
			s.entries[k] = e
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &Stats{Total: int64(len(s.entries))}
	for _, e := range s.entries {
		switch e.Status {
		case StatusStarted:
			st.Started++
		case StatusFinished:
			st.Finished++
		case StatusRecoverable:
			st.Recoverable++
		case StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}
