package priorauth

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRepository keeps events in process. It backs the gateway when no
// database is configured and the package tests.
type MemoryRepository struct {
	mu     sync.RWMutex
	events map[string][]*Event
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{events: make(map[string][]*Event)}
}

// Save appends the aggregate's uncommitted events.
func (r *MemoryRepository) Save(_ context.Context, agg *Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	base := agg.Version() - len(changes)
	if stored := len(r.events[agg.ID()]); stored != base {
		return fmt.Errorf("%s at version %d, stored %d: %w", agg.ID(), base, stored, ErrConcurrentModification)
	}
	for i, event := range changes {
		event.Version = base + i + 1
		r.events[agg.ID()] = append(r.events[agg.ID()], event)
	}
	agg.ClearChanges()
	return nil
}

// Load rebuilds an aggregate from its events.
func (r *MemoryRepository) Load(ctx context.Context, id string) (*Aggregate, error) {
	events, err := r.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	return rebuild(id, events)
}

// GetEvents returns a copy of the stored event list.
func (r *MemoryRepository) GetEvents(_ context.Context, aggregateID string) ([]*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Event(nil), r.events[aggregateID]...), nil
}
