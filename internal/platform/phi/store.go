package phi

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the durable backend for audit events. Implementations must write
// each batch atomically: either every event in the batch persists or none do,
// so a failed flush can be retried without duplicates.
type Store interface {
	WriteBatch(ctx context.Context, events []*Event) error
	Query(ctx context.Context, f Filters) ([]*Event, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// MemoryStore is an in-memory Store for development, testing, and
// single-instance deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make([]*Event, 0)}
}

// WriteBatch appends the batch. The single append under lock makes the batch
// atomic with respect to concurrent readers.
func (s *MemoryStore) WriteBatch(ctx context.Context, events []*Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
	return nil
}

func matchEvent(e *Event, f Filters) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.PHIAccessed != nil && e.PHIAccessed != *f.PHIAccessed {
		return false
	}
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && e.Timestamp.After(*f.End) {
		return false
	}
	return true
}

// Query returns matching events sorted by timestamp ascending, paginated by
// f.Limit/f.Offset when set.
func (s *MemoryStore) Query(ctx context.Context, f Filters) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var matched []*Event
	for _, e := range s.events {
		if matchEvent(e, f) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	total := len(matched)
	start := f.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return matched[start:end], nil
}

// DeleteExpired removes events whose retention date is before the cutoff.
func (s *MemoryStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var deleted int64
	for _, e := range s.events {
		if e.RetentionUntil.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return deleted, nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
