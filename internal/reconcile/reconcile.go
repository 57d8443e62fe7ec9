// Package reconcile tracks which entities have been created for which
// device records, adding new ones exactly once as collections grow.
package reconcile

import "sync"

// Key identifies one entity: a record id plus an optional sub-key,
// such as which metric of a meter the entity exposes.
type Key struct {
	ID  int64
	Sub string
}

// Set is a registry of created entities keyed by id and sub-key.
// Entities are never removed on data disappearance; their lifecycle
// beyond creation belongs to the consumer.
type Set[E any] struct {
	mu       sync.Mutex
	entities map[Key]E
}

func NewSet[E any]() *Set[E] {
	return &Set[E]{entities: make(map[Key]E)}
}

// Reconcile creates one entity per key not yet present, registers it,
// and returns the newly created entities. Re-invoking with no new
// keys is a no-op. A create error aborts the pass; keys created
// before the error stay registered.
func (s *Set[E]) Reconcile(keys []Key, create func(Key) (E, error)) ([]E, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []E
	for _, key := range keys {
		if _, exists := s.entities[key]; exists {
			continue
		}
		entity, err := create(key)
		if err != nil {
			return added, err
		}
		s.entities[key] = entity
		added = append(added, entity)
	}
	return added, nil
}

// Get returns the entity registered under a key.
func (s *Set[E]) Get(key Key) (E, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity, ok := s.entities[key]
	return entity, ok
}

// Len returns the number of registered entities.
func (s *Set[E]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

// Each calls fn for every registered entity.
func (s *Set[E]) Each(fn func(Key, E)) {
	s.mu.Lock()
	snapshot := make(map[Key]E, len(s.entities))
	for key, entity := range s.entities {
		snapshot[key] = entity
	}
	s.mu.Unlock()

	for key, entity := range snapshot {
		fn(key, entity)
	}
}
