// Package telemetry collects per-cycle drivetrain readouts and forwards them
// to dashboards.
package telemetry

import (
	"sync"
)

// Publisher receives one set of readouts per control cycle. Implementations
// must not block.
type Publisher interface {
	Publish(values map[string]interface{})
}

// Fanout publishes to every publisher in order.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(values map[string]interface{}) {
	for _, p := range f {
		p.Publish(values)
	}
}

// Store keeps the latest value of every key.
type Store struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewStore returns a store seeded with defaults.
func NewStore(defaults map[string]interface{}) *Store {
	s := &Store{values: make(map[string]interface{}, len(defaults))}
	for k, v := range defaults {
		s.values[k] = v
	}
	return s
}

// Set stores a single value.
func (s *Store) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value for key.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// All returns a copy of every value.
func (s *Store) All() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	toReturn := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		toReturn[k] = v
	}
	return toReturn
}

// Publish merges values into the store.
func (s *Store) Publish(values map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values[k] = v
	}
}
