package batch

import (
	"reflect"
	"sync"
)

type subscriber func(value any) error

// ContextStore holds the set-once values of one command.
//
// Set notifies subscribers synchronously, so a value is visible to every
// bound consumer before Set returns.
type ContextStore struct {
	mu     sync.RWMutex
	values map[string]any
	subs   map[string][]subscriber
}

// NewContextStore creates an empty store.
func NewContextStore() *ContextStore {
	return &ContextStore{
		values: make(map[string]any),
		subs:   make(map[string][]subscriber),
	}
}

// Set stores value under key and forwards it to subscribers of that key.
// Setting an equal value again is a no-op; a different value fails with
// *ContextConflictError.
func (s *ContextStore) Set(key string, value any) error {
	s.mu.Lock()
	if current, ok := s.values[key]; ok {
		s.mu.Unlock()
		if reflect.DeepEqual(current, value) {
			return nil
		}
		return &ContextConflictError{Key: key, Existing: current, Attempted: value}
	}
	s.values[key] = value
	subs := append([]subscriber(nil), s.subs[key]...)
	s.mu.Unlock()

	for _, fn := range subs {
		if err := fn(value); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the value for key, if set.
func (s *ContextStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether key is set.
func (s *ContextStore) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Snapshot returns a copy of the current values.
func (s *ContextStore) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// subscribe registers fn for key. If key is already set, fn runs immediately.
func (s *ContextStore) subscribe(key string, fn subscriber) error {
	s.mu.Lock()
	s.subs[key] = append(s.subs[key], fn)
	v, ok := s.values[key]
	s.mu.Unlock()

	if ok {
		return fn(v)
	}
	return nil
}
