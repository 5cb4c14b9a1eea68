// Copyright 2023 The MqttProxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package storage provides a generic, thread-safe in-memory key-value
// store. The broker uses it as its session registry. All relay state is
// process-lifetime only; nothing survives a restart.
package storage

import (
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when a key is not found in the store.
	ErrNotFound = errors.New("not found")
)

// Store is a generic key-value store keyed by string.
type Store[V any] interface {
	// Get retrieves the value for key, or ErrNotFound.
	Get(key string) (V, error)
	// Set adds or replaces the value for key.
	Set(key string, value V) error
	// Delete removes the value for key. Deleting a missing key is a no-op.
	Delete(key string) error
	// Range calls fn for every entry until fn returns false.
	Range(fn func(key string, value V) bool)
	// Len reports the number of stored entries.
	Len() int
}

// MemStore is an in-memory Store implementation guarded by a RWMutex,
// safe for concurrent use.
type MemStore[V any] struct {
	data map[string]V
	mu   sync.RWMutex
}

// NewMemStore creates an empty MemStore.
func NewMemStore[V any]() *MemStore[V] {
	return &MemStore[V]{
		data: make(map[string]V),
	}
}

// Get retrieves a value from the store.
func (s *MemStore[V]) Get(key string) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return value, nil
}

// Set adds or replaces a value in the store.
func (s *MemStore[V]) Set(key string, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Delete removes a value from the store.
func (s *MemStore[V]) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Range iterates over a snapshot of the store's entries.
func (s *MemStore[V]) Range(fn func(key string, value V) bool) {
	s.mu.RLock()
	snapshot := make(map[string]V, len(s.data))
	for k, v := range s.data {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

// Len reports the number of stored entries.
func (s *MemStore[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
