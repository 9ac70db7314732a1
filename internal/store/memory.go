/*
Copyright 2025 The prediction-core Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/inference-serving/prediction-core/pkg/core"
)

// MemoryStore is a non-persistent Interface implementation for tests and for
// running without a store path configured.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[core.VersionID]core.ModelVersion
}

// NewMemoryStore creates an empty in-memory model store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[core.VersionID]core.ModelVersion)}
}

func (s *MemoryStore) PutVersion(ctx context.Context, mv core.ModelVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[mv.ID] = mv
	return nil
}

func (s *MemoryStore) GetVersion(ctx context.Context, id core.VersionID) (core.ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mv, ok := s.versions[id]
	if !ok {
		return core.ModelVersion{}, ErrNotFound
	}
	return mv, nil
}

func (s *MemoryStore) ListVersions(ctx context.Context) ([]core.ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.ModelVersion, 0, len(s.versions))
	for _, mv := range s.versions {
		out = append(out, mv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteVersion(ctx context.Context, id core.VersionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.versions, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
