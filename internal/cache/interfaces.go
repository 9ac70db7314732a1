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

package cache

import (
	"context"

	"github.com/inference-serving/prediction-core/pkg/core"
)

// ComputeFunc produces a prediction for a key on cache miss.
type ComputeFunc func(ctx context.Context) (core.Prediction, error)

// Reader provides read-only access to the prediction cache.
// This interface is used by status endpoints and monitors.
type Reader interface {
	// Peek returns the cached prediction for the key if present and
	// unexpired, without recording an access.
	Peek(key Key) (core.Prediction, bool)

	// Stale returns the last known-good prediction for the key even if its
	// TTL has elapsed. Used for timeout fallback and explicit historical
	// comparison; never served as fresh.
	Stale(key Key) (core.Prediction, bool)

	// Stats returns a snapshot of cache counters.
	Stats() Stats

	// Len returns the current number of entries, expired ones included.
	Len() int
}

// Writer provides the mutating cache surface used by the orchestrator.
type Writer interface {
	// GetOrCompute returns the cached entry if present and unexpired;
	// otherwise it invokes compute exactly once per key even under
	// concurrent callers, stores the result, and returns it. The second
	// return value reports whether the result was a cache hit.
	GetOrCompute(ctx context.Context, key Key, compute ComputeFunc) (core.Prediction, bool, error)

	// Invalidate drops all entries keyed to the given model version and
	// returns the number dropped. Called on promotion and rollback.
	Invalidate(version core.VersionID) int

	// PruneExpired removes entries whose TTL has elapsed and returns the
	// number removed.
	PruneExpired() int
}

// ReadWriter combines both cache surfaces.
type ReadWriter interface {
	Reader
	Writer
}

// VersionPinner tracks which model versions live cache entries reference.
// The registry implements it; the cache acquires one reference per entry and
// releases it when the entry is removed, so a version's identity is never
// reclaimed while an entry still points at it.
type VersionPinner interface {
	Acquire(id core.VersionID) error
	Release(id core.VersionID)
}
