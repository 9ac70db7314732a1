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

// Package registry owns the authoritative sequence of model versions.
//
// The registry is the only component that mutates version lifecycle state.
// Exactly one version is ACTIVE at any instant; the active reference is an
// atomically swapped pointer, so readers on the serving path never take a
// lock and never observe a torn transition. Version ids increase
// monotonically and are never reused.
//
// Retired versions are retained for rollback and audit. A version's identity
// is never reclaimed while a live cache entry still references it: the cache
// acquires a reference per entry and the registry refuses to purge a version
// with a nonzero reference count.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/inference-serving/prediction-core/internal/store"
	"github.com/inference-serving/prediction-core/pkg/core"
)

var (
	// ErrUnknownVersion is returned when an operation names a version id the
	// registry has never issued, or one in the wrong lifecycle status.
	ErrUnknownVersion = errors.New("unknown model version")

	// ErrPromotionRejected is returned when a candidate is promoted without
	// a passing attached evaluation.
	ErrPromotionRejected = errors.New("promotion rejected")

	// ErrVersionReferenced is returned when purging a version that live
	// cache entries still reference.
	ErrVersionReferenced = errors.New("model version still referenced")

	// ErrAlreadyBootstrapped is returned when Bootstrap is called while an
	// active version exists.
	ErrAlreadyBootstrapped = errors.New("registry already has an active version")
)

// Transition is one audit record of a version status change, retained with
// the evaluation metrics that justified it.
type Transition struct {
	Version core.VersionID         `json:"version"`
	From    core.VersionStatus     `json:"from"`
	To      core.VersionStatus     `json:"to"`
	At      time.Time              `json:"at"`
	Metrics *core.EvaluationResult `json:"metrics,omitempty"`
}

type record struct {
	version core.ModelVersion
	refs    int
}

// Registry manages model versions and the single active reference.
type Registry struct {
	// active is the lock-free read path for the serving loop. It always
	// points at an immutable snapshot with Status == ACTIVE.
	active atomic.Pointer[core.ModelVersion]

	mu      sync.Mutex
	records map[core.VersionID]*record
	nextID  core.VersionID
	history []Transition

	store store.Interface
	clock func() time.Time
	log   logr.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore enables persistence of versions and their transitions.
func WithStore(s store.Interface) Option {
	return func(r *Registry) { r.store = s }
}

// WithLogger sets the registry logger.
func WithLogger(log logr.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithClock overrides the time source. Used in tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		records: make(map[core.VersionID]*record),
		clock:   time.Now,
		log:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Restore loads persisted versions from the store and reinstates the active
// pointer if a persisted ACTIVE version exists. Returns the number of
// versions restored.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	versions, err := r.store.ListVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing persisted versions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, mv := range versions {
		mv := mv
		r.records[mv.ID] = &record{version: mv}
		if mv.ID >= r.nextID {
			r.nextID = mv.ID + 1
		}
		if mv.Status == core.StatusActive {
			snapshot := mv
			r.active.Store(&snapshot)
		}
	}
	r.log.Info("restored model versions from store", "count", len(versions))
	return len(versions), nil
}

// GetActive returns the currently active version. The read is lock-free; the
// returned value is an immutable snapshot.
func (r *Registry) GetActive() (core.ModelVersion, bool) {
	mv := r.active.Load()
	if mv == nil {
		return core.ModelVersion{}, false
	}
	return *mv, true
}

// Bootstrap registers the initial version and activates it directly. It is
// the only path to ACTIVE that bypasses evaluation gating, and it is only
// permitted while no active version exists.
func (r *Registry) Bootstrap(ctx context.Context, cfg core.ModelConfig) (core.ModelVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active.Load() != nil {
		return core.ModelVersion{}, ErrAlreadyBootstrapped
	}

	mv := r.newVersionLocked(cfg)
	mv.Status = core.StatusActive
	r.records[mv.ID] = &record{version: mv}
	r.recordTransitionLocked(mv.ID, core.StatusCandidate, core.StatusActive, nil)

	snapshot := mv
	r.active.Store(&snapshot)

	if err := r.persistLocked(ctx, mv); err != nil {
		return core.ModelVersion{}, err
	}
	r.log.Info("bootstrapped initial model version", "version", mv.ID)
	return mv, nil
}

// ProposeCandidate registers a new version with status CANDIDATE. Serving is
// unaffected until the candidate is promoted.
func (r *Registry) ProposeCandidate(ctx context.Context, cfg core.ModelConfig) (core.ModelVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mv := r.newVersionLocked(cfg)
	r.records[mv.ID] = &record{version: mv}

	if err := r.persistLocked(ctx, mv); err != nil {
		return core.ModelVersion{}, err
	}
	r.log.Info("registered candidate model version", "version", mv.ID)
	return mv, nil
}

// AttachEvaluation records the shadow-evaluation result for a candidate.
// Promotion requires a passing attached evaluation.
func (r *Registry) AttachEvaluation(ctx context.Context, id core.VersionID, res core.EvaluationResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("version %d: %w", id, ErrUnknownVersion)
	}
	if rec.version.Status != core.StatusCandidate {
		return fmt.Errorf("version %d has status %s, want %s: %w",
			id, rec.version.Status, core.StatusCandidate, ErrUnknownVersion)
	}
	resCopy := res
	rec.version.LastEvaluation = &resCopy
	return r.persistLocked(ctx, rec.version)
}

// Promote atomically swaps the active pointer to the given candidate and
// demotes the previous active version to RETIRED. Returns the demoted
// version's id (zero if this is the first activation).
//
// Readers observe either the pre-promotion or the post-promotion active
// version in full, never a partial swap.
func (r *Registry) Promote(ctx context.Context, id core.VersionID) (core.VersionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return 0, fmt.Errorf("version %d: %w", id, ErrUnknownVersion)
	}
	if rec.version.Status != core.StatusCandidate {
		return 0, fmt.Errorf("version %d has status %s, want %s: %w",
			id, rec.version.Status, core.StatusCandidate, ErrUnknownVersion)
	}
	if rec.version.LastEvaluation == nil || !rec.version.LastEvaluation.Passing() {
		return 0, fmt.Errorf("version %d has no passing evaluation attached: %w", id, ErrPromotionRejected)
	}

	demoted, err := r.activateLocked(ctx, rec, core.StatusCandidate)
	if err != nil {
		return 0, err
	}
	r.log.Info("promoted model version", "version", id, "demoted", demoted)
	return demoted, nil
}

// Rollback re-activates a RETIRED version, demoting the current active one.
// Used when a newly promoted version regresses in production. Returns the
// demoted version's id.
func (r *Registry) Rollback(ctx context.Context, id core.VersionID) (core.VersionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return 0, fmt.Errorf("version %d: %w", id, ErrUnknownVersion)
	}
	if rec.version.Status != core.StatusRetired {
		return 0, fmt.Errorf("version %d has status %s, want %s: %w",
			id, rec.version.Status, core.StatusRetired, ErrUnknownVersion)
	}

	demoted, err := r.activateLocked(ctx, rec, core.StatusRetired)
	if err != nil {
		return 0, err
	}
	r.log.Info("rolled back to model version", "version", id, "demoted", demoted)
	return demoted, nil
}

// activateLocked swaps the active version to rec, demoting the current active
// one. Both transitions are persisted before any in-memory state changes, so
// a store failure leaves the records map and the active pointer exactly as
// they were; the registry never transiently holds zero ACTIVE records.
func (r *Registry) activateLocked(ctx context.Context, rec *record, from core.VersionStatus) (core.VersionID, error) {
	next := rec.version
	next.Status = core.StatusActive

	var (
		prevRec  *record
		prevNext core.ModelVersion
	)
	if prev := r.active.Load(); prev != nil {
		prevRec = r.records[prev.ID]
		prevNext = prevRec.version
		prevNext.Status = core.StatusRetired
	}

	if err := r.persistLocked(ctx, next); err != nil {
		return 0, err
	}
	if prevRec != nil {
		if err := r.persistLocked(ctx, prevNext); err != nil {
			// Put the first record back so the store matches memory again.
			_ = r.persistLocked(ctx, rec.version)
			return 0, err
		}
	}

	var demoted core.VersionID
	if prevRec != nil {
		prevRec.version = prevNext
		r.recordTransitionLocked(prevNext.ID, core.StatusActive, core.StatusRetired, prevNext.LastEvaluation)
		demoted = prevNext.ID
	}
	rec.version = next
	r.recordTransitionLocked(next.ID, from, core.StatusActive, next.LastEvaluation)

	snapshot := next
	r.active.Store(&snapshot)
	return demoted, nil
}

// Version returns the registry's snapshot of the given version.
func (r *Registry) Version(id core.VersionID) (core.ModelVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return core.ModelVersion{}, fmt.Errorf("version %d: %w", id, ErrUnknownVersion)
	}
	return rec.version, nil
}

// Acquire increments the reference count on a version. The cache acquires a
// reference for each entry keyed to the version.
func (r *Registry) Acquire(id core.VersionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("version %d: %w", id, ErrUnknownVersion)
	}
	rec.refs++
	return nil
}

// Release decrements the reference count on a version. Releasing an unknown
// version is a no-op: the version may already have been purged after its
// last reference was dropped.
func (r *Registry) Release(id core.VersionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok && rec.refs > 0 {
		rec.refs--
	}
}

// Refs returns the current reference count for a version.
func (r *Registry) Refs(id core.VersionID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		return rec.refs
	}
	return 0
}

// Purge removes a RETIRED version's identity. It fails with
// ErrVersionReferenced while any live cache entry still references the
// version (generation-based deferred cleanup: callers retry after entries
// expire).
func (r *Registry) Purge(ctx context.Context, id core.VersionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("version %d: %w", id, ErrUnknownVersion)
	}
	if rec.version.Status != core.StatusRetired {
		return fmt.Errorf("version %d has status %s, only retired versions can be purged: %w",
			id, rec.version.Status, ErrUnknownVersion)
	}
	if rec.refs > 0 {
		return fmt.Errorf("version %d has %d live references: %w", id, rec.refs, ErrVersionReferenced)
	}

	delete(r.records, id)
	if r.store != nil {
		if err := r.store.DeleteVersion(ctx, id); err != nil {
			return fmt.Errorf("deleting version %d from store: %w", id, err)
		}
	}
	r.log.Info("purged retired model version", "version", id)
	return nil
}

// History returns the transition audit trail in chronological order.
func (r *Registry) History() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transition, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Registry) newVersionLocked(cfg core.ModelConfig) core.ModelVersion {
	r.nextID++
	return core.ModelVersion{
		ID:        r.nextID,
		Status:    core.StatusCandidate,
		Config:    cfg,
		CreatedAt: r.clock(),
	}
}

func (r *Registry) recordTransitionLocked(id core.VersionID, from, to core.VersionStatus, metrics *core.EvaluationResult) {
	r.history = append(r.history, Transition{
		Version: id,
		From:    from,
		To:      to,
		At:      r.clock(),
		Metrics: metrics,
	})
}

func (r *Registry) persistLocked(ctx context.Context, mv core.ModelVersion) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.PutVersion(ctx, mv); err != nil {
		return fmt.Errorf("persisting version %d: %w", mv.ID, err)
	}
	return nil
}
