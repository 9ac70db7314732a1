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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inference-serving/prediction-core/pkg/core"
)

func pred(value float64, version core.VersionID) core.Prediction {
	return core.Prediction{Value: value, Confidence: 0.9, Version: version}
}

func computeOnce(p core.Prediction, calls *int32) ComputeFunc {
	return func(ctx context.Context) (core.Prediction, error) {
		atomic.AddInt32(calls, 1)
		return p, nil
	}
}

func TestGetOrComputeHitMiss(t *testing.T) {
	c, err := New(8, time.Minute)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	key := Key{Fingerprint: 0xabc, Version: 1}

	var calls int32
	got, hit, err := c.GetOrCompute(ctx, key, computeOnce(pred(0.7, 1), &calls))
	if err != nil {
		t.Fatalf("GetOrCompute() error = %v", err)
	}
	if hit {
		t.Errorf("first GetOrCompute() hit = true, want miss")
	}
	if got.Value != 0.7 {
		t.Errorf("GetOrCompute() value = %v, want 0.7", got.Value)
	}

	got, hit, err = c.GetOrCompute(ctx, key, computeOnce(pred(0.1, 1), &calls))
	if err != nil {
		t.Fatalf("GetOrCompute() error = %v", err)
	}
	if !hit {
		t.Errorf("second GetOrCompute() hit = false, want hit")
	}
	if got.Value != 0.7 {
		t.Errorf("hit returned value %v, want cached 0.7", got.Value)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("compute ran %d times, want 1", n)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Entries != 1 {
		t.Errorf("Stats() = %+v, want 1 hit and 1 entry", stats)
	}
}

func TestGetOrComputeError(t *testing.T) {
	c, err := New(8, time.Minute)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	boom := errors.New("model blew up")
	_, _, err = c.GetOrCompute(context.Background(), Key{Fingerprint: 1, Version: 1},
		func(ctx context.Context) (core.Prediction, error) {
			return core.Prediction{}, boom
		})
	if !errors.Is(err, boom) {
		t.Fatalf("GetOrCompute() error = %v, want %v", err, boom)
	}
	// Failed computations must not leave an entry behind.
	if c.Len() != 0 {
		t.Errorf("Len() after failed compute = %d, want 0", c.Len())
	}
}

// The compute cost of a miss is paid exactly once no matter how many callers
// race on the same key.
func TestGetOrComputeSingleFlight(t *testing.T) {
	c, err := New(8, time.Minute)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	key := Key{Fingerprint: 0xdead, Version: 1}

	const callers = 20
	var (
		computes int32
		release  = make(chan struct{})
		wg       sync.WaitGroup
	)
	compute := func(ctx context.Context) (core.Prediction, error) {
		atomic.AddInt32(&computes, 1)
		<-release
		return pred(0.6, 1), nil
	}

	results := make([]core.Prediction, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.GetOrCompute(context.Background(), key, compute)
		}(i)
	}

	// Give every caller time to miss and join the flight, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&computes); n != 1 {
		t.Errorf("compute ran %d times for %d concurrent callers, want 1", n, callers)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if results[i].Value != 0.6 {
			t.Errorf("caller %d value = %v, want 0.6", i, results[i].Value)
		}
	}
}

func TestLRUEviction(t *testing.T) {
	c, err := New(3, time.Minute)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	var calls int32
	for fp := uint64(1); fp <= 5; fp++ {
		if _, _, err := c.GetOrCompute(ctx, Key{Fingerprint: fp, Version: 1},
			computeOnce(pred(float64(fp), 1), &calls)); err != nil {
			t.Fatalf("GetOrCompute(%d) error = %v", fp, err)
		}
		if c.Len() > 3 {
			t.Fatalf("Len() = %d after insert %d, capacity bound 3 violated", c.Len(), fp)
		}
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}

	// The two oldest entries were evicted; the newest three survive.
	for fp := uint64(1); fp <= 2; fp++ {
		if _, ok := c.Peek(Key{Fingerprint: fp, Version: 1}); ok {
			t.Errorf("entry %d survived eviction, want evicted", fp)
		}
	}
	for fp := uint64(3); fp <= 5; fp++ {
		if _, ok := c.Peek(Key{Fingerprint: fp, Version: 1}); !ok {
			t.Errorf("entry %d missing, want retained", fp)
		}
	}
	if got := c.Stats().Evictions; got != 2 {
		t.Errorf("Stats().Evictions = %d, want 2", got)
	}
}

// A recently used entry must outlive an older-inserted but colder one.
func TestLRUAccessRecency(t *testing.T) {
	c, err := New(2, time.Minute)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	var calls int32

	k1 := Key{Fingerprint: 1, Version: 1}
	k2 := Key{Fingerprint: 2, Version: 1}
	k3 := Key{Fingerprint: 3, Version: 1}
	for _, k := range []Key{k1, k2} {
		if _, _, err := c.GetOrCompute(ctx, k, computeOnce(pred(0.5, 1), &calls)); err != nil {
			t.Fatalf("GetOrCompute() error = %v", err)
		}
	}
	// Touch k1 so k2 becomes the eviction victim.
	if _, hit, _ := c.GetOrCompute(ctx, k1, computeOnce(pred(0.5, 1), &calls)); !hit {
		t.Fatalf("expected hit on k1")
	}
	if _, _, err := c.GetOrCompute(ctx, k3, computeOnce(pred(0.5, 1), &calls)); err != nil {
		t.Fatalf("GetOrCompute() error = %v", err)
	}

	if _, ok := c.Peek(k1); !ok {
		t.Errorf("recently used k1 was evicted")
	}
	if _, ok := c.Peek(k2); ok {
		t.Errorf("cold k2 survived, want evicted")
	}
}

func TestTTLExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	c, err := New(8, time.Minute, WithClock(clock))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	key := Key{Fingerprint: 7, Version: 1}

	var calls int32
	if _, _, err := c.GetOrCompute(ctx, key, computeOnce(pred(0.7, 1), &calls)); err != nil {
		t.Fatalf("GetOrCompute() error = %v", err)
	}

	// Within TTL: fresh hit.
	now = now.Add(59 * time.Second)
	if _, hit, _ := c.GetOrCompute(ctx, key, computeOnce(pred(0.2, 1), &calls)); !hit {
		t.Errorf("GetOrCompute() before TTL hit = false, want hit")
	}

	// Past TTL: treated as a miss and recomputed, even though recently used.
	now = now.Add(2 * time.Minute)
	got, hit, err := c.GetOrCompute(ctx, key, computeOnce(pred(0.2, 1), &calls))
	if err != nil {
		t.Fatalf("GetOrCompute() error = %v", err)
	}
	if hit {
		t.Errorf("GetOrCompute() past TTL hit = true, want miss")
	}
	if got.Value != 0.2 {
		t.Errorf("GetOrCompute() past TTL value = %v, want recomputed 0.2", got.Value)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("compute ran %d times, want 2", n)
	}
}

// Expired entries remain reachable through Stale until replaced or pruned:
// the orchestrator's timeout fallback depends on it.
func TestStale(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	c, err := New(8, time.Minute, WithClock(clock))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	key := Key{Fingerprint: 9, Version: 1}

	var calls int32
	if _, _, err := c.GetOrCompute(context.Background(), key, computeOnce(pred(0.8, 1), &calls)); err != nil {
		t.Fatalf("GetOrCompute() error = %v", err)
	}

	now = now.Add(time.Hour)
	if _, ok := c.Peek(key); ok {
		t.Errorf("Peek() returned expired entry as fresh")
	}
	stale, ok := c.Stale(key)
	if !ok {
		t.Fatalf("Stale() found no entry, want the expired one")
	}
	if stale.Value != 0.8 {
		t.Errorf("Stale() value = %v, want 0.8", stale.Value)
	}

	if removed := c.PruneExpired(); removed != 1 {
		t.Errorf("PruneExpired() = %d, want 1", removed)
	}
	if _, ok := c.Stale(key); ok {
		t.Errorf("Stale() found entry after prune")
	}
}

func TestInvalidateByVersion(t *testing.T) {
	c, err := New(8, time.Minute)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	var calls int32

	for fp := uint64(1); fp <= 3; fp++ {
		if _, _, err := c.GetOrCompute(ctx, Key{Fingerprint: fp, Version: 1},
			computeOnce(pred(0.5, 1), &calls)); err != nil {
			t.Fatalf("GetOrCompute() error = %v", err)
		}
	}
	if _, _, err := c.GetOrCompute(ctx, Key{Fingerprint: 1, Version: 2},
		computeOnce(pred(0.5, 2), &calls)); err != nil {
		t.Fatalf("GetOrCompute() error = %v", err)
	}

	if dropped := c.Invalidate(1); dropped != 3 {
		t.Errorf("Invalidate(1) = %d, want 3", dropped)
	}
	if c.Len() != 1 {
		t.Errorf("Len() after invalidate = %d, want 1", c.Len())
	}
	if _, ok := c.Peek(Key{Fingerprint: 1, Version: 2}); !ok {
		t.Errorf("entry of surviving version was dropped")
	}
}

// fakePinner records acquire/release pairs per version.
type fakePinner struct {
	mu       sync.Mutex
	acquired map[core.VersionID]int
	released map[core.VersionID]int
}

func newFakePinner() *fakePinner {
	return &fakePinner{
		acquired: make(map[core.VersionID]int),
		released: make(map[core.VersionID]int),
	}
}

func (p *fakePinner) Acquire(id core.VersionID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquired[id]++
	return nil
}

func (p *fakePinner) Release(id core.VersionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released[id]++
}

func TestVersionPinning(t *testing.T) {
	pinner := newFakePinner()
	c, err := New(8, time.Minute, WithVersionPinner(pinner))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	var calls int32

	for fp := uint64(1); fp <= 2; fp++ {
		if _, _, err := c.GetOrCompute(ctx, Key{Fingerprint: fp, Version: 5},
			computeOnce(pred(0.5, 5), &calls)); err != nil {
			t.Fatalf("GetOrCompute() error = %v", err)
		}
	}
	pinner.mu.Lock()
	acquired := pinner.acquired[5]
	pinner.mu.Unlock()
	if acquired != 2 {
		t.Errorf("acquired %d references for version 5, want 2 (one per entry)", acquired)
	}

	c.Invalidate(5)
	pinner.mu.Lock()
	released := pinner.released[5]
	pinner.mu.Unlock()
	if released != 2 {
		t.Errorf("released %d references for version 5, want 2", released)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(0, time.Minute); err == nil {
		t.Errorf("New(0, 1m) expected error, got nil")
	}
	if _, err := New(8, 0); err == nil {
		t.Errorf("New(8, 0) expected error, got nil")
	}
}
