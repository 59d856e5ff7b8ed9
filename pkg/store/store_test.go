package store_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/a-essam23/go-relay/pkg/store"
)

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestStore() *store.Store[string, string] {
	return store.New[string, string](newTestLogger())
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore()

	s.Set("k1", "v1")
	got, ok := s.Get("k1")
	if !ok {
		t.Fatal("Get failed to find entry immediately after Set")
	}
	if got != "v1" {
		t.Errorf("Expected value %q, got %q", "v1", got)
	}

	if _, ok := s.Get("missing"); ok {
		t.Error("Get returned a value for a key that was never set")
	}
}

func TestExpiryWithoutSweep(t *testing.T) {
	s := newTestStore()

	s.SetTTL("k1", "v1", 40*time.Millisecond)
	if _, ok := s.Get("k1"); !ok {
		t.Fatal("Entry expired before its TTL elapsed")
	}

	time.Sleep(60 * time.Millisecond)

	// No sweeper is running; expiry must still hold on read.
	if _, ok := s.Get("k1"); ok {
		t.Error("Get returned an expired entry")
	}
	if s.Exists("k1") {
		t.Error("Exists reported an expired entry as present")
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore()

	s.Set("k1", "v1")
	if !s.Remove("k1") {
		t.Error("Remove returned false for an existing entry")
	}
	if s.Remove("k1") {
		t.Error("Remove returned true for an already-removed entry")
	}
}

func TestSnapshotsExcludeExpired(t *testing.T) {
	s := newTestStore()

	s.Set("alive", "v1")
	s.SetTTL("dying", "v2", 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	if keys := s.Keys(); len(keys) != 1 || keys[0] != "alive" {
		t.Errorf("Keys returned %v, expected only [alive]", keys)
	}
	if values := s.Values(); len(values) != 1 || values[0] != "v1" {
		t.Errorf("Values returned %v, expected only [v1]", values)
	}
	if n := s.Len(); n != 1 {
		t.Errorf("Len returned %d, expected 1", n)
	}
}

func TestGetOrAddRace(t *testing.T) {
	s := newTestStore()

	var factoryCalls atomic.Int32
	const workers = 50

	results := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.GetOrAdd("shared", func(string) string {
				factoryCalls.Add(1)
				return "winner"
			})
		}(i)
	}
	wg.Wait()

	if calls := factoryCalls.Load(); calls != 1 {
		t.Errorf("Factory invoked %d times, expected exactly 1", calls)
	}
	for i, r := range results {
		if r != "winner" {
			t.Fatalf("Caller %d observed %q, expected %q", i, r, "winner")
		}
	}
}

func TestGetOrAddReplacesExpired(t *testing.T) {
	s := newTestStore()

	s.SetTTL("k1", "old", 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	got := s.GetOrAdd("k1", func(string) string { return "new" })
	if got != "new" {
		t.Errorf("GetOrAdd on an expired entry returned %q, expected the factory result", got)
	}
}

func TestUpdate(t *testing.T) {
	s := newTestStore()

	if s.Update("missing", func(v string) string { return v }) {
		t.Error("Update returned true for an absent key")
	}

	s.Set("k1", "v1")
	if !s.Update("k1", func(v string) string { return v + "!" }) {
		t.Fatal("Update returned false for a live entry")
	}
	if got, _ := s.Get("k1"); got != "v1!" {
		t.Errorf("Expected updated value %q, got %q", "v1!", got)
	}
}

func TestUpdatePreservesExpiry(t *testing.T) {
	s := newTestStore()

	s.SetTTL("k1", "v1", 50*time.Millisecond)
	if !s.Update("k1", func(v string) string { return "v2" }) {
		t.Fatal("Update returned false for a live entry")
	}

	time.Sleep(80 * time.Millisecond)
	if _, ok := s.Get("k1"); ok {
		t.Error("Update extended the entry's expiry; original deadline must be preserved")
	}
}

func TestClear(t *testing.T) {
	s := newTestStore()
	s.Set("k1", "v1")
	s.Set("k2", "v2")
	s.Clear()
	if n := s.Len(); n != 0 {
		t.Errorf("Len returned %d after Clear, expected 0", n)
	}
}

func TestSweepReclaimsExpired(t *testing.T) {
	s := newTestStore()

	s.Set("alive", "v1")
	s.SetTTL("dying1", "v2", 10*time.Millisecond)
	s.SetTTL("dying2", "v3", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if removed := s.Sweep(); removed != 2 {
		t.Errorf("Sweep reclaimed %d entries, expected 2", removed)
	}
	if _, ok := s.Get("alive"); !ok {
		t.Error("Sweep removed a non-expired entry")
	}
}

func TestBackgroundSweeper(t *testing.T) {
	s := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.SetTTL("dying", "v1", 10*time.Millisecond)
	s.StartSweeper(ctx, 20*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	if s.Exists("dying") {
		t.Error("Background sweeper failed to reclaim an expired entry")
	}
}
