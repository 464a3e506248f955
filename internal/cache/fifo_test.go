package cache

import (
	"context"
	"testing"
	"time"
)

func TestFIFO_GetSetDelete(t *testing.T) {
	t.Parallel()
	f := NewFIFO(100, time.Minute)
	ctx := context.Background()

	if _, ok := f.Get(ctx, "missing"); ok {
		t.Error("should not find missing key")
	}

	f.Set(ctx, "k1", []byte("v1"), time.Minute)
	val, ok := f.Get(ctx, "k1")
	if !ok {
		t.Fatal("should find k1")
	}
	if string(val) != "v1" {
		t.Errorf("value = %q, want %q", val, "v1")
	}

	f.Delete(ctx, "k1")
	if _, ok := f.Get(ctx, "k1"); ok {
		t.Error("should not find deleted key")
	}
}

func TestFIFO_TTLExpiry(t *testing.T) {
	t.Parallel()
	f := NewFIFO(100, time.Hour)
	ctx := context.Background()

	f.Set(ctx, "expiring", []byte("data"), 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	if _, ok := f.Get(ctx, "expiring"); ok {
		t.Error("entry should be expired")
	}
}

func TestFIFO_Purge(t *testing.T) {
	t.Parallel()
	f := NewFIFO(100, time.Minute)
	ctx := context.Background()

	f.Set(ctx, "a", []byte("1"), time.Minute)
	f.Set(ctx, "b", []byte("2"), time.Minute)
	f.Purge(ctx)

	if _, ok := f.Get(ctx, "a"); ok {
		t.Error("purge should remove all keys")
	}
	if _, ok := f.Get(ctx, "b"); ok {
		t.Error("purge should remove all keys")
	}
}

func TestFIFO_EvictsOldestByCreatedAt(t *testing.T) {
	t.Parallel()
	f := NewFIFO(3, time.Minute)
	ctx := context.Background()

	f.Set(ctx, "a", []byte("1"), time.Minute)
	f.Set(ctx, "b", []byte("2"), time.Minute)
	f.Set(ctx, "c", []byte("3"), time.Minute)

	// Access "a" repeatedly; a frequency-based policy would keep it, but
	// FIFO must evict it anyway once a fourth entry arrives.
	for range 10 {
		f.Get(ctx, "a")
	}

	f.Set(ctx, "d", []byte("4"), time.Minute)

	if _, ok := f.Get(ctx, "a"); ok {
		t.Error("oldest entry should have been evicted regardless of access frequency")
	}
	if _, ok := f.Get(ctx, "b"); !ok {
		t.Error("b should still be cached")
	}
	if _, ok := f.Get(ctx, "d"); !ok {
		t.Error("d should be cached")
	}
}

func TestFIFO_ReSetMovesToNewest(t *testing.T) {
	t.Parallel()
	f := NewFIFO(2, time.Minute)
	ctx := context.Background()

	f.Set(ctx, "a", []byte("1"), time.Minute)
	f.Set(ctx, "b", []byte("2"), time.Minute)
	// Re-set "a": it becomes the newest, so "b" is now the oldest.
	f.Set(ctx, "a", []byte("1-updated"), time.Minute)
	f.Set(ctx, "c", []byte("3"), time.Minute)

	if _, ok := f.Get(ctx, "b"); ok {
		t.Error("b should have been evicted as the oldest entry")
	}
	val, ok := f.Get(ctx, "a")
	if !ok {
		t.Fatal("a should still be cached")
	}
	if string(val) != "1-updated" {
		t.Errorf("value = %q, want %q", val, "1-updated")
	}
}

func TestFIFO_Stats(t *testing.T) {
	t.Parallel()
	f := NewFIFO(10, time.Minute)
	ctx := context.Background()

	f.Set(ctx, "a", []byte("1"), time.Minute)
	f.Get(ctx, "a")
	f.Get(ctx, "missing")

	stats := f.Stats()
	if stats.Hits != 1 {
		t.Errorf("Hits = %d, want 1", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}
	if stats.Entries != 1 {
		t.Errorf("Entries = %d, want 1", stats.Entries)
	}
	if got := stats.HitRate(); got != 0.5 {
		t.Errorf("HitRate() = %v, want 0.5", got)
	}
}
