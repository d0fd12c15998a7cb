package service

import (
	"context"
	"testing"
	"time"

	"github.com/csiiiv/philgeps-awards-dashboard/model"
)

func TestCacheKeyStability(t *testing.T) {
	a := model.FilterRequest{
		Contractors: []string{"alpha"},
		Areas:       []string{"cebu"},
	}
	b := model.FilterRequest{
		Areas:       []string{"cebu"},
		Contractors: []string{"alpha"},
	}
	if CacheKey("search", a) != CacheKey("search", b) {
		t.Error("field population order must not change the key")
	}

	// Maps with differing insertion orders canonicalize identically.
	m1 := map[string]any{"x": 1, "y": []string{"a"}, "z": true}
	m2 := map[string]any{"z": true, "y": []string{"a"}, "x": 1}
	if CacheKey("k", m1) != CacheKey("k", m2) {
		t.Error("map key order must not change the key")
	}

	if CacheKey("search", a) == CacheKey("aggregates", a) {
		t.Error("prefix must namespace the key")
	}

	c := a
	c.Contractors = []string{"beta"}
	if CacheKey("search", a) == CacheKey("search", c) {
		t.Error("different payloads must hash differently")
	}
}

func TestCacheTiers(t *testing.T) {
	cache := NewResponseCache(8, time.Minute, time.Hour)
	cache.Set("k1", "short")
	cache.SetLong("k2", "long")

	if v, ok := cache.Get("k1"); !ok || v != "short" {
		t.Error("short tier miss")
	}
	if _, ok := cache.Get("k2"); ok {
		t.Error("tiers must be separate namespaces")
	}
	if v, ok := cache.GetLong("k2"); !ok || v != "long" {
		t.Error("long tier miss")
	}

	cache.Purge()
	if _, ok := cache.Get("k1"); ok {
		t.Error("purge must clear the short tier")
	}
	if _, ok := cache.GetLong("k2"); ok {
		t.Error("purge must clear the long tier")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	cache := NewResponseCache(8, 20*time.Millisecond, time.Hour)
	cache.Set("k", "v")
	if _, ok := cache.Get("k"); !ok {
		t.Fatal("fresh entry must hit")
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok := cache.Get("k"); ok {
		t.Error("entry must expire after its TTL")
	}
}

func TestNilCacheIsSafe(t *testing.T) {
	var cache *ResponseCache
	cache.Set("k", "v")
	cache.SetLong("k", "v")
	cache.Purge()
	if _, ok := cache.Get("k"); ok {
		t.Error("nil cache must always miss")
	}
	if _, ok := cache.GetLong("k"); ok {
		t.Error("nil cache must always miss")
	}
}

// The cache is a pure side-table: identical requests served from it must
// not touch the engine again, and its absence only costs extra scans.
func TestCacheShortCircuitsRepeatScans(t *testing.T) {
	e := defaultTestEngine(t)
	cache := NewResponseCache(8, time.Minute, time.Hour)
	pred := MatchAll()

	run := func() *model.SearchResult {
		key := CacheKey("chip-search", "all")
		if v, ok := cache.Get(key); ok {
			return v.(*model.SearchResult)
		}
		res, err := e.Search(context.Background(), pred, SearchOptions{Page: 1, PageSize: 5})
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		cache.Set(key, res)
		return res
	}

	first := run()
	afterFirst := e.ScanCount()
	second := run()
	if e.ScanCount() != afterFirst {
		t.Error("cached request must not trigger partition scans")
	}
	if first.Pagination.TotalCount != second.Pagination.TotalCount || len(first.Data) != len(second.Data) {
		t.Error("cached result must equal the computed result")
	}
}
