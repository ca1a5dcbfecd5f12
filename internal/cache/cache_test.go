package cache

import (
	"slices"
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/eugenenazirov/restplate/internal/config"
)

func TestRegistryFallsBackToDefault(t *testing.T) {
	r := NewRegistry(config.Defaults().Caches)

	if r.Has("images") {
		t.Fatalf("images cache must not be configured by default")
	}
	if r.Get("images") != r.Get(DefaultName) {
		t.Fatalf("expected unknown cache names to resolve to the default cache")
	}

	r.Get("images").Set("k", "v", gocache.DefaultExpiration)
	if v, ok := r.Get(DefaultName).Get("k"); !ok || v != "v" {
		t.Fatalf("expected value written through the fallback to be visible in default")
	}
}

func TestRegistryNamedCaches(t *testing.T) {
	r := NewRegistry(map[string]config.CacheSettings{
		"images": {Timeout: time.Hour},
	})

	if !slices.Equal(r.Names(), []string{"default", "images"}) {
		t.Fatalf("expected default to be added, got %v", r.Names())
	}
	if r.Get("images") == r.Get(DefaultName) {
		t.Fatalf("expected a dedicated images cache")
	}

	r.Get("images").Set("a", 1, gocache.DefaultExpiration)
	r.Flush()
	if _, ok := r.Get("images").Get("a"); ok {
		t.Fatalf("expected Flush to empty every cache")
	}
}

func TestRegistryExpiry(t *testing.T) {
	r := NewRegistry(map[string]config.CacheSettings{
		"short": {Timeout: 10 * time.Millisecond},
	})
	r.Get("short").Set("k", "v", gocache.DefaultExpiration)
	time.Sleep(30 * time.Millisecond)
	if _, ok := r.Get("short").Get("k"); ok {
		t.Fatalf("expected entry to expire")
	}
}
