// Package cache provides the named in-memory caches.
package cache

import (
	"sort"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/eugenenazirov/restplate/internal/config"
)

// DefaultName is the cache used when a requested name is not configured.
const DefaultName = "default"

// Registry holds one go-cache instance per configured name.
type Registry struct {
	mu     sync.RWMutex
	caches map[string]*gocache.Cache
}

// NewRegistry builds a cache per entry. A default cache is always present.
func NewRegistry(settings map[string]config.CacheSettings) *Registry {
	r := &Registry{caches: make(map[string]*gocache.Cache, len(settings)+1)}
	for name, s := range settings {
		r.caches[name] = newCache(s)
	}
	if _, ok := r.caches[DefaultName]; !ok {
		r.caches[DefaultName] = gocache.New(gocache.DefaultExpiration, 0)
	}
	return r
}

func newCache(s config.CacheSettings) *gocache.Cache {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = gocache.NoExpiration
	}
	return gocache.New(timeout, s.CleanupInterval)
}

// Get returns the named cache, falling back to the default one.
func (r *Registry) Get(name string) *gocache.Cache {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.caches[name]; ok {
		return c
	}
	return r.caches[DefaultName]
}

// Has reports whether name is configured.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caches[name]
	return ok
}

// Names lists the configured caches.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caches))
	for name := range r.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Flush empties every cache.
func (r *Registry) Flush() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.caches {
		c.Flush()
	}
}
