package core

import (
	"time"

	cache "github.com/go-pkgz/expirable-cache"
)

// Cache is the TTL cache abstraction shared by the translation, result
// and schema caches. The in-process implementation below can be swapped
// for an external key-value store without touching callers; the
// at-most-one concurrent build guarantee lives in the singleflight group
// on the Engine, not here.
type Cache interface {
	Get(key string) (any, bool)
	Put(key string, val any, ttl time.Duration)
	Invalidate(key string)
}

type memCache struct {
	c cache.Cache
}

// newMemCache builds an in-process LRU+TTL cache. Writers to one key
// never block readers of unrelated keys.
func newMemCache(maxKeys int, defaultTTL time.Duration) (Cache, error) {
	c, err := cache.NewCache(cache.MaxKeys(maxKeys), cache.TTL(defaultTTL), cache.LRU())
	if err != nil {
		return nil, err
	}
	return &memCache{c: c}, nil
}

func (m *memCache) Get(key string) (any, bool) {
	return m.c.Get(key)
}

func (m *memCache) Put(key string, val any, ttl time.Duration) {
	m.c.Set(key, val, ttl)
}

func (m *memCache) Invalidate(key string) {
	m.c.Invalidate(key)
}
