package engine

import (
	"slices"
	"sync"

	"OnnxAnomalyServer/logger"
	"OnnxAnomalyServer/monitor"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cache holds at most one Entry per model id. Concurrent loads of the same id
// share a single call.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	group   singleflight.Group
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Entry)}
}

func (c *Cache) Get(id string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

// GetOrLoad returns the cached entry for id or runs load once to fill it.
// hit reports whether the entry was already cached.
func (c *Cache) GetOrLoad(id string, load func() (*Entry, error)) (e *Entry, hit bool, err error) {
	log := logger.Named("cache")
	if e, ok := c.Get(id); ok {
		monitor.CacheLookups.WithLabelValues("hit").Inc()
		log.Info("cache hit", zap.String("model", id))
		return e, true, nil
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		if e, ok := c.Get(id); ok {
			return e, nil
		}
		monitor.CacheLookups.WithLabelValues("miss").Inc()
		log.Info("cache miss, loading", zap.String("model", id))
		e, err := load()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[id] = e
		n := len(c.entries)
		c.mu.Unlock()
		monitor.ModelsLoaded.Set(float64(n))
		return e, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Entry), false, nil
}

// Evict removes id and returns the removed entry. The caller closes it.
func (c *Cache) Evict(id string) (*Entry, bool) {
	c.mu.Lock()
	e, ok := c.entries[id]
	delete(c.entries, id)
	n := len(c.entries)
	c.mu.Unlock()
	if ok {
		monitor.ModelsLoaded.Set(float64(n))
	}
	return e, ok
}

// Keys returns the cached ids in sorted order.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
