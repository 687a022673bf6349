package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/aoindustries/aoserv-master-sub002/pkg/observability"
	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

// Loader populates a whole cache in one call. Loaders run a single bulk
// query; per-key loads would reintroduce the query-per-call cost the cache
// exists to avoid.
type Loader[K comparable, V any] func(ctx context.Context) (map[K]V, error)

// TableCache is a lazy-populated map view of one table. The first Get after
// construction or invalidation runs the loader; later Gets are served from
// memory. A table invalidation signal clears the entire map; the next read
// rebuilds it. A miss after load is a clean not-found, never an error.
//
// All reads and the populate path are serialized by one mutex per instance.
// These are not hot paths; correctness over precision.
type TableCache[K comparable, V any] struct {
	name    string
	table   schema.TableID
	load    Loader[K, V]
	metrics *observability.Metrics

	mu      sync.Mutex
	loaded  bool
	entries map[K]V
}

// New creates a cache bound to table. metrics may be nil.
func New[K comparable, V any](name string, table schema.TableID, load Loader[K, V], metrics *observability.Metrics) *TableCache[K, V] {
	return &TableCache[K, V]{
		name:    name,
		table:   table,
		load:    load,
		metrics: metrics,
	}
}

// Get returns the cached value for key, loading the whole table on the
// first call after construction or invalidation. The boolean reports
// whether the key exists.
func (c *TableCache[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		if c.metrics != nil {
			c.metrics.CacheMissesTotal.WithLabelValues(c.name).Inc()
		}
		entries, err := c.load(ctx)
		if err != nil {
			var zero V
			return zero, false, fmt.Errorf("failed to load %s cache: %w", c.name, err)
		}
		c.entries = entries
		c.loaded = true
	} else if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues(c.name).Inc()
	}

	v, ok := c.entries[key]
	return v, ok, nil
}

// Invalidate clears the whole map; the next Get reloads.
func (c *TableCache[K, V]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
	c.entries = nil
	if c.metrics != nil {
		c.metrics.CacheClearsTotal.WithLabelValues(c.name).Inc()
	}
}

// InvalidateTable clears the cache when the signal is for its bound table,
// satisfying the broadcaster's listener contract.
func (c *TableCache[K, V]) InvalidateTable(table schema.TableID) {
	if table == c.table {
		c.Invalidate()
	}
}

// Table returns the table the cache is bound to.
func (c *TableCache[K, V]) Table() schema.TableID { return c.table }
