package cluster

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachingDirectory memoizes successful lookups of another directory for a
// bounded time. Failures are never cached.
type CachingDirectory struct {
	next    Directory
	cache   *expirable.LRU[string, []Partition]
	metrics *metrics
}

func NewCachingDirectory(next Directory, size int, ttl time.Duration, m *metrics) *CachingDirectory {
	if m == nil {
		m = newMetrics(nil)
	}
	return &CachingDirectory{
		next:    next,
		cache:   expirable.NewLRU[string, []Partition](size, nil, ttl),
		metrics: m,
	}
}

func (d *CachingDirectory) Partitions(ctx context.Context, collection string) ([]Partition, error) {
	if parts, ok := d.cache.Get(collection); ok {
		d.metrics.cacheHits.Inc()
		return clonePartitions(parts), nil
	}
	d.metrics.cacheMisses.Inc()

	parts, err := d.next.Partitions(ctx, collection)
	if err != nil {
		return nil, err
	}
	d.cache.Add(collection, clonePartitions(parts))
	return clonePartitions(parts), nil
}

func clonePartitions(parts []Partition) []Partition {
	out := make([]Partition, len(parts))
	for i, p := range parts {
		out[i] = Partition{Name: p.Name, Replicas: append([]string(nil), p.Replicas...)}
	}
	return out
}
