package openmon

import (
	"time"

	"go.uber.org/zap"
)

// CacheCollector reports the state of an ExceptionCache as metrics.
type CacheCollector struct {
	BaseCollector
	cache *ExceptionCache
}

// NewCacheCollector creates a collector for cache.
func NewCacheCollector(cache *ExceptionCache, logger *zap.Logger) *CacheCollector {
	return &CacheCollector{
		BaseCollector: NewBaseCollector("exception_cache", logger),
		cache:         cache,
	}
}

// Collect implements Collector interface
func (c *CacheCollector) Collect() []Metric {
	now := time.Now()
	snap := c.cache.Stats().Snapshot()

	gauge := func(name string, v float64) Metric {
		return Metric{Name: name, Value: v, Labels: map[string]string{}, MetricType: Gauge, Timestamp: now}
	}
	counter := func(name string, v int64) Metric {
		return Metric{Name: name, Value: float64(v), Labels: map[string]string{}, MetricType: Counter, Timestamp: now}
	}

	return []Metric{
		gauge("exception_cache_entries", float64(c.cache.Len())),
		gauge("exception_cache_capacity", float64(c.cache.Capacity())),
		gauge("exception_cache_hit_rate", snap.HitRate()),
		counter("exception_cache_hits_total", snap.Hits),
		counter("exception_cache_misses_total", snap.Misses),
		counter("exception_cache_inserts_total", snap.Inserts),
		counter("exception_cache_evictions_total", snap.Evictions),
		counter("exception_cache_expirations_total", snap.Expirations),
	}
}
