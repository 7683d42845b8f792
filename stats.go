package openmon

import "sync/atomic"

// Stats holds dedup cache statistics using atomic counters for lock-free reads.
type Stats struct {
	hits        atomic.Int64
	misses      atomic.Int64
	inserts     atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

// Hits returns the number of Record or Get calls that found a fresh entry.
func (s *Stats) Hits() int64 {
	return s.hits.Load()
}

// Misses returns the number of Record or Get calls that found no fresh entry.
func (s *Stats) Misses() int64 {
	return s.misses.Load()
}

// Inserts returns the number of first sightings recorded.
func (s *Stats) Inserts() int64 {
	return s.inserts.Load()
}

// Evictions returns the number of entries dropped to stay within capacity.
func (s *Stats) Evictions() int64 {
	return s.evictions.Load()
}

// Expirations returns the number of expired entries purged.
func (s *Stats) Expirations() int64 {
	return s.expirations.Load()
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s *Stats) HitRate() float64 {
	return s.Snapshot().HitRate()
}

// Snapshot is a point-in-time copy of cache statistics.
type Snapshot struct {
	Hits        int64
	Misses      int64
	Inserts     int64
	Evictions   int64
	Expirations int64
}

// HitRate returns the hit rate as a value between 0 and 1.
func (s Snapshot) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Snapshot returns a point-in-time copy of the stats.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Inserts:     s.inserts.Load(),
		Evictions:   s.evictions.Load(),
		Expirations: s.expirations.Load(),
	}
}
