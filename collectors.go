package openmon

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Collector provides a set of metrics to the RemoteWriter.
type Collector interface {
	Collect() []Metric
	Name() string
}

// Metric represents a single metric data point
type Metric struct {
	Name       string
	Value      float64
	Labels     map[string]string
	MetricType MetricType
	Timestamp  time.Time
}

// MetricType represents the type of a metric
type MetricType int

const (
	Counter MetricType = iota
	Gauge
	Histogram
)

// BaseCollector provides basic collector functionality
type BaseCollector struct {
	name   string
	logger *zap.Logger
}

// Name implements Collector interface
func (b *BaseCollector) Name() string {
	return b.name
}

// NewBaseCollector creates a base collector
func NewBaseCollector(name string, logger *zap.Logger) BaseCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return BaseCollector{
		name:   name,
		logger: logger,
	}
}

// CounterCollector holds plain, unlabeled counters.
type CounterCollector struct {
	BaseCollector
	counters map[string]*atomic.Int64
	mutex    sync.RWMutex
}

// NewCounterCollector creates a new counter collector
func NewCounterCollector(name string, logger *zap.Logger) *CounterCollector {
	return &CounterCollector{
		BaseCollector: NewBaseCollector(name, logger),
		counters:      make(map[string]*atomic.Int64),
	}
}

func (c *CounterCollector) counter(name string) *atomic.Int64 {
	c.mutex.RLock()
	counter, exists := c.counters[name]
	c.mutex.RUnlock()
	if exists {
		return counter
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if counter, exists = c.counters[name]; !exists {
		counter = &atomic.Int64{}
		c.counters[name] = counter
	}
	return counter
}

// Inc increments a counter by 1
func (c *CounterCollector) Inc(name string) {
	c.counter(name).Add(1)
}

// Add adds delta to a counter
func (c *CounterCollector) Add(name string, delta int64) {
	c.counter(name).Add(delta)
}

// Get gets the current value of a counter
func (c *CounterCollector) Get(name string) int64 {
	c.mutex.RLock()
	counter, exists := c.counters[name]
	c.mutex.RUnlock()

	if !exists {
		return 0
	}
	return counter.Load()
}

// Collect implements Collector interface
func (c *CounterCollector) Collect() []Metric {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := time.Now()
	metrics := make([]Metric, 0, len(c.counters))
	for name, counter := range c.counters {
		metrics = append(metrics, Metric{
			Name:       name,
			Value:      float64(counter.Load()),
			Labels:     map[string]string{},
			MetricType: Counter,
			Timestamp:  now,
		})
	}
	return metrics
}

// LabeledCounterCollector holds counters keyed by name and label pairs. Series
// that have not been updated within the series TTL are dropped, and when a
// series limit is set the least recently updated series go first.
type LabeledCounterCollector struct {
	BaseCollector
	values          map[string]*labeledCounterValue
	mutex           sync.RWMutex
	seriesTTL       time.Duration
	maxSeries       int
	lastCleanup     time.Time
	cleanupInterval time.Duration
	clock           Clock
}

type labeledCounterValue struct {
	name        string
	counter     atomic.Int64
	labelMap    map[string]string
	lastUpdated atomic.Int64
}

// NewLabeledCounterCollector creates a new labeled counter collector
func NewLabeledCounterCollector(name string, logger *zap.Logger) *LabeledCounterCollector {
	return &LabeledCounterCollector{
		BaseCollector:   NewBaseCollector(name, logger),
		values:          make(map[string]*labeledCounterValue),
		seriesTTL:       60 * time.Minute,
		cleanupInterval: 5 * time.Minute,
		clock:           realClock{},
	}
}

// SetTTL sets the TTL for time series (0 disables it)
func (c *LabeledCounterCollector) SetTTL(ttl time.Duration) {
	c.mutex.Lock()
	c.seriesTTL = ttl
	c.mutex.Unlock()
}

// SetMaxSeries sets the maximum number of time series (0 means no limit)
func (c *LabeledCounterCollector) SetMaxSeries(n int) {
	c.mutex.Lock()
	c.maxSeries = n
	c.mutex.Unlock()
}

// Inc increments a labeled counter. labels are [key1, value1, key2, value2, ...].
func (c *LabeledCounterCollector) Inc(metricName string, labels ...string) {
	key := formatKey(metricName, labels)
	now := c.clock.Now().UnixNano()

	c.mutex.RLock()
	v, exists := c.values[key]
	c.mutex.RUnlock()

	if !exists {
		c.mutex.Lock()
		if v, exists = c.values[key]; !exists {
			v = &labeledCounterValue{name: metricName, labelMap: labelPairs(labels)}
			c.values[key] = v
		}
		c.mutex.Unlock()
	}

	v.counter.Add(1)
	v.lastUpdated.Store(now)
}

// Get gets the current value of a labeled counter
func (c *LabeledCounterCollector) Get(metricName string, labels ...string) int64 {
	c.mutex.RLock()
	v, exists := c.values[formatKey(metricName, labels)]
	c.mutex.RUnlock()

	if !exists {
		return 0
	}
	return v.counter.Load()
}

// Delete removes a specific labeled counter entry
func (c *LabeledCounterCollector) Delete(metricName string, labels ...string) {
	c.mutex.Lock()
	delete(c.values, formatKey(metricName, labels))
	c.mutex.Unlock()
}

// Len returns the number of live series.
func (c *LabeledCounterCollector) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.values)
}

// Collect implements Collector interface
func (c *LabeledCounterCollector) Collect() []Metric {
	now := c.clock.Now()

	c.mutex.RLock()
	due := (c.seriesTTL > 0 || c.maxSeries > 0) && now.Sub(c.lastCleanup) >= c.cleanupInterval
	c.mutex.RUnlock()
	if due {
		c.cleanup(now)
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	metrics := make([]Metric, 0, len(c.values))
	for _, v := range c.values {
		metrics = append(metrics, Metric{
			Name:       v.name,
			Value:      float64(v.counter.Load()),
			Labels:     v.labelMap,
			MetricType: Counter,
			Timestamp:  now,
		})
	}
	return metrics
}

func (c *LabeledCounterCollector) cleanup(now time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastCleanup = now

	if c.seriesTTL > 0 {
		cutoff := now.Add(-c.seriesTTL).UnixNano()
		for k, v := range c.values {
			if v.lastUpdated.Load() < cutoff {
				delete(c.values, k)
			}
		}
	}

	if c.maxSeries > 0 && len(c.values) > c.maxSeries {
		type series struct {
			key  string
			last int64
		}
		all := make([]series, 0, len(c.values))
		for k, v := range c.values {
			all = append(all, series{key: k, last: v.lastUpdated.Load()})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].last < all[j].last })
		excess := len(c.values) - c.maxSeries
		for i := 0; i < excess; i++ {
			delete(c.values, all[i].key)
		}
		c.logger.Debug("dropped excess series",
			zap.String("collector", c.name), zap.Int("dropped", excess))
	}
}

// DefaultDurationBuckets are the histogram buckets, in seconds, used for call
// durations when none are registered.
var DefaultDurationBuckets = []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// HistogramCollector provides histogram metrics, one histogram per name and
// label set.
type HistogramCollector struct {
	BaseCollector
	buckets    map[string][]float64 // per metric name
	histograms map[string]*histogram
	mutex      sync.RWMutex
}

type histogram struct {
	name     string
	labelMap map[string]string
	buckets  []float64
	counts   []atomic.Int64 // last slot is +Inf
	count    atomic.Int64
	sum      float64
	mutex    sync.Mutex
}

// NewHistogramCollector creates a new histogram collector
func NewHistogramCollector(name string, logger *zap.Logger) *HistogramCollector {
	return &HistogramCollector{
		BaseCollector: NewBaseCollector(name, logger),
		buckets:       make(map[string][]float64),
		histograms:    make(map[string]*histogram),
	}
}

// RegisterBuckets sets the buckets for histograms named name created from now on.
func (h *HistogramCollector) RegisterBuckets(name string, buckets []float64) {
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)

	h.mutex.Lock()
	h.buckets[name] = sorted
	h.mutex.Unlock()
}

// Observe records value in the histogram for name and labels.
func (h *HistogramCollector) Observe(name string, value float64, labels ...string) {
	key := formatKey(name, labels)

	h.mutex.RLock()
	hist, exists := h.histograms[key]
	h.mutex.RUnlock()

	if !exists {
		h.mutex.Lock()
		if hist, exists = h.histograms[key]; !exists {
			buckets, ok := h.buckets[name]
			if !ok {
				buckets = DefaultDurationBuckets
			}
			hist = &histogram{
				name:     name,
				labelMap: labelPairs(labels),
				buckets:  buckets,
				counts:   make([]atomic.Int64, len(buckets)+1),
			}
			h.histograms[key] = hist
		}
		h.mutex.Unlock()
	}

	hist.mutex.Lock()
	hist.sum += value
	hist.mutex.Unlock()
	hist.count.Add(1)

	i := sort.SearchFloat64s(hist.buckets, value)
	hist.counts[i].Add(1)
}

// Count returns the number of observations for name and labels.
func (h *HistogramCollector) Count(name string, labels ...string) int64 {
	h.mutex.RLock()
	hist, exists := h.histograms[formatKey(name, labels)]
	h.mutex.RUnlock()
	if !exists {
		return 0
	}
	return hist.count.Load()
}

// Collect implements Collector interface
func (h *HistogramCollector) Collect() []Metric {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	now := time.Now()
	var metrics []Metric
	for _, hist := range h.histograms {
		hist.mutex.Lock()
		sum := hist.sum
		hist.mutex.Unlock()

		metrics = append(metrics,
			Metric{
				Name:       hist.name + "_sum",
				Value:      sum,
				Labels:     hist.labelMap,
				MetricType: Histogram,
				Timestamp:  now,
			},
			Metric{
				Name:       hist.name + "_count",
				Value:      float64(hist.count.Load()),
				Labels:     hist.labelMap,
				MetricType: Histogram,
				Timestamp:  now,
			})

		cumulative := int64(0)
		for i := range hist.counts {
			cumulative += hist.counts[i].Load()

			le := "+Inf"
			if i < len(hist.buckets) {
				le = formatBucketLabel(hist.buckets[i])
			}
			labels := make(map[string]string, len(hist.labelMap)+1)
			for k, v := range hist.labelMap {
				labels[k] = v
			}
			labels["le"] = le

			metrics = append(metrics, Metric{
				Name:       hist.name + "_bucket",
				Value:      float64(cumulative),
				Labels:     labels,
				MetricType: Histogram,
				Timestamp:  now,
			})
		}
	}
	return metrics
}

// formatKey combines metric name and labels into a key
func formatKey(metricName string, labels []string) string {
	return metricName + "|" + strings.Join(labels, "|")
}

// labelPairs turns [k1, v1, k2, v2, ...] into a map; a trailing key without a
// value is ignored.
func labelPairs(labels []string) map[string]string {
	m := make(map[string]string, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return m
}

// formatBucketLabel formats an upper bound the way Prometheus prints "le".
func formatBucketLabel(value float64) string {
	return strconv.FormatFloat(value, 'g', -1, 64)
}
