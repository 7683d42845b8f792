package openmon

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PromBackend records calls and tracked errors as Prometheus metrics.
type PromBackend struct {
	CallsActive  *prometheus.GaugeVec
	CallDuration *prometheus.HistogramVec
	Exceptions   *prometheus.CounterVec

	clock Clock
}

// NewPromBackend registers the backend's metrics under namespace with reg.
// A nil reg uses prometheus.DefaultRegisterer. Like promauto, it panics if
// the metrics are already registered.
func NewPromBackend(namespace string, reg prometheus.Registerer) *PromBackend {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PromBackend{
		CallsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of monitored calls currently in flight",
		}, []string{"site"}),
		CallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of monitored calls by call site",
			Buckets:   prometheus.DefBuckets,
		}, []string{"site"}),
		Exceptions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exceptions_total",
			Help:      "Tracked errors by label",
		}, []string{"label"}),
		clock: realClock{},
	}
}

// Start implements Backend.
func (b *PromBackend) Start(site CallSite) (Span, error) {
	b.CallsActive.WithLabelValues(site.String()).Inc()
	return Span{Site: site, Started: b.clock.Now()}, nil
}

// Stop implements Backend.
func (b *PromBackend) Stop(span Span) error {
	name := span.Site.String()
	b.CallsActive.WithLabelValues(name).Dec()
	b.CallDuration.WithLabelValues(name).Observe(span.Elapsed(b.clock.Now()).Seconds())
	return nil
}

// TrackException implements ExceptionTracker. Every label of err is counted.
func (b *PromBackend) TrackException(_ CallSite, err error) error {
	labels, lerr := Labels(err)
	if lerr != nil {
		return lerr
	}
	for _, l := range labels {
		b.Exceptions.WithLabelValues(l).Inc()
	}
	return nil
}

// RegisterCacheMetrics exposes the statistics of cache through reg.
func RegisterCacheMetrics(namespace string, reg prometheus.Registerer, cache *ExceptionCache) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	stats := cache.Stats()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exception_cache_entries",
			Help:      "Errors currently held by the dedup cache",
		}, func() float64 { return float64(cache.Len()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exception_cache_hits_total",
			Help:      "Dedup cache lookups that found a fresh entry",
		}, func() float64 { return float64(stats.Hits()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exception_cache_misses_total",
			Help:      "Dedup cache lookups that found no fresh entry",
		}, func() float64 { return float64(stats.Misses()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exception_cache_evictions_total",
			Help:      "Entries evicted to stay within capacity",
		}, func() float64 { return float64(stats.Evictions()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exception_cache_expirations_total",
			Help:      "Entries purged after their TTL",
		}, func() float64 { return float64(stats.Expirations()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// trackedRegisterer remembers every collector registered through it so they
// can all be unregistered again.
type trackedRegisterer struct {
	prometheus.Registerer

	mu         sync.Mutex
	collectors []prometheus.Collector
}

func newTrackedRegisterer(reg prometheus.Registerer) *trackedRegisterer {
	return &trackedRegisterer{Registerer: reg}
}

// Register implements prometheus.Registerer.
func (r *trackedRegisterer) Register(c prometheus.Collector) error {
	if err := r.Registerer.Register(c); err != nil {
		return err
	}
	r.mu.Lock()
	r.collectors = append(r.collectors, c)
	r.mu.Unlock()
	return nil
}

// MustRegister implements prometheus.Registerer.
func (r *trackedRegisterer) MustRegister(cs ...prometheus.Collector) {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

// UnregisterAll removes every collector registered so far and returns how
// many were removed.
func (r *trackedRegisterer) UnregisterAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.collectors {
		if r.Registerer.Unregister(c) {
			n++
		}
	}
	r.collectors = nil
	return n
}

// MetricsServer runs an HTTP server exposing /metrics and /health.
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a metrics server on addr serving gatherer. A nil
// gatherer uses prometheus.DefaultGatherer.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) *MetricsServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the server's HTTP handler.
func (s *MetricsServer) Handler() http.Handler {
	return s.server.Handler
}

// StartAsync starts the metrics server in a goroutine.
func (s *MetricsServer) StartAsync() {
	go func() {
		s.logger.Info("metrics server listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
