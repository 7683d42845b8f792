package openmon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Global monitor instance
var (
	globalMu     sync.RWMutex
	globalMon    *OpenMon[[]Span]
	globalWriter *RemoteWriter
	globalServer *MetricsServer
	globalReg    *trackedRegisterer
	globalCancel context.CancelFunc
)

// Init initializes the global monitor system from config. Calling Init again
// before Shutdown is a no-op. Prometheus metrics registered by Init are
// unregistered by Shutdown, or right away if Init fails, so a shared
// Registerer can be reused across Init/Shutdown cycles.
func Init(config Config) (err error) {
	if err := config.Validate(); err != nil {
		return err
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMon != nil {
		return nil
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := NewExceptionCache(config.CacheCapacity, config.CacheTTL,
		WithKeyPolicy(config.KeyPolicy),
		WithCacheLogger(logger))
	if err != nil {
		return err
	}

	var backends Multi[Span]
	if config.Logger != nil {
		backends = append(backends, NewLogBackend(config.Logger))
	}

	var (
		server  *MetricsServer
		tracked *trackedRegisterer
	)
	if config.PrometheusEnabled {
		reg, gatherer := config.Registerer, config.Gatherer
		if reg == nil {
			r := prometheus.NewRegistry()
			reg, gatherer = r, r
		}
		tracked = newTrackedRegisterer(reg)
		defer func() {
			if err != nil {
				tracked.UnregisterAll()
			}
		}()

		backends = append(backends, NewPromBackend(config.Namespace, tracked))
		if err := RegisterCacheMetrics(config.Namespace, tracked, cache); err != nil {
			return fmt.Errorf("register cache metrics: %w", err)
		}
		if config.MetricsAddr != "" {
			server = NewMetricsServer(config.MetricsAddr, gatherer, logger)
		}
	}

	var writer *RemoteWriter
	if config.RemoteWriteURL != "" {
		writer, err = NewRemoteWriter(config)
		if err != nil {
			return err
		}
		cb := NewCollectorBackend(logger)
		for _, c := range cb.Collectors() {
			writer.Register(c)
		}
		writer.Register(NewCacheCollector(cache, logger))
		backends = append(backends, cb)
	}

	if len(backends) == 0 {
		backends = append(backends, NoopBackend{})
	}

	mon, err := New[[]Span](backends, cache, WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	if config.SweepInterval > 0 {
		go cache.RunSweeper(ctx, config.SweepInterval)
	}
	if writer != nil {
		writer.Start()
	}
	if server != nil {
		server.StartAsync()
	}

	globalMon, globalWriter, globalServer, globalReg, globalCancel = mon, writer, server, tracked, cancel

	logger.Info("monitor system initialized",
		zap.String("namespace", config.Namespace),
		zap.String("service", config.ServiceName),
		zap.Int("backends", len(backends)),
		zap.Int("cache_capacity", config.CacheCapacity),
		zap.Duration("cache_ttl", config.CacheTTL))
	return nil
}

// Default returns the global monitor, or nil before Init.
func Default() *OpenMon[[]Span] {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMon
}

// Start begins monitoring a call through the global monitor.
func Start(site CallSite) ([]Span, error) {
	mon := Default()
	if mon == nil {
		return nil, ErrNotInitialized
	}
	return mon.Start(site)
}

// Stop ends monitoring of a call started with Start.
func Stop(spans []Span) error {
	mon := Default()
	if mon == nil {
		return ErrNotInitialized
	}
	return mon.Stop(spans)
}

// StopWithError ends monitoring of a call that failed with err.
func StopWithError(spans []Span, err error) error {
	mon := Default()
	if mon == nil {
		return ErrNotInitialized
	}
	return mon.StopWithError(spans, err)
}

// Exception records and tracks err observed at site.
func Exception(site CallSite, err error) error {
	mon := Default()
	if mon == nil {
		return ErrNotInitialized
	}
	return mon.Exception(site, err)
}

// Track runs fn as a monitored call at site. Before Init fn runs unmonitored.
func Track(site CallSite, fn func() error) error {
	mon := Default()
	if mon == nil {
		return fn()
	}
	return mon.Track(site, fn)
}

// Flush immediately writes all current metrics to the remote endpoint.
func Flush() error {
	globalMu.RLock()
	writer := globalWriter
	globalMu.RUnlock()

	if writer == nil {
		return fmt.Errorf("%w: no remote writer configured", ErrNotInitialized)
	}
	return writer.Flush()
}

// Status returns the current status of the monitor system
func Status() map[string]interface{} {
	globalMu.RLock()
	defer globalMu.RUnlock()

	status := make(map[string]interface{})
	if globalMon == nil {
		status["initialized"] = false
		status["error"] = ErrNotInitialized.Error()
		return status
	}

	cache := globalMon.Cache()
	status["initialized"] = true
	status["remote_write"] = globalWriter != nil
	status["metrics_server"] = globalServer != nil
	status["cache_entries"] = cache.Len()
	status["cache_capacity"] = cache.Capacity()
	status["cache_hit_rate"] = cache.Stats().HitRate()
	return status
}

// Shutdown stops the background work of the global monitor and clears it.
// The globals are cleared first, so callers see an uninitialized monitor
// while the final flush and server shutdown run.
func Shutdown() {
	globalMu.Lock()
	mon, writer, server, reg, cancel := globalMon, globalWriter, globalServer, globalReg, globalCancel
	globalMon, globalWriter, globalServer, globalReg, globalCancel = nil, nil, nil, nil, nil
	globalMu.Unlock()

	if mon == nil {
		return
	}
	cancel()
	if writer != nil {
		if err := writer.Flush(); err != nil {
			mon.logger.Warn("final metrics write failed", zap.Error(err))
		}
		writer.Stop()
	}
	if server != nil {
		ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Stop(ctx); err != nil {
			mon.logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
		stop()
	}
	if reg != nil {
		n := reg.UnregisterAll()
		mon.logger.Debug("unregistered prometheus collectors", zap.Int("count", n))
	}
}
