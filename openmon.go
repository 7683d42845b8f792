package openmon

import (
	"fmt"

	"go.uber.org/zap"
)

// Backend receives the start and stop of every monitored call. T is the
// monitoring context Start hands back to the caller, who passes it to Stop
// exactly once. A Start that fails must leave nothing to stop; its context is
// discarded and Stop is never called for it.
type Backend[T any] interface {
	Start(site CallSite) (T, error)
	Stop(mon T) error
}

// ExceptionTracker performs backend-specific work for an observed error, such
// as incrementing a counter per label.
type ExceptionTracker interface {
	TrackException(site CallSite, err error) error
}

// TrackerFunc adapts a function to ExceptionTracker.
type TrackerFunc func(site CallSite, err error) error

// TrackException calls f(site, err).
func (f TrackerFunc) TrackException(site CallSite, err error) error {
	return f(site, err)
}

type monConfig struct {
	tracker ExceptionTracker
	logger  *zap.Logger
}

// Option configures an OpenMon.
type Option func(*monConfig)

// WithTracker sets the exception tracking hook, replacing the backend's own.
func WithTracker(t ExceptionTracker) Option {
	return func(c *monConfig) {
		c.tracker = t
	}
}

// WithLogger sets the logger used to report monitoring failures in Track.
func WithLogger(logger *zap.Logger) Option {
	return func(c *monConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// OpenMon sits between an instrumentation layer and a monitoring backend. It
// forwards call start/stop to the backend and runs every observed error
// through the shared ExceptionCache before the backend tracks it.
type OpenMon[T any] struct {
	backend Backend[T]
	tracker ExceptionTracker
	cache   *ExceptionCache
	logger  *zap.Logger
}

// New creates an OpenMon over backend. A nil cache is replaced by one with
// DefaultCapacity and DefaultTTL. If backend implements ExceptionTracker it
// becomes the tracking hook unless WithTracker says otherwise.
func New[T any](backend Backend[T], cache *ExceptionCache, opts ...Option) (*OpenMon[T], error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend cannot be nil", ErrInvalidConfig)
	}

	cfg := monConfig{logger: zap.NewNop()}
	if t, ok := backend.(ExceptionTracker); ok {
		cfg.tracker = t
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cache == nil {
		c, err := NewExceptionCache(DefaultCapacity, DefaultTTL, WithCacheLogger(cfg.logger))
		if err != nil {
			return nil, err
		}
		cache = c
	}

	return &OpenMon[T]{
		backend: backend,
		tracker: cfg.tracker,
		cache:   cache,
		logger:  cfg.logger,
	}, nil
}

// Start begins monitoring a call at site and returns the backend's context
// unchanged.
func (m *OpenMon[T]) Start(site CallSite) (T, error) {
	return m.backend.Start(site)
}

// Stop ends monitoring of the call mon was started for.
func (m *OpenMon[T]) Stop(mon T) error {
	return m.backend.Stop(mon)
}

// StopWithError stops mon and then records err in the cache. The backend's
// Stop completes before any cache bookkeeping; if it fails, err is not
// recorded and the failure is returned.
func (m *OpenMon[T]) StopWithError(mon T, err error) error {
	if stopErr := m.backend.Stop(mon); stopErr != nil {
		return stopErr
	}
	_, recErr := m.cache.Record(err)
	return recErr
}

// Exception records err in the cache and then calls the tracking hook once.
// The hook always observes err as present in the cache.
func (m *OpenMon[T]) Exception(site CallSite, err error) error {
	if _, recErr := m.cache.Record(err); recErr != nil {
		return recErr
	}
	if m.tracker == nil {
		return nil
	}
	return m.tracker.TrackException(site, err)
}

// Labels returns the labels for err. See the package-level Labels.
func (m *OpenMon[T]) Labels(err error) ([]string, error) {
	return Labels(err)
}

// Lookup returns the cache entry for err, refreshing its recency. A nil err
// is rejected with ErrNilError.
func (m *OpenMon[T]) Lookup(err error) (Entry, bool, error) {
	return m.cache.Get(err)
}

// Cache returns the dedup cache shared by this monitor.
func (m *OpenMon[T]) Cache() *ExceptionCache {
	return m.cache
}

// Track runs fn as a monitored call at site. The backend is stopped as soon
// as fn returns; an error from fn is then passed to Exception, so the measured
// duration excludes cache bookkeeping. A panic in fn is recorded as a
// *PanicError and then re-raised.
//
// Monitoring failures are logged and never replace fn's own result.
func (m *OpenMon[T]) Track(site CallSite, fn func() error) (err error) {
	mon, startErr := m.backend.Start(site)
	if startErr != nil {
		m.logger.Warn("monitor start failed", zap.Stringer("site", site), zap.Error(startErr))
		return fn()
	}

	defer func() {
		if r := recover(); r != nil {
			m.fail(site, mon, &PanicError{Value: r})
			panic(r)
		}
	}()

	if err = fn(); err != nil {
		m.fail(site, mon, err)
		return err
	}
	if stopErr := m.backend.Stop(mon); stopErr != nil {
		m.logger.Warn("monitor stop failed", zap.Stringer("site", site), zap.Error(stopErr))
	}
	return nil
}

// fail stops mon and then records err. Unlike StopWithError, a failed Stop
// does not prevent err from being recorded and tracked.
func (m *OpenMon[T]) fail(site CallSite, mon T, err error) {
	if stopErr := m.backend.Stop(mon); stopErr != nil {
		m.logger.Warn("monitor stop failed", zap.Stringer("site", site), zap.Error(stopErr))
	}
	if trackErr := m.Exception(site, err); trackErr != nil {
		m.logger.Warn("exception tracking failed", zap.Stringer("site", site), zap.Error(trackErr))
	}
}
