package openmon

import "go.uber.org/zap"

// Metric names produced by CollectorBackend.
const (
	MetricCallsTotal      = "calls_total"
	MetricCallDuration    = "call_duration_seconds"
	MetricExceptionsTotal = "exceptions_total"
)

// CollectorBackend feeds calls and tracked errors into in-process collectors
// that a RemoteWriter pushes out periodically.
type CollectorBackend struct {
	Calls      *CounterCollector
	Durations  *HistogramCollector
	Exceptions *LabeledCounterCollector

	clock Clock
}

// NewCollectorBackend creates a CollectorBackend with fresh collectors.
func NewCollectorBackend(logger *zap.Logger) *CollectorBackend {
	exceptions := NewLabeledCounterCollector("exceptions", logger)
	exceptions.SetMaxSeries(1000)

	return &CollectorBackend{
		Calls:      NewCounterCollector("calls", logger),
		Durations:  NewHistogramCollector("durations", logger),
		Exceptions: exceptions,
		clock:      realClock{},
	}
}

// Collectors returns the collectors to register with a RemoteWriter.
func (b *CollectorBackend) Collectors() []Collector {
	return []Collector{b.Calls, b.Durations, b.Exceptions}
}

// Start implements Backend.
func (b *CollectorBackend) Start(site CallSite) (Span, error) {
	b.Calls.Inc(MetricCallsTotal)
	return Span{Site: site, Started: b.clock.Now()}, nil
}

// Stop implements Backend.
func (b *CollectorBackend) Stop(span Span) error {
	b.Durations.Observe(MetricCallDuration, span.Elapsed(b.clock.Now()).Seconds(),
		"site", span.Site.String())
	return nil
}

// TrackException implements ExceptionTracker.
func (b *CollectorBackend) TrackException(_ CallSite, err error) error {
	labels, lerr := Labels(err)
	if lerr != nil {
		return lerr
	}
	for _, l := range labels {
		b.Exceptions.Inc(MetricExceptionsTotal, "label", l)
	}
	return nil
}
