package openmon

import (
	"go.uber.org/zap"
)

// LogBackend writes call completions and tracked errors to a zap logger.
// Completions go out at debug level, errors at warn level.
type LogBackend struct {
	logger *zap.Logger
	clock  Clock
}

// NewLogBackend creates a LogBackend. A nil logger discards everything.
func NewLogBackend(logger *zap.Logger) *LogBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogBackend{logger: logger, clock: realClock{}}
}

// Start implements Backend.
func (b *LogBackend) Start(site CallSite) (Span, error) {
	return Span{Site: site, Started: b.clock.Now()}, nil
}

// Stop implements Backend.
func (b *LogBackend) Stop(span Span) error {
	b.logger.Debug("call completed",
		zap.String("kind", span.Site.Kind),
		zap.Stringer("site", span.Site),
		zap.Duration("duration", span.Elapsed(b.clock.Now())))
	return nil
}

// TrackException implements ExceptionTracker.
func (b *LogBackend) TrackException(site CallSite, err error) error {
	labels, lerr := Labels(err)
	if lerr != nil {
		return lerr
	}
	fields := []zap.Field{
		zap.Stringer("site", site),
		zap.Strings("labels", labels),
		zap.Error(err),
	}
	if site.Source != "" {
		fields = append(fields, zap.String("source", site.Source))
	}
	b.logger.Warn("exception tracked", fields...)
	return nil
}
