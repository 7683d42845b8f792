package openmon

import "time"

// Span is the monitoring context produced by the built-in backends: the call
// site and the time the call started.
type Span struct {
	Site    CallSite
	Started time.Time
}

// Elapsed returns the time between the start of the span and now.
func (s Span) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.Started)
}
