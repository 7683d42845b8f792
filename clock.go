package openmon

import "time"

// Clock provides the current time to the cache and the built-in backends.
// The default implementation uses time.Now().
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}
