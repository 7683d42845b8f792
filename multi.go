package openmon

import "go.uber.org/multierr"

// Multi fans every call out to several backends of the same context type. Its
// context holds one entry per backend, in order.
type Multi[T any] []Backend[T]

// Start starts every backend. If any backend fails, the ones that did start
// are stopped again and the combined error is returned with a nil context.
func (m Multi[T]) Start(site CallSite) ([]T, error) {
	mons := make([]T, len(m))
	started := make([]bool, len(m))
	var err error
	for i, b := range m {
		mon, startErr := b.Start(site)
		if startErr != nil {
			err = multierr.Append(err, startErr)
			continue
		}
		mons[i], started[i] = mon, true
	}
	if err == nil {
		return mons, nil
	}

	for i := len(m) - 1; i >= 0; i-- {
		if started[i] {
			err = multierr.Append(err, m[i].Stop(mons[i]))
		}
	}
	return nil, err
}

// Stop stops every backend with its own context, even if some fail.
func (m Multi[T]) Stop(mons []T) error {
	var err error
	for i, b := range m {
		if i >= len(mons) {
			break
		}
		err = multierr.Append(err, b.Stop(mons[i]))
	}
	return err
}

// TrackException forwards to every backend that implements ExceptionTracker.
func (m Multi[T]) TrackException(site CallSite, err error) error {
	var errs error
	for _, b := range m {
		if t, ok := b.(ExceptionTracker); ok {
			errs = multierr.Append(errs, t.TrackException(site, err))
		}
	}
	return errs
}
