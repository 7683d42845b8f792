package openmon

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

// recordingBackend logs the order of lifecycle events and can fail on demand.
type recordingBackend struct {
	mu       sync.Mutex
	events   []string
	next     int
	startErr error
	stopErr  error
	onStop   func(mon int)
}

func (b *recordingBackend) Start(site CallSite) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, "start:"+site.String())
	if b.startErr != nil {
		return 0, b.startErr
	}
	b.next++
	return b.next, nil
}

func (b *recordingBackend) Stop(mon int) error {
	if b.onStop != nil {
		b.onStop(mon)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, "stop")
	return b.stopErr
}

func (b *recordingBackend) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

// trackingBackend also implements ExceptionTracker.
type trackingBackend struct {
	recordingBackend
	tracked []error
	err     error
}

func (b *trackingBackend) TrackException(_ CallSite, err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, "track")
	b.tracked = append(b.tracked, err)
	return b.err
}

func newTestMon[T any](t *testing.T, backend Backend[T], opts ...Option) *OpenMon[T] {
	t.Helper()
	cache, err := NewExceptionCache(16, time.Minute)
	require.NoError(t, err)
	mon, err := New(backend, cache, opts...)
	require.NoError(t, err)
	return mon
}

var testSite = CallSite{Kind: "call", Signature: "svc.Get"}

func TestNew(t *testing.T) {
	_, err := New[int](nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	mon, err := New[int](&recordingBackend{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultCapacity, mon.Cache().Capacity())
	assert.Equal(t, DefaultTTL, mon.Cache().TTL())
	assert.Nil(t, mon.tracker)

	tb := &trackingBackend{}
	mon2, err := New[int](tb, nil)
	require.NoError(t, err)
	assert.Same(t, tb, mon2.tracker)
}

func TestStartStopDelegate(t *testing.T) {
	backend := &recordingBackend{}
	mon := newTestMon[int](t, backend)

	ctx, err := mon.Start(testSite)
	require.NoError(t, err)
	assert.Equal(t, 1, ctx)

	require.NoError(t, mon.Stop(ctx))
	assert.Equal(t, []string{"start:svc.Get", "stop"}, backend.Events())
	assert.Zero(t, mon.Cache().Len())
}

func TestBackendErrorsPropagate(t *testing.T) {
	startErr := errors.New("start failed")
	stopErr := errors.New("stop failed")
	backend := &recordingBackend{startErr: startErr, stopErr: stopErr}
	mon := newTestMon[int](t, backend)

	_, err := mon.Start(testSite)
	assert.ErrorIs(t, err, startErr)
	assert.ErrorIs(t, mon.Stop(0), stopErr)
}

func TestExceptionRecordsBeforeTracking(t *testing.T) {
	boom := errors.New("boom")
	var mon *OpenMon[int]
	var seen []bool

	tracker := TrackerFunc(func(site CallSite, err error) error {
		seen = append(seen, cached(t, mon.Cache(), err))
		return nil
	})
	mon = newTestMon[int](t, &recordingBackend{}, WithTracker(tracker))

	require.NoError(t, mon.Exception(testSite, boom))
	require.NoError(t, mon.Exception(testSite, boom))

	assert.Equal(t, []bool{true, true}, seen)
	assert.Equal(t, 1, mon.Cache().Len())
}

func TestExceptionConcurrentTrackerSeesCache(t *testing.T) {
	boom := errors.New("boom")
	var mon *OpenMon[int]
	var calls, misses atomic.Int64

	tracker := TrackerFunc(func(_ CallSite, err error) error {
		calls.Add(1)
		if ok, cerr := mon.Cache().Contains(err); cerr != nil || !ok {
			misses.Add(1)
		}
		return nil
	})
	mon = newTestMon[int](t, &recordingBackend{}, WithTracker(tracker))

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error { return mon.Exception(testSite, boom) })
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(32), calls.Load())
	assert.Zero(t, misses.Load())
	assert.Equal(t, 1, mon.Cache().Len())
}

func TestExceptionUsesBackendTracker(t *testing.T) {
	backend := &trackingBackend{}
	mon := newTestMon[int](t, backend)
	boom := errors.New("boom")

	require.NoError(t, mon.Exception(testSite, boom))
	assert.Equal(t, []error{boom}, backend.tracked)
	assert.Equal(t, []string{"track"}, backend.Events())
}

func TestExceptionWithoutTracker(t *testing.T) {
	mon := newTestMon[int](t, &recordingBackend{})
	boom := errors.New("boom")

	require.NoError(t, mon.Exception(testSite, boom))
	assert.True(t, cached(t, mon.Cache(), boom))
}

func TestExceptionNil(t *testing.T) {
	backend := &trackingBackend{}
	mon := newTestMon[int](t, backend)

	assert.ErrorIs(t, mon.Exception(testSite, nil), ErrNilError)
	assert.Empty(t, backend.tracked, "tracker is not called for a rejected error")
}

func TestExceptionTrackerErrorPropagates(t *testing.T) {
	trackErr := errors.New("tracker down")
	backend := &trackingBackend{err: trackErr}
	mon := newTestMon[int](t, backend)
	boom := errors.New("boom")

	assert.ErrorIs(t, mon.Exception(testSite, boom), trackErr)
	assert.True(t, cached(t, mon.Cache(), boom), "cache is updated before the tracker runs")
}

func TestStopWithErrorStopsFirst(t *testing.T) {
	boom := errors.New("boom")
	backend := &recordingBackend{}
	mon := newTestMon[int](t, backend)

	var cachedAtStop bool
	backend.onStop = func(int) { cachedAtStop = cached(t, mon.Cache(), boom) }

	ctx, err := mon.Start(testSite)
	require.NoError(t, err)
	require.NoError(t, mon.StopWithError(ctx, boom))

	assert.False(t, cachedAtStop)
	assert.True(t, cached(t, mon.Cache(), boom))
	assert.Equal(t, []string{"start:svc.Get", "stop"}, backend.Events())
}

func TestStopWithErrorStopFailure(t *testing.T) {
	stopErr := errors.New("stop failed")
	mon := newTestMon[int](t, &recordingBackend{stopErr: stopErr})
	boom := errors.New("boom")

	assert.ErrorIs(t, mon.StopWithError(1, boom), stopErr)
	assert.False(t, cached(t, mon.Cache(), boom))
}

func TestStopWithErrorNil(t *testing.T) {
	backend := &recordingBackend{}
	mon := newTestMon[int](t, backend)

	assert.ErrorIs(t, mon.StopWithError(1, nil), ErrNilError)
	assert.Equal(t, []string{"stop"}, backend.Events())
}

func TestLookup(t *testing.T) {
	mon := newTestMon[int](t, &recordingBackend{})
	boom := errors.New("boom")

	_, ok, err := mon.Lookup(boom)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mon.Exception(testSite, boom))
	ent, ok, err := mon.Lookup(boom)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, boom, ent.Err)

	_, _, err = mon.Lookup(nil)
	assert.ErrorIs(t, err, ErrNilError)
}

func TestTrackSuccess(t *testing.T) {
	backend := &trackingBackend{}
	mon := newTestMon[int](t, backend)

	err := mon.Track(testSite, func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"start:svc.Get", "stop"}, backend.Events())
	assert.Zero(t, mon.Cache().Len())
}

func TestTrackError(t *testing.T) {
	backend := &trackingBackend{}
	mon := newTestMon[int](t, backend)
	boom := errors.New("boom")

	var cachedAtStop bool
	backend.onStop = func(int) { cachedAtStop = cached(t, mon.Cache(), boom) }

	err := mon.Track(testSite, func() error { return boom })
	assert.Same(t, boom, err)
	assert.Equal(t, []string{"start:svc.Get", "stop", "track"}, backend.Events())
	assert.False(t, cachedAtStop, "timing stops before the error is recorded")
	assert.True(t, cached(t, mon.Cache(), boom))

	stats := mon.Cache().Stats().Snapshot()
	assert.Equal(t, int64(1), stats.Inserts)
	assert.Zero(t, stats.Hits, "recorded once per failure")
}

func TestTrackStopFailureStillRecords(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	backend := &trackingBackend{recordingBackend: recordingBackend{stopErr: errors.New("stop failed")}}
	mon := newTestMon[int](t, backend, WithLogger(zap.New(core)))
	boom := errors.New("boom")

	err := mon.Track(testSite, func() error { return boom })
	assert.Same(t, boom, err)
	assert.Equal(t, []string{"start:svc.Get", "stop", "track"}, backend.Events())
	assert.True(t, cached(t, mon.Cache(), boom))
	assert.Equal(t, 1, logs.FilterMessage("monitor stop failed").Len())
}

func TestTrackPanic(t *testing.T) {
	backend := &trackingBackend{}
	mon := newTestMon[int](t, backend)

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = mon.Track(testSite, func() error { panic("kaboom") })
	})

	require.Len(t, backend.tracked, 1)
	var pe *PanicError
	require.ErrorAs(t, backend.tracked[0], &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.Equal(t, 1, mon.Cache().Len())
	assert.Equal(t, []string{"start:svc.Get", "stop", "track"}, backend.Events())
}

func TestTrackMonitoringFailuresAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	backend := &trackingBackend{err: errors.New("tracker down")}
	mon := newTestMon[int](t, backend, WithLogger(zap.New(core)))
	boom := errors.New("boom")

	err := mon.Track(testSite, func() error { return boom })
	assert.Same(t, boom, err, "monitoring failures never replace the call result")
	assert.Equal(t, 1, logs.FilterMessage("exception tracking failed").Len())

	backend.startErr = errors.New("start failed")
	ran := false
	err = mon.Track(testSite, func() error { ran = true; return nil })
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, logs.FilterMessage("monitor start failed").Len())
}
