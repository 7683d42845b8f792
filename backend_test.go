package openmon

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNoopBackend(t *testing.T) {
	span, err := NoopBackend{}.Start(testSite)
	require.NoError(t, err)
	assert.Equal(t, testSite, span.Site)
	assert.False(t, span.Started.IsZero())
	assert.NoError(t, NoopBackend{}.Stop(span))
}

func TestLogBackend(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	clock := newMockClock()
	b := NewLogBackend(zap.New(core))
	b.clock = clock

	span, err := b.Start(testSite)
	require.NoError(t, err)
	clock.Advance(250 * time.Millisecond)
	require.NoError(t, b.Stop(span))

	completed := logs.FilterMessage("call completed").All()
	require.Len(t, completed, 1)
	assert.Equal(t, zapcore.DebugLevel, completed[0].Level)
	assert.Equal(t, 250*time.Millisecond, completed[0].ContextMap()["duration"])
	assert.Equal(t, "svc.Get", completed[0].ContextMap()["site"])

	site := CallSite{Kind: "call", Signature: "svc.Put", Source: "svc.go:10"}
	require.NoError(t, b.TrackException(site, errors.New("boom")))

	tracked := logs.FilterMessage("exception tracked").All()
	require.Len(t, tracked, 1)
	assert.Equal(t, zapcore.WarnLevel, tracked[0].Level)
	fields := tracked[0].ContextMap()
	assert.Equal(t, []interface{}{"*errors.errorString", ExceptionLabel}, fields["labels"])
	assert.Equal(t, "svc.go:10", fields["source"])
	assert.Equal(t, "boom", fields["error"])

	assert.ErrorIs(t, b.TrackException(site, nil), ErrNilError)
}

func TestLogBackendNilLogger(t *testing.T) {
	b := NewLogBackend(nil)
	span, err := b.Start(testSite)
	require.NoError(t, err)
	assert.NoError(t, b.Stop(span))
	assert.NoError(t, b.TrackException(testSite, errors.New("boom")))
}

func TestPromBackend(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := NewPromBackend("test", reg)

	span, err := b.Start(testSite)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(b.CallsActive.WithLabelValues("svc.Get")))

	require.NoError(t, b.Stop(span))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CallsActive.WithLabelValues("svc.Get")))
	assert.Equal(t, 1, testutil.CollectAndCount(b.CallDuration))

	require.NoError(t, b.TrackException(testSite, errors.New("a")))
	require.NoError(t, b.TrackException(testSite, timeoutError{}))
	assert.Equal(t, 2.0, testutil.ToFloat64(b.Exceptions.WithLabelValues(ExceptionLabel)))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.Exceptions.WithLabelValues("*errors.errorString")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.Exceptions.WithLabelValues("openmon.timeoutError")))

	assert.ErrorIs(t, b.TrackException(testSite, nil), ErrNilError)
}

func gatherValue(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		m := mf.GetMetric()[0]
		if m.GetGauge() != nil {
			return m.GetGauge().GetValue()
		}
		return m.GetCounter().GetValue()
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestRegisterCacheMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	cache, err := NewExceptionCache(1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, RegisterCacheMetrics("test", reg, cache))

	boom := errors.New("boom")
	_, _ = cache.Record(boom)
	_, _ = cache.Record(boom)
	_, _ = cache.Record(errors.New("other"))

	assert.Equal(t, 1.0, gatherValue(t, reg, "test_exception_cache_entries"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "test_exception_cache_hits_total"))
	assert.Equal(t, 2.0, gatherValue(t, reg, "test_exception_cache_misses_total"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "test_exception_cache_evictions_total"))
	assert.Equal(t, 0.0, gatherValue(t, reg, "test_exception_cache_expirations_total"))

	assert.Error(t, RegisterCacheMetrics("test", reg, cache), "duplicate registration")
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := NewPromBackend("test", reg)
	_, err := b.Start(testSite)
	require.NoError(t, err)

	srv := httptest.NewServer(NewMetricsServer(":0", reg, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `test_calls_active{site="svc.Get"} 1`)
}

func TestMulti(t *testing.T) {
	plain := &recordingBackend{}
	tracking := &trackingBackend{}
	m := Multi[int]{plain, tracking}

	mons, err := m.Start(testSite)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, mons)

	require.NoError(t, m.Stop(mons))
	require.NoError(t, m.TrackException(testSite, errors.New("boom")))

	assert.Equal(t, []string{"start:svc.Get", "stop"}, plain.Events())
	assert.Equal(t, []string{"start:svc.Get", "stop", "track"}, tracking.Events())
}

func TestMultiCombinesErrors(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	a := &recordingBackend{stopErr: errA}
	b := &trackingBackend{recordingBackend: recordingBackend{stopErr: errB}}
	m := Multi[int]{a, b}

	err := m.Stop([]int{1, 1})
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, []string{"stop"}, b.Events(), "later backends still stop")
}

func TestMultiStartFailureStopsStarted(t *testing.T) {
	startErr := errors.New("start failed")
	a := &recordingBackend{}
	b := &recordingBackend{startErr: startErr}
	c := &recordingBackend{}
	m := Multi[int]{a, b, c}

	mons, err := m.Start(testSite)
	assert.ErrorIs(t, err, startErr)
	assert.Nil(t, mons)
	assert.Equal(t, []string{"start:svc.Get", "stop"}, a.Events())
	assert.Equal(t, []string{"start:svc.Get"}, b.Events())
	assert.Equal(t, []string{"start:svc.Get", "stop"}, c.Events())
}

func TestTrackStartFailureLeavesNothingActive(t *testing.T) {
	reg := prometheus.NewRegistry()
	prom := NewPromBackend("test", reg)
	failing := &failingSpanBackend{err: errors.New("start failed")}
	mon := newTestMon[[]Span](t, Multi[Span]{prom, failing})

	ran := false
	require.NoError(t, mon.Track(testSite, func() error { ran = true; return nil }))
	assert.True(t, ran)
	assert.Zero(t, testutil.ToFloat64(prom.CallsActive.WithLabelValues(testSite.String())))
}

func TestMultiThroughOpenMon(t *testing.T) {
	reg := prometheus.NewRegistry()
	core, logs := observer.New(zapcore.DebugLevel)
	prom := NewPromBackend("test", reg)
	mon := newTestMon[[]Span](t, Multi[Span]{NewLogBackend(zap.New(core)), prom})

	boom := errors.New("boom")
	err := mon.Track(testSite, func() error { return boom })
	assert.Same(t, boom, err)

	assert.Equal(t, 1, logs.FilterMessage("exception tracked").Len())
	assert.Equal(t, 1, logs.FilterMessage("call completed").Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.Exceptions.WithLabelValues(ExceptionLabel)))
	assert.True(t, cached(t, mon.Cache(), boom))
}

// failingSpanBackend fails every Start.
type failingSpanBackend struct {
	err error
}

func (b *failingSpanBackend) Start(CallSite) (Span, error) {
	return Span{}, b.err
}

func (b *failingSpanBackend) Stop(Span) error {
	return nil
}
