// Package openmon is the exception-deduplication layer of a monitoring facade.
//
// An instrumentation layer reports the lifecycle of every monitored call
// (Start, Stop, StopWithError) and every error it observes (Exception).
// openmon remembers recently seen errors in a bounded, expiring
// ExceptionCache, derives labels for them, and hands the observation to a
// pluggable Backend.
//
// Design goals:
//   - One shared cache, safe for any number of concurrent call sites
//   - Bounded memory: LRU eviction at capacity plus an absolute per-entry TTL
//   - The cache is updated before any backend tracks an error
//   - Backends are composed, not inherited (see Multi)
//
// Basic usage:
//
//	cache, err := openmon.NewExceptionCache(100, time.Minute)
//	if err != nil {
//	  log.Fatal(err)
//	}
//	mon, err := openmon.New[openmon.Span](openmon.NewLogBackend(logger), cache)
//	if err != nil {
//	  log.Fatal(err)
//	}
//
//	err = mon.Track(openmon.Caller(0), func() error {
//	  return store.Load(ctx, id)
//	})
//
// Global usage, mirroring the metrics SDK style:
//
//	config := openmon.DefaultConfig()
//	config.PrometheusEnabled = true
//	config.MetricsAddr = ":9100"
//	config.RemoteWriteURL = "http://prometheus:9090/api/v1/write"
//
//	if err := openmon.Init(config); err != nil {
//	  log.Fatal(err)
//	}
//	defer openmon.Shutdown()
//
//	openmon.Exception(openmon.Caller(0), err)
//
// Error identity is explicit: KeyByIdentity (the default) treats two
// separately constructed errors as different entries even when their text
// matches, while KeyByValue merges them.
package openmon
