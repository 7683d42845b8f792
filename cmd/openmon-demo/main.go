package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nikiz24/openmon"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var errUpstream = errors.New("upstream unavailable")

func main() {
	level, err := zapcore.ParseLevel(getEnv("OPENMON_LOG_LEVEL", "info"))
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	config := openmon.DefaultConfig()
	config.ServiceName = "openmon-demo"
	config.Logger = logger
	config.CacheCapacity = getEnvInt(logger, "OPENMON_CACHE_CAPACITY", config.CacheCapacity)
	config.CacheTTL = getEnvDuration(logger, "OPENMON_CACHE_TTL", config.CacheTTL)
	config.SweepInterval = config.CacheTTL
	config.RemoteWriteURL = getEnv("OPENMON_REMOTE_WRITE_URL", "")
	if addr := getEnv("OPENMON_METRICS_ADDR", ":9100"); addr != "" {
		config.PrometheusEnabled = true
		config.MetricsAddr = addr
	}

	if err := openmon.Init(config); err != nil {
		logger.Fatal("failed to initialize monitor", zap.Error(err))
	}
	defer openmon.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down", zap.Any("status", openmon.Status()))
			return
		case <-ticker.C:
			_ = openmon.Track(openmon.CallSite{Kind: "call", Signature: "demo.fetch"}, fetch)
		}
	}
}

// fetch fails about a third of the time, reusing errUpstream so repeated
// sightings hit the dedup cache.
func fetch() error {
	time.Sleep(time.Duration(rand.IntN(20)) * time.Millisecond)
	switch rand.IntN(6) {
	case 0:
		return errUpstream
	case 1:
		return &fs.PathError{Op: "open", Path: "/tmp/demo", Err: fs.ErrNotExist}
	default:
		return nil
	}
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(logger *zap.Logger, key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(defaultValue)))
	if err != nil {
		logger.Warn("invalid environment value, using default",
			zap.String("key", key), zap.Int("default", defaultValue), zap.Error(err))
		return defaultValue
	}
	return v
}

func getEnvDuration(logger *zap.Logger, key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, defaultValue.String()))
	if err != nil {
		logger.Warn("invalid environment value, using default",
			zap.String("key", key), zap.Duration("default", defaultValue), zap.Error(err))
		return defaultValue
	}
	return d
}
