package openmon

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Config defines the configuration for the monitor system
type Config struct {
	// Service identification
	Namespace   string
	Subsystem   string
	ServiceName string

	// Exception dedup cache
	CacheCapacity int
	CacheTTL      time.Duration
	SweepInterval time.Duration // 0 disables the background sweep
	KeyPolicy     KeyPolicy

	// Optional logger; when set, calls and exceptions are also logged
	Logger *zap.Logger

	// Prometheus backend
	PrometheusEnabled bool
	Registerer        prometheus.Registerer // nil means a private registry
	Gatherer          prometheus.Gatherer   // used by the metrics server
	MetricsAddr       string                // e.g. ":9100"; empty disables the server

	// Remote write configuration
	RemoteWriteURL      string
	RemoteWriteInterval time.Duration

	// Instance information
	InstanceIP   string
	Version      string
	CustomLabels map[string]string

	// DNS resolver options for the remote write target
	DNSEnable          bool
	DNSCacheTTL        time.Duration
	DNSRefreshInterval time.Duration
	DNSTimeout         time.Duration
	DNSUDPServers      []string // e.g. ["1.1.1.1:53", "8.8.8.8:53"]
	DNSTLSServers      []string // e.g. ["1.1.1.1:853", "9.9.9.9:853"]
	DNSDoHEndpoints    []string // e.g. ["https://cloudflare-dns.com/dns-query"]
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Namespace:           "openmon",
		Subsystem:           "app",
		ServiceName:         "service",
		CacheCapacity:       DefaultCapacity,
		CacheTTL:            DefaultTTL,
		KeyPolicy:           KeyByIdentity,
		RemoteWriteInterval: 15 * time.Second,
		CustomLabels:        make(map[string]string),
	}
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("%w: cache capacity must be positive", ErrInvalidConfig)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("%w: cache ttl must be positive", ErrInvalidConfig)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("%w: sweep interval cannot be negative", ErrInvalidConfig)
	}
	if c.RemoteWriteURL != "" && c.ServiceName == "" {
		return fmt.Errorf("%w: service name cannot be empty", ErrInvalidConfig)
	}
	if c.MetricsAddr != "" && !c.PrometheusEnabled {
		return fmt.Errorf("%w: metrics address set without prometheus enabled", ErrInvalidConfig)
	}
	return nil
}

func pickDuration(v time.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
