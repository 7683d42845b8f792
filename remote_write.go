package openmon

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/eryajf/promwrite"
	"github.com/jellydator/ttlcache/v3"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// RemoteWriter periodically pushes the metrics of its registered collectors
// to a Prometheus remote write endpoint. When DNS refresh is enabled it also
// re-resolves the endpoint host and rebuilds the client when the address set
// changes.
type RemoteWriter struct {
	config     Config
	logger     *zap.Logger
	collectors []Collector
	collMu     sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	clientMu    sync.Mutex
	client      *promwrite.Client
	targetHost  string
	resolvedIPs []string
	lastResolve time.Time

	dnsCfg       dnsConfig
	dnsCache     *ttlcache.Cache[string, []string]
	dnsCacheRuns bool
}

type dnsConfig struct {
	enabled         bool
	refreshInterval time.Duration
	timeout         time.Duration
	udpServers      []string
	tlsServers      []string
	dohEndpoints    []string
}

// NewRemoteWriter creates a writer for config.RemoteWriteURL.
func NewRemoteWriter(config Config) (*RemoteWriter, error) {
	if config.RemoteWriteURL == "" {
		return nil, fmt.Errorf("%w: remote write url cannot be empty", ErrInvalidConfig)
	}
	if config.ServiceName == "" {
		return nil, fmt.Errorf("%w: service name cannot be empty", ErrInvalidConfig)
	}
	u, err := url.Parse(config.RemoteWriteURL)
	if err != nil {
		return nil, fmt.Errorf("parse remote write url: %w", err)
	}

	if config.InstanceIP == "" {
		ip, err := GetOutboundIPv4()
		if err != nil {
			host, herr := os.Hostname()
			if herr != nil {
				return nil, fmt.Errorf("failed to get outbound IPv4: %w", err)
			}
			ip = host
		}
		config.InstanceIP = ip
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteWriter{
		config:     config,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		client:     promwrite.NewClient(config.RemoteWriteURL),
		targetHost: u.Hostname(),
		dnsCfg: dnsConfig{
			enabled:         config.DNSEnable,
			refreshInterval: pickDuration(config.DNSRefreshInterval, 5*time.Minute),
			timeout:         pickDuration(config.DNSTimeout, 800*time.Millisecond),
			udpServers:      slices.Clone(config.DNSUDPServers),
			tlsServers:      slices.Clone(config.DNSTLSServers),
			dohEndpoints:    slices.Clone(config.DNSDoHEndpoints),
		},
		dnsCache: ttlcache.New(
			ttlcache.WithTTL[string, []string](pickDuration(config.DNSCacheTTL, 10*time.Minute)),
			ttlcache.WithDisableTouchOnHit[string, []string](),
		),
	}, nil
}

// Register adds a collector whose metrics are included in every write.
func (w *RemoteWriter) Register(c Collector) {
	w.collMu.Lock()
	w.collectors = append(w.collectors, c)
	w.collMu.Unlock()

	w.logger.Debug("registered metrics collector", zap.String("collector", c.Name()))
}

// Gather returns the current metrics of every registered collector.
func (w *RemoteWriter) Gather() []Metric {
	w.collMu.RLock()
	defer w.collMu.RUnlock()

	var metrics []Metric
	for _, c := range w.collectors {
		metrics = append(metrics, c.Collect()...)
	}
	return metrics
}

// Start launches the periodic write loop and, when enabled, the DNS refresh
// loop. Stop ends both.
func (w *RemoteWriter) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(pickDuration(w.config.RemoteWriteInterval, 15*time.Second))
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := w.Flush(); err != nil {
					w.logger.Error("failed to write metrics", zap.Error(err))
				}
			case <-w.ctx.Done():
				return
			}
		}
	}()

	if w.dnsCfg.enabled && w.targetHost != "" && net.ParseIP(w.targetHost) == nil {
		w.dnsCacheRuns = true
		go w.dnsCache.Start()

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			ticker := time.NewTicker(w.dnsCfg.refreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					w.RefreshDNS(false)
				case <-w.ctx.Done():
					return
				}
			}
		}()
	}
}

// Stop ends the background loops and waits for them to return.
func (w *RemoteWriter) Stop() {
	w.cancel()
	w.wg.Wait()
	if w.dnsCacheRuns {
		w.dnsCache.Stop()
		w.dnsCacheRuns = false
	}
}

// Flush writes all current metrics to the remote endpoint now. On failure it
// forces a DNS refresh and retries once if the client was rebuilt.
func (w *RemoteWriter) Flush() error {
	metrics := w.Gather()
	if len(metrics) == 0 {
		return nil
	}

	req := &promwrite.WriteRequest{TimeSeries: w.convertToTimeSeries(metrics)}

	ctx, cancel := context.WithTimeout(w.ctx, 15*time.Second)
	defer cancel()

	if _, err := w.currentClient().Write(ctx, req); err != nil {
		if w.RefreshDNS(true) {
			if _, retryErr := w.currentClient().Write(ctx, req); retryErr != nil {
				return fmt.Errorf("writing time series failed after dns refresh: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("writing time series failed: %w", err)
	}
	return nil
}

func (w *RemoteWriter) currentClient() *promwrite.Client {
	w.clientMu.Lock()
	defer w.clientMu.Unlock()
	return w.client
}

// RefreshDNS resolves the target host and rebuilds the client when the
// address set changed (or always, when force is set). It reports whether the
// client was rebuilt.
func (w *RemoteWriter) RefreshDNS(force bool) bool {
	if w.targetHost == "" || net.ParseIP(w.targetHost) != nil {
		return false
	}

	w.clientMu.Lock()
	defer w.clientMu.Unlock()

	if !force && time.Since(w.lastResolve) < time.Minute {
		return false
	}

	if !force {
		if item := w.dnsCache.Get(w.targetHost); item != nil {
			w.lastResolve = time.Now()
			return w.applyIPs(item.Value(), false)
		}
	}

	var (
		ips []string
		err error
	)
	if w.dnsCfg.enabled {
		ips, err = w.resolveFastest(w.targetHost)
	} else {
		ips, err = net.DefaultResolver.LookupHost(w.ctx, w.targetHost)
	}
	w.lastResolve = time.Now()

	if err != nil || len(ips) == 0 {
		w.logger.Warn("dns lookup failed", zap.String("host", w.targetHost), zap.Error(err))
		return false
	}
	if w.dnsCfg.enabled {
		w.dnsCache.Set(w.targetHost, ips, ttlcache.DefaultTTL)
	}
	return w.applyIPs(ips, force)
}

// applyIPs must be called with clientMu held.
func (w *RemoteWriter) applyIPs(ips []string, force bool) bool {
	if !force && slices.Equal(ips, w.resolvedIPs) {
		return false
	}
	w.resolvedIPs = ips
	w.client = promwrite.NewClient(w.config.RemoteWriteURL)
	w.logger.Info("refreshed remote write client after dns update",
		zap.String("host", w.targetHost), zap.Strings("ips", ips))
	return true
}

// resolveFastest queries all configured resolvers concurrently and returns
// the first successful answer.
func (w *RemoteWriter) resolveFastest(host string) ([]string, error) {
	ctx, cancel := context.WithTimeout(w.ctx, w.dnsCfg.timeout)
	defer cancel()

	type result struct {
		ips []string
		err error
	}

	var lookups []func() ([]string, error)
	for _, srv := range w.dnsCfg.udpServers {
		lookups = append(lookups, func() ([]string, error) { return exchangeDNS(ctx, host, srv, "udp") })
	}
	for _, srv := range w.dnsCfg.tlsServers {
		lookups = append(lookups, func() ([]string, error) { return exchangeDNS(ctx, host, srv, "tcp-tls") })
	}
	for _, ep := range w.dnsCfg.dohEndpoints {
		lookups = append(lookups, func() ([]string, error) { return resolveDoH(ctx, host, ep) })
	}
	lookups = append(lookups, func() ([]string, error) {
		return net.DefaultResolver.LookupHost(ctx, host)
	})

	ch := make(chan result, len(lookups))
	for _, lookup := range lookups {
		go func() {
			ips, err := lookup()
			ch <- result{ips, err}
		}()
	}

	var firstErr error
	for range lookups {
		select {
		case r := <-ch:
			if r.err == nil && len(r.ips) > 0 {
				return r.ips, nil
			}
			if firstErr == nil {
				firstErr = r.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no dns result for %s", host)
	}
	return nil, firstErr
}

func exchangeDNS(ctx context.Context, host, server, network string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	c := &dns.Client{Net: network, Timeout: 800 * time.Millisecond}
	r, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("%s dns via %s: %w", network, server, err)
	}
	return answerIPs(r)
}

func resolveDoH(ctx context.Context, host, endpoint string) ([]string, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(host), dns.TypeA)
	payload, err := q.Pack()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var r dns.Msg
	if err := r.Unpack(body); err != nil {
		return nil, err
	}
	return answerIPs(&r)
}

func answerIPs(r *dns.Msg) ([]string, error) {
	if r == nil || r.Rcode != dns.RcodeSuccess {
		rcode := -1
		if r != nil {
			rcode = r.Rcode
		}
		return nil, fmt.Errorf("dns rcode: %d", rcode)
	}
	ips := make([]string, 0, len(r.Answer))
	for _, ans := range r.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips, nil
}

// convertToTimeSeries converts generic metrics to promwrite time series format
func (w *RemoteWriter) convertToTimeSeries(metrics []Metric) []promwrite.TimeSeries {
	prefix := w.config.Namespace
	if w.config.Subsystem != "" {
		prefix += "_" + w.config.Subsystem
	}

	result := make([]promwrite.TimeSeries, 0, len(metrics))
	for _, metric := range metrics {
		labels := make([]promwrite.Label, 0, 4+len(w.config.CustomLabels)+len(metric.Labels))
		labels = append(labels,
			promwrite.Label{Name: "__name__", Value: prefix + "_" + metric.Name},
			promwrite.Label{Name: "instance", Value: w.config.InstanceIP},
			promwrite.Label{Name: "service", Value: w.config.ServiceName},
		)
		if w.config.Version != "" {
			labels = append(labels, promwrite.Label{Name: "version", Value: w.config.Version})
		}
		for k, v := range w.config.CustomLabels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}
		for k, v := range metric.Labels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}

		result = append(result, promwrite.TimeSeries{
			Labels: labels,
			Sample: promwrite.Sample{
				Time:  metric.Timestamp,
				Value: metric.Value,
			},
		})
	}
	return result
}

// GetOutboundIPv4 gets the outbound IPv4 address of the local machine
func GetOutboundIPv4() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}
