package checker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stealth-dispatcher/internal/config"
	"github.com/stealth-dispatcher/internal/metrics"
	"github.com/stealth-dispatcher/internal/proxypool"
	log "github.com/sirupsen/logrus"
)

const (
	ModeConnectOnly = "connect-only"
	ModeFullHTTP    = "full-http"
)

// Checker probes proxies. It satisfies proxypool.Prober.
type Checker struct {
	mode    string
	testURL string
	timeout time.Duration
	metrics *metrics.Collector
}

type CheckResult struct {
	Proxy     string `json:"proxy"`
	Alive     bool   `json:"alive"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

func NewChecker(cfg config.ProxyConfig, metricsCollector *metrics.Collector) *Checker {
	return &Checker{
		mode:    cfg.ProbeMode,
		testURL: cfg.ProbeURL,
		timeout: cfg.ProbeTimeout(),
		metrics: metricsCollector,
	}
}

// Probe checks one proxy once, bounded by the checker timeout and ctx
func (c *Checker) Probe(ctx context.Context, addr proxypool.Address) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	startTime := time.Now()
	var err error
	switch {
	case c.mode == ModeConnectOnly:
		err = c.checkConnectOnly(ctx, addr)
	case addr.Scheme == "socks5":
		err = c.checkSOCKS5(ctx, addr)
	default:
		err = c.checkFullHTTP(ctx, addr)
	}

	c.metrics.RecordProbe(err == nil, time.Since(startTime).Seconds())
	return err
}

// ProbeAll checks every address once with bounded concurrency. Results keep input order.
func (c *Checker) ProbeAll(ctx context.Context, addrs []proxypool.Address, concurrency int) []CheckResult {
	total := len(addrs)
	if concurrency <= 0 {
		concurrency = 1
	}
	log.Infof("Starting proxy check: %d proxies, concurrency=%d, mode=%s", total, concurrency, c.mode)

	startTime := time.Now()
	results := make([]CheckResult, total)

	// Semaphore for concurrency control
	sem := make(chan struct{}, concurrency)

	var completed atomic.Int64
	progressTicker := time.NewTicker(5 * time.Second)
	defer progressTicker.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-progressTicker.C:
				current := completed.Load()
				log.Infof("Progress: %d/%d (%.1f%%), goroutines=%d",
					current, total, float64(current)/float64(total)*100.0, runtime.NumGoroutine())
			}
		}
	}()

	var wg sync.WaitGroup
	for i, addr := range addrs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			for j := i; j < total; j++ {
				results[j] = CheckResult{Proxy: addrs[j].Redacted(), Error: ctx.Err().Error()}
			}
			wg.Wait()
			return results
		}
		wg.Add(1)

		go func(i int, addr proxypool.Address) {
			defer wg.Done()
			defer func() { <-sem }()

			probeStart := time.Now()
			err := c.Probe(ctx, addr)
			result := CheckResult{Proxy: addr.Redacted(), Alive: err == nil}
			if err != nil {
				result.Error = err.Error()
			} else {
				result.LatencyMs = time.Since(probeStart).Milliseconds()
			}
			results[i] = result
			completed.Add(1)
		}(i, addr)
	}

	wg.Wait()

	duration := time.Since(startTime)
	log.Infof("Check complete: %d proxies in %v (%.0f checks/sec)",
		total, duration, float64(total)/duration.Seconds())

	return results
}

func (c *Checker) checkConnectOnly(ctx context.Context, addr proxypool.Address) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.HostPort())
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return conn.Close()
}

func (c *Checker) checkFullHTTP(ctx context.Context, addr proxypool.Address) error {
	// One transport per probe so concurrent probes never share a proxy setting
	transport := &http.Transport{
		Proxy: http.ProxyURL(addr.URL()),
		DialContext: (&net.Dialer{
			Timeout: c.timeout,
		}).DialContext,
		ForceAttemptHTTP2:   false,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: c.timeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, // Required for proxy checking
		},
	}
	defer transport.CloseIdleConnections()

	return c.get(ctx, transport)
}

func (c *Checker) get(ctx context.Context, transport *http.Transport) error {
	client := &http.Client{
		Transport: transport,
		Timeout:   c.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse // Don't follow redirects
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.testURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	// Consider 2xx and 3xx as success
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return nil
	}
	return fmt.Errorf("HTTP %d", resp.StatusCode)
}
