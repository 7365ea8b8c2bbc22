package aggregator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/stealth-dispatcher/internal/config"
	"github.com/stealth-dispatcher/internal/metrics"
	"github.com/stealth-dispatcher/internal/proxypool"
	log "github.com/sirupsen/logrus"
)

// Aggregator assembles the ordered proxy list from inline entries, files and HTTP sources
type Aggregator struct {
	config  config.ProxyConfig
	metrics *metrics.Collector
	client  *http.Client
}

type SourceStats struct {
	Source       string `json:"source"`
	ProxiesFound int    `json:"proxies_found"`
	Error        string `json:"error,omitempty"`
}

type sourceResult struct {
	addrs []proxypool.Address
	stat  SourceStats
	err   error
}

func NewAggregator(cfg config.ProxyConfig, metricsCollector *metrics.Collector) *Aggregator {
	return &Aggregator{
		config:  cfg,
		metrics: metricsCollector,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Aggregate loads every configured list. A malformed entry anywhere fails the
// load; an unreachable HTTP source is logged and skipped. Entries repeated
// across lists keep their first position.
func (a *Aggregator) Aggregate(ctx context.Context) ([]proxypool.Address, map[string]SourceStats, error) {
	results := make([]sourceResult, 0, 1+len(a.config.ProxyFiles)+len(a.config.ProxySources))

	if len(a.config.Proxies) > 0 {
		addrs, err := proxypool.LoadAddresses(a.config.Proxies)
		if err != nil {
			return nil, nil, fmt.Errorf("inline proxies: %w", err)
		}
		results = append(results, sourceResult{addrs: addrs, stat: SourceStats{Source: "inline", ProxiesFound: len(addrs)}})
	}

	for _, path := range a.config.ProxyFiles {
		addrs, err := loadFile(path)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, sourceResult{addrs: addrs, stat: SourceStats{Source: path, ProxiesFound: len(addrs)}})
	}

	fetched := a.fetchSources(ctx)
	for _, r := range fetched {
		if _, malformed := r.err.(*sourceError); malformed {
			return nil, nil, r.err
		}
	}
	results = append(results, fetched...)

	stats := make(map[string]SourceStats, len(results))
	all := make([]proxypool.Address, 0)
	seen := make(map[string]bool)
	total := 0
	for _, r := range results {
		stats[r.stat.Source] = r.stat
		a.metrics.RecordProxiesLoaded(r.stat.Source, r.stat.ProxiesFound)
		total += len(r.addrs)
		for _, addr := range r.addrs {
			key := addr.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			all = append(all, addr)
		}
	}

	if len(all) == 0 {
		return nil, stats, fmt.Errorf("no proxies configured")
	}

	log.Infof("Deduplicated: %d -> %d unique proxies", total, len(all))
	return all, stats, nil
}

// sourceError marks a source whose content was malformed rather than unreachable
type sourceError struct {
	source string
	err    error
}

func (e *sourceError) Error() string { return fmt.Sprintf("proxy source %s: %v", e.source, e.err) }
func (e *sourceError) Unwrap() error { return e.err }

func (a *Aggregator) fetchSources(ctx context.Context) []sourceResult {
	results := make([]sourceResult, len(a.config.ProxySources))

	var wg sync.WaitGroup
	for i, src := range a.config.ProxySources {
		wg.Add(1)
		go func(i int, src string) {
			defer wg.Done()

			startTime := time.Now()
			addrs, err := a.fetchSource(ctx, src)
			duration := time.Since(startTime)

			r := sourceResult{addrs: addrs, stat: SourceStats{Source: src, ProxiesFound: len(addrs)}, err: err}
			if err != nil {
				r.stat.Error = err.Error()
				log.Warnf("Source %s failed: %v (took %v)", src, err, duration)
			} else {
				log.Infof("Source %s returned %d proxies (took %v)", src, len(addrs), duration)
			}
			results[i] = r
		}(i, src)
	}
	wg.Wait()

	return results
}

func (a *Aggregator) fetchSource(ctx context.Context, source string) ([]proxypool.Address, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	// Limit body read to 10MB
	lines, err := readLines(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	addrs, err := proxypool.LoadAddresses(lines)
	if err != nil {
		return nil, &sourceError{source: source, err: err}
	}
	return addrs, nil
}

func loadFile(path string) ([]proxypool.Address, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open proxy file: %w", err)
	}
	defer f.Close()

	lines, err := readLines(f)
	if err != nil {
		return nil, fmt.Errorf("read proxy file %s: %w", path, err)
	}

	addrs, err := proxypool.LoadAddresses(lines)
	if err != nil {
		return nil, fmt.Errorf("proxy file %s: %w", path, err)
	}
	return addrs, nil
}

func readLines(r io.Reader) ([]string, error) {
	lines := make([]string, 0)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return lines, fmt.Errorf("scan: %w", err)
	}
	return lines, nil
}
