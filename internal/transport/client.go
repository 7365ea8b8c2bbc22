package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	fhttp "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
	"github.com/stealth-dispatcher/internal/dispatcher"
	"github.com/stealth-dispatcher/internal/proxypool"
	log "github.com/sirupsen/logrus"
)

const maxBodyBytes = 10 * 1024 * 1024

var clientProfiles = map[string]profiles.ClientProfile{
	"chrome_120":  profiles.Chrome_120,
	"chrome_117":  profiles.Chrome_117,
	"firefox_120": profiles.Firefox_120,
	"safari_16_0": profiles.Safari_16_0,
}

type Options struct {
	ClientProfile string
	Timeout       time.Duration
	Headers       *HeaderBuilder
}

// Client sends attempts through a browser-fingerprinted TLS client, one per proxy.
// It satisfies dispatcher.Transport.
type Client struct {
	mu      sync.Mutex
	clients map[string]tls_client.HttpClient
	profile profiles.ClientProfile
	timeout int
	headers *HeaderBuilder
}

func New(opts Options) (*Client, error) {
	profile, ok := clientProfiles[opts.ClientProfile]
	if !ok {
		return nil, fmt.Errorf("unknown client profile %q", opts.ClientProfile)
	}
	timeout := int((opts.Timeout + time.Second - 1) / time.Second)
	if timeout < 1 {
		timeout = 30
	}
	if opts.Headers == nil {
		opts.Headers = NewHeaderBuilder(false, 0)
	}

	return &Client{
		clients: make(map[string]tls_client.HttpClient),
		profile: profile,
		timeout: timeout,
		headers: opts.Headers,
	}, nil
}

func (c *Client) clientFor(proxyURL string) (tls_client.HttpClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[proxyURL]; ok {
		return client, nil
	}

	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(c.timeout),
		tls_client.WithClientProfile(c.profile),
		tls_client.WithNotFollowRedirects(),
		tls_client.WithProxyUrl(proxyURL),
	}

	client, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	c.clients[proxyURL] = client
	return client, nil
}

// Do performs one attempt. Any error here is a transport failure; the status
// code is left for the dispatcher to classify.
func (c *Client) Do(ctx context.Context, a dispatcher.Attempt) (*dispatcher.Response, error) {
	client, err := c.clientFor(a.Proxy.String())
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(a.Spec.Body) > 0 {
		body = bytes.NewReader(a.Spec.Body)
	}

	req, err := fhttp.NewRequestWithContext(ctx, a.Spec.Method, a.Spec.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header = c.headers.Build(a.Spec.Header, a.Cookies)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request via %s: %w", a.Proxy.Redacted(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body via %s: %w", a.Proxy.Redacted(), err)
	}

	log.WithFields(log.Fields{
		"request": a.RequestID,
		"attempt": a.Number,
		"status":  resp.StatusCode,
		"bytes":   len(data),
	}).Debug("Response received")

	return &dispatcher.Response{
		StatusCode: resp.StatusCode,
		Header:     http.Header(resp.Header),
		Body:       data,
	}, nil
}

// Forget drops the cached client for a proxy, closing its connections
func (c *Client) Forget(addr proxypool.Address) {
	proxyURL := addr.String()
	c.mu.Lock()
	client, ok := c.clients[proxyURL]
	delete(c.clients, proxyURL)
	c.mu.Unlock()

	if ok {
		client.CloseIdleConnections()
	}
}

// Close releases every cached client
func (c *Client) Close() {
	c.mu.Lock()
	clients := c.clients
	c.clients = make(map[string]tls_client.HttpClient)
	c.mu.Unlock()

	for _, client := range clients {
		client.CloseIdleConnections()
	}
}
